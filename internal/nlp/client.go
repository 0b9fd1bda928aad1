// Package nlp proxies recognized text to an external intent-recognition
// webhook (Rasa-style REST channel).
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Reply is one message returned by the intent webhook. The webhook may also
// return images, buttons, or custom payloads; they pass through untouched.
type Reply struct {
	RecipientID string          `json:"recipient_id,omitempty"`
	Text        string          `json:"text,omitempty"`
	Image       string          `json:"image,omitempty"`
	Buttons     json.RawMessage `json:"buttons,omitempty"`
	Custom      json.RawMessage `json:"custom,omitempty"`
}

type webhookRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// Client calls the configured webhook with a bounded timeout.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SendMessage forwards one user message and returns the webhook's replies.
func (c *Client) SendMessage(ctx context.Context, senderID, message string) ([]Reply, error) {
	payload, err := json.Marshal(webhookRequest{Sender: senderID, Message: message})
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/webhooks/rest/webhook"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nlp webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("nlp webhook returned status %d", resp.StatusCode)
	}

	var replies []Reply
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		return nil, fmt.Errorf("decode nlp webhook response: %w", err)
	}
	return replies, nil
}
