package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohsin-356/callbot/internal/protocol"
)

// Publisher fans transcript segments out over NATS so other services can
// react to recognized speech without holding the websocket.
type Publisher struct {
	client *Client
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) PublishTranscript(sessionID, text string, partial bool) error {
	if p == nil || p.client == nil || !p.client.Healthy() {
		return nil
	}
	msg := protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Partial:   partial,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	subject := protocol.SubjectTranscriptFinal
	if partial {
		subject = protocol.SubjectTranscriptPartial
	}
	return p.client.Conn().Publish(subject, data)
}
