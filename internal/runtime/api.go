package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohsin-356/callbot/internal/nlp"
	"github.com/mohsin-356/callbot/internal/stt"
)

const maxUploadBytes = 64 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (r *Runtime) handleAPIHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"runtime": r.cfg.RuntimeName,
		"decoder": r.decoderPath != "",
	})
}

func (r *Runtime) handleDBPing(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
	defer cancel()
	if err := r.store.Ping(ctx); err != nil {
		r.logger.Error("transcript store ping failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleOneShotSTT transcribes a single uploaded recording. The payload is a
// multipart form with a "file" field holding any ffmpeg-readable audio.
func (r *Runtime) handleOneShotSTT(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
	file, header, err := req.FormFile("file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "multipart field 'file' required")
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "stt-upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "store upload")
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeAPIError(w, http.StatusInternalServerError, "store upload")
		return
	}
	tmp.Close()

	text, err := stt.TranscribeFile(req.Context(), r.decoderPath, tmp.Name(), r.factory)
	if err != nil {
		if errors.Is(err, stt.ErrNoDecoder) {
			writeAPIError(w, http.StatusBadRequest, "ffmpeg is not installed on the server")
			return
		}
		r.logger.Error("one-shot transcription failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "transcription failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

type ttsRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Filename string `json:"filename"`
}

func (r *Runtime) handleTTS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if r.ttsService == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "tts is disabled")
		return
	}
	var body ttsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeAPIError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	if body.Filename == "" {
		body.Filename = "speech.wav"
	}

	path, err := r.ttsService.SynthesizeToFile(req.Context(), body.Text, body.Voice, body.Filename)
	if err != nil {
		r.logger.Error("synthesis failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "synthesis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"file": filepath.Base(path),
		"url":  "/audio/" + filepath.Base(path),
	})
}

type nlpRequest struct {
	SenderID string `json:"sender_id"`
	Message  string `json:"message"`
}

func (r *Runtime) handleNLP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body nlpRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.SenderID == "" {
		body.SenderID = "anonymous"
	}
	if strings.TrimSpace(body.Message) == "" {
		writeAPIError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	replies, err := r.nlpClient.SendMessage(req.Context(), body.SenderID, body.Message)
	if err != nil {
		r.logger.Error("nlp request failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusBadGateway, "nlp backend unavailable")
		return
	}
	if replies == nil {
		replies = []nlp.Reply{}
	}
	writeJSON(w, http.StatusOK, replies)
}
