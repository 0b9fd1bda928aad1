// Package protocol defines the websocket wire messages of the streaming
// transcription endpoint and the transcript events mirrored on the bus.
package protocol

import "time"

// InitMessage is the client's stream declaration. Either Mode ("pcm") with a
// sample rate, or a MimeType naming the compressed container to decode.
type InitMessage struct {
	Type       string `json:"type"`
	Mode       string `json:"mode,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
}

// ResultPayload carries recognized text.
type ResultPayload struct {
	Text string `json:"text"`
}

// ResultEvent is an incremental transcription event. Final=false is a
// revisable hypothesis; Final=true is a committed segment.
type ResultEvent struct {
	Type   string        `json:"type"` // always "result"
	Final  bool          `json:"final"`
	Result ResultPayload `json:"result"`
}

// FinalEvent is the end-of-session flush emitted during finalization.
type FinalEvent struct {
	Type   string        `json:"type"` // always "final"
	Result ResultPayload `json:"result"`
}

// ErrorEvent describes a recoverable or fatal condition. Fatal conditions are
// followed by an abnormal close.
type ErrorEvent struct {
	Type    string `json:"type"` // always "error"
	Message string `json:"message"`
}

func NewResult(text string, final bool) ResultEvent {
	return ResultEvent{Type: "result", Final: final, Result: ResultPayload{Text: text}}
}

func NewFinal(text string) FinalEvent {
	return FinalEvent{Type: "final", Result: ResultPayload{Text: text}}
}

func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: "error", Message: message}
}

// Transcript is broadcast on the bus when mirroring is enabled.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.transcript.partial"
	SubjectTranscriptFinal   = "stt.transcript.final"
)
