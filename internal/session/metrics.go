package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the stream pipeline instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessions   metric.Int64Counter
	frames     metric.Int64Counter
	audioBytes metric.Int64Counter
	errors     metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/mohsin-356/callbot/stream")

	sessions, err := meter.Int64Counter("callbot.stream.sessions",
		metric.WithDescription("Streaming sessions opened"))
	if err != nil {
		return nil, err
	}
	frames, err := meter.Int64Counter("callbot.stream.frames",
		metric.WithDescription("Audio frames fed to the recognizer"))
	if err != nil {
		return nil, err
	}
	audioBytes, err := meter.Int64Counter("callbot.stream.audio_bytes",
		metric.WithDescription("Inbound audio bytes received"))
	if err != nil {
		return nil, err
	}
	errCounter, err := meter.Int64Counter("callbot.stream.errors",
		metric.WithDescription("Error events emitted to clients"))
	if err != nil {
		return nil, err
	}

	return &Metrics{sessions: sessions, frames: frames, audioBytes: audioBytes, errors: errCounter}, nil
}

func (m *Metrics) addSession(ctx context.Context) {
	if m != nil {
		m.sessions.Add(ctx, 1)
	}
}

func (m *Metrics) addFrames(ctx context.Context, n int64) {
	if m != nil {
		m.frames.Add(ctx, n)
	}
}

func (m *Metrics) addAudioBytes(ctx context.Context, n int64) {
	if m != nil {
		m.audioBytes.Add(ctx, n)
	}
}

func (m *Metrics) addError(ctx context.Context) {
	if m != nil {
		m.errors.Add(ctx, 1)
	}
}
