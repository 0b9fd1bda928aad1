package stt

import (
	"fmt"
	"log/slog"

	"github.com/mohsin-356/callbot/internal/config"
)

// Recognizer is the incremental decoder contract for one audio stream. A
// recognizer is bound to exactly one sample rate for its lifetime; decoding
// at a different rate means discarding it and constructing a new one.
// Implementations are driven from a single goroutine.
type Recognizer interface {
	// Feed accepts one PCM frame and reports whether the recognizer decided
	// the current utterance boundary is complete.
	Feed(pcm []byte) (final bool, err error)

	// Partial returns the best current hypothesis for the open utterance,
	// possibly empty.
	Partial() string

	// Final commits the current segment, resets internal decoder state for
	// the next utterance, and returns the committed text.
	Final() (string, error)

	// Close releases the underlying decoder resources.
	Close() error
}

// Factory constructs a recognizer bound to the given sample rate. A factory
// error at session start is fatal for that session.
type Factory func(sampleRate int) (Recognizer, error)

// NewFactory builds the configured recognizer factory.
func NewFactory(cfg config.STTConfig, log *slog.Logger) (Factory, error) {
	switch cfg.Mode {
	case "", "mock":
		return func(sampleRate int) (Recognizer, error) {
			return NewMockRecognizer(sampleRate), nil
		}, nil
	case "exec":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stt: command must be set when mode=exec")
		}
		return func(sampleRate int) (Recognizer, error) {
			return newExecRecognizer(cfg, sampleRate, log)
		}, nil
	default:
		return nil, fmt.Errorf("stt: unknown mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
