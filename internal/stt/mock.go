package stt

import (
	"fmt"

	"github.com/mohsin-356/callbot/internal/audio"
)

const mockSpeechRMS = 0.05

// mockRecognizer is an energy heuristic standing in for a real decoder. It
// never decides utterance boundaries on its own; Final reports how much
// voiced audio it saw, which is enough for development and tests.
type mockRecognizer struct {
	sampleRate int
	frames     int
	voiced     int
}

func NewMockRecognizer(sampleRate int) Recognizer {
	return &mockRecognizer{sampleRate: sampleRate}
}

func (m *mockRecognizer) Feed(pcm []byte) (bool, error) {
	m.frames++
	frame := audio.Frame{PCM: pcm, SampleRate: m.sampleRate}
	if frame.RMS() >= mockSpeechRMS {
		m.voiced++
	}
	return false, nil
}

func (m *mockRecognizer) Partial() string {
	if m.voiced == 0 {
		return ""
	}
	return fmt.Sprintf("[partial voiced=%d frames=%d]", m.voiced, m.frames)
}

func (m *mockRecognizer) Final() (string, error) {
	text := ""
	if m.voiced > 0 {
		text = fmt.Sprintf("[final voiced=%d frames=%d]", m.voiced, m.frames)
	}
	m.frames = 0
	m.voiced = 0
	return text, nil
}

func (m *mockRecognizer) Close() error { return nil }
