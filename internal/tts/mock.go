package tts

import (
	"context"
	"encoding/binary"
	"math"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth produces a short tone instead of real speech, so downstream
// file handling can be exercised without a synthesis backend.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		// 200ms of a 440Hz tone per request.
		samples := m.sampleRate / 5 * m.channels
		pcm := make([]byte, samples*2)
		for i := 0; i < samples; i++ {
			v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(m.sampleRate)))
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
		}

		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case chunks <- SynthChunk{Sequence: 0, SampleRate: m.sampleRate, Channels: m.channels, PCM: pcm, Final: true}:
		}
	}()
	return chunks, errs
}
