package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/mohsin-356/callbot/internal/config"
)

// Service synthesizes text into WAV files in the configured output
// directory.
type Service struct {
	cfg    config.TTSConfig
	synth  Synthesizer
	logger *slog.Logger
}

func NewService(cfg config.TTSConfig, log *slog.Logger) (*Service, error) {
	var synth Synthesizer
	switch cfg.Mode {
	case "", "mock":
		synth = NewMockSynth(cfg.SampleRate, cfg.Channels)
	case "exec":
		s, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		synth = s
	default:
		return nil, fmt.Errorf("tts: unknown mode %q", cfg.Mode)
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tts output dir: %w", err)
	}

	return &Service{
		cfg:    cfg,
		synth:  synth,
		logger: log.With(slog.String("component", "tts")),
	}, nil
}

// SynthesizeToFile runs the synthesizer and writes the collected PCM into a
// WAV file named filename under the output directory. Returns the full path.
func (s *Service) SynthesizeToFile(ctx context.Context, text, voice, filename string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("tts: text must not be empty")
	}
	if voice == "" {
		voice = s.cfg.Voice
	}
	filename = sanitizeFilename(filename)

	ctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{Text: text, Voice: voice})
	var pcm []byte
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if ok && err != nil {
				return "", fmt.Errorf("tts synthesis: %w", err)
			}
			errs = nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if chunks == nil && errs == nil {
			break
		}
	}

	path := filepath.Join(s.cfg.OutDir, filename)
	if err := writePCMToWav(path, pcm, s.cfg.SampleRate, s.cfg.Channels); err != nil {
		return "", err
	}
	s.logger.Debug("synthesized speech", slog.String("path", path), slog.Int("pcm_bytes", len(pcm)))
	return path, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "tts.wav"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".wav") {
		name += ".wav"
	}
	return name
}

func writePCMToWav(path string, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer file.Close()

	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
