package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mohsin-356/callbot/internal/decoder"
)

// ErrNoDecoder reports that one-shot transcription has no decoder binary to
// normalize the uploaded audio with.
var ErrNoDecoder = errors.New("stt: no decoder binary available to normalize audio")

const batchChunkBytes = 8000 // 4000 samples at 16-bit

// TranscribeFile normalizes an audio file to mono 16 kHz PCM using the
// decoder binary and streams it through a fresh recognizer. Committed
// segments are joined with single spaces.
func TranscribeFile(ctx context.Context, decoderBin, path string, factory Factory) (string, error) {
	if decoderBin == "" {
		return "", ErrNoDecoder
	}

	cmd := exec.CommandContext(ctx, decoderBin,
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-ac", "1",
		"-ar", strconv.Itoa(decoder.TargetSampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("normalize audio: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	rec, err := factory(decoder.TargetSampleRate)
	if err != nil {
		return "", fmt.Errorf("construct recognizer: %w", err)
	}
	defer rec.Close()

	var segments []string
	pcm := stdout.Bytes()
	for start := 0; start < len(pcm); start += batchChunkBytes {
		end := start + batchChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		final, err := rec.Feed(pcm[start:end])
		if err != nil {
			return "", fmt.Errorf("feed recognizer: %w", err)
		}
		if final {
			text, err := rec.Final()
			if err != nil {
				return "", fmt.Errorf("commit segment: %w", err)
			}
			if text != "" {
				segments = append(segments, text)
			}
		}
	}

	text, err := rec.Final()
	if err != nil {
		return "", fmt.Errorf("final result: %w", err)
	}
	if text != "" {
		segments = append(segments, text)
	}
	return strings.Join(segments, " "), nil
}
