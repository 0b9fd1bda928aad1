// Package vad partitions a PCM stream into fixed-duration frames and filters
// out silence before it reaches the recognizer.
package vad

import (
	"fmt"

	"github.com/mohsin-356/callbot/internal/audio"
)

// Detector classifies one whole frame as speech or silence. Implementations
// wrap dedicated speech-detection models; when none is available the gate
// falls back to RMS energy.
type Detector interface {
	IsSpeech(frame audio.Frame) bool
}

// Config controls gating behaviour for one session.
type Config struct {
	Enabled        bool
	SampleRate     int
	FrameMS        int
	Threshold      float64 // RMS threshold in [0,1], used by the energy fallback
	HangoverFrames int
	Detector       Detector // optional
}

// Gate accumulates raw PCM, emits whole frames, and drops silent frames once
// the hangover countdown has expired. Disabled gates pass input through
// untouched. Not safe for concurrent use; each session owns its own gate.
type Gate struct {
	cfg        Config
	frameBytes int
	pending    []byte
	countdown  int

	framesIn     uint64
	framesPassed uint64
}

// NewGate builds a gate for one session's sample rate.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = 20
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("vad: threshold must be within [0,1], got %f", cfg.Threshold)
	}
	if cfg.HangoverFrames < 0 {
		cfg.HangoverFrames = 0
	}
	return &Gate{
		cfg:        cfg,
		frameBytes: audio.BytesPerFrame(cfg.SampleRate, cfg.FrameMS),
	}, nil
}

// Push appends raw PCM and returns the frames that pass the gate, in input
// order. Any remainder smaller than one frame is buffered for the next call.
// Frame content is never mutated, only filtered.
func (g *Gate) Push(pcm []byte) []audio.Frame {
	if !g.cfg.Enabled {
		if len(pcm) == 0 {
			return nil
		}
		g.framesIn++
		g.framesPassed++
		return []audio.Frame{{PCM: pcm, SampleRate: g.cfg.SampleRate}}
	}

	g.pending = append(g.pending, pcm...)

	var out []audio.Frame
	for len(g.pending) >= g.frameBytes {
		frame := audio.Frame{
			PCM:        append([]byte(nil), g.pending[:g.frameBytes]...),
			SampleRate: g.cfg.SampleRate,
		}
		g.pending = g.pending[g.frameBytes:]
		g.framesIn++

		if g.classify(frame) {
			g.countdown = g.cfg.HangoverFrames
			g.framesPassed++
			out = append(out, frame)
			continue
		}
		if g.countdown > 0 {
			g.countdown--
			g.framesPassed++
			out = append(out, frame)
		}
	}
	return out
}

func (g *Gate) classify(frame audio.Frame) bool {
	if g.cfg.Detector != nil {
		return g.cfg.Detector.IsSpeech(frame)
	}
	return frame.RMS() >= g.cfg.Threshold
}

// Pending reports how many buffered bytes await a whole frame.
func (g *Gate) Pending() int {
	return len(g.pending)
}

// Stats reports frames seen and frames passed since construction.
func (g *Gate) Stats() (in, passed uint64) {
	return g.framesIn, g.framesPassed
}
