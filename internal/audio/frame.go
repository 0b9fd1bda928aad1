package audio

import (
	"encoding/binary"
	"math"
)

// Frame is an immutable slice of little-endian 16-bit mono PCM covering a
// fixed time slice at a known sample rate.
type Frame struct {
	PCM        []byte
	SampleRate int
}

// BytesPerFrame returns the byte length of one frame of 16-bit mono PCM.
func BytesPerFrame(sampleRate, frameMS int) int {
	return sampleRate * frameMS / 1000 * 2
}

// Samples decodes the frame payload into int16 samples. Odd trailing bytes
// are ignored.
func (f Frame) Samples() []int16 {
	n := len(f.PCM) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(f.PCM[i*2:]))
	}
	return samples
}

// RMS computes the root-mean-square energy of the frame with samples
// normalized to [-1, 1]. An empty frame has zero energy.
func (f Frame) RMS() float64 {
	n := len(f.PCM) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(f.PCM[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
