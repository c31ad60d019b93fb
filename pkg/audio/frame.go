// Package audio provides the client-side capture pipeline primitives: raw
// frames, loudness measurement, cry-edge detection, and the wire-format chunk
// encoder.
//
// Frames are the atomic unit of audio transport. They are captured at the
// device's native rate and channel count, analysed by the [LevelDetector],
// and converted to the wire format (mono, 16 kHz, 16-bit signed little-endian
// PCM) by the [ChunkEncoder].
package audio

import (
	"math"
	"time"
)

// Frame is a timestamped block of PCM samples at the device's native rate.
// Samples are normalised floats in [-1, 1], interleaved when Channels > 1.
// Frames are ephemeral: the capture pipeline owns them and they are discarded
// after encoding.
type Frame struct {
	// Samples holds normalised PCM data. Interleaved for multi-channel input.
	Samples []float32

	// SampleRate in Hz (e.g., 44100 or 48000 for typical capture devices).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo capture.
	Channels int

	// Timestamp marks when this frame was captured.
	Timestamp time.Time
}

// RMS returns the root-mean-square amplitude of samples. For normalised
// input in [-1, 1] the result lies in [0, 1]. Returns 0 for empty input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DownmixMono averages interleaved multi-channel samples into mono. Mono
// input is returned unchanged. Trailing samples that do not fill a complete
// interleaved group are dropped.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	groups := len(samples) / channels
	out := make([]float32, groups)
	for i := range groups {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
