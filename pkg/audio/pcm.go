package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// PCMRMS returns the RMS level of 16-bit little-endian PCM, normalised to
// [0, 1].
func PCMRMS(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(data[2*i:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// IntensityLabel buckets the overall loudness of 16-bit little-endian PCM
// into "low", "medium", or "high".
func IntensityLabel(data []byte) string {
	rms := PCMRMS(data)
	switch {
	case rms >= 0.5:
		return "high"
	case rms >= 0.15:
		return "medium"
	default:
		return "low"
	}
}

// PCMDuration returns the play time of mono 16-bit PCM at the wire rate.
func PCMDuration(data []byte) time.Duration {
	samples := len(data) / 2
	return time.Duration(samples) * time.Second / WireSampleRate
}
