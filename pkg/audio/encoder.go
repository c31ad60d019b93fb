package audio

import (
	"encoding/binary"
	"log/slog"
)

const (
	// WireSampleRate is the sample rate of the wire format.
	WireSampleRate = 16000

	// WireMimeType describes the wire format sent to the server.
	WireMimeType = "audio/pcm;rate=16000;encoding=signed-int;bits=16"

	// MaxChunkBytes is the hard upper bound on an encoded chunk. Larger
	// blocks are dropped rather than sent.
	MaxChunkBytes = 512 << 10

	// DefaultSendEvery forwards one of every three encoded blocks.
	DefaultSendEvery = 3
)

// Chunk is an immutable buffer of wire-format audio tagged with a
// monotonically increasing sequence number within its session. The transport
// client owns a chunk until it is handed to the network layer.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// EncoderOption configures a [ChunkEncoder].
type EncoderOption func(*ChunkEncoder)

// WithSendEvery sets the send-rate gate: only every kth encoded block is
// forwarded. Values below 1 are ignored.
func WithSendEvery(k int) EncoderOption {
	return func(e *ChunkEncoder) {
		if k >= 1 {
			e.sendEvery = k
		}
	}
}

// ChunkEncoder converts native capture frames into wire-format chunks:
// mono, 16 kHz, 16-bit signed little-endian PCM. The embedded [Resampler]
// is reused across frames so per-frame latency stays bounded.
//
// The encoder also owns the send-rate gate: callers feed it every frame and
// it decides which encoded blocks actually go downstream, so the capture
// pipeline never needs to know the throttling policy.
//
// Not safe for concurrent use; create one per stream.
type ChunkEncoder struct {
	sendEvery int
	res       *Resampler
	blocks    uint64
	nextSeq   uint64
}

// NewChunkEncoder creates an encoder with the default send-rate gate
// (forward one block in three).
func NewChunkEncoder(opts ...EncoderOption) *ChunkEncoder {
	e := &ChunkEncoder{sendEvery: DefaultSendEvery}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Encode converts one frame and applies the send-rate gate. The second
// return value is false when the block was withheld by the gate or dropped
// for exceeding [MaxChunkBytes]; both are normal operation, not errors.
// Sequence numbers are assigned only to forwarded chunks, in send order.
func (e *ChunkEncoder) Encode(frame Frame) (Chunk, bool) {
	mono := DownmixMono(frame.Samples, frame.Channels)

	if e.res == nil || e.res.SourceRate() != frame.SampleRate {
		e.res = NewResampler(frame.SampleRate, WireSampleRate)
	}
	resampled := e.res.Resample(mono)

	data := quantize16(resampled)

	e.blocks++
	if e.blocks%uint64(e.sendEvery) != 0 {
		return Chunk{}, false
	}

	if len(data) > MaxChunkBytes {
		// Fail-soft: the session continues with a gap rather than erroring.
		slog.Warn("audio: dropping oversized chunk",
			"bytes", len(data),
			"limit", MaxChunkBytes,
		)
		return Chunk{}, false
	}

	e.nextSeq++
	return Chunk{Seq: e.nextSeq, Data: data}, true
}

// Reset clears the gate counters and resampler state for a fresh session.
func (e *ChunkEncoder) Reset() {
	e.blocks = 0
	e.nextSeq = 0
	if e.res != nil {
		e.res.Reset()
	}
}

// quantize16 converts normalised float samples to 16-bit signed
// little-endian PCM. Samples are clamped to [-1, 1] first so out-of-range
// input saturates instead of wrapping around.
func quantize16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
