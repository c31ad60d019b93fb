package audio

import (
	"encoding/binary"
	"testing"
)

func TestChunkEncoderSendRateGate(t *testing.T) {
	t.Parallel()

	e := NewChunkEncoder() // default: forward one block in three
	var forwarded []uint64
	for i := 0; i < 9; i++ {
		if c, ok := e.Encode(frameOf(0.5, 160)); ok {
			forwarded = append(forwarded, c.Seq)
		}
	}
	if len(forwarded) != 3 {
		t.Fatalf("forwarded %d chunks from 9 blocks, want 3", len(forwarded))
	}
	for i, seq := range forwarded {
		if seq != uint64(i+1) {
			t.Errorf("chunk %d has seq %d, want %d", i, seq, i+1)
		}
	}
}

func TestChunkEncoderClampBeforeQuantize(t *testing.T) {
	t.Parallel()

	e := NewChunkEncoder(WithSendEvery(1))
	c, ok := e.Encode(Frame{
		Samples:    []float32{2.0, -2.0, 0},
		SampleRate: WireSampleRate,
		Channels:   1,
	})
	if !ok {
		t.Fatal("chunk not forwarded")
	}
	if len(c.Data) != 6 {
		t.Fatalf("encoded %d bytes, want 6", len(c.Data))
	}
	hi := int16(binary.LittleEndian.Uint16(c.Data[0:2]))
	lo := int16(binary.LittleEndian.Uint16(c.Data[2:4]))
	if hi != 32767 {
		t.Errorf("over-range sample quantized to %d, want 32767", hi)
	}
	if lo != -32767 {
		t.Errorf("under-range sample quantized to %d, want -32767", lo)
	}
}

func TestChunkEncoderResamplesToWireRate(t *testing.T) {
	t.Parallel()

	e := NewChunkEncoder(WithSendEvery(1))
	var total int
	for i := 0; i < 10; i++ {
		c, ok := e.Encode(frame48k(4800))
		if !ok {
			t.Fatal("chunk not forwarded")
		}
		total += len(c.Data) / 2
	}
	// 48 kHz → 16 kHz: 48 000 input samples become ~16 000 output samples.
	if total < 15990 || total > 16000 {
		t.Errorf("resampled to %d samples, want ~16000", total)
	}
}

func frame48k(n int) Frame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return Frame{Samples: samples, SampleRate: 48000, Channels: 1}
}

func TestChunkEncoderDropsOversized(t *testing.T) {
	t.Parallel()

	e := NewChunkEncoder(WithSendEvery(1))
	big := make([]float32, MaxChunkBytes/2+1)
	if _, ok := e.Encode(Frame{Samples: big, SampleRate: WireSampleRate, Channels: 1}); ok {
		t.Fatal("oversized chunk was forwarded")
	}
	// The dropped block must not consume a sequence number.
	c, ok := e.Encode(frameOf(0.5, 160))
	if !ok {
		t.Fatal("follow-up chunk not forwarded")
	}
	if c.Seq != 1 {
		t.Errorf("follow-up chunk has seq %d, want 1", c.Seq)
	}
}

func TestChunkEncoderDownmixesStereo(t *testing.T) {
	t.Parallel()

	e := NewChunkEncoder(WithSendEvery(1))
	c, ok := e.Encode(Frame{
		Samples:    []float32{1, 0, 1, 0}, // two stereo pairs, L=1 R=0
		SampleRate: WireSampleRate,
		Channels:   2,
	})
	if !ok {
		t.Fatal("chunk not forwarded")
	}
	if len(c.Data) != 4 {
		t.Fatalf("encoded %d bytes, want 4 (two mono samples)", len(c.Data))
	}
	s := int16(binary.LittleEndian.Uint16(c.Data[0:2]))
	if s != 16383 {
		t.Errorf("downmixed sample = %d, want 16383 (average of L and R)", s)
	}
}
