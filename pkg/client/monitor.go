package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soothelab/crysense/pkg/audio"
)

// Monitor runs the capture-side pipeline: it feeds frames to a
// [audio.LevelDetector], opens a streaming session on the cry edge, encodes
// subsequent frames through a [audio.ChunkEncoder], and uploads the gated
// chunks through the [Client].
//
// Not safe for concurrent use; feed it from a single capture goroutine.
type Monitor struct {
	client   *Client
	detector *audio.LevelDetector
	encoder  *audio.ChunkEncoder

	streamID string
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithEncoder replaces the default chunk encoder.
func WithEncoder(e *audio.ChunkEncoder) MonitorOption {
	return func(m *Monitor) { m.encoder = e }
}

// NewMonitor creates a monitor with the given detection threshold.
func NewMonitor(c *Client, threshold float64, opts ...MonitorOption) (*Monitor, error) {
	det, err := audio.NewLevelDetector(threshold)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		client:   c,
		detector: det,
		encoder:  audio.NewChunkEncoder(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Streaming reports whether a session is currently open.
func (m *Monitor) Streaming() bool { return m.streamID != "" }

// Process handles one captured frame. On the cry edge it starts a session;
// while a session is open every frame is encoded and gated chunks are
// enqueued for upload. Frames below the threshold outside a session are
// discarded.
func (m *Monitor) Process(ctx context.Context, frame audio.Frame) error {
	if m.detector.Feed(frame) {
		res, err := m.client.Start(ctx)
		if err != nil {
			// Re-arm so the next loud frame retries the session start.
			m.detector.ClearActive()
			return fmt.Errorf("client: open session: %w", err)
		}
		m.streamID = res.StreamID
		m.encoder.Reset()
		slog.Info("cry detected, streaming started", "stream_id", m.streamID)
	}

	if m.streamID == "" {
		return nil
	}
	if chunk, ok := m.encoder.Encode(frame); ok {
		m.client.SendChunk(m.streamID, chunk)
	}
	return nil
}

// Stop finishes the open session, if any, and re-arms the detector. The
// final guidance from the server is returned; a nil response means no
// session was open.
func (m *Monitor) Stop(ctx context.Context) (*FinishResponse, error) {
	if m.streamID == "" {
		return nil, nil
	}
	streamID := m.streamID
	m.streamID = ""
	m.encoder.Reset()
	m.detector.ClearActive()

	res, err := m.client.Finish(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("client: close session: %w", err)
	}
	slog.Info("streaming finished",
		"stream_id", streamID, "status", res.Status, "chunks", res.ChunksReceived)
	return res, nil
}
