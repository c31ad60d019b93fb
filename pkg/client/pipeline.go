package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/soothelab/crysense/pkg/audio"
)

// defaultFrameQueue bounds the capture-to-encoder handoff. At typical frame
// sizes this holds a few seconds of audio.
const defaultFrameQueue = 64

// Pipeline decouples a real-time capture callback from the encoding and
// network path. The capture side calls [Pipeline.Push], which never blocks;
// a single worker goroutine drains the queue through a [Monitor]. When the
// queue is full the frame is dropped, the same fail-soft stance the chunk
// uploader takes.
type Pipeline struct {
	mon    *Monitor
	frames chan audio.Frame

	done     chan struct{}
	stopOnce sync.Once
}

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithFrameQueue overrides the queue depth (default 64 frames).
func WithFrameQueue(depth int) PipelineOption {
	return func(p *Pipeline) {
		if depth > 0 {
			p.frames = make(chan audio.Frame, depth)
		}
	}
}

// NewPipeline starts the encoder worker over mon.
func NewPipeline(mon *Monitor, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		mon:    mon,
		frames: make(chan audio.Frame, defaultFrameQueue),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Push hands one captured frame to the encoder worker. It never blocks;
// the return value reports whether the frame was accepted.
func (p *Pipeline) Push(frame audio.Frame) bool {
	select {
	case p.frames <- frame:
		return true
	default:
		slog.Warn("frame queue full, dropping frame")
		return false
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for frame := range p.frames {
		if err := p.mon.Process(context.Background(), frame); err != nil {
			slog.Warn("frame processing failed", "err", err)
		}
	}
}

// Close stops accepting frames, drains the queue, and finishes any open
// session, returning its final guidance. Safe to call once; nil, nil when no
// session was open.
func (p *Pipeline) Close(ctx context.Context) (*FinishResponse, error) {
	p.stopOnce.Do(func() { close(p.frames) })
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.mon.Stop(ctx)
}
