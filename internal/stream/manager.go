package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soothelab/crysense/internal/abtest"
	"github.com/soothelab/crysense/internal/care"
	"github.com/soothelab/crysense/internal/event"
	"github.com/soothelab/crysense/internal/guidance"
	"github.com/soothelab/crysense/internal/observe"
	"github.com/soothelab/crysense/internal/priors"
	"github.com/soothelab/crysense/internal/reasoning"
	"github.com/soothelab/crysense/pkg/audio"
)

// ErrStreamNotFound is returned by [Manager.Finish] for unknown stream ids.
var ErrStreamNotFound = errors.New("stream: not found")

// Config tunes the session lifecycle. Zero-valued fields get defaults.
type Config struct {
	// PartialEveryChunks is the chunk cadence for partial guidance.
	// Default: 3.
	PartialEveryChunks int

	// ChunkMaxBytes is the largest accepted chunk. Default: 512 KiB.
	ChunkMaxBytes int

	// SessionTimeout is the inactivity window after which a session is
	// expired by [Manager.Reap]. Default: 5m.
	SessionTimeout time.Duration

	// OracleTimeout caps a single oracle call. Default: 30s.
	OracleTimeout time.Duration

	// MinInferenceInterval is the minimum gap between two partial oracle
	// calls within one session; partials due sooner reuse the previous
	// result. Default: 2s.
	MinInferenceInterval time.Duration

	// TerminalRetention is how long a terminal session stays addressable
	// before Reap forgets it. Default: 10m.
	TerminalRetention time.Duration

	// ABTestEnabled turns on the control-arm comparison call at finalize.
	ABTestEnabled bool
}

func (c *Config) applyDefaults() {
	if c.PartialEveryChunks <= 0 {
		c.PartialEveryChunks = 3
	}
	if c.ChunkMaxBytes <= 0 {
		c.ChunkMaxBytes = audio.MaxChunkBytes
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 5 * time.Minute
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = 30 * time.Second
	}
	if c.MinInferenceInterval < 0 {
		c.MinInferenceInterval = 0
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 10 * time.Minute
	}
}

// StartResult is returned by [Manager.Start].
type StartResult struct {
	StreamID string
	EventID  string
	Status   string

	// PartialEveryChunks tells the client the partial guidance cadence.
	PartialEveryChunks int
}

// StartOption carries optional session attributes from the start request.
type StartOption func(*startOptions)

type startOptions struct {
	occurredAt time.Time
	mimeType   string
	tags       []string
	variant    abtest.Variant
}

// StartAt records when the cry began, as reported by the client.
func StartAt(t time.Time) StartOption {
	return func(o *startOptions) { o.occurredAt = t }
}

// StartWithMimeType sets the session's audio format descriptor.
func StartWithMimeType(mt string) StartOption {
	return func(o *startOptions) { o.mimeType = mt }
}

// StartWithTags adds tags to the backing event.
func StartWithTags(tags ...string) StartOption {
	return func(o *startOptions) { o.tags = tags }
}

// StartWithVariant pins the experiment arm instead of the hash-based
// assignment.
func StartWithVariant(v abtest.Variant) StartOption {
	return func(o *startOptions) { o.variant = v }
}

// ChunkResult is returned by [Manager.AppendChunk].
type ChunkResult struct {
	StreamID       string
	Status         string
	ChunksReceived int

	// NextPartialInChunks is how many more accepted chunks until the next
	// partial evaluation. Zero when the session is not streaming.
	NextPartialInChunks int

	// Partial is the guidance attached to this chunk response, when due.
	Partial *event.PartialUpdate

	// Meta describes how Partial was produced.
	Meta *event.AIMeta

	// Stale is set when Partial reuses an earlier result because an oracle
	// call was already in flight, too recent, or failed.
	Stale bool
}

// FinalResult is the terminal outcome of a session, identical for every
// caller that observes it.
type FinalResult struct {
	StreamID       string
	EventID        string
	Status         string
	ChunksReceived int
	Guidance       *guidance.Result
	Meta           *event.AIMeta
	Notice         string
}

// Manager owns all live sessions. Safe for concurrent use.
type Manager struct {
	cfg        Config
	store      event.Store
	oracle     reasoning.Engine
	priors     *priors.Store
	summarizer *care.Summarizer
	metrics    *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// Option customises a [Manager].
type Option func(*Manager)

// WithMetrics overrides the metrics sink (default: [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates a session manager over the given store, oracle, and
// prior weights.
func NewManager(cfg Config, store event.Store, oracle reasoning.Engine, pri *priors.Store, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:        cfg,
		store:      store,
		oracle:     oracle,
		priors:     pri,
		summarizer: care.NewSummarizer(store),
		sessions:   map[string]*session{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Start opens a new streaming session and persists its backing event.
func (m *Manager) Start(ctx context.Context, opts ...StartOption) (StartResult, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	now := time.Now().UTC()
	occurred := now
	if !o.occurredAt.IsZero() {
		occurred = o.occurredAt.UTC()
	}
	mime := audio.WireMimeType
	if o.mimeType != "" {
		mime = o.mimeType
	}

	ev := event.New(event.TypeCrying, event.SourceLiveStream, event.CategoryCry, occurred)
	streamID := event.NewID("strm")
	ev.Payload.Streaming = &event.Streaming{
		StreamID: streamID,
		Status:   StatusStreaming,
	}
	ev.Tags = append([]string{"live"}, o.tags...)

	if err := m.store.Save(ctx, ev); err != nil {
		return StartResult{}, fmt.Errorf("stream: save session event: %w", err)
	}

	variant := o.variant
	if variant == "" {
		variant = abtest.Assign(ev.ID)
	}

	s := &session{
		id:           streamID,
		eventID:      ev.ID,
		createdAt:    occurred,
		variant:      variant,
		status:       StatusStreaming,
		mimeType:     mime,
		lastActivity: now,
		finalized:    make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[streamID] = s
	m.mu.Unlock()

	m.metrics.ActiveStreams.Add(ctx, 1)
	slog.Info("stream started", "stream_id", streamID, "event_id", ev.ID)
	return StartResult{
		StreamID:           streamID,
		EventID:            ev.ID,
		Status:             StatusStreaming,
		PartialEveryChunks: m.cfg.PartialEveryChunks,
	}, nil
}

// AppendChunk ingests one audio chunk. Oversized chunks are dropped without
// affecting the chunk count; chunks for unknown or terminal streams are
// rejected per chunk rather than failing the session.
func (m *Manager) AppendChunk(ctx context.Context, streamID string, data []byte, mimeType string) ChunkResult {
	s := m.lookup(streamID)
	if s == nil {
		m.metrics.RecordChunkDropped(ctx, "unknown_stream")
		return ChunkResult{StreamID: streamID, Status: StatusUnknown}
	}

	s.mu.Lock()
	if s.status != StatusStreaming {
		res := ChunkResult{StreamID: streamID, Status: s.status, ChunksReceived: s.chunks}
		s.mu.Unlock()
		m.metrics.RecordChunkDropped(ctx, "terminal")
		return res
	}
	if len(data) > m.cfg.ChunkMaxBytes {
		s.lastActivity = time.Now()
		res := ChunkResult{
			StreamID:            streamID,
			Status:              StatusStreaming,
			ChunksReceived:      s.chunks,
			NextPartialInChunks: m.chunksUntilPartial(s.chunks),
		}
		s.mu.Unlock()
		slog.Warn("oversized chunk dropped",
			"stream_id", streamID, "bytes", len(data), "max", m.cfg.ChunkMaxBytes)
		m.metrics.RecordChunkDropped(ctx, "oversized")
		return res
	}

	s.chunks++
	s.pcm = append(s.pcm, data...)
	if mimeType != "" {
		s.mimeType = mimeType
	}
	s.lastActivity = time.Now()
	count := s.chunks
	s.mu.Unlock()

	m.metrics.ChunksReceived.Add(ctx, 1)

	res := ChunkResult{
		StreamID:            streamID,
		Status:              StatusStreaming,
		ChunksReceived:      count,
		NextPartialInChunks: m.chunksUntilPartial(count),
	}
	if count%m.cfg.PartialEveryChunks == 0 {
		m.runPartial(ctx, s, &res)
	}
	return res
}

// Finish completes a session and returns its final result. Calling Finish on
// an already-terminal session returns the stored result unchanged.
func (m *Manager) Finish(ctx context.Context, streamID string) (*FinalResult, error) {
	s := m.lookup(streamID)
	if s == nil {
		return nil, ErrStreamNotFound
	}
	return m.finalize(ctx, s, StatusCompleted)
}

// Reap expires streaming sessions idle past the session timeout and forgets
// terminal sessions past the retention window. Returns the number of
// sessions expired.
func (m *Manager) Reap(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	var idle []*session
	for id, s := range m.sessions {
		s.mu.Lock()
		switch s.status {
		case StatusStreaming:
			if now.Sub(s.lastActivity) > m.cfg.SessionTimeout {
				idle = append(idle, s)
			}
		default:
			if now.Sub(s.terminalAt) > m.cfg.TerminalRetention {
				delete(m.sessions, id)
			}
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	for _, s := range idle {
		if _, err := m.finalize(ctx, s, StatusExpired); err != nil {
			slog.Error("expiry finalize failed", "stream_id", s.id, "error", err)
		} else {
			slog.Info("stream expired", "stream_id", s.id)
		}
	}
	return len(idle)
}

// ActiveSessions returns the number of sessions still streaming.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.status == StatusStreaming {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (m *Manager) lookup(streamID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[streamID]
}

// chunksUntilPartial returns how many accepted chunks remain until the next
// partial evaluation, given the current count.
func (m *Manager) chunksUntilPartial(count int) int {
	k := m.cfg.PartialEveryChunks
	rem := count % k
	return k - rem
}

// runPartial performs (or skips) the partial oracle evaluation for a due
// chunk and fills res accordingly. At most one oracle call per session is in
// flight: when another is running, or the minimum interval since the last
// call has not elapsed, the previous partial is reused with Stale set.
func (m *Manager) runPartial(ctx context.Context, s *session, res *ChunkResult) {
	s.mu.Lock()
	last := s.lastPartial
	lastMeta := s.lastMeta
	lastAnalysis := s.lastAnalysis
	tooSoon := !s.lastOracleAt.IsZero() && time.Since(s.lastOracleAt) < m.cfg.MinInferenceInterval
	occurred := s.createdAt
	mime := s.mimeType
	s.mu.Unlock()

	reuse := func() {
		if last != nil {
			res.Partial = &event.PartialUpdate{At: time.Now().UTC(), ChunkCount: res.ChunksReceived, Guidance: last}
			res.Meta = lastMeta
			res.Stale = true
			m.metrics.StalePartials.Add(ctx, 1)
		}
	}

	if tooSoon {
		reuse()
		return
	}
	if !s.inferMu.TryLock() {
		reuse()
		return
	}
	defer s.inferMu.Unlock()

	pcm, count := s.snapshotAudio()
	summary, err := m.summarizer.Recent(ctx, time.Now())
	if err != nil {
		slog.Warn("care summary unavailable", "error", err)
		summary = care.Summary{Limited: true}
	}
	weights := m.priors.Weights(priors.BucketFor(occurred))

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.OracleTimeout)
	defer cancel()
	start := time.Now()
	out, err := m.oracle.Analyze(callCtx, reasoning.Request{
		Audio:          pcm,
		MimeType:       mime,
		Mode:           reasoning.ModePartial,
		OccurredAt:     occurred,
		CareSummary:    summary.Text,
		LimitedContext: summary.Limited,
		Priors:         weights,
		LastAnalysis:   lastAnalysis,
	})
	elapsed := time.Since(start)
	if err != nil {
		m.metrics.RecordOracleCall(ctx, "oracle", "partial", "error", elapsed.Seconds())
		slog.Warn("partial analysis failed", "stream_id", s.id, "error", err)
		reuse()
		return
	}
	m.metrics.RecordOracleCall(ctx, out.Model, "partial", "ok", elapsed.Seconds())

	g := guidance.FromOutcome(out, guidance.Options{
		Priors:         weights,
		LimitedContext: summary.Limited,
	})
	meta := &event.AIMeta{Model: out.Model, Mode: "partial", LatencyMS: elapsed.Milliseconds()}
	update := event.PartialUpdate{At: time.Now().UTC(), ChunkCount: count, Guidance: g}

	s.mu.Lock()
	s.lastPartial = g
	s.lastMeta = meta
	s.lastAnalysis = g.Summary()
	s.lastOracleAt = time.Now()
	if len(s.partials) < maxPartialUpdates {
		s.partials = append(s.partials, update)
	}
	s.mu.Unlock()

	res.Partial = &update
	res.Meta = meta
}

// finalize transitions s to the given terminal status. Exactly one caller
// wins the transition and runs the final analysis; every other caller waits
// for it and returns the identical stored result.
func (m *Manager) finalize(ctx context.Context, s *session, status string) (*FinalResult, error) {
	s.mu.Lock()
	if s.status != StatusStreaming {
		s.mu.Unlock()
		<-s.finalized
		return s.final, s.finalErr
	}
	s.status = status
	s.terminalAt = time.Now()
	s.mu.Unlock()

	final, err := m.runFinal(ctx, s, status)
	s.final, s.finalErr = final, err
	close(s.finalized)

	m.metrics.RecordSessionFinalized(ctx, status)
	return final, err
}

// runFinal performs the final analysis and writes the terminal state into
// the backing event. Oracle failures degrade to the fixed unavailable
// guidance rather than failing the session.
func (m *Manager) runFinal(ctx context.Context, s *session, status string) (*FinalResult, error) {
	// Wait out any in-flight partial so the final analysis never overlaps it.
	s.inferMu.Lock()
	defer s.inferMu.Unlock()

	s.mu.Lock()
	pcm := s.pcm
	count := s.chunks
	partials := append([]event.PartialUpdate(nil), s.partials...)
	lastAnalysis := s.lastAnalysis
	occurred := s.createdAt
	mime := s.mimeType
	s.mu.Unlock()

	g := guidance.Unavailable()
	var meta *event.AIMeta
	var control *event.ABComparison
	variant := s.variant

	if len(pcm) > 0 {
		summary, err := m.summarizer.Recent(ctx, time.Now())
		if err != nil {
			slog.Warn("care summary unavailable", "error", err)
			summary = care.Summary{Limited: true}
		}
		weights := m.priors.Weights(priors.BucketFor(occurred))

		out, elapsed, err := m.analyze(ctx, reasoning.Request{
			Audio:          pcm,
			MimeType:       mime,
			Mode:           reasoning.ModeFinal,
			OccurredAt:     occurred,
			CareSummary:    summary.Text,
			LimitedContext: summary.Limited,
			Priors:         weights,
			LastAnalysis:   lastAnalysis,
		})
		if err != nil {
			m.metrics.RecordOracleCall(ctx, "oracle", "final", "error", elapsed.Seconds())
			slog.Error("final analysis failed", "stream_id", s.id, "error", err)
		} else {
			m.metrics.RecordOracleCall(ctx, out.Model, "final", "ok", elapsed.Seconds())
			g = guidance.FromOutcome(out, guidance.Options{
				Priors:         weights,
				LimitedContext: summary.Limited,
			})
			meta = &event.AIMeta{
				Model:     out.Model,
				Mode:      "final",
				LatencyMS: elapsed.Milliseconds(),
				ABVariant: string(variant),
			}
			if m.cfg.ABTestEnabled {
				control = m.runControl(ctx, pcm, mime, occurred, variant)
			}
		}
	}

	notice := ""
	if episodes, err := m.summarizer.HighIntensityEpisodes(ctx, time.Now()); err == nil {
		if episodes >= care.SafetyEpisodeThreshold {
			notice = guidance.SafetyNotice
		}
	} else {
		slog.Warn("safety episode count unavailable", "error", err)
	}

	m.updateEvent(ctx, s, status, count, partials, g, meta, control, notice, pcm)

	return &FinalResult{
		StreamID:       s.id,
		EventID:        s.eventID,
		Status:         status,
		ChunksReceived: count,
		Guidance:       g,
		Meta:           meta,
		Notice:         notice,
	}, nil
}

// runControl performs the control-arm comparison call: same audio, no care
// context and no priors. Failures are logged and skipped — the experiment
// must never degrade the served guidance.
func (m *Manager) runControl(ctx context.Context, pcm []byte, mime string, occurred time.Time, variant abtest.Variant) *event.ABComparison {
	out, elapsed, err := m.analyze(ctx, reasoning.Request{
		Audio:      pcm,
		MimeType:   mime,
		Mode:       reasoning.ModeFinal,
		OccurredAt: occurred,
	})
	if err != nil {
		m.metrics.RecordOracleCall(ctx, "oracle", "control", "error", elapsed.Seconds())
		slog.Warn("control-arm analysis failed", "error", err)
		return &event.ABComparison{Variant: string(variant)}
	}
	m.metrics.RecordOracleCall(ctx, out.Model, "control", "ok", elapsed.Seconds())

	cg := guidance.FromOutcome(out, guidance.Options{})
	return &event.ABComparison{
		Variant:      string(variant),
		ControlCause: cg.MostLikelyCause.Label,
		ControlTier:  string(cg.ConfidenceLevel),
	}
}

// analyze wraps one oracle call with the configured timeout.
func (m *Manager) analyze(ctx context.Context, req reasoning.Request) (*reasoning.Outcome, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.OracleTimeout)
	defer cancel()
	start := time.Now()
	out, err := m.oracle.Analyze(callCtx, req)
	return out, time.Since(start), err
}

// updateEvent writes the terminal session state into the backing event.
// Store failures are logged, not surfaced — the caller already holds the
// guidance to serve.
func (m *Manager) updateEvent(ctx context.Context, s *session, status string, count int,
	partials []event.PartialUpdate, g *guidance.Result, meta *event.AIMeta,
	control *event.ABComparison, notice string, pcm []byte,
) {
	ev, err := m.store.Get(ctx, s.eventID)
	if err != nil {
		slog.Error("load session event", "event_id", s.eventID, "error", err)
		return
	}
	ev.Payload.AudioAnalysis = map[string]any{
		"intensity":       audio.IntensityLabel(pcm),
		"durationSeconds": audio.PCMDuration(pcm).Seconds(),
	}
	ev.Payload.AIGuidance = g
	ev.Payload.AIMeta = meta
	ev.Payload.ABTest = control
	ev.Payload.Notice = notice
	ev.Payload.Streaming = &event.Streaming{
		StreamID:       s.id,
		Status:         status,
		ChunksReceived: count,
		PartialUpdates: partials,
	}
	if err := m.store.Update(ctx, ev); err != nil {
		slog.Error("update session event", "event_id", s.eventID, "error", err)
	}
}
