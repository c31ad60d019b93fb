package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soothelab/crysense/internal/care"
	"github.com/soothelab/crysense/internal/event"
	"github.com/soothelab/crysense/internal/health"
	"github.com/soothelab/crysense/internal/observe"
	"github.com/soothelab/crysense/internal/priors"
	"github.com/soothelab/crysense/internal/reasoning"
	"github.com/soothelab/crysense/internal/stream"
)

// ServerConfig tunes the HTTP layer.
type ServerConfig struct {
	// OracleTimeout caps the synchronous analysis in the one-shot cry
	// endpoint. Default: 30s.
	OracleTimeout time.Duration

	// ChunkMaxBytes bounds the multipart read for a single chunk upload.
	// Default: 512 KiB.
	ChunkMaxBytes int
}

// Server holds the handler graph. Construct with [NewServer], serve
// [Server.Handler].
type Server struct {
	cfg        ServerConfig
	mgr        *stream.Manager
	store      event.Store
	oracle     reasoning.Engine
	pri        *priors.Store
	summarizer *care.Summarizer
	metrics    *observe.Metrics

	handler http.Handler
}

// Option customises a [Server].
type Option func(*Server)

// WithMetrics overrides the metrics sink (default: [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer wires the full route table.
func NewServer(cfg ServerConfig, mgr *stream.Manager, store event.Store, oracle reasoning.Engine, pri *priors.Store, opts ...Option) *Server {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 30 * time.Second
	}
	if cfg.ChunkMaxBytes <= 0 {
		cfg.ChunkMaxBytes = 512 << 10
	}

	s := &Server{
		cfg:        cfg,
		mgr:        mgr,
		store:      store,
		oracle:     oracle,
		pri:        pri,
		summarizer: care.NewSummarizer(store),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/events/crying/live/start", s.handleLiveStart)
	mux.HandleFunc("POST /api/events/crying/live/chunk", s.handleLiveChunk)
	mux.HandleFunc("POST /api/events/crying/live/finish", s.handleLiveFinish)

	mux.HandleFunc("POST /api/events/crying", s.handleCryingUpload)
	mux.HandleFunc("POST /api/events/manual", s.handleManualEvent)
	mux.HandleFunc("POST /api/events/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/events/recent", s.handleRecent)
	mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)

	mux.HandleFunc("GET /api/context/summary", s.handleContextSummary)
	mux.HandleFunc("GET /api/metrics", s.handleGuidanceMetrics)

	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := store.Recent(ctx, 1)
			return err
		},
	}).Register(mux)

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the fully wired root handler.
func (s *Server) Handler() http.Handler { return s.handler }
