// Command crysense is the main entry point for the crysense guidance server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soothelab/crysense/internal/api"
	"github.com/soothelab/crysense/internal/config"
	"github.com/soothelab/crysense/internal/event"
	"github.com/soothelab/crysense/internal/observe"
	"github.com/soothelab/crysense/internal/priors"
	"github.com/soothelab/crysense/internal/reasoning"
	"github.com/soothelab/crysense/internal/reasoning/gemini"
	"github.com/soothelab/crysense/internal/reasoning/openai"
	"github.com/soothelab/crysense/internal/resilience"
	"github.com/soothelab/crysense/internal/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "crysense: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "crysense: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("crysense starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"store_driver", cfg.Store.Driver,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "crysense",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Event store ───────────────────────────────────────────────────────────
	store, err := buildStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open event store", "err", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	// ── Reasoning oracle ──────────────────────────────────────────────────────
	oracle, err := buildOracle(cfg.Oracle)
	if err != nil {
		slog.Error("failed to build reasoning oracle", "err", err)
		return 1
	}

	// ── Priors ────────────────────────────────────────────────────────────────
	pri, err := priors.NewStore(cfg.Priors.Path)
	if err != nil {
		slog.Error("failed to load priors", "err", err)
		return 1
	}

	// ── Session manager + reaper ──────────────────────────────────────────────
	mgr := stream.NewManager(stream.Config{
		PartialEveryChunks:   cfg.Stream.PartialEveryChunks,
		ChunkMaxBytes:        cfg.Stream.ChunkMaxBytes,
		SessionTimeout:       cfg.Stream.SessionTimeout.Std(),
		OracleTimeout:        cfg.Oracle.Timeout.Std(),
		MinInferenceInterval: cfg.Oracle.MinInterval.Std(),
		TerminalRetention:    cfg.Stream.TerminalRetention.Std(),
		ABTestEnabled:        cfg.ABTest.Enabled,
	}, store, oracle, pri)

	reaper, err := stream.NewReaper(mgr, cfg.Stream.ReapInterval.Std())
	if err != nil {
		slog.Error("failed to schedule session reaper", "err", err)
		return 1
	}
	reaper.Start()
	defer func() { <-reaper.Stop().Done() }()

	// ── HTTP server ───────────────────────────────────────────────────────────
	apiServer := api.NewServer(api.ServerConfig{
		OracleTimeout: cfg.Oracle.Timeout.Std(),
		ChunkMaxBytes: cfg.Stream.ChunkMaxBytes,
	}, mgr, store, oracle, pri)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is injected at build time via -ldflags.
var version = "dev"

// buildStore opens the configured event store backend.
func buildStore(ctx context.Context, cfg config.Store) (event.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return event.NewMemStore(), nil
	case config.DriverSQLite:
		return event.NewSQLiteStore(cfg.SQLitePath)
	case config.DriverPostgres:
		return event.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildOracle assembles the reasoning engine chain: Gemini as primary,
// the OpenAI-compatible engine as fallback, both behind per-engine circuit
// breakers.
func buildOracle(cfg config.Oracle) (reasoning.Engine, error) {
	var engines []struct {
		name   string
		engine reasoning.Engine
	}

	if cfg.Gemini.APIKey != "" {
		var opts []gemini.Option
		if cfg.Gemini.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Gemini.Model))
		}
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
		}
		opts = append(opts, gemini.WithTimeout(cfg.Timeout.Std()))
		eng, err := gemini.New(cfg.Gemini.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("gemini engine: %w", err)
		}
		engines = append(engines, struct {
			name   string
			engine reasoning.Engine
		}{"gemini", eng})
	}

	if cfg.Fallback.APIKey != "" {
		var opts []openai.Option
		if cfg.Fallback.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Fallback.Model))
		}
		if cfg.Fallback.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Fallback.BaseURL))
		}
		opts = append(opts, openai.WithTimeout(cfg.Timeout.Std()))
		eng, err := openai.New(cfg.Fallback.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("fallback engine: %w", err)
		}
		engines = append(engines, struct {
			name   string
			engine reasoning.Engine
		}{"openai", eng})
	}

	if len(engines) == 0 {
		return nil, errors.New("no oracle API keys configured; set oracle.gemini.api_key or oracle.fallback.api_key")
	}

	group := resilience.NewOracleFallback(engines[0].engine, engines[0].name, resilience.FallbackConfig{})
	for _, e := range engines[1:] {
		group.AddFallback(e.name, e.engine)
	}
	slog.Info("reasoning oracle assembled", "engines", len(engines))
	return group, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
