package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = Duration(30 * time.Second)
	}
	if cfg.Oracle.MinInterval <= 0 {
		cfg.Oracle.MinInterval = Duration(2 * time.Second)
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "crysense.db"
	}
	if cfg.Priors.Path == "" {
		cfg.Priors.Path = "priors.json"
	}
	if cfg.Stream.PartialEveryChunks <= 0 {
		cfg.Stream.PartialEveryChunks = 3
	}
	if cfg.Stream.ChunkMaxBytes <= 0 {
		cfg.Stream.ChunkMaxBytes = 512 << 10
	}
	if cfg.Stream.SessionTimeout <= 0 {
		cfg.Stream.SessionTimeout = Duration(5 * time.Minute)
	}
	if cfg.Stream.ReapInterval <= 0 {
		cfg.Stream.ReapInterval = Duration(30 * time.Second)
	}
	if cfg.Stream.TerminalRetention <= 0 {
		cfg.Stream.TerminalRetention = Duration(10 * time.Minute)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == DriverPostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.driver is postgres"))
	}

	if cfg.Oracle.Gemini.APIKey == "" {
		slog.Warn("oracle.gemini.api_key is empty; live analysis will rely entirely on the fallback engine")
	}
	if cfg.Oracle.Gemini.APIKey == "" && cfg.Oracle.Fallback.APIKey == "" {
		slog.Warn("no oracle API keys configured; guidance will be unavailable")
	}
	if cfg.Oracle.MinInterval.Std() >= cfg.Stream.SessionTimeout.Std() {
		errs = append(errs, fmt.Errorf("oracle.min_interval %s must be shorter than stream.session_timeout %s",
			cfg.Oracle.MinInterval.Std(), cfg.Stream.SessionTimeout.Std()))
	}

	if cfg.Stream.ChunkMaxBytes > 10<<20 {
		slog.Warn("stream.chunk_max_bytes is very large; oversized uploads are buffered in memory",
			"bytes", cfg.Stream.ChunkMaxBytes)
	}

	return errors.Join(errs...)
}
