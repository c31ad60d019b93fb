// Package config provides the configuration schema and YAML loader for the
// crysense server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the crysense server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the event store backend.
type StoreDriver string

const (
	// DriverMemory keeps events in process memory. Useful for development
	// and tests; everything is lost on restart.
	DriverMemory StoreDriver = "memory"

	// DriverSQLite stores events in a local SQLite database file.
	DriverSQLite StoreDriver = "sqlite"

	// DriverPostgres stores events in a PostgreSQL database.
	DriverPostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	switch d {
	case DriverMemory, DriverSQLite, DriverPostgres:
		return true
	}
	return false
}

// Duration wraps [time.Duration] so it can be written in YAML as "30s" or
// "5m" instead of nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for crysense.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server Server `yaml:"server"`
	Oracle Oracle `yaml:"oracle"`
	Store  Store  `yaml:"store"`
	Priors Priors `yaml:"priors"`
	Stream Stream `yaml:"stream"`
	ABTest ABTest `yaml:"ab_test"`
}

// Server holds network and logging settings.
type Server struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLS `yaml:"tls"`
}

// TLS holds TLS certificate paths for enabling HTTPS.
type TLS struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// Oracle configures the reasoning backends. Gemini is the primary; when a
// fallback is configured it is tried whenever the primary fails or its
// circuit breaker is open.
type Oracle struct {
	Gemini   Engine `yaml:"gemini"`
	Fallback Engine `yaml:"fallback"`

	// Timeout caps a single oracle call. Default: 30s.
	Timeout Duration `yaml:"timeout"`

	// MinInterval is the minimum gap between two partial oracle calls within
	// one streaming session. Default: 2s.
	MinInterval Duration `yaml:"min_interval"`
}

// Engine is the common configuration block for one reasoning backend.
type Engine struct {
	// APIKey is the authentication key for the backend's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model (e.g., "gemini-2.0-flash", "gpt-4o-mini").
	Model string `yaml:"model"`
}

// Store selects and configures the event store backend.
type Store struct {
	// Driver selects the backend. Default: "sqlite".
	Driver StoreDriver `yaml:"driver"`

	// SQLitePath is the database file path when Driver is "sqlite".
	// Default: "crysense.db".
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresDSN is the connection string when Driver is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Priors configures the persisted cause-weight store.
type Priors struct {
	// Path is the JSON file the weights are persisted to.
	// Default: "priors.json".
	Path string `yaml:"path"`
}

// Stream tunes the live streaming session lifecycle.
type Stream struct {
	// PartialEveryChunks is the chunk cadence for partial guidance.
	// Default: 3.
	PartialEveryChunks int `yaml:"partial_every_chunks"`

	// ChunkMaxBytes is the largest chunk accepted over the wire.
	// Default: 512 KiB.
	ChunkMaxBytes int `yaml:"chunk_max_bytes"`

	// SessionTimeout is the inactivity window after which a streaming
	// session is expired. Default: 5m.
	SessionTimeout Duration `yaml:"session_timeout"`

	// ReapInterval is how often expired sessions are swept. Default: 30s.
	ReapInterval Duration `yaml:"reap_interval"`

	// TerminalRetention is how long a completed or expired session stays
	// addressable before it is forgotten. Default: 10m.
	TerminalRetention Duration `yaml:"terminal_retention"`
}

// ABTest toggles the guidance A/B experiment.
type ABTest struct {
	// Enabled turns on control-arm comparison calls at finalize time.
	Enabled bool `yaml:"enabled"`
}
