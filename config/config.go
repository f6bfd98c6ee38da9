package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/INLOpen/gomsync/compressors"
)

// EnvPrefix prefixes every environment variable that overrides a config value.
const EnvPrefix = "GOMSYNC_"

// WebSocketConfig holds the WebSocket transport configuration.
type WebSocketConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	ListenAddress   string `yaml:"listen_address" env:"LISTEN_ADDRESS"`
	Path            string `yaml:"path" env:"PATH"`
	ReadBufferSize  int    `yaml:"read_buffer_size" env:"READ_BUFFER_SIZE"`
	WriteBufferSize int    `yaml:"write_buffer_size" env:"WRITE_BUFFER_SIZE"`
}

// ServerConfig holds the transport configuration.
type ServerConfig struct {
	TCPListenAddress string          `yaml:"tcp_listen_address" env:"TCP_LISTEN_ADDRESS"`
	WriteTimeout     string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	MaxFrameBytes    int             `yaml:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
	MaxConnections   int             `yaml:"max_connections" env:"MAX_CONNECTIONS"` // 0 means unlimited
	ShutdownTimeout  string          `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	WebSocket        WebSocketConfig `yaml:"websocket" envPrefix:"WEBSOCKET_"`
}

// ReplicationConfig holds the replication timing and encoding configuration.
type ReplicationConfig struct {
	TickInterval    string `yaml:"tick_interval" env:"TICK_INTERVAL"`
	FullInterval    string `yaml:"full_interval" env:"FULL_INTERVAL"`
	PartialInterval string `yaml:"partial_interval" env:"PARTIAL_INTERVAL"`
	// Compression is one of "none", "snappy", "lz4", "zstd".
	Compression          string `yaml:"compression" env:"COMPRESSION"`
	CompressionThreshold int    `yaml:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
	WarnTransactionBytes int    `yaml:"warn_transaction_bytes" env:"WARN_TRANSACTION_BYTES"`
	MaxTransactionBytes  int    `yaml:"max_transaction_bytes" env:"MAX_TRANSACTION_BYTES"` // 0 disables the limit
}

// SessionConfig holds session registry configuration.
type SessionConfig struct {
	LocalAuthorityKey int32 `yaml:"local_authority_key" env:"LOCAL_AUTHORITY_KEY"`
	AuditEnabled      bool  `yaml:"audit_enabled" env:"AUDIT_ENABLED"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output" env:"OUTPUT"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file" env:"FILE"`     // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled                 bool   `yaml:"enabled" env:"ENABLED"`
	ListenAddress           string `yaml:"listen_address" env:"LISTEN_ADDRESS"`
	PProfEnabled            bool   `yaml:"pprof_enabled" env:"PPROF_ENABLED"`
	MetricsEnabled          bool   `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	StatsvizEnabled         bool   `yaml:"statsviz_enabled" env:"STATSVIZ_ENABLED"`
	SystemCollectorInterval string `yaml:"system_collector_interval" env:"SYSTEM_COLLECTOR_INTERVAL"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol" env:"PROTOCOL"` // "grpc" or "http"
}

// DemoConfig drives the built-in world simulation used to exercise the
// pipeline without a game attached.
type DemoConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Types   int  `yaml:"types" env:"TYPES"`
	// Entities is the number of entities spawned per type.
	Entities        int     `yaml:"entities" env:"ENTITIES"`
	MoveProbability float64 `yaml:"move_probability" env:"MOVE_PROBABILITY"`
	// RespawnProbability is the per-tick chance that one entity despawns
	// and a new one spawns in its place.
	RespawnProbability float64 `yaml:"respawn_probability" env:"RESPAWN_PROBABILITY"`
	Seed               uint64  `yaml:"seed" env:"SEED"`
}

// Config is the top-level configuration struct.
type Config struct {
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Replication ReplicationConfig `yaml:"replication" envPrefix:"REPLICATION_"`
	Session     SessionConfig     `yaml:"session" envPrefix:"SESSION_"`
	Logging     LoggingConfig     `yaml:"logging" envPrefix:"LOGGING_"`
	Debug       DebugConfig       `yaml:"debug" envPrefix:"DEBUG_"`
	Tracing     TracingConfig     `yaml:"tracing" envPrefix:"TRACING_"`
	Demo        DemoConfig        `yaml:"demo" envPrefix:"DEMO_"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPListenAddress: ":7777",
			WriteTimeout:     "250ms",
			MaxFrameBytes:    16 * 1024 * 1024, // 16 MiB
			MaxConnections:   0,
			ShutdownTimeout:  "5s",
			WebSocket: WebSocketConfig{
				Enabled:         false,
				ListenAddress:   ":7778",
				Path:            "/ws",
				ReadBufferSize:  4096,
				WriteBufferSize: 4096,
			},
		},
		Replication: ReplicationConfig{
			TickInterval:         "16ms",
			FullInterval:         "100ms",
			PartialInterval:      "1000ms",
			Compression:          "snappy",
			CompressionThreshold: 512,
			WarnTransactionBytes: 64 * 1024,
			MaxTransactionBytes:  0,
		},
		Session: SessionConfig{
			LocalAuthorityKey: 1,
			AuditEnabled:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "gomsync.log",
		},
		Debug: DebugConfig{
			Enabled:                 true,
			ListenAddress:           "0.0.0.0:6060",
			PProfEnabled:            true,
			MetricsEnabled:          true,
			StatsvizEnabled:         true,
			SystemCollectorInterval: "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Demo: DemoConfig{
			Enabled:            false,
			Types:              2,
			Entities:           64,
			MoveProbability:    0.25,
			RespawnProbability: 0.01,
			Seed:               1,
		},
	}
}

// Load reads configuration from an io.Reader on top of the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with GOMSYNC_* environment variables, e.g.
// GOMSYNC_REPLICATION_FULL_INTERVAL or GOMSYNC_SERVER_WEBSOCKET_ENABLED.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path, applies
// environment overrides and validates the result. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if _, err := compressors.ByName(c.Replication.Compression); err != nil {
		errs = append(errs, fmt.Errorf("replication.compression: %w", err))
	}
	if c.Session.LocalAuthorityKey < 1 {
		errs = append(errs, fmt.Errorf("session.local_authority_key must be positive, got %d", c.Session.LocalAuthorityKey))
	}
	if c.Server.TCPListenAddress == "" && !c.Server.WebSocket.Enabled {
		errs = append(errs, errors.New("no transport enabled: set server.tcp_listen_address or server.websocket.enabled"))
	}
	if c.Server.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_frame_bytes must not be negative, got %d", c.Server.MaxFrameBytes))
	}
	if c.Demo.Enabled && (c.Demo.Types < 1 || c.Demo.Entities < 0) {
		errs = append(errs, fmt.Errorf("demo needs at least one type and a non-negative entity count"))
	}
	if p := c.Tracing.Protocol; c.Tracing.Enabled && p != "grpc" && p != "http" {
		errs = append(errs, fmt.Errorf("tracing.protocol must be grpc or http, got %q", p))
	}
	return errors.Join(errs...)
}
