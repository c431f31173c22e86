// Package config holds the coordinator's configuration: typed defaults
// overridable from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Defaults.
const (
	DefaultServerName    = "confide-coordinator"
	DefaultServerVersion = "0.1.0"
	DefaultHTTPAddr      = "localhost:8080"
	DefaultGRPCAddr      = "localhost:50050"
	DefaultDeliveryDelay = 250 * time.Millisecond
	DefaultSQLitePath    = "data/confide.db"
	DefaultAuditPath     = "data/audit.jsonl"
)

// ServerConfig identifies the MCP server and selects its transport.
type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	HTTP     bool   `yaml:"http"`
	HTTPAddr string `yaml:"http_addr"`
}

// GRPCConfig configures the operational gRPC endpoint (health service).
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// OracleConfig configures the in-process oracle and optional monitoring of a
// remote oracle endpoint.
type OracleConfig struct {
	// DeliveryDelay is how long the in-process oracle waits before
	// delivering a synthetic callback in local mode.
	DeliveryDelay time.Duration `yaml:"delivery_delay"`
	// HealthAddr, when set, is a remote oracle endpoint whose gRPC health
	// stream the coordinator watches.
	HealthAddr string `yaml:"health_addr"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"` // sqlite only
}

// AuditConfig configures the audit trail sink.
type AuditConfig struct {
	Path string `yaml:"path"` // empty disables the file sink
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the root coordinator configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Storage StorageConfig `yaml:"storage"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:     DefaultServerName,
			Version:  DefaultServerVersion,
			HTTPAddr: DefaultHTTPAddr,
		},
		GRPC: GRPCConfig{
			Addr: DefaultGRPCAddr,
		},
		Oracle: OracleConfig{
			DeliveryDelay: DefaultDeliveryDelay,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Path:    DefaultSQLitePath,
		},
		Audit: AuditConfig{
			Path: DefaultAuditPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", BackendSQLite)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Oracle.DeliveryDelay < 0 {
		return fmt.Errorf("oracle.delivery_delay must not be negative")
	}
	return nil
}
