// Copyright 2025 Certen Protocol
//
// Configuration: YAML files with ${VAR_NAME} environment variable
// substitution, directly grounded on the teacher's anchor configuration
// loader (nested yaml-tagged settings structs, applyDefaults, per-environment
// Validate variants).

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a fabric node.
type Config struct {
	Environment string `yaml:"environment"`
	NodeID      string `yaml:"node_id"`
	DataDir     string `yaml:"data_dir"`

	Server    ServerSettings    `yaml:"server"`
	Sync      SyncSettings      `yaml:"sync"`
	Actuation ActuationSettings `yaml:"actuation"`
	Store     StoreSettings     `yaml:"store"`
	Metrics   MetricsSettings   `yaml:"metrics"`
	Logging   LoggingSettings   `yaml:"logging"`
}

// ServerSettings configures the HTTP API surface (pkg/server).
type ServerSettings struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
}

// SyncSettings configures the sync session's wire capabilities.
type SyncSettings struct {
	ProtocolVersion        string   `yaml:"protocol_version"`
	MaxPacketBytes         int      `yaml:"max_packet_bytes"`
	SupportsChunking       bool     `yaml:"supports_chunking"`
	SupportsSigning        bool     `yaml:"supports_signing"`
	ChunkReassemblyTimeout Duration `yaml:"chunk_reassembly_timeout"`
}

// ActuationSettings configures the policy engine and device agent.
type ActuationSettings struct {
	RateLimitWindow     Duration `yaml:"rate_limit_window"`
	RateLimitMax        int      `yaml:"rate_limit_max"`
	IntentTTLDefault    Duration `yaml:"intent_ttl_default"`
	ExpirySweepInterval Duration `yaml:"expiry_sweep_interval"`
	ModeRestrictedKinds []string `yaml:"mode_restricted_kinds"`
}

// StoreSettings selects and configures the persistence backend.
type StoreSettings struct {
	Backend  string           `yaml:"backend"` // "postgres" | "kv"
	Postgres PostgresSettings `yaml:"postgres"`
	KV       KVSettings       `yaml:"kv"`
}

// PostgresSettings configures the store/postgres backend.
type PostgresSettings struct {
	URL           string   `yaml:"url"`
	MaxConns      int      `yaml:"max_conns"`
	MinConns      int      `yaml:"min_conns"`
	MaxIdleTime   Duration `yaml:"max_idle_time"`
	MaxLifetime   Duration `yaml:"max_lifetime"`
	AutoMigrate   bool     `yaml:"auto_migrate"`
	MigrationPath string   `yaml:"migration_path"`
}

// KVSettings configures the store/kv embedded backend.
type KVSettings struct {
	Path string `yaml:"path"`
}

// MetricsSettings configures Prometheus exposition.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingSettings configures the node's bracketed-prefix loggers.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file, substituting ${VAR_NAME}
// environment references before parsing, and applies documented defaults
// to any field the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults sets the spec-documented defaults for unset fields.
func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0:8080"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = "0.0.0.0:9090"
	}
	if c.Server.HealthAddr == "" {
		c.Server.HealthAddr = "0.0.0.0:8081"
	}

	if c.Sync.ProtocolVersion == "" {
		c.Sync.ProtocolVersion = "1"
	}
	if c.Sync.MaxPacketBytes == 0 {
		c.Sync.MaxPacketBytes = 220
	}
	if c.Sync.ChunkReassemblyTimeout == 0 {
		c.Sync.ChunkReassemblyTimeout = Duration(30_000_000_000) // 30s
	}

	if c.Actuation.RateLimitWindow == 0 {
		c.Actuation.RateLimitWindow = Duration(10_000_000_000) // 10s
	}
	if c.Actuation.RateLimitMax == 0 {
		c.Actuation.RateLimitMax = 3
	}
	if c.Actuation.IntentTTLDefault == 0 {
		c.Actuation.IntentTTLDefault = Duration(30_000_000_000) // 30s
	}
	if c.Actuation.ExpirySweepInterval == 0 {
		c.Actuation.ExpirySweepInterval = Duration(5_000_000_000) // 5s
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "kv"
	}
	if c.Store.KV.Path == "" {
		c.Store.KV.Path = c.DataDir + "/kv"
	}
	if c.Store.Postgres.MaxConns == 0 {
		c.Store.Postgres.MaxConns = 25
	}
	if c.Store.Postgres.MinConns == 0 {
		c.Store.Postgres.MinConns = 5
	}
	if c.Store.Postgres.MaxIdleTime == 0 {
		c.Store.Postgres.MaxIdleTime = Duration(300_000_000_000) // 5m
	}
	if c.Store.Postgres.MaxLifetime == 0 {
		c.Store.Postgres.MaxLifetime = Duration(3_600_000_000_000) // 1h
	}
	if c.Store.Postgres.MigrationPath == "" {
		c.Store.Postgres.MigrationPath = "./migrations"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration is complete enough for production use.
func (c *Config) Validate() error {
	var errs []string

	if c.NodeID == "" || strings.HasPrefix(c.NodeID, "${") {
		errs = append(errs, "node_id is required")
	}
	if c.Sync.ProtocolVersion == "" {
		errs = append(errs, "sync.protocol_version is required")
	}
	if c.Sync.MaxPacketBytes <= 0 {
		errs = append(errs, "sync.max_packet_bytes must be positive")
	}

	switch c.Store.Backend {
	case "postgres":
		if c.Store.Postgres.URL == "" || strings.HasPrefix(c.Store.Postgres.URL, "${") {
			errs = append(errs, "store.postgres.url is required when store.backend is postgres")
		}
	case "kv":
		if c.Store.KV.Path == "" {
			errs = append(errs, "store.kv.path is required when store.backend is kv")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of postgres|kv", c.Store.Backend))
	}

	if c.Actuation.RateLimitMax <= 0 {
		errs = append(errs, "actuation.rate_limit_max must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for a local,
// single-node run.
func (c *Config) ValidateForDevelopment() error {
	if c.Store.Backend != "postgres" && c.Store.Backend != "kv" {
		return fmt.Errorf("store.backend %q is not one of postgres|kv", c.Store.Backend)
	}
	return nil
}
