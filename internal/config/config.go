// Package config loads and validates the single Config struct that
// drives cmd/funsies: which store backend to use, the worker pool
// size, the sandbox base directory, staleness/heartbeat thresholds,
// and telemetry endpoints.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML and overridable by
// CLI flags.
type Config struct {
	// Backend selects the store implementation: "badger", "postgres",
	// or "memory" (the in-memory test fake, never for production use).
	Backend string `yaml:"backend" validate:"required,oneof=badger postgres memory"`

	// BadgerPath is the data directory when Backend == "badger".
	BadgerPath string `yaml:"badger_path"`

	// PostgresDSN is the connection string when Backend == "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`

	// SandboxBase is the parent directory for per-attempt scratch
	// directories created by shell dispatch.
	SandboxBase string `yaml:"sandbox_base" validate:"required"`

	// WorkerPoolSize is the number of goroutines a `worker` process
	// runs claiming and executing operations concurrently.
	WorkerPoolSize int `yaml:"worker_pool_size" validate:"required,min=1"`

	// StaleAfter is how long an OpRunning operation may go without a
	// heartbeat before ReclaimStale puts it back on the queue.
	StaleAfter time.Duration `yaml:"stale_after" validate:"required"`

	// HeartbeatInterval is how often a running worker refreshes its
	// claimed operation's heartbeat. Should be well under StaleAfter.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"required"`

	// OpsListenAddr is the address internal/opsserver binds to, e.g.
	// ":8080". Empty disables the operational HTTP server.
	OpsListenAddr string `yaml:"ops_listen_addr"`

	// OTLPEndpoint, if set, additionally exports traces via OTLP/gRPC
	// instead of only stdout; metrics are not exported over OTLP.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns a Config suitable for a single-node local run.
func Default() Config {
	return Config{
		Backend:           "badger",
		BadgerPath:        filepath.Join(os.TempDir(), "funsies", "db"),
		SandboxBase:       filepath.Join(os.TempDir(), "funsies", "sandbox"),
		WorkerPoolSize:    4,
		StaleAfter:        15 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		OpsListenAddr:     ":8080",
	}
}

var validate = validator.New()

// Load reads and validates a Config from a YAML file at path, filling
// unset fields from Default first.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}
