// Package config provides configuration loading and validation for the
// octokernel simulation driver.
//
// Configuration file: ./octokernel.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (retry multiplier >= 1, budgets >= 0).
//   - File paths must be absolute.
//   - Invalid config on startup: the driver refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octokernel/octokernel/internal/ledger"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for an octokernel driver.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this kernel instance in logs and the operator
	// console. Default: hostname.
	NodeID string `yaml:"node_id"`

	// Kernel configures kernel-wide defaults.
	Kernel KernelConfig `yaml:"kernel"`

	// RetryDefaults holds default retry settings for drivers that build
	// pipeline stages. The pipeline executor does not read it: each stage
	// runs with its own RetryPolicy.
	RetryDefaults RetryConfig `yaml:"retry_defaults"`

	// FaultPresets are named fault plans a scenario driver can reference
	// by name instead of constructing one in code.
	FaultPresets map[string]FaultPresetConfig `yaml:"fault_presets"`

	// Storage configures the durable capability-object BoltDB store.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// KernelConfig holds kernel-wide operational defaults.
type KernelConfig struct {
	// DefaultBudget holds a default budget for spawn_task calls; a zero
	// field leaves that resource unbounded (see ToBudget). No driver in
	// this repository applies it: Kernel.SpawnTask always spawns with no
	// budget.
	DefaultBudget BudgetLimits `yaml:"default_budget"`

	// ReceiveTimeoutTicks is a default receive_message timeout, in logical
	// ticks. No driver in this repository reads it.
	ReceiveTimeoutTicks uint64 `yaml:"receive_timeout_ticks"`
}

// BudgetLimits is config's yaml-friendly mirror of ledger.Budget: a zero
// value (0) means unbounded, since yaml has no natural nil-pointer syntax.
type BudgetLimits struct {
	CpuTicks       uint64 `yaml:"cpu_ticks"`
	MemoryUnits    uint64 `yaml:"memory_units"`
	MessageCount   uint64 `yaml:"message_count"`
	StorageOps     uint64 `yaml:"storage_ops"`
	PacketCount    uint64 `yaml:"packet_count"`
	PipelineStages uint64 `yaml:"pipeline_stages"`
}

// ToBudget converts b to a *ledger.Budget, treating 0 as unbounded.
func (b BudgetLimits) ToBudget() *ledger.Budget {
	budget := &ledger.Budget{}
	if b.CpuTicks > 0 {
		v := b.CpuTicks
		budget.CpuTicks = &v
	}
	if b.MemoryUnits > 0 {
		v := b.MemoryUnits
		budget.MemoryUnits = &v
	}
	if b.MessageCount > 0 {
		v := b.MessageCount
		budget.MessageCount = &v
	}
	if b.StorageOps > 0 {
		v := b.StorageOps
		budget.StorageOps = &v
	}
	if b.PacketCount > 0 {
		v := b.PacketCount
		budget.PacketCount = &v
	}
	if b.PipelineStages > 0 {
		v := b.PipelineStages
		budget.PipelineStages = &v
	}
	return budget
}

// RetryConfig mirrors pipeline.RetryPolicy in yaml-friendly form.
type RetryConfig struct {
	MaxRetries       uint32 `yaml:"max_retries"`
	InitialBackoffMs uint64 `yaml:"initial_backoff_ms"`
	Multiplier       uint64 `yaml:"multiplier"`
}

// FaultPresetConfig names a reusable send/receive fault pattern.
type FaultPresetConfig struct {
	DropFirstSends    int    `yaml:"drop_first_sends"`
	DelayFirstSends   int    `yaml:"delay_first_sends"`
	DelayTicks        uint64 `yaml:"delay_ticks"`
	ReorderFirstSends int    `yaml:"reorder_first_sends"`
	CrashOnSend       bool   `yaml:"crash_on_send"`
	CrashOnReceive    bool   `yaml:"crash_on_receive"`
}

// StorageConfig holds BoltDB parameters for the durable capability-object
// store.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/octokernel/octokernel.db.
	DBPath string `yaml:"db_path"`

	// SyncWrites records whether durable object writes are fsynced.
	// Default: true. storage.Open does not take this setting; the store
	// keeps bbolt's default of syncing on every commit.
	SyncWrites bool `yaml:"sync_writes"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator override parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator console.
	// Permissions: 0600. Default: /run/octokernel/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// DefaultDBPath mirrors the storage package constant for use in config
// defaults.
const DefaultDBPath = "/var/lib/octokernel/octokernel.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Kernel: KernelConfig{
			ReceiveTimeoutTicks: 100,
		},
		RetryDefaults: RetryConfig{
			MaxRetries:       3,
			InitialBackoffMs: 10,
			Multiplier:       2,
		},
		FaultPresets: map[string]FaultPresetConfig{
			"none": {},
			"flaky-link": {
				DropFirstSends:  1,
				DelayFirstSends: 1,
				DelayTicks:      5,
			},
		},
		Storage: StorageConfig{
			DBPath:     DefaultDBPath,
			SyncWrites: true,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/octokernel/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path. Returns the
// merged config (defaults overridden by file values). Returns an error if
// the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// BackoffDuration converts InitialBackoffMs to a time.Duration for callers
// that want it in that form; the pipeline executor itself works in raw
// logical ticks and does not import this package.
func (r RetryConfig) BackoffDuration() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// Validate checks all config fields for correctness. Returns a descriptive
// error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.RetryDefaults.Multiplier < 1 {
		errs = append(errs, fmt.Sprintf("retry_defaults.multiplier must be >= 1, got %d", cfg.RetryDefaults.Multiplier))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Operator.SocketPath != "" && !filepath.IsAbs(cfg.Operator.SocketPath) {
		errs = append(errs, fmt.Sprintf("operator.socket_path must be absolute, got %q", cfg.Operator.SocketPath))
	}
	for name, preset := range cfg.FaultPresets {
		if preset.DropFirstSends < 0 || preset.DelayFirstSends < 0 || preset.ReorderFirstSends < 0 {
			errs = append(errs, fmt.Sprintf("fault_presets.%s: counts must be >= 0", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
