// OMEN - Durable Signal Delivery for Risk Decisioning
// Copyright 2026 OMEN Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/omenhq/omen

// Package config loads and validates OMEN configuration via Koanf v2
// with layered sources (highest priority wins):
//
//  1. Environment variables (OMEN_ prefix, e.g. OMEN_SERVER_LISTEN)
//  2. Config file (config.yaml)
//  3. Built-in defaults
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the OMEN server.
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Server    ServerConfig    `koanf:"server"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Database  DatabaseConfig  `koanf:"database"`
	HotPath   HotPathConfig   `koanf:"hot_path"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
}

// LoggingConfig controls the zerolog facade.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig controls the HTTP server (consumer ingest + ops API).
type ServerConfig struct {
	Listen string `koanf:"listen" validate:"required"`

	// APIKey is the static bearer key required on ingest and ops
	// endpoints. Empty disables auth (development only).
	APIKey string `koanf:"api_key"`

	// IngestRatePerMinute caps ingest requests per client IP. Exceeding
	// it yields 429 with a Retry-After header.
	IngestRatePerMinute int `koanf:"ingest_rate_per_minute" validate:"min=1"`

	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"min=1s"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=1s"`
}

// LedgerConfig controls the append-only partitioned ledger.
type LedgerConfig struct {
	// Dir is the directory holding one segment file per date partition.
	// Must be a durable filesystem (not tmpfs).
	Dir string `koanf:"dir" validate:"required"`

	// SyncWrites forces fsync after every append for maximum durability.
	SyncWrites bool `koanf:"sync_writes"`

	// LateWindow is how long after a partition's nominal close records
	// dated to it are still accepted, into the late sibling segment.
	LateWindow time.Duration `koanf:"late_window" validate:"min=0"`
}

// DatabaseConfig controls the DuckDB store backing the idempotent ingest
// store and reconcile state.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"`
}

// HotPathConfig controls best-effort delivery to the downstream consumer.
type HotPathConfig struct {
	// URL is the consumer's ingest endpoint (POST /signals/ingest).
	URL string `koanf:"url" validate:"required,url"`

	// APIKey is sent as the bearer token on delivery calls.
	APIKey string `koanf:"api_key"`

	RequestTimeout time.Duration `koanf:"request_timeout" validate:"min=100ms"`

	// Retry policy: exponential backoff with jitter, bounded attempts.
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"min=1ms"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"min=1ms"`

	// Circuit breaker thresholds.
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"min=1"`
	SuccessThreshold uint32        `koanf:"success_threshold" validate:"min=1"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout" validate:"min=100ms"`

	// BackpressureWindow is how long new emits skip the hot path after a
	// delivery failure (ledger writes still happen).
	BackpressureWindow time.Duration `koanf:"backpressure_window" validate:"min=0"`
}

// ReconcileConfig controls the gap-repair job.
type ReconcileConfig struct {
	// Interval between scheduled reconcile sweeps. Zero disables the
	// scheduler (manual trigger via the ops endpoint only).
	Interval time.Duration `koanf:"interval" validate:"min=0"`

	// SinceDays is the trailing partition window each sweep covers.
	SinceDays int `koanf:"since_days" validate:"min=1"`

	// ReplayRatePerSecond paces replays so reconciliation cannot starve
	// live emission. Zero means unpaced.
	ReplayRatePerSecond float64 `koanf:"replay_rate_per_second" validate:"min=0"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// layered first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Listen:              ":8080",
			IngestRatePerMinute: 600,
			ReadTimeout:         15 * time.Second,
			WriteTimeout:        30 * time.Second,
			ShutdownTimeout:     10 * time.Second,
		},
		Ledger: LedgerConfig{
			Dir:        "/data/ledger",
			SyncWrites: true,
			LateWindow: 48 * time.Hour,
		},
		Database: DatabaseConfig{
			Path:      "/data/omen.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		HotPath: HotPathConfig{
			URL:                "http://127.0.0.1:8080/signals/ingest",
			RequestTimeout:     5 * time.Second,
			MaxAttempts:        4,
			InitialBackoff:     200 * time.Millisecond,
			MaxBackoff:         5 * time.Second,
			FailureThreshold:   5,
			SuccessThreshold:   2,
			BreakerTimeout:     30 * time.Second,
			BackpressureWindow: 2 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:            15 * time.Minute,
			SinceDays:           3,
			ReplayRatePerSecond: 50,
		},
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.HotPath.MaxBackoff < c.HotPath.InitialBackoff {
		return fmt.Errorf("invalid configuration: hot_path.max_backoff %v below initial_backoff %v",
			c.HotPath.MaxBackoff, c.HotPath.InitialBackoff)
	}
	return nil
}
