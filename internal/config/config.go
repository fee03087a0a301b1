// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() initializer to build a Config with defaults.
// - External errors must be wrapped via this package's error helpers.
package config

import (
	"runtime"
)

// Config contains process configuration. Extend as needed.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the in-memory fit-job queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of fitting workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize bounds the in-flight duplicate-job cache.
	DedupeSize int `koanf:"dedupe_size"`

	// CacheDir is the directory for the durable fit-result cache.
	// Empty means the cache runs in memory only.
	CacheDir string `koanf:"cache_dir"`

	// DatasetPath points at the cleaned payroll CSV to load on startup.
	DatasetPath string `koanf:"dataset_path"`

	// Chains is the number of independent sampling chains per Bayesian fit.
	Chains int `koanf:"chains"`

	// Iterations is the per-chain sweep budget (including burn-in) for
	// sampling fits and the deviance-optimizer budget for likelihood fits.
	Iterations int `koanf:"iterations"`

	// BurnIn is the number of leading sweeps discarded per chain.
	BurnIn int `koanf:"burn_in"`

	// Seed is the base random seed; chain c uses Seed + c.
	Seed int64 `koanf:"seed"`

	// AgreementTol is the cross-run point-estimate agreement tolerance.
	AgreementTol float64 `koanf:"agreement_tol"`

	// VarianceFloor is the group-level standard deviation below which a fit
	// is flagged as degenerate (singular).
	VarianceFloor float64 `koanf:"variance_floor"`

	// FitTimeoutSec bounds the wall-clock time of one fit. Zero disables.
	FitTimeoutSec int `koanf:"fit_timeout_sec"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:      "info",
		Addr:          ":9080",
		QueueSize:     256,
		WorkerCount:   runtime.NumCPU(),
		DedupeSize:    4096,
		CacheDir:      "",
		DatasetPath:   "",
		Chains:        4,
		Iterations:    4000,
		BurnIn:        1000,
		Seed:          42,
		AgreementTol:  0.05,
		VarianceFloor: 1e-4,
		FitTimeoutSec: 0,
	}
}
