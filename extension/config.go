package extension

import (
	"time"

	"github.com/xraph/keystone/scheduler/slurm"
)

// Config holds the Keystone extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.keystone" or "keystone" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableEnforcement keeps the enforcement loop from running. The
	// workflow API stays available; cycles can still be driven by hand.
	DisableEnforcement bool `json:"disable_enforcement" mapstructure:"disable_enforcement" yaml:"disable_enforcement"`

	// EnforcementInterval is the time between enforcement cycles (default: 5m).
	EnforcementInterval time.Duration `json:"enforcement_interval" mapstructure:"enforcement_interval" yaml:"enforcement_interval"`

	// SyncConcurrency bounds how many clusters are synchronized at once (default: 4).
	SyncConcurrency int `json:"sync_concurrency" mapstructure:"sync_concurrency" yaml:"sync_concurrency"`

	// CallTimeout bounds each scheduler call (default: 30s).
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call_timeout" yaml:"call_timeout"`

	// CycleDeadline bounds one synchronization pass (default: 10m).
	CycleDeadline time.Duration `json:"cycle_deadline" mapstructure:"cycle_deadline" yaml:"cycle_deadline"`

	// InitialBackoff and MaxBackoff shape retries against a degraded cluster.
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" mapstructure:"max_backoff" yaml:"max_backoff"`

	// DisableJobCollection stops scheduler job records from being mirrored.
	DisableJobCollection bool `json:"disable_job_collection" mapstructure:"disable_job_collection" yaml:"disable_job_collection"`

	// JobInterval is the time between job collections (default: 1h).
	JobInterval time.Duration `json:"job_interval" mapstructure:"job_interval" yaml:"job_interval"`

	// JobLookback is how far back finished jobs are collected (default: 24h).
	JobLookback time.Duration `json:"job_lookback" mapstructure:"job_lookback" yaml:"job_lookback"`

	// ExpiryThresholds are the days-before-expiry that trigger an
	// approaching-expiration event (default: 14, 30).
	ExpiryThresholds []int `json:"expiry_thresholds" mapstructure:"expiry_thresholds" yaml:"expiry_thresholds"`

	// WeightsFile is a YAML file of per-cluster billing weights. Clusters it
	// names are created or have their weights replaced on start.
	WeightsFile string `json:"weights_file" mapstructure:"weights_file" yaml:"weights_file"`

	// GroveDatabase is the name of a grove.DB handed to WithGroveDatabase.
	// When set, the extension builds the store matching GroveDriver from it.
	GroveDatabase string `json:"grove_database" mapstructure:"grove_database" yaml:"grove_database"`

	// GroveDriver selects the store backend for GroveDatabase:
	// "postgres" (default), "sqlite" or "mongo".
	GroveDriver string `json:"grove_driver" mapstructure:"grove_driver" yaml:"grove_driver"`

	// Slurm lists the clusters reached through sacctmgr, sshare and sacct.
	Slurm []slurm.Config `json:"slurm" mapstructure:"slurm" yaml:"slurm"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		EnforcementInterval: 5 * time.Minute,
		SyncConcurrency:     4,
		CallTimeout:         30 * time.Second,
		CycleDeadline:       10 * time.Minute,
		InitialBackoff:      30 * time.Second,
		MaxBackoff:          30 * time.Minute,
		JobInterval:         time.Hour,
		JobLookback:         24 * time.Hour,
		ExpiryThresholds:    []int{14, 30},
		GroveDriver:         "postgres",
	}
}
