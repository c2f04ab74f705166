package extension

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/keystone"
	"github.com/xraph/keystone/plugin"
	"github.com/xraph/keystone/scheduler"
	"github.com/xraph/keystone/scheduler/slurm"
	"github.com/xraph/keystone/store"
)

// Option configures the Keystone Forge extension.
type Option func(*Extension)

// WithStore sets the store for the keystone engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithKeystoneOption passes a keystone.Option through to the underlying engine.
func WithKeystoneOption(opt keystone.Option) Option {
	return func(e *Extension) {
		e.keystoneOpts = append(e.keystoneOpts, opt)
	}
}

// WithPlugin registers a keystone plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.keystoneOpts = append(e.keystoneOpts, keystone.WithPlugin(p))
	}
}

// WithBackend registers a scheduler backend for the named cluster alongside
// any configured Slurm clusters.
func WithBackend(cluster string, b scheduler.Backend) Option {
	return func(e *Extension) {
		e.backends.Register(cluster, b)
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableEnforcement keeps the enforcement loop from starting.
func WithDisableEnforcement() Option {
	return func(e *Extension) { e.config.DisableEnforcement = true }
}

// WithDisableJobCollection stops scheduler job records from being collected.
func WithDisableJobCollection() Option {
	return func(e *Extension) { e.config.DisableJobCollection = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithEnforcementInterval sets the time between enforcement cycles.
func WithEnforcementInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.EnforcementInterval = d }
}

// WithExpiryThresholds sets the approaching-expiration thresholds in days.
func WithExpiryThresholds(days ...int) Option {
	return func(e *Extension) { e.config.ExpiryThresholds = days }
}

// WithWeightsFile sets the YAML file of per-cluster billing weights.
func WithWeightsFile(path string) Option {
	return func(e *Extension) { e.config.WeightsFile = path }
}

// WithSlurmCluster adds a Slurm cluster to enforce.
func WithSlurmCluster(cfg slurm.Config) Option {
	return func(e *Extension) { e.config.Slurm = append(e.config.Slurm, cfg) }
}

// WithGroveDatabase registers a grove.DB under name and selects it as the
// store. driver is "postgres", "sqlite" or "mongo".
func WithGroveDatabase(name, driver string, db *grove.DB) Option {
	return func(e *Extension) {
		if e.groveDBs == nil {
			e.groveDBs = make(map[string]*grove.DB)
		}
		e.groveDBs[name] = db
		e.config.GroveDatabase = name
		e.config.GroveDriver = driver
	}
}
