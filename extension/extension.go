// Package extension provides the Forge extension adapter for Keystone.
//
// It implements the forge.Extension interface to integrate Keystone
// into a Forge application with DI registration, Slurm backend wiring
// and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.keystone" or "keystone" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/keystone"
	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/jobstats"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/scheduler"
	"github.com/xraph/keystone/scheduler/slurm"
	"github.com/xraph/keystone/store"
	"github.com/xraph/keystone/store/memory"
	"github.com/xraph/keystone/store/mongo"
	"github.com/xraph/keystone/store/postgres"
	"github.com/xraph/keystone/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "keystone"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "HPC allocation workflow and scheduler limit enforcement"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Keystone as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config       Config
	engine       *keystone.Keystone
	store        store.Store
	backends     *scheduler.Registry
	groveDBs     map[string]*grove.DB
	keystoneOpts []keystone.Option
}

// New creates a new Keystone Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
		backends:      scheduler.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Keystone instance.
// This is nil until Register is called.
func (e *Extension) Engine() *keystone.Keystone { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the keystone engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.resolveStore()
		if err != nil {
			return err
		}
		e.store = s
	}

	e.engine = keystone.New(e.store, e.buildKeystoneOpts()...)

	return vessel.Provide(fapp.Container(), func() (*keystone.Keystone, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension]. It connects the configured Slurm
// clusters, applies the weights file and starts the enforcement loop.
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("keystone: extension not initialized")
	}

	if err := e.connectSlurm(ctx); err != nil {
		return err
	}

	if !e.config.DisableMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	if e.config.WeightsFile != "" {
		if err := e.applyWeights(ctx, e.config.WeightsFile); err != nil {
			return err
		}
	}

	if !e.config.DisableEnforcement {
		// The loop outlives the startup context.
		if err := e.engine.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Close(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension]. A degraded cluster is reported but
// does not make the extension unhealthy unless every cluster is down.
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("keystone: store not initialized")
	}
	if err := e.store.Ping(ctx); err != nil {
		return err
	}

	if e.engine == nil {
		return nil
	}
	clusters := e.backends.Clusters()
	degraded := e.engine.SyncEngine().Degraded()
	if len(clusters) > 0 && len(degraded) == len(clusters) {
		return fmt.Errorf("keystone: all %d clusters degraded", len(clusters))
	}
	return nil
}

// buildKeystoneOpts constructs keystone.Option values from the resolved config.
func (e *Extension) buildKeystoneOpts() []keystone.Option {
	opts := make([]keystone.Option, 0, len(e.keystoneOpts)+5)

	jobInterval := e.config.JobInterval
	if e.config.DisableJobCollection {
		jobInterval = 0
	}

	opts = append(opts,
		keystone.WithBackends(e.backends),
		keystone.WithEnforcementInterval(e.config.EnforcementInterval),
		keystone.WithExpiryThresholds(e.config.ExpiryThresholds...),
		keystone.WithSyncConfig(reconcile.Config{
			Concurrency:    e.config.SyncConcurrency,
			CallTimeout:    e.config.CallTimeout,
			CycleDeadline:  e.config.CycleDeadline,
			InitialBackoff: e.config.InitialBackoff,
			MaxBackoff:     e.config.MaxBackoff,
		}),
		keystone.WithJobCollection(jobInterval, jobstats.Config{
			Concurrency: e.config.SyncConcurrency,
			CallTimeout: e.config.CallTimeout,
			Lookback:    e.config.JobLookback,
		}),
	)

	// Append any pass-through keystone options.
	opts = append(opts, e.keystoneOpts...)

	return opts
}

// resolveStore picks the store backend: a configured grove database, or the
// in-memory store when none is set.
func (e *Extension) resolveStore() (store.Store, error) {
	if e.config.GroveDatabase == "" {
		e.Logger().Warn("keystone: no store configured, using in-memory store")
		return memory.New(), nil
	}

	db, ok := e.groveDBs[e.config.GroveDatabase]
	if !ok {
		return nil, fmt.Errorf("keystone: grove database %q not registered", e.config.GroveDatabase)
	}

	switch e.config.GroveDriver {
	case "", "postgres", "pg":
		return postgres.New(db), nil
	case "sqlite":
		return sqlite.New(db), nil
	case "mongo", "mongodb":
		return mongo.New(db), nil
	default:
		return nil, fmt.Errorf("keystone: unknown grove driver %q", e.config.GroveDriver)
	}
}

// connectSlurm opens a backend per configured Slurm cluster. A cluster that
// cannot be reached at startup is logged and left out; the others start.
func (e *Extension) connectSlurm(ctx context.Context) error {
	for _, cfg := range e.config.Slurm {
		if cfg.Cluster == "" {
			return errors.New("keystone: slurm cluster name is required")
		}
		b, err := slurm.New(ctx, cfg)
		if err != nil {
			e.Logger().Error("keystone: slurm cluster unavailable",
				forge.F("cluster", cfg.Cluster),
				forge.F("host", cfg.Host),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.backends.Register(cfg.Cluster, b)
	}
	return nil
}

// applyWeights creates or updates the clusters named in the weights file.
func (e *Extension) applyWeights(ctx context.Context, path string) error {
	weights, err := billing.LoadWeightsFile(path)
	if err != nil {
		return err
	}

	existing, err := e.engine.ListClusters(ctx, cluster.ListOpts{})
	if err != nil {
		return err
	}
	byName := make(map[string]*cluster.Cluster, len(existing))
	for _, c := range existing {
		byName[c.Name] = c
	}

	for name, w := range weights {
		if c, ok := byName[name]; ok {
			c.Weights = w
			if err := e.engine.UpdateCluster(ctx, c); err != nil {
				return fmt.Errorf("keystone: apply weights to %s: %w", name, err)
			}
			continue
		}
		c := &cluster.Cluster{Name: name, Enabled: true, Weights: w}
		if err := e.engine.CreateCluster(ctx, c); err != nil {
			return fmt.Errorf("keystone: create cluster %s: %w", name, err)
		}
	}

	e.Logger().Info("keystone: billing weights applied",
		forge.F("file", path),
		forge.F("clusters", len(weights)),
	)
	return nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("keystone: configuration is required but not found in config files; " +
				"ensure 'extensions.keystone' or 'keystone' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("keystone: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_enforcement", e.config.DisableEnforcement),
		forge.F("enforcement_interval", e.config.EnforcementInterval),
		forge.F("sync_concurrency", e.config.SyncConcurrency),
		forge.F("expiry_thresholds", e.config.ExpiryThresholds),
		forge.F("slurm_clusters", len(e.config.Slurm)),
		forge.F("grove_database", e.config.GroveDatabase),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.keystone", "keystone"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("keystone: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("keystone: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.EnforcementInterval == 0 {
		cfg.EnforcementInterval = defaults.EnforcementInterval
	}
	if cfg.SyncConcurrency == 0 {
		cfg.SyncConcurrency = defaults.SyncConcurrency
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.CycleDeadline == 0 {
		cfg.CycleDeadline = defaults.CycleDeadline
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.JobInterval == 0 {
		cfg.JobInterval = defaults.JobInterval
	}
	if cfg.JobLookback == 0 {
		cfg.JobLookback = defaults.JobLookback
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if len(cfg.ExpiryThresholds) == 0 {
		cfg.ExpiryThresholds = defaults.ExpiryThresholds
	}
	if cfg.GroveDriver == "" {
		cfg.GroveDriver = defaults.GroveDriver
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableEnforcement {
		yamlConfig.DisableEnforcement = true
	}
	if programmaticConfig.DisableJobCollection {
		yamlConfig.DisableJobCollection = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.WeightsFile == "" {
		yamlConfig.WeightsFile = programmaticConfig.WeightsFile
	}
	if yamlConfig.GroveDatabase == "" {
		yamlConfig.GroveDatabase = programmaticConfig.GroveDatabase
	}
	if yamlConfig.GroveDriver == "" {
		yamlConfig.GroveDriver = programmaticConfig.GroveDriver
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.EnforcementInterval == 0 {
		yamlConfig.EnforcementInterval = programmaticConfig.EnforcementInterval
	}
	if yamlConfig.SyncConcurrency == 0 {
		yamlConfig.SyncConcurrency = programmaticConfig.SyncConcurrency
	}
	if yamlConfig.CallTimeout == 0 {
		yamlConfig.CallTimeout = programmaticConfig.CallTimeout
	}
	if yamlConfig.CycleDeadline == 0 {
		yamlConfig.CycleDeadline = programmaticConfig.CycleDeadline
	}
	if yamlConfig.InitialBackoff == 0 {
		yamlConfig.InitialBackoff = programmaticConfig.InitialBackoff
	}
	if yamlConfig.MaxBackoff == 0 {
		yamlConfig.MaxBackoff = programmaticConfig.MaxBackoff
	}
	if yamlConfig.JobInterval == 0 {
		yamlConfig.JobInterval = programmaticConfig.JobInterval
	}
	if yamlConfig.JobLookback == 0 {
		yamlConfig.JobLookback = programmaticConfig.JobLookback
	}
	if len(yamlConfig.ExpiryThresholds) == 0 {
		yamlConfig.ExpiryThresholds = programmaticConfig.ExpiryThresholds
	}

	// Slurm clusters from both sources are enforced.
	yamlConfig.Slurm = append(yamlConfig.Slurm, programmaticConfig.Slurm...)

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
