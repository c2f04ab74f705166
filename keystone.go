package keystone

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/xraph/keystone/jobstats"
	"github.com/xraph/keystone/plugin"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/scheduler"
	"github.com/xraph/keystone/store"
	"github.com/xraph/keystone/types"
)

// Defaults for the enforcement loop.
const (
	DefaultEnforcementInterval = 5 * time.Minute
	DefaultEventReplayWindow   = 72 * time.Hour
	DefaultJobInterval         = time.Hour
)

// DefaultExpiryThresholds are the days-before-expiry at which an
// approaching-expiration event is emitted.
var DefaultExpiryThresholds = []int{14, 30}

// Keystone is the allocation engine. It owns the request workflow, drives the
// enforcement loop and pushes awards to cluster schedulers through the sync
// engine.
type Keystone struct {
	store    store.Store
	plugins  *plugin.Registry
	logger   *slog.Logger
	backends *scheduler.Registry
	sync     *reconcile.Engine
	jobs     *jobstats.Collector
	now      types.Clock

	// Configuration
	interval     time.Duration
	thresholds   []int
	replayWindow time.Duration
	syncCfg      reconcile.Config
	syncOpts     []reconcile.Option
	jobInterval  time.Duration
	jobCfg       jobstats.Config

	// Per-request serialization of read-modify-write workflow operations.
	locksMu sync.Mutex
	locks   map[string]*requestLock

	jobsMu       sync.Mutex
	jobsRan      time.Time

	// Background loop
	runMu  sync.Mutex
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup
}

// New creates a new Keystone instance.
func New(s store.Store, opts ...Option) *Keystone {
	k := &Keystone{
		store:        s,
		plugins:      plugin.NewRegistry(),
		logger:       slog.Default(),
		now:          types.SystemClock,
		interval:     DefaultEnforcementInterval,
		thresholds:   slices.Clone(DefaultExpiryThresholds),
		replayWindow: DefaultEventReplayWindow,
		syncCfg:      reconcile.DefaultConfig(),
		jobInterval:  DefaultJobInterval,
		jobCfg:       jobstats.DefaultConfig(),
		locks:        make(map[string]*requestLock),
		wake:         make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(k)
	}

	if k.backends == nil {
		k.backends = scheduler.NewRegistry()
	}
	k.sync = reconcile.New(s, k.backends, append([]reconcile.Option{
		reconcile.WithConfig(k.syncCfg),
		reconcile.WithLogger(k.logger),
		reconcile.WithObserver(k.plugins),
		reconcile.WithClock(k.now),
	}, k.syncOpts...)...)
	k.jobs = jobstats.New(s, s, k.backends,
		jobstats.WithConfig(k.jobCfg),
		jobstats.WithLogger(k.logger),
		jobstats.WithClock(k.now),
	)

	return k
}

// Option configures a Keystone instance.
type Option func(*Keystone)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Keystone) {
		k.logger = logger
		k.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(k *Keystone) {
		_ = k.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithBackends sets the scheduler backends, keyed by cluster name.
func WithBackends(r *scheduler.Registry) Option {
	return func(k *Keystone) {
		k.backends = r
	}
}

// WithEnforcementInterval sets how often the enforcement loop runs.
func WithEnforcementInterval(d time.Duration) Option {
	return func(k *Keystone) {
		if d > 0 {
			k.interval = d
		}
	}
}

// WithSyncConfig configures the cluster sync engine.
func WithSyncConfig(cfg reconcile.Config) Option {
	return func(k *Keystone) {
		k.syncCfg = cfg
	}
}

// WithSyncOptions passes extra options, such as a tracer, to the sync engine.
func WithSyncOptions(opts ...reconcile.Option) Option {
	return func(k *Keystone) {
		k.syncOpts = append(k.syncOpts, opts...)
	}
}

// WithJobCollection sets how often scheduler job records are collected and
// how the collector runs. A non-positive interval turns collection off.
func WithJobCollection(interval time.Duration, cfg jobstats.Config) Option {
	return func(k *Keystone) {
		k.jobInterval = interval
		k.jobCfg = cfg
	}
}

// WithExpiryThresholds sets the days-before-expiry at which
// approaching-expiration events fire. Non-positive values are ignored.
func WithExpiryThresholds(days ...int) Option {
	return func(k *Keystone) {
		var t []int
		for _, d := range days {
			if d > 0 && !slices.Contains(t, d) {
				t = append(t, d)
			}
		}
		slices.Sort(t)
		k.thresholds = t
	}
}

// WithEventReplayWindow sets how long after a request closes the loop keeps
// retrying delivery of its expired or revoked event.
func WithEventReplayWindow(d time.Duration) Option {
	return func(k *Keystone) {
		if d > 0 {
			k.replayWindow = d
		}
	}
}

// WithClock sets the time source used for transitions and due dates.
func WithClock(now types.Clock) Option {
	return func(k *Keystone) {
		k.now = now
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start migrates the store, initializes plugins and starts the enforcement
// loop. The loop stops when ctx is canceled or Stop is called.
func (k *Keystone) Start(ctx context.Context) error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.cancel != nil {
		return ErrEngineRunning
	}

	if err := k.store.Migrate(ctx); err != nil {
		return err
	}

	k.plugins.EmitInit(ctx, k)

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.Run(runCtx)
	}()

	k.logger.Info("keystone started",
		"enforcement_interval", k.interval,
		"expiry_thresholds", k.thresholds,
		"clusters", k.backends.Clusters(),
	)

	return nil
}

// Stop halts the enforcement loop and waits for the running cycle to finish.
// The engine may be started again afterwards.
func (k *Keystone) Stop() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.cancel == nil {
		return nil
	}
	k.cancel()
	k.wg.Wait()
	k.cancel = nil

	k.plugins.EmitShutdown(context.Background())
	k.logger.Info("keystone stopped")
	return nil
}

// Close stops the engine and releases the store and scheduler backends.
func (k *Keystone) Close() error {
	var errs MultiError
	errs.Add(k.Stop())
	errs.Add(k.backends.Close())
	errs.Add(k.store.Close())
	return errs.ErrOrNil()
}

// Run executes enforcement cycles until ctx is canceled: once immediately,
// then every interval, and whenever a workflow change asks for an early pass.
func (k *Keystone) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		if _, err := k.RunCycle(ctx); err != nil && ctx.Err() == nil {
			k.logger.Error("enforcement cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-k.wake:
		}
	}
}

// Store returns the underlying store.
func (k *Keystone) Store() store.Store { return k.store }

// Plugins returns the plugin registry.
func (k *Keystone) Plugins() *plugin.Registry { return k.plugins }

// Backends returns the scheduler backend registry.
func (k *Keystone) Backends() *scheduler.Registry { return k.backends }

// SyncEngine returns the cluster sync engine.
func (k *Keystone) SyncEngine() *reconcile.Engine { return k.sync }

// JobCollector returns the scheduler job collector.
func (k *Keystone) JobCollector() *jobstats.Collector { return k.jobs }

// Logger returns the engine logger.
func (k *Keystone) Logger() *slog.Logger { return k.logger }

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// nudge asks the loop for an early cycle without blocking.
func (k *Keystone) nudge() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// requestLock is a per-request mutex shared by its current holders and
// waiters. refs is guarded by Keystone.locksMu.
type requestLock struct {
	mu   sync.Mutex
	refs int
}

// lockRequest serializes workflow operations on one request. The entry is
// dropped once its last holder unlocks, so the map only holds requests in
// use.
func (k *Keystone) lockRequest(key string) func() {
	k.locksMu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &requestLock{}
		k.locks[key] = l
	}
	l.refs++
	k.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.locksMu.Unlock()
	}
}
