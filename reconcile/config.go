package reconcile

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/keystone/types"
)

// Config tunes the sync engine.
type Config struct {
	// Concurrency bounds the clusters synchronized at once.
	Concurrency int
	// CallTimeout bounds each scheduler call.
	CallTimeout time.Duration
	// CycleDeadline bounds a whole Sync call. Clusters not started by then
	// are abandoned until the next cycle.
	CycleDeadline time.Duration
	// InitialBackoff and MaxBackoff shape the retry delay for degraded clusters.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// BackoffJitter is the randomization factor applied to each delay.
	BackoffJitter float64
	// IgnoredAccounts are scheduler accounts never reported as unmanaged.
	IgnoredAccounts []string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		CallTimeout:     30 * time.Second,
		CycleDeadline:   10 * time.Minute,
		InitialBackoff:  30 * time.Second,
		MaxBackoff:      30 * time.Minute,
		BackoffJitter:   0.2,
		IgnoredAccounts: []string{"root"},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = d.BackoffJitter
	}
	if c.IgnoredAccounts == nil {
		c.IgnoredAccounts = d.IgnoredAccounts
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithObserver sets the receiver of sync notifications.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithClock sets the time source.
func WithClock(now types.Clock) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTracer sets the OpenTelemetry tracer. The global tracer provider is
// used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}
