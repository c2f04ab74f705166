// Package scheduler defines the contract with cluster workload managers.
//
// Keystone never schedules jobs. It only reads and writes the per-account
// limit a workload manager enforces, plus (optionally) the usage it has
// accounted. Limits are expressed in billing units.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/job"
)

var (
	// ErrBackendUnavailable marks a backend that could not be reached or did
	// not answer in time. Such failures are retried with backoff.
	ErrBackendUnavailable = errors.New("keystone: scheduler backend unavailable")
	// ErrAccountNotFound means the backend has no account for the team.
	ErrAccountNotFound = errors.New("keystone: scheduler account not found")
	// ErrUnexpectedOutput means the backend answered with something unparseable.
	ErrUnexpectedOutput = errors.New("keystone: unexpected scheduler output")
	// ErrBackendNotRegistered means no backend is configured for a cluster.
	ErrBackendNotRegistered = errors.New("keystone: no scheduler backend for cluster")
)

// Backend reads and applies the enforced limit for an account on one cluster.
// SetLimit must be idempotent: applying the same value twice has the same
// effect as applying it once.
type Backend interface {
	Name() string
	GetLimit(ctx context.Context, account string) (int64, error)
	SetLimit(ctx context.Context, account string, limit int64) error
}

// AccountLister is implemented by backends that can enumerate their accounts.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]string, error)
}

// UsageReader is implemented by backends that report accounted usage per
// tracked resource.
type UsageReader interface {
	GetUsage(ctx context.Context, account string) (billing.Usage, error)
}

// JobLister is implemented by backends that expose their job accounting.
// ListJobs returns jobs submitted, running or ended since the given time.
// Only the scheduler-side fields of each job are set.
type JobLister interface {
	ListJobs(ctx context.Context, since time.Time) ([]*job.Job, error)
}

// BackendError wraps a failed backend operation.
type BackendError struct {
	Backend string
	Op      string
	Account string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Account == "" {
		return fmt.Sprintf("scheduler %s: %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("scheduler %s: %s %s: %v", e.Backend, e.Op, e.Account, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *BackendError, or nil when err is nil. Context
// deadline and cancellation errors are additionally marked unavailable.
func Wrap(backend, op, account string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrBackendUnavailable) {
		err = fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return &BackendError{Backend: backend, Op: op, Account: account, Err: err}
}

// IsUnavailable reports whether err means the backend itself is unhealthy,
// as opposed to a problem with one account.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrUnexpectedOutput)
}

// Registry maps cluster names to their backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns a registry holding the given backends keyed by cluster name.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register binds a backend to a cluster name, replacing any previous binding.
func (r *Registry) Register(cluster string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[cluster] = b
}

// Get returns the backend for cluster.
func (r *Registry) Get(cluster string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[cluster]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotRegistered, cluster)
	}
	return b, nil
}

// Clusters returns the registered cluster names in sorted order.
func (r *Registry) Clusters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every backend that holds resources.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, b := range r.backends {
		if c, ok := b.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
