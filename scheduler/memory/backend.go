// Package memory provides an in-process scheduler backend. It keeps limits and
// usage in maps and can be told to fail or to ignore writes, which makes it
// suitable for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/scheduler"
)

var (
	_ scheduler.Backend       = (*Backend)(nil)
	_ scheduler.AccountLister = (*Backend)(nil)
	_ scheduler.UsageReader   = (*Backend)(nil)
	_ scheduler.JobLister     = (*Backend)(nil)
)

// Calls counts the operations a Backend has served.
type Calls struct {
	Get   int
	Set   int
	List  int
	Usage int
	Jobs  int
}

type Backend struct {
	name string

	mu          sync.Mutex
	limits      map[string]int64
	usage       map[string]billing.Usage
	pinned      map[string]int64
	jobs        map[string]*job.Job // by scheduler job ID
	unavailable bool
	failSets    bool
	calls       Calls
	history     []SetCall
}

// SetCall is one recorded SetLimit invocation.
type SetCall struct {
	Account string
	Limit   int64
}

// New returns an empty backend for the named cluster.
func New(name string, accounts ...string) *Backend {
	b := &Backend{
		name:   name,
		limits: make(map[string]int64),
		usage:  make(map[string]billing.Usage),
		pinned: make(map[string]int64),
		jobs:   make(map[string]*job.Job),
	}
	for _, a := range accounts {
		b.limits[a] = 0
	}
	return b
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) GetLimit(_ context.Context, account string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls.Get++
	if b.unavailable {
		return 0, b.fail("get-limit", account)
	}
	limit, ok := b.limits[account]
	if !ok {
		return 0, scheduler.Wrap(b.name, "get-limit", account, scheduler.ErrAccountNotFound)
	}
	if v, ok := b.pinned[account]; ok {
		return v, nil
	}
	return limit, nil
}

func (b *Backend) SetLimit(_ context.Context, account string, limit int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls.Set++
	if b.unavailable || b.failSets {
		return b.fail("set-limit", account)
	}
	if _, ok := b.limits[account]; !ok {
		return scheduler.Wrap(b.name, "set-limit", account, scheduler.ErrAccountNotFound)
	}
	b.limits[account] = limit
	b.history = append(b.history, SetCall{Account: account, Limit: limit})
	return nil
}

func (b *Backend) ListAccounts(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls.List++
	if b.unavailable {
		return nil, b.fail("list-accounts", "")
	}
	accounts := make([]string, 0, len(b.limits))
	for a := range b.limits {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (b *Backend) GetUsage(_ context.Context, account string) (billing.Usage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls.Usage++
	if b.unavailable {
		return nil, b.fail("get-usage", account)
	}
	if _, ok := b.limits[account]; !ok {
		return nil, scheduler.Wrap(b.name, "get-usage", account, scheduler.ErrAccountNotFound)
	}
	return maps.Clone(b.usage[account]), nil
}

// ListJobs returns copies of the jobs that were pending or running, or that
// were submitted, started or ended at or after since.
func (b *Backend) ListJobs(_ context.Context, since time.Time) ([]*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls.Jobs++
	if b.unavailable {
		return nil, b.fail("list-jobs", "")
	}
	var out []*job.Job
	for _, j := range b.jobs {
		if !j.State.Finished() || after(j.Submit, since) || after(j.Start, since) || after(j.End, since) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SchedulerID < out[k].SchedulerID })
	return out, nil
}

func after(t *time.Time, since time.Time) bool {
	return t != nil && !t.Before(since)
}

// ──────────────────────────────────────────────────
// Test controls
// ──────────────────────────────────────────────────

// AddAccount creates an account with the given limit.
func (b *Backend) AddAccount(account string, limit int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits[account] = limit
}

// Limit returns the stored limit for account, bypassing failure injection.
func (b *Backend) Limit(account string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.limits[account]
	return v, ok
}

// SetUsage replaces the usage reported for account.
func (b *Backend) SetUsage(account string, u billing.Usage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usage[account] = maps.Clone(u)
}

// PutJob adds or replaces a job in the accounting data.
func (b *Backend) PutJob(j *job.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *j
	b.jobs[j.SchedulerID] = &cp
}

// SetUnavailable makes every call fail with scheduler.ErrBackendUnavailable.
func (b *Backend) SetUnavailable(unavailable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = unavailable
}

// FailSets makes SetLimit fail while reads keep working.
func (b *Backend) FailSets(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSets = fail
}

// Pin makes GetLimit report value for account regardless of writes, as when
// an operator overrides the limit out of band.
func (b *Backend) Pin(account string, value int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinned[account] = value
}

// Unpin removes a Pin.
func (b *Backend) Unpin(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pinned, account)
}

// Calls returns the operation counters.
func (b *Backend) Calls() Calls {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// ResetCalls zeroes the operation counters and the SetLimit history.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = Calls{}
	b.history = nil
}

// History returns the SetLimit calls applied since the last reset.
func (b *Backend) History() []SetCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SetCall, len(b.history))
	copy(out, b.history)
	return out
}

func (b *Backend) fail(op, account string) error {
	return scheduler.Wrap(b.name, op, account, fmt.Errorf("%w: %s is down", scheduler.ErrBackendUnavailable, b.name))
}
