package plugin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/plugin"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/request"
)

type statusPlugin struct {
	name string
	mu   sync.Mutex
	seen []request.Status
	err  error
}

func (p *statusPlugin) Name() string { return p.name }

func (p *statusPlugin) OnStatusChanged(_ context.Context, r *request.Request, _ request.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, r.Status)
	return p.err
}

type slowPlugin struct{ release chan struct{} }

func (slowPlugin) Name() string { return "slow" }

func (p slowPlugin) OnLifecycleEvent(context.Context, *event.Event) error {
	<-p.release
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := plugin.NewRegistry().WithLogger(quiet())
	require.NoError(t, reg.Register(&statusPlugin{name: "a"}))
	require.Error(t, reg.Register(&statusPlugin{name: "a"}))
	require.NoError(t, reg.Register(&statusPlugin{name: "b"}))

	assert.Equal(t, 2, reg.Count())
	assert.NotNil(t, reg.Get("b"))
	assert.Nil(t, reg.Get("c"))
	assert.Len(t, reg.List(), 2)
}

func TestDispatchContinuesPastFailures(t *testing.T) {
	reg := plugin.NewRegistry().WithLogger(quiet())
	failing := &statusPlugin{name: "failing", err: errors.New("boom")}
	healthy := &statusPlugin{name: "healthy"}
	require.NoError(t, reg.Register(failing))
	require.NoError(t, reg.Register(healthy))

	r := &request.Request{ID: id.NewRequestID(), Status: request.StatusApproved}
	reg.EmitStatusChanged(context.Background(), r, request.StatusUnderReview)

	assert.Equal(t, []request.Status{request.StatusApproved}, failing.seen)
	assert.Equal(t, []request.Status{request.StatusApproved}, healthy.seen)
}

func TestHooksAreBoundedByTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var delivered int
	reg := plugin.NewRegistry().WithLogger(quiet()).WithTimeout(20 * time.Millisecond)
	require.NoError(t, reg.Register(slowPlugin{release: release}))
	require.NoError(t, reg.Register(plugin.NewSink("count", event.SinkFunc(func(context.Context, *event.Event) error {
		delivered++
		return nil
	}))))

	start := time.Now()
	n := reg.EmitLifecycleEvent(context.Background(), &event.Event{Type: event.TypeExpired})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, n, "the slow plugin counts as a failed delivery")
	assert.Equal(t, 1, delivered)
}

func TestSinkFailuresAreNotCounted(t *testing.T) {
	reg := plugin.NewRegistry().WithLogger(quiet())
	require.NoError(t, reg.Register(plugin.NewSink("down", event.SinkFunc(func(context.Context, *event.Event) error {
		return errors.New("smtp: connection refused")
	}))))

	assert.Zero(t, reg.EmitLifecycleEvent(context.Background(), &event.Event{Type: event.TypeRevoked}))
}

func TestRegistryIsAnObserver(t *testing.T) {
	var obs reconcile.Observer = plugin.NewRegistry().WithLogger(quiet())
	// No plugins: every emission is a no-op.
	obs.EmitSyncCompleted(context.Background(), &reconcile.ClusterReport{})
	obs.EmitDriftDetected(context.Background(), &reconcile.SyncRecord{})
}
