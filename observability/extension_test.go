package observability_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/jobstats"
	"github.com/xraph/keystone/observability"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/request"
)

type fakeMetric struct {
	mu     sync.Mutex
	values []float64
}

func (m *fakeMetric) Inc()              { m.Add(1) }
func (m *fakeMetric) Observe(v float64) { m.Add(v) }

func (m *fakeMetric) Add(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = append(m.values, v)
}

func (m *fakeMetric) Sum() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s float64
	for _, v := range m.values {
		s += v
	}
	return s
}

type fakeFactory struct {
	metrics map[string]*fakeMetric
}

func (f *fakeFactory) get(name string) *fakeMetric {
	if f.metrics == nil {
		f.metrics = make(map[string]*fakeMetric)
	}
	m, ok := f.metrics[name]
	if !ok {
		m = &fakeMetric{}
		f.metrics[name] = m
	}
	return m
}

func (f *fakeFactory) Counter(name string) observability.Counter     { return f.get(name) }
func (f *fakeFactory) Histogram(name string) observability.Histogram { return f.get(name) }

func TestStatusChangesAreCounted(t *testing.T) {
	f := &fakeFactory{}
	m := observability.NewMetricsExtension(f)
	ctx := context.Background()

	for _, s := range []request.Status{request.StatusApproved, request.StatusActive, request.StatusExpired, request.StatusActive} {
		require.NoError(t, m.OnStatusChanged(ctx, &request.Request{Status: s}, ""))
	}

	assert.Equal(t, 1.0, f.get("keystone.request.approved").Sum())
	assert.Equal(t, 2.0, f.get("keystone.request.activated").Sum())
	assert.Equal(t, 1.0, f.get("keystone.request.expired").Sum())
	assert.Zero(t, f.get("keystone.request.revoked").Sum())
}

func TestLifecycleEventsAreCounted(t *testing.T) {
	f := &fakeFactory{}
	m := observability.NewMetricsExtension(f)
	ctx := context.Background()

	require.NoError(t, m.OnLifecycleEvent(ctx, &event.Event{Type: event.TypeApproachingExpiration}))
	require.NoError(t, m.OnLifecycleEvent(ctx, &event.Event{Type: event.TypeRevoked}))

	assert.Equal(t, 1.0, f.get("keystone.event.approaching_expiration").Sum())
	assert.Equal(t, 1.0, f.get("keystone.event.revoked").Sum())
	assert.Zero(t, f.get("keystone.event.expired").Sum())
}

func TestSyncReportsAreCounted(t *testing.T) {
	f := &fakeFactory{}
	m := observability.NewMetricsExtension(f)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	ok := &reconcile.ClusterReport{
		ClusterName: "c1",
		StartedAt:   start,
		FinishedAt:  start.Add(250 * time.Millisecond),
		Records: []*reconcile.SyncRecord{
			{Account: "Alpha", Applied: true},
			{Account: "Beta"},
		},
	}
	failed := &reconcile.ClusterReport{ClusterName: "c2", Err: assert.AnError}

	require.NoError(t, m.OnSyncCompleted(ctx, ok))
	require.NoError(t, m.OnSyncCompleted(ctx, failed))
	require.NoError(t, m.OnClusterDegraded(ctx, failed))

	assert.Equal(t, 2.0, f.get("keystone.sync.clusters").Sum())
	assert.Equal(t, 1.0, f.get("keystone.sync.failures").Sum())
	assert.Equal(t, 1.0, f.get("keystone.sync.limits_applied").Sum())
	assert.Equal(t, 250.0, f.get("keystone.sync.latency_ms").Sum())
	assert.Equal(t, 1.0, f.get("keystone.cluster.degraded").Sum())
}

func TestCollectedJobsAreCounted(t *testing.T) {
	f := &fakeFactory{}
	m := observability.NewMetricsExtension(f)

	require.NoError(t, m.OnJobsCollected(context.Background(), &jobstats.ClusterJobs{
		ClusterName: "c1",
		Jobs:        []*job.Job{{SchedulerID: "1"}, {SchedulerID: "2"}, {SchedulerID: "3"}},
		Unmatched:   1,
	}))

	assert.Equal(t, 3.0, f.get("keystone.jobs.collected").Sum())
	assert.Equal(t, 1.0, f.get("keystone.jobs.unmatched").Sum())
}

func TestPrometheusFactory(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := observability.NewPrometheusFactory(reg)

	c := f.Counter("keystone.sync.drift")
	c.Inc()
	c.Add(2)
	assert.Same(t, c, f.Counter("keystone.sync.drift"))

	f.Histogram("keystone.sync.latency_ms").Observe(12)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] = metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				values[mf.GetName()] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 3.0, values["keystone_sync_drift_total"])
	assert.Equal(t, 1.0, values["keystone_sync_latency_ms"])

	// A second factory on the same registry shares the collectors.
	again := observability.NewPrometheusFactory(reg)
	again.Counter("keystone.sync.drift").Inc()
	families, err = reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "keystone_sync_drift_total" {
			assert.Equal(t, 4.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
}
