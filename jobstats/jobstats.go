// Package jobstats mirrors scheduler job accounting into the ledger.
//
// Each collection asks every enabled cluster whose backend implements
// scheduler.JobLister for the jobs active within the lookback window, ties
// each job to a team through its account name and upserts the records. Jobs
// are informational only. They never feed back into limits.
package jobstats

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/scheduler"
	"github.com/xraph/keystone/team"
	"github.com/xraph/keystone/types"
)

const tracerName = "github.com/xraph/keystone/jobstats"

// Source is the ledger view a collection reads clusters and teams from.
type Source interface {
	ListClusters(ctx context.Context, opts cluster.ListOpts) ([]*cluster.Cluster, error)
	ListTeams(ctx context.Context) ([]*team.Team, error)
}

// Sink persists collected jobs, keyed on cluster and scheduler job ID. A job
// already stored keeps its ID and CreatedAt.
type Sink interface {
	UpsertJobs(ctx context.Context, jobs []*job.Job) error
}

// Config tunes collection.
type Config struct {
	// Concurrency bounds the clusters queried at once.
	Concurrency int
	// CallTimeout bounds each scheduler query.
	CallTimeout time.Duration
	// Lookback is how far back finished jobs are collected.
	Lookback time.Duration
}

// DefaultConfig returns the collection defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		CallTimeout: time.Minute,
		Lookback:    24 * time.Hour,
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
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	return c
}

// Option configures a Collector.
type Option func(*Collector)

// WithConfig sets the configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(c *Collector) { c.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// WithClock sets the time source.
func WithClock(now types.Clock) Option {
	return func(c *Collector) { c.now = now }
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Collector) { c.tracer = t }
}

// Collector gathers job records from cluster schedulers.
type Collector struct {
	source   Source
	sink     Sink
	backends *scheduler.Registry
	cfg      Config
	logger   *slog.Logger
	now      types.Clock
	tracer   trace.Tracer
}

// New returns a collector reading clusters from source, querying backends and
// writing to sink.
func New(source Source, sink Sink, backends *scheduler.Registry, opts ...Option) *Collector {
	c := &Collector{
		source:   source,
		sink:     sink,
		backends: backends,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		now:      types.SystemClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// ClusterJobs is the outcome of collecting one cluster.
type ClusterJobs struct {
	ClusterID   id.ClusterID `json:"cluster_id"`
	ClusterName string       `json:"cluster_name"`
	Jobs        []*job.Job   `json:"jobs,omitempty"`
	// Unmatched counts jobs whose account matches no team.
	Unmatched int `json:"unmatched"`
	// Skipped is set when the cluster was excluded or its backend keeps no
	// job accounting.
	Skipped bool  `json:"skipped"`
	Err     error `json:"-"`
}

// Report is the outcome of one collection.
type Report struct {
	Since    time.Time      `json:"since"`
	Clusters []*ClusterJobs `json:"clusters"`
}

// Failed returns the clusters whose collection failed.
func (r *Report) Failed() []*ClusterJobs {
	var out []*ClusterJobs
	for _, c := range r.Clusters {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// Collect queries every enabled cluster not named in skip. An error is
// returned only when the ledger cannot be read. Scheduler and storage
// failures are reported per cluster.
func (c *Collector) Collect(ctx context.Context, skip ...string) (*Report, error) {
	ctx, span := c.tracer.Start(ctx, "jobstats.Collect")
	defer span.End()

	clusters, err := c.source.ListClusters(ctx, cluster.ListOpts{EnabledOnly: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("jobstats: list clusters: %w", err)
	}
	teams, err := c.source.ListTeams(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("jobstats: list teams: %w", err)
	}
	byName := make(map[string]id.TeamID, len(teams))
	for _, t := range teams {
		byName[t.Name] = t.ID
	}

	report := &Report{Since: c.now().Add(-c.cfg.Lookback)}
	results := make([]*ClusterJobs, len(clusters))

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)
	for i, cl := range clusters {
		if slices.Contains(skip, cl.Name) {
			results[i] = &ClusterJobs{ClusterID: cl.ID, ClusterName: cl.Name, Skipped: true}
			continue
		}
		g.Go(func() error {
			results[i] = c.collectCluster(ctx, cl, report.Since, byName)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers report through results

	var total int
	for _, r := range results {
		total += len(r.Jobs)
		report.Clusters = append(report.Clusters, r)
	}
	sort.Slice(report.Clusters, func(i, j int) bool {
		return report.Clusters[i].ClusterName < report.Clusters[j].ClusterName
	})
	span.SetAttributes(
		attribute.Int("keystone.clusters", len(clusters)),
		attribute.Int("keystone.jobs", total),
	)
	return report, nil
}

func (c *Collector) collectCluster(ctx context.Context, cl *cluster.Cluster, since time.Time, teams map[string]id.TeamID) *ClusterJobs {
	out := &ClusterJobs{ClusterID: cl.ID, ClusterName: cl.Name}

	backend, err := c.backends.Get(cl.Name)
	if err != nil {
		out.Err = err
		return out
	}
	lister, ok := backend.(scheduler.JobLister)
	if !ok {
		out.Skipped = true
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	jobs, err := lister.ListJobs(callCtx, since)
	cancel()
	if err != nil {
		c.logger.Error("job collection failed", "cluster", cl.Name, "error", err)
		out.Err = err
		return out
	}

	now := c.now()
	for _, j := range jobs {
		j.ID = id.NewJobID()
		j.Entity = types.NewEntity(now)
		j.ClusterID = cl.ID
		if tid, ok := teams[j.Account]; ok {
			j.TeamID = tid
		} else {
			out.Unmatched++
		}
	}
	if len(jobs) > 0 {
		if err := c.sink.UpsertJobs(ctx, jobs); err != nil {
			c.logger.Error("job records not stored", "cluster", cl.Name, "error", err)
			out.Err = fmt.Errorf("jobstats: store %s jobs: %w", cl.Name, err)
			return out
		}
	}
	out.Jobs = jobs

	c.logger.Debug("jobs collected",
		"cluster", cl.Name,
		"jobs", len(jobs),
		"unmatched", out.Unmatched,
	)
	return out
}
