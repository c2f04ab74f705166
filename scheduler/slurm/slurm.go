// Package slurm enforces Keystone limits on Slurm clusters through sacctmgr
// and sshare.
//
// The limit is the account association's GrpTRESRunMins on the "billing"
// TRES, so a team can have at most that many billing-weighted minutes of
// running work at once.
package slurm

import (
	"context"
	"fmt"
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

// Config describes how to reach one Slurm cluster.
type Config struct {
	// Cluster is the Slurm cluster name passed to sacctmgr and sshare.
	Cluster string `json:"cluster" mapstructure:"cluster" yaml:"cluster"`
	// Host runs the commands. Empty or "localhost" runs them locally.
	Host           string            `json:"host" mapstructure:"host" yaml:"host"`
	User           string            `json:"user" mapstructure:"user" yaml:"user"`
	KeyFile        string            `json:"key_file" mapstructure:"key_file" yaml:"key_file"`
	KnownHostsFile string            `json:"known_hosts_file" mapstructure:"known_hosts_file" yaml:"known_hosts_file"`
	DialTimeout    time.Duration     `json:"dial_timeout" mapstructure:"dial_timeout" yaml:"dial_timeout"`
	CommandTimeout time.Duration     `json:"command_timeout" mapstructure:"command_timeout" yaml:"command_timeout"`
	Env            map[string]string `json:"env" mapstructure:"env" yaml:"env"`
	Sacctmgr       string            `json:"sacctmgr" mapstructure:"sacctmgr" yaml:"sacctmgr"`
	Sshare         string            `json:"sshare" mapstructure:"sshare" yaml:"sshare"`
	Sacct          string            `json:"sacct" mapstructure:"sacct" yaml:"sacct"`
}

func (c Config) local() bool {
	return c.Host == "" || c.Host == "localhost"
}

func (c Config) withDefaults() Config {
	if c.Sacctmgr == "" {
		c.Sacctmgr = "sacctmgr"
	}
	if c.Sshare == "" {
		c.Sshare = "sshare"
	}
	if c.Sacct == "" {
		c.Sacct = "sacct"
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Backend is a scheduler.Backend for one Slurm cluster.
type Backend struct {
	cfg    Config
	runner Runner
}

// New opens a shell session for cfg and returns a backend using it.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Cluster == "" {
		return nil, fmt.Errorf("slurm: cluster name is required")
	}
	cfg = cfg.withDefaults()
	r, err := NewRunner(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{cfg: cfg, runner: r}, nil
}

// NewWithRunner returns a backend issuing commands through r.
func NewWithRunner(cfg Config, r Runner) *Backend {
	return &Backend{cfg: cfg.withDefaults(), runner: r}
}

func (b *Backend) Name() string { return b.cfg.Cluster }

// Close ends the shell session.
func (b *Backend) Close() error {
	return b.runner.Close()
}

func (b *Backend) GetLimit(ctx context.Context, account string) (int64, error) {
	if err := validAccount(account); err != nil {
		return 0, scheduler.Wrap(b.Name(), "get-limit", account, err)
	}
	cmd := fmt.Sprintf("%s show -nP association where account=%s cluster=%s format=User,GrpTRESRunMins",
		b.cfg.Sacctmgr, account, b.cfg.Cluster)
	out, err := b.run(ctx, cmd)
	if err != nil {
		return 0, scheduler.Wrap(b.Name(), "get-limit", account, err)
	}
	limit, err := parseLimit(out)
	if err != nil {
		return 0, scheduler.Wrap(b.Name(), "get-limit", account, err)
	}
	return limit, nil
}

func (b *Backend) SetLimit(ctx context.Context, account string, limit int64) error {
	if err := validAccount(account); err != nil {
		return scheduler.Wrap(b.Name(), "set-limit", account, err)
	}
	if limit < 0 {
		return scheduler.Wrap(b.Name(), "set-limit", account, fmt.Errorf("slurm: negative limit %d", limit))
	}
	cmd := fmt.Sprintf("%s -i modify account where account=%s cluster=%s set GrpTRESRunMins=%s=%d",
		b.cfg.Sacctmgr, account, b.cfg.Cluster, billingField, limit)
	_, err := b.run(ctx, cmd)
	return scheduler.Wrap(b.Name(), "set-limit", account, err)
}

func (b *Backend) ListAccounts(ctx context.Context) ([]string, error) {
	cmd := fmt.Sprintf("%s show -nP account withassoc where parents=root cluster=%s format=Account",
		b.cfg.Sacctmgr, b.cfg.Cluster)
	out, err := b.run(ctx, cmd)
	if err != nil {
		return nil, scheduler.Wrap(b.Name(), "list-accounts", "", err)
	}
	return parseAccounts(out), nil
}

func (b *Backend) GetUsage(ctx context.Context, account string) (billing.Usage, error) {
	if err := validAccount(account); err != nil {
		return nil, scheduler.Wrap(b.Name(), "get-usage", account, err)
	}
	cmd := fmt.Sprintf("%s -nP -A %s -M %s --format=Account,User,GrpTRESRaw",
		b.cfg.Sshare, account, b.cfg.Cluster)
	out, err := b.run(ctx, cmd)
	if err != nil {
		return nil, scheduler.Wrap(b.Name(), "get-usage", account, err)
	}
	usage, err := parseUsage(out, account)
	if err != nil {
		return nil, scheduler.Wrap(b.Name(), "get-usage", account, err)
	}
	return usage, nil
}

// ListJobs reads job allocations from the accounting database. sacct
// selects jobs that were eligible, running or ended after the start time,
// which covers every job still pending.
func (b *Backend) ListJobs(ctx context.Context, since time.Time) ([]*job.Job, error) {
	cmd := fmt.Sprintf("%s -nP -X --allusers -M %s --starttime=%s --format=%s",
		b.cfg.Sacct, b.cfg.Cluster, since.UTC().Format(sacctTime), jobFormat)
	out, err := b.run(ctx, cmd)
	if err != nil {
		return nil, scheduler.Wrap(b.Name(), "list-jobs", "", err)
	}
	jobs, err := parseJobs(out)
	if err != nil {
		return nil, scheduler.Wrap(b.Name(), "list-jobs", "", err)
	}
	return jobs, nil
}

// run executes cmd. Transport failures and timeouts mark the backend
// unavailable; a non-zero exit status is reported with the command output.
func (b *Backend) run(ctx context.Context, cmd string) (string, error) {
	out, status, err := b.runner.Run(ctx, cmd, b.cfg.CommandTimeout)
	if err != nil {
		return "", fmt.Errorf("%w: %w", scheduler.ErrBackendUnavailable, err)
	}
	if status != 0 {
		return "", fmt.Errorf("%w: exit status %d: %s", scheduler.ErrUnexpectedOutput, status, out)
	}
	return out, nil
}
