package slurm_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/scheduler"
	"github.com/xraph/keystone/scheduler/slurm"
)

type reply struct {
	out    string
	status int
	err    error
}

// fakeRunner answers commands by prefix and records what was run.
type fakeRunner struct {
	replies map[string]reply
	ran     []string
}

func (f *fakeRunner) Run(_ context.Context, command string, _ time.Duration) (string, int, error) {
	f.ran = append(f.ran, command)
	for prefix, r := range f.replies {
		if strings.HasPrefix(command, prefix) {
			return r.out, r.status, r.err
		}
	}
	return "", 0, nil
}

func (f *fakeRunner) Close() error { return nil }

func newBackend(replies map[string]reply) (*slurm.Backend, *fakeRunner) {
	r := &fakeRunner{replies: replies}
	return slurm.NewWithRunner(slurm.Config{Cluster: "c1"}, r), r
}

func TestGetLimit(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    int64
		wantErr error
	}{
		{"account row", "|cpu=10,billing=10000\n", 10000, nil},
		{"user rows skipped", "alice|billing=5\n|billing=750\nbob|billing=9\n", 750, nil},
		{"no limit set", "|\n", 0, nil},
		{"no association", "", 0, scheduler.ErrAccountNotFound},
		{"garbage", "nonsense\n", 0, scheduler.ErrUnexpectedOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, r := newBackend(map[string]reply{"sacctmgr show": {out: tt.out}})
			got, err := b.GetLimit(context.Background(), "Alpha")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var be *scheduler.BackendError
				require.ErrorAs(t, err, &be)
				assert.Equal(t, "Alpha", be.Account)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.Len(t, r.ran, 1)
			assert.Equal(t, "sacctmgr show -nP association where account=Alpha cluster=c1 format=User,GrpTRESRunMins", r.ran[0])
		})
	}
}

func TestSetLimit(t *testing.T) {
	b, r := newBackend(nil)
	require.NoError(t, b.SetLimit(context.Background(), "Alpha", 10000))
	require.Len(t, r.ran, 1)
	assert.Equal(t, "sacctmgr -i modify account where account=Alpha cluster=c1 set GrpTRESRunMins=billing=10000", r.ran[0])

	assert.Error(t, b.SetLimit(context.Background(), "Alpha", -1))
}

func TestRejectsUnsafeAccountNames(t *testing.T) {
	b, r := newBackend(nil)
	for _, name := range []string{"", "a b", "x;rm -rf /", "$(id)", "-flag"} {
		_, err := b.GetLimit(context.Background(), name)
		assert.Error(t, err, name)
		assert.Error(t, b.SetLimit(context.Background(), name, 1), name)
	}
	assert.Empty(t, r.ran)
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	b, _ := newBackend(map[string]reply{"sacctmgr": {err: errors.New("connection reset")}})
	_, err := b.GetLimit(context.Background(), "Alpha")
	require.Error(t, err)
	assert.True(t, scheduler.IsUnavailable(err))
	assert.ErrorIs(t, err, scheduler.ErrBackendUnavailable)
}

func TestNonZeroExit(t *testing.T) {
	b, _ := newBackend(map[string]reply{"sacctmgr": {out: "permission denied", status: 1}})
	err := b.SetLimit(context.Background(), "Alpha", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrUnexpectedOutput)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestListAccounts(t *testing.T) {
	b, r := newBackend(map[string]reply{"sacctmgr show -nP account": {out: "root\nAlpha\nBeta\nAlpha\n\n"}})
	accounts, err := b.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "Alpha", "Beta"}, accounts)
	assert.Equal(t, "sacctmgr show -nP account withassoc where parents=root cluster=c1 format=Account", r.ran[0])
}

func TestGetUsage(t *testing.T) {
	out := "Alpha||cpu=1200,mem=4096,billing=1300\nAlpha|alice|cpu=600,billing=650\n"
	b, r := newBackend(map[string]reply{"sshare": {out: out}})

	usage, err := b.GetUsage(context.Background(), "Alpha")
	require.NoError(t, err)
	assert.InDelta(t, 1200, usage["cpu"], 1e-9)
	assert.InDelta(t, 4096, usage["mem"], 1e-9)
	assert.InDelta(t, 1300, usage["billing"], 1e-9)
	assert.Equal(t, "sshare -nP -A Alpha -M c1 --format=Account,User,GrpTRESRaw", r.ran[0])

	_, err = b.GetUsage(context.Background(), "Beta")
	assert.ErrorIs(t, err, scheduler.ErrAccountNotFound)
}

func TestCustomBinaries(t *testing.T) {
	r := &fakeRunner{}
	b := slurm.NewWithRunner(slurm.Config{Cluster: "c2", Sacctmgr: "/opt/slurm/bin/sacctmgr"}, r)
	require.NoError(t, b.SetLimit(context.Background(), "Beta", 1))
	assert.True(t, strings.HasPrefix(r.ran[0], "/opt/slurm/bin/sacctmgr -i modify"))
	assert.Equal(t, "c2", b.Name())
}

func TestListJobs(t *testing.T) {
	out := strings.Join([]string{
		"101|train|Alpha|alice|2026-03-01T08:00:00|2026-03-01T08:05:00|2026-03-01T10:00:00|COMPLETED|0:0|4294|normal|2|gpu|billing=64,cpu=32,node=2",
		"102|sweep|Alpha|bob|2026-03-01T09:00:00|Unknown|Unknown|PENDING|0:0|4100|normal|1|cpu|billing=8,cpu=8",
		"103|eval|Beta|carol|2026-03-01T09:30:00|2026-03-01T09:31:00|2026-03-01T09:40:00|CANCELLED by 1000|0:15||normal|1|cpu|",
	}, "\n") + "\n"
	b, r := newBackend(map[string]reply{"sacct -nP": {out: out}})

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	jobs, err := b.ListJobs(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "sacct -nP -X --allusers -M c1 --starttime=2026-03-01T00:00:00 --format=JobID,JobName,Account,User,Submit,Start,End,State,DerivedExitCode,Priority,QOS,AllocNodes,Partition,AllocTRES", r.ran[0])

	first := jobs[0]
	assert.Equal(t, "101", first.SchedulerID)
	assert.Equal(t, "Alpha", first.Account)
	assert.Equal(t, job.StateCompleted, first.State)
	assert.Equal(t, int64(4294), first.Priority)
	assert.Equal(t, 2, first.Nodes)
	assert.Equal(t, "gpu", first.Partition)
	require.NotNil(t, first.End)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), *first.End)

	assert.Equal(t, job.StatePending, jobs[1].State)
	assert.Nil(t, jobs[1].Start)
	assert.Nil(t, jobs[1].End)

	assert.Equal(t, job.StateCancelled, jobs[2].State)
	assert.Equal(t, "0:15", jobs[2].ExitCode)
	assert.Zero(t, jobs[2].Priority)
}

func TestListJobsMalformed(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{"short row", "101|train|Alpha\n"},
		{"bad time", "101|train|Alpha|alice|yesterday|||COMPLETED|0:0|1|normal|1|cpu|\n"},
		{"bad nodes", "101|train|Alpha|alice||||COMPLETED|0:0|1|normal|two|cpu|\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newBackend(map[string]reply{"sacct -nP": {out: tt.out}})
			_, err := b.ListJobs(context.Background(), time.Now())
			assert.ErrorIs(t, err, scheduler.ErrUnexpectedOutput)
		})
	}
}
