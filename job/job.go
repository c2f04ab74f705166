// Package job holds per-job accounting records collected from scheduler
// clusters. They are a read-only mirror of the scheduler's accounting
// database and never influence limits.
package job

import (
	"slices"
	"time"

	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/types"
)

// State is the scheduler's job state, as reported.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateTimeout   State = "TIMEOUT"
)

// Finished reports whether a job in state s will not run again.
func (s State) Finished() bool {
	switch s {
	case StatePending, StateRunning:
		return false
	default:
		return s != ""
	}
}

// Job is one scheduler job on one cluster. SchedulerID is unique per cluster
// and is the key records are upserted on.
type Job struct {
	types.Entity
	ID          id.JobID     `json:"id"`
	ClusterID   id.ClusterID `json:"cluster_id"`
	SchedulerID string       `json:"scheduler_id"`
	// TeamID is nil when Account matches no team.
	TeamID    id.TeamID  `json:"team_id"`
	Account   string     `json:"account"`
	Name      string     `json:"name"`
	User      string     `json:"user"`
	State     State      `json:"state"`
	ExitCode  string     `json:"exit_code,omitempty"`
	Priority  int64      `json:"priority"`
	QOS       string     `json:"qos,omitempty"`
	Partition string     `json:"partition,omitempty"`
	Nodes     int        `json:"nodes"`
	TRES      string     `json:"tres,omitempty"`
	Submit    *time.Time `json:"submit,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
}

// Key identifies the job across collections.
func (j *Job) Key() string {
	return j.ClusterID.String() + "/" + j.SchedulerID
}

// ListOpts filters job listings. Zero-valued fields match everything.
type ListOpts struct {
	ClusterID id.ClusterID
	TeamID    id.TeamID
	States    []State
	// SubmittedAfter keeps jobs submitted at or after the given time.
	SubmittedAfter time.Time
	Limit          int
	Offset         int
}

// Matches reports whether j satisfies the filter, ignoring paging.
func (o ListOpts) Matches(j *Job) bool {
	if !o.ClusterID.IsNil() && j.ClusterID.String() != o.ClusterID.String() {
		return false
	}
	if !o.TeamID.IsNil() && j.TeamID.String() != o.TeamID.String() {
		return false
	}
	if len(o.States) > 0 && !slices.Contains(o.States, j.State) {
		return false
	}
	if !o.SubmittedAfter.IsZero() && (j.Submit == nil || j.Submit.Before(o.SubmittedAfter)) {
		return false
	}
	return true
}
