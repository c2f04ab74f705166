package memory

import (
	"maps"
	"slices"
	"time"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/team"
)

func cloneCluster(c *cluster.Cluster) *cluster.Cluster {
	cp := *c
	cp.Weights = maps.Clone(c.Weights)
	cp.Metadata = maps.Clone(c.Metadata)
	return &cp
}

func cloneTeam(t *team.Team) *team.Team {
	cp := *t
	cp.Members = slices.Clone(t.Members)
	cp.Metadata = maps.Clone(t.Metadata)
	return &cp
}

func cloneRequest(r *request.Request) *request.Request {
	cp := *r
	cp.Asks = slices.Clone(r.Asks)
	cp.Assignees = slices.Clone(r.Assignees)
	cp.Metadata = maps.Clone(r.Metadata)
	cp.Reviewed = cloneTime(r.Reviewed)
	cp.Active = cloneTime(r.Active)
	cp.Expire = cloneTime(r.Expire)
	cp.ClosedAt = cloneTime(r.ClosedAt)
	return &cp
}

func cloneAllocation(a *allocation.Allocation) *allocation.Allocation {
	cp := *a
	if a.Final != nil {
		v := *a.Final
		cp.Final = &v
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneJob(j *job.Job) *job.Job {
	cp := *j
	cp.Submit = cloneTime(j.Submit)
	cp.Start = cloneTime(j.Start)
	cp.End = cloneTime(j.End)
	return &cp
}
