// Package keystone manages compute allocations on HPC clusters and enforces
// them as scheduler limits.
//
// Keystone is designed as a library, not a service. Import it into the
// process that runs your allocation portal or admin tooling. It provides:
//
//   - A review workflow for allocation requests with monotonic status changes
//   - Per-cluster billing weights that turn tracked-resource amounts into
//     billing units
//   - A sync engine that pushes awarded limits to each cluster's scheduler,
//     in parallel, with backoff for clusters that cannot be reached
//   - An enforcement loop that activates and expires requests on schedule and
//     emits lifecycle events exactly once
//   - Pluggable storage (memory, PostgreSQL, SQLite, MongoDB via Grove)
//   - Slurm integration through sacctmgr over a local shell or SSH
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/keystone"
//	    "github.com/xraph/keystone/scheduler"
//	    "github.com/xraph/keystone/scheduler/slurm"
//	    "github.com/xraph/keystone/store/postgres"
//	)
//
//	backend, err := slurm.New(ctx, slurm.Config{Cluster: "c1", Host: "c1-login", User: "keystone"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	backends := scheduler.NewRegistry()
//	backends.Register("c1", backend)
//
//	k := keystone.New(postgres.New(db), keystone.WithBackends(backends))
//	if err := k.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer k.Close()
//
// # Workflow
//
// A request moves through
//
//	submitted → under_review → approved → active → expired
//	                         ↘ declined         ↘ revoked
//
// and never backwards. The latest review decides between approved and
// declined. Approval turns the requested amounts into allocations, which are
// enforced once the request is active and withdrawn when it expires or is
// revoked.
//
//	r := &request.Request{
//	    TeamID: team.ID,
//	    Title:  "Climate ensemble 2026",
//	    Asks:   []request.Ask{{ClusterID: c1.ID, Amount: 10000}},
//	    Expire: &expire,
//	}
//	err := k.SubmitRequest(ctx, r)
//	_, err = k.AttachReview(ctx, r.ID, &review.Review{ReviewerID: "u-42", Status: review.StatusApproved})
//
// # Limits
//
// The limit written for a team on a cluster is the sum of the awards of the
// team's active allocations there, in billing units. The sync engine reads
// the limit first and writes only when it differs, so repeated cycles are
// read-only. The team name is the scheduler account.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	areq_01h2xcejqtf2nbrexx3vqjhp41   // Allocation request
//	alloc_01h2xcejqtf2nbrexx3vqjhp41  // Allocation
//	cls_01h455vb4pex5vsknk084sn02q    // Cluster
package keystone
