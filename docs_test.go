package keystone_test

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/keystone"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/plugin"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
	"github.com/xraph/keystone/scheduler"
	schedmem "github.com/xraph/keystone/scheduler/memory"
	"github.com/xraph/keystone/store/memory"
)

// TestDocumentationExamples verifies that the examples in the package
// documentation work.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		ctx := context.Background()

		// In-process scheduler for the demo; use slurm.New against a real cluster.
		backends := scheduler.NewRegistry()
		backends.Register("c1", schedmem.New("c1", "Alpha"))

		notify := plugin.NewSink("mailer", event.SinkFunc(func(_ context.Context, e *event.Event) error {
			log.Printf("%s: request %s of team %s\n", e.Type, e.RequestID, e.TeamName)
			return nil
		}))

		k := keystone.New(memory.New(),
			keystone.WithLogger(slog.Default()),
			keystone.WithBackends(backends),
			keystone.WithPlugin(notify),
			keystone.WithEnforcementInterval(time.Minute),
		)

		c1 := &cluster.Cluster{
			Name:    "c1",
			Enabled: true,
			Weights: keystone.Weights{"cpu": 1.0, "gres/gpu": 2.0},
		}
		if err := k.CreateCluster(ctx, c1); err != nil {
			t.Fatal(err)
		}

		alpha, err := k.CreateTeam(ctx, "Alpha", "u-1")
		if err != nil {
			t.Fatal(err)
		}

		expire := time.Now().AddDate(0, 6, 0)
		r := &request.Request{
			TeamID: alpha.ID,
			Title:  "Climate ensemble 2026",
			Asks:   []request.Ask{{ClusterID: c1.ID, Amount: 10000}},
			Expire: &expire,
		}
		if err := k.SubmitRequest(ctx, r); err != nil {
			t.Fatal(err)
		}

		if _, err := k.AttachReview(ctx, r.ID, &review.Review{
			ReviewerID: "u-42",
			Status:     review.StatusApproved,
		}); err != nil {
			t.Fatal(err)
		}

		res, err := k.RunCycle(ctx)
		if err != nil {
			t.Fatal(err)
		}

		for _, c := range res.Sync.Clusters {
			for _, rec := range c.Records {
				log.Printf("%s/%s: limit %d (applied=%v)\n", c.ClusterName, rec.Account, rec.Target, rec.Applied)
			}
		}

		if got, err := k.GetRequest(ctx, r.ID); err != nil || got.Status != request.StatusActive {
			t.Fatalf("request not active: %v %v", got, err)
		}

		if err := k.Close(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("BillingExamples", func(t *testing.T) {
		w, err := keystone.ParseWeights("CPU=1.0,Mem=0.25G,GRES/gpu=2.0")
		if err != nil {
			t.Fatal(err)
		}

		billable := keystone.Billable(w, keystone.Usage{"cpu": 100, "gres/gpu": 10})
		if billable != 120 {
			t.Fatalf("billable = %v, want 120", billable)
		}

		// An award in GPU units is scaled by the GPU weight.
		if got := keystone.Award(w, "gres/gpu", 50); got != 100 {
			t.Fatalf("award = %v, want 100", got)
		}
	})
}
