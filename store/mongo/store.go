package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/keystone"
	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
	kstore "github.com/xraph/keystone/store"
	"github.com/xraph/keystone/team"
)

// Collection name constants.
const (
	colClusters    = "keystone_clusters"
	colTeams       = "keystone_teams"
	colRequests    = "keystone_requests"
	colReviews     = "keystone_reviews"
	colAllocations = "keystone_allocations"
	colEmissions   = "keystone_emissions"
	colJobs        = "keystone_jobs"
)

// compile-time interface check
var _ kstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all keystone collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("%w: keystone/mongo: %s indexes: %w", keystone.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Cluster Store ====================

func (s *Store) CreateCluster(ctx context.Context, c *cluster.Cluster) error {
	_, err := s.mdb.NewInsert(toClusterModel(c)).Exec(ctx)
	if err != nil {
		return wrap("create cluster", err)
	}
	return nil
}

func (s *Store) GetCluster(ctx context.Context, clusterID id.ClusterID) (*cluster.Cluster, error) {
	var m clusterModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": clusterID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, keystone.ErrClusterNotFound
		}
		return nil, wrap("get cluster", err)
	}
	return fromClusterModel(&m)
}

func (s *Store) GetClusterByName(ctx context.Context, name string) (*cluster.Cluster, error) {
	var m clusterModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"name": name}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, keystone.ErrClusterNotFound
		}
		return nil, wrap("get cluster by name", err)
	}
	return fromClusterModel(&m)
}

func (s *Store) ListClusters(ctx context.Context, opts cluster.ListOpts) ([]*cluster.Cluster, error) {
	var models []clusterModel

	filter := bson.M{}
	if opts.EnabledOnly {
		filter["enabled"] = true
	}

	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, wrap("list clusters", err)
	}

	result := make([]*cluster.Cluster, len(models))
	for i := range models {
		c, err := fromClusterModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

func (s *Store) UpdateCluster(ctx context.Context, c *cluster.Cluster) error {
	m := toClusterModel(c)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return wrap("update cluster", err)
	}
	if res.MatchedCount() == 0 {
		return keystone.ErrClusterNotFound
	}
	return nil
}

// ==================== Team Store ====================

func (s *Store) CreateTeam(ctx context.Context, t *team.Team) error {
	_, err := s.mdb.NewInsert(toTeamModel(t)).Exec(ctx)
	if err != nil {
		return wrap("create team", err)
	}
	return nil
}

func (s *Store) GetTeam(ctx context.Context, teamID id.TeamID) (*team.Team, error) {
	var m teamModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": teamID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, keystone.ErrTeamNotFound
		}
		return nil, wrap("get team", err)
	}
	return fromTeamModel(&m)
}

func (s *Store) GetTeamByName(ctx context.Context, name string) (*team.Team, error) {
	var m teamModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"name": name}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, keystone.ErrTeamNotFound
		}
		return nil, wrap("get team by name", err)
	}
	return fromTeamModel(&m)
}

func (s *Store) ListTeams(ctx context.Context) ([]*team.Team, error) {
	var models []teamModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, wrap("list teams", err)
	}

	result := make([]*team.Team, len(models))
	for i := range models {
		t, err := fromTeamModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

func (s *Store) UpdateTeam(ctx context.Context, t *team.Team) error {
	m := toTeamModel(t)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return wrap("update team", err)
	}
	if res.MatchedCount() == 0 {
		return keystone.ErrTeamNotFound
	}
	return nil
}

// ==================== Request Store ====================

func (s *Store) CreateRequest(ctx context.Context, r *request.Request) error {
	if err := s.exists(ctx, colTeams, r.TeamID.String()); err != nil {
		return err
	}
	_, err := s.mdb.NewInsert(toRequestModel(r)).Exec(ctx)
	if err != nil {
		return wrap("create request", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	var m requestModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": requestID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, keystone.ErrRequestNotFound
		}
		return nil, wrap("get request", err)
	}
	return fromRequestModel(&m)
}

func (s *Store) ListRequests(ctx context.Context, opts request.ListOpts) ([]*request.Request, error) {
	var models []requestModel

	filter := bson.M{}
	if len(opts.Statuses) > 0 {
		statuses := make(bson.A, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	if !opts.TeamID.IsNil() {
		filter["team_id"] = opts.TeamID.String()
	}
	if !opts.ClosedAfter.IsZero() {
		filter["closed_at"] = bson.M{"$gte": opts.ClosedAfter.UTC()}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, wrap("list requests", err)
	}

	result := make([]*request.Request, len(models))
	for i := range models {
		r, err := fromRequestModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// UpdateRequestStatus matches on the current status, so a concurrent
// transition leaves nothing to update.
func (s *Store) UpdateRequestStatus(ctx context.Context, requestID id.RequestID, t request.Transition) error {
	var r request.Request
	t.Apply(&r)

	update := s.mdb.NewUpdate((*requestModel)(nil)).
		Filter(bson.M{"_id": requestID.String(), "status": string(t.From)}).
		Set("status", string(r.Status)).
		Set("updated_at", r.UpdatedAt)

	if r.Reviewed != nil {
		update = update.Set("reviewed", *r.Reviewed)
	}
	if r.ClosedAt != nil {
		update = update.Set("closed_at", *r.ClosedAt)
	}

	res, err := update.Exec(ctx)
	if err != nil {
		return wrap("update request status", err)
	}
	if res.MatchedCount() > 0 {
		return nil
	}
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return err
	}
	return keystone.ErrTransitionConflict
}

// ==================== Review Store ====================

func (s *Store) CreateReview(ctx context.Context, rv *review.Review) error {
	if err := s.exists(ctx, colRequests, rv.RequestID.String()); err != nil {
		return err
	}
	_, err := s.mdb.NewInsert(toReviewModel(rv)).Exec(ctx)
	if err != nil {
		return wrap("create review", err)
	}
	return nil
}

// ListReviews returns reviews oldest first. Review IDs are time-ordered, so
// they break ties between reviews decided at the same instant.
func (s *Store) ListReviews(ctx context.Context, requestID id.RequestID) ([]*review.Review, error) {
	var models []reviewModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"request_id": requestID.String()}).
		Sort(bson.D{{Key: "decided_at", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, wrap("list reviews", err)
	}

	result := make([]*review.Review, len(models))
	for i := range models {
		rv, err := fromReviewModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = rv
	}
	return result, nil
}

// ==================== Allocation Store ====================

// CreateAllocations inserts the batch in one call and removes any documents
// that made it in when the insert fails part way.
func (s *Store) CreateAllocations(ctx context.Context, allocs []*allocation.Allocation) error {
	if len(allocs) == 0 {
		return nil
	}

	docs := make([]any, len(allocs))
	ids := make(bson.A, len(allocs))
	for i, a := range allocs {
		if err := s.exists(ctx, colRequests, a.RequestID.String()); err != nil {
			return err
		}
		if err := s.exists(ctx, colClusters, a.ClusterID.String()); err != nil {
			return err
		}
		docs[i] = toAllocationModel(a)
		ids[i] = a.ID.String()
	}

	col := s.mdb.Collection(colAllocations)
	if _, err := col.InsertMany(ctx, docs); err != nil {
		if _, delErr := col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); delErr != nil {
			return errors.Join(wrap("create allocations", err), wrap("roll back allocations", delErr))
		}
		return wrap("create allocations", err)
	}
	return nil
}

func (s *Store) GetAllocation(ctx context.Context, allocationID id.AllocationID) (*allocation.Allocation, error) {
	var m allocationModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": allocationID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, keystone.ErrAllocationNotFound
		}
		return nil, wrap("get allocation", err)
	}
	return fromAllocationModel(&m)
}

func (s *Store) ListAllocations(ctx context.Context, opts allocation.ListOpts) ([]*allocation.Allocation, error) {
	var models []allocationModel

	filter := bson.M{}
	if !opts.RequestID.IsNil() {
		filter["request_id"] = opts.RequestID.String()
	}
	if !opts.ClusterID.IsNil() {
		filter["cluster_id"] = opts.ClusterID.String()
	}

	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, wrap("list allocations", err)
	}

	result := make([]*allocation.Allocation, len(models))
	for i := range models {
		a, err := fromAllocationModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = a
	}
	return result, nil
}

// UpdateAllocation writes everything but synced_revision.
func (s *Store) UpdateAllocation(ctx context.Context, a *allocation.Allocation) error {
	res, err := s.mdb.NewUpdate((*allocationModel)(nil)).
		Filter(bson.M{"_id": a.ID.String()}).
		Set("awarded", a.Awarded).
		Set("ceiling", a.Ceiling).
		Set("final", a.Final).
		Set("revision", a.Revision).
		Set("updated_at", a.UpdatedAt).
		Exec(ctx)
	if err != nil {
		return wrap("update allocation", err)
	}
	if res.MatchedCount() == 0 {
		return keystone.ErrAllocationNotFound
	}
	return nil
}

func (s *Store) MarkAllocationSynced(ctx context.Context, allocationID id.AllocationID, revision int, at time.Time) error {
	res, err := s.mdb.NewUpdate((*allocationModel)(nil)).
		Filter(bson.M{"_id": allocationID.String(), "synced_revision": bson.M{"$lt": revision}}).
		Set("synced_revision", revision).
		Set("updated_at", at.UTC()).
		Exec(ctx)
	if err != nil {
		return wrap("mark allocation synced", err)
	}
	if res.MatchedCount() > 0 {
		return nil
	}
	// Either missing, or already at or past revision.
	_, err = s.GetAllocation(ctx, allocationID)
	return err
}

// ==================== Emission Store ====================

func (s *Store) RecordEmission(ctx context.Context, e *event.Emission) error {
	_, err := s.mdb.NewInsert(toEmissionModel(e)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return keystone.ErrAlreadyExists
		}
		return wrap("record emission", err)
	}
	return nil
}

func (s *Store) DeleteEmission(ctx context.Context, key string) error {
	_, err := s.mdb.NewDelete((*emissionModel)(nil)).
		Filter(bson.M{"_id": key}).
		Exec(ctx)
	if err != nil {
		return wrap("delete emission", err)
	}
	return nil
}

func (s *Store) ListEmissions(ctx context.Context, requestID id.RequestID) ([]*event.Emission, error) {
	var models []emissionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"request_id": requestID.String()}).
		Sort(bson.D{{Key: "emitted_at", Value: 1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, wrap("list emissions", err)
	}

	result := make([]*event.Emission, len(models))
	for i := range models {
		e, err := fromEmissionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// ==================== Job Store ====================

// UpsertJobs upserts each job on (cluster_id, scheduler_id). The _id and
// created_at are only written when the document is first inserted.
func (s *Store) UpsertJobs(ctx context.Context, jobs []*job.Job) error {
	for _, j := range jobs {
		m := toJobModel(j)
		_, err := s.mdb.NewUpdate(m).
			Filter(bson.M{"cluster_id": m.ClusterID, "scheduler_id": m.SchedulerID}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"team_id":        m.TeamID,
					"account":        m.Account,
					"name":           m.Name,
					"username":       m.User,
					"state":          m.State,
					"exit_code":      m.ExitCode,
					"priority":       m.Priority,
					"qos":            m.QOS,
					"partition_name": m.Partition,
					"nodes":          m.Nodes,
					"tres":           m.TRES,
					"submit":         m.Submit,
					"start_time":     m.Start,
					"end_time":       m.End,
					"updated_at":     m.UpdatedAt,
				},
				"$setOnInsert": bson.M{
					"_id":        m.ID,
					"created_at": m.CreatedAt,
				},
			}).
			Upsert().
			Exec(ctx)
		if err != nil {
			return wrap("upsert jobs", err)
		}
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel

	filter := bson.M{}
	if !opts.ClusterID.IsNil() {
		filter["cluster_id"] = opts.ClusterID.String()
	}
	if !opts.TeamID.IsNil() {
		filter["team_id"] = opts.TeamID.String()
	}
	if len(opts.States) > 0 {
		states := make(bson.A, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		filter["state"] = bson.M{"$in": states}
	}
	if !opts.SubmittedAfter.IsZero() {
		filter["submit"] = bson.M{"$gte": opts.SubmittedAfter.UTC()}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "submit", Value: -1}, {Key: "cluster_id", Value: 1}, {Key: "scheduler_id", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, wrap("list jobs", err)
	}

	result := make([]*job.Job, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = j
	}
	return result, nil
}

// ==================== Helpers ====================

// exists returns keystone.ErrReferenceNotFound unless col holds a document
// with the given id.
func (s *Store) exists(ctx context.Context, col, key string) error {
	n, err := s.mdb.Collection(col).CountDocuments(ctx, bson.M{"_id": key})
	if err != nil {
		return wrap("check reference", err)
	}
	if n == 0 {
		return keystone.ErrReferenceNotFound
	}
	return nil
}

func wrap(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("keystone/mongo: %s: %w", op, keystone.ErrAlreadyExists)
	}
	return fmt.Errorf("keystone/mongo: %s: %w", op, err)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all keystone collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colClusters: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colTeams: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colRequests: {
			{Keys: bson.D{{Key: "team_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expire", Value: 1}}},
			{
				Keys:    bson.D{{Key: "closed_at", Value: 1}},
				Options: options.Index().SetSparse(true),
			},
		},
		colReviews: {
			{Keys: bson.D{{Key: "request_id", Value: 1}, {Key: "decided_at", Value: 1}}},
		},
		colAllocations: {
			{Keys: bson.D{{Key: "request_id", Value: 1}}},
			{Keys: bson.D{{Key: "cluster_id", Value: 1}}},
		},
		colEmissions: {
			{Keys: bson.D{{Key: "request_id", Value: 1}, {Key: "emitted_at", Value: 1}}},
		},
		colJobs: {
			{
				Keys:    bson.D{{Key: "cluster_id", Value: 1}, {Key: "scheduler_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "team_id", Value: 1}, {Key: "submit", Value: -1}}},
		},
	}
}
