package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

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

// Table names referenced by raw queries.
const (
	tableClusters = "keystone_clusters"
	tableTeams    = "keystone_teams"
	tableRequests = "keystone_requests"
)

// compile-time interface check
var _ kstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("keystone/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: keystone/sqlite: %w", keystone.ErrMigrationFailed, err)
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
	_, err := s.sdb.NewInsert(toClusterModel(c)).Exec(ctx)
	if err != nil {
		return wrap("create cluster", err)
	}
	return nil
}

func (s *Store) GetCluster(ctx context.Context, clusterID id.ClusterID) (*cluster.Cluster, error) {
	m := new(clusterModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", clusterID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, keystone.ErrClusterNotFound
		}
		return nil, wrap("get cluster", err)
	}
	return fromClusterModel(m)
}

func (s *Store) GetClusterByName(ctx context.Context, name string) (*cluster.Cluster, error) {
	m := new(clusterModel)
	err := s.sdb.NewSelect(m).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, keystone.ErrClusterNotFound
		}
		return nil, wrap("get cluster by name", err)
	}
	return fromClusterModel(m)
}

func (s *Store) ListClusters(ctx context.Context, opts cluster.ListOpts) ([]*cluster.Cluster, error) {
	var models []clusterModel
	q := s.sdb.NewSelect(&models)
	if opts.EnabledOnly {
		q = q.Where("enabled = ?", true)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
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
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return wrap("update cluster", err)
	}
	return affected(res, keystone.ErrClusterNotFound)
}

// ==================== Team Store ====================

func (s *Store) CreateTeam(ctx context.Context, t *team.Team) error {
	_, err := s.sdb.NewInsert(toTeamModel(t)).Exec(ctx)
	if err != nil {
		return wrap("create team", err)
	}
	return nil
}

func (s *Store) GetTeam(ctx context.Context, teamID id.TeamID) (*team.Team, error) {
	m := new(teamModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", teamID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, keystone.ErrTeamNotFound
		}
		return nil, wrap("get team", err)
	}
	return fromTeamModel(m)
}

func (s *Store) GetTeamByName(ctx context.Context, name string) (*team.Team, error) {
	m := new(teamModel)
	err := s.sdb.NewSelect(m).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, keystone.ErrTeamNotFound
		}
		return nil, wrap("get team by name", err)
	}
	return fromTeamModel(m)
}

func (s *Store) ListTeams(ctx context.Context) ([]*team.Team, error) {
	var models []teamModel
	if err := s.sdb.NewSelect(&models).OrderExpr("created_at ASC, id ASC").Scan(ctx); err != nil {
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
	res, err := s.sdb.NewUpdate(toTeamModel(t)).WherePK().Exec(ctx)
	if err != nil {
		return wrap("update team", err)
	}
	return affected(res, keystone.ErrTeamNotFound)
}

// ==================== Request Store ====================

func (s *Store) CreateRequest(ctx context.Context, r *request.Request) error {
	if err := s.exists(ctx, tableTeams, r.TeamID.String()); err != nil {
		return err
	}
	_, err := s.sdb.NewInsert(toRequestModel(r)).Exec(ctx)
	if err != nil {
		return wrap("create request", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	m := new(requestModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", requestID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, keystone.ErrRequestNotFound
		}
		return nil, wrap("get request", err)
	}
	return fromRequestModel(m)
}

func (s *Store) ListRequests(ctx context.Context, opts request.ListOpts) ([]*request.Request, error) {
	var models []requestModel
	q := s.sdb.NewSelect(&models)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		args := make([]any, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = "?"
			args[i] = string(st)
		}
		q = q.Where("status IN ("+strings.Join(placeholders, ", ")+")", args...)
	}
	if !opts.TeamID.IsNil() {
		q = q.Where("team_id = ?", opts.TeamID.String())
	}
	if !opts.ClosedAfter.IsZero() {
		q = q.Where("closed_at >= ?", opts.ClosedAfter.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

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

// UpdateRequestStatus is a compare-and-swap on the status column.
func (s *Store) UpdateRequestStatus(ctx context.Context, requestID id.RequestID, t request.Transition) error {
	var r request.Request
	t.Apply(&r)

	q := s.sdb.NewUpdate((*requestModel)(nil)).
		Set("status = ?", string(r.Status)).
		Set("updated_at = ?", r.UpdatedAt)

	if r.Reviewed != nil {
		q = q.Set("reviewed = ?", *r.Reviewed)
	}
	if r.ClosedAt != nil {
		q = q.Set("closed_at = ?", *r.ClosedAt)
	}
	res, err := q.
		Where("id = ?", requestID.String()).
		Where("status = ?", string(t.From)).
		Exec(ctx)
	if err != nil {
		return wrap("update request status", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return wrap("update request status", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return err
	}
	return keystone.ErrTransitionConflict
}

// ==================== Review Store ====================

func (s *Store) CreateReview(ctx context.Context, rv *review.Review) error {
	if err := s.exists(ctx, tableRequests, rv.RequestID.String()); err != nil {
		return err
	}
	_, err := s.sdb.NewInsert(toReviewModel(rv)).Exec(ctx)
	if err != nil {
		return wrap("create review", err)
	}
	return nil
}

// ListReviews returns reviews oldest first; reviews decided at the same
// instant keep their insertion order.
func (s *Store) ListReviews(ctx context.Context, requestID id.RequestID) ([]*review.Review, error) {
	var models []reviewModel
	err := s.sdb.NewSelect(&models).
		Where("request_id = ?", requestID.String()).
		OrderExpr("decided_at ASC, rowid ASC").
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

func (s *Store) CreateAllocations(ctx context.Context, allocs []*allocation.Allocation) error {
	if len(allocs) == 0 {
		return nil
	}
	models := make([]allocationModel, len(allocs))
	for i, a := range allocs {
		if err := s.exists(ctx, tableRequests, a.RequestID.String()); err != nil {
			return err
		}
		if err := s.exists(ctx, tableClusters, a.ClusterID.String()); err != nil {
			return err
		}
		models[i] = *toAllocationModel(a)
	}
	// A multi-row insert is one statement, so the batch lands whole or not at all.
	if _, err := s.sdb.NewInsert(&models).Exec(ctx); err != nil {
		return wrap("create allocations", err)
	}
	return nil
}

func (s *Store) GetAllocation(ctx context.Context, allocationID id.AllocationID) (*allocation.Allocation, error) {
	m := new(allocationModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", allocationID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, keystone.ErrAllocationNotFound
		}
		return nil, wrap("get allocation", err)
	}
	return fromAllocationModel(m)
}

func (s *Store) ListAllocations(ctx context.Context, opts allocation.ListOpts) ([]*allocation.Allocation, error) {
	var models []allocationModel
	q := s.sdb.NewSelect(&models)

	if !opts.RequestID.IsNil() {
		q = q.Where("request_id = ?", opts.RequestID.String())
	}
	if !opts.ClusterID.IsNil() {
		q = q.Where("cluster_id = ?", opts.ClusterID.String())
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
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
	res, err := s.sdb.NewUpdate((*allocationModel)(nil)).
		Set("awarded = ?", a.Awarded).
		Set("ceiling = ?", a.Ceiling).
		Set("final = ?", a.Final).
		Set("revision = ?", a.Revision).
		Set("updated_at = ?", a.UpdatedAt).
		Where("id = ?", a.ID.String()).
		Exec(ctx)
	if err != nil {
		return wrap("update allocation", err)
	}
	return affected(res, keystone.ErrAllocationNotFound)
}

func (s *Store) MarkAllocationSynced(ctx context.Context, allocationID id.AllocationID, revision int, at time.Time) error {
	res, err := s.sdb.NewUpdate((*allocationModel)(nil)).
		Set("synced_revision = ?", revision).
		Set("updated_at = ?", at.UTC()).
		Where("id = ?", allocationID.String()).
		Where("synced_revision < ?", revision).
		Exec(ctx)
	if err != nil {
		return wrap("mark allocation synced", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return wrap("mark allocation synced", err)
	}
	if rows > 0 {
		return nil
	}
	// Either missing, or already at or past revision.
	_, err = s.GetAllocation(ctx, allocationID)
	return err
}

// ==================== Emission Store ====================

func (s *Store) RecordEmission(ctx context.Context, e *event.Emission) error {
	res, err := s.sdb.NewInsert(toEmissionModel(e)).
		OnConflict("(key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return wrap("record emission", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return wrap("record emission", err)
	}
	if rows == 0 {
		return keystone.ErrAlreadyExists
	}
	return nil
}

func (s *Store) DeleteEmission(ctx context.Context, key string) error {
	_, err := s.sdb.NewDelete((*emissionModel)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return wrap("delete emission", err)
	}
	return nil
}

func (s *Store) ListEmissions(ctx context.Context, requestID id.RequestID) ([]*event.Emission, error) {
	var models []emissionModel
	err := s.sdb.NewSelect(&models).
		Where("request_id = ?", requestID.String()).
		OrderExpr("emitted_at ASC, key ASC").
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

// UpsertJobs writes the batch as one multi-row insert. On conflict the
// scheduler fields and updated_at are replaced; id and created_at stay.
func (s *Store) UpsertJobs(ctx context.Context, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	models := make([]jobModel, len(jobs))
	for i, j := range jobs {
		models[i] = *toJobModel(j)
	}
	_, err := s.sdb.NewInsert(&models).
		OnConflict("(cluster_id, scheduler_id) DO UPDATE").
		Set("team_id = EXCLUDED.team_id").
		Set("account = EXCLUDED.account").
		Set("name = EXCLUDED.name").
		Set("username = EXCLUDED.username").
		Set("state = EXCLUDED.state").
		Set("exit_code = EXCLUDED.exit_code").
		Set("priority = EXCLUDED.priority").
		Set("qos = EXCLUDED.qos").
		Set("partition_name = EXCLUDED.partition_name").
		Set("nodes = EXCLUDED.nodes").
		Set("tres = EXCLUDED.tres").
		Set("submit = EXCLUDED.submit").
		Set("start_time = EXCLUDED.start_time").
		Set("end_time = EXCLUDED.end_time").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return wrap("upsert jobs", err)
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.sdb.NewSelect(&models)

	if !opts.ClusterID.IsNil() {
		q = q.Where("cluster_id = ?", opts.ClusterID.String())
	}
	if !opts.TeamID.IsNil() {
		q = q.Where("team_id = ?", opts.TeamID.String())
	}
	if len(opts.States) > 0 {
		placeholders := make([]string, len(opts.States))
		args := make([]any, len(opts.States))
		for i, st := range opts.States {
			placeholders[i] = "?"
			args[i] = string(st)
		}
		q = q.Where("state IN ("+strings.Join(placeholders, ", ")+")", args...)
	}
	if !opts.SubmittedAfter.IsZero() {
		q = q.Where("submit >= ?", opts.SubmittedAfter.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("submit IS NULL, submit DESC, cluster_id ASC, scheduler_id ASC")

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

// exists returns keystone.ErrReferenceNotFound unless table has a row with
// the given id.
func (s *Store) exists(ctx context.Context, table, key string) error {
	var n int
	err := s.sdb.NewRaw(`SELECT COUNT(*) FROM `+table+` WHERE id = ?`, key).Scan(ctx, &n)
	if err != nil {
		return wrap("check reference", err)
	}
	if n == 0 {
		return keystone.ErrReferenceNotFound
	}
	return nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func affected(res rowsAffecter, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// wrap maps driver errors onto keystone sentinels.
func wrap(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("keystone/sqlite: %s: %w", op, keystone.ErrAlreadyExists)
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("keystone/sqlite: %s: %w", op, keystone.ErrReferenceNotFound)
	}
	return fmt.Errorf("keystone/sqlite: %s: %w", op, err)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	switch constraintCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	return constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

func constraintCode(err error) int {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}
