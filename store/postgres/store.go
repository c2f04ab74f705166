package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

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

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("keystone/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: keystone/postgres: %w", keystone.ErrMigrationFailed, err)
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
	_, err := s.pg.NewInsert(toClusterModel(c)).Exec(ctx)
	if err != nil {
		return wrap("create cluster", err)
	}
	return nil
}

func (s *Store) GetCluster(ctx context.Context, clusterID id.ClusterID) (*cluster.Cluster, error) {
	m := new(clusterModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", clusterID.String()).
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
	err := s.pg.NewSelect(m).
		Where("name = $1", name).
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
	q := s.pg.NewSelect(&models)
	if opts.EnabledOnly {
		q = q.Where("enabled = $1", true)
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
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return wrap("update cluster", err)
	}
	return affected(res, keystone.ErrClusterNotFound)
}

// ==================== Team Store ====================

func (s *Store) CreateTeam(ctx context.Context, t *team.Team) error {
	_, err := s.pg.NewInsert(toTeamModel(t)).Exec(ctx)
	if err != nil {
		return wrap("create team", err)
	}
	return nil
}

func (s *Store) GetTeam(ctx context.Context, teamID id.TeamID) (*team.Team, error) {
	m := new(teamModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", teamID.String()).
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
	err := s.pg.NewSelect(m).
		Where("name = $1", name).
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
	if err := s.pg.NewSelect(&models).OrderExpr("created_at ASC, id ASC").Scan(ctx); err != nil {
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
	res, err := s.pg.NewUpdate(toTeamModel(t)).WherePK().Exec(ctx)
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
	_, err := s.pg.NewInsert(toRequestModel(r)).Exec(ctx)
	if err != nil {
		return wrap("create request", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	m := new(requestModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", requestID.String()).
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
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		args := make([]any, len(opts.Statuses))
		for i, st := range opts.Statuses {
			argIdx++
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args[i] = string(st)
		}
		q = q.Where("status IN ("+strings.Join(placeholders, ", ")+")", args...)
	}
	if !opts.TeamID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("team_id = $%d", argIdx), opts.TeamID.String())
	}
	if !opts.ClosedAfter.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("closed_at >= $%d", argIdx), opts.ClosedAfter.UTC())
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

	q := s.pg.NewUpdate((*requestModel)(nil)).
		Set("status = $1", string(r.Status)).
		Set("updated_at = $2", r.UpdatedAt)

	argIdx := 2
	if r.Reviewed != nil {
		argIdx++
		q = q.Set(fmt.Sprintf("reviewed = $%d", argIdx), *r.Reviewed)
	}
	if r.ClosedAt != nil {
		argIdx++
		q = q.Set(fmt.Sprintf("closed_at = $%d", argIdx), *r.ClosedAt)
	}
	res, err := q.
		Where(fmt.Sprintf("id = $%d", argIdx+1), requestID.String()).
		Where(fmt.Sprintf("status = $%d", argIdx+2), string(t.From)).
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
	_, err := s.pg.NewInsert(toReviewModel(rv)).Exec(ctx)
	if err != nil {
		return wrap("create review", err)
	}
	return nil
}

// ListReviews returns reviews oldest first; reviews decided at the same
// instant keep their insertion order.
func (s *Store) ListReviews(ctx context.Context, requestID id.RequestID) ([]*review.Review, error) {
	var models []reviewModel
	err := s.pg.NewSelect(&models).
		Where("request_id = $1", requestID.String()).
		OrderExpr("decided_at ASC, seq ASC").
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
	if _, err := s.pg.NewInsert(&models).Exec(ctx); err != nil {
		return wrap("create allocations", err)
	}
	return nil
}

func (s *Store) GetAllocation(ctx context.Context, allocationID id.AllocationID) (*allocation.Allocation, error) {
	m := new(allocationModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", allocationID.String()).
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
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if !opts.RequestID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("request_id = $%d", argIdx), opts.RequestID.String())
	}
	if !opts.ClusterID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("cluster_id = $%d", argIdx), opts.ClusterID.String())
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
	res, err := s.pg.NewUpdate((*allocationModel)(nil)).
		Set("awarded = $1", a.Awarded).
		Set("ceiling = $2", a.Ceiling).
		Set("final = $3", a.Final).
		Set("revision = $4", a.Revision).
		Set("updated_at = $5", a.UpdatedAt).
		Where("id = $6", a.ID.String()).
		Exec(ctx)
	if err != nil {
		return wrap("update allocation", err)
	}
	return affected(res, keystone.ErrAllocationNotFound)
}

func (s *Store) MarkAllocationSynced(ctx context.Context, allocationID id.AllocationID, revision int, at time.Time) error {
	res, err := s.pg.NewUpdate((*allocationModel)(nil)).
		Set("synced_revision = $1", revision).
		Set("updated_at = $2", at.UTC()).
		Where("id = $3", allocationID.String()).
		Where("synced_revision < $4", revision).
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
	res, err := s.pg.NewInsert(toEmissionModel(e)).
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
	_, err := s.pg.NewDelete((*emissionModel)(nil)).
		Where("key = $1", key).
		Exec(ctx)
	if err != nil {
		return wrap("delete emission", err)
	}
	return nil
}

func (s *Store) ListEmissions(ctx context.Context, requestID id.RequestID) ([]*event.Emission, error) {
	var models []emissionModel
	err := s.pg.NewSelect(&models).
		Where("request_id = $1", requestID.String()).
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
	_, err := s.pg.NewInsert(&models).
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
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if !opts.ClusterID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("cluster_id = $%d", argIdx), opts.ClusterID.String())
	}
	if !opts.TeamID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("team_id = $%d", argIdx), opts.TeamID.String())
	}
	if len(opts.States) > 0 {
		placeholders := make([]string, len(opts.States))
		args := make([]any, len(opts.States))
		for i, st := range opts.States {
			argIdx++
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args[i] = string(st)
		}
		q = q.Where("state IN ("+strings.Join(placeholders, ", ")+")", args...)
	}
	if !opts.SubmittedAfter.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("submit >= $%d", argIdx), opts.SubmittedAfter.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("submit DESC NULLS LAST, cluster_id ASC, scheduler_id ASC")

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
	err := s.pg.NewRaw(`SELECT COUNT(*) FROM `+table+` WHERE id = $1`, key).Scan(ctx, &n)
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
		return fmt.Errorf("keystone/postgres: %s: %w", op, keystone.ErrAlreadyExists)
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("keystone/postgres: %s: %w", op, keystone.ErrReferenceNotFound)
	}
	return fmt.Errorf("keystone/postgres: %s: %w", op, err)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	return sqlState(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return sqlState(err) == "23503"
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
