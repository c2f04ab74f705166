package mongo

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
	"github.com/xraph/keystone/team"
	"github.com/xraph/keystone/types"
)

// ==================== Cluster models ====================

type clusterModel struct {
	grove.BaseModel `grove:"table:keystone_clusters"`

	ID          string             `grove:"id,pk"       bson:"_id"`
	Name        string             `grove:"name"        bson:"name"`
	Description string             `grove:"description" bson:"description"`
	Enabled     bool               `grove:"enabled"     bson:"enabled"`
	Weights     map[string]float64 `grove:"weights"     bson:"weights,omitempty"`
	Metadata    map[string]string  `grove:"metadata"    bson:"metadata,omitempty"`
	CreatedAt   time.Time          `grove:"created_at"  bson:"created_at"`
	UpdatedAt   time.Time          `grove:"updated_at"  bson:"updated_at"`
}

func toClusterModel(c *cluster.Cluster) *clusterModel {
	return &clusterModel{
		ID:          c.ID.String(),
		Name:        c.Name,
		Description: c.Description,
		Enabled:     c.Enabled,
		Weights:     c.Weights,
		Metadata:    c.Metadata,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func fromClusterModel(m *clusterModel) (*cluster.Cluster, error) {
	clusterID, err := id.ParseClusterID(m.ID)
	if err != nil {
		return nil, err
	}

	return &cluster.Cluster{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          clusterID,
		Name:        m.Name,
		Description: m.Description,
		Enabled:     m.Enabled,
		Weights:     m.Weights,
		Metadata:    m.Metadata,
	}, nil
}

// ==================== Team models ====================

type teamModel struct {
	grove.BaseModel `grove:"table:keystone_teams"`

	ID        string            `grove:"id,pk"      bson:"_id"`
	Name      string            `grove:"name"       bson:"name"`
	Members   []memberModel     `grove:"members"    bson:"members"`
	Metadata  map[string]string `grove:"metadata"   bson:"metadata,omitempty"`
	CreatedAt time.Time         `grove:"created_at" bson:"created_at"`
	UpdatedAt time.Time         `grove:"updated_at" bson:"updated_at"`
}

type memberModel struct {
	UserID string `bson:"user_id"`
	Role   string `bson:"role"`
}

func toTeamModel(t *team.Team) *teamModel {
	members := make([]memberModel, len(t.Members))
	for i, m := range t.Members {
		members[i] = memberModel{UserID: m.UserID, Role: string(m.Role)}
	}

	return &teamModel{
		ID:        t.ID.String(),
		Name:      t.Name,
		Members:   members,
		Metadata:  t.Metadata,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func fromTeamModel(m *teamModel) (*team.Team, error) {
	teamID, err := id.ParseTeamID(m.ID)
	if err != nil {
		return nil, err
	}

	members := make([]team.Member, len(m.Members))
	for i, mm := range m.Members {
		members[i] = team.Member{UserID: mm.UserID, Role: team.Role(mm.Role)}
	}

	return &team.Team{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:       teamID,
		Name:     m.Name,
		Members:  members,
		Metadata: m.Metadata,
	}, nil
}

// ==================== Request models ====================

type requestModel struct {
	grove.BaseModel `grove:"table:keystone_requests"`

	ID          string            `grove:"id,pk"       bson:"_id"`
	TeamID      string            `grove:"team_id"     bson:"team_id"`
	Title       string            `grove:"title"       bson:"title"`
	Description string            `grove:"description" bson:"description"`
	Status      string            `grove:"status"      bson:"status"`
	Asks        []askModel        `grove:"asks"        bson:"asks"`
	Assignees   []string          `grove:"assignees"   bson:"assignees,omitempty"`
	Submitted   time.Time         `grove:"submitted"   bson:"submitted"`
	Reviewed    *time.Time        `grove:"reviewed"    bson:"reviewed,omitempty"`
	Active      *time.Time        `grove:"active"      bson:"active,omitempty"`
	Expire      *time.Time        `grove:"expire"      bson:"expire,omitempty"`
	ClosedAt    *time.Time        `grove:"closed_at"   bson:"closed_at,omitempty"`
	Metadata    map[string]string `grove:"metadata"    bson:"metadata,omitempty"`
	CreatedAt   time.Time         `grove:"created_at"  bson:"created_at"`
	UpdatedAt   time.Time         `grove:"updated_at"  bson:"updated_at"`
}

type askModel struct {
	ClusterID string `bson:"cluster_id"`
	Resource  string `bson:"resource,omitempty"`
	Amount    int64  `bson:"amount"`
}

func toRequestModel(r *request.Request) *requestModel {
	asks := make([]askModel, len(r.Asks))
	for i, a := range r.Asks {
		asks[i] = askModel{ClusterID: a.ClusterID.String(), Resource: a.Resource, Amount: a.Amount}
	}

	return &requestModel{
		ID:          r.ID.String(),
		TeamID:      r.TeamID.String(),
		Title:       r.Title,
		Description: r.Description,
		Status:      string(r.Status),
		Asks:        asks,
		Assignees:   r.Assignees,
		Submitted:   r.Submitted,
		Reviewed:    r.Reviewed,
		Active:      r.Active,
		Expire:      r.Expire,
		ClosedAt:    r.ClosedAt,
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromRequestModel(m *requestModel) (*request.Request, error) {
	requestID, err := id.ParseRequestID(m.ID)
	if err != nil {
		return nil, err
	}
	teamID, err := id.ParseTeamID(m.TeamID)
	if err != nil {
		return nil, err
	}

	asks := make([]request.Ask, len(m.Asks))
	for i, a := range m.Asks {
		clusterID, err := id.ParseClusterID(a.ClusterID)
		if err != nil {
			return nil, err
		}
		asks[i] = request.Ask{ClusterID: clusterID, Resource: a.Resource, Amount: a.Amount}
	}

	return &request.Request{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          requestID,
		TeamID:      teamID,
		Title:       m.Title,
		Description: m.Description,
		Status:      request.Status(m.Status),
		Asks:        asks,
		Assignees:   m.Assignees,
		Submitted:   m.Submitted,
		Reviewed:    m.Reviewed,
		Active:      m.Active,
		Expire:      m.Expire,
		ClosedAt:    m.ClosedAt,
		Metadata:    m.Metadata,
	}, nil
}

// ==================== Review models ====================

type reviewModel struct {
	grove.BaseModel `grove:"table:keystone_reviews"`

	ID              string    `grove:"id,pk"            bson:"_id"`
	RequestID       string    `grove:"request_id"       bson:"request_id"`
	ReviewerID      string    `grove:"reviewer_id"      bson:"reviewer_id"`
	Status          string    `grove:"status"           bson:"status"`
	PublicComments  string    `grove:"public_comments"  bson:"public_comments,omitempty"`
	PrivateComments string    `grove:"private_comments" bson:"private_comments,omitempty"`
	DecidedAt       time.Time `grove:"decided_at"       bson:"decided_at"`
	CreatedAt       time.Time `grove:"created_at"       bson:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"       bson:"updated_at"`
}

func toReviewModel(rv *review.Review) *reviewModel {
	return &reviewModel{
		ID:              rv.ID.String(),
		RequestID:       rv.RequestID.String(),
		ReviewerID:      rv.ReviewerID,
		Status:          string(rv.Status),
		PublicComments:  rv.PublicComments,
		PrivateComments: rv.PrivateComments,
		DecidedAt:       rv.DecidedAt,
		CreatedAt:       rv.CreatedAt,
		UpdatedAt:       rv.UpdatedAt,
	}
}

func fromReviewModel(m *reviewModel) (*review.Review, error) {
	reviewID, err := id.ParseReviewID(m.ID)
	if err != nil {
		return nil, err
	}
	requestID, err := id.ParseRequestID(m.RequestID)
	if err != nil {
		return nil, err
	}

	return &review.Review{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              reviewID,
		RequestID:       requestID,
		ReviewerID:      m.ReviewerID,
		Status:          review.Status(m.Status),
		PublicComments:  m.PublicComments,
		PrivateComments: m.PrivateComments,
		DecidedAt:       m.DecidedAt,
	}, nil
}

// ==================== Allocation models ====================

type allocationModel struct {
	grove.BaseModel `grove:"table:keystone_allocations"`

	ID             string    `grove:"id,pk"           bson:"_id"`
	RequestID      string    `grove:"request_id"      bson:"request_id"`
	ClusterID      string    `grove:"cluster_id"      bson:"cluster_id"`
	Resource       string    `grove:"resource"        bson:"resource,omitempty"`
	Requested      int64     `grove:"requested"       bson:"requested"`
	Awarded        int64     `grove:"awarded"         bson:"awarded"`
	Ceiling        int64     `grove:"ceiling"         bson:"ceiling"`
	Final          *int64    `grove:"final"           bson:"final"`
	Revision       int       `grove:"revision"        bson:"revision"`
	SyncedRevision int       `grove:"synced_revision" bson:"synced_revision"`
	CreatedAt      time.Time `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"      bson:"updated_at"`
}

func toAllocationModel(a *allocation.Allocation) *allocationModel {
	return &allocationModel{
		ID:             a.ID.String(),
		RequestID:      a.RequestID.String(),
		ClusterID:      a.ClusterID.String(),
		Resource:       a.Resource,
		Requested:      a.Requested,
		Awarded:        a.Awarded,
		Ceiling:        a.Ceiling,
		Final:          a.Final,
		Revision:       a.Revision,
		SyncedRevision: a.SyncedRevision,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func fromAllocationModel(m *allocationModel) (*allocation.Allocation, error) {
	allocationID, err := id.ParseAllocationID(m.ID)
	if err != nil {
		return nil, err
	}
	requestID, err := id.ParseRequestID(m.RequestID)
	if err != nil {
		return nil, err
	}
	clusterID, err := id.ParseClusterID(m.ClusterID)
	if err != nil {
		return nil, err
	}

	return &allocation.Allocation{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             allocationID,
		RequestID:      requestID,
		ClusterID:      clusterID,
		Resource:       m.Resource,
		Requested:      m.Requested,
		Awarded:        m.Awarded,
		Ceiling:        m.Ceiling,
		Final:          m.Final,
		Revision:       m.Revision,
		SyncedRevision: m.SyncedRevision,
	}, nil
}

// ==================== Emission models ====================

type emissionModel struct {
	grove.BaseModel `grove:"table:keystone_emissions"`

	Key       string    `grove:"key,pk"     bson:"_id"`
	EventID   string    `grove:"event_id"   bson:"event_id"`
	RequestID string    `grove:"request_id" bson:"request_id"`
	Type      string    `grove:"type"       bson:"type"`
	Threshold int       `grove:"threshold"  bson:"threshold"`
	EmittedAt time.Time `grove:"emitted_at" bson:"emitted_at"`
}

func toEmissionModel(e *event.Emission) *emissionModel {
	return &emissionModel{
		Key:       e.Key,
		EventID:   e.EventID.String(),
		RequestID: e.RequestID.String(),
		Type:      string(e.Type),
		Threshold: e.Threshold,
		EmittedAt: e.EmittedAt,
	}
}

func fromEmissionModel(m *emissionModel) (*event.Emission, error) {
	eventID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return nil, err
	}
	requestID, err := id.ParseRequestID(m.RequestID)
	if err != nil {
		return nil, err
	}

	return &event.Emission{
		Key:       m.Key,
		EventID:   eventID,
		RequestID: requestID,
		Type:      event.Type(m.Type),
		Threshold: m.Threshold,
		EmittedAt: m.EmittedAt,
	}, nil
}

// ==================== Job models ====================

type jobModel struct {
	grove.BaseModel `grove:"table:keystone_jobs"`

	ID          string     `grove:"id,pk"          bson:"_id"`
	ClusterID   string     `grove:"cluster_id"     bson:"cluster_id"`
	SchedulerID string     `grove:"scheduler_id"   bson:"scheduler_id"`
	TeamID      string     `grove:"team_id"        bson:"team_id"`
	Account     string     `grove:"account"        bson:"account"`
	Name        string     `grove:"name"           bson:"name"`
	User        string     `grove:"username"       bson:"username"`
	State       string     `grove:"state"          bson:"state"`
	ExitCode    string     `grove:"exit_code"      bson:"exit_code"`
	Priority    int64      `grove:"priority"       bson:"priority"`
	QOS         string     `grove:"qos"            bson:"qos"`
	Partition   string     `grove:"partition_name" bson:"partition_name"`
	Nodes       int        `grove:"nodes"          bson:"nodes"`
	TRES        string     `grove:"tres"           bson:"tres"`
	Submit      *time.Time `grove:"submit"         bson:"submit,omitempty"`
	Start       *time.Time `grove:"start_time"     bson:"start_time,omitempty"`
	End         *time.Time `grove:"end_time"       bson:"end_time,omitempty"`
	CreatedAt   time.Time  `grove:"created_at"     bson:"created_at"`
	UpdatedAt   time.Time  `grove:"updated_at"     bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:          j.ID.String(),
		ClusterID:   j.ClusterID.String(),
		SchedulerID: j.SchedulerID,
		TeamID:      j.TeamID.String(),
		Account:     j.Account,
		Name:        j.Name,
		User:        j.User,
		State:       string(j.State),
		ExitCode:    j.ExitCode,
		Priority:    j.Priority,
		QOS:         j.QOS,
		Partition:   j.Partition,
		Nodes:       j.Nodes,
		TRES:        j.TRES,
		Submit:      j.Submit,
		Start:       j.Start,
		End:         j.End,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	jobID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, err
	}
	clusterID, err := id.ParseClusterID(m.ClusterID)
	if err != nil {
		return nil, err
	}
	var teamID id.TeamID
	if m.TeamID != "" {
		if teamID, err = id.ParseTeamID(m.TeamID); err != nil {
			return nil, err
		}
	}

	return &job.Job{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          jobID,
		ClusterID:   clusterID,
		SchedulerID: m.SchedulerID,
		TeamID:      teamID,
		Account:     m.Account,
		Name:        m.Name,
		User:        m.User,
		State:       job.State(m.State),
		ExitCode:    m.ExitCode,
		Priority:    m.Priority,
		QOS:         m.QOS,
		Partition:   m.Partition,
		Nodes:       m.Nodes,
		TRES:        m.TRES,
		Submit:      m.Submit,
		Start:       m.Start,
		End:         m.End,
	}, nil
}
