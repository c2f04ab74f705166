package postgres

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/billing"
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

	ID          string            `grove:"id,pk"`
	Name        string            `grove:"name"`
	Description string            `grove:"description"`
	Enabled     bool              `grove:"enabled"`
	Weights     json.RawMessage   `grove:"weights,type:jsonb"`
	Metadata    map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt   time.Time         `grove:"created_at"`
	UpdatedAt   time.Time         `grove:"updated_at"`
}

func toClusterModel(c *cluster.Cluster) *clusterModel {
	weights, _ := json.Marshal(c.Weights) //nolint:errcheck // map of floats

	return &clusterModel{
		ID:          c.ID.String(),
		Name:        c.Name,
		Description: c.Description,
		Enabled:     c.Enabled,
		Weights:     weights,
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

	var weights billing.Weights
	if len(m.Weights) > 0 && string(m.Weights) != "null" {
		if err := json.Unmarshal(m.Weights, &weights); err != nil {
			return nil, err
		}
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
		Weights:     weights,
		Metadata:    m.Metadata,
	}, nil
}

// ==================== Team models ====================

type teamModel struct {
	grove.BaseModel `grove:"table:keystone_teams"`

	ID        string            `grove:"id,pk"`
	Name      string            `grove:"name"`
	Members   json.RawMessage   `grove:"members,type:jsonb"`
	Metadata  map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt time.Time         `grove:"created_at"`
	UpdatedAt time.Time         `grove:"updated_at"`
}

func toTeamModel(t *team.Team) *teamModel {
	members, _ := json.Marshal(t.Members) //nolint:errcheck // plain structs

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

	var members []team.Member
	if len(m.Members) > 0 {
		if err := json.Unmarshal(m.Members, &members); err != nil {
			return nil, err
		}
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

	ID          string            `grove:"id,pk"`
	TeamID      string            `grove:"team_id"`
	Title       string            `grove:"title"`
	Description string            `grove:"description"`
	Status      string            `grove:"status"`
	Asks        json.RawMessage   `grove:"asks,type:jsonb"`
	Assignees   json.RawMessage   `grove:"assignees,type:jsonb"`
	Submitted   time.Time         `grove:"submitted"`
	Reviewed    *time.Time        `grove:"reviewed"`
	Active      *time.Time        `grove:"active"`
	Expire      *time.Time        `grove:"expire"`
	ClosedAt    *time.Time        `grove:"closed_at"`
	Metadata    map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt   time.Time         `grove:"created_at"`
	UpdatedAt   time.Time         `grove:"updated_at"`
}

// askModel keeps the stored JSON independent of request.Ask's tags.
type askModel struct {
	ClusterID string `json:"cluster_id"`
	Resource  string `json:"resource,omitempty"`
	Amount    int64  `json:"amount"`
}

func toRequestModel(r *request.Request) *requestModel {
	asks := make([]askModel, len(r.Asks))
	for i, a := range r.Asks {
		asks[i] = askModel{ClusterID: a.ClusterID.String(), Resource: a.Resource, Amount: a.Amount}
	}
	asksJSON, _ := json.Marshal(asks)          //nolint:errcheck // plain structs
	assignees, _ := json.Marshal(r.Assignees) //nolint:errcheck // strings

	return &requestModel{
		ID:          r.ID.String(),
		TeamID:      r.TeamID.String(),
		Title:       r.Title,
		Description: r.Description,
		Status:      string(r.Status),
		Asks:        asksJSON,
		Assignees:   assignees,
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

	var stored []askModel
	if len(m.Asks) > 0 {
		if err := json.Unmarshal(m.Asks, &stored); err != nil {
			return nil, err
		}
	}
	asks := make([]request.Ask, len(stored))
	for i, a := range stored {
		clusterID, err := id.ParseClusterID(a.ClusterID)
		if err != nil {
			return nil, err
		}
		asks[i] = request.Ask{ClusterID: clusterID, Resource: a.Resource, Amount: a.Amount}
	}

	var assignees []string
	if len(m.Assignees) > 0 && string(m.Assignees) != "null" {
		if err := json.Unmarshal(m.Assignees, &assignees); err != nil {
			return nil, err
		}
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
		Assignees:   assignees,
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

	ID              string    `grove:"id,pk"`
	RequestID       string    `grove:"request_id"`
	ReviewerID      string    `grove:"reviewer_id"`
	Status          string    `grove:"status"`
	PublicComments  string    `grove:"public_comments"`
	PrivateComments string    `grove:"private_comments"`
	DecidedAt       time.Time `grove:"decided_at"`
	CreatedAt       time.Time `grove:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"`
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

	ID             string    `grove:"id,pk"`
	RequestID      string    `grove:"request_id"`
	ClusterID      string    `grove:"cluster_id"`
	Resource       string    `grove:"resource"`
	Requested      int64     `grove:"requested"`
	Awarded        int64     `grove:"awarded"`
	Ceiling        int64     `grove:"ceiling"`
	Final          *int64    `grove:"final"`
	Revision       int       `grove:"revision"`
	SyncedRevision int       `grove:"synced_revision"`
	CreatedAt      time.Time `grove:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"`
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

	Key       string    `grove:"key,pk"`
	EventID   string    `grove:"event_id"`
	RequestID string    `grove:"request_id"`
	Type      string    `grove:"type"`
	Threshold int       `grove:"threshold"`
	EmittedAt time.Time `grove:"emitted_at"`
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

	ID          string     `grove:"id,pk"`
	ClusterID   string     `grove:"cluster_id"`
	SchedulerID string     `grove:"scheduler_id"`
	TeamID      string     `grove:"team_id"`
	Account     string     `grove:"account"`
	Name        string     `grove:"name"`
	User        string     `grove:"username"`
	State       string     `grove:"state"`
	ExitCode    string     `grove:"exit_code"`
	Priority    int64      `grove:"priority"`
	QOS         string     `grove:"qos"`
	Partition   string     `grove:"partition_name"`
	Nodes       int        `grove:"nodes"`
	TRES        string     `grove:"tres"`
	Submit      *time.Time `grove:"submit"`
	Start       *time.Time `grove:"start_time"`
	End         *time.Time `grove:"end_time"`
	CreatedAt   time.Time  `grove:"created_at"`
	UpdatedAt   time.Time  `grove:"updated_at"`
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
