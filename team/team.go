// Package team defines research teams. A team's name doubles as the account
// name on every scheduler backend.
package team

import (
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/types"
)

// Role is a member's standing within a team.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Privileged reports whether the role may manage the team.
func (r Role) Privileged() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Member is a user's membership in a team.
type Member struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

type Team struct {
	types.Entity
	ID       id.TeamID         `json:"id"`
	Name     string            `json:"name"`
	Members  []Member          `json:"members"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Owner returns the user ID of the team owner, or "" if none is recorded.
func (t *Team) Owner() string {
	for _, m := range t.Members {
		if m.Role == RoleOwner {
			return m.UserID
		}
	}
	return ""
}

// Member returns the membership for userID.
func (t *Team) Member(userID string) (Member, bool) {
	for _, m := range t.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// SetMember adds userID with role, or changes the role of an existing member.
func (t *Team) SetMember(userID string, role Role) {
	for i := range t.Members {
		if t.Members[i].UserID == userID {
			t.Members[i].Role = role
			return
		}
	}
	t.Members = append(t.Members, Member{UserID: userID, Role: role})
}
