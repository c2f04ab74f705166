package request_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/keystone/request"
)

var all = []request.Status{
	request.StatusSubmitted,
	request.StatusUnderReview,
	request.StatusApproved,
	request.StatusDeclined,
	request.StatusActive,
	request.StatusExpired,
	request.StatusRevoked,
}

func TestTransitionsAreMonotonic(t *testing.T) {
	for _, from := range all {
		for _, to := range all {
			if request.CanTransition(from, to) {
				assert.Greater(t, to.Rank(), from.Rank(), "%s -> %s", from, to)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[request.Status]bool{
		request.StatusDeclined: true,
		request.StatusExpired:  true,
		request.StatusRevoked:  true,
	}
	for _, s := range all {
		assert.Equal(t, terminal[s], s.Terminal(), s)
		if terminal[s] {
			for _, to := range all {
				assert.False(t, request.CanTransition(s, to), "%s -> %s", s, to)
			}
		}
	}
	assert.False(t, request.Status("bogus").Terminal())
	assert.False(t, request.Status("bogus").Valid())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to request.Status
		want     bool
	}{
		{request.StatusSubmitted, request.StatusUnderReview, true},
		{request.StatusSubmitted, request.StatusApproved, false},
		{request.StatusUnderReview, request.StatusApproved, true},
		{request.StatusUnderReview, request.StatusActive, false},
		{request.StatusApproved, request.StatusActive, true},
		{request.StatusApproved, request.StatusDeclined, true},
		{request.StatusApproved, request.StatusUnderReview, false},
		{request.StatusActive, request.StatusExpired, true},
		{request.StatusActive, request.StatusApproved, false},
		{request.StatusActive, request.StatusDeclined, false},
		{request.StatusSubmitted, request.StatusRevoked, true},
		{request.StatusActive, request.StatusRevoked, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, request.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionApply(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r := &request.Request{Status: request.StatusUnderReview}

	request.Transition{From: request.StatusUnderReview, To: request.StatusApproved, At: at}.Apply(r)
	assert.Equal(t, request.StatusApproved, r.Status)
	if assert.NotNil(t, r.Reviewed) {
		assert.True(t, r.Reviewed.Equal(at))
	}
	assert.Nil(t, r.ClosedAt)

	request.Transition{From: request.StatusApproved, To: request.StatusRevoked, At: at.Add(time.Hour)}.Apply(r)
	if assert.NotNil(t, r.ClosedAt) {
		assert.True(t, r.ClosedAt.Equal(at.Add(time.Hour)))
	}
}

func TestDueDates(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	future := now.Add(36 * time.Hour)
	past := now.Add(-24 * time.Hour)

	approved := &request.Request{Status: request.StatusApproved}
	assert.True(t, approved.DueForActivation(now))
	approved.Active = &future
	assert.False(t, approved.DueForActivation(now))

	active := &request.Request{Status: request.StatusActive, Expire: &past}
	assert.True(t, active.DueForExpiration(now))
	assert.Equal(t, 0, active.DaysUntilExpire(now))

	active.Expire = &future
	assert.False(t, active.DueForExpiration(now))
	assert.Equal(t, 2, active.DaysUntilExpire(now))

	active.Expire = nil
	assert.False(t, active.DueForExpiration(now))
	assert.Equal(t, -1, active.DaysUntilExpire(now))
}
