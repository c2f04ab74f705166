package id_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/keystone/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
		prefix  string
	}{
		{"ClusterID", id.NewClusterID, id.ParseClusterID, "cls_"},
		{"TeamID", id.NewTeamID, id.ParseTeamID, "team_"},
		{"RequestID", id.NewRequestID, id.ParseRequestID, "areq_"},
		{"ReviewID", id.NewReviewID, id.ParseReviewID, "arev_"},
		{"AllocationID", id.NewAllocationID, id.ParseAllocationID, "alloc_"},
		{"EventID", id.NewEventID, id.ParseEventID, "evt_"},
		{"JobID", id.NewJobID, id.ParseJobID, "job_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			assert.True(t, strings.HasPrefix(original.String(), tt.prefix), original.String())

			parsed, err := tt.parseFn(original.String())
			require.NoError(t, err)
			assert.Equal(t, original.String(), parsed.String())
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	_, err := id.ParseRequestID(id.NewAllocationID().String())
	assert.Error(t, err)

	_, err = id.ParseClusterID(id.NewTeamID().String())
	assert.Error(t, err)

	_, err = id.ParseWithPrefix(id.NewReviewID().String(), id.PrefixRequest)
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	_, err := id.Parse("")
	assert.Error(t, err)
}

func TestNilID(t *testing.T) {
	var i id.ID
	assert.True(t, i.IsNil())
	assert.Empty(t, i.String())
	assert.Empty(t, string(i.Prefix()))

	v, err := i.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTextRoundTrip(t *testing.T) {
	original := id.NewRequestID()
	data, err := original.MarshalText()
	require.NoError(t, err)

	var restored id.ID
	require.NoError(t, restored.UnmarshalText(data))
	assert.Equal(t, original.String(), restored.String())

	var empty id.ID
	require.NoError(t, empty.UnmarshalText(nil))
	assert.True(t, empty.IsNil())
}

func TestScan(t *testing.T) {
	original := id.NewTeamID()

	var fromString id.ID
	require.NoError(t, fromString.Scan(original.String()))
	assert.Equal(t, original.String(), fromString.String())

	var fromBytes id.ID
	require.NoError(t, fromBytes.Scan([]byte(original.String())))
	assert.Equal(t, original.String(), fromBytes.String())

	var fromNil id.ID
	require.NoError(t, fromNil.Scan(nil))
	assert.True(t, fromNil.IsNil())

	var bad id.ID
	assert.Error(t, bad.Scan(42))
}
