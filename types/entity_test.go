package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/keystone/types"
)

func TestEntityTimestamps(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	e := types.NewEntity(start)

	assert.Equal(t, time.UTC, e.CreatedAt.Location())
	assert.True(t, e.CreatedAt.Equal(start))
	assert.Equal(t, e.CreatedAt, e.UpdatedAt)

	later := start.Add(48 * time.Hour)
	e.Touch(later)
	assert.True(t, e.UpdatedAt.Equal(later))
	assert.True(t, e.CreatedAt.Equal(start), "touch keeps the creation time")
}
