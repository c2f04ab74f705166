// Package cluster defines the scheduler clusters allocations are granted on.
package cluster

import (
	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/types"
)

// Cluster is a scheduler installation. Its Name is the scheduler's own cluster
// name and selects the backend used to enforce limits on it.
type Cluster struct {
	types.Entity
	ID          id.ClusterID      `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	Weights     billing.Weights   `json:"weights,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ListOpts filters cluster listings.
type ListOpts struct {
	EnabledOnly bool
}
