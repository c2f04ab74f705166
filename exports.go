package keystone

import (
	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/types"
)

// Re-export common types for convenience so users don't have to import the
// types and billing packages.

// Entity is re-exported from types package.
type Entity = types.Entity

// Clock is re-exported from types package.
type Clock = types.Clock

// Weights is re-exported from billing package.
type Weights = billing.Weights

// Usage is re-exported from billing package.
type Usage = billing.Usage

// Re-export constructors and calculators
var (
	NewEntity    = types.NewEntity
	SystemClock  = types.SystemClock
	Billable     = billing.Billable
	Award        = billing.Award
	ParseWeights = billing.ParseWeights
)
