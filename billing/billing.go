// Package billing reduces tracked-resource usage to the single billing scalar
// that scheduler limits are expressed in.
//
// A cluster carries a set of Weights (one per tracked resource, TRES in Slurm
// terms). Billable usage is the weighted sum of the per-resource usage:
//
//	billable = Σ W[resource] * U[resource]
//
// Resources without a weight contribute nothing, and a weighted resource with
// no recorded usage counts as zero. All functions in this package are pure.
package billing

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Weights maps a tracked resource name to its billing weight.
type Weights map[string]float64

// Usage maps a tracked resource name to a consumed quantity.
type Usage map[string]float64

// Normalize canonicalizes a resource name. Resource names are compared
// case-insensitively, so "CPU" and "cpu" are the same resource.
func Normalize(resource string) string {
	return strings.ToLower(strings.TrimSpace(resource))
}

// Validate checks that every resource name is non-empty and every weight is a
// finite, non-negative number.
func (w Weights) Validate() error {
	seen := make(map[string]string, len(w))
	for name, weight := range w {
		key := Normalize(name)
		if key == "" {
			return fmt.Errorf("billing: empty resource name")
		}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("billing: resource %q duplicates %q", name, prev)
		}
		seen[key] = name
		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			return fmt.Errorf("billing: weight for %q is not finite", name)
		}
		if weight < 0 {
			return fmt.Errorf("billing: weight for %q is negative", name)
		}
	}
	return nil
}

// Weight returns the weight for resource, or zero when none is configured.
func (w Weights) Weight(resource string) float64 {
	if v, ok := w[resource]; ok {
		return v
	}
	key := Normalize(resource)
	for name, v := range w {
		if Normalize(name) == key {
			return v
		}
	}
	return 0
}

// Normalized returns a copy of w keyed by normalized resource names.
func (w Weights) Normalized() Weights {
	out := make(Weights, len(w))
	for name, v := range w {
		out[Normalize(name)] = v
	}
	return out
}

// Resources returns the normalized resource names in sorted order.
func (w Weights) Resources() []string {
	out := make([]string, 0, len(w))
	for name := range w {
		out = append(out, Normalize(name))
	}
	sort.Strings(out)
	return out
}

// String renders w in the scheduler's TRESBillingWeights text form.
func (w Weights) String() string {
	n := w.Normalized()
	parts := make([]string, 0, len(n))
	for _, name := range n.Resources() {
		parts = append(parts, fmt.Sprintf("%s=%g", name, n[name]))
	}
	return strings.Join(parts, ",")
}

// Billable computes the weighted sum of usage. Negative usage quantities are
// treated as zero, so the result is never negative.
func Billable(w Weights, u Usage) float64 {
	if len(w) == 0 || len(u) == 0 {
		return 0
	}
	weights := w.Normalized()
	var total float64
	for name, qty := range u {
		if qty <= 0 {
			continue
		}
		weight := weights[Normalize(name)]
		if weight == 0 {
			continue
		}
		total += weight * qty
	}
	return total
}

// Award converts an awarded amount into billing units. An amount denominated
// in a tracked resource is scaled by that resource's weight; an amount with no
// resource is already in billing units.
func Award(w Weights, resource string, amount int64) float64 {
	if amount <= 0 {
		return 0
	}
	if Normalize(resource) == "" {
		return float64(amount)
	}
	return w.Weight(resource) * float64(amount)
}

// Units rounds a billing amount to the integral limit a scheduler enforces.
func Units(v float64) int64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Round(v))
}
