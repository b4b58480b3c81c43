/*

This file contains the allocation plan type produced by the allocator and
consumed by the vault ledger and scheduler.

*/

package types

import (
	"time"
)

// AllocationPlan is an immutable set of target weights over strategies.
// Weights are fractions of total vault assets and sum to exactly 1.0, or to
// 0.0 for an all-cash plan. A plan is never edited in place; a replacement
// plan supersedes it.
type AllocationPlan struct {
	ID         string                 `json:"id"`
	CreatedAt  time.Time              `json:"created_at"`
	Weights    map[StrategyID]float64 `json:"weights"`
	Emergency  bool                   `json:"emergency"` // Produced under emergency shutdown rules
	Superseded bool                   `json:"superseded"`
}

// Weight returns the target weight for a strategy, zero when absent.
func (p AllocationPlan) Weight(id StrategyID) float64 {
	return p.Weights[id]
}

// TotalWeight sums all target weights.
func (p AllocationPlan) TotalWeight() float64 {
	total := 0.0
	for _, w := range p.Weights {
		total += w
	}
	return total
}
