/*

This is a custom type for yield strategies which contains all the state needed for
risk scoring and allocation.

*/

package types

import (
	"time"
)

type StrategyID string

type ChainID string

// StrategyStatus tracks whether a strategy may receive capital.
type StrategyStatus string

const (
	StrategyActive     StrategyStatus = "active"
	StrategyDisabled   StrategyStatus = "disabled"   // taken out of rotation after repeated execution failures
	StrategyDeprecated StrategyStatus = "deprecated" // retired by the operator, existing capital unwinds only
)

type Strategy struct {
	ID                  StrategyID     `json:"id"`                    // e.g., "aave-v3-usdc-arb"
	Name                string         `json:"name"`                  // Human readable label
	Protocol            string         `json:"protocol"`              // Venue family, e.g. "aave", "curve"
	Chain               ChainID        `json:"chain"`                 // Chain the strategy settles on
	LiquidityUSD        float64        `json:"liquidity_usd"`         // Venue liquidity available to us in USD
	LiquidityCeilingUSD float64        `json:"liquidity_ceiling_usd"` // Max capital the venue can absorb; 0 means uncapped
	ExitCapable         bool           `json:"exit_capable"`          // Whether the position can be unwound on demand
	Status              StrategyStatus `json:"status"`
	DisabledReason      string         `json:"disabled_reason,omitempty"`
	RegisteredAt        time.Time      `json:"registered_at"`

	Score RiskScoreResult `json:"score"`

	// Internal state for tracking the vault's footprint in this strategy
	HasCurrentPosition     bool    `json:"-"`
	EstimatedPositionValue float64 `json:"-"` // Current value of the vault's position in USD
}

// ReturnPoint is a single periodic return observation for a strategy.
// Returns are simple per-period fractions (0.01 == 1%).
type ReturnPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Return    float64   `json:"return"`
}
