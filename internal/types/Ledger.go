/*

This file contains the vault ledger state types: user positions, pending
withdrawals, snapshots, and execution receipts.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// VaultStatus is the vault ledger state machine position.
type VaultStatus string

const (
	VaultActive            VaultStatus = "active"
	VaultRebalancing       VaultStatus = "rebalancing"
	VaultEmergencyShutdown VaultStatus = "emergency_shutdown"
)

// UserPosition is one depositor's stake in the vault, denominated in shares.
type UserPosition struct {
	Owner       string            `json:"owner"`
	Shares      sdkmath.LegacyDec `json:"shares"`
	CostBasis   sdkmath.LegacyDec `json:"cost_basis"`   // Net assets contributed, for profit reporting
	LockedUntil time.Time         `json:"locked_until"` // Withdrawals before this incur the early withdrawal penalty
	DepositedAt time.Time         `json:"deposited_at"`
}

// PendingWithdrawal is an in-flight asynchronous withdrawal. At most one per
// owner may exist at a time.
type PendingWithdrawal struct {
	ID             string            `json:"id"`
	Owner          string            `json:"owner"`
	Shares         sdkmath.LegacyDec `json:"shares"`
	EstimatedValue sdkmath.LegacyDec `json:"estimated_value"` // Net value at request time, final payout settles at completion
	PenaltyBps     uint64            `json:"penalty_bps"`     // Fee rate frozen at request time
	RequestedAt    time.Time         `json:"requested_at"`
}

// VaultSnapshot is the full accounting state of the vault at a point in time.
// The consistency invariant is TotalAssets() == Cash + sum(Deployed) + InTransit.
type VaultSnapshot struct {
	VaultID        string                        `json:"vault_id"`
	Status         VaultStatus                   `json:"status"`
	TotalShares    sdkmath.LegacyDec             `json:"total_shares"`
	Cash           sdkmath.LegacyDec             `json:"cash"`
	Deployed       map[StrategyID]sdkmath.LegacyDec `json:"deployed"`
	InTransit      sdkmath.LegacyDec             `json:"in_transit"`
	FeeAccumulator sdkmath.LegacyDec             `json:"fee_accumulator"` // Collected fees awaiting treasury sweep, excluded from assets
	HarvestEpoch   uint64                        `json:"harvest_epoch"`
	LifetimeProfit sdkmath.LegacyDec             `json:"lifetime_profit"`
	PlanID         string                        `json:"plan_id"` // Allocation plan currently in force
	Timestamp      time.Time                     `json:"timestamp"`
}

// TotalAssets returns cash plus deployed plus in-transit capital.
func (s VaultSnapshot) TotalAssets() sdkmath.LegacyDec {
	total := s.Cash.Add(s.InTransit)
	for _, amount := range s.Deployed {
		total = total.Add(amount)
	}
	return total
}

// SharePrice returns assets per share, or one when no shares exist.
func (s VaultSnapshot) SharePrice() sdkmath.LegacyDec {
	if s.TotalShares.IsZero() {
		return sdkmath.LegacyOneDec()
	}
	return s.TotalAssets().Quo(s.TotalShares)
}

// ExecutionReceipt reports the settled outcome of a single strategy move.
type ExecutionReceipt struct {
	StrategyID StrategyID        `json:"strategy_id"`
	Amount     sdkmath.LegacyDec `json:"amount"` // Amount actually moved, may differ from requested
	TxRef      string            `json:"tx_ref"` // Venue-side reference, opaque to the ledger
}

// HarvestReceipt reports yield collected from a single strategy.
type HarvestReceipt struct {
	StrategyID StrategyID        `json:"strategy_id"`
	Yield      sdkmath.LegacyDec `json:"yield"`
	TxRef      string            `json:"tx_ref"`
}
