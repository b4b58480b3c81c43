/*

This file contains the cross-chain transfer types tracked by the bridge
coordinator.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// TransferStatus is the bridge transfer state machine position.
//
// Initiated -> Submitted -> PendingConfirmation -> Confirmed
// Submitted and PendingConfirmation may move to Failed (rejection, timeout,
// retry exhaustion). Failed may be retried back to Submitted while attempts
// remain, or administratively resolved to Refunded.
type TransferStatus string

const (
	TransferInitiated           TransferStatus = "initiated"
	TransferSubmitted           TransferStatus = "submitted"
	TransferPendingConfirmation TransferStatus = "pending_confirmation"
	TransferConfirmed           TransferStatus = "confirmed"
	TransferFailed              TransferStatus = "failed"
	TransferRefunded            TransferStatus = "refunded"
)

// Terminal reports whether no further transitions are possible.
func (s TransferStatus) Terminal() bool {
	return s == TransferConfirmed || s == TransferRefunded
}

// TransferDirection distinguishes capital leaving the vault for a strategy
// from capital returning to the vault.
type TransferDirection string

const (
	TransferOutbound TransferDirection = "outbound" // vault cash -> strategy chain
	TransferInbound  TransferDirection = "inbound"  // strategy chain -> vault cash
)

// BridgeTransfer is one cross-chain capital movement. Amount stays counted as
// in-transit by the vault ledger until the transfer reaches Confirmed or
// Refunded.
type BridgeTransfer struct {
	ID             string            `json:"id"`
	VaultID        string            `json:"vault_id"`
	StrategyID     StrategyID        `json:"strategy_id"`
	Direction      TransferDirection `json:"direction"`
	SourceChain    ChainID           `json:"source_chain"`
	DestChain      ChainID           `json:"dest_chain"`
	Amount         sdkmath.LegacyDec `json:"amount"` // Gross amount leaving the source chain
	Fee            sdkmath.LegacyDec `json:"fee"`    // Bridge fee deducted from Amount on arrival
	Status         TransferStatus    `json:"status"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Attempts       int               `json:"attempts"`
	SubmittedBlock uint64            `json:"submitted_block"`
	Confirmations  uint64            `json:"confirmations"`
	ClientRef      string            `json:"client_ref"` // Bridge backend reference for the submitted transfer
	InitiatedAt    time.Time         `json:"initiated_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Deadline       time.Time         `json:"deadline"` // Not Confirmed by this time forces Failed
	ConfirmedAt    time.Time         `json:"confirmed_at,omitempty"`
}

// NetAmount is the amount credited on the destination chain after the fee.
func (t BridgeTransfer) NetAmount() sdkmath.LegacyDec {
	return t.Amount.Sub(t.Fee)
}

// TransferResolution is published to subscribers when a transfer reaches a
// settled outcome the vault ledger must account for.
type TransferResolution struct {
	TransferID string            `json:"transfer_id"`
	VaultID    string            `json:"vault_id"`
	StrategyID StrategyID        `json:"strategy_id"`
	Direction  TransferDirection `json:"direction"`
	Status     TransferStatus    `json:"status"` // Confirmed, Failed, or Refunded
	NetAmount  sdkmath.LegacyDec `json:"net_amount"`
	Reason     string            `json:"reason,omitempty"`
}

// BridgeStats is the aggregate view served by the web API and metrics.
type BridgeStats struct {
	Counts                  map[TransferStatus]int `json:"counts"`
	TotalVolume             sdkmath.LegacyDec      `json:"total_volume"`
	MeanConfirmationSeconds float64                `json:"mean_confirmation_seconds"`
	SuccessRate             float64                `json:"success_rate"` // Confirmed over all terminal plus failed
}
