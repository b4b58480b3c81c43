package vault

import (
	"context"

	sdkmath "cosmossdk.io/math"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// ExecutionPort defines the interface for moving vault capital in and out of
// yield strategies. It abstracts away the venue specifics (contract calls,
// signing, protocol adapters), allowing for different implementations (live,
// simulation, test double). All amounts are in the vault's base asset.
type ExecutionPort interface {
	// Deploy pushes capital into a strategy. The receipt reports the amount
	// actually deployed, which may be less than requested.
	Deploy(ctx context.Context, strategyID types.StrategyID, amount sdkmath.LegacyDec) (types.ExecutionReceipt, error)

	// Withdraw pulls capital out of a strategy back to vault cash.
	Withdraw(ctx context.Context, strategyID types.StrategyID, amount sdkmath.LegacyDec) (types.ExecutionReceipt, error)

	// Harvest collects accrued yield from a strategy without touching the
	// principal.
	Harvest(ctx context.Context, strategyID types.StrategyID) (types.HarvestReceipt, error)
}

// Store persists the full accounting state of one vault. Each operation's
// state delta is written through as a single atomic unit before the operation
// is considered committed.
type Store interface {
	SaveState(snapshot types.VaultSnapshot, positions []types.UserPosition, pending []types.PendingWithdrawal) error

	// LoadState returns the latest persisted state. A vault that was never
	// persisted returns an empty snapshot with no error.
	LoadState(vaultID string) (types.VaultSnapshot, []types.UserPosition, []types.PendingWithdrawal, error)
}
