package bridge

import (
	"context"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// Client abstracts the bridge backend that actually moves capital between
// chains. Implementations wrap a relayer, a lock-and-mint contract pair, or a
// test double; the coordinator never sees chain RPC details.
type Client interface {
	// SubmitTransfer hands the transfer to the backend. On acceptance it
	// returns the backend's reference for the transfer and the block height
	// it was included at. A rejection is returned as an error; the
	// coordinator decides whether it is retryable.
	SubmitTransfer(ctx context.Context, transfer types.BridgeTransfer) (clientRef string, submittedBlock uint64, err error)

	// ConfirmationCount reports how many blocks have been built on top of the
	// submitted transfer.
	ConfirmationCount(ctx context.Context, clientRef string) (uint64, error)

	// Refund asks the backend to return the locked amount to the source
	// account of a failed transfer.
	Refund(ctx context.Context, clientRef string) error
}

// TransferStore persists transfer state transitions. Every mutation the
// coordinator makes is written through before the in-memory state is
// considered settled.
type TransferStore interface {
	SaveTransfer(transfer types.BridgeTransfer) error
	LoadOpenTransfers(vaultID string) ([]types.BridgeTransfer, error)
}
