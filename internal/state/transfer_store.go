// ./internal/state/transfer_store.go
package state

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// TransferStore persists bridge transfers through the shared connection pool.
// It satisfies the bridge package's TransferStore interface.
type TransferStore struct{}

func NewTransferStore() *TransferStore {
	return &TransferStore{}
}

// SaveTransfer upserts one transfer record keyed by its ID.
func (s *TransferStore) SaveTransfer(t types.BridgeTransfer) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	stmt := `
		INSERT INTO bridge_transfers (
			id, vault_id, strategy_id, direction, source_chain, dest_chain,
			amount, fee, status, failure_reason, attempts, submitted_block,
			confirmations, client_ref, initiated_at, updated_at, deadline, confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			fee = EXCLUDED.fee,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			attempts = EXCLUDED.attempts,
			submitted_block = EXCLUDED.submitted_block,
			confirmations = EXCLUDED.confirmations,
			client_ref = EXCLUDED.client_ref,
			updated_at = EXCLUDED.updated_at,
			deadline = EXCLUDED.deadline,
			confirmed_at = EXCLUDED.confirmed_at;`

	var confirmedAt interface{}
	if !t.ConfirmedAt.IsZero() {
		confirmedAt = t.ConfirmedAt
	}

	_, err := DB.Exec(stmt,
		t.ID, t.VaultID, string(t.StrategyID), string(t.Direction),
		string(t.SourceChain), string(t.DestChain),
		t.Amount.String(), t.Fee.String(), string(t.Status), t.FailureReason,
		t.Attempts, t.SubmittedBlock, t.Confirmations, t.ClientRef,
		t.InitiatedAt, t.UpdatedAt, t.Deadline, confirmedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bridge transfer %s: %w", t.ID, err)
	}
	return nil
}

// LoadOpenTransfers returns every transfer for the vault that has not yet
// reached a terminal state.
func (s *TransferStore) LoadOpenTransfers(vaultID string) ([]types.BridgeTransfer, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT id, strategy_id, direction, source_chain, dest_chain,
		       amount, fee, status, failure_reason, attempts, submitted_block,
		       confirmations, client_ref, initiated_at, updated_at, deadline
		FROM bridge_transfers
		WHERE vault_id = $1 AND status NOT IN ($2, $3)
		ORDER BY initiated_at;`

	rows, err := DB.Query(query, vaultID,
		string(types.TransferConfirmed), string(types.TransferRefunded))
	if err != nil {
		return nil, fmt.Errorf("failed to query open transfers: %w", err)
	}
	defer rows.Close()

	var transfers []types.BridgeTransfer
	for rows.Next() {
		var t types.BridgeTransfer
		var strategyID, direction, sourceChain, destChain, amount, fee, status string
		var failureReason, clientRef sql.NullString

		err := rows.Scan(
			&t.ID, &strategyID, &direction, &sourceChain, &destChain,
			&amount, &fee, &status, &failureReason, &t.Attempts,
			&t.SubmittedBlock, &t.Confirmations, &clientRef,
			&t.InitiatedAt, &t.UpdatedAt, &t.Deadline,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bridge transfer: %w", err)
		}

		t.VaultID = vaultID
		t.StrategyID = types.StrategyID(strategyID)
		t.Direction = types.TransferDirection(direction)
		t.SourceChain = types.ChainID(sourceChain)
		t.DestChain = types.ChainID(destChain)
		t.Status = types.TransferStatus(status)
		if failureReason.Valid {
			t.FailureReason = failureReason.String
		}
		if clientRef.Valid {
			t.ClientRef = clientRef.String
		}
		if t.Amount, err = parseDec(amount); err != nil {
			return nil, err
		}
		if t.Fee, err = parseDec(fee); err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during transfer row iteration: %w", err)
	}

	log.Info().Str("vault_id", vaultID).Int("count", len(transfers)).Msg("Loaded open bridge transfers")
	return transfers, nil
}
