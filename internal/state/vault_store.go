// ./internal/state/vault_store.go
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// VaultStore persists vault accounting state through the shared connection
// pool. It satisfies the vault package's Store interface.
type VaultStore struct{}

func NewVaultStore() *VaultStore {
	return &VaultStore{}
}

// SaveState writes the snapshot, positions, and pending withdrawals as one
// transaction so a crash never leaves them disagreeing.
func (s *VaultStore) SaveState(snapshot types.VaultSnapshot, positions []types.UserPosition, pending []types.PendingWithdrawal) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	deployedJSON, err := json.Marshal(snapshot.Deployed)
	if err != nil {
		return fmt.Errorf("failed to marshal deployed balances: %w", err)
	}

	tx, err := DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	stmtVault := `
		INSERT INTO vault_states (
			vault_id, status, total_shares, cash, deployed, in_transit,
			fee_accumulator, harvest_epoch, lifetime_profit, plan_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (vault_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_shares = EXCLUDED.total_shares,
			cash = EXCLUDED.cash,
			deployed = EXCLUDED.deployed,
			in_transit = EXCLUDED.in_transit,
			fee_accumulator = EXCLUDED.fee_accumulator,
			harvest_epoch = EXCLUDED.harvest_epoch,
			lifetime_profit = EXCLUDED.lifetime_profit,
			plan_id = EXCLUDED.plan_id,
			updated_at = EXCLUDED.updated_at;`

	_, err = tx.Exec(stmtVault,
		snapshot.VaultID, string(snapshot.Status),
		snapshot.TotalShares.String(), snapshot.Cash.String(), deployedJSON,
		snapshot.InTransit.String(), snapshot.FeeAccumulator.String(),
		snapshot.HarvestEpoch, snapshot.LifetimeProfit.String(),
		snapshot.PlanID, snapshot.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vault state: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM user_positions WHERE vault_id = $1;`, snapshot.VaultID)
	if err != nil {
		return fmt.Errorf("failed to clear user positions: %w", err)
	}
	stmtPosition := `
		INSERT INTO user_positions (vault_id, owner, shares, cost_basis, locked_until, deposited_at)
		VALUES ($1, $2, $3, $4, $5, $6);`
	for _, p := range positions {
		_, err = tx.Exec(stmtPosition,
			snapshot.VaultID, p.Owner, p.Shares.String(), p.CostBasis.String(),
			p.LockedUntil, p.DepositedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert position for %s: %w", p.Owner, err)
		}
	}

	_, err = tx.Exec(`DELETE FROM pending_withdrawals WHERE vault_id = $1;`, snapshot.VaultID)
	if err != nil {
		return fmt.Errorf("failed to clear pending withdrawals: %w", err)
	}
	stmtPending := `
		INSERT INTO pending_withdrawals (id, vault_id, owner, shares, estimated_value, penalty_bps, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);`
	for _, w := range pending {
		_, err = tx.Exec(stmtPending,
			w.ID, snapshot.VaultID, w.Owner, w.Shares.String(),
			w.EstimatedValue.String(), w.PenaltyBps, w.RequestedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert pending withdrawal %s: %w", w.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit vault state: %w", err)
	}
	return nil
}

// LoadState returns the latest persisted state for a vault. A vault that was
// never persisted returns an empty snapshot with no error.
func (s *VaultStore) LoadState(vaultID string) (types.VaultSnapshot, []types.UserPosition, []types.PendingWithdrawal, error) {
	var snapshot types.VaultSnapshot
	if DB == nil {
		return snapshot, nil, nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT status, total_shares, cash, deployed, in_transit,
		       fee_accumulator, harvest_epoch, lifetime_profit, plan_id, updated_at
		FROM vault_states
		WHERE vault_id = $1;`

	var (
		status        string
		totalShares   string
		cash          string
		deployedJSON  []byte
		inTransit     string
		feeAccum      string
		lifetimeProf  string
		planID        sql.NullString
		updatedAt     time.Time
	)
	err := DB.QueryRow(query, vaultID).Scan(
		&status, &totalShares, &cash, &deployedJSON, &inTransit,
		&feeAccum, &snapshot.HarvestEpoch, &lifetimeProf, &planID, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return types.VaultSnapshot{}, nil, nil, nil
	}
	if err != nil {
		return snapshot, nil, nil, fmt.Errorf("failed to load vault state for %s: %w", vaultID, err)
	}

	snapshot.VaultID = vaultID
	snapshot.Status = types.VaultStatus(status)
	snapshot.Timestamp = updatedAt
	if planID.Valid {
		snapshot.PlanID = planID.String
	}
	if snapshot.TotalShares, err = parseDec(totalShares); err != nil {
		return snapshot, nil, nil, err
	}
	if snapshot.Cash, err = parseDec(cash); err != nil {
		return snapshot, nil, nil, err
	}
	if snapshot.InTransit, err = parseDec(inTransit); err != nil {
		return snapshot, nil, nil, err
	}
	if snapshot.FeeAccumulator, err = parseDec(feeAccum); err != nil {
		return snapshot, nil, nil, err
	}
	if snapshot.LifetimeProfit, err = parseDec(lifetimeProf); err != nil {
		return snapshot, nil, nil, err
	}
	snapshot.Deployed = make(map[types.StrategyID]sdkmath.LegacyDec)
	if len(deployedJSON) > 0 {
		if err = json.Unmarshal(deployedJSON, &snapshot.Deployed); err != nil {
			return snapshot, nil, nil, fmt.Errorf("failed to unmarshal deployed balances: %w", err)
		}
	}

	positions, err := s.loadPositions(vaultID)
	if err != nil {
		return snapshot, nil, nil, err
	}
	pending, err := s.loadPendingWithdrawals(vaultID)
	if err != nil {
		return snapshot, nil, nil, err
	}

	log.Info().
		Str("vault_id", vaultID).
		Int("positions", len(positions)).
		Int("pending_withdrawals", len(pending)).
		Msg("Loaded vault state")

	return snapshot, positions, pending, nil
}

func (s *VaultStore) loadPositions(vaultID string) ([]types.UserPosition, error) {
	rows, err := DB.Query(`
		SELECT owner, shares, cost_basis, locked_until, deposited_at
		FROM user_positions
		WHERE vault_id = $1
		ORDER BY owner;`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user positions: %w", err)
	}
	defer rows.Close()

	var positions []types.UserPosition
	for rows.Next() {
		var p types.UserPosition
		var shares, costBasis string
		if err := rows.Scan(&p.Owner, &shares, &costBasis, &p.LockedUntil, &p.DepositedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user position: %w", err)
		}
		if p.Shares, err = parseDec(shares); err != nil {
			return nil, err
		}
		if p.CostBasis, err = parseDec(costBasis); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *VaultStore) loadPendingWithdrawals(vaultID string) ([]types.PendingWithdrawal, error) {
	rows, err := DB.Query(`
		SELECT id, owner, shares, estimated_value, penalty_bps, requested_at
		FROM pending_withdrawals
		WHERE vault_id = $1
		ORDER BY requested_at;`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending withdrawals: %w", err)
	}
	defer rows.Close()

	var pending []types.PendingWithdrawal
	for rows.Next() {
		var w types.PendingWithdrawal
		var shares, estimated string
		if err := rows.Scan(&w.ID, &w.Owner, &shares, &estimated, &w.PenaltyBps, &w.RequestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending withdrawal: %w", err)
		}
		if w.Shares, err = parseDec(shares); err != nil {
			return nil, err
		}
		if w.EstimatedValue, err = parseDec(estimated); err != nil {
			return nil, err
		}
		pending = append(pending, w)
	}
	return pending, rows.Err()
}

func parseDec(s string) (sdkmath.LegacyDec, error) {
	d, err := sdkmath.LegacyNewDecFromStr(s)
	if err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("failed to parse decimal %q: %w", s, err)
	}
	return d, nil
}
