// ./internal/state/analytics.go
package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// VaultSummary represents high-level vault statistics for the web API.
type VaultSummary struct {
	VaultID        string `json:"vault_id"`
	Status         string `json:"status"`
	TotalShares    string `json:"total_shares"`
	Cash           string `json:"cash"`
	InTransit      string `json:"in_transit"`
	LifetimeProfit string `json:"lifetime_profit"`
	HarvestEpoch   uint64 `json:"harvest_epoch"`
	PositionCount  int    `json:"position_count"`
	PendingCount   int    `json:"pending_withdrawals"`
	LastUpdated    string `json:"last_updated"`
}

// BridgePerformance represents aggregated bridge transfer data.
type BridgePerformance struct {
	TotalTransfers     int     `json:"total_transfers"`
	ConfirmedTransfers int     `json:"confirmed_transfers"`
	FailedTransfers    int     `json:"failed_transfers"`
	RefundedTransfers  int     `json:"refunded_transfers"`
	TotalVolume        string  `json:"total_volume"`
	MeanConfirmSeconds float64 `json:"mean_confirmation_seconds"`
}

// SaveReturnPoint records one per-period strategy return observation.
// Duplicate observations for the same timestamp are ignored.
func SaveReturnPoint(strategyID types.StrategyID, pt types.ReturnPoint) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	stmt := `
		INSERT INTO strategy_returns (strategy_id, observed_at, return_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (strategy_id, observed_at) DO NOTHING;`

	_, err := DB.Exec(stmt, string(strategyID), pt.Timestamp, pt.Return)
	if err != nil {
		return fmt.Errorf("failed to save return point for %s: %w", strategyID, err)
	}
	return nil
}

// LoadReturns retrieves the most recent return observations for a strategy in
// chronological order. Used to warm the in-memory catalog on startup.
func LoadReturns(strategyID types.StrategyID, limit int) ([]types.ReturnPoint, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	if limit <= 0 || limit > 1000 {
		limit = 365 // Default limit
	}

	query := `
		SELECT observed_at, return_value
		FROM (
			SELECT observed_at, return_value
			FROM strategy_returns
			WHERE strategy_id = $1
			ORDER BY observed_at DESC
			LIMIT $2
		) recent
		ORDER BY observed_at ASC;`

	rows, err := DB.Query(query, string(strategyID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query returns for %s: %w", strategyID, err)
	}
	defer rows.Close()

	var points []types.ReturnPoint
	for rows.Next() {
		var pt types.ReturnPoint
		if err := rows.Scan(&pt.Timestamp, &pt.Return); err != nil {
			return nil, fmt.Errorf("failed to scan return point: %w", err)
		}
		points = append(points, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during return row iteration: %w", err)
	}
	return points, nil
}

// GetVaultSummary retrieves high-level vault statistics.
func GetVaultSummary(vaultID string) (*VaultSummary, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	summary := &VaultSummary{VaultID: vaultID}

	query := `
		SELECT status, total_shares, cash, in_transit, lifetime_profit, harvest_epoch, updated_at
		FROM vault_states
		WHERE vault_id = $1;`

	var updatedAt time.Time
	err := DB.QueryRow(query, vaultID).Scan(
		&summary.Status, &summary.TotalShares, &summary.Cash,
		&summary.InTransit, &summary.LifetimeProfit, &summary.HarvestEpoch, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("vault '%s' not found", vaultID)
		}
		return nil, fmt.Errorf("failed to get vault summary: %w", err)
	}
	summary.LastUpdated = updatedAt.Format(time.RFC3339)

	err = DB.QueryRow(`SELECT COUNT(*) FROM user_positions WHERE vault_id = $1`, vaultID).Scan(&summary.PositionCount)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get position count")
	}
	err = DB.QueryRow(`SELECT COUNT(*) FROM pending_withdrawals WHERE vault_id = $1`, vaultID).Scan(&summary.PendingCount)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get pending withdrawal count")
	}

	return summary, nil
}

// GetBridgePerformance retrieves aggregated bridge transfer metrics.
func GetBridgePerformance(vaultID string) (*BridgePerformance, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	perf := &BridgePerformance{}

	query := `
		SELECT
			COUNT(*) as total_transfers,
			COUNT(CASE WHEN status = 'confirmed' THEN 1 END) as confirmed,
			COUNT(CASE WHEN status = 'failed' THEN 1 END) as failed,
			COUNT(CASE WHEN status = 'refunded' THEN 1 END) as refunded,
			COALESCE(SUM(CASE WHEN status = 'confirmed' THEN amount ELSE 0 END), 0) as total_volume,
			COALESCE(AVG(CASE WHEN confirmed_at IS NOT NULL
				THEN EXTRACT(EPOCH FROM (confirmed_at - initiated_at)) END), 0) as mean_confirm_seconds
		FROM bridge_transfers
		WHERE vault_id = $1;`

	err := DB.QueryRow(query, vaultID).Scan(
		&perf.TotalTransfers,
		&perf.ConfirmedTransfers,
		&perf.FailedTransfers,
		&perf.RefundedTransfers,
		&perf.TotalVolume,
		&perf.MeanConfirmSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge performance: %w", err)
	}

	return perf, nil
}
