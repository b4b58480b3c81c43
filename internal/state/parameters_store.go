// ./internal/state/parameters_store.go
package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// SaveRiskParameters saves a new version of risk parameters.
func SaveRiskParameters(params types.RiskParameters, configName string, version int, makeActive bool) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	tx, err := DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	if makeActive {
		stmtDeactivate := `UPDATE risk_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`
		_, err = tx.Exec(stmtDeactivate, configName)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	stmt := `
        INSERT INTO risk_parameters (
            version, config_name, is_active, activated_at, created_at,
            min_sample_points, trailing_window, annualization_factor, risk_free_rate, max_risk_score,
            max_weight_per_strategy, min_liquidity_usd, max_position_size_bps,
            drift_tolerance_bps, emergency_shutdown_threshold_bps, max_retry_attempts,
            min_deposit, max_deposit, default_lockup_seconds, min_cash_bps, deploy_bps,
            deposit_fee_bps, withdrawal_fee_bps, early_withdrawal_fee_bps,
            performance_fee_bps, management_fee_bps,
            bridge_fee_bps, max_transfer_amount, confirmation_blocks, transfer_timeout_seconds
        ) VALUES (
            $1, $2, $3, $4, $5,
            $6, $7, $8, $9, $10,
            $11, $12, $13,
            $14, $15, $16,
            $17, $18, $19, $20, $21,
            $22, $23, $24,
            $25, $26,
            $27, $28, $29, $30
        ) RETURNING params_id;`

	var paramsID int64
	currentTime := time.Now()
	err = tx.QueryRow(
		stmt,
		version, configName, makeActive, currentTime, currentTime,
		params.MinSamplePoints, params.TrailingWindow, params.AnnualizationFactor, params.RiskFreeRate, params.MaxRiskScore,
		params.MaxWeightPerStrategy, params.MinLiquidityUSD, params.MaxPositionSizeBps,
		params.DriftToleranceBps, params.EmergencyShutdownThresholdBps, params.MaxRetryAttempts,
		params.MinDeposit.String(), params.MaxDeposit.String(), int64(params.DefaultLockup/time.Second), params.MinCashBps, params.DeployBps,
		params.DepositFeeBps, params.WithdrawalFeeBps, params.EarlyWithdrawalFeeBps,
		params.PerformanceFeeBps, params.ManagementFeeBps,
		params.BridgeFeeBps, params.MaxTransferAmount.String(), params.ConfirmationBlocks, int64(params.TransferTimeout/time.Second),
	).Scan(&paramsID)

	if err != nil {
		return 0, fmt.Errorf("failed to insert risk parameters: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("config", configName).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved risk parameters")
	return paramsID, nil
}

// LoadActiveRiskParameters loads the currently active risk parameters.
func LoadActiveRiskParameters(configName string) (*types.RiskParameters, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
        SELECT
            min_sample_points, trailing_window, annualization_factor, risk_free_rate, max_risk_score,
            max_weight_per_strategy, min_liquidity_usd, max_position_size_bps,
            drift_tolerance_bps, emergency_shutdown_threshold_bps, max_retry_attempts,
            min_deposit, max_deposit, default_lockup_seconds, min_cash_bps, deploy_bps,
            deposit_fee_bps, withdrawal_fee_bps, early_withdrawal_fee_bps,
            performance_fee_bps, management_fee_bps,
            bridge_fee_bps, max_transfer_amount, confirmation_blocks, transfer_timeout_seconds
        FROM risk_parameters
        WHERE config_name = $1 AND is_active = TRUE
        ORDER BY activated_at DESC
        LIMIT 1;`

	p := &types.RiskParameters{}
	var minDeposit, maxDeposit, maxTransfer string
	var lockupSeconds, timeoutSeconds int64

	row := DB.QueryRow(query, configName)
	err := row.Scan(
		&p.MinSamplePoints, &p.TrailingWindow, &p.AnnualizationFactor, &p.RiskFreeRate, &p.MaxRiskScore,
		&p.MaxWeightPerStrategy, &p.MinLiquidityUSD, &p.MaxPositionSizeBps,
		&p.DriftToleranceBps, &p.EmergencyShutdownThresholdBps, &p.MaxRetryAttempts,
		&minDeposit, &maxDeposit, &lockupSeconds, &p.MinCashBps, &p.DeployBps,
		&p.DepositFeeBps, &p.WithdrawalFeeBps, &p.EarlyWithdrawalFeeBps,
		&p.PerformanceFeeBps, &p.ManagementFeeBps,
		&p.BridgeFeeBps, &maxTransfer, &p.ConfirmationBlocks, &timeoutSeconds,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no active risk parameters found for config '%s'", configName)
		}
		return nil, fmt.Errorf("failed to scan active risk parameters for config '%s': %w", configName, err)
	}

	if p.MinDeposit, err = parseDec(minDeposit); err != nil {
		return nil, err
	}
	if p.MaxDeposit, err = parseDec(maxDeposit); err != nil {
		return nil, err
	}
	if p.MaxTransferAmount, err = parseDec(maxTransfer); err != nil {
		return nil, err
	}
	p.DefaultLockup = time.Duration(lockupSeconds) * time.Second
	p.TransferTimeout = time.Duration(timeoutSeconds) * time.Second

	log.Info().Str("config", configName).Msg("Loaded active risk parameters")
	return p, nil
}

// GetActiveRiskParametersID returns the params_id of the currently active risk
// parameters, or nil when none have been activated.
func GetActiveRiskParametersID(configName string) (*int64, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
        SELECT params_id
        FROM risk_parameters
        WHERE config_name = $1 AND is_active = TRUE
        ORDER BY activated_at DESC
        LIMIT 1;`

	var paramsID int64
	row := DB.QueryRow(query, configName)
	err := row.Scan(&paramsID)

	if err != nil {
		if err == sql.ErrNoRows {
			log.Debug().Str("config", configName).Msg("No active risk parameters found")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active risk parameters ID for config '%s': %w", configName, err)
	}

	return &paramsID, nil
}
