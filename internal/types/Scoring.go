/*

This file contains the types for risk scoring strategies, and other configurable
parameters for the vault.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// RiskParameters holds all tunable thresholds, fee rates, and limits used for
// scoring, allocation, accounting, and execution. Different sets of these
// parameters can exist for different market regimes; the active set is
// versioned in the database.
type RiskParameters struct {
	// --- Scoring Parameters ---
	MinSamplePoints     int     `json:"min_sample_points"`    // Minimum number of return observations before a strategy is scoreable.
	TrailingWindow      int     `json:"trailing_window"`      // Maximum number of most-recent return observations fed into the scorer.
	AnnualizationFactor float64 `json:"annualization_factor"` // Return periods per year (365 for daily observations).
	RiskFreeRate        float64 `json:"risk_free_rate"`       // Per-period risk free rate subtracted from mean return.
	MaxRiskScore        float64 `json:"max_risk_score"`       // Score assigned when volatility is exactly zero.

	// --- Allocation Parameters ---
	MaxWeightPerStrategy float64 `json:"max_weight_per_strategy"` // Hard cap on any single strategy's target weight (0.0 to 1.0).
	MinLiquidityUSD      float64 `json:"min_liquidity_usd"`       // Strategies below this venue liquidity are excluded from allocation.
	MaxPositionSizeBps   uint64  `json:"max_position_size_bps"`   // Cap on a single position as a fraction of total vault assets.

	// --- Rebalancing Parameters ---
	DriftToleranceBps             uint64 `json:"drift_tolerance_bps"`              // Max per-strategy drift from plan weight before a rebalance fires.
	EmergencyShutdownThresholdBps uint64 `json:"emergency_shutdown_threshold_bps"` // Disabled-strategy capital fraction that forces emergency shutdown.
	MaxRetryAttempts              int    `json:"max_retry_attempts"`               // Retry budget per execution move and per bridge transfer.

	// --- Deposit / Withdrawal Parameters ---
	MinDeposit    sdkmath.LegacyDec `json:"min_deposit"`     // Deposits below this are rejected.
	MaxDeposit    sdkmath.LegacyDec `json:"max_deposit"`     // Deposits above this are rejected.
	DefaultLockup time.Duration     `json:"default_lockup"`  // Lockup applied when the depositor does not choose one.
	MinCashBps    uint64            `json:"min_cash_bps"`    // Fraction of assets kept as idle cash for synchronous withdrawals.
	DeployBps     uint64            `json:"deploy_bps"`      // Idle cash above this fraction of assets triggers deployment.

	// --- Fee Rates (basis points) ---
	DepositFeeBps         uint64 `json:"deposit_fee_bps"`
	WithdrawalFeeBps      uint64 `json:"withdrawal_fee_bps"`       // Base fee on withdrawals outside the lockup window.
	EarlyWithdrawalFeeBps uint64 `json:"early_withdrawal_fee_bps"` // Penalty applied instead of the base fee inside the lockup window.
	PerformanceFeeBps     uint64 `json:"performance_fee_bps"`      // Taken from harvested yield.
	ManagementFeeBps      uint64 `json:"management_fee_bps"`       // Annualized, accrued at harvest time.

	// --- Bridge Parameters ---
	BridgeFeeBps       uint64            `json:"bridge_fee_bps"`
	MaxTransferAmount  sdkmath.LegacyDec `json:"max_transfer_amount"`
	ConfirmationBlocks uint64            `json:"confirmation_blocks"` // Depth at which a submitted transfer is considered final.
	TransferTimeout    time.Duration     `json:"transfer_timeout"`    // A transfer not confirmed within this window is failed.
}

type RiskScoreResult struct {
	StrategyID StrategyID `json:"strategy_id"`
	Score      float64    `json:"final_score"`
	Components struct {
		MeanReturn           float64 `json:"mean_return"`           // Per-period mean of the trailing window
		AnnualizedReturn     float64 `json:"annualized_return"`     // Mean excess return scaled to a year
		AnnualizedVolatility float64 `json:"annualized_volatility"` // Sample stddev scaled by sqrt of periods per year
		SampleCount          int     `json:"sample_count"`
		ZeroVolatility       bool    `json:"zero_volatility"` // Score was capped at MaxRiskScore
	} `json:"components"`
}
