/*

This file contains the default risk parameters for the vault.

These parameters are designed for managing significant capital in a production
environment. Each value has been chosen to balance risk management with return
optimization.

*/

package config

import (
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// DefaultRiskParameters provides a baseline parameter set for scoring,
// allocation, and accounting. These values are used if no active parameters
// are found in the database during initialization.
//
// IMPORTANT: These defaults prioritize capital preservation over aggressive
// yield chasing.
var DefaultRiskParameters = types.RiskParameters{
	// --- Scoring Parameters ---
	MinSamplePoints: 14, // Require two weeks of daily observations before scoring.
	// Rationale: A Sharpe estimate on fewer points is dominated by noise. Strategies
	// without enough history stay in the catalog but receive no capital.

	TrailingWindow: 30, // Score over the most recent 30 observations.
	// Rationale: Long enough to smooth single-day outliers, short enough that the
	// score still reacts when a venue's returns deteriorate.

	AnnualizationFactor: 365, // Daily return observations.

	RiskFreeRate: 0.0001, // Roughly 3.7% annual, expressed per day.
	// Rationale: Yield below the risk free rate should score at or below zero so
	// the allocator prefers cash over it.

	MaxRiskScore: 1000, // Sentinel score for zero-volatility return series.
	// Rationale: A flat positive return series has an undefined Sharpe ratio. The cap
	// keeps such strategies rankable without letting division blow up.

	// --- Allocation Parameters ---
	MaxWeightPerStrategy: 0.40, // At most 40% of assets in a single strategy.
	// Rationale: If a venue suffers an exploit, losses are contained to 40% of the
	// vault. Excess weight cascades to the next-ranked strategies.

	MinLiquidityUSD: 250_000, // Exclude venues with less than $250k of liquidity.
	// Rationale: Positions in shallow venues cannot be unwound without dominating
	// them. Better to skip the yield than to own the pool.

	MaxPositionSizeBps: 4000, // Single position capped at 40% of assets.

	// --- Rebalancing Parameters ---
	DriftToleranceBps: 500, // Rebalance when any strategy drifts more than 5% from plan.
	// Rationale: Rebalancing has execution and bridge costs. A 5% band lets normal
	// yield accrual drift without churning capital.

	EmergencyShutdownThresholdBps: 3000, // Shut down when 30% of deployed capital sits in disabled strategies.
	// Rationale: Widespread execution failure signals a systemic problem. Freezing
	// new inflows and unwinding is safer than continuing to allocate.

	MaxRetryAttempts: 3, // Retry budget per execution move and bridge transfer.
	// Rationale: Transient venue errors usually clear within a few attempts.
	// Anything persisting past three tries is treated as permanent.

	// --- Deposit / Withdrawal Parameters ---
	MinDeposit:    sdkmath.LegacyNewDec(10),
	MaxDeposit:    sdkmath.LegacyNewDec(10_000_000),
	DefaultLockup: 7 * 24 * time.Hour, // One week default lockup.
	// Rationale: The lockup discourages deposit/withdraw cycling around harvests,
	// which dilutes long-term depositors.

	MinCashBps: 500, // Keep 5% of assets as idle cash.
	// Rationale: The buffer services small withdrawals synchronously instead of
	// forcing a strategy unwind for every exit.

	DeployBps: 1000, // Deploy idle cash once it exceeds 10% of assets.

	// --- Fee Rates ---
	DepositFeeBps:         0,   // No entry fee.
	WithdrawalFeeBps:      50,  // 0.5% base withdrawal fee.
	EarlyWithdrawalFeeBps: 300, // 3% penalty inside the lockup window.
	PerformanceFeeBps:     2000, // 20% of harvested yield.
	ManagementFeeBps:      200,  // 2% annualized on assets under management.

	// --- Bridge Parameters ---
	BridgeFeeBps:       30, // 0.3% bridge fee.
	MaxTransferAmount:  sdkmath.LegacyNewDec(1_000_000),
	ConfirmationBlocks: 12,
	// Rationale: Reorg-safe depth on the slowest chain we bridge to. Confirming
	// earlier risks crediting capital that later unwinds.

	TransferTimeout: 30 * time.Minute,
	// Rationale: A transfer not confirmed within 30 minutes is presumed stuck.
	// Failing it keeps the amount visible as in-transit until it is refunded.
}
