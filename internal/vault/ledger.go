/*

This file contains the vault ledger, the share-based accounting state machine.

All mutations happen under one exclusive lock per ledger. The lock is released
across every ExecutionPort and bridge call; settled outcomes are re-applied
under a brief lock re-acquisition. Bridge settlements arrive over a completion
channel, never as callbacks.

*/

package vault

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Not-Mally-Raw/Citadel/internal/bridge"
	"github.com/Not-Mally-Raw/Citadel/internal/catalog"
	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
	"github.com/Not-Mally-Raw/Citadel/internal/utils"
)

const secondsPerYear = 365 * 24 * 60 * 60

// Config wires a ledger's collaborators. Bridge may be nil for a vault whose
// strategies all settle on the home chain.
type Config struct {
	VaultID   string
	HomeChain types.ChainID
	Params    types.RiskParameters
	Catalog   *catalog.Catalog
	Port      ExecutionPort
	Bridge    *bridge.Coordinator
	Store     Store
}

// WithdrawalResult reports the outcome of a withdrawal request: either an
// immediate payout or a pending handle that settles asynchronously.
type WithdrawalResult struct {
	Paid    sdkmath.LegacyDec
	Pending *types.PendingWithdrawal
}

// inflightTransfer tracks the gross amount the ledger counted as in-transit
// for one bridge transfer, so resolutions can be applied exactly.
type inflightTransfer struct {
	gross      sdkmath.LegacyDec
	direction  types.TransferDirection
	strategyID types.StrategyID
}

// Ledger is the accounting state machine for one vault.
type Ledger struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	vaultID   string
	homeChain types.ChainID
	params    types.RiskParameters
	catalog   *catalog.Catalog
	port      ExecutionPort
	bridge    *bridge.Coordinator
	store     Store

	status         types.VaultStatus
	totalShares    sdkmath.LegacyDec
	cash           sdkmath.LegacyDec
	inTransit      sdkmath.LegacyDec
	feeAccumulator sdkmath.LegacyDec
	lifetimeProfit sdkmath.LegacyDec
	deployed       map[types.StrategyID]sdkmath.LegacyDec
	positions      map[string]*types.UserPosition
	pending        map[string]*types.PendingWithdrawal // keyed by owner
	inflight       map[string]inflightTransfer         // keyed by transfer ID

	// trackedAssets is maintained independently by every operation's intended
	// delta. The consistency invariant requires it to equal
	// cash + sum(deployed) + inTransit exactly before each commit.
	trackedAssets sdkmath.LegacyDec

	plan            types.AllocationPlan
	harvestEpoch    uint64
	lastHarvestTime time.Time

	resolutions chan types.TransferResolution

	now           func() time.Time
	retryInterval time.Duration
}

// NewLedger creates a ledger and restores any persisted state. When a bridge
// coordinator is supplied the ledger subscribes for transfer resolutions;
// call Run to consume them.
func NewLedger(cfg Config) (*Ledger, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	l := &Ledger{
		logger:         logger.GetForComponent("vault_ledger").With().Str("vault_id", cfg.VaultID).Logger(),
		vaultID:        cfg.VaultID,
		homeChain:      cfg.HomeChain,
		params:         cfg.Params,
		catalog:        cfg.Catalog,
		port:           cfg.Port,
		bridge:         cfg.Bridge,
		store:          cfg.Store,
		status:         types.VaultActive,
		totalShares:    sdkmath.LegacyZeroDec(),
		cash:           sdkmath.LegacyZeroDec(),
		inTransit:      sdkmath.LegacyZeroDec(),
		feeAccumulator: sdkmath.LegacyZeroDec(),
		lifetimeProfit: sdkmath.LegacyZeroDec(),
		trackedAssets:  sdkmath.LegacyZeroDec(),
		deployed:       make(map[types.StrategyID]sdkmath.LegacyDec),
		positions:      make(map[string]*types.UserPosition),
		pending:        make(map[string]*types.PendingWithdrawal),
		inflight:       make(map[string]inflightTransfer),
		now:            time.Now,
		retryInterval:  500 * time.Millisecond,
	}

	if err := l.restore(); err != nil {
		return nil, err
	}

	if l.bridge != nil {
		l.resolutions = make(chan types.TransferResolution, 64)
		l.bridge.Subscribe(l.resolutions)
	}

	return l, nil
}

func validateConfig(cfg Config) error {
	if cfg.VaultID == "" {
		return fmt.Errorf("ledger config: VaultID is required")
	}
	if cfg.HomeChain == "" {
		return fmt.Errorf("ledger config: HomeChain is required")
	}
	if cfg.Catalog == nil {
		return fmt.Errorf("ledger config: Catalog is required")
	}
	if cfg.Port == nil {
		return fmt.Errorf("ledger config: Port is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("ledger config: Store is required")
	}
	if cfg.Params.MinDeposit.IsNil() || cfg.Params.MaxDeposit.IsNil() {
		return fmt.Errorf("ledger config: deposit bounds are required")
	}
	return nil
}

// restore loads persisted state, if any.
func (l *Ledger) restore() error {
	snapshot, positions, pending, err := l.store.LoadState(l.vaultID)
	if err != nil {
		return fmt.Errorf("failed to restore vault state: %w", err)
	}
	if snapshot.VaultID == "" {
		return nil // fresh vault
	}

	l.status = snapshot.Status
	l.totalShares = snapshot.TotalShares
	l.cash = snapshot.Cash
	l.inTransit = snapshot.InTransit
	l.feeAccumulator = snapshot.FeeAccumulator
	l.lifetimeProfit = snapshot.LifetimeProfit
	l.harvestEpoch = snapshot.HarvestEpoch
	for id, amount := range snapshot.Deployed {
		l.deployed[id] = amount
	}
	for i := range positions {
		p := positions[i]
		l.positions[p.Owner] = &p
	}
	for i := range pending {
		w := pending[i]
		l.pending[w.Owner] = &w
	}
	l.trackedAssets = snapshot.TotalAssets()

	// Rebuild the in-flight index from the coordinator's open transfers so
	// resolutions arriving after a restart still settle. Transfers the
	// backend never accepted carry no capital and are skipped.
	if l.bridge != nil {
		for _, t := range l.bridge.Open() {
			if t.VaultID != l.vaultID || t.ClientRef == "" {
				continue
			}
			l.inflight[t.ID] = inflightTransfer{
				gross:      t.Amount,
				direction:  t.Direction,
				strategyID: t.StrategyID,
			}
		}
	}

	l.logger.Info().
		Str("status", string(l.status)).
		Str("total_shares", l.totalShares.String()).
		Str("total_assets", l.trackedAssets.String()).
		Int("positions", len(l.positions)).
		Int("inflight_transfers", len(l.inflight)).
		Msg("Vault state restored")

	return nil
}

// Run consumes bridge transfer resolutions until the context is cancelled.
func (l *Ledger) Run(ctx context.Context) {
	if l.resolutions == nil {
		return
	}
	l.logger.Info().Msg("Ledger resolution loop starting")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Ledger resolution loop stopping")
			return
		case res := <-l.resolutions:
			l.applyResolution(ctx, res)
		}
	}
}

// ---------------------------------------------------------------------------
// Deposits
// ---------------------------------------------------------------------------

// Deposit mints shares for an incoming amount at the current share price.
//
// Inputs:
//   - owner: the depositor's account identifier.
//   - amount: gross deposit in the vault's base asset.
//   - lockup: requested lockup duration; zero applies the configured default.
//
// Output: the number of shares minted. The first deposit into an empty vault
// mints shares one-for-one.
func (l *Ledger) Deposit(ctx context.Context, owner string, amount sdkmath.LegacyDec, lockup time.Duration) (sdkmath.LegacyDec, error) {
	_ = ctx
	zero := sdkmath.LegacyZeroDec()

	if owner == "" {
		return zero, fmt.Errorf("%w: empty owner", ErrInvalidAmount)
	}
	if amount.IsNil() || !amount.IsPositive() {
		return zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if amount.LT(l.params.MinDeposit) {
		return zero, fmt.Errorf("%w: %s < %s", ErrDepositBelowMinimum, amount, l.params.MinDeposit)
	}
	if amount.GT(l.params.MaxDeposit) {
		return zero, fmt.Errorf("%w: %s > %s", ErrDepositAboveMaximum, amount, l.params.MaxDeposit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status == types.VaultEmergencyShutdown {
		return zero, ErrVaultHalted
	}

	fee, err := utils.ApplyBps(amount, l.params.DepositFeeBps)
	if err != nil {
		return zero, err
	}
	net := amount.Sub(fee)

	// Share price is computed before the deposit lands.
	var shares sdkmath.LegacyDec
	if l.totalShares.IsZero() {
		shares = net
	} else {
		totalAssets := l.totalAssetsLocked()
		if !totalAssets.IsPositive() {
			// Shares exist but assets were wiped out; minting here would be
			// a division by zero or an infinite mint.
			return zero, fmt.Errorf("%w: vault has %s shares against %s assets",
				ErrConsistency, l.totalShares, totalAssets)
		}
		shares = net.Mul(l.totalShares).Quo(totalAssets)
	}

	now := l.now().UTC()
	if lockup <= 0 {
		lockup = l.params.DefaultLockup
	}
	lockedUntil := now.Add(lockup)

	l.totalShares = l.totalShares.Add(shares)
	l.cash = l.cash.Add(net)
	l.feeAccumulator = l.feeAccumulator.Add(fee)
	l.trackedAssets = l.trackedAssets.Add(net)

	position, exists := l.positions[owner]
	if !exists {
		position = &types.UserPosition{
			Owner:     owner,
			Shares:    sdkmath.LegacyZeroDec(),
			CostBasis: sdkmath.LegacyZeroDec(),
		}
		position.DepositedAt = now
		l.positions[owner] = position
	}
	position.Shares = position.Shares.Add(shares)
	position.CostBasis = position.CostBasis.Add(net)
	if lockedUntil.After(position.LockedUntil) {
		position.LockedUntil = lockedUntil
	}

	if err := l.commitLocked(); err != nil {
		return zero, err
	}

	l.logger.Info().
		Str("owner", owner).
		Str("amount", amount.String()).
		Str("shares", shares.String()).
		Str("share_price", l.sharePriceLocked().String()).
		Msg("Deposit accepted")

	return shares, nil
}

// ---------------------------------------------------------------------------
// Withdrawals
// ---------------------------------------------------------------------------

// Withdraw redeems shares at the current share price. When vault cash covers
// the net payout it settles synchronously; otherwise a pending withdrawal is
// registered and a strategy unwind begins. At most one pending withdrawal per
// owner is allowed.
func (l *Ledger) Withdraw(ctx context.Context, owner string, shares sdkmath.LegacyDec) (WithdrawalResult, error) {
	result := WithdrawalResult{Paid: sdkmath.LegacyZeroDec()}

	if shares.IsNil() || !shares.IsPositive() {
		return result, fmt.Errorf("%w: %s shares", ErrInvalidAmount, shares)
	}

	l.mu.Lock()

	position, exists := l.positions[owner]
	if !exists {
		l.mu.Unlock()
		return result, fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	if position.Shares.LT(shares) {
		l.mu.Unlock()
		return result, fmt.Errorf("%w: %s holds %s, requested %s",
			ErrInsufficientShares, owner, position.Shares, shares)
	}
	if _, hasPending := l.pending[owner]; hasPending {
		l.mu.Unlock()
		return result, fmt.Errorf("%w: %s", ErrWithdrawalPending, owner)
	}

	now := l.now().UTC()
	penaltyBps := l.params.WithdrawalFeeBps
	if now.Before(position.LockedUntil) {
		penaltyBps = l.params.EarlyWithdrawalFeeBps
	}

	gross := shares.Mul(l.sharePriceLocked())
	penalty, err := utils.ApplyBps(gross, penaltyBps)
	if err != nil {
		l.mu.Unlock()
		return result, err
	}
	net := gross.Sub(penalty)

	// Settlement needs gross cash: net to the owner, penalty to the
	// fee accumulator.
	if l.cash.GTE(gross) {
		if err := l.settleWithdrawalLocked(owner, shares, gross, penalty, net); err != nil {
			l.mu.Unlock()
			return result, err
		}
		result.Paid = net
		l.mu.Unlock()

		l.logger.Info().
			Str("owner", owner).
			Str("shares", shares.String()).
			Str("paid", net.String()).
			Str("penalty", penalty.String()).
			Msg("Withdrawal settled synchronously")
		return result, nil
	}

	// Not enough cash: register the pending withdrawal and plan the unwind.
	withdrawal := &types.PendingWithdrawal{
		ID:             uuid.New().String(),
		Owner:          owner,
		Shares:         shares,
		EstimatedValue: net,
		PenaltyBps:     penaltyBps,
		RequestedAt:    now,
	}
	l.pending[owner] = withdrawal
	shortfall := gross.Sub(l.cash)
	if err := l.commitLocked(); err != nil {
		delete(l.pending, owner)
		l.mu.Unlock()
		return result, err
	}
	pendingCopy := *withdrawal
	l.mu.Unlock()

	l.logger.Info().
		Str("owner", owner).
		Str("withdrawal_id", withdrawal.ID).
		Str("estimated_value", net.String()).
		Str("shortfall", shortfall.String()).
		Msg("Withdrawal pending, unwinding strategy capital")

	if err := l.unwind(ctx, shortfall); err != nil {
		l.logger.Error().Err(err).Msg("Strategy unwind for withdrawal failed")
	}
	l.SettlePendingWithdrawals()

	l.mu.RLock()
	stillPending, open := l.pending[owner]
	if open {
		pendingCopy = *stillPending
	}
	l.mu.RUnlock()

	if !open {
		// Unwind raised the cash within this call.
		result.Paid = net
		return result, nil
	}
	result.Pending = &pendingCopy
	return result, nil
}

// settleWithdrawalLocked burns shares and pays out. Caller holds the lock.
func (l *Ledger) settleWithdrawalLocked(owner string, shares, gross, penalty, net sdkmath.LegacyDec) error {
	position := l.positions[owner]

	// Gross leaves cash: net is paid out, the penalty moves to the fee
	// accumulator, which sits outside vault assets.
	l.cash = l.cash.Sub(gross)
	l.feeAccumulator = l.feeAccumulator.Add(penalty)
	l.trackedAssets = l.trackedAssets.Sub(gross)
	l.totalShares = l.totalShares.Sub(shares)

	remaining := position.Shares.Sub(shares)
	if remaining.IsZero() {
		delete(l.positions, owner)
	} else {
		// Scale the cost basis down with the redeemed fraction.
		redeemedBasis := position.CostBasis.Mul(shares).Quo(position.Shares)
		position.Shares = remaining
		position.CostBasis = position.CostBasis.Sub(redeemedBasis)
	}

	return l.commitLocked()
}

// SettlePendingWithdrawals pays any pending withdrawal the current cash
// balance can cover, oldest first. Final value is computed at settlement
// share price with the penalty rate frozen at request time.
func (l *Ledger) SettlePendingWithdrawals() {
	l.mu.Lock()
	defer l.mu.Unlock()

	ordered := make([]*types.PendingWithdrawal, 0, len(l.pending))
	for _, w := range l.pending {
		ordered = append(ordered, w)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].RequestedAt.Before(ordered[j].RequestedAt)
	})

	for _, w := range ordered {
		position, exists := l.positions[w.Owner]
		if !exists || position.Shares.LT(w.Shares) {
			// Should be unreachable: shares are not spendable while pending.
			l.logger.Error().Str("withdrawal_id", w.ID).Msg("Pending withdrawal has no backing position")
			delete(l.pending, w.Owner)
			continue
		}

		gross := w.Shares.Mul(l.sharePriceLocked())
		penalty, err := utils.ApplyBps(gross, w.PenaltyBps)
		if err != nil {
			l.logger.Error().Err(err).Str("withdrawal_id", w.ID).Msg("Pending withdrawal penalty computation failed")
			continue
		}
		net := gross.Sub(penalty)

		if l.cash.LT(gross) {
			continue
		}

		delete(l.pending, w.Owner)
		if err := l.settleWithdrawalLocked(w.Owner, w.Shares, gross, penalty, net); err != nil {
			l.logger.Error().Err(err).Str("withdrawal_id", w.ID).Msg("Pending withdrawal settlement failed")
			return
		}

		l.logger.Info().
			Str("withdrawal_id", w.ID).
			Str("owner", w.Owner).
			Str("paid", net.String()).
			Msg("Pending withdrawal settled")
	}
}

// unwind pulls at least the shortfall back to cash from deployed strategies,
// largest position first. Same-chain capital arrives synchronously; cross
// chain capital goes in-transit and lands via the resolution channel.
func (l *Ledger) unwind(ctx context.Context, shortfall sdkmath.LegacyDec) error {
	l.mu.RLock()
	type target struct {
		id     types.StrategyID
		amount sdkmath.LegacyDec
	}
	targets := make([]target, 0, len(l.deployed))
	for id, amount := range l.deployed {
		if amount.IsPositive() {
			targets = append(targets, target{id: id, amount: amount})
		}
	}
	l.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool {
		if !targets[i].amount.Equal(targets[j].amount) {
			return targets[i].amount.GT(targets[j].amount)
		}
		return targets[i].id < targets[j].id
	})

	remaining := shortfall
	for _, t := range targets {
		if !remaining.IsPositive() {
			break
		}
		pull := sdkmath.LegacyMinDec(t.amount, remaining)
		receipt, err := l.executeWithdraw(ctx, t.id, pull)
		if err != nil {
			l.logger.Error().
				Err(err).
				Str("strategy_id", string(t.id)).
				Msg("Unwind leg failed, trying next strategy")
			continue
		}
		remaining = remaining.Sub(receipt.Amount)
	}

	if remaining.IsPositive() {
		return markTransient(fmt.Errorf("%w: %s still short after unwind", ErrExecutionFailed, remaining))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Harvest
// ---------------------------------------------------------------------------

// Harvest collects yield from every deployed strategy for the given epoch.
// It is idempotent per epoch: a repeat call for an already harvested epoch
// returns ErrZeroYieldAvailable. Yield accrues to NAV without minting shares;
// performance and management fees move to the fee accumulator.
func (l *Ledger) Harvest(ctx context.Context, epoch uint64) (sdkmath.LegacyDec, error) {
	zero := sdkmath.LegacyZeroDec()

	l.mu.Lock()
	if l.status == types.VaultEmergencyShutdown {
		l.mu.Unlock()
		return zero, ErrVaultHalted
	}
	if epoch <= l.harvestEpoch {
		l.mu.Unlock()
		return zero, fmt.Errorf("%w: epoch %d already harvested", ErrZeroYieldAvailable, epoch)
	}
	targets := make([]types.StrategyID, 0, len(l.deployed))
	for id, amount := range l.deployed {
		if amount.IsPositive() {
			targets = append(targets, id)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	l.mu.Unlock()

	now := l.now().UTC()
	totalNet := sdkmath.LegacyZeroDec()

	for _, id := range targets {
		receipt, err := l.executeHarvest(ctx, id)
		if err != nil {
			l.logger.Error().
				Err(err).
				Str("strategy_id", string(id)).
				Msg("Harvest leg failed, skipping strategy this epoch")
			continue
		}
		if receipt.Yield.IsNil() || !receipt.Yield.IsPositive() {
			continue
		}

		perfFee, err := utils.ApplyBps(receipt.Yield, l.params.PerformanceFeeBps)
		if err != nil {
			return zero, err
		}
		netYield := receipt.Yield.Sub(perfFee)

		l.mu.Lock()
		deployedBefore := l.deployed[id]
		l.cash = l.cash.Add(netYield)
		l.feeAccumulator = l.feeAccumulator.Add(perfFee)
		l.trackedAssets = l.trackedAssets.Add(netYield)
		l.lifetimeProfit = l.lifetimeProfit.Add(netYield)
		commitErr := l.commitLocked()
		l.mu.Unlock()
		if commitErr != nil {
			return zero, commitErr
		}

		totalNet = totalNet.Add(netYield)

		// Feed the realized per-period return back into the scoring history.
		if deployedBefore.IsPositive() {
			periodReturn, convErr := utils.DecToFloat64(receipt.Yield.Quo(deployedBefore))
			if convErr == nil {
				if err := l.catalog.AppendReturn(id, types.ReturnPoint{Timestamp: now, Return: periodReturn}); err != nil {
					l.logger.Warn().Err(err).Str("strategy_id", string(id)).Msg("Failed to record harvest return")
				}
			}
		}

		l.logger.Info().
			Str("strategy_id", string(id)).
			Str("yield", receipt.Yield.String()).
			Str("performance_fee", perfFee.String()).
			Msg("Harvested strategy yield")
	}

	l.mu.Lock()
	// Management fee accrues on assets for the elapsed time since last harvest.
	if l.params.ManagementFeeBps > 0 && !l.lastHarvestTime.IsZero() {
		elapsed := now.Sub(l.lastHarvestTime).Seconds()
		if elapsed > 0 {
			annualFee, err := utils.ApplyBps(l.totalAssetsLocked(), l.params.ManagementFeeBps)
			if err == nil {
				mgmtFee := annualFee.MulInt64(int64(elapsed)).QuoInt64(secondsPerYear)
				mgmtFee = sdkmath.LegacyMinDec(mgmtFee, l.cash)
				l.cash = l.cash.Sub(mgmtFee)
				l.feeAccumulator = l.feeAccumulator.Add(mgmtFee)
				l.trackedAssets = l.trackedAssets.Sub(mgmtFee)
			}
		}
	}
	l.harvestEpoch = epoch
	l.lastHarvestTime = now
	commitErr := l.commitLocked()
	l.mu.Unlock()
	if commitErr != nil {
		return zero, commitErr
	}

	if totalNet.IsZero() {
		return zero, fmt.Errorf("%w: epoch %d", ErrZeroYieldAvailable, epoch)
	}
	return totalNet, nil
}

// ---------------------------------------------------------------------------
// Rebalance
// ---------------------------------------------------------------------------

// Rebalance moves deployed capital toward the plan's target weights.
// Withdraw legs run before deposit legs so freed cash funds the deposits.
// A superseding plan stops the remaining legs; the in-flight leg finishes.
func (l *Ledger) Rebalance(ctx context.Context, plan types.AllocationPlan) error {
	l.mu.Lock()
	if l.status == types.VaultEmergencyShutdown && !plan.Emergency {
		l.mu.Unlock()
		return ErrVaultHalted
	}
	if l.status == types.VaultRebalancing {
		l.mu.Unlock()
		return ErrRebalanceInProgress
	}
	priorStatus := l.status
	l.status = types.VaultRebalancing
	l.plan = plan

	withdrawLegs, depositLegs, err := l.planMovesLocked(plan)
	if err != nil {
		l.status = priorStatus
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.logger.Info().
		Str("plan_id", plan.ID).
		Int("withdraw_legs", len(withdrawLegs)).
		Int("deposit_legs", len(depositLegs)).
		Msg("Rebalance starting")

	superseded := l.executeLegs(ctx, plan.ID, withdrawLegs, true)
	if !superseded {
		superseded = l.executeLegs(ctx, plan.ID, depositLegs, false)
	}

	l.mu.Lock()
	if l.status == types.VaultRebalancing {
		l.status = priorStatus
	}
	l.checkShutdownThresholdLocked()
	commitErr := l.commitLocked()
	l.mu.Unlock()
	if commitErr != nil {
		return commitErr
	}

	l.SettlePendingWithdrawals()

	if superseded {
		return fmt.Errorf("%w: %s", ErrPlanSuperseded, plan.ID)
	}
	return nil
}

// SupersedePlan marks the in-force plan superseded, stopping any remaining
// rebalance legs after the current one completes.
func (l *Ledger) SupersedePlan(planID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.plan.ID == planID {
		l.plan.Superseded = true
		l.logger.Info().Str("plan_id", planID).Msg("Allocation plan superseded")
	}
}

type rebalanceLeg struct {
	strategyID types.StrategyID
	amount     sdkmath.LegacyDec
}

// planMovesLocked computes withdraw and deposit legs against current state.
// Legs smaller than the drift tolerance are skipped.
func (l *Ledger) planMovesLocked(plan types.AllocationPlan) (withdraws, deposits []rebalanceLeg, err error) {
	totalAssets := l.totalAssetsLocked()
	if !totalAssets.IsPositive() {
		return nil, nil, nil
	}

	tolerance, err := utils.ApplyBps(totalAssets, l.params.DriftToleranceBps)
	if err != nil {
		return nil, nil, err
	}

	// Reserve the cash buffer: only the remainder is investable.
	buffer, err := utils.ApplyBps(totalAssets, l.params.MinCashBps)
	if err != nil {
		return nil, nil, err
	}
	investable := totalAssets.Sub(buffer)

	// Union of currently deployed strategies and plan targets.
	ids := make(map[types.StrategyID]bool)
	for id := range l.deployed {
		ids[id] = true
	}
	for id := range plan.Weights {
		ids[id] = true
	}

	ordered := make([]types.StrategyID, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, id := range ordered {
		weight, err := utils.Float64ToDec(plan.Weight(id))
		if err != nil {
			return nil, nil, err
		}
		target := investable.Mul(weight)
		current := l.deployed[id]
		if current.IsNil() {
			current = sdkmath.LegacyZeroDec()
		}

		delta := target.Sub(current)
		if delta.Abs().LTE(tolerance) {
			continue
		}

		if delta.IsNegative() {
			withdraws = append(withdraws, rebalanceLeg{strategyID: id, amount: delta.Neg()})
		} else {
			deposits = append(deposits, rebalanceLeg{strategyID: id, amount: delta})
		}
	}

	return withdraws, deposits, nil
}

// executeLegs runs one side of the rebalance. Returns true when the plan was
// superseded and the remaining legs were skipped.
func (l *Ledger) executeLegs(ctx context.Context, planID string, legs []rebalanceLeg, isWithdraw bool) bool {
	for _, leg := range legs {
		l.mu.RLock()
		stale := l.plan.ID != planID || l.plan.Superseded
		l.mu.RUnlock()
		if stale {
			l.logger.Info().Str("plan_id", planID).Msg("Plan superseded, skipping remaining legs")
			return true
		}

		var err error
		if isWithdraw {
			_, err = l.executeWithdraw(ctx, leg.strategyID, leg.amount)
		} else {
			err = l.executeDeploy(ctx, leg.strategyID, leg.amount)
		}
		if err != nil {
			l.logger.Error().
				Err(err).
				Str("strategy_id", string(leg.strategyID)).
				Bool("withdraw", isWithdraw).
				Msg("Rebalance leg failed after retries, disabling strategy")
			if disableErr := l.catalog.Disable(leg.strategyID, fmt.Sprintf("execution retries exhausted: %v", err)); disableErr != nil {
				l.logger.Error().Err(disableErr).Msg("Failed to disable strategy")
			}
		}
	}
	return false
}

// checkShutdownThresholdLocked flips the vault into emergency shutdown when
// too much deployed capital sits in disabled strategies.
func (l *Ledger) checkShutdownThresholdLocked() {
	totalAssets := l.totalAssetsLocked()
	if !totalAssets.IsPositive() {
		return
	}

	disabledCapital := sdkmath.LegacyZeroDec()
	for id, amount := range l.deployed {
		s, err := l.catalog.Get(id)
		if err != nil {
			continue
		}
		if s.Status == types.StrategyDisabled {
			disabledCapital = disabledCapital.Add(amount)
		}
	}

	threshold, err := utils.ApplyBps(totalAssets, l.params.EmergencyShutdownThresholdBps)
	if err != nil {
		return
	}
	if disabledCapital.GT(threshold) && l.status != types.VaultEmergencyShutdown {
		l.status = types.VaultEmergencyShutdown
		l.logger.Error().
			Str("disabled_capital", disabledCapital.String()).
			Str("threshold", threshold.String()).
			Msg("Disabled strategy capital breached the shutdown threshold, vault entering emergency shutdown")
	}
}

// ---------------------------------------------------------------------------
// Execution primitives (lock is never held across these)
// ---------------------------------------------------------------------------

// executeDeploy moves cash into a strategy, bridging when it settles on a
// foreign chain. Retries with exponential backoff up to the configured budget.
func (l *Ledger) executeDeploy(ctx context.Context, strategyID types.StrategyID, amount sdkmath.LegacyDec) error {
	strategy, err := l.catalog.Get(strategyID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.cash.LT(amount) {
		amount = l.cash
	}
	l.mu.Unlock()
	if !amount.IsPositive() {
		return nil
	}

	if strategy.Chain != l.homeChain {
		return l.bridgeOut(ctx, strategyID, strategy.Chain, amount)
	}

	var receipt types.ExecutionReceipt
	operation := func() error {
		var opErr error
		receipt, opErr = l.port.Deploy(ctx, strategyID, amount)
		return opErr
	}
	if err := l.retry(ctx, operation); err != nil {
		return markTransient(fmt.Errorf("%w: deploy to %s: %w", ErrExecutionFailed, strategyID, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = l.cash.Sub(receipt.Amount)
	l.addDeployedLocked(strategyID, receipt.Amount)
	return l.commitLocked()
}

// executeWithdraw pulls capital from a strategy back toward cash. For foreign
// chain strategies the venue withdrawal is followed by an inbound bridge
// transfer; the amount stays in-transit until the bridge confirms.
func (l *Ledger) executeWithdraw(ctx context.Context, strategyID types.StrategyID, amount sdkmath.LegacyDec) (types.ExecutionReceipt, error) {
	strategy, err := l.catalog.Get(strategyID)
	if err != nil {
		return types.ExecutionReceipt{}, err
	}

	var receipt types.ExecutionReceipt
	operation := func() error {
		var opErr error
		receipt, opErr = l.port.Withdraw(ctx, strategyID, amount)
		return opErr
	}
	if err := l.retry(ctx, operation); err != nil {
		return types.ExecutionReceipt{}, markTransient(fmt.Errorf("%w: withdraw from %s: %w", ErrExecutionFailed, strategyID, err))
	}

	if strategy.Chain != l.homeChain {
		if err := l.bridgeIn(ctx, strategyID, strategy.Chain, receipt.Amount); err != nil {
			return types.ExecutionReceipt{}, err
		}
		return receipt, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.subDeployedLocked(strategyID, receipt.Amount)
	l.cash = l.cash.Add(receipt.Amount)
	return receipt, l.commitLocked()
}

// executeHarvest collects yield with the standard retry budget.
func (l *Ledger) executeHarvest(ctx context.Context, strategyID types.StrategyID) (types.HarvestReceipt, error) {
	var receipt types.HarvestReceipt
	operation := func() error {
		var opErr error
		receipt, opErr = l.port.Harvest(ctx, strategyID)
		return opErr
	}
	if err := l.retry(ctx, operation); err != nil {
		return types.HarvestReceipt{}, markTransient(fmt.Errorf("%w: harvest %s: %w", ErrExecutionFailed, strategyID, err))
	}
	return receipt, nil
}

// bridgeOut sends cash toward a foreign-chain strategy. Cash becomes
// in-transit; the deployed balance grows when the bridge confirms.
func (l *Ledger) bridgeOut(ctx context.Context, strategyID types.StrategyID, dest types.ChainID, amount sdkmath.LegacyDec) error {
	if l.bridge == nil {
		return fmt.Errorf("%w: strategy %s requires bridging but no bridge is configured", ErrExecutionFailed, strategyID)
	}

	transfer, err := l.bridge.Send(ctx, strategyID, types.TransferOutbound, l.homeChain, dest, amount)
	if err != nil {
		return markTransient(fmt.Errorf("%w: bridge out to %s: %w", ErrExecutionFailed, strategyID, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = l.cash.Sub(amount)
	l.inTransit = l.inTransit.Add(amount)
	l.inflight[transfer.ID] = inflightTransfer{gross: amount, direction: types.TransferOutbound, strategyID: strategyID}
	return l.commitLocked()
}

// bridgeIn brings withdrawn foreign-chain capital home. The deployed balance
// shrinks immediately; cash grows when the bridge confirms.
func (l *Ledger) bridgeIn(ctx context.Context, strategyID types.StrategyID, source types.ChainID, amount sdkmath.LegacyDec) error {
	if l.bridge == nil {
		return fmt.Errorf("%w: strategy %s requires bridging but no bridge is configured", ErrExecutionFailed, strategyID)
	}

	transfer, err := l.bridge.Send(ctx, strategyID, types.TransferInbound, source, l.homeChain, amount)
	if err != nil {
		return markTransient(fmt.Errorf("%w: bridge in from %s: %w", ErrExecutionFailed, strategyID, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.subDeployedLocked(strategyID, amount)
	l.inTransit = l.inTransit.Add(amount)
	l.inflight[transfer.ID] = inflightTransfer{gross: amount, direction: types.TransferInbound, strategyID: strategyID}
	return l.commitLocked()
}

// applyResolution accounts one settled bridge outcome.
//
// Confirmed outbound: the net amount is placed into the destination venue,
// then in-transit becomes deployed net of the bridge fee.
// Confirmed inbound: in-transit becomes cash net of the bridge fee.
// Refunded: the gross amount returns to cash.
// Failed: nothing moves; the amount stays in-transit until refunded.
func (l *Ledger) applyResolution(ctx context.Context, res types.TransferResolution) {
	l.mu.Lock()

	tracked, known := l.inflight[res.TransferID]
	if !known {
		l.mu.Unlock()
		l.logger.Warn().Str("transfer_id", res.TransferID).Msg("Resolution for unknown transfer, ignoring")
		return
	}

	switch res.Status {
	case types.TransferConfirmed:
		if tracked.direction == types.TransferOutbound {
			l.mu.Unlock()
			l.settleConfirmedDeploy(ctx, res, tracked)
			return
		}
		delete(l.inflight, res.TransferID)
		l.inTransit = l.inTransit.Sub(tracked.gross)
		fee := tracked.gross.Sub(res.NetAmount)
		l.trackedAssets = l.trackedAssets.Sub(fee) // the bridge fee is a real cost
		l.cash = l.cash.Add(res.NetAmount)
	case types.TransferRefunded:
		delete(l.inflight, res.TransferID)
		l.inTransit = l.inTransit.Sub(tracked.gross)
		if tracked.direction == types.TransferInbound {
			// The refund lands back on the strategy chain.
			l.addDeployedLocked(tracked.strategyID, tracked.gross)
		} else {
			l.cash = l.cash.Add(tracked.gross)
		}
	case types.TransferFailed:
		l.mu.Unlock()
		l.logger.Error().
			Str("transfer_id", res.TransferID).
			Str("reason", res.Reason).
			Msg("Bridge transfer failed, capital held in-transit pending refund")
		return
	default:
		l.mu.Unlock()
		return
	}

	err := l.commitLocked()
	l.mu.Unlock()
	if err != nil {
		l.logger.Error().Err(err).Str("transfer_id", res.TransferID).Msg("Failed to commit bridge resolution")
		return
	}

	l.logger.Info().
		Str("transfer_id", res.TransferID).
		Str("status", string(res.Status)).
		Str("net_amount", res.NetAmount.String()).
		Msg("Bridge resolution applied")

	l.SettlePendingWithdrawals()
}

// settleConfirmedDeploy places confirmed outbound capital into the
// destination venue. The bridge delivered the net amount to the strategy
// chain; it stays counted as in-transit until the venue accepts it. A venue
// that refuses the deposit after the retry budget gets disabled and the
// delivered amount is held as idle cash for the operator to reconcile.
func (l *Ledger) settleConfirmedDeploy(ctx context.Context, res types.TransferResolution, tracked inflightTransfer) {
	var receipt types.ExecutionReceipt
	operation := func() error {
		var opErr error
		receipt, opErr = l.port.Deploy(ctx, tracked.strategyID, res.NetAmount)
		return opErr
	}
	deployErr := l.retry(ctx, operation)
	if deployErr != nil {
		l.logger.Error().
			Err(deployErr).
			Str("transfer_id", res.TransferID).
			Str("strategy_id", string(tracked.strategyID)).
			Str("amount", res.NetAmount.String()).
			Msg("Venue rejected bridged capital, holding it as cash and disabling the strategy")
		if err := l.catalog.Disable(tracked.strategyID, "venue rejected bridged capital: "+deployErr.Error()); err != nil {
			l.logger.Error().Err(err).Str("strategy_id", string(tracked.strategyID)).Msg("Failed to disable strategy")
		}
	}

	l.mu.Lock()
	delete(l.inflight, res.TransferID)
	l.inTransit = l.inTransit.Sub(tracked.gross)
	fee := tracked.gross.Sub(res.NetAmount)
	l.trackedAssets = l.trackedAssets.Sub(fee) // the bridge fee is a real cost

	if deployErr != nil {
		l.cash = l.cash.Add(res.NetAmount)
		l.checkShutdownThresholdLocked()
	} else {
		l.addDeployedLocked(tracked.strategyID, receipt.Amount)
		if remainder := res.NetAmount.Sub(receipt.Amount); remainder.IsPositive() {
			// The venue accepted less than the delivered amount; the
			// remainder stays with the vault as cash.
			l.cash = l.cash.Add(remainder)
		}
	}
	commitErr := l.commitLocked()
	l.mu.Unlock()

	if commitErr != nil {
		l.logger.Error().Err(commitErr).Str("transfer_id", res.TransferID).Msg("Failed to commit bridge resolution")
		return
	}

	if deployErr == nil {
		l.logger.Info().
			Str("transfer_id", res.TransferID).
			Str("status", string(res.Status)).
			Str("strategy_id", string(tracked.strategyID)).
			Str("deployed", receipt.Amount.String()).
			Msg("Bridge resolution applied")
	}

	l.SettlePendingWithdrawals()
}

// retry runs an operation with exponential backoff up to MaxRetryAttempts.
func (l *Ledger) retry(ctx context.Context, operation func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = l.retryInterval
	expo.MaxElapsedTime = 0

	retries := uint64(0)
	if l.params.MaxRetryAttempts > 1 {
		retries = uint64(l.params.MaxRetryAttempts - 1)
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(expo, retries), ctx))
}

// ---------------------------------------------------------------------------
// Fees
// ---------------------------------------------------------------------------

// SweepFees drains the fee accumulator to the treasury and returns the swept
// amount. Fees are excluded from vault assets, so NAV is unaffected.
func (l *Ledger) SweepFees(treasury string) (sdkmath.LegacyDec, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	swept := l.feeAccumulator
	if !swept.IsPositive() {
		return sdkmath.LegacyZeroDec(), nil
	}
	l.feeAccumulator = sdkmath.LegacyZeroDec()
	if err := l.commitLocked(); err != nil {
		l.feeAccumulator = swept
		return sdkmath.LegacyZeroDec(), err
	}

	l.logger.Info().
		Str("treasury", treasury).
		Str("amount", swept.String()).
		Msg("Fees swept to treasury")

	return swept, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Snapshot returns a copy of the full accounting state.
func (l *Ledger) Snapshot() types.VaultSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// NAV returns the current share price.
func (l *Ledger) NAV() sdkmath.LegacyDec {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sharePriceLocked()
}

// Position returns a copy of one owner's position.
func (l *Ledger) Position(owner string) (types.UserPosition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	position, exists := l.positions[owner]
	if !exists {
		return types.UserPosition{}, fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	return *position, nil
}

// Positions returns copies of all open positions sorted by owner.
func (l *Ledger) Positions() []types.UserPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.UserPosition, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// Status returns the vault state machine position.
func (l *Ledger) Status() types.VaultStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// CurrentPlan returns the allocation plan in force.
func (l *Ledger) CurrentPlan() types.AllocationPlan {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.plan
}

// Drift returns the maximum absolute difference between current and plan
// weights across strategies.
func (l *Ledger) Drift() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totalAssets := l.totalAssetsLocked()
	if !totalAssets.IsPositive() {
		return 0
	}

	maxDrift := 0.0
	ids := make(map[types.StrategyID]bool)
	for id := range l.deployed {
		ids[id] = true
	}
	for id := range l.plan.Weights {
		ids[id] = true
	}

	for id := range ids {
		current := sdkmath.LegacyZeroDec()
		if amount, exists := l.deployed[id]; exists {
			current = amount
		}
		currentWeight, err := utils.DecToFloat64(current.Quo(totalAssets))
		if err != nil {
			continue
		}
		drift := currentWeight - l.plan.Weight(id)
		if drift < 0 {
			drift = -drift
		}
		if drift > maxDrift {
			maxDrift = drift
		}
	}
	return maxDrift
}

// NeedsDeployment reports whether idle cash exceeds the deployment threshold.
func (l *Ledger) NeedsDeployment() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.status != types.VaultActive {
		return false
	}
	totalAssets := l.totalAssetsLocked()
	if !totalAssets.IsPositive() {
		return false
	}
	threshold, err := utils.ApplyBps(totalAssets, l.params.DeployBps)
	if err != nil {
		return false
	}
	return l.cash.GT(threshold)
}

// EmergencyShutdown forces the vault into its halted state. Deposits are
// rejected; withdrawals and unwinding continue.
func (l *Ledger) EmergencyShutdown(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == types.VaultEmergencyShutdown {
		return
	}
	l.status = types.VaultEmergencyShutdown
	l.logger.Error().Str("reason", reason).Msg("Vault entering emergency shutdown")
	if err := l.commitLocked(); err != nil {
		l.logger.Error().Err(err).Msg("Failed to persist emergency shutdown")
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (l *Ledger) totalAssetsLocked() sdkmath.LegacyDec {
	total := l.cash.Add(l.inTransit)
	for _, amount := range l.deployed {
		total = total.Add(amount)
	}
	return total
}

func (l *Ledger) sharePriceLocked() sdkmath.LegacyDec {
	if l.totalShares.IsZero() {
		return sdkmath.LegacyOneDec()
	}
	return l.totalAssetsLocked().Quo(l.totalShares)
}

func (l *Ledger) addDeployedLocked(id types.StrategyID, amount sdkmath.LegacyDec) {
	current, exists := l.deployed[id]
	if !exists {
		current = sdkmath.LegacyZeroDec()
	}
	l.deployed[id] = current.Add(amount)
}

func (l *Ledger) subDeployedLocked(id types.StrategyID, amount sdkmath.LegacyDec) {
	current, exists := l.deployed[id]
	if !exists {
		current = sdkmath.LegacyZeroDec()
	}
	next := current.Sub(amount)
	if next.IsZero() {
		delete(l.deployed, id)
	} else {
		l.deployed[id] = next
	}
}

// commitLocked verifies the consistency invariant and persists the state
// delta. A violation is fatal: the vault halts and the error is returned.
func (l *Ledger) commitLocked() error {
	computed := l.totalAssetsLocked()
	if !computed.Equal(l.trackedAssets) {
		l.status = types.VaultEmergencyShutdown
		err := fmt.Errorf("%w: tracked %s, computed %s", ErrConsistency, l.trackedAssets, computed)
		l.logger.Error().
			Str("tracked_assets", l.trackedAssets.String()).
			Str("computed_assets", computed.String()).
			Msg("Consistency invariant violated, vault halted")
		l.persistLocked()
		return err
	}
	l.persistLocked()
	return nil
}

func (l *Ledger) persistLocked() {
	snapshot := l.snapshotLocked()

	positions := make([]types.UserPosition, 0, len(l.positions))
	for _, p := range l.positions {
		positions = append(positions, *p)
	}
	pending := make([]types.PendingWithdrawal, 0, len(l.pending))
	for _, w := range l.pending {
		pending = append(pending, *w)
	}

	if err := l.store.SaveState(snapshot, positions, pending); err != nil {
		l.logger.Error().Err(err).Msg("Failed to persist vault state")
	}
}

func (l *Ledger) snapshotLocked() types.VaultSnapshot {
	deployed := make(map[types.StrategyID]sdkmath.LegacyDec, len(l.deployed))
	for id, amount := range l.deployed {
		deployed[id] = amount
	}
	return types.VaultSnapshot{
		VaultID:        l.vaultID,
		Status:         l.status,
		TotalShares:    l.totalShares,
		Cash:           l.cash,
		Deployed:       deployed,
		InTransit:      l.inTransit,
		FeeAccumulator: l.feeAccumulator,
		HarvestEpoch:   l.harvestEpoch,
		LifetimeProfit: l.lifetimeProfit,
		PlanID:         l.plan.ID,
		Timestamp:      l.now().UTC(),
	}
}
