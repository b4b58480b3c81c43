/*

This file contains the simulated execution venue. It stands in for the real
strategy adapters and bridge relayer so the full deposit, deploy, harvest and
withdrawal cycle can run against deterministic venue behavior.

*/

package simulations

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
	"github.com/Not-Mally-Raw/Citadel/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrUnknownStrategy  = errors.New("strategy is not configured on the venue")
	ErrInvalidAmount    = errors.New("amount is invalid")
	ErrInsufficientHeld = errors.New("withdrawal exceeds deployed principal")
	ErrVenueUnavailable = errors.New("venue is temporarily unavailable")
	ErrUnknownTransfer  = errors.New("transfer reference is unknown")
)

var venueLogger = logger.GetForComponent("simulated_venue")

// StrategyProfile describes how one simulated strategy behaves.
type StrategyProfile struct {
	// AnnualYield is the yield rate accrued on deployed principal, as a
	// fraction (0.05 == 5% per year).
	AnnualYield float64

	// FailureRate is the probability that any single venue call fails with a
	// transient error. Zero disables failure injection.
	FailureRate float64
}

// Venue is an in-process stand-in for the strategy venues. Principal is held
// per strategy and yield accrues linearly on wall-clock time between
// harvests.
type Venue struct {
	mu sync.Mutex

	profiles    map[types.StrategyID]StrategyProfile
	principal   map[types.StrategyID]sdkmath.LegacyDec
	lastHarvest map[types.StrategyID]time.Time

	rng *rand.Rand
	now func() time.Time
}

// NewVenue creates a simulated venue over the given strategy profiles.
func NewVenue(profiles map[types.StrategyID]StrategyProfile, seed int64) (*Venue, error) {
	if len(profiles) == 0 {
		return nil, errors.New("at least one strategy profile is required")
	}
	for id, p := range profiles {
		if math.IsNaN(p.AnnualYield) || math.IsInf(p.AnnualYield, 0) {
			return nil, fmt.Errorf("strategy %s has invalid annual yield", id)
		}
		if p.FailureRate < 0 || p.FailureRate > 1 {
			return nil, fmt.Errorf("strategy %s has invalid failure rate: %f", id, p.FailureRate)
		}
	}

	v := &Venue{
		profiles:    make(map[types.StrategyID]StrategyProfile, len(profiles)),
		principal:   make(map[types.StrategyID]sdkmath.LegacyDec, len(profiles)),
		lastHarvest: make(map[types.StrategyID]time.Time, len(profiles)),
		rng:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
	}
	for id, p := range profiles {
		v.profiles[id] = p
	}

	venueLogger.Info().Int("strategy_count", len(profiles)).Msg("Simulated venue initialized")
	return v, nil
}

// Deploy pushes capital into a simulated strategy.
func (v *Venue) Deploy(ctx context.Context, strategyID types.StrategyID, amount sdkmath.LegacyDec) (types.ExecutionReceipt, error) {
	if err := ctx.Err(); err != nil {
		return types.ExecutionReceipt{}, err
	}
	if amount.IsNil() || !amount.IsPositive() {
		return types.ExecutionReceipt{}, fmt.Errorf("%w: deploy amount must be positive", ErrInvalidAmount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	profile, exists := v.profiles[strategyID]
	if !exists {
		return types.ExecutionReceipt{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID)
	}
	if v.injectFailure(profile) {
		return types.ExecutionReceipt{}, fmt.Errorf("%w: deploy to %s rejected", ErrVenueUnavailable, strategyID)
	}

	held, exists := v.principal[strategyID]
	if !exists {
		held = sdkmath.LegacyZeroDec()
		v.lastHarvest[strategyID] = v.now()
	}
	v.principal[strategyID] = held.Add(amount)

	receipt := types.ExecutionReceipt{
		StrategyID: strategyID,
		Amount:     amount,
		TxRef:      "sim-deploy-" + uuid.NewString(),
	}
	venueLogger.Debug().
		Str("strategy_id", string(strategyID)).
		Str("amount", amount.String()).
		Str("tx_ref", receipt.TxRef).
		Msg("Simulated deploy settled")
	return receipt, nil
}

// Withdraw pulls capital back out of a simulated strategy. Requests above the
// held principal settle for the full held amount.
func (v *Venue) Withdraw(ctx context.Context, strategyID types.StrategyID, amount sdkmath.LegacyDec) (types.ExecutionReceipt, error) {
	if err := ctx.Err(); err != nil {
		return types.ExecutionReceipt{}, err
	}
	if amount.IsNil() || !amount.IsPositive() {
		return types.ExecutionReceipt{}, fmt.Errorf("%w: withdraw amount must be positive", ErrInvalidAmount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	profile, exists := v.profiles[strategyID]
	if !exists {
		return types.ExecutionReceipt{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID)
	}
	if v.injectFailure(profile) {
		return types.ExecutionReceipt{}, fmt.Errorf("%w: withdraw from %s rejected", ErrVenueUnavailable, strategyID)
	}

	held, exists := v.principal[strategyID]
	if !exists || held.IsZero() {
		return types.ExecutionReceipt{}, fmt.Errorf("%w: nothing deployed to %s", ErrInsufficientHeld, strategyID)
	}

	settled := sdkmath.LegacyMinDec(amount, held)
	remaining := held.Sub(settled)
	if remaining.IsZero() {
		delete(v.principal, strategyID)
	} else {
		v.principal[strategyID] = remaining
	}

	receipt := types.ExecutionReceipt{
		StrategyID: strategyID,
		Amount:     settled,
		TxRef:      "sim-withdraw-" + uuid.NewString(),
	}
	venueLogger.Debug().
		Str("strategy_id", string(strategyID)).
		Str("requested", amount.String()).
		Str("settled", settled.String()).
		Msg("Simulated withdraw settled")
	return receipt, nil
}

// Harvest collects the yield accrued on deployed principal since the last
// harvest. Principal stays in the strategy.
func (v *Venue) Harvest(ctx context.Context, strategyID types.StrategyID) (types.HarvestReceipt, error) {
	if err := ctx.Err(); err != nil {
		return types.HarvestReceipt{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	profile, exists := v.profiles[strategyID]
	if !exists {
		return types.HarvestReceipt{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID)
	}
	if v.injectFailure(profile) {
		return types.HarvestReceipt{}, fmt.Errorf("%w: harvest of %s rejected", ErrVenueUnavailable, strategyID)
	}

	receipt := types.HarvestReceipt{
		StrategyID: strategyID,
		Yield:      sdkmath.LegacyZeroDec(),
		TxRef:      "sim-harvest-" + uuid.NewString(),
	}

	held, exists := v.principal[strategyID]
	if !exists || held.IsZero() {
		return receipt, nil
	}

	nowTime := v.now()
	elapsed := nowTime.Sub(v.lastHarvest[strategyID])
	v.lastHarvest[strategyID] = nowTime
	if elapsed <= 0 || profile.AnnualYield <= 0 {
		return receipt, nil
	}

	yearFraction := elapsed.Seconds() / (365 * 24 * 3600)
	rate, err := utils.Float64ToDec(profile.AnnualYield * yearFraction)
	if err != nil {
		return types.HarvestReceipt{}, fmt.Errorf("failed to convert yield rate: %w", err)
	}
	receipt.Yield = held.Mul(rate)

	venueLogger.Debug().
		Str("strategy_id", string(strategyID)).
		Str("yield", receipt.Yield.String()).
		Dur("accrual_period", elapsed).
		Msg("Simulated harvest settled")
	return receipt, nil
}

// injectFailure rolls the venue's failure dice. Caller holds the lock.
func (v *Venue) injectFailure(profile StrategyProfile) bool {
	if profile.FailureRate <= 0 {
		return false
	}
	return v.rng.Float64() < profile.FailureRate
}

// --- Simulated bridge backend ---

type simulatedTransfer struct {
	submittedAt time.Time
	refunded    bool
}

// BridgeClient simulates a cross-chain bridge backend. Confirmations accrue
// with wall-clock time at a fixed block interval.
type BridgeClient struct {
	mu sync.Mutex

	blockInterval time.Duration
	height        uint64
	transfers     map[string]*simulatedTransfer

	now func() time.Time
}

// NewBridgeClient creates a simulated bridge backend that produces one
// confirmation per blockInterval.
func NewBridgeClient(blockInterval time.Duration) (*BridgeClient, error) {
	if blockInterval <= 0 {
		return nil, errors.New("block interval must be positive")
	}
	return &BridgeClient{
		blockInterval: blockInterval,
		transfers:     make(map[string]*simulatedTransfer),
		now:           time.Now,
	}, nil
}

// SubmitTransfer accepts every well-formed transfer immediately.
func (b *BridgeClient) SubmitTransfer(ctx context.Context, transfer types.BridgeTransfer) (string, uint64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if transfer.Amount.IsNil() || !transfer.Amount.IsPositive() {
		return "", 0, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.height++
	clientRef := "sim-bridge-" + uuid.NewString()
	b.transfers[clientRef] = &simulatedTransfer{submittedAt: b.now()}

	venueLogger.Debug().
		Str("client_ref", clientRef).
		Str("transfer_id", transfer.ID).
		Uint64("submitted_block", b.height).
		Msg("Simulated bridge transfer submitted")
	return clientRef, b.height, nil
}

// ConfirmationCount reports elapsed block intervals since submission.
func (b *BridgeClient) ConfirmationCount(ctx context.Context, clientRef string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, exists := b.transfers[clientRef]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTransfer, clientRef)
	}
	if t.refunded {
		return 0, nil
	}

	elapsed := b.now().Sub(t.submittedAt)
	if elapsed < 0 {
		return 0, nil
	}
	return uint64(elapsed / b.blockInterval), nil
}

// Refund marks a transfer as returned to its source account.
func (b *BridgeClient) Refund(ctx context.Context, clientRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, exists := b.transfers[clientRef]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, clientRef)
	}
	t.refunded = true

	venueLogger.Info().Str("client_ref", clientRef).Msg("Simulated bridge transfer refunded")
	return nil
}
