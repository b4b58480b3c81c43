/*

This file contains the bridge coordinator, the state machine that tracks every
cross-chain transfer from initiation through confirmation, failure, retry, and
refund.

*/

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
	"github.com/Not-Mally-Raw/Citadel/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidTransferAmount = errors.New("transfer amount is invalid")
	ErrTransferTooLarge      = errors.New("transfer amount exceeds the bridge limit")
	ErrTransferNotFound      = errors.New("transfer not found")
	ErrTerminalTransfer      = errors.New("transfer is in a terminal state")
	ErrNotFailed             = errors.New("transfer is not in the failed state")
	ErrRetriesExhausted      = errors.New("transfer retry budget exhausted")
	ErrSubmitRejected        = errors.New("bridge backend rejected the transfer")
)

// Coordinator drives the transfer state machine:
//
//	Initiated -> Submitted -> PendingConfirmation -> Confirmed
//	Submitted/PendingConfirmation -> Failed (rejection, timeout)
//	Failed -> Submitted (Retry, while attempts remain)
//	Failed -> Refunded (Refund)
//
// Settled outcomes are published to subscribers as TransferResolutions; the
// vault ledger consumes these to move amounts out of in-transit. The mutex
// guards only in-memory state and is never held across Client calls.
type Coordinator struct {
	mu     sync.Mutex
	logger zerolog.Logger

	vaultID string
	client  Client
	store   TransferStore
	params  types.RiskParameters

	transfers   map[string]*types.BridgeTransfer
	subscribers []chan<- types.TransferResolution

	// Aggregates over confirmed transfers.
	totalVolume       sdkmath.LegacyDec
	confirmLatencySum float64
	confirmCount      int

	now           func() time.Time
	retryInterval time.Duration
}

// NewCoordinator creates a coordinator for one vault's transfers.
func NewCoordinator(vaultID string, client Client, store TransferStore, params types.RiskParameters) *Coordinator {
	return &Coordinator{
		logger:        logger.GetForComponent("bridge_coordinator"),
		vaultID:       vaultID,
		client:        client,
		store:         store,
		params:        params,
		transfers:     make(map[string]*types.BridgeTransfer),
		totalVolume:   sdkmath.LegacyZeroDec(),
		now:           time.Now,
		retryInterval: 500 * time.Millisecond,
	}
}

// Subscribe registers a channel for settled transfer outcomes. Sends are
// blocking; subscribers must keep draining their channel.
func (c *Coordinator) Subscribe(ch chan<- types.TransferResolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, ch)
}

// Restore reloads open transfers from the store after a restart so their
// confirmation tracking resumes.
func (c *Coordinator) Restore() error {
	open, err := c.store.LoadOpenTransfers(c.vaultID)
	if err != nil {
		return fmt.Errorf("failed to restore open transfers: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range open {
		t := open[i]
		c.transfers[t.ID] = &t
	}

	c.logger.Info().Int("open_transfers", len(open)).Msg("Restored open transfers")
	return nil
}

// Send initiates and submits a transfer in one call. On acceptance the
// returned transfer is Submitted and its amount must be accounted as
// in-transit by the caller. A rejection after the retry budget is returned as
// ErrSubmitRejected and no capital has moved.
func (c *Coordinator) Send(ctx context.Context, strategyID types.StrategyID, direction types.TransferDirection,
	source, dest types.ChainID, amount sdkmath.LegacyDec) (types.BridgeTransfer, error) {

	transfer, err := c.initiate(strategyID, direction, source, dest, amount)
	if err != nil {
		return types.BridgeTransfer{}, err
	}

	if err := c.submit(ctx, transfer.ID); err != nil {
		return c.snapshot(transfer.ID), err
	}
	return c.snapshot(transfer.ID), nil
}

// initiate validates and records a new transfer in the Initiated state.
func (c *Coordinator) initiate(strategyID types.StrategyID, direction types.TransferDirection,
	source, dest types.ChainID, amount sdkmath.LegacyDec) (types.BridgeTransfer, error) {

	if amount.IsNil() || !amount.IsPositive() {
		return types.BridgeTransfer{}, fmt.Errorf("%w: %s", ErrInvalidTransferAmount, amount)
	}
	if !c.params.MaxTransferAmount.IsNil() && amount.GT(c.params.MaxTransferAmount) {
		return types.BridgeTransfer{}, fmt.Errorf("%w: %s > %s", ErrTransferTooLarge, amount, c.params.MaxTransferAmount)
	}

	fee, err := utils.ApplyBps(amount, c.params.BridgeFeeBps)
	if err != nil {
		return types.BridgeTransfer{}, err
	}

	now := c.now().UTC()
	transfer := types.BridgeTransfer{
		ID:          uuid.New().String(),
		VaultID:     c.vaultID,
		StrategyID:  strategyID,
		Direction:   direction,
		SourceChain: source,
		DestChain:   dest,
		Amount:      amount,
		Fee:         fee,
		Status:      types.TransferInitiated,
		InitiatedAt: now,
		UpdatedAt:   now,
		Deadline:    now.Add(c.params.TransferTimeout),
	}

	if err := c.store.SaveTransfer(transfer); err != nil {
		return types.BridgeTransfer{}, fmt.Errorf("failed to persist initiated transfer: %w", err)
	}

	c.mu.Lock()
	c.transfers[transfer.ID] = &transfer
	c.mu.Unlock()

	c.logger.Info().
		Str("transfer_id", transfer.ID).
		Str("strategy_id", string(strategyID)).
		Str("direction", string(direction)).
		Str("amount", amount.String()).
		Str("fee", fee.String()).
		Msg("Transfer initiated")

	return transfer, nil
}

// submit pushes an Initiated or retried transfer to the backend with
// exponential backoff. Each backend attempt consumes one unit of the retry
// budget; exhaustion marks the transfer Failed.
func (c *Coordinator) submit(ctx context.Context, transferID string) error {
	snapshot := c.snapshot(transferID)
	if snapshot.ID == "" {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}

	var clientRef string
	var submittedBlock uint64

	operation := func() error {
		c.recordAttempt(transferID)

		ref, block, err := c.client.SubmitTransfer(ctx, snapshot)
		if err != nil {
			c.logger.Warn().
				Str("transfer_id", transferID).
				Err(err).
				Msg("Bridge submission attempt failed")
			return err
		}
		clientRef = ref
		submittedBlock = block
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryInterval
	expo.MaxElapsedTime = 0

	retries := uint64(0)
	if c.params.MaxRetryAttempts > 1 {
		retries = uint64(c.params.MaxRetryAttempts - 1)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(expo, retries), ctx))
	if err != nil {
		c.fail(transferID, fmt.Sprintf("submission rejected: %v", err), false)
		return fmt.Errorf("%w: %w", ErrSubmitRejected, err)
	}

	c.mu.Lock()
	transfer, exists := c.transfers[transferID]
	if exists {
		transfer.Status = types.TransferSubmitted
		transfer.ClientRef = clientRef
		transfer.SubmittedBlock = submittedBlock
		transfer.Deadline = c.now().UTC().Add(c.params.TransferTimeout)
		transfer.UpdatedAt = c.now().UTC()
	}
	c.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}

	c.persist(transferID)

	c.logger.Info().
		Str("transfer_id", transferID).
		Str("client_ref", clientRef).
		Uint64("submitted_block", submittedBlock).
		Msg("Transfer submitted")

	return nil
}

// PollOnce advances every open transfer one step: timed out transfers are
// failed, everything else has its confirmation depth refreshed and may reach
// Confirmed. Exposed for tests and called on an interval by Run.
func (c *Coordinator) PollOnce(ctx context.Context) {
	now := c.now().UTC()

	c.mu.Lock()
	open := make([]types.BridgeTransfer, 0, len(c.transfers))
	for _, t := range c.transfers {
		if t.Status == types.TransferSubmitted || t.Status == types.TransferPendingConfirmation {
			open = append(open, *t)
		}
	}
	c.mu.Unlock()

	for _, t := range open {
		if now.After(t.Deadline) {
			c.fail(t.ID, "confirmation window elapsed", true)
			continue
		}

		confirmations, err := c.client.ConfirmationCount(ctx, t.ClientRef)
		if err != nil {
			c.logger.Warn().
				Str("transfer_id", t.ID).
				Err(err).
				Msg("Confirmation query failed, will retry next sweep")
			continue
		}

		c.advance(t.ID, confirmations)
	}
}

// advance applies a fresh confirmation depth to one transfer.
func (c *Coordinator) advance(transferID string, confirmations uint64) {
	c.mu.Lock()
	transfer, exists := c.transfers[transferID]
	if !exists || transfer.Status.Terminal() || transfer.Status == types.TransferFailed {
		c.mu.Unlock()
		return
	}

	transfer.Confirmations = confirmations
	transfer.UpdatedAt = c.now().UTC()

	if confirmations > 0 && transfer.Status == types.TransferSubmitted {
		transfer.Status = types.TransferPendingConfirmation
	}

	confirmed := confirmations >= c.params.ConfirmationBlocks
	if confirmed {
		transfer.Status = types.TransferConfirmed
		transfer.ConfirmedAt = c.now().UTC()
		c.totalVolume = c.totalVolume.Add(transfer.Amount)
		c.confirmLatencySum += transfer.ConfirmedAt.Sub(transfer.InitiatedAt).Seconds()
		c.confirmCount++
	}
	resolution := c.resolutionLocked(transfer)
	c.mu.Unlock()

	c.persist(transferID)

	if confirmed {
		c.logger.Info().
			Str("transfer_id", transferID).
			Uint64("confirmations", confirmations).
			Msg("Transfer confirmed")
		c.publish(resolution)
	}
}

// Retry moves a Failed transfer back through submission while attempts remain.
func (c *Coordinator) Retry(ctx context.Context, transferID string) error {
	c.mu.Lock()
	transfer, exists := c.transfers[transferID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if transfer.Status != types.TransferFailed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, transferID, transfer.Status)
	}
	if transfer.Attempts >= c.params.MaxRetryAttempts {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s used %d attempts", ErrRetriesExhausted, transferID, transfer.Attempts)
	}
	transfer.Status = types.TransferInitiated
	transfer.FailureReason = ""
	transfer.UpdatedAt = c.now().UTC()
	c.mu.Unlock()

	c.logger.Info().Str("transfer_id", transferID).Msg("Retrying failed transfer")
	return c.submit(ctx, transferID)
}

// Refund administratively resolves a Failed transfer, returning the locked
// amount to the vault. This is the only path that releases a failed
// transfer's capital; it is never dropped silently.
func (c *Coordinator) Refund(ctx context.Context, transferID string) error {
	c.mu.Lock()
	transfer, exists := c.transfers[transferID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if transfer.Status != types.TransferFailed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, transferID, transfer.Status)
	}
	clientRef := transfer.ClientRef
	c.mu.Unlock()

	// A transfer that was never accepted by the backend has nothing to claw back.
	if clientRef != "" {
		if err := c.client.Refund(ctx, clientRef); err != nil {
			return fmt.Errorf("bridge refund failed for %s: %w", transferID, err)
		}
	}

	c.mu.Lock()
	transfer, exists = c.transfers[transferID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	transfer.Status = types.TransferRefunded
	transfer.UpdatedAt = c.now().UTC()
	resolution := c.resolutionLocked(transfer)
	resolution.NetAmount = transfer.Amount // refunds return the gross amount
	c.mu.Unlock()

	c.persist(transferID)

	c.logger.Info().Str("transfer_id", transferID).Msg("Transfer refunded")
	c.publish(resolution)
	return nil
}

// Open returns copies of every transfer that has not reached a terminal
// state. Failed transfers are included: their capital is still locked until
// a retry confirms or a refund releases it.
func (c *Coordinator) Open() []types.BridgeTransfer {
	c.mu.Lock()
	defer c.mu.Unlock()

	open := make([]types.BridgeTransfer, 0, len(c.transfers))
	for _, t := range c.transfers {
		if !t.Status.Terminal() {
			open = append(open, *t)
		}
	}
	return open
}

// Get returns a copy of one transfer.
func (c *Coordinator) Get(transferID string) (types.BridgeTransfer, error) {
	t := c.snapshot(transferID)
	if t.ID == "" {
		return types.BridgeTransfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	return t, nil
}

// Stats aggregates the coordinator's view for the web API and metrics.
func (c *Coordinator) Stats() types.BridgeStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := types.BridgeStats{
		Counts:      make(map[types.TransferStatus]int),
		TotalVolume: c.totalVolume,
	}

	failed := 0
	refunded := 0
	for _, t := range c.transfers {
		stats.Counts[t.Status]++
		switch t.Status {
		case types.TransferFailed:
			failed++
		case types.TransferRefunded:
			refunded++
		}
	}

	if c.confirmCount > 0 {
		stats.MeanConfirmationSeconds = c.confirmLatencySum / float64(c.confirmCount)
	}

	settled := c.confirmCount + failed + refunded
	if settled > 0 {
		stats.SuccessRate = float64(c.confirmCount) / float64(settled)
	}

	return stats
}

// Run sweeps confirmations on an interval until the context is cancelled.
// Each tick also works off Failed transfers: retried while attempts remain,
// refunded once the budget is exhausted.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	c.logger.Info().Dur("interval", interval).Msg("Bridge confirmation loop starting")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Bridge confirmation loop stopping")
			return
		case <-ticker.C:
			c.PollOnce(ctx)
			c.sweepFailed(ctx)
		}
	}
}

// sweepFailed resolves every Failed transfer one step: re-submission while
// the retry budget lasts, then a refund that releases the locked capital.
func (c *Coordinator) sweepFailed(ctx context.Context) {
	c.mu.Lock()
	failed := make([]types.BridgeTransfer, 0)
	for _, t := range c.transfers {
		if t.Status == types.TransferFailed {
			failed = append(failed, *t)
		}
	}
	c.mu.Unlock()

	for _, t := range failed {
		if t.Attempts < c.params.MaxRetryAttempts {
			if err := c.Retry(ctx, t.ID); err != nil {
				c.logger.Warn().Str("transfer_id", t.ID).Err(err).Msg("Transfer retry failed")
			}
			continue
		}
		if err := c.Refund(ctx, t.ID); err != nil {
			c.logger.Error().Str("transfer_id", t.ID).Err(err).Msg("Transfer refund failed")
		}
	}
}

// fail marks a transfer Failed. submittedCapital indicates whether the amount
// had already left the vault and therefore stays in-transit until refunded.
func (c *Coordinator) fail(transferID, reason string, submittedCapital bool) {
	c.mu.Lock()
	transfer, exists := c.transfers[transferID]
	if !exists || transfer.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	transfer.Status = types.TransferFailed
	transfer.FailureReason = reason
	transfer.UpdatedAt = c.now().UTC()
	resolution := c.resolutionLocked(transfer)
	resolution.NetAmount = sdkmath.LegacyZeroDec()
	c.mu.Unlock()

	c.persist(transferID)

	c.logger.Error().
		Str("transfer_id", transferID).
		Str("reason", reason).
		Bool("capital_in_transit", submittedCapital).
		Msg("Transfer failed")

	if submittedCapital {
		c.publish(resolution)
	}
}

func (c *Coordinator) recordAttempt(transferID string) {
	c.mu.Lock()
	if transfer, exists := c.transfers[transferID]; exists {
		transfer.Attempts++
	}
	c.mu.Unlock()
}

// snapshot returns a copy of the transfer, or a zero value when unknown.
func (c *Coordinator) snapshot(transferID string) types.BridgeTransfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if transfer, exists := c.transfers[transferID]; exists {
		return *transfer
	}
	return types.BridgeTransfer{}
}

func (c *Coordinator) resolutionLocked(t *types.BridgeTransfer) types.TransferResolution {
	return types.TransferResolution{
		TransferID: t.ID,
		VaultID:    t.VaultID,
		StrategyID: t.StrategyID,
		Direction:  t.Direction,
		Status:     t.Status,
		NetAmount:  t.NetAmount(),
		Reason:     t.FailureReason,
	}
}

func (c *Coordinator) persist(transferID string) {
	snapshot := c.snapshot(transferID)
	if snapshot.ID == "" {
		return
	}
	if err := c.store.SaveTransfer(snapshot); err != nil {
		c.logger.Error().
			Str("transfer_id", transferID).
			Err(err).
			Msg("Failed to persist transfer state")
	}
}

func (c *Coordinator) publish(resolution types.TransferResolution) {
	c.mu.Lock()
	subscribers := make([]chan<- types.TransferResolution, len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.mu.Unlock()

	for _, ch := range subscribers {
		ch <- resolution
	}
}
