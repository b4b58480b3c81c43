package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// memoryTransferStore is an in-memory TransferStore for tests.
type memoryTransferStore struct {
	mu        sync.Mutex
	transfers map[string]types.BridgeTransfer
}

func newMemoryTransferStore() *memoryTransferStore {
	return &memoryTransferStore{transfers: make(map[string]types.BridgeTransfer)}
}

func (s *memoryTransferStore) SaveTransfer(t types.BridgeTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.ID] = t
	return nil
}

func (s *memoryTransferStore) LoadOpenTransfers(vaultID string) ([]types.BridgeTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []types.BridgeTransfer
	for _, t := range s.transfers {
		if t.VaultID == vaultID && !t.Status.Terminal() {
			open = append(open, t)
		}
	}
	return open, nil
}

// fakeClient is a programmable bridge backend.
type fakeClient struct {
	mu            sync.Mutex
	submitCalls   int
	failSubmits   int // reject this many submissions before accepting
	confirmations uint64
	confirmErr    error
	refunded      []string
}

func (f *fakeClient) SubmitTransfer(_ context.Context, t types.BridgeTransfer) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitCalls <= f.failSubmits {
		return "", 0, errors.New("relayer unavailable")
	}
	return "ref-" + t.ID, 100, nil
}

func (f *fakeClient) ConfirmationCount(_ context.Context, _ string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmations, f.confirmErr
}

func (f *fakeClient) Refund(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, ref)
	return nil
}

func (f *fakeClient) setConfirmations(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmations = n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func bridgeParams() types.RiskParameters {
	return types.RiskParameters{
		BridgeFeeBps:       30,
		MaxTransferAmount:  sdkmath.LegacyNewDec(1_000_000),
		ConfirmationBlocks: 12,
		TransferTimeout:    30 * time.Minute,
		MaxRetryAttempts:   3,
	}
}

func newTestCoordinator(t *testing.T, client *fakeClient) (*Coordinator, *fakeClock, chan types.TransferResolution) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	coord := NewCoordinator("vault-1", client, newMemoryTransferStore(), bridgeParams())
	coord.now = clock.Now
	coord.retryInterval = time.Millisecond

	resolutions := make(chan types.TransferResolution, 16)
	coord.Subscribe(resolutions)
	return coord, clock, resolutions
}

func TestSendSubmitsTransfer(t *testing.T) {
	client := &fakeClient{}
	coord, _, _ := newTestCoordinator(t, client)

	transfer, err := coord.Send(context.Background(), "aave-usdc", types.TransferOutbound,
		"near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	assert.Equal(t, types.TransferSubmitted, transfer.Status)
	assert.Equal(t, "ref-"+transfer.ID, transfer.ClientRef)
	assert.Equal(t, uint64(100), transfer.SubmittedBlock)
	assert.Equal(t, 1, transfer.Attempts)
	// 30 bps of 1000
	assert.True(t, transfer.Fee.Equal(sdkmath.LegacyNewDec(3)), "fee was %s", transfer.Fee)
	assert.True(t, transfer.NetAmount().Equal(sdkmath.LegacyNewDec(997)))
}

func TestSendRejectsInvalidAmounts(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, &fakeClient{})

	_, err := coord.Send(context.Background(), "s", types.TransferOutbound, "a", "b", sdkmath.LegacyZeroDec())
	require.ErrorIs(t, err, ErrInvalidTransferAmount)

	_, err = coord.Send(context.Background(), "s", types.TransferOutbound, "a", "b", sdkmath.LegacyNewDec(2_000_000))
	require.ErrorIs(t, err, ErrTransferTooLarge)
}

func TestSendFailsAfterRetryBudget(t *testing.T) {
	client := &fakeClient{failSubmits: 100} // never accepts
	coord, _, resolutions := newTestCoordinator(t, client)

	transfer, err := coord.Send(context.Background(), "s", types.TransferOutbound,
		"near", "ethereum", sdkmath.LegacyNewDec(500))
	require.ErrorIs(t, err, ErrSubmitRejected)

	assert.Equal(t, types.TransferFailed, transfer.Status)
	assert.Equal(t, 3, transfer.Attempts)
	assert.Equal(t, 3, client.submitCalls)

	// Capital never left the vault, so no resolution is published.
	select {
	case res := <-resolutions:
		t.Fatalf("unexpected resolution: %+v", res)
	default:
	}
}

func TestPollAdvancesToConfirmed(t *testing.T) {
	client := &fakeClient{}
	coord, _, resolutions := newTestCoordinator(t, client)
	ctx := context.Background()

	transfer, err := coord.Send(ctx, "s", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	client.setConfirmations(3)
	coord.PollOnce(ctx)

	got, err := coord.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferPendingConfirmation, got.Status)
	assert.Equal(t, uint64(3), got.Confirmations)

	client.setConfirmations(12)
	coord.PollOnce(ctx)

	got, err = coord.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferConfirmed, got.Status)

	res := <-resolutions
	assert.Equal(t, transfer.ID, res.TransferID)
	assert.Equal(t, types.TransferConfirmed, res.Status)
	assert.True(t, res.NetAmount.Equal(sdkmath.LegacyNewDec(997)))
	assert.Equal(t, types.TransferOutbound, res.Direction)
}

func TestPollTimeoutForcesFailed(t *testing.T) {
	client := &fakeClient{}
	coord, clock, resolutions := newTestCoordinator(t, client)
	ctx := context.Background()

	transfer, err := coord.Send(ctx, "s", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	// Stuck below the confirmation depth past the deadline.
	client.setConfirmations(2)
	clock.Advance(31 * time.Minute)
	coord.PollOnce(ctx)

	got, err := coord.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferFailed, got.Status)
	assert.Equal(t, "confirmation window elapsed", got.FailureReason)

	// The capital had been submitted, so the failure is surfaced.
	res := <-resolutions
	assert.Equal(t, types.TransferFailed, res.Status)
	assert.True(t, res.NetAmount.IsZero())
}

func TestRetryAfterTimeout(t *testing.T) {
	client := &fakeClient{}
	coord, clock, _ := newTestCoordinator(t, client)
	ctx := context.Background()

	transfer, err := coord.Send(ctx, "s", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	coord.PollOnce(ctx)

	require.NoError(t, coord.Retry(ctx, transfer.ID))

	got, err := coord.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferSubmitted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.FailureReason)
}

func TestRetryExhaustedBudget(t *testing.T) {
	client := &fakeClient{failSubmits: 100}
	coord, _, _ := newTestCoordinator(t, client)
	ctx := context.Background()

	transfer, _ := coord.Send(ctx, "s", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.Equal(t, types.TransferFailed, transfer.Status)

	err := coord.Retry(ctx, transfer.ID)
	require.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRefundReleasesCapital(t *testing.T) {
	client := &fakeClient{}
	coord, clock, resolutions := newTestCoordinator(t, client)
	ctx := context.Background()

	transfer, err := coord.Send(ctx, "s", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	coord.PollOnce(ctx)
	<-resolutions // drain the failure

	require.NoError(t, coord.Refund(ctx, transfer.ID))

	got, err := coord.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferRefunded, got.Status)
	assert.Equal(t, []string{"ref-" + transfer.ID}, client.refunded)

	res := <-resolutions
	assert.Equal(t, types.TransferRefunded, res.Status)
	// Refunds return the gross amount.
	assert.True(t, res.NetAmount.Equal(sdkmath.LegacyNewDec(1000)))
}

func TestSweepRetriesTimedOutTransfer(t *testing.T) {
	client := &fakeClient{}
	coord, clock, resolutions := newTestCoordinator(t, client)
	ctx := context.Background()

	transfer, err := coord.Send(ctx, "s", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	coord.PollOnce(ctx)
	<-resolutions // drain the failure

	got, err := coord.Get(transfer.ID)
	require.NoError(t, err)
	require.Equal(t, types.TransferFailed, got.Status)

	// The next tick's sweep re-submits without operator intervention.
	coord.sweepFailed(ctx)

	got, err = coord.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferSubmitted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 2, client.submitCalls)
}

func TestSweepRefundsAfterRetryBudget(t *testing.T) {
	client := &fakeClient{}
	coord, clock, resolutions := newTestCoordinator(t, client)
	ctx := context.Background()

	transfer, err := coord.Send(ctx, "s", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	// Two timeout and re-submit rounds use up the three-attempt budget.
	for i := 0; i < 2; i++ {
		clock.Advance(31 * time.Minute)
		coord.PollOnce(ctx)
		<-resolutions
		coord.sweepFailed(ctx)
	}

	clock.Advance(31 * time.Minute)
	coord.PollOnce(ctx)
	<-resolutions

	coord.sweepFailed(ctx)

	got, err := coord.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferRefunded, got.Status)
	assert.Equal(t, []string{"ref-" + transfer.ID}, client.refunded)

	res := <-resolutions
	assert.Equal(t, types.TransferRefunded, res.Status)
	assert.True(t, res.NetAmount.Equal(sdkmath.LegacyNewDec(1000)))
}

func TestOpenIncludesFailedTransfers(t *testing.T) {
	client := &fakeClient{}
	coord, clock, resolutions := newTestCoordinator(t, client)
	ctx := context.Background()

	confirmedTransfer, err := coord.Send(ctx, "a", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)
	client.setConfirmations(12)
	coord.PollOnce(ctx)
	<-resolutions

	client.setConfirmations(0)
	failedTransfer, err := coord.Send(ctx, "b", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(400))
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)
	coord.PollOnce(ctx)
	<-resolutions

	open := coord.Open()
	require.Len(t, open, 1)
	assert.Equal(t, failedTransfer.ID, open[0].ID)
	assert.NotEqual(t, confirmedTransfer.ID, open[0].ID)
}

func TestRefundRequiresFailedState(t *testing.T) {
	client := &fakeClient{}
	coord, _, _ := newTestCoordinator(t, client)
	ctx := context.Background()

	transfer, err := coord.Send(ctx, "s", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	err = coord.Refund(ctx, transfer.ID)
	require.ErrorIs(t, err, ErrNotFailed)
}

func TestStats(t *testing.T) {
	client := &fakeClient{}
	coord, clock, resolutions := newTestCoordinator(t, client)
	ctx := context.Background()

	confirmedTransfer, err := coord.Send(ctx, "a", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	client.setConfirmations(12)
	coord.PollOnce(ctx)
	<-resolutions

	// Second transfer times out.
	client.setConfirmations(0)
	_, err = coord.Send(ctx, "b", types.TransferOutbound, "near", "ethereum", sdkmath.LegacyNewDec(400))
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)
	coord.PollOnce(ctx)
	<-resolutions

	stats := coord.Stats()
	assert.Equal(t, 1, stats.Counts[types.TransferConfirmed])
	assert.Equal(t, 1, stats.Counts[types.TransferFailed])
	assert.True(t, stats.TotalVolume.Equal(sdkmath.LegacyNewDec(1000)))
	assert.InDelta(t, 300, stats.MeanConfirmationSeconds, 1e-9)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)

	_ = confirmedTransfer
}

func TestRestoreReloadsOpenTransfers(t *testing.T) {
	client := &fakeClient{}
	store := newMemoryTransferStore()
	params := bridgeParams()

	first := NewCoordinator("vault-1", client, store, params)
	first.now = time.Now
	first.retryInterval = time.Millisecond

	transfer, err := first.Send(context.Background(), "s", types.TransferOutbound,
		"near", "ethereum", sdkmath.LegacyNewDec(1000))
	require.NoError(t, err)

	second := NewCoordinator("vault-1", client, store, params)
	require.NoError(t, second.Restore())

	got, err := second.Get(transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TransferSubmitted, got.Status)
}
