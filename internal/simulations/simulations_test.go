package simulations

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

func dec(i int64) sdkmath.LegacyDec {
	return sdkmath.LegacyNewDec(i)
}

func newTestVenue(t *testing.T) *Venue {
	t.Helper()
	v, err := NewVenue(map[types.StrategyID]StrategyProfile{
		"alpha": {AnnualYield: 0.365},
		"beta":  {AnnualYield: 0.0},
	}, 42)
	require.NoError(t, err)
	v.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return v
}

func TestVenueDeployWithdrawRoundtrip(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()

	deployed, err := v.Deploy(ctx, "alpha", dec(100))
	require.NoError(t, err)
	assert.True(t, deployed.Amount.Equal(dec(100)))
	assert.NotEmpty(t, deployed.TxRef)

	// Requests above held principal settle for what is actually there.
	withdrawn, err := v.Withdraw(ctx, "alpha", dec(150))
	require.NoError(t, err)
	assert.True(t, withdrawn.Amount.Equal(dec(100)))

	_, err = v.Withdraw(ctx, "alpha", dec(1))
	assert.ErrorIs(t, err, ErrInsufficientHeld)
}

func TestVenueRejectsUnknownStrategy(t *testing.T) {
	v := newTestVenue(t)

	_, err := v.Deploy(context.Background(), "ghost", dec(10))
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = v.Harvest(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestVenueHarvestAccruesLinearYield(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return start }

	_, err := v.Deploy(ctx, "alpha", dec(1000))
	require.NoError(t, err)

	// One day at 36.5% annual yield on 1000 is exactly 1.
	v.now = func() time.Time { return start.Add(24 * time.Hour) }
	receipt, err := v.Harvest(ctx, "alpha")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, receipt.Yield.MustFloat64(), 1e-9)

	// Immediately harvesting again yields nothing.
	receipt, err = v.Harvest(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, receipt.Yield.IsZero())
}

func TestVenueHarvestZeroWithoutPrincipal(t *testing.T) {
	v := newTestVenue(t)

	receipt, err := v.Harvest(context.Background(), "beta")
	require.NoError(t, err)
	assert.True(t, receipt.Yield.IsZero())
}

func TestBridgeClientConfirmations(t *testing.T) {
	b, err := NewBridgeClient(10 * time.Second)
	require.NoError(t, err)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return start }

	ref, block, err := b.SubmitTransfer(context.Background(), types.BridgeTransfer{
		ID:     "t1",
		Amount: dec(50),
	})
	require.NoError(t, err)
	assert.NotZero(t, block)

	count, err := b.ConfirmationCount(context.Background(), ref)
	require.NoError(t, err)
	assert.Zero(t, count)

	b.now = func() time.Time { return start.Add(2 * time.Minute) }
	count, err = b.ConfirmationCount(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), count)

	require.NoError(t, b.Refund(context.Background(), ref))
	count, err = b.ConfirmationCount(context.Background(), ref)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = b.ConfirmationCount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}
