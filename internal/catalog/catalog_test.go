package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

func point(day int, r float64) types.ReturnPoint {
	return types.ReturnPoint{
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day),
		Return:    r,
	}
}

func TestRegisterAndGet(t *testing.T) {
	cat := New(10)

	err := cat.Register(types.Strategy{ID: "aave-usdc", Chain: "ethereum", Protocol: "aave"})
	require.NoError(t, err)

	s, err := cat.Get("aave-usdc")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyActive, s.Status)
	assert.False(t, s.RegisteredAt.IsZero())

	err = cat.Register(types.Strategy{ID: "aave-usdc", Chain: "ethereum"})
	require.ErrorIs(t, err, ErrStrategyExists)

	_, err = cat.Get("unknown")
	require.ErrorIs(t, err, ErrStrategyNotFound)
}

func TestRegisterValidation(t *testing.T) {
	cat := New(10)

	require.ErrorIs(t, cat.Register(types.Strategy{Chain: "near"}), ErrInvalidStrategy)
	require.ErrorIs(t, cat.Register(types.Strategy{ID: "x"}), ErrInvalidStrategy)
	require.ErrorIs(t, cat.Register(types.Strategy{ID: "x", Chain: "near", LiquidityUSD: -1}), ErrInvalidStrategy)
}

func TestListIsSortedAndCopied(t *testing.T) {
	cat := New(10)
	require.NoError(t, cat.Register(types.Strategy{ID: "bbb", Chain: "near"}))
	require.NoError(t, cat.Register(types.Strategy{ID: "aaa", Chain: "near"}))

	list := cat.List()
	require.Len(t, list, 2)
	assert.Equal(t, types.StrategyID("aaa"), list[0].ID)

	// Mutating the returned copy must not touch catalog state.
	list[0].Status = types.StrategyDisabled
	s, err := cat.Get("aaa")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyActive, s.Status)
}

func TestDisableRemovesFromActive(t *testing.T) {
	cat := New(10)
	require.NoError(t, cat.Register(types.Strategy{ID: "a", Chain: "near"}))
	require.NoError(t, cat.Register(types.Strategy{ID: "b", Chain: "near"}))

	require.NoError(t, cat.Disable("a", "execution retries exhausted"))

	active := cat.Active()
	require.Len(t, active, 1)
	assert.Equal(t, types.StrategyID("b"), active[0].ID)

	s, err := cat.Get("a")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyDisabled, s.Status)
	assert.Equal(t, "execution retries exhausted", s.DisabledReason)
}

func TestReturnHistoryIsBounded(t *testing.T) {
	cat := New(3)
	require.NoError(t, cat.Register(types.Strategy{ID: "s", Chain: "near"}))

	for i := 0; i < 5; i++ {
		require.NoError(t, cat.AppendReturn("s", point(i, float64(i)/100)))
	}

	history, err := cat.Returns("s", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Oldest two points were dropped.
	assert.InDelta(t, 0.02, history[0].Return, 1e-12)
	assert.InDelta(t, 0.04, history[2].Return, 1e-12)
}

func TestReturnsWindow(t *testing.T) {
	cat := New(10)
	require.NoError(t, cat.Register(types.Strategy{ID: "s", Chain: "near"}))
	for i := 0; i < 5; i++ {
		require.NoError(t, cat.AppendReturn("s", point(i, float64(i)/100)))
	}

	history, err := cat.Returns("s", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.InDelta(t, 0.03, history[0].Return, 1e-12)
}

func TestAppendReturnValidation(t *testing.T) {
	cat := New(10)
	require.NoError(t, cat.Register(types.Strategy{ID: "s", Chain: "near"}))

	err := cat.AppendReturn("s", types.ReturnPoint{Return: 0.01})
	require.ErrorIs(t, err, ErrInvalidReturnPoint)

	err = cat.AppendReturn("ghost", point(0, 0.01))
	require.ErrorIs(t, err, ErrStrategyNotFound)
}
