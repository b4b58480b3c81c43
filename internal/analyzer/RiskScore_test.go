package analyzer

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

func testParams() types.RiskParameters {
	return types.RiskParameters{
		MinSamplePoints:     3,
		TrailingWindow:      30,
		AnnualizationFactor: 365,
		RiskFreeRate:        0,
		MaxRiskScore:        1000,
	}
}

func makeReturns(values ...float64) []types.ReturnPoint {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]types.ReturnPoint, len(values))
	for i, v := range values {
		points[i] = types.ReturnPoint{Timestamp: base.AddDate(0, 0, i), Return: v}
	}
	return points
}

func TestCalculateRiskScoreKnownSeries(t *testing.T) {
	params := testParams()
	returns := makeReturns(0.01, 0.02, 0.03)

	result, err := CalculateRiskScore("strat-a", returns, params)
	require.NoError(t, err)

	// mean 0.02, sample stddev 0.01
	assert.InDelta(t, 0.02, result.Components.MeanReturn, 1e-12)
	assert.InDelta(t, 0.01*math.Sqrt(365), result.Components.AnnualizedVolatility, 1e-9)

	expected := (0.02 * 365) / (0.01 * math.Sqrt(365))
	assert.InDelta(t, expected, result.Score, 1e-9)
	assert.Equal(t, 3, result.Components.SampleCount)
	assert.False(t, result.Components.ZeroVolatility)
}

func TestCalculateRiskScoreInsufficientHistory(t *testing.T) {
	params := testParams()
	returns := makeReturns(0.01, 0.02)

	_, err := CalculateRiskScore("strat-a", returns, params)
	require.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestCalculateRiskScoreZeroVolatility(t *testing.T) {
	params := testParams()

	result, err := CalculateRiskScore("flat-up", makeReturns(0.01, 0.01, 0.01), params)
	require.NoError(t, err)
	assert.True(t, result.Components.ZeroVolatility)
	assert.Equal(t, params.MaxRiskScore, result.Score)

	result, err = CalculateRiskScore("flat-down", makeReturns(-0.01, -0.01, -0.01), params)
	require.NoError(t, err)
	assert.True(t, result.Components.ZeroVolatility)
	assert.Equal(t, -params.MaxRiskScore, result.Score)

	result, err = CalculateRiskScore("flat-at-rf", makeReturns(0, 0, 0), params)
	require.NoError(t, err)
	assert.True(t, result.Components.ZeroVolatility)
	assert.Zero(t, result.Score)
}

func TestCalculateRiskScoreScalingInvariance(t *testing.T) {
	params := testParams()

	base, err := CalculateRiskScore("base", makeReturns(0.01, 0.02, 0.015, 0.005), params)
	require.NoError(t, err)

	scaled, err := CalculateRiskScore("scaled", makeReturns(0.03, 0.06, 0.045, 0.015), params)
	require.NoError(t, err)

	// With a zero risk free rate, scaling every return by the same positive
	// constant scales mean and stddev identically and leaves the score fixed.
	assert.InDelta(t, base.Score, scaled.Score, 1e-9)
}

func TestCalculateRiskScoreVolatilityMonotonicity(t *testing.T) {
	params := testParams()

	calm, err := CalculateRiskScore("calm", makeReturns(0.019, 0.02, 0.021), params)
	require.NoError(t, err)

	choppy, err := CalculateRiskScore("choppy", makeReturns(0.005, 0.02, 0.035), params)
	require.NoError(t, err)

	// Same mean return, higher dispersion scores strictly lower.
	assert.InDelta(t, calm.Components.MeanReturn, choppy.Components.MeanReturn, 1e-12)
	assert.Greater(t, calm.Score, choppy.Score)
}

func TestCalculateRiskScoreTrailingWindow(t *testing.T) {
	params := testParams()
	params.TrailingWindow = 3

	// Old garbage observations fall outside the window and cannot affect the score.
	returns := append(makeReturns(-0.5, -0.4), makeReturns(0.01, 0.02, 0.03)...)
	for i := range returns {
		returns[i].Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}

	result, err := CalculateRiskScore("windowed", returns, params)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, result.Components.MeanReturn, 1e-12)
	assert.Equal(t, 3, result.Components.SampleCount)
}

func TestCalculateRiskScoreRejectsNonFinite(t *testing.T) {
	params := testParams()

	_, err := CalculateRiskScore("nan", makeReturns(0.01, math.NaN(), 0.02), params)
	require.ErrorIs(t, err, ErrInvalidReturn)

	_, err = CalculateRiskScore("inf", makeReturns(0.01, math.Inf(1), 0.02), params)
	require.ErrorIs(t, err, ErrInvalidReturn)
}

func TestCalculateRiskScoreRejectsBadParameters(t *testing.T) {
	params := testParams()
	params.AnnualizationFactor = 0

	_, err := CalculateRiskScore("bad", makeReturns(0.01, 0.02, 0.03), params)
	require.ErrorIs(t, err, ErrInvalidParameters)
}
