package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

func testParams() types.RiskParameters {
	return types.RiskParameters{
		MaxWeightPerStrategy: 0.40,
		MinLiquidityUSD:      100_000,
		MaxPositionSizeBps:   10_000,
	}
}

func strategy(id types.StrategyID, score, vol, liquidity float64) types.Strategy {
	s := types.Strategy{
		ID:           id,
		Chain:        "near",
		Status:       types.StrategyActive,
		LiquidityUSD: liquidity,
		ExitCapable:  true,
	}
	s.Score.StrategyID = id
	s.Score.Score = score
	s.Score.Components.AnnualizedVolatility = vol
	s.Score.Components.SampleCount = 30
	return s
}

func TestBuildPlanProportionalWeights(t *testing.T) {
	params := testParams()
	params.MaxWeightPerStrategy = 0.60

	plan, err := BuildPlan([]types.Strategy{
		strategy("a", 3, 0.1, 1e6),
		strategy("b", 2, 0.1, 1e6),
		strategy("c", 1, 0.1, 1e6),
	}, params, 1e6, false)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, plan.Weights["a"], 1e-9)
	assert.InDelta(t, 1.0/3.0, plan.Weights["b"], 1e-9)
	assert.InDelta(t, 1.0/6.0, plan.Weights["c"], 1e-9)
	assert.InDelta(t, 1.0, plan.TotalWeight(), 1e-9)
	assert.NotEmpty(t, plan.ID)
	assert.False(t, plan.Emergency)
}

func TestBuildPlanCapCascadesInRankOrder(t *testing.T) {
	params := testParams() // 40% cap

	plan, err := BuildPlan([]types.Strategy{
		strategy("first", 6, 0.1, 1e7),
		strategy("second", 3, 0.2, 1e7),
		strategy("third", 1, 0.3, 1e7),
	}, params, 1e6, false)
	require.NoError(t, err)

	// Raw proportions 0.6/0.3/0.1. The excess over first's cap flows to
	// second, whose own excess flows to third.
	assert.InDelta(t, 0.40, plan.Weights["first"], 1e-9)
	assert.InDelta(t, 0.40, plan.Weights["second"], 1e-9)
	assert.InDelta(t, 0.20, plan.Weights["third"], 1e-9)
	assert.InDelta(t, 1.0, plan.TotalWeight(), 1e-9)
}

func TestBuildPlanAllCappedLeavesCash(t *testing.T) {
	params := testParams()

	plan, err := BuildPlan([]types.Strategy{
		strategy("a", 2, 0.1, 1e7),
		strategy("b", 1, 0.2, 1e7),
	}, params, 1e6, false)
	require.NoError(t, err)

	assert.InDelta(t, 0.40, plan.Weights["a"], 1e-9)
	assert.InDelta(t, 0.40, plan.Weights["b"], 1e-9)
	// Remaining 20% stays as cash when every strategy is pinned at its cap.
	assert.InDelta(t, 0.80, plan.TotalWeight(), 1e-9)
}

func TestBuildPlanWeightsNeverExceedCap(t *testing.T) {
	params := testParams()

	plan, err := BuildPlan([]types.Strategy{
		strategy("a", 10, 0.1, 1e7),
		strategy("b", 5, 0.2, 1e7),
		strategy("c", 4, 0.3, 1e7),
		strategy("d", 1, 0.4, 1e7),
	}, params, 1e6, false)
	require.NoError(t, err)

	for id, w := range plan.Weights {
		assert.LessOrEqual(t, w, params.MaxWeightPerStrategy+1e-9, "strategy %s", id)
		assert.GreaterOrEqual(t, w, 0.0, "strategy %s", id)
	}
	assert.InDelta(t, 1.0, plan.TotalWeight(), 1e-9)
}

func TestBuildPlanLiquidityFloorExcludes(t *testing.T) {
	params := testParams()

	plan, err := BuildPlan([]types.Strategy{
		strategy("deep", 1, 0.1, 500_000),
		strategy("shallow", 5, 0.1, 50_000),
	}, params, 1e6, false)
	require.NoError(t, err)

	assert.NotContains(t, plan.Weights, types.StrategyID("shallow"))
	assert.InDelta(t, 0.40, plan.Weights["deep"], 1e-9)
}

func TestBuildPlanLiquidityCeilingCapsWeight(t *testing.T) {
	params := testParams()

	deep := strategy("capped", 5, 0.1, 1e7)
	deep.LiquidityCeilingUSD = 100_000

	plan, err := BuildPlan([]types.Strategy{
		deep,
		strategy("open", 1, 0.2, 1e7),
	}, params, 1_000_000, false)
	require.NoError(t, err)

	// Ceiling of $100k against $1M of assets binds at 10%.
	assert.InDelta(t, 0.10, plan.Weights["capped"], 1e-9)
	assert.InDelta(t, 0.40, plan.Weights["open"], 1e-9)
}

func TestBuildPlanExcludesNonPositiveAndUnscored(t *testing.T) {
	params := testParams()

	unscored := strategy("unscored", 0, 0, 1e6)
	unscored.Score.Components.SampleCount = 0

	negative := strategy("negative", -0.5, 0.2, 1e6)
	disabled := strategy("disabled", 3, 0.1, 1e6)
	disabled.Status = types.StrategyDisabled

	plan, err := BuildPlan([]types.Strategy{
		strategy("good", 2, 0.1, 1e6),
		unscored,
		negative,
		disabled,
	}, params, 1e6, false)
	require.NoError(t, err)

	assert.Len(t, plan.Weights, 1)
	assert.InDelta(t, 0.40, plan.Weights["good"], 1e-9)
}

func TestBuildPlanNoEligibleStrategies(t *testing.T) {
	plan, err := BuildPlan(nil, testParams(), 1e6, false)
	require.NoError(t, err)
	assert.Empty(t, plan.Weights)
	assert.Zero(t, plan.TotalWeight())
}

func TestBuildPlanEmergencyPicksLowestVolatilityExitCapable(t *testing.T) {
	params := testParams()

	stuck := strategy("stuck", 5, 0.05, 1e7)
	stuck.ExitCapable = false

	plan, err := BuildPlan([]types.Strategy{
		stuck,
		strategy("calm", 1, 0.10, 1e7),
		strategy("wild", 4, 0.80, 1e7),
	}, params, 1e6, true)
	require.NoError(t, err)

	assert.True(t, plan.Emergency)
	require.Len(t, plan.Weights, 1)
	assert.InDelta(t, 1.0, plan.Weights["calm"], 1e-12)
}

func TestBuildPlanEmergencyNoExitCapableHoldsCash(t *testing.T) {
	stuck := strategy("stuck", 5, 0.05, 1e7)
	stuck.ExitCapable = false

	plan, err := BuildPlan([]types.Strategy{stuck}, testParams(), 1e6, true)
	require.NoError(t, err)
	assert.True(t, plan.Emergency)
	assert.Empty(t, plan.Weights)
}

func TestBuildPlanRejectsBadConstraints(t *testing.T) {
	params := testParams()
	params.MaxWeightPerStrategy = 0

	_, err := BuildPlan([]types.Strategy{strategy("a", 1, 0.1, 1e6)}, params, 1e6, false)
	require.ErrorIs(t, err, ErrInvalidConstraints)
}
