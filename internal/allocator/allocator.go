/*

This file contains the allocator, which turns ranked strategy scores into an
immutable target allocation plan.

*/

package allocator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
	"github.com/Not-Mally-Raw/Citadel/internal/utils"
)

var allocatorLogger = logger.GetForComponent("allocator")

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidConstraints = errors.New("invalid allocation constraints")
	ErrInvalidScore       = errors.New("strategy score is not finite")
	ErrOverAllocation     = errors.New("allocation exceeded total weight")
)

// weightTolerance absorbs floating point drift when checking the plan sum.
const weightTolerance = 1e-9

// BuildPlan computes target weights for the given strategies.
//
// Inputs:
//   - ranked: strategies already scored and ordered best-first by the analyzer.
//   - params: the active risk parameter set.
//   - totalAssetsUSD: current vault assets, used to translate venue liquidity
//     ceilings into weight caps. Zero disables ceiling-derived caps.
//   - emergency: when true the plan collapses to the lowest-volatility
//     exit-capable strategy, or to all-cash when none qualifies.
//
// Output: an immutable AllocationPlan whose weights sum to exactly 1.0, or to
// less when every eligible strategy is pinned at its cap (the remainder stays
// as cash), or to 0.0 when nothing is eligible. An empty plan is a valid
// outcome, never an error.
func BuildPlan(ranked []types.Strategy, params types.RiskParameters, totalAssetsUSD float64, emergency bool) (types.AllocationPlan, error) {
	plan := types.AllocationPlan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Weights:   make(map[types.StrategyID]float64),
		Emergency: emergency,
	}

	if err := validateConstraints(params, totalAssetsUSD); err != nil {
		return types.AllocationPlan{}, err
	}

	if emergency {
		return buildEmergencyPlan(plan, ranked)
	}

	eligible, err := filterEligible(ranked, params)
	if err != nil {
		return types.AllocationPlan{}, err
	}
	if len(eligible) == 0 {
		allocatorLogger.Warn().Msg("No eligible strategies, issuing all-cash plan")
		return plan, nil
	}

	totalScore := 0.0
	for _, s := range eligible {
		totalScore += s.Score.Score
	}
	if totalScore <= 0 {
		return types.AllocationPlan{}, fmt.Errorf("%w: total score of eligible strategies is non-positive", ErrInvalidScore)
	}

	// Pass 1: score-proportional weights in rank order. A strategy pinned at
	// its cap leaves its excess in remainingWeight, which flows down to the
	// next-ranked strategies through the shrinking score denominator.
	remainingWeight := 1.0
	remainingScore := totalScore
	atCap := make(map[types.StrategyID]bool)

	for _, s := range eligible {
		if remainingScore <= 0 || remainingWeight <= 0 {
			plan.Weights[s.ID] = 0
			continue
		}

		proposed := remainingWeight * (s.Score.Score / remainingScore)
		cap := weightCap(s, params, totalAssetsUSD)

		weight := proposed
		if weight > cap {
			weight = cap
			atCap[s.ID] = true
			allocatorLogger.Debug().
				Str("strategy_id", string(s.ID)).
				Float64("proposed", proposed).
				Float64("cap", cap).
				Msg("Strategy pinned at weight cap, excess cascades down the ranking")
		}

		plan.Weights[s.ID] = weight
		remainingWeight -= weight
		remainingScore -= s.Score.Score
	}

	if remainingWeight < -weightTolerance {
		return types.AllocationPlan{}, fmt.Errorf("%w: residual %f", ErrOverAllocation, remainingWeight)
	}

	// Pass 2: if capped strategies left residual weight behind strategies that
	// were already assigned, push it back through the ranking greedily up to
	// each cap. Whatever cannot be placed stays as cash.
	if remainingWeight > weightTolerance {
		for _, s := range eligible {
			if remainingWeight <= weightTolerance {
				break
			}
			if atCap[s.ID] {
				continue
			}
			cap := weightCap(s, params, totalAssetsUSD)
			headroom := cap - plan.Weights[s.ID]
			if headroom <= 0 {
				continue
			}
			add := math.Min(headroom, remainingWeight)
			plan.Weights[s.ID] += add
			remainingWeight -= add
		}
	}

	if remainingWeight > weightTolerance {
		allocatorLogger.Info().
			Float64("cash_weight", remainingWeight).
			Msg("All eligible strategies at cap, residual weight stays as cash")
	} else {
		normalize(plan.Weights)
	}

	for id, w := range plan.Weights {
		allocatorLogger.Info().
			Str("strategy_id", string(id)).
			Float64("weight", w).
			Msg("Target weight assigned")
	}

	return plan, nil
}

// filterEligible drops strategies that must not receive capital: inactive,
// unscored, non-positive score, or venues too shallow to exit cleanly.
func filterEligible(ranked []types.Strategy, params types.RiskParameters) ([]types.Strategy, error) {
	eligible := make([]types.Strategy, 0, len(ranked))
	for _, s := range ranked {
		if math.IsNaN(s.Score.Score) || math.IsInf(s.Score.Score, 0) {
			return nil, fmt.Errorf("%w: strategy %s score is %f", ErrInvalidScore, s.ID, s.Score.Score)
		}
		if s.Status != types.StrategyActive {
			continue
		}
		if s.Score.Components.SampleCount == 0 {
			continue // never scored
		}
		if s.Score.Score <= 0 {
			continue
		}
		if s.LiquidityUSD < params.MinLiquidityUSD {
			allocatorLogger.Debug().
				Str("strategy_id", string(s.ID)).
				Float64("liquidity_usd", s.LiquidityUSD).
				Float64("min_liquidity_usd", params.MinLiquidityUSD).
				Msg("Strategy excluded on liquidity floor")
			continue
		}
		eligible = append(eligible, s)
	}
	return eligible, nil
}

// weightCap is the binding per-strategy cap: the configured weight cap, the
// position size cap, and the venue liquidity ceiling expressed as a weight.
func weightCap(s types.Strategy, params types.RiskParameters, totalAssetsUSD float64) float64 {
	cap := params.MaxWeightPerStrategy

	if positionCap := utils.BpsToFraction(params.MaxPositionSizeBps); positionCap < cap {
		cap = positionCap
	}

	if s.LiquidityCeilingUSD > 0 && totalAssetsUSD > 0 {
		ceilingCap := s.LiquidityCeilingUSD / totalAssetsUSD
		if ceilingCap < cap {
			cap = ceilingCap
		}
	}

	if cap < 0 {
		cap = 0
	}
	return cap
}

// buildEmergencyPlan routes everything to the lowest-volatility exit-capable
// strategy, or to cash when no strategy qualifies.
func buildEmergencyPlan(plan types.AllocationPlan, ranked []types.Strategy) (types.AllocationPlan, error) {
	var chosen *types.Strategy
	for i := range ranked {
		s := ranked[i]
		if s.Status != types.StrategyActive || !s.ExitCapable {
			continue
		}
		if s.Score.Components.SampleCount == 0 {
			continue
		}
		if chosen == nil || s.Score.Components.AnnualizedVolatility < chosen.Score.Components.AnnualizedVolatility {
			chosen = &ranked[i]
		}
	}

	if chosen == nil {
		allocatorLogger.Warn().Msg("Emergency plan: no exit-capable strategy, holding cash")
		return plan, nil
	}

	plan.Weights[chosen.ID] = 1.0
	allocatorLogger.Warn().
		Str("strategy_id", string(chosen.ID)).
		Float64("annualized_volatility", chosen.Score.Components.AnnualizedVolatility).
		Msg("Emergency plan: routing all capital to lowest-volatility exit-capable strategy")

	return plan, nil
}

func validateConstraints(params types.RiskParameters, totalAssetsUSD float64) error {
	if math.IsNaN(params.MaxWeightPerStrategy) || math.IsInf(params.MaxWeightPerStrategy, 0) {
		return fmt.Errorf("%w: MaxWeightPerStrategy is not finite", ErrInvalidConstraints)
	}
	if params.MaxWeightPerStrategy <= 0 || params.MaxWeightPerStrategy > 1 {
		return fmt.Errorf("%w: MaxWeightPerStrategy %f must be in (0, 1]", ErrInvalidConstraints, params.MaxWeightPerStrategy)
	}
	if math.IsNaN(params.MinLiquidityUSD) || math.IsInf(params.MinLiquidityUSD, 0) || params.MinLiquidityUSD < 0 {
		return fmt.Errorf("%w: MinLiquidityUSD %f", ErrInvalidConstraints, params.MinLiquidityUSD)
	}
	if params.MaxPositionSizeBps == 0 || params.MaxPositionSizeBps > utils.BasisPointDenominator {
		return fmt.Errorf("%w: MaxPositionSizeBps %d", ErrInvalidConstraints, params.MaxPositionSizeBps)
	}
	if math.IsNaN(totalAssetsUSD) || math.IsInf(totalAssetsUSD, 0) || totalAssetsUSD < 0 {
		return fmt.Errorf("%w: totalAssetsUSD %f", ErrInvalidConstraints, totalAssetsUSD)
	}
	return nil
}

// normalize rescales weights so they sum to exactly 1.0, removing float drift.
func normalize(weights map[types.StrategyID]float64) {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return
	}
	for id := range weights {
		weights[id] /= sum
	}
}
