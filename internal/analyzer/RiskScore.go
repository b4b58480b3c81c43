package analyzer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	// ErrInsufficientHistory indicates that fewer return observations were
	// provided than the configured minimum sample count.
	ErrInsufficientHistory = errors.New("insufficient return history to calculate risk score")
	ErrInvalidReturn       = errors.New("return observation is not finite")
	ErrInvalidParameters   = errors.New("risk parameters are invalid")
)

// CalculateRiskScore computes the Sharpe-style risk-adjusted score for one
// strategy from its trailing return history.
//
// Inputs:
//   - returns: periodic return observations, assumed chronological (sorted here
//     as a safeguard). Only the most recent TrailingWindow points are used.
//   - params: the active risk parameter set.
//
// Output: a RiskScoreResult where Score is the annualized mean excess return
// divided by the annualized sample standard deviation. A return series with
// exactly zero volatility receives the capped sentinel score rather than a
// division failure: +MaxRiskScore for positive excess return, -MaxRiskScore
// for negative, zero for a flat series at the risk free rate.
func CalculateRiskScore(strategyID types.StrategyID, returns []types.ReturnPoint, params types.RiskParameters) (types.RiskScoreResult, error) {
	result := types.RiskScoreResult{StrategyID: strategyID}

	if params.MinSamplePoints < 2 {
		return result, fmt.Errorf("%w: MinSamplePoints %d must be at least 2", ErrInvalidParameters, params.MinSamplePoints)
	}
	if params.AnnualizationFactor <= 0 || math.IsNaN(params.AnnualizationFactor) || math.IsInf(params.AnnualizationFactor, 0) {
		return result, fmt.Errorf("%w: AnnualizationFactor %f", ErrInvalidParameters, params.AnnualizationFactor)
	}
	if math.IsNaN(params.RiskFreeRate) || math.IsInf(params.RiskFreeRate, 0) {
		return result, fmt.Errorf("%w: RiskFreeRate %f", ErrInvalidParameters, params.RiskFreeRate)
	}
	if params.MaxRiskScore <= 0 || math.IsNaN(params.MaxRiskScore) || math.IsInf(params.MaxRiskScore, 0) {
		return result, fmt.Errorf("%w: MaxRiskScore %f", ErrInvalidParameters, params.MaxRiskScore)
	}

	if len(returns) < params.MinSamplePoints {
		return result, fmt.Errorf("%w: strategy %s has %d of %d required points",
			ErrInsufficientHistory, strategyID, len(returns), params.MinSamplePoints)
	}

	sorted := make([]types.ReturnPoint, len(returns))
	copy(sorted, returns)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	if params.TrailingWindow > 0 && len(sorted) > params.TrailingWindow {
		sorted = sorted[len(sorted)-params.TrailingWindow:]
	}
	if len(sorted) < params.MinSamplePoints {
		return result, fmt.Errorf("%w: strategy %s has %d of %d required points in window",
			ErrInsufficientHistory, strategyID, len(sorted), params.MinSamplePoints)
	}

	values := make([]float64, len(sorted))
	for i, pt := range sorted {
		if math.IsNaN(pt.Return) || math.IsInf(pt.Return, 0) {
			return result, fmt.Errorf("%w: strategy %s observation %d is %f", ErrInvalidReturn, strategyID, i, pt.Return)
		}
		values[i] = pt.Return
	}

	mean := stat.Mean(values, nil)
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return result, fmt.Errorf("%w: mean is %f", ErrInvalidReturn, mean)
	}

	// Sample standard deviation (N-1 denominator).
	stdDev := stat.StdDev(values, nil)
	if math.IsNaN(stdDev) || math.IsInf(stdDev, 0) {
		return result, fmt.Errorf("%w: stddev is %f", ErrInvalidReturn, stdDev)
	}

	meanExcess := mean - params.RiskFreeRate
	annualizedReturn := meanExcess * params.AnnualizationFactor
	annualizedVolatility := stdDev * math.Sqrt(params.AnnualizationFactor)

	result.Components.MeanReturn = mean
	result.Components.AnnualizedReturn = annualizedReturn
	result.Components.AnnualizedVolatility = annualizedVolatility
	result.Components.SampleCount = len(values)

	if stdDev == 0 {
		result.Components.ZeroVolatility = true
		switch {
		case meanExcess > 0:
			result.Score = params.MaxRiskScore
		case meanExcess < 0:
			result.Score = -params.MaxRiskScore
		default:
			result.Score = 0
		}
		return result, nil
	}

	score := annualizedReturn / annualizedVolatility
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return result, fmt.Errorf("%w: score is %f", ErrInvalidReturn, score)
	}

	// The cap also bounds near-zero-volatility series so a strategy with one
	// basis point of noise cannot dwarf every other score.
	if score > params.MaxRiskScore {
		score = params.MaxRiskScore
	}
	if score < -params.MaxRiskScore {
		score = -params.MaxRiskScore
	}

	result.Score = score
	return result, nil
}
