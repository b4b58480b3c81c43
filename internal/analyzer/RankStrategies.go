package analyzer

import (
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/Not-Mally-Raw/Citadel/internal/catalog"
	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// RankStrategies orders scored strategies from best to worst risk-adjusted
// score. Ties on score break toward the lower annualized volatility; a tie on
// both falls back to strategy ID so the ordering is deterministic across runs.
//
// The input slice is not modified.
func RankStrategies(strategies []types.Strategy) []types.Strategy {
	ranked := make([]types.Strategy, len(strategies))
	copy(ranked, strategies)

	sort.Slice(ranked, func(i, j int) bool {
		si, sj := ranked[i].Score, ranked[j].Score
		if si.Score != sj.Score {
			return si.Score > sj.Score
		}
		if si.Components.AnnualizedVolatility != sj.Components.AnnualizedVolatility {
			return si.Components.AnnualizedVolatility < sj.Components.AnnualizedVolatility
		}
		return ranked[i].ID < ranked[j].ID
	})

	return ranked
}

// ScoreCatalog scores every active strategy in the catalog and writes the
// results back. Strategies without enough history are skipped with a debug
// log; they remain registered but carry no score and receive no capital.
//
// Output: the scored strategies in ranked order.
func ScoreCatalog(cat *catalog.Catalog, params types.RiskParameters) ([]types.Strategy, error) {
	scoreLogger := logger.GetForComponent("analyzer")

	scored := make([]types.Strategy, 0)
	for _, s := range cat.Active() {
		history, err := cat.Returns(s.ID, params.TrailingWindow)
		if err != nil {
			return nil, err
		}

		result, err := CalculateRiskScore(s.ID, history, params)
		if err != nil {
			if errors.Is(err, ErrInsufficientHistory) {
				logSkip(scoreLogger, s.ID, len(history), params.MinSamplePoints)
				continue
			}
			return nil, err
		}

		if err := cat.SetScore(s.ID, result); err != nil {
			return nil, err
		}

		s.Score = result
		scored = append(scored, s)

		scoreLogger.Debug().
			Str("strategy_id", string(s.ID)).
			Float64("score", result.Score).
			Float64("annualized_volatility", result.Components.AnnualizedVolatility).
			Int("samples", result.Components.SampleCount).
			Msg("Strategy scored")
	}

	return RankStrategies(scored), nil
}

func logSkip(l zerolog.Logger, id types.StrategyID, have, want int) {
	l.Debug().
		Str("strategy_id", string(id)).
		Int("samples", have).
		Int("required", want).
		Msg("Skipping strategy with insufficient history")
}
