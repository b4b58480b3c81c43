package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrStrategyNotFound   = errors.New("strategy not found")
	ErrStrategyExists     = errors.New("strategy already registered")
	ErrStrategyInactive   = errors.New("strategy is not active")
	ErrInvalidStrategy    = errors.New("strategy definition is invalid")
	ErrInvalidReturnPoint = errors.New("return point is invalid")
)

// Catalog is the registry of yield strategies and their return histories.
//
// The catalog carries its own lock, distinct from any vault ledger lock, so
// return ingestion and scoring reads never contend with deposit or withdrawal
// processing. Return histories are append-only and bounded; readers always
// receive copies.
type Catalog struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	strategies map[types.StrategyID]*types.Strategy
	returns    map[types.StrategyID][]types.ReturnPoint
	maxHistory int
}

// New creates an empty catalog. maxHistory bounds the retained return points
// per strategy; older points are discarded as new ones arrive.
func New(maxHistory int) *Catalog {
	if maxHistory <= 0 {
		maxHistory = 365
	}
	return &Catalog{
		logger:     logger.GetForComponent("catalog"),
		strategies: make(map[types.StrategyID]*types.Strategy),
		returns:    make(map[types.StrategyID][]types.ReturnPoint),
		maxHistory: maxHistory,
	}
}

// Register adds a new strategy to the catalog.
func (c *Catalog) Register(s types.Strategy) error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty ID", ErrInvalidStrategy)
	}
	if s.Chain == "" {
		return fmt.Errorf("%w: strategy %s has no chain", ErrInvalidStrategy, s.ID)
	}
	if s.LiquidityUSD < 0 || s.LiquidityCeilingUSD < 0 {
		return fmt.Errorf("%w: strategy %s has negative liquidity", ErrInvalidStrategy, s.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.strategies[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrStrategyExists, s.ID)
	}

	if s.Status == "" {
		s.Status = types.StrategyActive
	}
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = time.Now().UTC()
	}

	c.strategies[s.ID] = &s
	c.returns[s.ID] = nil

	c.logger.Info().
		Str("strategy_id", string(s.ID)).
		Str("chain", string(s.Chain)).
		Str("protocol", s.Protocol).
		Msg("Strategy registered")

	return nil
}

// Get returns a copy of the strategy with the given ID.
func (c *Catalog) Get(id types.StrategyID) (types.Strategy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, exists := c.strategies[id]
	if !exists {
		return types.Strategy{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return *s, nil
}

// List returns copies of all registered strategies sorted by ID.
func (c *Catalog) List() []types.Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Strategy, 0, len(c.strategies))
	for _, s := range c.strategies {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns copies of all strategies currently eligible for capital.
func (c *Catalog) Active() []types.Strategy {
	all := c.List()
	out := all[:0]
	for _, s := range all {
		if s.Status == types.StrategyActive {
			out = append(out, s)
		}
	}
	return out
}

// Disable takes a strategy out of rotation. Existing capital in the strategy
// is unwound by the next rebalance; no new capital is allocated to it.
func (c *Catalog) Disable(id types.StrategyID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.strategies[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	s.Status = types.StrategyDisabled
	s.DisabledReason = reason

	c.logger.Warn().
		Str("strategy_id", string(id)).
		Str("reason", reason).
		Msg("Strategy disabled")

	return nil
}

// Deprecate retires a strategy by operator decision.
func (c *Catalog) Deprecate(id types.StrategyID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.strategies[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	s.Status = types.StrategyDeprecated

	c.logger.Info().Str("strategy_id", string(id)).Msg("Strategy deprecated")
	return nil
}

// UpdateLiquidity refreshes the observed venue liquidity for a strategy.
func (c *Catalog) UpdateLiquidity(id types.StrategyID, liquidityUSD float64) error {
	if liquidityUSD < 0 {
		return fmt.Errorf("%w: negative liquidity %f", ErrInvalidStrategy, liquidityUSD)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.strategies[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	s.LiquidityUSD = liquidityUSD
	return nil
}

// AppendReturn records one periodic return observation for a strategy.
// History is append-only; when the bound is reached the oldest point drops.
func (c *Catalog) AppendReturn(id types.StrategyID, pt types.ReturnPoint) error {
	if pt.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidReturnPoint)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.strategies[id]; !exists {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	history := append(c.returns[id], pt)
	if len(history) > c.maxHistory {
		history = history[len(history)-c.maxHistory:]
	}
	c.returns[id] = history

	return nil
}

// Returns gives a copy of the most recent return points for a strategy, up to
// window entries. A window of zero or less returns the full retained history.
func (c *Catalog) Returns(id types.StrategyID, window int) ([]types.ReturnPoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, exists := c.strategies[id]; !exists {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	history := c.returns[id]
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}

	out := make([]types.ReturnPoint, len(history))
	copy(out, history)
	return out, nil
}

// SetScore attaches the latest risk score result to a strategy.
func (c *Catalog) SetScore(id types.StrategyID, score types.RiskScoreResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, exists := c.strategies[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	s.Score = score
	return nil
}
