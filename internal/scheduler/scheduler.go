package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Not-Mally-Raw/Citadel/internal/allocator"
	"github.com/Not-Mally-Raw/Citadel/internal/analyzer"
	"github.com/Not-Mally-Raw/Citadel/internal/bridge"
	"github.com/Not-Mally-Raw/Citadel/internal/catalog"
	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
	"github.com/Not-Mally-Raw/Citadel/internal/utils"
	"github.com/Not-Mally-Raw/Citadel/internal/vault"
)

// VaultController is the slice of the vault ledger the scheduler drives.
type VaultController interface {
	Snapshot() types.VaultSnapshot
	Status() types.VaultStatus
	Drift() float64
	NeedsDeployment() bool
	CurrentPlan() types.AllocationPlan
	SupersedePlan(planID string)
	Rebalance(ctx context.Context, plan types.AllocationPlan) error
	Harvest(ctx context.Context, epoch uint64) (sdkmath.LegacyDec, error)
	SweepFees(treasury string) (sdkmath.LegacyDec, error)
	SettlePendingWithdrawals()
}

// Scheduler runs the recurring vault work: drift-gated rebalance cycles,
// harvest epochs with fee sweeps, bridge polling, and health reporting.
type Scheduler struct {
	logger  zerolog.Logger
	ledger  VaultController
	catalog *catalog.Catalog
	bridge  *bridge.Coordinator
	params  types.RiskParameters

	treasury          string
	rebalanceSchedule string
	harvestSchedule   string
	bridgePoll        time.Duration
	healthInterval    time.Duration

	cron    *cron.Cron
	trigger chan struct{}
}

// Config holds the configuration for creating a new Scheduler instance.
type Config struct {
	Ledger  VaultController
	Catalog *catalog.Catalog
	Bridge  *bridge.Coordinator
	Params  types.RiskParameters

	TreasuryAccount     string
	RebalanceSchedule   string // cron spec
	HarvestSchedule     string // cron spec
	BridgePollInterval  time.Duration
	HealthCheckInterval time.Duration
}

// New creates a scheduler with dependency injection.
func New(cfg Config) (*Scheduler, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("scheduler configuration validation failed: %w", err)
	}

	s := &Scheduler{
		logger:            logger.GetForComponent("scheduler"),
		ledger:            cfg.Ledger,
		catalog:           cfg.Catalog,
		bridge:            cfg.Bridge,
		params:            cfg.Params,
		treasury:          cfg.TreasuryAccount,
		rebalanceSchedule: cfg.RebalanceSchedule,
		harvestSchedule:   cfg.HarvestSchedule,
		bridgePoll:        cfg.BridgePollInterval,
		healthInterval:    cfg.HealthCheckInterval,
		cron:              cron.New(),
		trigger:           make(chan struct{}, 1),
	}

	s.logger.Info().
		Str("rebalance_schedule", s.rebalanceSchedule).
		Str("harvest_schedule", s.harvestSchedule).
		Dur("bridge_poll", s.bridgePoll).
		Msg("Scheduler instance created")

	return s, nil
}

func validateConfig(cfg Config) error {
	if cfg.Ledger == nil {
		return fmt.Errorf("vault controller cannot be nil")
	}
	if cfg.Catalog == nil {
		return fmt.Errorf("strategy catalog cannot be nil")
	}
	if cfg.RebalanceSchedule == "" {
		return fmt.Errorf("rebalance schedule cannot be empty")
	}
	if cfg.HarvestSchedule == "" {
		return fmt.Errorf("harvest schedule cannot be empty")
	}
	if cfg.Bridge != nil && cfg.BridgePollInterval <= 0 {
		return fmt.Errorf("bridge poll interval must be positive")
	}
	if cfg.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	return nil
}

// Start registers the cron jobs and runs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.rebalanceSchedule, func() { s.RunRebalanceCycle(ctx) }); err != nil {
		return fmt.Errorf("invalid rebalance schedule %q: %w", s.rebalanceSchedule, err)
	}
	if _, err := s.cron.AddFunc(s.harvestSchedule, func() { s.RunHarvestCycle(ctx) }); err != nil {
		return fmt.Errorf("invalid harvest schedule %q: %w", s.harvestSchedule, err)
	}
	s.cron.Start()

	if s.bridge != nil {
		go s.bridge.Run(ctx, s.bridgePoll)
	}
	go s.healthLoop(ctx)
	go s.triggerLoop(ctx)

	s.logger.Info().Msg("Scheduler started")

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// TriggerRebalance requests an immediate rebalance cycle. A cycle already
// queued absorbs the request.
func (s *Scheduler) TriggerRebalance() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) triggerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			s.RunRebalanceCycle(ctx)
		}
	}
}

// RunRebalanceCycle scores the catalog, builds an allocation plan, and moves
// the vault toward it. Cycles are gated on drift so a vault already at target
// does no work. A halted vault runs emergency consolidation instead.
func (s *Scheduler) RunRebalanceCycle(ctx context.Context) {
	cycleLogger := s.logger.With().Str("cycle_id", uuid.New().String()).Logger()
	cycleStart := time.Now()

	snapshot := s.ledger.Snapshot()
	emergency := snapshot.Status == types.VaultEmergencyShutdown

	if !emergency {
		drift := s.ledger.Drift()
		tolerance := utils.BpsToFraction(s.params.DriftToleranceBps)
		if drift <= tolerance && !s.ledger.NeedsDeployment() {
			cycleLogger.Debug().
				Float64("drift", drift).
				Float64("tolerance", tolerance).
				Msg("Vault within drift tolerance, skipping rebalance cycle")
			return
		}
		cycleLogger.Info().Float64("drift", drift).Msg("Starting rebalance cycle")
	} else {
		if len(snapshot.Deployed) == 0 {
			cycleLogger.Debug().Msg("Halted vault has no deployed capital, nothing to consolidate")
			return
		}
		cycleLogger.Warn().Msg("Vault halted, running emergency consolidation cycle")
	}

	ranked, err := analyzer.ScoreCatalog(s.catalog, s.params)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: failed to score strategy catalog")
		return
	}

	totalAssets, err := utils.DecToFloat64(snapshot.TotalAssets())
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: invalid total assets")
		return
	}

	plan, err := allocator.BuildPlan(ranked, s.params, totalAssets, emergency)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: failed to build allocation plan")
		return
	}

	if len(plan.Weights) == 0 && len(snapshot.Deployed) == 0 {
		cycleLogger.Info().Msg("No eligible strategies and nothing deployed, holding cash")
		return
	}

	// A new plan always displaces the one in force.
	if current := s.ledger.CurrentPlan(); current.ID != "" && current.ID != plan.ID {
		s.ledger.SupersedePlan(current.ID)
	}

	err = s.ledger.Rebalance(ctx, plan)
	switch {
	case err == nil:
	case errors.Is(err, vault.ErrPlanSuperseded):
		cycleLogger.Warn().Str("plan_id", plan.ID).Msg("Plan superseded mid-cycle")
	case errors.Is(err, vault.ErrRebalanceInProgress):
		cycleLogger.Warn().Msg("Rebalance already in progress, cycle skipped")
	default:
		cycleLogger.Error().Err(err).Msg("Rebalance cycle failed")
		return
	}

	s.ledger.SettlePendingWithdrawals()

	cycleLogger.Info().
		Str("plan_id", plan.ID).
		Int("target_strategies", len(plan.Weights)).
		Str("cycle_duration", time.Since(cycleStart).String()).
		Msg("Rebalance cycle completed")
}

// RunHarvestCycle collects yield for the next epoch and sweeps accumulated
// fees to the treasury.
func (s *Scheduler) RunHarvestCycle(ctx context.Context) {
	cycleLogger := s.logger.With().Str("cycle_id", uuid.New().String()).Logger()

	epoch := s.ledger.Snapshot().HarvestEpoch + 1
	net, err := s.ledger.Harvest(ctx, epoch)
	switch {
	case err == nil:
		cycleLogger.Info().
			Uint64("epoch", epoch).
			Str("net_yield", net.String()).
			Msg("Harvest cycle completed")
	case errors.Is(err, vault.ErrZeroYieldAvailable):
		cycleLogger.Debug().Uint64("epoch", epoch).Msg("No yield available this epoch")
	case errors.Is(err, vault.ErrVaultHalted):
		cycleLogger.Warn().Msg("Vault halted, harvest skipped")
		return
	default:
		cycleLogger.Error().Err(err).Uint64("epoch", epoch).Msg("Harvest cycle failed")
		return
	}

	if s.treasury == "" {
		return
	}
	swept, err := s.ledger.SweepFees(s.treasury)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Fee sweep failed")
		return
	}
	if swept.IsPositive() {
		cycleLogger.Info().Str("amount", swept.String()).Str("treasury", s.treasury).Msg("Fees swept")
	}
}

func (s *Scheduler) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthCheck()
		}
	}
}

func (s *Scheduler) healthCheck() {
	snapshot := s.ledger.Snapshot()

	event := s.logger.Info().
		Str("status", string(snapshot.Status)).
		Str("total_assets", snapshot.TotalAssets().String()).
		Str("total_shares", snapshot.TotalShares.String()).
		Str("share_price", snapshot.SharePrice().String()).
		Str("cash", snapshot.Cash.String()).
		Str("in_transit", snapshot.InTransit.String()).
		Int("deployed_strategies", len(snapshot.Deployed))

	if s.bridge != nil {
		stats := s.bridge.Stats()
		event = event.
			Int("bridge_confirmed", stats.Counts[types.TransferConfirmed]).
			Int("bridge_failed", stats.Counts[types.TransferFailed]).
			Float64("bridge_success_rate", stats.SuccessRate)
	}
	event.Msg("Vault health")

	// Cash freed since the last check may now cover queued withdrawals.
	s.ledger.SettlePendingWithdrawals()
}
