package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Not-Mally-Raw/Citadel/internal/catalog"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
	"github.com/Not-Mally-Raw/Citadel/internal/vault"
)

type fakeController struct {
	mu sync.Mutex

	snapshot    types.VaultSnapshot
	drift       float64
	needsDeploy bool
	currentPlan types.AllocationPlan

	superseded   []string
	rebalanced   []types.AllocationPlan
	rebalanceErr error
	harvested    []uint64
	harvestNet   sdkmath.LegacyDec
	harvestErr   error
	swept        []string
	settleCalls  int
}

func (f *fakeController) Snapshot() types.VaultSnapshot { return f.snapshot }
func (f *fakeController) Status() types.VaultStatus     { return f.snapshot.Status }
func (f *fakeController) Drift() float64                { return f.drift }
func (f *fakeController) NeedsDeployment() bool         { return f.needsDeploy }

func (f *fakeController) CurrentPlan() types.AllocationPlan { return f.currentPlan }

func (f *fakeController) SupersedePlan(planID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superseded = append(f.superseded, planID)
}

func (f *fakeController) Rebalance(ctx context.Context, plan types.AllocationPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rebalanceErr != nil {
		return f.rebalanceErr
	}
	f.rebalanced = append(f.rebalanced, plan)
	return nil
}

func (f *fakeController) Harvest(ctx context.Context, epoch uint64) (sdkmath.LegacyDec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.harvested = append(f.harvested, epoch)
	if f.harvestErr != nil {
		return sdkmath.LegacyZeroDec(), f.harvestErr
	}
	return f.harvestNet, nil
}

func (f *fakeController) SweepFees(treasury string) (sdkmath.LegacyDec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = append(f.swept, treasury)
	return sdkmath.LegacyNewDec(2), nil
}

func (f *fakeController) SettlePendingWithdrawals() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
}

func testSchedulerParams() types.RiskParameters {
	return types.RiskParameters{
		MinSamplePoints:     3,
		TrailingWindow:      30,
		AnnualizationFactor: 365,
		RiskFreeRate:        0,
		MaxRiskScore:        1000,

		MaxWeightPerStrategy: 0.6,
		MinLiquidityUSD:      1000,
		MaxPositionSizeBps:   10000,

		DriftToleranceBps: 500,
	}
}

func testSnapshot(status types.VaultStatus, deployed map[types.StrategyID]sdkmath.LegacyDec) types.VaultSnapshot {
	if deployed == nil {
		deployed = map[types.StrategyID]sdkmath.LegacyDec{}
	}
	return types.VaultSnapshot{
		VaultID:     "vault-test",
		Status:      status,
		TotalShares: sdkmath.LegacyNewDec(1000),
		Cash:        sdkmath.LegacyNewDec(1000),
		Deployed:    deployed,
		InTransit:   sdkmath.LegacyZeroDec(),
	}
}

func scoredCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := catalog.New(0)
	require.NoError(t, cat.Register(types.Strategy{
		ID:           "alpha",
		Name:         "alpha",
		Protocol:     "testproto",
		Chain:        "home",
		LiquidityUSD: 1_000_000,
		ExitCapable:  true,
	}))
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, r := range []float64{0.01, 0.02, 0.015} {
		require.NoError(t, cat.AppendReturn("alpha", types.ReturnPoint{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			Return:    r,
		}))
	}
	return cat
}

func newTestScheduler(t *testing.T, ledger *fakeController) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Ledger:              ledger,
		Catalog:             scoredCatalog(t),
		Params:              testSchedulerParams(),
		TreasuryAccount:     "treasury-1",
		RebalanceSchedule:   "@every 1h",
		HarvestSchedule:     "@every 24h",
		HealthCheckInterval: time.Minute,
	})
	require.NoError(t, err)
	return s
}

func TestRebalanceCycleSkippedInsideDriftTolerance(t *testing.T) {
	ledger := &fakeController{
		snapshot: testSnapshot(types.VaultActive, nil),
		drift:    0.01, // under the 500 bps tolerance
	}
	s := newTestScheduler(t, ledger)

	s.RunRebalanceCycle(context.Background())

	assert.Empty(t, ledger.rebalanced)
	assert.Empty(t, ledger.superseded)
}

func TestRebalanceCycleRunsWhenDriftExceedsTolerance(t *testing.T) {
	ledger := &fakeController{
		snapshot:    testSnapshot(types.VaultActive, nil),
		drift:       0.10,
		currentPlan: types.AllocationPlan{ID: "old-plan"},
	}
	s := newTestScheduler(t, ledger)

	s.RunRebalanceCycle(context.Background())

	require.Len(t, ledger.rebalanced, 1)
	plan := ledger.rebalanced[0]
	assert.NotEmpty(t, plan.ID)
	assert.False(t, plan.Emergency)
	assert.InDelta(t, 0.6, plan.Weights["alpha"], 1e-9) // single strategy pinned at cap

	require.Len(t, ledger.superseded, 1)
	assert.Equal(t, "old-plan", ledger.superseded[0])
	assert.Equal(t, 1, ledger.settleCalls)
}

func TestRebalanceCycleRunsOnIdleCash(t *testing.T) {
	ledger := &fakeController{
		snapshot:    testSnapshot(types.VaultActive, nil),
		drift:       0,
		needsDeploy: true,
	}
	s := newTestScheduler(t, ledger)

	s.RunRebalanceCycle(context.Background())

	require.Len(t, ledger.rebalanced, 1)
}

func TestHaltedVaultRunsEmergencyConsolidation(t *testing.T) {
	ledger := &fakeController{
		snapshot: testSnapshot(types.VaultEmergencyShutdown, map[types.StrategyID]sdkmath.LegacyDec{
			"alpha": sdkmath.LegacyNewDec(500),
		}),
	}
	s := newTestScheduler(t, ledger)

	s.RunRebalanceCycle(context.Background())

	require.Len(t, ledger.rebalanced, 1)
	plan := ledger.rebalanced[0]
	assert.True(t, plan.Emergency)
	assert.InDelta(t, 1.0, plan.Weights["alpha"], 1e-9)
}

func TestHaltedVaultWithNothingDeployedSkipsCycle(t *testing.T) {
	ledger := &fakeController{
		snapshot: testSnapshot(types.VaultEmergencyShutdown, nil),
	}
	s := newTestScheduler(t, ledger)

	s.RunRebalanceCycle(context.Background())

	assert.Empty(t, ledger.rebalanced)
}

func TestSupersededPlanIsNotACycleFailure(t *testing.T) {
	ledger := &fakeController{
		snapshot:     testSnapshot(types.VaultActive, nil),
		drift:        0.10,
		rebalanceErr: vault.ErrPlanSuperseded,
	}
	s := newTestScheduler(t, ledger)

	s.RunRebalanceCycle(context.Background())

	// The cycle still settles withdrawals on its way out.
	assert.Equal(t, 1, ledger.settleCalls)
}

func TestHarvestCycleAdvancesEpochAndSweepsFees(t *testing.T) {
	snap := testSnapshot(types.VaultActive, nil)
	snap.HarvestEpoch = 4
	ledger := &fakeController{
		snapshot:   snap,
		harvestNet: sdkmath.LegacyNewDec(8),
	}
	s := newTestScheduler(t, ledger)

	s.RunHarvestCycle(context.Background())

	require.Len(t, ledger.harvested, 1)
	assert.Equal(t, uint64(5), ledger.harvested[0])
	require.Len(t, ledger.swept, 1)
	assert.Equal(t, "treasury-1", ledger.swept[0])
}

func TestHarvestCycleToleratesZeroYield(t *testing.T) {
	ledger := &fakeController{
		snapshot:   testSnapshot(types.VaultActive, nil),
		harvestErr: vault.ErrZeroYieldAvailable,
	}
	s := newTestScheduler(t, ledger)

	s.RunHarvestCycle(context.Background())

	require.Len(t, ledger.harvested, 1)
	// Fees may still be sitting in the accumulator.
	assert.Len(t, ledger.swept, 1)
}

func TestHarvestCycleSkippedWhenHalted(t *testing.T) {
	ledger := &fakeController{
		snapshot:   testSnapshot(types.VaultActive, nil),
		harvestErr: vault.ErrVaultHalted,
	}
	s := newTestScheduler(t, ledger)

	s.RunHarvestCycle(context.Background())

	assert.Empty(t, ledger.swept)
}

func TestSchedulerConfigValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{
		Ledger:              &fakeController{},
		Catalog:             catalog.New(0),
		RebalanceSchedule:   "@hourly",
		HarvestSchedule:     "",
		HealthCheckInterval: time.Minute,
	})
	assert.Error(t, err)
}
