package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/registry"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
	"github.com/Not-Mally-Raw/Citadel/internal/utils"
)

// Collector exposes vault and bridge state as Prometheus metrics. It reads
// live ledger snapshots at scrape time instead of instrumenting every
// operation, so the accounting hot path carries no metrics code.
type Collector struct {
	registry *registry.Registry

	totalAssets        *prometheus.Desc
	totalShares        *prometheus.Desc
	sharePrice         *prometheus.Desc
	cash               *prometheus.Desc
	inTransit          *prometheus.Desc
	feeAccumulator     *prometheus.Desc
	lifetimeProfit     *prometheus.Desc
	deployedByStrategy *prometheus.Desc
	vaultUp            *prometheus.Desc
	harvestEpoch       *prometheus.Desc

	bridgeTransfers   *prometheus.Desc
	bridgeVolume      *prometheus.Desc
	bridgeConfirmTime *prometheus.Desc
	bridgeSuccessRate *prometheus.Desc
}

// NewCollector creates a collector over the vault registry. Register it with
// a prometheus.Registerer to serve it.
func NewCollector(reg *registry.Registry) *Collector {
	vaultLabels := []string{"vault_id"}
	return &Collector{
		registry: reg,

		totalAssets: prometheus.NewDesc("citadel_vault_total_assets",
			"Total vault assets: cash plus deployed plus in-transit.", vaultLabels, nil),
		totalShares: prometheus.NewDesc("citadel_vault_total_shares",
			"Outstanding vault shares.", vaultLabels, nil),
		sharePrice: prometheus.NewDesc("citadel_vault_share_price",
			"Assets per share.", vaultLabels, nil),
		cash: prometheus.NewDesc("citadel_vault_cash",
			"Idle cash held by the vault.", vaultLabels, nil),
		inTransit: prometheus.NewDesc("citadel_vault_in_transit",
			"Capital currently moving across the bridge.", vaultLabels, nil),
		feeAccumulator: prometheus.NewDesc("citadel_vault_fee_accumulator",
			"Collected fees awaiting treasury sweep.", vaultLabels, nil),
		lifetimeProfit: prometheus.NewDesc("citadel_vault_lifetime_profit",
			"Cumulative net yield harvested.", vaultLabels, nil),
		deployedByStrategy: prometheus.NewDesc("citadel_vault_deployed",
			"Capital deployed per strategy.", []string{"vault_id", "strategy_id"}, nil),
		vaultUp: prometheus.NewDesc("citadel_vault_up",
			"1 when the vault is active, 0 when halted.", vaultLabels, nil),
		harvestEpoch: prometheus.NewDesc("citadel_vault_harvest_epoch",
			"Last harvested epoch.", vaultLabels, nil),

		bridgeTransfers: prometheus.NewDesc("citadel_bridge_transfers",
			"Bridge transfer count by status.", []string{"vault_id", "status"}, nil),
		bridgeVolume: prometheus.NewDesc("citadel_bridge_volume",
			"Total confirmed bridge volume.", vaultLabels, nil),
		bridgeConfirmTime: prometheus.NewDesc("citadel_bridge_mean_confirmation_seconds",
			"Mean seconds from initiation to confirmation.", vaultLabels, nil),
		bridgeSuccessRate: prometheus.NewDesc("citadel_bridge_success_rate",
			"Confirmed transfers over all settled transfers.", vaultLabels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalAssets
	ch <- c.totalShares
	ch <- c.sharePrice
	ch <- c.cash
	ch <- c.inTransit
	ch <- c.feeAccumulator
	ch <- c.lifetimeProfit
	ch <- c.deployedByStrategy
	ch <- c.vaultUp
	ch <- c.harvestEpoch
	ch <- c.bridgeTransfers
	ch <- c.bridgeVolume
	ch <- c.bridgeConfirmTime
	ch <- c.bridgeSuccessRate
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	obsLogger := logger.GetForComponent("metrics")

	for _, vaultID := range c.registry.List() {
		entry, err := c.registry.Get(vaultID)
		if err != nil {
			continue
		}
		snapshot := entry.Ledger.Snapshot()

		gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)
		}

		if v, err := utils.DecToFloat64(snapshot.TotalAssets()); err == nil {
			gauge(c.totalAssets, v, vaultID)
		}
		if v, err := utils.DecToFloat64(snapshot.TotalShares); err == nil {
			gauge(c.totalShares, v, vaultID)
		}
		if v, err := utils.DecToFloat64(snapshot.SharePrice()); err == nil {
			gauge(c.sharePrice, v, vaultID)
		}
		if v, err := utils.DecToFloat64(snapshot.Cash); err == nil {
			gauge(c.cash, v, vaultID)
		}
		if v, err := utils.DecToFloat64(snapshot.InTransit); err == nil {
			gauge(c.inTransit, v, vaultID)
		}
		if v, err := utils.DecToFloat64(snapshot.FeeAccumulator); err == nil {
			gauge(c.feeAccumulator, v, vaultID)
		}
		if v, err := utils.DecToFloat64(snapshot.LifetimeProfit); err == nil {
			gauge(c.lifetimeProfit, v, vaultID)
		}
		for strategyID, amount := range snapshot.Deployed {
			if v, err := utils.DecToFloat64(amount); err == nil {
				gauge(c.deployedByStrategy, v, vaultID, string(strategyID))
			}
		}

		up := 0.0
		if snapshot.Status == types.VaultActive {
			up = 1.0
		}
		gauge(c.vaultUp, up, vaultID)
		gauge(c.harvestEpoch, float64(snapshot.HarvestEpoch), vaultID)

		if entry.Bridge == nil {
			continue
		}
		stats := entry.Bridge.Stats()
		for status, count := range stats.Counts {
			gauge(c.bridgeTransfers, float64(count), vaultID, string(status))
		}
		if v, err := utils.DecToFloat64(stats.TotalVolume); err == nil {
			gauge(c.bridgeVolume, v, vaultID)
		} else {
			obsLogger.Warn().Err(err).Str("vault_id", vaultID).Msg("Skipping bridge volume metric")
		}
		gauge(c.bridgeConfirmTime, stats.MeanConfirmationSeconds, vaultID)
		gauge(c.bridgeSuccessRate, stats.SuccessRate, vaultID)
	}
}
