package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/Not-Mally-Raw/Citadel/internal/bridge"
	"github.com/Not-Mally-Raw/Citadel/internal/catalog"
	"github.com/Not-Mally-Raw/Citadel/internal/config"
	"github.com/Not-Mally-Raw/Citadel/internal/datafetcher"
	"github.com/Not-Mally-Raw/Citadel/internal/logger"
	"github.com/Not-Mally-Raw/Citadel/internal/observability"
	"github.com/Not-Mally-Raw/Citadel/internal/registry"
	"github.com/Not-Mally-Raw/Citadel/internal/scheduler"
	"github.com/Not-Mally-Raw/Citadel/internal/simulations"
	"github.com/Not-Mally-Raw/Citadel/internal/state"
	"github.com/Not-Mally-Raw/Citadel/internal/types"
	"github.com/Not-Mally-Raw/Citadel/internal/vault"
	"github.com/Not-Mally-Raw/Citadel/internal/web"
)

const (
	DEFAULT_RISK_CONFIG_NAME    = "default_citadel_strategy"
	DEFAULT_RISK_CONFIG_VERSION = 1

	RETURN_HISTORY_BOUND = 365

	SIM_BRIDGE_BLOCK_INTERVAL = 12 * time.Second
)

// catalogEntry is one row of the strategy catalog file. It extends the
// strategy definition with the simulated venue's behavior knobs.
type catalogEntry struct {
	types.Strategy
	SimAnnualYield float64 `json:"sim_annual_yield"`
	SimFailureRate float64 `json:"sim_failure_rate"`
}

// main is the entry point for the Citadel vault daemon.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Str("vault_id", config.VaultID).Msg("Citadel vault daemon starting...")

	dbCfg := state.DBConfig{
		Host: config.DBHost, Port: config.DBPort,
		User: config.DBUser, Password: config.DBPassword,
		DBName: config.DBName, SSLMode: config.DBSSLMode,
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// Load Risk Parameters
	riskParams, err := state.LoadActiveRiskParameters(DEFAULT_RISK_CONFIG_NAME)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load active risk parameters, using defaults and saving.")
		defaultParams := config.DefaultRiskParameters
		if _, err := state.SaveRiskParameters(defaultParams, DEFAULT_RISK_CONFIG_NAME, DEFAULT_RISK_CONFIG_VERSION, true); err != nil {
			log.Fatal().Err(err).Msg("Failed to save initial default risk parameters.")
		}
		riskParams = &defaultParams
	}
	log.Info().Msg("Risk parameters loaded successfully.")

	// --- 2. Strategy Catalog ---
	entries, err := loadCatalogFile(config.StrategyCatalogFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", config.StrategyCatalogFile).Msg("Failed to load strategy catalog file")
	}

	cat := catalog.New(RETURN_HISTORY_BOUND)
	needsBridge := false
	for _, entry := range entries {
		if err := cat.Register(entry.Strategy); err != nil {
			log.Fatal().Err(err).Str("strategy_id", string(entry.ID)).Msg("Failed to register strategy")
		}
		if entry.Chain != types.ChainID(config.HomeChain) {
			needsBridge = true
		}
	}
	warmCatalog(cat, entries)

	// --- 3. Execution Port (with Safety Switch) ---
	var port vault.ExecutionPort
	executionMode := os.Getenv("EXECUTION_MODE")

	var simBridgeClient *simulations.BridgeClient
	if executionMode == "simulated" {
		profiles := make(map[types.StrategyID]simulations.StrategyProfile, len(entries))
		for _, entry := range entries {
			profiles[entry.ID] = simulations.StrategyProfile{
				AnnualYield: entry.SimAnnualYield,
				FailureRate: entry.SimFailureRate,
			}
		}
		venue, err := simulations.NewVenue(profiles, time.Now().UnixNano())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize simulated venue")
		}
		port = venue

		if needsBridge {
			simBridgeClient, err = simulations.NewBridgeClient(SIM_BRIDGE_BLOCK_INTERVAL)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialize simulated bridge")
			}
		}
	} else {
		log.Fatal().Msg("EXECUTION_MODE is not set to 'simulated'. Halting to prevent accidental execution against a live venue.")
	}

	// --- 4. Bridge Coordinator ---
	var coordinator *bridge.Coordinator
	if needsBridge {
		coordinator = bridge.NewCoordinator(config.VaultID, simBridgeClient, state.NewTransferStore(), *riskParams)
		if err := coordinator.Restore(); err != nil {
			log.Fatal().Err(err).Msg("Failed to restore open bridge transfers")
		}
	}

	// --- 5. Vault Ledger ---
	ledger, err := vault.NewLedger(vault.Config{
		VaultID:   config.VaultID,
		HomeChain: types.ChainID(config.HomeChain),
		Params:    *riskParams,
		Catalog:   cat,
		Port:      port,
		Bridge:    coordinator,
		Store:     state.NewVaultStore(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize vault ledger")
	}

	reg := registry.New()
	if err := reg.Register(config.VaultID, &registry.Entry{
		Ledger:  ledger,
		Catalog: cat,
		Bridge:  coordinator,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register vault")
	}

	prometheus.MustRegister(observability.NewCollector(reg))

	// --- 6. Scheduler ---
	sched, err := scheduler.New(scheduler.Config{
		Ledger:              ledger,
		Catalog:             cat,
		Bridge:              coordinator,
		Params:              *riskParams,
		TreasuryAccount:     config.TreasuryAccount,
		RebalanceSchedule:   config.RebalanceSchedule,
		HarvestSchedule:     config.HarvestSchedule,
		BridgePollInterval:  time.Duration(config.BridgePollSeconds) * time.Second,
		HealthCheckInterval: time.Duration(config.HealthCheckSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}

	// --- 7. Web Server ---
	webServer := web.NewWebServer(config.WebListenAddr, reg, sched.TriggerRebalance, DEFAULT_RISK_CONFIG_NAME)
	go func() {
		log.Info().Str("listen_addr", config.WebListenAddr).Msg("Starting Citadel web server")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 8. Run Until Signalled ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go ledger.Run(ctx)

	log.Info().
		Str("rebalance_schedule", config.RebalanceSchedule).
		Str("harvest_schedule", config.HarvestSchedule).
		Msg("Starting scheduler")
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Scheduler exited with error")
	}

	log.Info().Msg("Citadel vault daemon stopped.")
}

// loadCatalogFile reads and validates the strategy catalog file.
func loadCatalogFile(path string) ([]catalogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// warmCatalog seeds the in-memory return history from the database, then
// layers any fresh observations from the yield feed on top. The feed is
// optional; scoring falls back to persisted history when it is absent.
func warmCatalog(cat *catalog.Catalog, entries []catalogEntry) {
	for _, entry := range entries {
		points, err := state.LoadReturns(entry.ID, RETURN_HISTORY_BOUND)
		if err != nil {
			log.Warn().Err(err).Str("strategy_id", string(entry.ID)).Msg("Failed to load persisted returns")
			continue
		}
		for _, pt := range points {
			if err := cat.AppendReturn(entry.ID, pt); err != nil {
				log.Warn().Err(err).Str("strategy_id", string(entry.ID)).Msg("Failed to append persisted return")
			}
		}
	}

	if os.Getenv("YIELD_FEED_URL") == "" {
		log.Info().Msg("YIELD_FEED_URL not set, skipping yield feed warm-up")
		return
	}

	observations, err := datafetcher.FetchStrategyReturns()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch returns from yield feed, continuing with persisted history")
		return
	}

	for strategyID, points := range observations {
		for _, pt := range points {
			if err := state.SaveReturnPoint(strategyID, pt); err != nil {
				log.Warn().Err(err).Str("strategy_id", string(strategyID)).Msg("Failed to persist feed return")
			}
			if err := cat.AppendReturn(strategyID, pt); err != nil {
				// Feed may carry strategies this vault does not allocate to.
				log.Debug().Err(err).Str("strategy_id", string(strategyID)).Msg("Skipping feed return")
				break
			}
		}
	}
}
