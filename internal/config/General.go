package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// VaultID is the identifier of the vault this process manages.
	VaultID string

	// HomeChain is the chain the vault's cash settles on. Strategies on any
	// other chain route capital through the bridge coordinator.
	HomeChain string

	// TreasuryAccount receives swept protocol fees.
	TreasuryAccount string

	// StrategyCatalogFile is the path to the JSON file describing the
	// strategies this vault may allocate to.
	StrategyCatalogFile string

	// RebalanceSchedule is the cron spec for the periodic rebalance check.
	RebalanceSchedule string
	// HarvestSchedule is the cron spec for the periodic harvest.
	HarvestSchedule string

	// BridgePollSeconds is the interval between bridge confirmation sweeps.
	BridgePollSeconds uint64
	// HealthCheckSeconds is the interval between vault health checks.
	HealthCheckSeconds uint64
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	VaultID, err = getEnv("VAULT_ID")
	if err != nil {
		return err
	}

	HomeChain, err = getEnv("HOME_CHAIN")
	if err != nil {
		return err
	}

	TreasuryAccount, err = getEnv("TREASURY_ACCOUNT")
	if err != nil {
		return err
	}

	StrategyCatalogFile, err = getEnv("STRATEGY_CATALOG_FILE")
	if err != nil {
		return err
	}

	RebalanceSchedule, err = getEnv("REBALANCE_SCHEDULE")
	if err != nil {
		return err
	}

	HarvestSchedule, err = getEnv("HARVEST_SCHEDULE")
	if err != nil {
		return err
	}

	BridgePollSeconds, err = getEnvAsUint64("BRIDGE_POLL_SECONDS")
	if err != nil {
		return err
	}

	HealthCheckSeconds, err = getEnvAsUint64("HEALTH_CHECK_SECONDS")
	if err != nil {
		return err
	}

	// Load database and web server configuration
	if err := loadServiceConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("VaultID", VaultID).
		Str("RebalanceSchedule", RebalanceSchedule).
		Str("HarvestSchedule", HarvestSchedule).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsInt retrieves an environment variable as an int. Returns error if not set or invalid.
func getEnvAsInt(key string) (int, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}
