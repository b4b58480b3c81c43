// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	// Decimal amounts are stored as NUMERIC(60, 18): wide enough for any
	// LegacyDec value and round-trips through its string form exactly.
	schemaSQL := `
		CREATE TABLE IF NOT EXISTS risk_parameters (
			params_id SERIAL PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 1,
			config_name VARCHAR(255) NOT NULL DEFAULT 'default',
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			activated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			min_sample_points INTEGER NOT NULL, trailing_window INTEGER NOT NULL,
			annualization_factor DOUBLE PRECISION NOT NULL, risk_free_rate DOUBLE PRECISION NOT NULL,
			max_risk_score DOUBLE PRECISION NOT NULL,
			max_weight_per_strategy DOUBLE PRECISION NOT NULL, min_liquidity_usd DOUBLE PRECISION NOT NULL,
			max_position_size_bps BIGINT NOT NULL,
			drift_tolerance_bps BIGINT NOT NULL, emergency_shutdown_threshold_bps BIGINT NOT NULL,
			max_retry_attempts INTEGER NOT NULL,
			min_deposit NUMERIC(60, 18) NOT NULL, max_deposit NUMERIC(60, 18) NOT NULL,
			default_lockup_seconds BIGINT NOT NULL,
			min_cash_bps BIGINT NOT NULL, deploy_bps BIGINT NOT NULL,
			deposit_fee_bps BIGINT NOT NULL, withdrawal_fee_bps BIGINT NOT NULL,
			early_withdrawal_fee_bps BIGINT NOT NULL,
			performance_fee_bps BIGINT NOT NULL, management_fee_bps BIGINT NOT NULL,
			bridge_fee_bps BIGINT NOT NULL, max_transfer_amount NUMERIC(60, 18) NOT NULL,
			confirmation_blocks BIGINT NOT NULL, transfer_timeout_seconds BIGINT NOT NULL,
			CONSTRAINT uq_risk_parameters_config_version UNIQUE (config_name, version)
		);
		CREATE INDEX IF NOT EXISTS idx_risk_parameters_config_active ON risk_parameters(config_name, is_active, activated_at DESC);

		CREATE TABLE IF NOT EXISTS vault_states (
			vault_id VARCHAR(255) PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			total_shares NUMERIC(60, 18) NOT NULL,
			cash NUMERIC(60, 18) NOT NULL,
			deployed JSONB NOT NULL DEFAULT '{}',
			in_transit NUMERIC(60, 18) NOT NULL,
			fee_accumulator NUMERIC(60, 18) NOT NULL,
			harvest_epoch BIGINT NOT NULL DEFAULT 0,
			lifetime_profit NUMERIC(60, 18) NOT NULL,
			plan_id VARCHAR(64),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS user_positions (
			vault_id VARCHAR(255) NOT NULL,
			owner VARCHAR(255) NOT NULL,
			shares NUMERIC(60, 18) NOT NULL,
			cost_basis NUMERIC(60, 18) NOT NULL,
			locked_until TIMESTAMPTZ NOT NULL,
			deposited_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (vault_id, owner)
		);

		CREATE TABLE IF NOT EXISTS pending_withdrawals (
			id VARCHAR(64) PRIMARY KEY,
			vault_id VARCHAR(255) NOT NULL,
			owner VARCHAR(255) NOT NULL,
			shares NUMERIC(60, 18) NOT NULL,
			estimated_value NUMERIC(60, 18) NOT NULL,
			penalty_bps BIGINT NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT uq_pending_withdrawals_owner UNIQUE (vault_id, owner)
		);

		CREATE TABLE IF NOT EXISTS bridge_transfers (
			id VARCHAR(64) PRIMARY KEY,
			vault_id VARCHAR(255) NOT NULL,
			strategy_id VARCHAR(255) NOT NULL,
			direction VARCHAR(16) NOT NULL,
			source_chain VARCHAR(64) NOT NULL,
			dest_chain VARCHAR(64) NOT NULL,
			amount NUMERIC(60, 18) NOT NULL,
			fee NUMERIC(60, 18) NOT NULL,
			status VARCHAR(32) NOT NULL,
			failure_reason TEXT,
			attempts BIGINT NOT NULL DEFAULT 0,
			submitted_block BIGINT NOT NULL DEFAULT 0,
			confirmations BIGINT NOT NULL DEFAULT 0,
			client_ref VARCHAR(255),
			initiated_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deadline TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_bridge_transfers_vault_status ON bridge_transfers(vault_id, status);
		CREATE INDEX IF NOT EXISTS idx_bridge_transfers_initiated ON bridge_transfers(initiated_at DESC);

		CREATE TABLE IF NOT EXISTS strategy_returns (
			strategy_id VARCHAR(255) NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			return_value DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (strategy_id, observed_at)
		);
		CREATE INDEX IF NOT EXISTS idx_strategy_returns_observed ON strategy_returns(strategy_id, observed_at DESC);
	`
	_, err := DB.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
