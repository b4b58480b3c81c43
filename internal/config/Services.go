package config

import (
	"github.com/rs/zerolog/log"
)

// Database and web server configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// DBHost is the PostgreSQL host.
	DBHost string
	// DBPort is the PostgreSQL port.
	DBPort int
	// DBUser is the PostgreSQL user.
	DBUser string
	// DBPassword is the PostgreSQL password.
	DBPassword string
	// DBName is the PostgreSQL database name.
	DBName string
	// DBSSLMode is the PostgreSQL SSL mode ("disable", "require", "verify-full").
	DBSSLMode string

	// WebListenAddr is the bind address for the status and metrics server.
	WebListenAddr string
)

// loadServiceConfig loads database and web server configuration from
// environment variables. This function is called by LoadConfig() in General.go.
func loadServiceConfig() error {
	log.Info().Msg("Loading database and web configuration from environment variables...")

	var err error

	DBHost, err = getEnv("DB_HOST")
	if err != nil {
		return err
	}

	DBPort, err = getEnvAsInt("DB_PORT")
	if err != nil {
		return err
	}

	DBUser, err = getEnv("DB_USER")
	if err != nil {
		return err
	}

	DBPassword, err = getEnv("DB_PASSWORD")
	if err != nil {
		return err
	}

	DBName, err = getEnv("DB_NAME")
	if err != nil {
		return err
	}

	DBSSLMode, err = getEnv("DB_SSLMODE")
	if err != nil {
		return err
	}

	WebListenAddr, err = getEnv("WEB_LISTEN_ADDR")
	if err != nil {
		return err
	}

	log.Debug().
		Str("DBHost", DBHost).
		Int("DBPort", DBPort).
		Str("DBName", DBName).
		Str("WebListenAddr", WebListenAddr).
		Msg("Database and web configuration loaded successfully.")

	return nil
}
