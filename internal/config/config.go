// Package config loads runtime configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig
	Tx       TxConfig
	Log      LogConfig
	Admin    AdminConfig
}

// DatabaseConfig holds connection and pool settings.
type DatabaseConfig struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// TxConfig holds defaults applied to every coordinated transaction.
type TxConfig struct {
	StatementTimeout time.Duration
	Isolation        pgx.TxIsoLevel
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string
	Development bool
}

// AdminConfig holds admin HTTP server settings.
type AdminConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:               getEnv("DATABASE_URL", ""),
			MaxConns:          int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnLifetime:   getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime:   getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
			HealthCheckPeriod: getEnvDuration("DB_HEALTH_CHECK_PERIOD", time.Minute),
		},
		Tx: TxConfig{
			StatementTimeout: getEnvDuration("TX_STATEMENT_TIMEOUT", 30*time.Second),
			Isolation:        pgx.TxIsoLevel(strings.ToLower(getEnv("TX_ISOLATION", string(pgx.ReadCommitted)))),
		},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnv("APP_ENV", "development") == "development",
		},
		Admin: AdminConfig{
			Addr:            getEnv("ADMIN_ADDR", ":9090"),
			ReadTimeout:     getEnvDuration("ADMIN_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("ADMIN_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("ADMIN_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.Database.MaxConns))
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.Database.MinConns))
	}
	switch c.Tx.Isolation {
	case pgx.Serializable, pgx.RepeatableRead, pgx.ReadCommitted, pgx.ReadUncommitted:
	default:
		errs = append(errs, fmt.Errorf("TX_ISOLATION %q is not an isolation level", c.Tx.Isolation))
	}
	if c.Tx.StatementTimeout < 0 {
		errs = append(errs, errors.New("TX_STATEMENT_TIMEOUT must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
