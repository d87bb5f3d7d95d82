package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Storage backends
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds application configuration
type Config struct {
	Port          string
	Storage       string
	DBConn        string
	RunMigrations bool
	LogLevel      string
	// JWTSecret verifies bearer tokens that identify the acting user.
	// Empty disables token checks and the X-Actor header is trusted instead.
	JWTSecret       string
	RateFeedURL     string
	RateFeedXPath   string
	RateFeedMargin  decimal.Decimal
	DefaultMoraRate decimal.Decimal
	// LateFeeCron is a cron spec for persisting accrued late fees. Empty disables the job.
	LateFeeCron string
}

// NewConfig loads configuration from environment variables, reading a .env
// file first when one exists
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		Storage:       strings.ToLower(getEnv("STORAGE", StoragePostgres)),
		DBConn:        getEnv("DB_CONN", "host=localhost port=5436 user=test password=test dbname=installments sslmode=disable"),
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		RateFeedURL:   getEnv("RATE_FEED_URL", ""),
		RateFeedXPath: getEnv("RATE_FEED_XPATH", "//Rate"),
		LateFeeCron:   getEnv("LATE_FEE_CRON", ""),
	}

	var err error
	if cfg.RunMigrations, err = strconv.ParseBool(getEnv("RUN_MIGRATIONS", "true")); err != nil {
		return nil, fmt.Errorf("RUN_MIGRATIONS must be a boolean: %w", err)
	}
	if cfg.RateFeedMargin, err = decimal.NewFromString(getEnv("RATE_FEED_MARGIN", "0")); err != nil {
		return nil, fmt.Errorf("RATE_FEED_MARGIN must be a decimal: %w", err)
	}
	if cfg.DefaultMoraRate, err = decimal.NewFromString(getEnv("DEFAULT_MORA_RATE", "0")); err != nil {
		return nil, fmt.Errorf("DEFAULT_MORA_RATE must be a decimal: %w", err)
	}

	switch cfg.Storage {
	case StoragePostgres:
		if cfg.DBConn == "" {
			return nil, fmt.Errorf("DB_CONN is required")
		}
	case StorageMemory:
	default:
		return nil, fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, cfg.Storage)
	}
	if cfg.DefaultMoraRate.IsNegative() {
		return nil, fmt.Errorf("DEFAULT_MORA_RATE must not be negative")
	}
	if !cfg.DefaultMoraRate.Equal(cfg.DefaultMoraRate.Round(4)) {
		return nil, fmt.Errorf("DEFAULT_MORA_RATE must have at most 4 decimals")
	}
	if cfg.RateFeedURL != "" && cfg.RateFeedXPath == "" {
		return nil, fmt.Errorf("RATE_FEED_XPATH is required when RATE_FEED_URL is set")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}
