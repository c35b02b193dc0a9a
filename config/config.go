/*
config.go - Environment configuration

Values come from the process environment. A .env file in the working
directory is loaded first; it never overrides variables already set.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// AppConfig holds all configuration for the application.
type AppConfig struct {
	Port        int
	DBDriver    string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string
	LogLevel    string
	Environment string

	MaxScheduled      int
	PlatformCeiling   int
	LookaheadDays     int
	UrgencyWindowDays int
	UrgencyWeight     decimal.Decimal
	ValueDivisor      decimal.Decimal
	ReminderHour      int
	UndoWindow        time.Duration
	StepTimeout       time.Duration

	CronSpecReconcile string
	CronSpecDelivery  string
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Errors are ignored if the file doesn't exist.
	_ = godotenv.Load()

	cfg := &AppConfig{
		DBDriver:          strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:            getEnv("DB_PATH", "benefits.db"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Environment:       strings.ToLower(getEnv("ENVIRONMENT", "development")),
		CronSpecReconcile: getEnv("CRON_SPEC_RECONCILE", "0 */6 * * *"),
		CronSpecDelivery:  getEnv("CRON_SPEC_DELIVERY", "* * * * *"),
	}

	var err error
	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"PORT", 8080, &cfg.Port},
		{"MAX_SCHEDULED", 50, &cfg.MaxScheduled},
		{"PLATFORM_CEILING", 64, &cfg.PlatformCeiling},
		{"LOOKAHEAD_DAYS", 45, &cfg.LookaheadDays},
		{"URGENCY_WINDOW_DAYS", 14, &cfg.UrgencyWindowDays},
		{"REMINDER_HOUR", 9, &cfg.ReminderHour},
	}
	for _, v := range ints {
		if *v.dest, err = getInt(v.key, v.def); err != nil {
			return nil, err
		}
	}

	if cfg.UrgencyWeight, err = getDecimal("URGENCY_WEIGHT", "2"); err != nil {
		return nil, err
	}
	if cfg.ValueDivisor, err = getDecimal("VALUE_DIVISOR", "100"); err != nil {
		return nil, err
	}
	if cfg.UndoWindow, err = getDuration("UNDO_WINDOW", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StepTimeout, err = getDuration("STEP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *AppConfig) Validate() error {
	switch {
	case c.DBDriver != "sqlite" && c.DBDriver != "postgres":
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	case c.DBDriver == "postgres" && c.DatabaseURL == "":
		return fmt.Errorf("DATABASE_URL is not set")
	case c.MaxScheduled < 0:
		return fmt.Errorf("MAX_SCHEDULED must be >= 0")
	case c.PlatformCeiling <= 0:
		return fmt.Errorf("PLATFORM_CEILING must be > 0")
	case c.MaxScheduled > c.PlatformCeiling:
		return fmt.Errorf("MAX_SCHEDULED (%d) exceeds PLATFORM_CEILING (%d)", c.MaxScheduled, c.PlatformCeiling)
	case c.LookaheadDays < 0:
		return fmt.Errorf("LOOKAHEAD_DAYS must be >= 0")
	case c.ReminderHour < 0 || c.ReminderHour > 23:
		return fmt.Errorf("REMINDER_HOUR must be between 0 and 23")
	case !c.ValueDivisor.IsPositive():
		return fmt.Errorf("VALUE_DIVISOR must be > 0")
	case c.UrgencyWeight.IsNegative():
		return fmt.Errorf("URGENCY_WEIGHT must be >= 0")
	case c.UndoWindow < 0:
		return fmt.Errorf("UNDO_WINDOW must be >= 0")
	case c.StepTimeout <= 0:
		return fmt.Errorf("STEP_TIMEOUT must be > 0")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDecimal(key, def string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(getEnv(key, def))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
