// Package config loads the service configuration from the environment and
// keeps the gating limits hot-reloadable through an optional override file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/abilashblnair/hearo-sub001/pkg/entitlement"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the resolved service configuration.
type Config struct {
	ListenAddr   string
	DataDir      string
	DatabasePath string

	LogLevel  string
	LogFormat string

	// AuthSecret signs device bearer tokens. Empty disables auth; only
	// acceptable for local development.
	AuthSecret     string
	AllowedOrigins string

	StripeAPIKey        string
	StripeCustomerID    string
	StripeWebhookSecret string

	// RefreshInterval is how often the subscription manager reconciles
	// with the billing provider.
	RefreshInterval time.Duration

	// UsageTimezone keys the daily counters. Empty means device-local.
	UsageTimezone      string
	UsageRetentionDays int

	// LimitsFile is the optional hot-reloadable limits override.
	LimitsFile string
	Limits     entitlement.Limits
}

// Load resolves configuration from defaults, an optional .env file in the
// data directory (plus one in the working directory for development), and
// HEARO_* environment variables.
func Load() (*Config, error) {
	dataDir := "/var/lib/hearo"
	if dir := os.Getenv("HEARO_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	// The .env may itself set the data dir.
	if dir := os.Getenv("HEARO_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	cfg := &Config{
		ListenAddr:         "127.0.0.1:8707",
		DataDir:            dataDir,
		DatabasePath:       filepath.Join(dataDir, "hearo.db"),
		LogLevel:           "info",
		LogFormat:          "auto",
		RefreshInterval:    15 * time.Minute,
		UsageRetentionDays: 90,
		LimitsFile:         filepath.Join(dataDir, "limits.json"),
		Limits:             entitlement.DefaultLimits(),
	}

	if addr := os.Getenv("HEARO_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if path := os.Getenv("HEARO_DB_PATH"); path != "" {
		cfg.DatabasePath = path
	}
	if level := os.Getenv("HEARO_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("HEARO_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if path := os.Getenv("HEARO_LIMITS_FILE"); path != "" {
		cfg.LimitsFile = path
	}

	cfg.AuthSecret = strings.TrimSpace(os.Getenv("HEARO_AUTH_SECRET"))
	cfg.AllowedOrigins = strings.TrimSpace(os.Getenv("HEARO_ALLOWED_ORIGINS"))
	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	cfg.StripeCustomerID = strings.TrimSpace(os.Getenv("STRIPE_CUSTOMER_ID"))
	cfg.StripeWebhookSecret = strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	cfg.UsageTimezone = strings.TrimSpace(os.Getenv("HEARO_USAGE_TIMEZONE"))

	if raw := os.Getenv("HEARO_REFRESH_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.RefreshInterval = d
		} else {
			log.Warn().Str("value", raw).Msg("Ignoring invalid HEARO_REFRESH_INTERVAL")
		}
	}

	envInt("HEARO_RETENTION_DAYS", func(n int) { cfg.UsageRetentionDays = n })
	applyLimitsEnv(&cfg.Limits)

	return cfg, nil
}

// Location resolves the usage timezone. An unset or invalid zone falls back
// to device-local time so day keys still roll with the user's clock.
func (c *Config) Location() *time.Location {
	if c.UsageTimezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.UsageTimezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", c.UsageTimezone).Msg("Invalid usage timezone, using device-local")
		return time.Local
	}
	return loc
}

func applyLimitsEnv(l *entitlement.Limits) {
	envInt("HEARO_FREE_DAILY_RECORDINGS", func(n int) { l.DailyRecordingLimit = n })
	envInt("HEARO_HISTORY_RETENTION_DAYS", func(n int) { l.HistoryRetentionDays = n })
	envInt("HEARO_MAX_BONUS_RECORDINGS", func(n int) { l.MaxBonusRecordings = n })
	envInt("HEARO_ADS_PER_BONUS", func(n int) {
		if n > 0 {
			l.RewardedAdsPerBonus = n
		}
	})

	if raw := os.Getenv("HEARO_FREE_MAX_DURATION"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			l.MaxRecordingDuration = d
		} else {
			log.Warn().Str("value", raw).Msg("Ignoring invalid HEARO_FREE_MAX_DURATION")
		}
	}
	if raw := os.Getenv("HEARO_FREE_LANGUAGES"); raw != "" {
		l.AllowedLanguages = splitCSV(raw)
	}
}

func envInt(name string, apply func(int)) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		log.Warn().Str("variable", name).Str("value", raw).Msg("Ignoring invalid integer")
		return
	}
	apply(n)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
