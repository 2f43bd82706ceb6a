// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/scanguard/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. Empty DatabaseURL uses in-memory stores.
	DatabaseURL string
	RedisURL    string // geo snapshot cache; empty uses an in-process cache

	// Scan ingestion from Kafka. Disabled when KafkaBrokers is empty.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Tracing. Empty endpoint disables export.
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Security
	AdminSecret    string
	IPHashSecret   string // keys the scanner address pseudonyms
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Ingestion retries
	ScanRetryAttempts  int
	ScanRetryBaseDelay time.Duration

	// Reporting
	SnapshotCacheTTL time.Duration
	ReportTimeout    time.Duration

	Risk risk.Config
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultKafkaTopic     = "qr-scans"
	DefaultKafkaGroupID   = "scanguard-ingest"
	DefaultRateLimitRPM   = 120
	DefaultRateLimitBurst = 20
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = 100 * time.Millisecond
	DefaultCacheTTL       = 5 * time.Minute
	DefaultReportTimeout  = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaTopic:         getEnv("KAFKA_SCAN_TOPIC", DefaultKafkaTopic),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:   getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		IPHashSecret:       os.Getenv("IP_HASH_SECRET"),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		ScanRetryAttempts:  getEnvInt("SCAN_RETRY_ATTEMPTS", DefaultRetryAttempts),
		ScanRetryBaseDelay: getEnvDuration("SCAN_RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		SnapshotCacheTTL:   getEnvDuration("SNAPSHOT_CACHE_TTL", DefaultCacheTTL),
		ReportTimeout:      getEnvDuration("REPORT_TIMEOUT", DefaultReportTimeout),
		Risk:               loadRisk(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadRisk() risk.Config {
	d := risk.DefaultConfig()
	return risk.Config{
		ImpossibleTravelKm:       getEnvFloat("RISK_IMPOSSIBLE_TRAVEL_KM", d.ImpossibleTravelKm),
		ImpossibleTravelWindow:   getEnvDuration("RISK_IMPOSSIBLE_TRAVEL_WINDOW", d.ImpossibleTravelWindow),
		BotScanThreshold:         getEnvInt("RISK_BOT_SCAN_THRESHOLD", d.BotScanThreshold),
		BotWindow:                getEnvDuration("RISK_BOT_WINDOW", d.BotWindow),
		DuplicationScanThreshold: getEnvInt("RISK_DUPLICATION_SCAN_THRESHOLD", d.DuplicationScanThreshold),
		DuplicationWindow:        getEnvDuration("RISK_DUPLICATION_WINDOW", d.DuplicationWindow),
		DuplicationMaxDiversity:  getEnvFloat("RISK_DUPLICATION_MAX_DIVERSITY", d.DuplicationMaxDiversity),
		GeoEstablishedScans:      getEnvInt("RISK_GEO_ESTABLISHED_SCANS", d.GeoEstablishedScans),
		AnomalyZScore:            getEnvFloat("RISK_ANOMALY_ZSCORE", d.AnomalyZScore),
		AnomalyMinSamples:        getEnvInt("RISK_ANOMALY_MIN_SAMPLES", d.AnomalyMinSamples),
		AnomalyHistory:           getEnvDuration("RISK_ANOMALY_HISTORY", d.AnomalyHistory),
		MinAlertSeverity:         risk.Severity(getEnv("RISK_MIN_ALERT_SEVERITY", string(d.MinAlertSeverity))),
	}
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var errs []error

	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.RateLimitRPM < 1 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive"))
	}
	if c.ScanRetryAttempts < 1 {
		errs = append(errs, errors.New("SCAN_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.ScanRetryBaseDelay <= 0 || c.ReportTimeout <= 0 {
		errs = append(errs, errors.New("SCAN_RETRY_BASE_DELAY and REPORT_TIMEOUT must be positive"))
	}
	if c.SnapshotCacheTTL < 0 {
		errs = append(errs, errors.New("SNAPSHOT_CACHE_TTL must not be negative"))
	}
	if len(c.KafkaBrokers) > 0 && (c.KafkaTopic == "" || c.KafkaGroupID == "") {
		errs = append(errs, errors.New("KAFKA_SCAN_TOPIC and KAFKA_GROUP_ID are required with KAFKA_BROKERS"))
	}
	if err := c.Risk.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.IPHashSecret == "" {
			errs = append(errs, errors.New("IP_HASH_SECRET is required in production"))
		}
		if len(c.AdminSecret) < 16 {
			errs = append(errs, errors.New("ADMIN_SECRET of at least 16 characters is required in production"))
		}
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaEnabled reports whether the scan consumer should run.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
