package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/scanguard/internal/risk"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:               "8080",
		Env:                "development",
		LogFormat:          "text",
		RateLimitRPM:       DefaultRateLimitRPM,
		RateLimitBurst:     DefaultRateLimitBurst,
		ScanRetryAttempts:  DefaultRetryAttempts,
		ScanRetryBaseDelay: DefaultRetryBaseDelay,
		SnapshotCacheTTL:   DefaultCacheTTL,
		ReportTimeout:      DefaultReportTimeout,
		Risk:               risk.DefaultConfig(),
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.Equal(t, DefaultRetryAttempts, cfg.ScanRetryAttempts)
	assert.Equal(t, DefaultCacheTTL, cfg.SnapshotCacheTTL)
	assert.Equal(t, risk.DefaultConfig(), cfg.Risk)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	setEnv(t, "SCAN_RETRY_BASE_DELAY", "250ms")
	setEnv(t, "SNAPSHOT_CACHE_TTL", "1m")
	setEnv(t, "RISK_IMPOSSIBLE_TRAVEL_KM", "800")
	setEnv(t, "RISK_MIN_ALERT_SEVERITY", "medium")
	setEnv(t, "RATE_LIMIT_RPM", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, 250*time.Millisecond, cfg.ScanRetryBaseDelay)
	assert.Equal(t, time.Minute, cfg.SnapshotCacheTTL)
	assert.Equal(t, 800.0, cfg.Risk.ImpossibleTravelKm)
	assert.Equal(t, risk.SeverityMedium, cfg.Risk.MinAlertSeverity)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM, "unparseable values fall back to the default")
}

func TestLoad_RejectsBadRiskThresholds(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "RISK_MIN_ALERT_SEVERITY", "urgent")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "urgent")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Port = "http" }, "PORT"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"zero retries", func(c *Config) { c.ScanRetryAttempts = 0 }, "SCAN_RETRY_ATTEMPTS"},
		{"zero rate", func(c *Config) { c.RateLimitBurst = 0 }, "RATE_LIMIT"},
		{"kafka without topic", func(c *Config) {
			c.KafkaBrokers = []string{"k:9092"}
			c.KafkaGroupID = "g"
		}, "KAFKA_SCAN_TOPIC"},
		{"production needs secrets", func(c *Config) { c.Env = "production" }, "IP_HASH_SECRET"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://db/scanguard"
			c.IPHashSecret = "pepper"
			c.AdminSecret = "0123456789abcdef"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "development"}).IsProduction())
}
