package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue time.Duration
		expected     time.Duration
	}{
		{
			name:         "env not set, return default",
			envValue:     "",
			defaultValue: 5 * time.Minute,
			expected:     5 * time.Minute,
		},
		{
			name:         "env set to 30s, return 30s",
			envValue:     "30s",
			defaultValue: 5 * time.Minute,
			expected:     30 * time.Second,
		},
		{
			name:         "env set to invalid value, return default",
			envValue:     "not-a-duration",
			defaultValue: 5 * time.Minute,
			expected:     5 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_DURATION_VALUE"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
				defer os.Unsetenv(key)
			} else {
				os.Unsetenv(key)
			}

			result := getEnvDuration(key, tt.defaultValue)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"INFO", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
		{"none", slog.Level(9999)},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseLogLevel(tt.input), "level %q", tt.input)
	}
}

func validConfig() *Config {
	return &Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{
			Path:         "/tmp/calkeeper.db",
			QueryTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		CalDAV:  CalDAVConfig{Timeout: 30 * time.Second, HorizonYears: 2},
		Sync: SyncConfig{
			LockTTL:             5 * time.Minute,
			LockRefreshInterval: 30 * time.Second,
			ProviderConcurrency: 5,
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	t.Run("missing redis addr", func(t *testing.T) {
		cfg := validConfig()
		cfg.Redis.Addr = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("lock refresh longer than ttl", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sync.LockRefreshInterval = 10 * time.Minute
		assert.Error(t, cfg.Validate())
	})

	t.Run("unbounded caldav horizon", func(t *testing.T) {
		cfg := validConfig()
		cfg.CalDAV.HorizonYears = 50
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero provider concurrency", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sync.ProviderConcurrency = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad log format", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Format = "xml"
		assert.Error(t, cfg.Validate())
	})
}

func TestGlobalConfig(t *testing.T) {
	// Reset after the test
	defer Set(nil)

	Set(nil)
	_, err := Get()
	assert.Error(t, err, "Get before Set should error")

	cfg := validConfig()
	Set(cfg)

	got, err := Get()
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
