package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	// If configDir is empty, use the default
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".calkeeper")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	// Default database and log paths live in the config directory
	cfg.Database.Path = filepath.Join(configDir, "calkeeper.db")
	defaultLogPath := filepath.Join(configDir, "calkeeper.log")

	// Use provided config file path or default
	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// Check if ENV_FILE_PATH is set to load from a custom .env file
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		err := godotenv.Load(envFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		// Try to load from config directory first, then current directory
		err := godotenv.Load(configFilePath)
		if err != nil {
			_ = godotenv.Load() // Ignore errors if file doesn't exist
		}
	}

	// Shared store configuration
	cfg.Redis = RedisConfig{
		Addr:     getEnvString("CALKEEPER_REDIS_ADDR", "localhost:6379"),
		Password: getEnvString("CALKEEPER_REDIS_PASSWORD", ""),
		DB:       getEnvInt("CALKEEPER_REDIS_DB", 0),
	}

	// Google Calendar configuration
	cfg.Google = GoogleConfig{
		ClientID:          getEnvString("CALKEEPER_GOOGLE_CLIENT_ID", ""),
		ClientSecret:      getEnvString("CALKEEPER_GOOGLE_CLIENT_SECRET", ""),
		RedirectURL:       getEnvString("CALKEEPER_GOOGLE_REDIRECT_URL", ""),
		Timeout:           getEnvDuration("CALKEEPER_GOOGLE_TIMEOUT", 30*time.Second),
		MaxRetries:        getEnvInt("CALKEEPER_GOOGLE_MAX_RETRIES", 3),
		RequestsPerMinute: getEnvInt("CALKEEPER_GOOGLE_REQUESTS_PER_MINUTE", 300),
		BurstLimit:        getEnvInt("CALKEEPER_GOOGLE_BURST_LIMIT", 10),
	}

	// CalDAV configuration
	cfg.CalDAV = CalDAVConfig{
		Timeout:      getEnvDuration("CALKEEPER_CALDAV_TIMEOUT", 30*time.Second),
		HorizonYears: getEnvInt("CALKEEPER_CALDAV_HORIZON_YEARS", 2),
		UserAgent:    getEnvString("CALKEEPER_CALDAV_USER_AGENT", "calkeeper/1.0"),
	}

	// Sync configuration
	cfg.Sync = SyncConfig{
		LockTTL:             getEnvDuration("CALKEEPER_SYNC_LOCK_TTL", 5*time.Minute),
		LockRefreshInterval: getEnvDuration("CALKEEPER_SYNC_LOCK_REFRESH_INTERVAL", 30*time.Second),
		ProviderConcurrency: getEnvInt("CALKEEPER_SYNC_PROVIDER_CONCURRENCY", 5),
		Schedule:            getEnvString("CALKEEPER_SYNC_SCHEDULE", "@every 15m"),
		EventSummary:        getEnvString("CALKEEPER_SYNC_EVENT_SUMMARY", "Busy"),
	}

	// Broadcast configuration
	cfg.Broadcast = BroadcastConfig{
		StatusChannel: getEnvString("CALKEEPER_BROADCAST_CHANNEL", "calkeeper:status"),
		PingInterval:  getEnvDuration("CALKEEPER_BROADCAST_PING_INTERVAL", 30*time.Second),
		PongTimeout:   getEnvDuration("CALKEEPER_BROADCAST_PONG_TIMEOUT", 90*time.Second),
	}

	// Database configuration
	cfg.Database = DatabaseConfig{
		Path:            getEnvString("CALKEEPER_DB_PATH", cfg.Database.Path),
		BusyTimeout:     getEnvInt("CALKEEPER_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("CALKEEPER_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("CALKEEPER_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("CALKEEPER_DB_CACHE_SIZE", -64000), // ~64MB
		ForeignKeys:     getEnvBool("CALKEEPER_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("CALKEEPER_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("CALKEEPER_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	// Logging configuration
	cfg.Logging = LoggingConfig{
		Level:      getEnvString("CALKEEPER_LOG_LEVEL", "info"),
		Format:     getEnvString("CALKEEPER_LOG_FORMAT", "text"),
		Output:     getEnvString("CALKEEPER_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("CALKEEPER_LOG_ADD_SOURCE", false),
		TimeFormat: getEnvString("CALKEEPER_LOG_TIME_FORMAT", time.RFC3339),
	}

	// Server configuration
	cfg.Server = ServerConfig{
		Addr: getEnvString("CALKEEPER_SERVER_ADDR", ":8080"),
	}

	// Crypto configuration
	cfg.Crypto = CryptoConfig{
		Key: getEnvString("CALKEEPER_CRYPTO_KEY", ""),
	}

	return cfg, cfg.Validate()
}
