package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// Global configuration instance
	globalConfig *Config
	configMutex  sync.RWMutex
)

// Get returns the global configuration instance
// If the configuration has not been initialized, it will return an error
func Get() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}

	return globalConfig, nil
}

// Set sets the global configuration instance
func Set(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	globalConfig = cfg
}

// Config represents the complete application configuration
type Config struct {
	Redis     RedisConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Google    GoogleConfig
	CalDAV    CalDAVConfig
	Sync      SyncConfig
	Broadcast BroadcastConfig
	Server    ServerConfig
	Crypto    CryptoConfig
	configDir string // Internal: Directory where config was loaded from
}

// RedisConfig represents the shared key/value store used for the sync lock,
// the generation counter, and status pub/sub
type RedisConfig struct {
	Addr     string // host:port of the Redis server
	Password string
	DB       int
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// GoogleConfig holds Google Calendar API configuration
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Request settings
	Timeout    time.Duration // Request timeout
	MaxRetries int           // Maximum number of retries on transient failure

	// Rate limiting
	RequestsPerMinute int
	BurstLimit        int
}

// CalDAVConfig holds settings common to all CalDAV destinations
type CalDAVConfig struct {
	Timeout      time.Duration // Request timeout
	HorizonYears int           // Listing window length from start-of-today
	UserAgent    string        // User-Agent header sent to CalDAV servers
}

// SyncConfig controls the sync coordinator and orchestrator
type SyncConfig struct {
	LockTTL             time.Duration // Shared lock TTL; crash-recovery bound
	LockRefreshInterval time.Duration // How often long syncs re-signal liveness
	ProviderConcurrency int           // Max in-flight calls per destination
	Schedule            string        // Cron expression for scheduled full syncs
	EventSummary        string        // Anonymized summary pushed to destinations
}

// BroadcastConfig controls the status fan-out layer
type BroadcastConfig struct {
	StatusChannel string        // Pub/sub channel for status envelopes
	PingInterval  time.Duration // Liveness ping period per connection
	PongTimeout   time.Duration // Connection torn down if no pong within this
}

// ServerConfig represents the status websocket server
type ServerConfig struct {
	Addr string // Listen address
}

// CryptoConfig holds the credential encryption key
type CryptoConfig struct {
	Key string // 32-byte key, hex or raw
}

// New returns a new empty Config
func New() *Config {
	return &Config{}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateRedis(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}

	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	if err := c.validateCalDAV(); err != nil {
		return fmt.Errorf("caldav config: %w", err)
	}

	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		// Set to a very high level that won't be triggered
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateRedis() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be positive")
	}

	if c.Sync.LockRefreshInterval <= 0 {
		return fmt.Errorf("lock_refresh_interval must be positive")
	}

	if c.Sync.LockRefreshInterval >= c.Sync.LockTTL {
		return fmt.Errorf("lock_refresh_interval must be shorter than lock_ttl")
	}

	if c.Sync.ProviderConcurrency <= 0 {
		return fmt.Errorf("provider_concurrency must be positive")
	}

	return nil
}

func (c *Config) validateCalDAV() error {
	if c.CalDAV.HorizonYears <= 0 {
		return fmt.Errorf("horizon_years must be positive")
	}

	// Unbounded listing windows produce unpredictable response sizes.
	if c.CalDAV.HorizonYears > 10 {
		return fmt.Errorf("horizon_years must be at most 10")
	}

	if c.CalDAV.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be positive")
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	switch level {
	case "debug", "info", "warn", "error", "none":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an int from the environment variable
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns a bool from the environment variable
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration returns a time.Duration from the environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
