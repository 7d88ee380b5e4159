// Package app provides the application initialization and lifecycle management
package app

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/keeperhq/calkeeper/internal/broadcast"
	"github.com/keeperhq/calkeeper/internal/config"
	"github.com/keeperhq/calkeeper/internal/coordinator"
	"github.com/keeperhq/calkeeper/internal/crypto"
	"github.com/keeperhq/calkeeper/internal/database"
	"github.com/keeperhq/calkeeper/internal/httpapi"
	"github.com/keeperhq/calkeeper/internal/loggy"
	"github.com/keeperhq/calkeeper/internal/oauth"
	"github.com/keeperhq/calkeeper/internal/provider"
	"github.com/keeperhq/calkeeper/internal/store"
	"github.com/keeperhq/calkeeper/internal/syncer"
)

// App represents the application instance with its dependencies
type App struct {
	Config      *config.Config
	Redis       redis.UniversalClient
	Repo        store.Repository
	OAuth       oauth.Service
	Coordinator *coordinator.Coordinator
	Broadcast   *broadcast.Service
	Syncer      *syncer.Service
	HTTP        *httpapi.Server
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	if err := database.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	logger := loggy.GetGlobalLogger()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	encryptor, err := crypto.NewAESEncryptor(cfg.Crypto.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	repo := store.NewSQLRepository(db, logger)
	oauthService := oauth.NewGoogleService(cfg.Google)
	factory := provider.NewFactory(repo, encryptor, oauthService, cfg, logger)

	coord := coordinator.New(coordinator.NewRedisKV(redisClient), cfg.Sync.LockTTL, logger)
	broadcastService := broadcast.NewService(broadcast.NewRedisPubSub(redisClient), cfg.Broadcast, logger)
	syncService := syncer.NewService(repo, factory, coord, broadcastService, cfg.Sync, logger)
	httpServer := httpapi.NewServer(broadcastService, logger)

	loggy.Info("Application initialized successfully")
	return &App{
		Config:      cfg,
		Redis:       redisClient,
		Repo:        repo,
		OAuth:       oauthService,
		Coordinator: coord,
		Broadcast:   broadcastService,
		Syncer:      syncService,
		HTTP:        httpServer,
	}, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	if err := app.Redis.Close(); err != nil {
		loggy.Error("Error closing redis connection", "error", err)
	}
	if err := database.CloseDB(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
