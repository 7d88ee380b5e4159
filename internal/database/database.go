// Package database provides SQLite database management for the local
// event/destination store.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"

	"github.com/keeperhq/calkeeper/internal/config"
	"github.com/keeperhq/calkeeper/internal/loggy"
	"github.com/keeperhq/calkeeper/internal/migrations"
)

// ErrNotInitialized is returned when InitDB has not run yet.
var ErrNotInitialized = errors.New("database not initialized")

var (
	mu sync.Mutex
	db *sql.DB
)

// DB returns the open connection pool.
func DB() (*sql.DB, error) {
	if db == nil {
		return nil, ErrNotInitialized
	}
	return db, nil
}

// InitDB opens and pings the SQLite database. Calling it again after a
// successful init is a no-op.
func InitDB(cfg *config.Config) error {
	mu.Lock()
	defer mu.Unlock()

	if db != nil {
		return nil
	}

	loggy.Info("opening database", "path", cfg.Database.Path)

	conn, err := sql.Open("sqlite3", dsn(&cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; a larger pool just queues on the
	// file lock.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(cfg.Database.ConnMaxLife)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	db = conn
	return nil
}

func dsn(cfg *config.DatabaseConfig) string {
	if cfg.Path == ":memory:" || strings.HasPrefix(cfg.Path, "file::memory:") {
		return cfg.Path
	}

	params := url.Values{}
	params.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout))
	params.Set("_journal_mode", cfg.JournalMode)
	params.Set("_synchronous", cfg.SynchronousMode)
	params.Set("_foreign_keys", strconv.FormatBool(cfg.ForeignKeys))
	params.Set("cache", "shared")
	if cfg.CacheSize != 0 {
		params.Set("_cache_size", strconv.Itoa(cfg.CacheSize))
	}
	return cfg.Path + "?" + params.Encode()
}

// CloseDB closes the connection pool. Safe to call when never initialized.
func CloseDB() error {
	mu.Lock()
	defer mu.Unlock()

	if db == nil {
		return nil
	}
	err := db.Close()
	db = nil
	return err
}

func migrator() (*migrate.Migrate, error) {
	if db == nil {
		return nil, ErrNotInitialized
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating migration driver: %w", err)
	}
	src, err := migrations.GetSource()
	if err != nil {
		return nil, fmt.Errorf("loading embedded migrations: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "sqlite3", driver)
}

// RunMigrations applies all pending embedded migrations.
func RunMigrations() error {
	m, err := migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading migration version: %w", err)
	}
	loggy.Info("database migration complete", "version", version, "dirty", dirty)
	return nil
}

// RevertMigrations rolls back the given number of migrations, at least one.
func RevertMigrations(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	m, err := migrator()
	if err != nil {
		return err
	}

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("reverting migrations: %w", err)
	}
	loggy.Info("database migrations reverted", "steps", steps)
	return nil
}
