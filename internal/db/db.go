// Package db provides SQLite storage for loopdeck's local state.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/rs/zerolog"
	"github.com/tOgg1/loopdeck/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultBusyTimeoutMs = 5000

// DB wraps the SQLite database connection.
type DB struct {
	*sql.DB
	mu     sync.RWMutex
	logger zerolog.Logger
}

// Config contains database configuration. Zero values fall back to a
// busy timeout of five seconds and no connection limit.
type Config struct {
	Path          string
	MaxOpenConns  int
	BusyTimeoutMs int
}

// dsn carries the pragmas every connection in the pool needs; modernc
// applies _pragma parameters per connection.
func (c Config) dsn() string {
	timeout := c.BusyTimeoutMs
	if timeout <= 0 {
		timeout = defaultBusyTimeoutMs
	}
	pragmas := url.Values{}
	pragmas.Add("_pragma", "busy_timeout("+strconv.Itoa(timeout)+")")
	pragmas.Add("_pragma", "journal_mode(WAL)")
	pragmas.Add("_pragma", "synchronous(NORMAL)")
	return c.Path + "?" + pragmas.Encode()
}

// Open opens the runtime database at cfg.Path, creating its directory.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	database, err := open(cfg.dsn(), cfg.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Path, err)
	}
	return database, nil
}

// OpenInMemory opens a private in-memory database. It is pinned to one
// connection because every new connection would see an empty database.
func OpenInMemory() (*DB, error) {
	database, err := open(":memory:", 1)
	if err != nil {
		return nil, err
	}
	database.SetMaxIdleConns(1)
	return database, nil
}

func open(dsn string, maxConns int) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		conn.SetMaxOpenConns(maxConns)
	}
	return &DB{DB: conn, logger: logging.Component("db")}, nil
}

// Migrate runs all pending database migrations.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.MigrateUp(ctx)
	return err
}

// Transaction runs fn in a transaction, committing only if fn succeeds.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a fresh file.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
