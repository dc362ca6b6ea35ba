package db

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	UpSQL       string
	DownSQL     string
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	Version     int
	Description string
	Applied     bool
	AppliedAt   string
}

// Files are named like "001_runtime_state.up.sql".
var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

func loadMigrations() ([]Migration, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, name := range names {
		base := strings.TrimPrefix(name, "migrations/")
		matches := migrationFilePattern.FindStringSubmatch(base)
		if matches == nil {
			continue
		}
		version, _ := strconv.Atoi(matches[1])

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", base, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Description: strings.ReplaceAll(matches[2], "_", " ")}
			byVersion[version] = m
		}
		if matches[3] == "up" {
			m.UpSQL = string(content)
		} else {
			m.DownSQL = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// MigrateUp applies all pending migrations and returns how many ran.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	migrations, current, err := db.prepare(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if m.UpSQL == "" {
			return applied, fmt.Errorf("migration %d has no up SQL", m.Version)
		}
		err := db.exec(ctx, m.UpSQL,
			"INSERT INTO schema_version (version, description) VALUES (?, ?)", m.Version, m.Description)
		if err != nil {
			return applied, fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		db.logger.Info().Int("version", m.Version).Str("description", m.Description).Msg("applied migration")
		applied++
	}
	return applied, nil
}

// MigrateDown rolls back the last steps applied migrations.
func (db *DB) MigrateDown(ctx context.Context, steps int) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	migrations, current, err := db.prepare(ctx)
	if err != nil {
		return 0, err
	}

	rolledBack := 0
	for i := len(migrations) - 1; i >= 0 && rolledBack < steps; i-- {
		m := migrations[i]
		if m.Version > current {
			continue
		}
		if m.DownSQL == "" {
			return rolledBack, fmt.Errorf("migration %d has no down SQL", m.Version)
		}
		err := db.exec(ctx, m.DownSQL, "DELETE FROM schema_version WHERE version = ?", m.Version)
		if err != nil {
			return rolledBack, fmt.Errorf("rollback of migration %d failed: %w", m.Version, err)
		}
		db.logger.Info().Int("version", m.Version).Msg("rolled back migration")
		rolledBack++
	}
	return rolledBack, nil
}

// MigrationStatus returns the status of all known migrations.
func (db *DB) MigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	migrations, _, err := db.prepare(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to query schema_version: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var appliedAt string
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema_version row: %w", err)
		}
		applied[version] = appliedAt
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	status := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		appliedAt, ok := applied[m.Version]
		status = append(status, MigrationStatus{
			Version:     m.Version,
			Description: m.Description,
			Applied:     ok,
			AppliedAt:   appliedAt,
		})
	}
	return status, nil
}

// prepare ensures the bookkeeping table exists and returns the known
// migrations with the current schema version.
func (db *DB) prepare(ctx context.Context) ([]Migration, int, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now')),
			description TEXT
		)
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create schema_version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return nil, 0, err
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return nil, 0, err
	}
	return migrations, current, nil
}

// exec runs a migration script and its bookkeeping statement atomically.
func (db *DB) exec(ctx context.Context, script, record string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
