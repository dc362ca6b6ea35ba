package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return db
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	ctx := context.Background()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	defer database.Close()

	applied, err := database.MigrateUp(ctx)
	if err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if applied == 0 {
		t.Fatal("expected at least one migration to be applied")
	}

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}
	version, err := database.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if want := migrations[len(migrations)-1].Version; version != want {
		t.Errorf("expected version %d, got %d", want, version)
	}

	applied, err = database.MigrateUp(ctx)
	if err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
	if applied != 0 {
		t.Errorf("expected 0 migrations on second run, got %d", applied)
	}
}

func TestMigrationsHaveBothDirections(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}
	for _, m := range migrations {
		if m.UpSQL == "" || m.DownSQL == "" {
			t.Errorf("migration %d (%s) is missing a direction", m.Version, m.Description)
		}
	}
}

func TestMigrateDownThenUp(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	rolledBack, err := database.MigrateDown(ctx, 1)
	if err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	if rolledBack != 1 {
		t.Fatalf("expected 1 migration rolled back, got %d", rolledBack)
	}

	status, err := database.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if status[len(status)-1].Applied {
		t.Error("expected last migration to be pending after rollback")
	}

	if _, err := database.MigrateUp(ctx); err != nil {
		t.Fatalf("MigrateUp after rollback failed: %v", err)
	}
	status, err = database.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	for _, s := range status {
		if !s.Applied || s.AppliedAt == "" {
			t.Errorf("migration %d should be applied with a timestamp", s.Version)
		}
	}
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	err := database.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO settings (key, value, updated_at) VALUES ('k', 'v', 'now')"); err != nil {
			return err
		}
		return errBoom
	})
	if err != errBoom {
		t.Fatalf("expected errBoom, got %v", err)
	}

	var count int
	if err := database.QueryRowContext(ctx, "SELECT COUNT(*) FROM settings").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected rollback to discard insert, got %d rows", count)
	}
}

var errBoom = errors.New("boom")

func TestOpenFileAppliesPragmas(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "loopdeck.db")

	database, err := Open(Config{Path: path, MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer database.Close()

	var mode string
	if err := database.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode query failed: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("expected WAL journal mode, got %q", mode)
	}

	var timeout int
	if err := database.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout query failed: %v", err)
	}
	if timeout != defaultBusyTimeoutMs {
		t.Errorf("expected busy timeout %d, got %d", defaultBusyTimeoutMs, timeout)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}
