// Package testutil holds shared fixtures for package tests: a migrated
// in-memory runtime cache and a reference loop backend on an httptest server.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tOgg1/loopdeck/internal/db"
)

// NewTestDB creates an in-memory SQLite database for testing.
// It runs migrations and returns a cleanup function.
func NewTestDB(t *testing.T) (*db.DB, func()) {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err, "failed to open test database")

	ctx := context.Background()
	err = database.Migrate(ctx)
	require.NoError(t, err, "failed to run migrations")

	cleanup := func() {
		_ = database.Close()
	}

	return database, cleanup
}

// TestDBEnv provides a runtime cache with its repositories.
type TestDBEnv struct {
	DB       *db.DB
	Runtime  *db.RuntimeRepository
	Settings *db.SettingsRepository
	cleanup  func()
}

// NewTestDBEnv creates a test database environment that is closed with the
// test. maxEntries bounds the runtime cache; 0 keeps every record.
func NewTestDBEnv(t *testing.T, maxEntries int) *TestDBEnv {
	t.Helper()
	database, cleanup := NewTestDB(t)

	env := &TestDBEnv{
		DB:       database,
		Runtime:  db.NewRuntimeRepository(database, maxEntries),
		Settings: db.NewSettingsRepository(database),
		cleanup:  cleanup,
	}
	t.Cleanup(env.Close)
	return env
}

// Close cleans up the test environment.
func (e *TestDBEnv) Close() {
	if e.cleanup != nil {
		e.cleanup()
		e.cleanup = nil
	}
}
