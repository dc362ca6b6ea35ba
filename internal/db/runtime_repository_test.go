package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tOgg1/loopdeck/internal/models"
)

func TestRuntimeRepository_SaveGet(t *testing.T) {
	ctx := context.Background()
	repo := NewRuntimeRepository(setupTestDB(t), 10)

	cycle := 2
	record := &models.RuntimeRecord{
		LoopID:       "loop-1",
		WorkflowName: "video/main.json",
		Steps: []models.PipelineStep{
			{ID: "1", Role: models.StepRoleGenerate, Workflow: "gen.json", StepIndex: 0},
			{ID: "2", Role: models.StepRoleExecute, Workflow: "exec.json", StepIndex: 1},
		},
		ActiveStepID:      "2",
		RetryCandidate:    &models.RetryCandidate{CycleIndex: 2, RetryIndex: 3},
		SelectedCycle:     &cycle,
		WorkflowSignature: "abc",
	}
	require.NoError(t, repo.Save(ctx, record))
	assert.Equal(t, models.RuntimeRecordVersion, record.Version)
	assert.False(t, record.SavedAt.IsZero())

	got, err := repo.Get(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, record.Steps, got.Steps)
	assert.Equal(t, "2", got.ActiveStepID)
	require.NotNil(t, got.RetryCandidate)
	assert.Equal(t, 3, got.RetryCandidate.RetryIndex)
	require.NotNil(t, got.SelectedCycle)
	assert.Equal(t, 2, *got.SelectedCycle)
	assert.Equal(t, "abc", got.WorkflowSignature)

	// Last writer wins.
	record.ActiveStepID = "1"
	require.NoError(t, repo.Save(ctx, record))
	got, err = repo.Get(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.ActiveStepID)
}

func TestRuntimeRepository_NotFound(t *testing.T) {
	repo := NewRuntimeRepository(setupTestDB(t), 0)

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrRuntimeStateNotFound))
	assert.Equal(t, DefaultRuntimeMaxEntries, repo.maxEntries)
}

func TestRuntimeRepository_MismatchedLoopIgnored(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	repo := NewRuntimeRepository(database, 10)

	_, err := database.ExecContext(ctx, `
		INSERT INTO runtime_state (loop_id, version, payload_json, updated_at, updated_seq)
		VALUES ('loop-a', 1, '{"version":1,"loopId":"loop-b","steps":[]}', '2026-01-01T00:00:00Z', 1)
	`)
	require.NoError(t, err)

	_, err = repo.Get(ctx, "loop-a")
	assert.ErrorIs(t, err, ErrRuntimeStateNotFound)
}

func TestRuntimeRepository_RejectsEmptyLoop(t *testing.T) {
	repo := NewRuntimeRepository(setupTestDB(t), 10)
	assert.Error(t, repo.Save(context.Background(), &models.RuntimeRecord{}))
	assert.Error(t, repo.Save(context.Background(), nil))
}

func TestRuntimeRepository_PrunesOldest(t *testing.T) {
	ctx := context.Background()
	repo := NewRuntimeRepository(setupTestDB(t), 3)

	// All saves share one timestamp so the sequence decides recency.
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(ctx, &models.RuntimeRecord{LoopID: fmt.Sprintf("loop-%d", i)}))
	}

	ids, err := repo.LoopIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"loop-4", "loop-3", "loop-2"}, ids)

	// Touching an old entry makes it the newest.
	require.NoError(t, repo.Save(ctx, &models.RuntimeRecord{LoopID: "loop-2"}))
	require.NoError(t, repo.Save(ctx, &models.RuntimeRecord{LoopID: "loop-5"}))

	ids, err = repo.LoopIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"loop-5", "loop-2", "loop-4"}, ids)
}

func TestRuntimeRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewRuntimeRepository(setupTestDB(t), 10)

	require.NoError(t, repo.Save(ctx, &models.RuntimeRecord{LoopID: "loop-1"}))
	require.NoError(t, repo.Delete(ctx, "loop-1"))
	require.NoError(t, repo.Delete(ctx, "loop-1"))

	_, err := repo.Get(ctx, "loop-1")
	assert.ErrorIs(t, err, ErrRuntimeStateNotFound)
}

func TestSettingsRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSettingsRepository(setupTestDB(t))

	_, err := repo.Get(ctx, SettingSelectedLoop)
	assert.ErrorIs(t, err, ErrSettingNotFound)

	require.NoError(t, repo.Set(ctx, SettingSelectedLoop, "loop-1"))
	require.NoError(t, repo.Set(ctx, SettingSelectedLoop, "loop-2"))
	value, err := repo.Get(ctx, SettingSelectedLoop)
	require.NoError(t, err)
	assert.Equal(t, "loop-2", value)

	require.NoError(t, repo.Set(ctx, SettingSelectedLoop, ""))
	_, err = repo.Get(ctx, SettingSelectedLoop)
	assert.ErrorIs(t, err, ErrSettingNotFound)
}
