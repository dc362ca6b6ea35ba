package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/loopdeck/internal/models"
)

// Runtime repository errors.
var (
	ErrRuntimeStateNotFound = errors.New("runtime state not found")
)

// DefaultRuntimeMaxEntries bounds how many loops keep cached runtime state.
const DefaultRuntimeMaxEntries = 100

// RuntimeRepository persists per-loop runtime records (the local runtime
// cache). Writes are last-writer-wins.
type RuntimeRepository struct {
	db         *DB
	maxEntries int
	now        func() time.Time
}

// NewRuntimeRepository creates a new RuntimeRepository. A maxEntries of zero
// or less uses DefaultRuntimeMaxEntries.
func NewRuntimeRepository(db *DB, maxEntries int) *RuntimeRepository {
	if maxEntries <= 0 {
		maxEntries = DefaultRuntimeMaxEntries
	}
	return &RuntimeRepository{db: db, maxEntries: maxEntries, now: time.Now}
}

// Get returns the stored record for loopID.
func (r *RuntimeRepository) Get(ctx context.Context, loopID string) (*models.RuntimeRecord, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		"SELECT payload_json FROM runtime_state WHERE loop_id = ?", loopID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuntimeStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query runtime state: %w", err)
	}

	var record models.RuntimeRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to decode runtime state for %s: %w", loopID, err)
	}
	if !record.MatchesLoop(loopID) {
		return nil, ErrRuntimeStateNotFound
	}
	return &record, nil
}

// Save upserts record and prunes the oldest entries beyond the limit.
func (r *RuntimeRepository) Save(ctx context.Context, record *models.RuntimeRecord) error {
	if record == nil || record.LoopID == "" {
		return fmt.Errorf("runtime record requires a loop id")
	}
	if record.Version == 0 {
		record.Version = models.RuntimeRecordVersion
	}
	now := r.now().UTC()
	record.SavedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode runtime state: %w", err)
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(updated_seq), 0) + 1 FROM runtime_state",
		).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO runtime_state (loop_id, version, workflow_name, payload_json, updated_at, updated_seq)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(loop_id) DO UPDATE SET
				version = excluded.version,
				workflow_name = excluded.workflow_name,
				payload_json = excluded.payload_json,
				updated_at = excluded.updated_at,
				updated_seq = excluded.updated_seq
		`,
			record.LoopID,
			record.Version,
			nullableString(record.WorkflowName),
			string(payload),
			now.Format(time.RFC3339Nano),
			seq,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert runtime state: %w", err)
		}

		return r.prune(ctx, tx)
	})
}

// Delete removes the record for loopID. Missing records are not an error.
func (r *RuntimeRepository) Delete(ctx context.Context, loopID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM runtime_state WHERE loop_id = ?", loopID); err != nil {
		return fmt.Errorf("failed to delete runtime state: %w", err)
	}
	return nil
}

// LoopIDs returns cached loop ids, most recently saved first.
func (r *RuntimeRepository) LoopIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT loop_id FROM runtime_state
		ORDER BY updated_at DESC, updated_seq DESC, loop_id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runtime state: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan runtime state: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RuntimeRepository) prune(ctx context.Context, tx *sql.Tx) error {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM runtime_state WHERE loop_id NOT IN (
			SELECT loop_id FROM runtime_state
			ORDER BY updated_at DESC, updated_seq DESC, loop_id DESC
			LIMIT ?
		)
	`, r.maxEntries)
	if err != nil {
		return fmt.Errorf("failed to prune runtime state: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		r.db.logger.Debug().Int64("evicted", n).Int("max_entries", r.maxEntries).Msg("pruned runtime state")
	}
	return nil
}
