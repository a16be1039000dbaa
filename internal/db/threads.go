package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RichardoC/listing-designer/internal/models"
	"github.com/google/uuid"
)

const threadColumns = `id, state, template, slots, asked_slot, active_job_id, version, created_at, updated_at`

// CreateThread starts a new thread in COLLECTING_INTENT under a fresh id.
func (db *Database) CreateThread(ctx context.Context) (*models.Thread, error) {
	now := db.now()
	t := &models.Thread{
		ID:        uuid.NewString(),
		State:     models.StateCollectingIntent,
		Slots:     map[string]string{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.db.ExecContext(ctx, db.rebind(`
        INSERT INTO threads (id, state, template, slots, asked_slot, active_job_id, version, created_at, updated_at)
        VALUES (?, ?, '', '{}', '', '', 1, ?, ?)`),
		t.ID, string(t.State), now, now)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

// GetThread loads a thread, returning models.ErrNotFound for unknown ids.
func (db *Database) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := db.db.QueryRowContext(ctx, db.rebind(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, models.ErrNotFound)
	}
	return t, err
}

// GetOrCreate creates a thread when id is empty and otherwise loads it.
// A non-empty unknown id is an error, never a silent new thread.
func (db *Database) GetOrCreate(ctx context.Context, id string) (*models.Thread, error) {
	if id == "" {
		return db.CreateThread(ctx)
	}
	return db.GetThread(ctx, id)
}

// Update applies mutate to the stored thread and writes it back only if
// its version still equals expectedVersion. It returns the new version, or
// models.ErrConflict when another writer got there first. mutate runs on a
// private copy and may abort the write by returning an error.
func (db *Database) Update(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Thread) error) (int64, error) {
	current, err := db.GetThread(ctx, id)
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, fmt.Errorf("thread %s at version %d, expected %d: %w", id, current.Version, expectedVersion, models.ErrConflict)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return 0, err
	}
	slots, err := json.Marshal(next.Slots)
	if err != nil {
		return 0, err
	}

	res, err := db.db.ExecContext(ctx, db.rebind(`
        UPDATE threads
        SET state = ?, template = ?, slots = ?, asked_slot = ?, active_job_id = ?,
            version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`),
		string(next.State), next.Template, string(slots), next.AskedSlot, next.ActiveJobID,
		db.now(), id, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("thread %s: %w", id, models.ErrConflict)
	}
	return expectedVersion + 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var (
		t     models.Thread
		state string
		slots string
	)
	if err := row.Scan(&t.ID, &state, &t.Template, &slots, &t.AskedSlot, &t.ActiveJobID, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.State = models.ThreadState(state)
	t.Slots = map[string]string{}
	if slots != "" {
		if err := json.Unmarshal([]byte(slots), &t.Slots); err != nil {
			return nil, fmt.Errorf("thread %s: decode slots: %w", t.ID, err)
		}
	}
	return &t, nil
}
