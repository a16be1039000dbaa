package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/listing-designer/internal/models"
)

const jobColumns = `id, thread_id, template, slots, status, result_url, error, attempts, provider_ref, created_at, updated_at`

// EnqueueJob inserts a queued job and makes it the thread's active job in
// one transaction, moving the thread to GENERATING. The thread write is
// guarded by expectedVersion exactly like Update.
func (db *Database) EnqueueJob(ctx context.Context, job *models.Job, expectedVersion int64) (int64, error) {
	slots, err := json.Marshal(job.Slots)
	if err != nil {
		return 0, err
	}
	now := db.now()
	job.Status = models.JobQueued
	job.CreatedAt, job.UpdatedAt = now, now

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, db.rebind(`
        UPDATE threads
        SET state = ?, active_job_id = ?, asked_slot = '', version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`),
		string(models.StateGenerating), job.ID, now, job.ThreadID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("attach job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, db.rebind(`SELECT 1 FROM threads WHERE id = ?`), job.ThreadID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("thread %s: %w", job.ThreadID, models.ErrNotFound)
		}
		return 0, fmt.Errorf("thread %s: %w", job.ThreadID, models.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, db.rebind(`
        INSERT INTO jobs (`+jobColumns+`)
        VALUES (?, ?, ?, ?, ?, '', '', 0, '', ?, ?)`),
		job.ID, job.ThreadID, job.Template, string(slots), string(job.Status), now, now); err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

// GetJob loads a job, returning models.ErrNotFound for unknown ids.
func (db *Database) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := db.db.QueryRowContext(ctx, db.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return j, err
}

// QueuedJobIDs lists up to limit queued jobs, oldest first.
func (db *Database) QueuedJobIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, db.rebind(`
        SELECT id FROM jobs
        WHERE status = ?
        ORDER BY created_at ASC
        LIMIT ?`), string(models.JobQueued), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimJob moves a queued job to running. It reports false when another
// worker claimed it first.
func (db *Database) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := db.db.ExecContext(ctx, db.rebind(`
        UPDATE jobs SET status = ?, updated_at = ?
        WHERE id = ? AND status = ?`),
		string(models.JobRunning), db.now(), id, string(models.JobQueued))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SaveJob writes the mutable fields of a running job. Terminal jobs are
// never rewritten; saving one returns models.ErrConflict.
func (db *Database) SaveJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = db.now()
	res, err := db.db.ExecContext(ctx, db.rebind(`
        UPDATE jobs
        SET status = ?, result_url = ?, error = ?, attempts = ?, provider_ref = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`),
		string(job.Status), job.ResultURL, job.Error, job.Attempts, job.ProviderRef, job.UpdatedAt,
		job.ID, string(models.JobQueued), string(models.JobRunning))
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is terminal or missing: %w", job.ID, models.ErrConflict)
	}
	return nil
}

// TouchJob renews the lease of a running job.
func (db *Database) TouchJob(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx, db.rebind(`
        UPDATE jobs SET updated_at = ?
        WHERE id = ? AND status = ?`),
		db.now(), id, string(models.JobRunning))
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// RequeueStale puts running jobs back in the queue once their lease has
// lapsed, i.e. no worker has saved or touched them for lease. Jobs a live
// worker is still driving are left alone.
func (db *Database) RequeueStale(ctx context.Context, lease time.Duration) (int64, error) {
	now := db.now()
	res, err := db.db.ExecContext(ctx, db.rebind(`
        UPDATE jobs SET status = ?, updated_at = ?
        WHERE status = ? AND updated_at < ?`),
		string(models.JobQueued), now, string(models.JobRunning), now.Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j      models.Job
		slots  string
		status string
	)
	if err := row.Scan(&j.ID, &j.ThreadID, &j.Template, &slots, &status, &j.ResultURL, &j.Error,
		&j.Attempts, &j.ProviderRef, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.Slots = map[string]string{}
	if err := json.Unmarshal([]byte(slots), &j.Slots); err != nil {
		return nil, fmt.Errorf("job %s: decode slots: %w", j.ID, err)
	}
	return &j, nil
}
