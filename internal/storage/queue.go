package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// EnqueueRun queues a run for a job. A job has at most one pending or
// running entry; a second enqueue returns ErrConflict.
func (s *Store) EnqueueRun(ctx context.Context, jobID string) (Run, error) {
	now := s.stamp()
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_queue (id, job_id, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, 'pending', 0, ?, ?, ?, ?)`,
		id, jobID, defaultMaxAttempts, now, now, now,
	)
	if isUniqueViolation(err) {
		return Run{}, fmt.Errorf("job %s already has an active run: %w", jobID, ErrConflict)
	}
	if err != nil {
		return Run{}, fmt.Errorf("enqueueing run: %w", err)
	}
	return s.GetRun(ctx, id)
}

// GetRun returns a queue entry by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM run_queue WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&r.ID, &r.JobID, &r.Status, &r.Attempts, &r.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Run{}, err
	}
	r.LastError = lastError.String
	var err error
	if r.RunAfter, err = parseTime("run_after", runAfter); err != nil {
		return Run{}, err
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Run{}, err
	}
	if r.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Run{}, err
	}
	return r, nil
}

// ClaimNextRun marks the oldest due pending run as running and returns it.
// It returns nil when nothing is due.
func (s *Store) ClaimNextRun(ctx context.Context) (*Run, error) {
	now := s.stamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, job_id, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM run_queue
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, now)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next run: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE run_queue SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, r.ID)
	if err != nil {
		return nil, fmt.Errorf("updating run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated run rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	r.Status = RunRunning
	if r.UpdatedAt, err = parseTime("updated_at", now); err != nil {
		return nil, err
	}
	return &r, nil
}

// CompleteRun marks a run as completed.
func (s *Store) CompleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE run_queue SET status = 'completed', updated_at = ? WHERE id = ?`, s.stamp(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailRun records a failed attempt. When retry is set and attempts remain,
// the run goes back to pending after an exponential backoff of 2^attempts
// seconds; otherwise it is marked failed.
func (s *Store) FailRun(ctx context.Context, id, errMsg string, retry bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM run_queue WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.now()
	attempts++

	if !retry || attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE run_queue SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE run_queue SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Add(backoff).Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueRunning puts runs left running by a stopped process back to
// pending so their jobs resume from the last checkpoint.
func (s *Store) RequeueRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE run_queue SET status = 'pending', updated_at = ? WHERE status = 'running'`, s.stamp())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
