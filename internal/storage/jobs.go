package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/passwright/internal/document"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const jobColumns = `id, title, doc_type, language, status, current_pass, total_sections, completed_sections,
	draft, failure_json, cancel_requested, planned_visuals_json, created_at, updated_at`

// CreateJob stores a new pending job with its sections in one transaction.
// TotalSections is taken from the number of sections.
func (s *Store) CreateJob(ctx context.Context, job document.Job, sections []document.Section) (document.Job, error) {
	if job.ID == "" {
		return document.Job{}, errors.New("job id is required")
	}
	visuals, err := json.Marshal(job.PlannedVisuals)
	if err != nil {
		return document.Job{}, fmt.Errorf("encoding planned visuals: %w", err)
	}
	if job.PlannedVisuals == nil {
		visuals = []byte("{}")
	}
	if job.CurrentPass < 1 {
		job.CurrentPass = 1
	}
	job.Status = document.JobPending
	job.TotalSections = len(sections)
	job.CompletedSections = 0
	job.Passes = map[int]document.PassStatus{}
	now := s.stamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return document.Job{}, fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, title, doc_type, language, status, current_pass, total_sections, completed_sections,
			draft, cancel_requested, planned_visuals_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?, ?)`,
		job.ID, job.Title, job.DocType, job.Language, string(job.Status), job.CurrentPass, job.TotalSections,
		job.Draft, string(visuals), now, now,
	); err != nil {
		if isUniqueViolation(err) {
			return document.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrConflict)
		}
		return document.Job{}, fmt.Errorf("inserting job: %w", err)
	}
	for _, sec := range sections {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sections (job_id, key, heading, level, ord, content)
			VALUES (?, ?, ?, ?, ?, ?)`,
			job.ID, sec.Key, sec.Heading, sec.Level, sec.Order, sec.Content,
		); err != nil {
			return document.Job{}, fmt.Errorf("inserting section %s: %w", sec.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return document.Job{}, fmt.Errorf("committing job: %w", err)
	}
	return s.GetJob(ctx, job.ID)
}

// GetJob returns a job with its pass statuses.
func (s *Store) GetJob(ctx context.Context, id string) (document.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return document.Job{}, ErrNotFound
	}
	if err != nil {
		return document.Job{}, err
	}
	if job.Passes, err = loadPasses(ctx, s.db, id); err != nil {
		return document.Job{}, err
	}
	return job, nil
}

// ListJobs returns the most recent jobs, newest first. An empty status
// lists every job. Drafts are left out.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]document.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		if _, err := document.ParseJobStatus(status); err != nil {
			return nil, err
		}
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var jobs []document.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		j.Draft = ""
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range jobs {
		if jobs[i].Passes, err = loadPasses(ctx, s.db, jobs[i].ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func scanJob(row rowScanner) (document.Job, error) {
	var (
		j                    document.Job
		status               string
		failure              sql.NullString
		cancel               int
		visuals              string
		createdAt, updatedAt string
	)
	if err := row.Scan(&j.ID, &j.Title, &j.DocType, &j.Language, &status, &j.CurrentPass, &j.TotalSections,
		&j.CompletedSections, &j.Draft, &failure, &cancel, &visuals, &createdAt, &updatedAt); err != nil {
		return document.Job{}, err
	}
	var err error
	if j.Status, err = document.ParseJobStatus(status); err != nil {
		return document.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if failure.Valid && failure.String != "" {
		var f document.FailureReason
		if err := json.Unmarshal([]byte(failure.String), &f); err != nil {
			return document.Job{}, fmt.Errorf("decoding failure for job %s: %w", j.ID, err)
		}
		j.Failure = &f
	}
	if err := json.Unmarshal([]byte(visuals), &j.PlannedVisuals); err != nil {
		return document.Job{}, fmt.Errorf("decoding planned visuals for job %s: %w", j.ID, err)
	}
	if len(j.PlannedVisuals) == 0 {
		j.PlannedVisuals = nil
	}
	j.CancelRequested = cancel != 0
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return document.Job{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return document.Job{}, err
	}
	return j, nil
}

func loadPasses(ctx context.Context, q querier, jobID string) (map[int]document.PassStatus, error) {
	rows, err := q.QueryContext(ctx, `SELECT pass, status FROM job_passes WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	passes := map[int]document.PassStatus{}
	for rows.Next() {
		var n int
		var status string
		if err := rows.Scan(&n, &status); err != nil {
			return nil, err
		}
		st, err := document.ParsePassStatus(status)
		if err != nil {
			return nil, fmt.Errorf("job %s pass %d: %w", jobID, n, err)
		}
		passes[n] = st
	}
	return passes, rows.Err()
}

// UpdateJob applies a partial update and returns the number of job rows it
// touched. A pass update is written in the same transaction.
func (s *Store) UpdateJob(ctx context.Context, id string, p document.JobPatch) (int64, error) {
	now := s.stamp()
	sets := []string{"updated_at = ?"}
	args := []any{now}

	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.CurrentPass != nil {
		sets = append(sets, "current_pass = ?")
		args = append(args, *p.CurrentPass)
	}
	if p.TotalSections != nil {
		sets = append(sets, "total_sections = ?")
		args = append(args, *p.TotalSections)
	}
	if p.CompletedSections != nil {
		sets = append(sets, "completed_sections = ?")
		args = append(args, *p.CompletedSections)
	}
	if p.Draft != nil {
		sets = append(sets, "draft = ?")
		args = append(args, *p.Draft)
	}
	switch {
	case p.Failure != nil:
		data, err := json.Marshal(p.Failure)
		if err != nil {
			return 0, fmt.Errorf("encoding failure: %w", err)
		}
		sets = append(sets, "failure_json = ?")
		args = append(args, string(data))
	case p.ClearFailure:
		sets = append(sets, "failure_json = NULL")
	}
	if p.CancelRequested != nil {
		sets = append(sets, "cancel_requested = ?")
		args = append(args, boolInt(*p.CancelRequested))
	}
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("updating job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	if p.Pass != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_passes (job_id, pass, status, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(job_id, pass) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
			id, p.Pass.Number, string(p.Pass.Status), now,
		); err != nil {
			return 0, fmt.Errorf("updating pass %d: %w", p.Pass.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing job update: %w", err)
	}
	return n, nil
}

// RequestCancel sets the cancel flag on a job that has not finished.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress', 'paused')`, s.stamp(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s is not running: %w", id, ErrConflict)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
