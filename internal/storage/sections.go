package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/passwright/internal/document"
)

// GetSections returns a job's sections ordered by position, with their
// per-pass history attached.
func (s *Store) GetSections(ctx context.Context, jobID string) ([]document.Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, key, heading, level, ord, content, last_modified_pass, last_visited_pass
		FROM sections WHERE job_id = ? ORDER BY ord ASC`, jobID)
	if err != nil {
		return nil, err
	}
	var out []document.Section
	index := map[string]int{}
	for rows.Next() {
		var sec document.Section
		if err := rows.Scan(&sec.JobID, &sec.Key, &sec.Heading, &sec.Level, &sec.Order, &sec.Content,
			&sec.LastModifiedPass, &sec.LastVisitedPass); err != nil {
			rows.Close()
			return nil, err
		}
		index[sec.Key] = len(out)
		out = append(out, sec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hist, err := s.db.QueryContext(ctx, `SELECT key, pass, prior FROM section_history WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer hist.Close()
	for hist.Next() {
		var key, prior string
		var pass int
		if err := hist.Scan(&key, &pass, &prior); err != nil {
			return nil, err
		}
		i, ok := index[key]
		if !ok {
			continue
		}
		if out[i].History == nil {
			out[i].History = map[int]string{}
		}
		out[i].History[pass] = prior
	}
	return out, hist.Err()
}

// UpsertSection updates a section, or inserts it when it does not exist
// and the patch carries a heading. It returns the number of section rows
// written; zero means the section was neither found nor inserted.
func (s *Store) UpsertSection(ctx context.Context, p document.SectionPatch) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning section transaction: %w", err)
	}
	defer tx.Rollback()

	var sets []string
	var args []any
	if p.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *p.Content)
	}
	if p.LastModifiedPass != nil {
		sets = append(sets, "last_modified_pass = ?")
		args = append(args, *p.LastModifiedPass)
	}
	if p.LastVisitedPass != nil {
		sets = append(sets, "last_visited_pass = ?")
		args = append(args, *p.LastVisitedPass)
	}

	var n int64
	if len(sets) > 0 {
		args = append(args, p.JobID, p.Key)
		res, err := tx.ExecContext(ctx, `UPDATE sections SET `+strings.Join(sets, ", ")+` WHERE job_id = ? AND key = ?`, args...)
		if err != nil {
			return 0, fmt.Errorf("updating section %s: %w", p.Key, err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return 0, fmt.Errorf("checking updated section rows: %w", err)
		}
	} else {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sections WHERE job_id = ? AND key = ?`, p.JobID, p.Key).Scan(&exists); err != nil {
			return 0, err
		}
		n = int64(exists)
	}

	if n == 0 && p.Heading != "" {
		content := ""
		if p.Content != nil {
			content = *p.Content
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sections (job_id, key, heading, level, ord, content, last_modified_pass, last_visited_pass)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.JobID, p.Key, p.Heading, p.Level, p.Order, content, derefInt(p.LastModifiedPass), derefInt(p.LastVisitedPass))
		if err != nil {
			return 0, fmt.Errorf("inserting section %s: %w", p.Key, err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return 0, err
		}
	}
	if n == 0 {
		return 0, nil
	}

	if p.History != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO section_history (job_id, key, pass, prior, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(job_id, key, pass) DO NOTHING`,
			p.JobID, p.Key, p.History.Pass, p.History.Prior, s.stamp()); err != nil {
			return 0, fmt.Errorf("recording history for %s: %w", p.Key, err)
		}
	}

	if p.ChangeLog != nil {
		if err := s.insertChangeLog(ctx, tx, *p.ChangeLog); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing section: %w", err)
	}
	return n, nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// AppendChangeLog appends an accepted edit to the job's change log.
func (s *Store) AppendChangeLog(ctx context.Context, e document.ChangeLogEntry) error {
	return s.insertChangeLog(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertChangeLog(ctx context.Context, db execer, e document.ChangeLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	created := s.stamp()
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO change_log (id, job_id, pass, section_key, field, before_text, after_text, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.Pass, e.SectionKey, e.Field, e.Before, e.After, e.Reason, created)
	if err != nil {
		return fmt.Errorf("appending change log: %w", err)
	}
	return nil
}

// ListChangeLog returns a job's change log in the order it was written.
func (s *Store) ListChangeLog(ctx context.Context, jobID string) ([]document.ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, pass, section_key, field, before_text, after_text, reason, created_at
		FROM change_log WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []document.ChangeLogEntry
	for rows.Next() {
		var e document.ChangeLogEntry
		var created string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Pass, &e.SectionKey, &e.Field, &e.Before, &e.After, &e.Reason, &created); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime("created_at", created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
