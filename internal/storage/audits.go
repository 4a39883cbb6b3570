package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/passwright/internal/document"
)

// SaveAudit writes a job's audit record. A job has at most one record and
// it is never modified; a second save returns ErrAuditExists.
func (s *Store) SaveAudit(ctx context.Context, r document.AuditRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	rules, err := json.Marshal(r.Rules)
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	contradictions := r.Contradictions
	if contradictions == nil {
		contradictions = []string{}
	}
	contra, err := json.Marshal(contradictions)
	if err != nil {
		return fmt.Errorf("encoding contradictions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, job_id, rules_json, algorithmic_score, compliance_score, contradictions_json,
			contradiction_penalty, final_score, verdict, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, string(rules), r.AlgorithmicScore, r.ComplianceScore, string(contra),
		r.ContradictionPenalty, r.FinalScore, string(r.Verdict), r.CreatedAt.UTC().Format(time.RFC3339))
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", r.JobID, ErrAuditExists)
	}
	if err != nil {
		return fmt.Errorf("saving audit: %w", err)
	}
	return nil
}

// GetAudit returns the audit record of a job.
func (s *Store) GetAudit(ctx context.Context, jobID string) (document.AuditRecord, error) {
	var (
		r                  document.AuditRecord
		rules, contra      string
		verdict, createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, rules_json, algorithmic_score, compliance_score, contradictions_json,
			contradiction_penalty, final_score, verdict, created_at
		FROM audit_records WHERE job_id = ?`, jobID,
	).Scan(&r.ID, &r.JobID, &rules, &r.AlgorithmicScore, &r.ComplianceScore, &contra,
		&r.ContradictionPenalty, &r.FinalScore, &verdict, &createdAt)
	if err == sql.ErrNoRows {
		return document.AuditRecord{}, ErrNotFound
	}
	if err != nil {
		return document.AuditRecord{}, err
	}
	if err := json.Unmarshal([]byte(rules), &r.Rules); err != nil {
		return document.AuditRecord{}, fmt.Errorf("decoding rules: %w", err)
	}
	if err := json.Unmarshal([]byte(contra), &r.Contradictions); err != nil {
		return document.AuditRecord{}, fmt.Errorf("decoding contradictions: %w", err)
	}
	if len(r.Contradictions) == 0 {
		r.Contradictions = nil
	}
	switch v := document.Verdict(verdict); v {
	case document.VerdictPass, document.VerdictWarn, document.VerdictFail:
		r.Verdict = v
	default:
		return document.AuditRecord{}, fmt.Errorf("unknown verdict %q", verdict)
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return document.AuditRecord{}, err
	}
	return r, nil
}
