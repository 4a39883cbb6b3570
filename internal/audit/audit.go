// Package audit is the quality gate run on an assembled document after its
// final pass: a rule battery, an optional compliance score, and a verdict.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/lang"
)

// Policy holds the scoring weights and gate thresholds.
type Policy struct {
	Floor                   int
	Warning                 int
	AlgorithmicWeight       float64
	ComplianceWeight        float64
	ContradictionPenalty    int
	MaxContradictionPenalty int
}

// DefaultPolicy returns the stock gate settings.
func DefaultPolicy() Policy {
	return Policy{
		Floor:                   50,
		Warning:                 70,
		AlgorithmicWeight:       0.6,
		ComplianceWeight:        0.4,
		ContradictionPenalty:    5,
		MaxContradictionPenalty: 20,
	}
}

// Final combines the two scores and subtracts the capped contradiction
// penalty. The result never drops below zero.
func (p Policy) Final(algorithmic, compliance float64, contradictions int) (final, penalty int) {
	penalty = min(contradictions*p.ContradictionPenalty, p.MaxContradictionPenalty)
	raw := int(math.Round(algorithmic*p.AlgorithmicWeight + compliance*p.ComplianceWeight))
	return max(raw-penalty, 0), penalty
}

// Verdict maps a final score onto the gate.
func (p Policy) Verdict(final int) document.Verdict {
	switch {
	case final < p.Floor:
		return document.VerdictFail
	case final < p.Warning:
		return document.VerdictWarn
	}
	return document.VerdictPass
}

// Input is the document handed to the gate.
type Input struct {
	JobID    string
	Title    string
	Language string
	Markdown string
}

// GateFailure is returned when a document scores below the floor.
type GateFailure struct {
	JobID string
	Score int
	Floor int
	Rules []string
}

func (e *GateFailure) Error() string {
	return fmt.Sprintf("quality gate failed for job %s: score %d below floor %d; failing rules: %s",
		e.JobID, e.Score, e.Floor, strings.Join(e.Rules, ", "))
}

// Auditor runs the gate.
type Auditor struct {
	langs      *lang.Registry
	compliance Compliance
	policy     Policy
	logger     *slog.Logger
}

// New creates an Auditor. A nil compliance scorer makes the algorithmic
// score stand in for the compliance score.
func New(langs *lang.Registry, compliance Compliance, policy Policy, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{langs: langs, compliance: compliance, policy: policy, logger: logger}
}

// Policy returns the gate settings in use.
func (a *Auditor) Policy() Policy { return a.policy }

// Audit scores the document and returns the record to persist. It only
// errors when ctx is done.
func (a *Auditor) Audit(ctx context.Context, in Input) (document.AuditRecord, error) {
	log := a.logger.With("job_id", in.JobID)
	doc := Parse(in.Markdown, in.Title)
	results := Run(doc, a.langs.Get(in.Language))
	alg := Score(results)

	comp := alg
	var contradictions []string
	if a.compliance != nil {
		res, err := a.compliance.Check(ctx, in)
		switch {
		case err != nil && ctx.Err() != nil:
			return document.AuditRecord{}, ctx.Err()
		case err != nil:
			log.Warn("compliance check failed, using algorithmic score", "error", err)
		default:
			comp = res.Score
			contradictions = res.Contradictions
		}
	}

	final, penalty := a.policy.Final(alg, comp, len(contradictions))
	rec := document.AuditRecord{
		ID:                   uuid.New().String(),
		JobID:                in.JobID,
		Rules:                results,
		AlgorithmicScore:     alg,
		ComplianceScore:      comp,
		Contradictions:       contradictions,
		ContradictionPenalty: penalty,
		FinalScore:           final,
		Verdict:              a.policy.Verdict(final),
		CreatedAt:            time.Now().UTC(),
	}
	log.Info("audit finished", "score", final, "verdict", rec.Verdict,
		"algorithmic", alg, "compliance", comp, "failed_rules", len(rec.FailedRules()))
	return rec, nil
}

// CheckGate returns a GateFailure for a failing record.
func (a *Auditor) CheckGate(rec document.AuditRecord) error {
	if rec.Verdict != document.VerdictFail {
		return nil
	}
	return &GateFailure{JobID: rec.JobID, Score: rec.FinalScore, Floor: a.policy.Floor, Rules: rec.FailedRules()}
}
