package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/passwright/internal/audit"
	"github.com/kalambet/passwright/internal/document"
)

// ErrGateFinal is returned when a run is requested for a job that already
// failed its quality gate. Its audit record stands.
var ErrGateFinal = errors.New("job failed its quality gate and its audit is final")

// Gate scores a finished document and decides whether it may be published.
type Gate interface {
	Audit(ctx context.Context, in audit.Input) (document.AuditRecord, error)
	CheckGate(rec document.AuditRecord) error
}

// Runner drives a job through its plan and the quality gate.
type Runner struct {
	engine *Engine
	plans  Plans
	gate   Gate
}

// NewRunner creates a Runner. The engine's repository, notifier and logger
// are shared.
func NewRunner(e *Engine, plans Plans, gate Gate) (*Runner, error) {
	if e == nil {
		return nil, configErr("engine is required")
	}
	if len(plans) == 0 {
		return nil, configErr("pass plans are required")
	}
	if gate == nil {
		return nil, configErr("quality gate is required")
	}
	return &Runner{engine: e, plans: plans, gate: gate}, nil
}

// Run executes every remaining pass of the job in order and then audits the
// result. Completed passes are skipped, so Run doubles as resume.
//
// A cancelled run returns OutcomeCancelled and a nil error. A failed run
// returns OutcomeFailed with the cause; the job record carries the same
// cause as a FailureReason.
func (r *Runner) Run(ctx context.Context, jobID string) (Outcome, error) {
	repo := r.engine.repo
	job, err := repo.GetJob(ctx, jobID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	log := r.engine.logger.With("job_id", jobID)

	switch {
	case job.Status == document.JobCompleted:
		return OutcomeCompleted, nil
	case job.Status == document.JobFailed && job.Failure != nil && job.Failure.Kind == document.FailureQualityGate:
		return OutcomeFailed, fmt.Errorf("job %s: %w", jobID, ErrGateFinal)
	case job.CancelRequested:
		return r.cancel(ctx, job)
	}

	if job.Status != document.JobInProgress {
		if err := document.CheckJobTransition(job.Status, document.JobInProgress); err != nil {
			return OutcomeFailed, err
		}
	}
	status, cleared := document.JobInProgress, false
	start := document.JobPatch{Status: &status, ClearFailure: true, CancelRequested: &cleared}
	if err := affected(repo.UpdateJob(ctx, jobID, start)); err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		return OutcomeFailed, withOp(err, "start job", jobID, "")
	}
	job.Status = document.JobInProgress

	plan, err := r.plans.For(job.DocType)
	if err != nil {
		return r.fail(ctx, job, 0, err)
	}
	log.Info("job started", "doc_type", plan.DocType, "passes", len(plan.Passes), "current_pass", job.CurrentPass)

	for _, spec := range plan.Passes {
		outcome, err := r.engine.RunPass(ctx, jobID, spec)
		if err != nil {
			return r.fail(ctx, job, spec.Number, err)
		}
		if outcome == OutcomeCancelled {
			return r.markCancelled(ctx, job)
		}
	}

	return r.audit(ctx, job)
}

func (r *Runner) audit(ctx context.Context, job document.Job) (Outcome, error) {
	repo := r.engine.repo
	log := r.engine.logger.With("job_id", job.ID)

	current, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		return r.fail(ctx, job, 0, fmt.Errorf("reloading job: %w", err))
	}
	draft := current.Draft
	if draft == "" {
		if draft, err = r.engine.assemble(ctx, job); err != nil {
			return r.fail(ctx, job, 0, err)
		}
	}

	rec, err := r.gate.Audit(ctx, audit.Input{JobID: job.ID, Title: job.Title, Language: job.Language, Markdown: draft})
	if err != nil {
		if ctx.Err() != nil {
			return r.markCancelled(ctx, job)
		}
		return r.fail(ctx, job, 0, fmt.Errorf("auditing: %w", err))
	}
	if err := repo.SaveAudit(ctx, rec); err != nil {
		return r.fail(ctx, job, 0, &PersistenceIntegrityError{Op: "save audit", JobID: job.ID, Err: err})
	}

	if gerr := r.gate.CheckGate(rec); gerr != nil {
		reason := document.FailureReason{
			Kind:    document.FailureQualityGate,
			Rules:   rec.FailedRules(),
			Score:   rec.FinalScore,
			Message: gerr.Error(),
		}
		if err := r.setFailed(ctx, job, reason); err != nil {
			return OutcomeFailed, errors.Join(gerr, err)
		}
		return OutcomeFailed, gerr
	}

	status := document.JobCompleted
	if err := affected(repo.UpdateJob(ctx, job.ID, document.JobPatch{Status: &status})); err != nil {
		return r.fail(ctx, job, 0, withOp(err, "complete job", job.ID, ""))
	}
	if rec.Verdict == document.VerdictWarn {
		log.Warn("job completed below the warning line", "score", rec.FinalScore, "failed_rules", rec.FailedRules())
	} else {
		log.Info("job completed", "score", rec.FinalScore)
	}
	r.engine.notifier.Notify(Event{JobID: job.ID, Kind: EventJobCompleted, Message: fmt.Sprintf("score %d", rec.FinalScore)})
	return OutcomeCompleted, nil
}

// fail records err as the job's failure reason. Pass-level causes also mark
// the pass failed.
func (r *Runner) fail(ctx context.Context, job document.Job, pass int, cause error) (Outcome, error) {
	reason := FailureFor(cause)
	reason.Pass = pass
	if pass > 0 {
		// Writes go through even when the run's context is done.
		wctx := context.WithoutCancel(ctx)
		patch := document.JobPatch{Pass: &document.PassUpdate{Number: pass, Status: document.PassFailed}}
		if _, err := r.engine.repo.UpdateJob(wctx, job.ID, patch); err != nil {
			r.engine.logger.Warn("marking pass failed", "job_id", job.ID, "pass", pass, "error", err)
		}
	}
	if err := r.setFailed(ctx, job, reason); err != nil {
		return OutcomeFailed, errors.Join(cause, err)
	}
	return OutcomeFailed, cause
}

func (r *Runner) setFailed(ctx context.Context, job document.Job, reason document.FailureReason) error {
	status := document.JobFailed
	if err := affected(r.engine.repo.UpdateJob(context.WithoutCancel(ctx), job.ID, document.JobPatch{Status: &status, Failure: &reason})); err != nil {
		return withOp(err, "fail job", job.ID, "")
	}
	r.engine.logger.Error("job failed", "job_id", job.ID, "reason", reason.String())
	r.engine.notifier.Notify(Event{JobID: job.ID, Pass: reason.Pass, Kind: EventJobFailed, Section: reason.Section, Message: reason.String()})
	return nil
}

// cancel handles a job whose cancel flag was set before it started.
func (r *Runner) cancel(ctx context.Context, job document.Job) (Outcome, error) {
	if job.Status == document.JobCancelled {
		return OutcomeCancelled, nil
	}
	r.engine.notifier.Notify(Event{JobID: job.ID, Kind: EventCancelled})
	return r.markCancelled(ctx, job)
}

func (r *Runner) markCancelled(ctx context.Context, job document.Job) (Outcome, error) {
	if err := document.CheckJobTransition(job.Status, document.JobCancelled); err != nil {
		return OutcomeCancelled, nil
	}
	status, cleared := document.JobCancelled, false
	patch := document.JobPatch{Status: &status, CancelRequested: &cleared}
	if err := affected(r.engine.repo.UpdateJob(context.WithoutCancel(ctx), job.ID, patch)); err != nil {
		return OutcomeFailed, withOp(err, "cancel job", job.ID, "")
	}
	r.engine.logger.Info("job cancelled", "job_id", job.ID)
	return OutcomeCancelled, nil
}

// FailureFor converts an error into the structured reason stored on a job.
func FailureFor(err error) document.FailureReason {
	var (
		ce *ConfigurationError
		pe *PersistenceIntegrityError
		gf *audit.GateFailure
	)
	switch {
	case errors.As(err, &gf):
		return document.FailureReason{Kind: document.FailureQualityGate, Rules: gf.Rules, Score: gf.Score, Message: err.Error()}
	case errors.As(err, &ce):
		return document.FailureReason{Kind: document.FailureConfiguration, Message: err.Error()}
	case errors.As(err, &pe):
		return document.FailureReason{Kind: document.FailurePersistence, Section: pe.Key, Message: err.Error()}
	}
	return document.FailureReason{Kind: document.FailurePass, Message: err.Error()}
}
