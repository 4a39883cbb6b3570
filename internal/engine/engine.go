// Package engine runs optimization passes over a job's sections: it selects
// candidates from the format budget, calls the generator in batches or one
// section at a time, validates and persists accepted edits, checkpoints
// progress, and honours cancellation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/passwright/internal/analysis"
	"github.com/kalambet/passwright/internal/articlectx"
	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/generation"
	"github.com/kalambet/passwright/internal/lang"
	"github.com/kalambet/passwright/internal/preserve"
	"github.com/kalambet/passwright/internal/prompt"
)

// Config tunes pass execution.
type Config struct {
	// CheckpointInterval is how many individually processed sections pass
	// between checkpoints. Batches always checkpoint.
	CheckpointInterval int
	// BatchSize applies to passes whose plan does not set one.
	BatchSize   int
	RetryBudget int
	Analysis    analysis.Policy
	Preserve    preserve.Policy
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 3,
		BatchSize:          1,
		RetryBudget:        2,
		Analysis:           analysis.DefaultPolicy(),
		Preserve:           preserve.DefaultPolicy(),
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Repo      Repository
	Generator generation.Generator
	Context   articlectx.Provider
	Prompts   *prompt.Builder
	Languages *lang.Registry
	Notifier  Notifier
	Logger    *slog.Logger
}

// Engine executes single passes.
type Engine struct {
	repo     Repository
	gen      generation.Generator
	ctxp     articlectx.Provider
	prompts  *prompt.Builder
	langs    *lang.Registry
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
}

// New validates the collaborators and creates an Engine.
func New(d Deps, cfg Config) (*Engine, error) {
	switch {
	case d.Repo == nil:
		return nil, configErr("repository is required")
	case d.Generator == nil:
		return nil, configErr("generator is required")
	case d.Languages == nil:
		return nil, configErr("language registry is required")
	}
	if d.Context == nil {
		d.Context = articlectx.NewLocal(0)
	}
	if d.Prompts == nil {
		d.Prompts = prompt.NewBuilder(0)
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultConfig().CheckpointInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Engine{
		repo:     d.Repo,
		gen:      d.Generator,
		ctxp:     d.Context,
		prompts:  d.Prompts,
		langs:    d.Languages,
		notifier: d.Notifier,
		logger:   d.Logger,
		cfg:      cfg,
	}, nil
}

// passRun is the mutable state of one pass execution.
type passRun struct {
	spec     PassSpec
	job      document.Job
	table    *lang.Table
	article  articlectx.Context
	budget   *analysis.FormatBudget
	byKey    map[string]document.Section
	previous map[string]string

	listSections  int
	tableSections int
	listsOver     bool
	tablesOver    bool

	total           int
	completed       int
	sinceCheckpoint int
	log             *slog.Logger
}

// RunPass executes one pass for a job. It returns OutcomeCancelled, with a
// nil error, when the abort signal fires; the last checkpoint stays intact
// and the pass remains in progress for a later resume. Persistence
// integrity failures are returned as errors; the caller fails the job.
func (e *Engine) RunPass(ctx context.Context, jobID string, spec PassSpec) (Outcome, error) {
	job, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	state := job.PassState(spec.Number)
	if state == document.PassCompleted {
		return OutcomeCompleted, nil
	}
	if err := document.CheckPassAdvance(job.CurrentPass, spec.Number); err != nil {
		return OutcomeFailed, err
	}
	if err := document.CheckPassTransition(state, document.PassInProgress); err != nil {
		return OutcomeFailed, err
	}

	log := e.logger.With("job_id", jobID, "pass", spec.Number, "pass_name", spec.Name)

	sections, err := e.repo.GetSections(ctx, jobID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("loading sections: %w", err)
	}
	if len(sections) == 0 {
		return OutcomeFailed, configErr("job %s has no sections", jobID)
	}
	ordered := document.SortByOrder(sections)

	// Phase A: the budget is computed once per pass.
	table := e.langs.Get(job.Language)
	meta := analysis.Meta{Title: job.Title, PlannedVisuals: job.PlannedVisuals}
	budget, err := analysis.Analyze(ctx, ordered, meta, table, e.cfg.Analysis)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		return OutcomeFailed, fmt.Errorf("analyzing sections: %w", err)
	}

	visited := 0
	for _, s := range ordered {
		if s.LastVisitedPass >= spec.Number {
			visited++
		}
	}
	// Skipped sections count as completed without being visited, so a resumed
	// pass keeps the counter it last checkpointed.
	if state == document.PassInProgress {
		visited = max(visited, job.CompletedSections)
	}
	run := &passRun{
		spec:          spec,
		job:           job,
		table:         table,
		budget:        budget,
		byKey:         make(map[string]document.Section, len(ordered)),
		previous:      map[string]string{},
		listSections:  budget.ListSections,
		tableSections: budget.TableSections,
		listsOver:     budget.ListsOverBudget(),
		tablesOver:    budget.TablesOverBudget(),
		total:         len(ordered),
		completed:     min(visited, len(ordered)),
		log:           log,
	}
	for i, s := range ordered {
		run.byKey[s.Key] = s
		if i > 0 {
			run.previous[s.Key] = tail(ordered[i-1].Content)
		}
	}

	pass := document.PassInProgress
	patch := document.JobPatch{
		Pass:              &document.PassUpdate{Number: spec.Number, Status: pass},
		CurrentPass:       &spec.Number,
		CompletedSections: &run.completed,
	}
	if err := affected(e.repo.UpdateJob(ctx, jobID, patch)); err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		return OutcomeFailed, withOp(err, "start pass", jobID, "")
	}
	e.notify(run, EventPassStarted, "", spec.Name)

	// Phase B: candidates.
	candidates := selectCandidates(spec, ordered, budget)
	log.Info("pass started", "candidates", len(candidates), "aggressive", budget.Aggressive,
		"lists", budget.ListSections, "max_lists", budget.MaxListSections)

	// Phase C: edits.
	if len(candidates) > 0 {
		run.article, err = e.ctxp.Build(ctx, job.Title, ordered, table)
		if err != nil {
			log.Warn("article context unavailable", "error", err)
		}
		var outcome Outcome
		batch := spec.BatchSize
		if batch == 0 {
			batch = e.cfg.BatchSize
		}
		if batch > 1 && len(candidates) > 1 {
			outcome, err = e.runBatches(ctx, run, candidates, batch)
		} else {
			outcome, err = e.runIndividually(ctx, run, candidates)
		}
		if err != nil || outcome == OutcomeCancelled {
			return outcome, err
		}
	}

	// Phase D: reassemble and advance.
	outcome, err := e.finishPass(ctx, run)
	if err != nil {
		return e.failOrCancel(ctx, run, err)
	}
	return outcome, nil
}

func (e *Engine) runIndividually(ctx context.Context, run *passRun, candidates []document.Section) (Outcome, error) {
	for _, s := range candidates {
		if e.aborted(ctx, run) {
			return e.cancelled(run), nil
		}
		if err := e.processOne(ctx, run, s); err != nil {
			return e.failOrCancel(ctx, run, err)
		}
		run.completed = min(run.completed+1, run.total)
		run.sinceCheckpoint++
		if run.sinceCheckpoint >= e.cfg.CheckpointInterval {
			if err := e.checkpoint(ctx, run); err != nil {
				return e.failOrCancel(ctx, run, err)
			}
		}
	}
	if run.sinceCheckpoint > 0 {
		if err := e.checkpoint(ctx, run); err != nil {
			return e.failOrCancel(ctx, run, err)
		}
	}
	return OutcomeCompleted, nil
}

func (e *Engine) runBatches(ctx context.Context, run *passRun, candidates []document.Section, size int) (Outcome, error) {
	for start := 0; start < len(candidates); start += size {
		if e.aborted(ctx, run) {
			return e.cancelled(run), nil
		}
		batch := candidates[start:min(start+size, len(candidates))]
		outcome, err := e.processBatch(ctx, run, batch)
		if err != nil {
			return e.failOrCancel(ctx, run, err)
		}
		if outcome == OutcomeCancelled {
			return outcome, nil
		}
		run.completed = min(run.completed+len(batch), run.total)
		if err := e.checkpoint(ctx, run); err != nil {
			return e.failOrCancel(ctx, run, err)
		}
	}
	return OutcomeCompleted, nil
}

// processBatch sends one call for the whole batch. Sections the response
// does not assign, including duplicates, get an individual call.
func (e *Engine) processBatch(ctx context.Context, run *passRun, batch []document.Section) (Outcome, error) {
	keys := make([]string, len(batch))
	for i, s := range batch {
		keys[i] = s.Key
	}

	p := e.prompts.Build(e.request(run, batch))
	resp, err := e.gen.Generate(ctx, p, e.cfg.RetryBudget)
	if err != nil {
		if ctx.Err() != nil {
			return e.cancelled(run), nil
		}
		run.log.Warn("batch generation failed, skipping batch", "sections", keys, "error", err)
		for _, k := range keys {
			e.notify(run, EventSkipped, k, err.Error())
		}
		return OutcomeCompleted, nil
	}

	res := ParseBatch(resp, keys)
	if len(res.Assigned) == 0 {
		run.log.Warn("batch response has no usable section markers, falling back to individual calls", "sections", keys)
	}
	if len(res.Duplicates) > 0 {
		run.log.Warn("batch response repeated section content", "duplicates", res.Duplicates)
	}

	for _, s := range batch {
		if content, ok := res.Assigned[s.Key]; ok {
			if err := e.apply(ctx, run, s, content); err != nil {
				return OutcomeFailed, err
			}
			continue
		}
		if e.aborted(ctx, run) {
			return e.cancelled(run), nil
		}
		if err := e.processOne(ctx, run, s); err != nil {
			return OutcomeFailed, err
		}
	}
	return OutcomeCompleted, nil
}

// processOne generates and applies a single section. Only persistence
// integrity failures are returned.
func (e *Engine) processOne(ctx context.Context, run *passRun, s document.Section) error {
	s = run.byKey[s.Key]
	p := e.prompts.Build(e.request(run, []document.Section{s}))
	resp, err := e.gen.Generate(ctx, p, e.cfg.RetryBudget)
	if err != nil {
		if ctx.Err() == nil {
			run.log.Warn("generation failed, skipping section", "section", s.Key, "error", err)
		}
		e.notify(run, EventSkipped, s.Key, err.Error())
		return nil
	}
	return e.apply(ctx, run, s, resp)
}

func (e *Engine) request(run *passRun, sections []document.Section) prompt.Request {
	r := prompt.Request{
		Kind:     run.spec.Kind,
		Language: run.table.Code,
		Title:    run.job.Title,
		Context:  run.article,
		Sections: make([]document.Section, len(sections)),
	}
	for i, s := range sections {
		r.Sections[i] = run.byKey[s.Key]
	}
	if run.spec.Kind == prompt.KindDiscourse {
		r.Previous = run.previous
	}
	if run.spec.Kind == prompt.KindImage {
		r.Visuals = run.job.PlannedVisuals
	}
	return r
}

// apply cleans, validates and persists one candidate. Rejected candidates
// still mark the section visited so a resumed pass skips it.
func (e *Engine) apply(ctx context.Context, run *passRun, s document.Section, raw string) error {
	s = run.byKey[s.Key]
	log := run.log.With("section", s.Key)

	cleaned, ok := Cleanup(raw)
	if !ok {
		log.Warn("generated text has no body, discarding")
		e.notify(run, EventVetoed, s.Key, "heading only")
		return e.markVisited(ctx, run, s)
	}
	if cleaned == strings.TrimSpace(s.Content) {
		log.Debug("generated text unchanged")
		return e.markVisited(ctx, run, s)
	}

	decision := preserve.Validate(s.Content, cleaned, run.docState(), e.cfg.Preserve)
	for _, d := range decision.Diagnostics {
		log.Info("preservation diagnostic", "detail", d)
	}
	if !decision.Accepted {
		log.Warn("edit vetoed", "kinds", decision.Kinds(), "detail", decision.String())
		e.notify(run, EventVetoed, s.Key, decision.String())
		return e.markVisited(ctx, run, s)
	}

	gainsList := decision.Before.Lists == 0 && decision.After.Lists > 0
	gainsTable := decision.Before.Tables == 0 && decision.After.Tables > 0
	if gainsList && !run.listsOver && run.listSections+1 > run.budget.MaxListSections {
		log.Warn("edit reverted: list budget exhausted", "lists", run.listSections, "max", run.budget.MaxListSections)
		e.notify(run, EventVetoed, s.Key, "list budget exhausted")
		return e.markVisited(ctx, run, s)
	}
	if gainsTable && !run.tablesOver && run.tableSections+1 > run.budget.MaxTableSections {
		log.Warn("edit reverted: table budget exhausted", "tables", run.tableSections, "max", run.budget.MaxTableSections)
		e.notify(run, EventVetoed, s.Key, "table budget exhausted")
		return e.markVisited(ctx, run, s)
	}

	pass := run.spec.Number
	patch := document.SectionPatch{
		JobID:            run.job.ID,
		Key:              s.Key,
		Content:          &cleaned,
		History:          &document.HistoryEntry{Pass: pass, Prior: s.Content},
		LastModifiedPass: &pass,
		LastVisitedPass:  &pass,
		ChangeLog: &document.ChangeLogEntry{
			ID:         uuid.New().String(),
			JobID:      run.job.ID,
			Pass:       pass,
			SectionKey: s.Key,
			Field:      "content",
			Before:     s.Content,
			After:      cleaned,
			Reason:     string(run.spec.Kind),
		},
	}
	if err := affected(e.repo.UpsertSection(ctx, patch)); err != nil {
		return withOp(err, "accept edit", run.job.ID, s.Key)
	}

	run.listSections += boolDelta(decision.Before.Lists > 0, decision.After.Lists > 0)
	run.tableSections += boolDelta(decision.Before.Tables > 0, decision.After.Tables > 0)
	s.Content = cleaned
	s.LastModifiedPass, s.LastVisitedPass = pass, pass
	run.byKey[s.Key] = s

	log.Debug("edit accepted")
	e.notify(run, EventAccepted, s.Key, "")
	return nil
}

func (e *Engine) markVisited(ctx context.Context, run *passRun, s document.Section) error {
	pass := run.spec.Number
	patch := document.SectionPatch{JobID: run.job.ID, Key: s.Key, LastVisitedPass: &pass}
	if err := affected(e.repo.UpsertSection(ctx, patch)); err != nil {
		return withOp(err, "mark visited", run.job.ID, s.Key)
	}
	s.LastVisitedPass = pass
	run.byKey[s.Key] = s
	return nil
}

// checkpoint reassembles the document from stored sections and persists the
// draft with the progress counter.
func (e *Engine) checkpoint(ctx context.Context, run *passRun) error {
	draft, err := e.assemble(ctx, run.job)
	if err != nil {
		return err
	}
	completed := min(run.completed, run.total)
	patch := document.JobPatch{Draft: &draft, CompletedSections: &completed}
	if err := affected(e.repo.UpdateJob(ctx, run.job.ID, patch)); err != nil {
		return withOp(err, "checkpoint", run.job.ID, "")
	}
	run.sinceCheckpoint = 0
	e.notify(run, EventCheckpoint, "", "")
	return nil
}

func (e *Engine) finishPass(ctx context.Context, run *passRun) (Outcome, error) {
	if err := document.CheckPassTransition(document.PassInProgress, document.PassCompleted); err != nil {
		return OutcomeFailed, err
	}
	draft, err := e.assemble(ctx, run.job)
	if err != nil {
		return OutcomeFailed, err
	}
	next := run.spec.Number + 1
	run.completed = run.total
	patch := document.JobPatch{
		Pass:              &document.PassUpdate{Number: run.spec.Number, Status: document.PassCompleted},
		CurrentPass:       &next,
		Draft:             &draft,
		CompletedSections: &run.completed,
	}
	if err := affected(e.repo.UpdateJob(ctx, run.job.ID, patch)); err != nil {
		return OutcomeFailed, withOp(err, "complete pass", run.job.ID, "")
	}
	run.log.Info("pass completed", "lists", run.listSections, "tables", run.tableSections)
	e.notify(run, EventPassCompleted, "", run.spec.Name)
	return OutcomeCompleted, nil
}

func (e *Engine) assemble(ctx context.Context, job document.Job) (string, error) {
	sections, err := e.repo.GetSections(ctx, job.ID)
	if err != nil {
		return "", &PersistenceIntegrityError{Op: "reload sections", JobID: job.ID, Err: err}
	}
	return document.Assemble(job.Title, sections), nil
}

// aborted polls the abort signal: context cancellation or the job's
// cancel-requested flag.
func (e *Engine) aborted(ctx context.Context, run *passRun) bool {
	if ctx.Err() != nil {
		return true
	}
	job, err := e.repo.GetJob(ctx, run.job.ID)
	if err != nil {
		run.log.Warn("polling cancel flag failed", "error", err)
		return ctx.Err() != nil
	}
	return job.CancelRequested
}

// failOrCancel reports a write that failed because the context was
// cancelled as a cancellation rather than an integrity failure.
func (e *Engine) failOrCancel(ctx context.Context, run *passRun, err error) (Outcome, error) {
	if ctx.Err() != nil {
		return e.cancelled(run), nil
	}
	return OutcomeFailed, err
}

func (e *Engine) cancelled(run *passRun) Outcome {
	run.log.Info("pass cancelled", "completed", run.completed, "total", run.total)
	e.notify(run, EventCancelled, "", "")
	return OutcomeCancelled
}

func (e *Engine) notify(run *passRun, kind EventKind, section, msg string) {
	e.notifier.Notify(Event{
		JobID:     run.job.ID,
		Pass:      run.spec.Number,
		Kind:      kind,
		Section:   section,
		Completed: run.completed,
		Total:     run.total,
		Message:   msg,
	})
}

func (r *passRun) docState() preserve.DocState {
	return preserve.DocState{
		ListSections:     r.listSections,
		MaxListSections:  r.budget.MaxListSections,
		TableSections:    r.tableSections,
		MaxTableSections: r.budget.MaxTableSections,
	}
}

func boolDelta(before, after bool) int {
	switch {
	case !before && after:
		return 1
	case before && !after:
		return -1
	}
	return 0
}

// tail returns the last paragraph of a section, capped for prompt use.
func tail(content string) string {
	paras := strings.Split(strings.TrimSpace(document.StripHeading(content)), "\n\n")
	return document.Truncate(strings.TrimSpace(paras[len(paras)-1]), 400)
}
