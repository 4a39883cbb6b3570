// Package worker drains the run queue, driving each claimed job through the
// engine's runner.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/passwright/internal/audit"
	"github.com/kalambet/passwright/internal/engine"
	"github.com/kalambet/passwright/internal/storage"
)

// Queue abstracts the run queue operations.
type Queue interface {
	ClaimNextRun(ctx context.Context) (*storage.Run, error)
	CompleteRun(ctx context.Context, id string) error
	FailRun(ctx context.Context, id, errMsg string, retry bool) error
}

// JobRunner executes a job from its last checkpoint.
type JobRunner interface {
	Run(ctx context.Context, jobID string) (engine.Outcome, error)
}

// Worker processes queued runs, several jobs at a time.
type Worker struct {
	queue       Queue
	runner      JobRunner
	poll        time.Duration
	concurrency int
	logger      *slog.Logger
}

// New creates a Worker. If pollInterval is <= 0, it defaults to 500ms;
// concurrency below 1 means one job at a time.
func New(queue Queue, runner JobRunner, pollInterval time.Duration, concurrency int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       queue,
		runner:      runner,
		poll:        pollInterval,
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// Run polls for runs until ctx is cancelled, then waits for in-flight jobs
// to reach their cancellation checkpoint.
func (w *Worker) Run(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(w.concurrency)

	for ctx.Err() == nil {
		claimed := make(chan bool, 1)
		// Go blocks while all slots are busy, so a run is only claimed
		// when it can start right away.
		g.Go(func() error {
			run, err := w.queue.ClaimNextRun(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("claiming run failed", "error", err)
				}
				claimed <- false
				return nil
			}
			claimed <- run != nil
			if run != nil {
				w.process(ctx, run)
			}
			return nil
		})
		if <-claimed {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.poll):
		}
	}
	g.Wait()
}

// RunOnce claims and processes a single run in the calling goroutine.
// Returns true if a run was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	run, err := w.queue.ClaimNextRun(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming run: %w", err)
	}
	if run == nil {
		return false, nil
	}
	w.process(ctx, run)
	return true, nil
}

func (w *Worker) process(ctx context.Context, run *storage.Run) {
	log := w.logger.With("run_id", run.ID, "job_id", run.JobID, "attempt", run.Attempts+1)
	log.Debug("run started")

	outcome, err := w.runner.Run(ctx, run.JobID)
	if ctx.Err() != nil {
		// Shutting down: the run stays claimed and is requeued on the next
		// start, resuming from the job's last checkpoint.
		log.Info("run interrupted", "outcome", outcome)
		return
	}
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		retry := Retryable(err)
		log.Warn("run failed", "outcome", outcome, "retry", retry, "error", err)
		if ferr := w.queue.FailRun(wctx, run.ID, err.Error(), retry); ferr != nil {
			log.Error("failed to mark run as failed", "error", ferr)
		}
		return
	}
	if cerr := w.queue.CompleteRun(wctx, run.ID); cerr != nil {
		log.Error("failed to mark run as completed", "error", cerr)
		return
	}
	log.Info("run finished", "outcome", outcome)
}

// Retryable reports whether a failed run is worth another attempt. Gate
// failures, configuration errors and integrity failures are final.
func Retryable(err error) bool {
	var (
		gf *audit.GateFailure
		ce *engine.ConfigurationError
	)
	switch {
	case errors.As(err, &gf), errors.As(err, &ce), engine.IsIntegrity(err), errors.Is(err, engine.ErrGateFinal):
		return false
	}
	return true
}
