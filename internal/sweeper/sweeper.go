// Package sweeper is the background reaper (§5): a step that exceeds its
// timeout is marked failed with an infrastructure error so the job can
// eventually settle or be retried, even if the worker that was dispatched to
// it never reports back. Grounded on
// internal/jobs/worker.Worker.runLoop ticker (a fixed-interval select loop,
// ctx-cancelable) and its staleRunning heartbeat check — generalized from
// "one worker's own claimed job" to "every dispatched/processing step across
// every active job", since this orchestrator has no single worker process to
// host the check.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jamesstaub/listenup/internal/data/repos/pipeline"
	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/platform/dbctx"
	"github.com/jamesstaub/listenup/internal/platform/logger"
)

// DefaultGlobalCeiling bounds any step whose manifest doesn't declare its own
// timeout_seconds (§5 "a global ceiling").
const DefaultGlobalCeiling = 30 * time.Minute

type Sweeper struct {
	store         pipeline.JobStore
	log           *logger.Logger
	interval      time.Duration
	globalCeiling time.Duration
}

func New(store pipeline.JobStore, baseLog *logger.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:         store,
		log:           baseLog.With("component", "Sweeper"),
		interval:      interval,
		globalCeiling: DefaultGlobalCeiling,
	}
}

// Run ticks at s.interval until ctx is canceled, calling Sweep on every tick.
// A single Sweep error is logged and the loop continues — a transient store
// failure shouldn't kill the reaper permanently.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn("sweep failed", "error", err)
			}
		}
	}
}

// Sweep inspects every job currently processing or retrying for a
// dispatched/processing step whose deadline has passed, and fails it in
// place. Any later status message for that step is a no-op by construction:
// applyOutcome only ever advances a step out of a non-terminal status, and
// this leaves the step terminal (failed) first (§4.4, "duplicate/late
// delivery is harmless").
func (s *Sweeper) Sweep(ctx context.Context) error {
	dbc := dbctx.Background()
	dbc.Ctx = ctx

	ids, err := s.store.ListActiveJobIDs(dbc, []domain.JobStatus{domain.JobProcessing, domain.JobRetrying})
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	for _, id := range ids {
		if err := s.sweepJob(dbc, id); err != nil {
			s.log.Warn("sweep job failed", "job_id", id, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepJob(dbc dbctx.Context, id uuid.UUID) error {
	return s.store.WithJob(dbc, id, func(job *domain.Job) error {
		now := time.Now().UTC()
		reaped := false
		for _, step := range job.Steps {
			if step.Status != domain.StepDispatched && step.Status != domain.StepProcessing {
				continue
			}
			if step.DispatchedAt == nil {
				continue
			}
			deadline := step.DispatchedAt.Add(s.effectiveTimeout(step))
			if now.Before(deadline) {
				continue
			}
			s.reap(step, now)
			reaped = true
		}
		if reaped {
			job.Status = job.RecomputeStatus()
		}
		return nil
	})
}

// effectiveTimeout is the step's own declared timeout if the dispatcher set
// one from the manifest, else the global ceiling (§5 "per-manifest, with a
// global ceiling").
func (s *Sweeper) effectiveTimeout(step *domain.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return s.globalCeiling
}

func (s *Sweeper) reap(step *domain.Step, now time.Time) {
	step.Status = domain.StepFailed
	step.FinishedAt = &now
	step.Error = domain.NewInfrastructureError(
		"step_timeout",
		fmt.Sprintf("step %q exceeded its dispatch deadline without a status report", step.Name),
		nil,
	)
}
