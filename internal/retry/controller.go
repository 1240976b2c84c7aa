// Package retry is the Retry Controller (§4.5): resets a failed job's
// earliest failure and everything transitively downstream of it back to
// pending, then re-enters the planner. Grounded on
// internal/jobs/orchestrator/engine.go handleStageErr/computeBackoff
// machinery for the retry-attempt bookkeeping, generalized from a
// single linear stage list to an arbitrary transition graph (the
// "transitively depends on it" closure below replaces a plain
// "next stage in the list").
package retry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jamesstaub/listenup/internal/cache"
	"github.com/jamesstaub/listenup/internal/data/repos/pipeline"
	"github.com/jamesstaub/listenup/internal/dispatcher"
	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/planner"
	"github.com/jamesstaub/listenup/internal/platform/dbctx"
	"github.com/jamesstaub/listenup/internal/platform/logger"
	"github.com/jamesstaub/listenup/internal/queue"
)

// ErrNoFailedStep is returned when Retry is called on a job with no failed
// step to resume from — most likely the job never reached a failed state.
var ErrNoFailedStep = fmt.Errorf("no failed step to retry from")

type Controller struct {
	store     pipeline.JobStore
	dispatch  *dispatcher.Dispatcher
	manifests domain.ManifestSet
	log       *logger.Logger
}

func New(store pipeline.JobStore, bus queue.Bus, index cache.Index, manifests domain.ManifestSet, baseLog *logger.Logger) *Controller {
	return &Controller{
		store:     store,
		dispatch:  dispatcher.New(bus, index, baseLog),
		manifests: manifests,
		log:       baseLog.With("component", "RetryController"),
	}
}

// Result mirrors the Orchestration API's retry() return shape (§4.7).
type Result struct {
	Status     domain.JobStatus
	ResumeStep string
}

// Retry implements §4.5's contract end to end, inside a single job-locked
// transaction: locate the earliest failed step, reset its dependency
// closure, set the job to retrying then processing, and re-invoke the
// planner to dispatch whatever is newly ready.
func (c *Controller) Retry(ctx context.Context, jobID uuid.UUID) (Result, error) {
	dbc := dbctx.Background()
	dbc.Ctx = ctx

	var result Result
	err := c.store.WithJob(dbc, jobID, func(job *domain.Job) error {
		failedStep := earliestFailed(job)
		if failedStep == nil {
			return ErrNoFailedStep
		}

		job.Status = domain.JobRetrying
		closure := dependencyClosure(job, failedStep.BaseName())
		for _, name := range closure {
			for _, inst := range job.InstancesOf(name) {
				inst.Reset()
			}
		}
		job.Cursor = earliestIndex(job, closure)

		job.Status = domain.JobProcessing
		expansions := planner.MaterializeFanOuts(job, c.manifests)
		if err := c.dispatch.ArmJoins(ctx, jobID, expansions); err != nil {
			return fmt.Errorf("arm join counters: %w", err)
		}
		res := planner.Plan(job)
		if err := c.dispatch.DispatchReady(ctx, job, res.Ready, c.manifests); err != nil {
			return fmt.Errorf("dispatch ready steps: %w", err)
		}
		job.Status = job.RecomputeStatus()

		result = Result{Status: job.Status, ResumeStep: failedStep.Name}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// earliestFailed returns the failed step with the lowest index in
// declared/materialized order, or nil if none is failed.
func earliestFailed(job *domain.Job) *domain.Step {
	for _, s := range job.Steps {
		if s.Status == domain.StepFailed {
			return s
		}
	}
	return nil
}

// dependencyClosure returns rootName plus every step that transitively
// consumes an output of rootName (directly or through further steps).
// Transitions always reference declared step names, even after a step has
// been fan-out materialized into instances, so walking Transitions alone is
// enough — the caller resets every instance of each name in the result.
func dependencyClosure(job *domain.Job, rootName string) []string {
	visited := map[string]bool{rootName: true}
	queue := []string{rootName}
	var order []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, t := range domain.TransitionsFrom(job.Transitions, cur) {
			if !visited[t.To] {
				visited[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	return order
}

// earliestIndex returns the lowest index among names in job.Steps, used to
// set the resume cursor (§3 "Cursor is the resume index").
func earliestIndex(job *domain.Job, names []string) int {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for i, s := range job.Steps {
		if set[s.Name] || set[s.BaseName()] {
			return i
		}
	}
	return 0
}
