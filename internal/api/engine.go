// Package api is the Orchestration API (§4.7): the core-facing contract
// collaborators use to submit pipelines, poll status, request retries, and
// let workers hydrate their instructions. Grounded on the
// internal/handlers + internal/server package split: a thin, framework-free
// service type here (Engine) that the gin handlers in handlers.go wrap.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jamesstaub/listenup/internal/cache"
	"github.com/jamesstaub/listenup/internal/data/repos/pipeline"
	"github.com/jamesstaub/listenup/internal/dispatcher"
	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/planner"
	"github.com/jamesstaub/listenup/internal/platform/apierr"
	"github.com/jamesstaub/listenup/internal/platform/dbctx"
	"github.com/jamesstaub/listenup/internal/platform/logger"
	"github.com/jamesstaub/listenup/internal/queue"
	"github.com/jamesstaub/listenup/internal/retry"
	"github.com/jamesstaub/listenup/internal/validator"
)

// Engine wires the Validator, Job Store, Graph Planner, Dispatcher, and
// Retry Controller behind the four operations §4.7 names.
type Engine struct {
	store     pipeline.JobStore
	dispatch  *dispatcher.Dispatcher
	retryCtl  *retry.Controller
	manifests domain.ManifestSet
	log       *logger.Logger
}

func NewEngine(store pipeline.JobStore, bus queue.Bus, index cache.Index, manifests domain.ManifestSet, baseLog *logger.Logger) *Engine {
	return &Engine{
		store:     store,
		dispatch:  dispatcher.New(bus, index, baseLog),
		retryCtl:  retry.New(store, bus, index, manifests, baseLog),
		manifests: manifests,
		log:       baseLog.With("component", "OrchestrationAPI"),
	}
}

// Submit validates a pipeline, persists it, and runs the first planner pass
// so any immediately-ready steps dispatch before the caller even sees the
// job id (§4.7 "submit").
func (e *Engine) Submit(ctx context.Context, job *domain.Job) (uuid.UUID, error) {
	job.EnsureDefaults()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = domain.JobPending

	if verr := validator.Validate(job, e.manifests); verr != nil {
		return uuid.Nil, apierr.InvalidArgument("invalid_pipeline", verr)
	}

	dbc := dbctx.Background()
	dbc.Ctx = ctx
	if err := e.store.Create(dbc, job); err != nil {
		return uuid.Nil, fmt.Errorf("persist job: %w", err)
	}

	if err := e.store.WithJob(dbc, job.ID, func(j *domain.Job) error {
		j.Status = domain.JobProcessing
		expansions := planner.MaterializeFanOuts(j, e.manifests)
		if err := e.dispatch.ArmJoins(ctx, j.ID, expansions); err != nil {
			return fmt.Errorf("arm join counters: %w", err)
		}
		res := planner.Plan(j)
		if err := e.dispatch.DispatchReady(ctx, j, res.Ready, e.manifests); err != nil {
			return fmt.Errorf("dispatch ready steps: %w", err)
		}
		j.Status = j.RecomputeStatus()
		return nil
	}); err != nil {
		return job.ID, fmt.Errorf("initial dispatch: %w", err)
	}

	return job.ID, nil
}

// Get returns the job document as it currently stands (§4.7 "get").
func (e *Engine) Get(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	dbc := dbctx.Background()
	dbc.Ctx = ctx
	job, err := e.store.Get(dbc, jobID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return nil, apierr.NotFound("job_not_found", err)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Retry begins a retry from the earliest failed step (§4.7 "retry").
func (e *Engine) Retry(ctx context.Context, jobID uuid.UUID) (retry.Result, error) {
	res, err := e.retryCtl.Retry(ctx, jobID)
	if errors.Is(err, retry.ErrNoFailedStep) {
		return retry.Result{}, apierr.Conflict("no_failed_step", err)
	}
	if errors.Is(err, pipeline.ErrNotFound) {
		return retry.Result{}, apierr.NotFound("job_not_found", err)
	}
	return res, err
}

// HydrationResult is the fully-bound step a worker needs to execute (§4.7
// "hydrate").
type HydrationResult struct {
	CommandSpec    domain.CommandSpec `json:"command_spec"`
	ResolvedInputs map[string]string  `json:"resolved_inputs"`
	Outputs        map[string]string  `json:"outputs"`
	Parameters     map[string]string  `json:"parameters"`
}

// Hydrate is the worker's sole mechanism for obtaining its instructions
// (§4.7): it substitutes every input placeholder against the job's current
// state and returns the result, never the job document itself.
func (e *Engine) Hydrate(ctx context.Context, jobID uuid.UUID, stepName string, instanceIndex *int) (HydrationResult, error) {
	dbc := dbctx.Background()
	dbc.Ctx = ctx
	job, err := e.store.Get(dbc, jobID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return HydrationResult{}, apierr.NotFound("job_not_found", err)
	}
	if err != nil {
		return HydrationResult{}, err
	}

	step := resolveHydrationStep(job, stepName, instanceIndex)
	if step == nil {
		return HydrationResult{}, apierr.NotFound("step_not_found", fmt.Errorf("step %q (instance %v) not found", stepName, instanceIndex))
	}

	resolved := make(map[string]string, len(step.Inputs))
	for name, ph := range step.Inputs {
		val, err := domain.ResolvePlaceholder(job, step, ph)
		if err != nil {
			return HydrationResult{}, apierr.InvalidArgument("unresolved_input", fmt.Errorf("%s.%s: %w", step.Name, name, err))
		}
		resolved[name] = val
	}

	return HydrationResult{
		CommandSpec:    step.CommandSpec,
		ResolvedInputs: resolved,
		Outputs:        step.Outputs,
		Parameters:     step.CommandSpec.Flags,
	}, nil
}

func resolveHydrationStep(job *domain.Job, stepName string, instanceIndex *int) *domain.Step {
	if instanceIndex == nil {
		return job.StepByName(stepName)
	}
	for _, s := range job.InstancesOf(stepName) {
		if s.InstanceIndex != nil && *s.InstanceIndex == *instanceIndex {
			return s
		}
	}
	return nil
}
