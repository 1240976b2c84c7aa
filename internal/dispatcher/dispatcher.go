// Package dispatcher is the Dispatcher (§4.3): turns a ready step into
// either a cache-hit shortcut or a thin message on the owning service's
// queue. Grounded on the internal/jobs/orchestrator/engine.go
// dispatch-then-await loop, adapted from the single-worker-poll
// shape to this package's queue-backed push.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jamesstaub/listenup/internal/cache"
	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/planner"
	"github.com/jamesstaub/listenup/internal/platform/backoff"
	"github.com/jamesstaub/listenup/internal/platform/logger"
	"github.com/jamesstaub/listenup/internal/queue"
)

// enqueueRetryPolicy bounds retries of the one genuinely transient call in
// the dispatch path: pushing onto the Queue Bus (§7 "infrastructure errors
// ... retries bus/store operations with bounded exponential backoff").
var enqueueRetryPolicy = backoff.Policy{MaxAttempts: 3}

type Dispatcher struct {
	bus   queue.Bus
	index cache.Index
	log   *logger.Logger
}

func New(bus queue.Bus, index cache.Index, baseLog *logger.Logger) *Dispatcher {
	return &Dispatcher{bus: bus, index: index, log: baseLog.With("component", "Dispatcher")}
}

// ArmJoins initializes the Fan-in Counter (§3, §5) for every join target a
// just-completed planner.MaterializeFanOuts call reported. Callers run this
// between MaterializeFanOuts and Plan so a join step's counter is armed
// before any of its producer instances can report completion and decrement
// it.
func (d *Dispatcher) ArmJoins(ctx context.Context, jobID uuid.UUID, expansions []planner.FanOutExpansion) error {
	for _, exp := range expansions {
		for _, target := range exp.JoinTargets {
			if err := d.bus.InitJoin(ctx, jobID, target, exp.Width); err != nil {
				return fmt.Errorf("init join %s (width %d): %w", target, exp.Width, err)
			}
		}
	}
	return nil
}

// DispatchReady runs the Dispatcher's contract (§4.3) against every step the
// Graph Planner marked ready, mutating each step in place. Fan-out siblings
// are dispatched independently; any join counter their completion decrements
// must already be armed via ArmJoins.
func (d *Dispatcher) DispatchReady(ctx context.Context, job *domain.Job, ready []*domain.Step, manifests domain.ManifestSet) error {
	for _, step := range ready {
		if err := d.dispatchOne(ctx, job, step, manifests); err != nil {
			return fmt.Errorf("dispatch %s: %w", step.Name, err)
		}
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, job *domain.Job, step *domain.Step, manifests domain.ManifestSet) error {
	// Idempotence per (job_id, step_name, instance_index): a step only ever
	// leaves `pending` here, and a retry is the only thing allowed to put it
	// back (§4.3 "Idempotence").
	if step.Status != domain.StepPending {
		d.log.Debug("skipping already-dispatched step", "job_id", job.ID, "step", step.Name, "status", step.Status)
		return nil
	}

	manifest, ok := manifests.Lookup(step.Service)
	if !ok {
		return fmt.Errorf("unknown service %q", step.Service)
	}

	// Bind every input now, not just on demand in Hydrate: a dispatched step
	// must show its resolved bindings in the persisted document (§8 invariant
	// 2, §6 "bound inputs"), and the cache-key derivation below needs the
	// producing steps' reported content checksums, not these resolved paths.
	resolved, err := domain.ResolveInputs(job, step)
	if err != nil {
		return fmt.Errorf("resolve inputs: %w", err)
	}
	step.ResolvedInputs = resolved

	if manifest.Deterministic {
		checksums, err := domain.InputChecksums(job, step)
		if err != nil {
			return fmt.Errorf("derive input checksums: %w", err)
		}
		key, err := cache.DeriveKey(step.Service, manifest.Program, step.CommandSpec.Flags, checksums)
		if err != nil {
			return fmt.Errorf("derive cache key: %w", err)
		}
		step.CacheKey = key

		entry, hit, err := d.index.Lookup(ctx, key)
		if err != nil {
			return fmt.Errorf("cache lookup: %w", err)
		}
		if hit {
			d.applyCacheHit(step, entry)
			return nil
		}
	}

	msg := queue.DispatchMessage{
		JobID:         job.ID,
		StepName:      step.BaseName(),
		InstanceIndex: step.InstanceIndex,
	}
	if err := backoff.Retry(enqueueRetryPolicy, func() error {
		return d.bus.Enqueue(ctx, step.Service, msg)
	}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	now := time.Now().UTC()
	step.Status = domain.StepDispatched
	step.DispatchedAt = &now
	if manifest.TimeoutSecs > 0 {
		step.Timeout = time.Duration(manifest.TimeoutSecs) * time.Second
	}
	return nil
}

func (d *Dispatcher) applyCacheHit(step *domain.Step, entry *domain.CacheEntry) {
	now := time.Now().UTC()
	step.Status = domain.StepSkippedCached
	step.ProducedOutputs = entry.Outputs
	step.StartedAt = &now
	step.FinishedAt = &now
}
