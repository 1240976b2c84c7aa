// Package statusconsumer is the Status Consumer (§4.4): a long-lived
// worker pool draining the shared status queue and folding each outcome
// into the job document. Grounded on
// internal/jobs/orchestrator/engine.go Engine.Run loop for the
// load-mutate-persist-replan shape, and on the errgroup.SetLimit worker-pool
// pattern used throughout internal/modules/*/steps for bounded concurrency.
package statusconsumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jamesstaub/listenup/internal/cache"
	"github.com/jamesstaub/listenup/internal/dispatcher"
	"github.com/jamesstaub/listenup/internal/domain"
	pipelinerepo "github.com/jamesstaub/listenup/internal/data/repos/pipeline"
	"github.com/jamesstaub/listenup/internal/planner"
	"github.com/jamesstaub/listenup/internal/platform/dbctx"
	"github.com/jamesstaub/listenup/internal/platform/logger"
	"github.com/jamesstaub/listenup/internal/queue"
)

// Consumer drains queue.Bus's status queue and advances jobs in JobStore.
type Consumer struct {
	bus         queue.Bus
	store       pipelinerepo.JobStore
	index       cache.Index
	dispatch    *dispatcher.Dispatcher
	manifests   domain.ManifestSet
	log         *logger.Logger
	concurrency int
	pollTimeout time.Duration
}

func New(bus queue.Bus, store pipelinerepo.JobStore, index cache.Index, manifests domain.ManifestSet, baseLog *logger.Logger, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Consumer{
		bus:         bus,
		store:       store,
		index:       index,
		dispatch:    dispatcher.New(bus, index, baseLog),
		manifests:   manifests,
		log:         baseLog.With("component", "StatusConsumer"),
		concurrency: concurrency,
		pollTimeout: 5 * time.Second,
	}
}

// Run blocks, draining the status queue with up to c.concurrency concurrent
// workers, until ctx is canceled. Each message is applied independently —
// the errgroup only bounds concurrency, a single message's failure never
// cancels the others (§4.4 "Ordering": duplicates and out-of-order delivery
// across steps are expected and harmless).
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for {
		if gctx.Err() != nil {
			break
		}
		msg, err := c.bus.ConsumeStatus(gctx, c.pollTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			c.log.Warn("consume status failed", "error", err)
			continue
		}
		m := *msg
		g.Go(func() error {
			if err := c.apply(gctx, m); err != nil {
				c.log.Error("apply status message failed", "job_id", m.JobID, "step", m.StepName, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// apply is the two-phase handling of one status message (§4.4): phase one
// folds the reported outcome into the step; phase two re-plans and
// dispatches any newly-ready steps. Splitting them into separate
// transactions keeps each WithJob call's external side effects (cache
// writes, queue enqueues) short-lived, at the cost of a brief window where
// the persisted outcome is visible before downstream dispatch catches up —
// acceptable per the explicit non-goal of exactly-once execution guarantees.
func (c *Consumer) apply(ctx context.Context, msg queue.StatusMessage) error {
	dbc := dbctx.Background()
	dbc.Ctx = ctx

	if err := c.store.WithJob(dbc, msg.JobID, func(job *domain.Job) error {
		return c.applyOutcome(ctx, job, msg)
	}); err != nil {
		return fmt.Errorf("apply outcome: %w", err)
	}

	return c.store.WithJob(dbc, msg.JobID, func(job *domain.Job) error {
		expansions := planner.MaterializeFanOuts(job, c.manifests)
		if err := c.dispatch.ArmJoins(ctx, job.ID, expansions); err != nil {
			return fmt.Errorf("arm join counters: %w", err)
		}
		res := planner.Plan(job)
		if err := c.dispatch.DispatchReady(ctx, job, res.Ready, c.manifests); err != nil {
			return fmt.Errorf("dispatch ready steps: %w", err)
		}
		job.Status = job.RecomputeStatus()
		return nil
	})
}

func (c *Consumer) applyOutcome(ctx context.Context, job *domain.Job, msg queue.StatusMessage) error {
	step := resolveStep(job, msg)
	if step == nil {
		return fmt.Errorf("status message for unknown step %q instance %v", msg.StepName, msg.InstanceIndex)
	}
	if step.Status.Terminal() {
		// Duplicate delivery of an already-applied outcome: idempotent no-op
		// (§4.4 "a complete step cannot be overwritten by a later complete").
		return nil
	}

	switch msg.Outcome {
	case queue.StatusComplete:
		c.applyComplete(ctx, job, step, msg)
	case queue.StatusFailed:
		applyFailed(step, msg)
	default:
		return fmt.Errorf("unknown outcome %q", msg.Outcome)
	}
	job.Status = job.RecomputeStatus()
	return nil
}

func resolveStep(job *domain.Job, msg queue.StatusMessage) *domain.Step {
	if msg.InstanceIndex == nil {
		return job.StepByName(msg.StepName)
	}
	for _, s := range job.InstancesOf(msg.StepName) {
		if s.InstanceIndex != nil && *s.InstanceIndex == *msg.InstanceIndex {
			return s
		}
	}
	return nil
}

func (c *Consumer) applyComplete(ctx context.Context, job *domain.Job, step *domain.Step, msg queue.StatusMessage) {
	now := time.Now().UTC()
	step.Status = domain.StepComplete
	step.ProducedOutputs = msg.Outputs
	step.OutputChecksums = msg.OutputChecksums
	step.FinishedAt = &now

	if step.CacheKey != "" {
		if manifest, ok := c.manifests.Lookup(step.Service); ok && manifest.Deterministic {
			entry := &domain.CacheEntry{
				Key:        step.CacheKey,
				Outputs:    msg.Outputs,
				Checksums:  msg.OutputChecksums,
				ProducedAt: now,
				TTL:        time.Duration(manifest.CacheTTL) * time.Second,
			}
			if err := c.index.Put(ctx, step.CacheKey, entry); err != nil {
				c.log.Warn("cache put failed", "step", step.Name, "error", err)
			}
		}
	}

	// The join counter's key is the downstream join (consumer) step's name,
	// not this producer's own name — it was armed under that name by
	// Dispatcher.ArmJoins when the fan-out first materialized. A producer
	// can feed more than one join, so every target gets its own decrement.
	// Re-derivation via planner.Plan's status scan is still what actually
	// advances the join (§9 "no in-memory assumptions"); the counter
	// reaching zero is the join's happens-before edge (§5) but a lost or
	// double decrement here cannot stall a job forever, since the next
	// planner pass reads statuses directly regardless of the counter value.
	if step.IsFanOutInstance() {
		for _, t := range domain.TransitionsFrom(job.Transitions, step.BaseName()) {
			n, err := c.bus.DecrementJoin(ctx, job.ID, t.To)
			if err != nil {
				c.log.Warn("join counter decrement failed", "step", step.Name, "join", t.To, "error", err)
				continue
			}
			if n == 0 {
				c.log.Debug("join counter satisfied", "join", t.To, "job_id", job.ID)
			}
		}
	}
}

func applyFailed(step *domain.Step, msg queue.StatusMessage) {
	now := time.Now().UTC()
	step.Status = domain.StepFailed
	step.FinishedAt = &now
	step.Error = &domain.StepError{
		ErrorType: domain.ErrorType(msg.ErrorType),
		Code:      msg.ErrorCode,
		Message:   msg.ErrorMessage,
	}
}
