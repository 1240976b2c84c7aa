package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the per-job lifecycle state machine of §4.8:
//
//	pending -> processing -> (complete | failed) -> retrying -> processing -> ...
//
// complete is the only status that is terminal forever; failed is terminal
// until explicitly retried.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
)

// Job is the durable job document (§3): immutable identity plus mutable
// state. It is the single source of truth for a pipeline's execution; the
// Queue Bus carries only identifiers that dereference back into this
// document (§9 "thin events" design note).
type Job struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Status      JobStatus    `json:"status"`
	Steps       []*Step      `json:"steps"`       // ordered; declared order is dispatch tie-break order
	Transitions []Transition `json:"transitions"` // ordered edges

	// Cursor is the resume index: the position in Steps from which a retry
	// re-drives the planner. It points at the earliest step reset by the
	// most recent retry, or 0 for a job that has never been retried.
	Cursor int `json:"cursor"`

	// LastProgress is persisted with the document, but no component of the
	// engine updates it, so it stays at 0 (SPEC_FULL §12).
	LastProgress int `json:"last_progress"`

	Version int `json:"version"` // state-schema version, for future migrations
}

// StepByName returns the step with the given name, or nil.
func (j *Job) StepByName(name string) *Step {
	for _, s := range j.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// InstancesOf returns every materialized fan-out instance (or the single
// step itself, if it was never fanned out) for a declared step name.
func (j *Job) InstancesOf(declaredName string) []*Step {
	var out []*Step
	for _, s := range j.Steps {
		if s.BaseName() == declaredName {
			out = append(out, s)
		}
	}
	return out
}

// EnsureDefaults allocates nil slices/maps and defaults every step, so a
// freshly unmarshaled document is always safe to operate on.
func (j *Job) EnsureDefaults() {
	if j.Steps == nil {
		j.Steps = []*Step{}
	}
	if j.Transitions == nil {
		j.Transitions = []Transition{}
	}
	for _, s := range j.Steps {
		s.EnsureDefaults()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	if j.Version <= 0 {
		j.Version = 1
	}
}

// RecomputeStatus applies invariant 1 of §8: overall status is complete iff
// every step's status is complete/skipped-cached. It goes failed only once
// at least one step is failed AND no step remains ready/dispatched/
// processing — a failed step blocks its dependents from ever becoming ready
// again, so those dependents stay pending forever rather than resolving on
// their own; only the absence of in-flight work lets the job settle. It
// never downgrades a terminal job back to processing — callers that need to
// re-open a job call Retry Controller explicitly.
func (j *Job) RecomputeStatus() JobStatus {
	if len(j.Steps) == 0 {
		return j.Status
	}
	allDone := true
	anyFailed := false
	anyStarted := false
	inFlight := false
	for _, s := range j.Steps {
		switch s.Status {
		case StepComplete, StepSkippedCached:
		case StepFailed:
			anyFailed = true
			allDone = false
		case StepReady, StepDispatched, StepProcessing:
			allDone = false
			inFlight = true
		default: // pending
			allDone = false
		}
		if s.Status != StepPending {
			anyStarted = true
		}
	}
	switch {
	case allDone:
		return JobComplete
	case anyFailed && !inFlight:
		return JobFailed
	case anyStarted || inFlight:
		return JobProcessing
	default:
		return JobPending
	}
}
