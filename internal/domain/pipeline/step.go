package pipeline

import "time"

// StepStatus is the per-step lifecycle state machine of §4.8:
//
//	pending -> ready -> dispatched -> processing -> (complete | failed | skipped-cached)
//
// from failed a retry can re-enter pending.
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepReady         StepStatus = "ready"
	StepDispatched    StepStatus = "dispatched"
	StepProcessing    StepStatus = "processing"
	StepComplete      StepStatus = "complete"
	StepFailed        StepStatus = "failed"
	StepSkippedCached StepStatus = "skipped-cached"
)

// Terminal reports whether no further transition happens to this status
// without external intervention (a retry).
func (s StepStatus) Terminal() bool {
	return s == StepComplete || s == StepFailed || s == StepSkippedCached
}

func (s StepStatus) Succeeded() bool {
	return s == StepComplete || s == StepSkippedCached
}

// Step is one unit of work for one worker service (§3). A single declared
// step may be materialized as N parallel Instances when the manifest marks
// its operation as fan-out (manifest.FanOutSpec); each
// instance carries the same DeclaredName but a distinct InstanceIndex and is
// tracked independently.
type Step struct {
	Name    string `json:"name"`    // unique within the job (includes instance suffix for fan-out)
	Service string `json:"service"` // routing key to a worker queue

	CommandSpec    CommandSpec            `json:"command_spec"`
	Inputs         map[string]Placeholder `json:"inputs"`
	Outputs        map[string]string      `json:"outputs"` // placeholder name -> destination template
	StoragePolicy  string                 `json:"storage_policy,omitempty"`
	Deterministic  bool                   `json:"deterministic,omitempty"`
	CacheTTL       time.Duration          `json:"cache_ttl,omitempty"`
	Timeout        time.Duration          `json:"timeout,omitempty"`

	DeclaredName  string `json:"declared_name,omitempty"`  // original step name before fan-out suffixing
	InstanceIndex *int   `json:"instance_index,omitempty"` // set only on a fan-out instance

	Status         StepStatus        `json:"status"`
	CacheKey       string            `json:"cache_key,omitempty"`
	Error          *StepError        `json:"error,omitempty"`
	ResolvedInputs map[string]string `json:"resolved_inputs,omitempty"`
	ProducedOutputs map[string]string `json:"produced_outputs,omitempty"`
	OutputChecksums map[string]string `json:"output_checksums,omitempty"`

	Attempts   int        `json:"attempts"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

// IsFanOutInstance reports whether this step is one of N materialized
// instances of a declared fan-out step (§4.2).
func (s *Step) IsFanOutInstance() bool {
	return s.InstanceIndex != nil
}

// BaseName is the declared step name this instance was materialized from, or
// Name itself for a non-fan-out step.
func (s *Step) BaseName() string {
	if s.DeclaredName != "" {
		return s.DeclaredName
	}
	return s.Name
}

// EnsureDefaults allocates nil maps so a freshly-loaded or freshly-created
// step is always safe to range over. Idempotent, called on every document
// load per the "no in-memory assumptions" design note (SPEC_FULL §12).
func (s *Step) EnsureDefaults() {
	if s.Inputs == nil {
		s.Inputs = map[string]Placeholder{}
	}
	if s.Outputs == nil {
		s.Outputs = map[string]string{}
	}
	if s.ResolvedInputs == nil {
		s.ResolvedInputs = map[string]string{}
	}
	if s.ProducedOutputs == nil {
		s.ProducedOutputs = map[string]string{}
	}
	if s.Status == "" {
		s.Status = StepPending
	}
}

// Reset clears a step back to pending, as Retry Controller does for the
// dependency closure of the earliest failed step (§4.5, invariant 4).
func (s *Step) Reset() {
	s.Status = StepPending
	s.ResolvedInputs = map[string]string{}
	s.ProducedOutputs = map[string]string{}
	s.OutputChecksums = map[string]string{}
	s.Error = nil
	s.CacheKey = ""
	s.StartedAt = nil
	s.FinishedAt = nil
	s.DispatchedAt = nil
}
