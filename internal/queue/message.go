package queue

import "github.com/google/uuid"

// DispatchMessage is the thin payload the Dispatcher places on a service's
// queue (§4.3): enough for the worker to hydrate the rest from the
// Orchestration API, nothing the orchestrator would need to keep consistent
// with the job document by hand. StepName is always the declared name
// (Step.BaseName()); InstanceIndex is nil for a non-fan-out step and a
// pointer rather than a bare int so that instance 0 is still distinguishable
// from "not a fan-out instance" after JSON round-tripping.
type DispatchMessage struct {
	JobID         uuid.UUID `json:"job_id"`
	StepName      string    `json:"step_name"`
	InstanceIndex *int      `json:"instance_index,omitempty"`
}

// StatusOutcome is the terminal result a worker reports back for a step.
type StatusOutcome string

const (
	StatusComplete StatusOutcome = "complete"
	StatusFailed   StatusOutcome = "failed"
)

// StatusMessage is what a worker publishes to the shared status queue when a
// step finishes, successfully or not (§4.5).
type StatusMessage struct {
	JobID           uuid.UUID         `json:"job_id"`
	StepName        string            `json:"step_name"`
	InstanceIndex   *int              `json:"instance_index,omitempty"`
	Outcome         StatusOutcome     `json:"outcome"`
	ErrorType       string            `json:"error_type,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	OutputChecksums map[string]string `json:"output_checksums,omitempty"`
}
