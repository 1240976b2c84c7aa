// Package planner is the Graph Planner (§4.2): a pure function over the job
// document that partitions steps into ready/blocked/done, plus the fan-out
// materialization and fan-in readiness rules that make that partition
// fan-aware. Grounded on the internal/jobs/orchestrator/dag.go,
// which computes comparable stage-readiness sets over a DAG of Stages; this
// package generalizes that computation to an arbitrary declared-transition
// graph instead of the fixed pipeline shape.
package planner

import (
	"fmt"
	"sort"

	"github.com/jamesstaub/listenup/internal/domain"
)

// Result is the output of one planning pass (§4.2): three disjoint sets of
// steps taken from the current state of the job document. Steps already in
// flight (ready, dispatched, processing) belong to none of them.
type Result struct {
	Ready   []*domain.Step
	Blocked []*domain.Step
	Done    []*domain.Step
}

// Plan computes the ready/blocked/done partition (§4.2's contract). It never
// mutates job; callers that need fan-out materialization must call
// MaterializeFanOuts first.
func Plan(job *domain.Job) Result {
	var res Result
	for _, step := range job.Steps {
		switch {
		case step.Status.Terminal():
			res.Done = append(res.Done, step)
		case step.Status != domain.StepPending:
			// in flight: neither ready, blocked, nor done
		case isReady(job, step):
			res.Ready = append(res.Ready, step)
		default:
			res.Blocked = append(res.Blocked, step)
		}
	}
	// Declared order is already the iteration order of job.Steps, so Ready
	// is already in dispatch tie-break order (§4.2 "Tie-breaking").
	return res
}

// isReady implements the readiness rule of §4.2: every input is bound
// (literal, or every contributing transition's producer is
// complete/skipped-cached — this is the fan-in join rule, since multiple
// transitions into the same input name all need to resolve before the
// consumer is ready) and no predecessor has failed.
func isReady(job *domain.Job, step *domain.Step) bool {
	// Transitions are declared against the step's base name; MaterializeFanOuts
	// never rewrites them to the "<name>#<idx>" instance names, so every
	// instance of a fanned-out step shares the same incoming set.
	incoming := domain.TransitionsInto(job.Transitions, step.BaseName())
	boundInputs := map[string]bool{}
	for name, ph := range step.Inputs {
		if ph.Kind == domain.PlaceholderLiteral {
			boundInputs[name] = true
		}
	}

	for _, t := range incoming {
		producers := job.InstancesOf(t.From)
		if len(producers) == 0 {
			return false // transition references a step not present (shouldn't happen post-validation)
		}
		for _, p := range producers {
			if p.Status == domain.StepFailed {
				return false // a predecessor failed
			}
			if !p.Status.Succeeded() {
				return false // still in flight; this input (or join) is not yet bound
			}
		}
		for _, inputName := range t.Mapping {
			boundInputs[inputName] = true
		}
	}

	for name := range step.Inputs {
		if !boundInputs[name] {
			return false
		}
	}
	return true
}

// fanOutOutputKey is the naming convention a fan-out-capable producer uses
// for its collection-valued output: one entry per element, keyed
// "<placeholder>.<index>" in ProducedOutputs. The Dispatcher/worker side is
// responsible for populating these; the planner only reads them back.
func fanOutOutputKey(placeholder string, index int) string {
	return fmt.Sprintf("%s.%d", placeholder, index)
}

// FanOutExpansion records one declared step's materialization: how many
// instances were created, and which downstream steps become fan-in joins
// over them. The Dispatcher arms the Fan-in Counter (§3, §5) from this
// directly after MaterializeFanOuts runs, keyed on JoinTargets rather than
// Producer — the counter belongs to the consumer waiting on all N
// instances, not to the instances themselves.
type FanOutExpansion struct {
	Producer    string
	Width       int
	JoinTargets []string
}

// MaterializeFanOuts scans for declared steps whose service manifest marks
// an input as collection-valued (manifest.FanOutSpec) and whose producing
// transition's source step(s) have finished, and expands each such step
// into N instances sharing its declared name but carrying a distinct
// InstanceIndex (§4.2 "Fan-out"). Idempotent: a step already materialized to
// its target width is left alone, and reports no expansion for it. Returns
// one FanOutExpansion per declared step newly expanded this call.
func MaterializeFanOuts(job *domain.Job, manifests domain.ManifestSet) []FanOutExpansion {
	var expansions []FanOutExpansion
	// Iterate over a snapshot since we may grow job.Steps while iterating.
	declared := make([]*domain.Step, 0, len(job.Steps))
	for _, s := range job.Steps {
		if !s.IsFanOutInstance() && s.Status == domain.StepPending {
			declared = append(declared, s)
		}
	}

	for _, s := range declared {
		manifest, ok := manifests.Lookup(s.Service)
		if !ok || manifest.FanOut == nil {
			continue
		}
		n, ok := fanOutWidth(job, s, manifest.FanOut.OnInput)
		if !ok {
			continue // the collection-producing predecessor hasn't finished yet
		}
		if n <= 0 {
			continue
		}
		if len(job.InstancesOf(s.Name)) == n && job.InstancesOf(s.Name)[0].IsFanOutInstance() {
			continue // already materialized to this width
		}
		job.Steps = expandInstances(job.Steps, s, n)
		expansions = append(expansions, FanOutExpansion{
			Producer:    s.Name,
			Width:       n,
			JoinTargets: joinTargetsOf(job, s.Name),
		})
	}
	return expansions
}

// joinTargetsOf returns the distinct consumer step names that a producer's
// fan-out instances feed, in transition-declaration order.
func joinTargetsOf(job *domain.Job, producerName string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range domain.TransitionsFrom(job.Transitions, producerName) {
		if seen[t.To] {
			continue
		}
		seen[t.To] = true
		out = append(out, t.To)
	}
	return out
}

// fanOutWidth inspects the transition(s) binding onInput and counts how many
// indexed elements the producing step(s) emitted. Returns ok=false if the
// producer hasn't completed yet, so the caller should try again later.
func fanOutWidth(job *domain.Job, step *domain.Step, onInput string) (int, bool) {
	for _, t := range domain.TransitionsInto(job.Transitions, step.Name) {
		producerOutput, bindsThisInput := "", false
		for outName, inName := range t.Mapping {
			if inName == onInput {
				producerOutput = outName
				bindsThisInput = true
				break
			}
		}
		if !bindsThisInput {
			continue
		}
		producer := job.StepByName(t.From)
		if producer == nil || !producer.Status.Succeeded() {
			return 0, false
		}
		count := 0
		for idx := 0; ; idx++ {
			if _, ok := producer.ProducedOutputs[fanOutOutputKey(producerOutput, idx)]; !ok {
				break
			}
			count++
		}
		return count, true
	}
	return 0, false
}

// expandInstances replaces the single declared step `decl` in steps with N
// materialized instances, preserving declared order: the instances occupy
// the position `decl` held.
func expandInstances(steps []*domain.Step, decl *domain.Step, n int) []*domain.Step {
	out := make([]*domain.Step, 0, len(steps)+n-1)
	for _, s := range steps {
		if s != decl {
			out = append(out, s)
			continue
		}
		for i := 0; i < n; i++ {
			idx := i
			inst := cloneStep(decl)
			inst.Name = fmt.Sprintf("%s#%d", decl.Name, idx)
			inst.DeclaredName = decl.Name
			inst.InstanceIndex = &idx
			out = append(out, inst)
		}
	}
	return out
}

func cloneStep(s *domain.Step) *domain.Step {
	clone := *s
	clone.Inputs = make(map[string]domain.Placeholder, len(s.Inputs))
	for k, v := range s.Inputs {
		clone.Inputs[k] = v
	}
	clone.Outputs = make(map[string]string, len(s.Outputs))
	for k, v := range s.Outputs {
		clone.Outputs[k] = v
	}
	clone.EnsureDefaults()
	return &clone
}

// SortedStepNames is a small helper for logging/observability: a stable,
// deterministic listing of a step set.
func SortedStepNames(steps []*domain.Step) []string {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}
