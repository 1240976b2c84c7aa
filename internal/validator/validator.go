// Package validator is the Validator (§4.1): the single gate a submitted
// pipeline passes through before it is ever persisted. Grounded on
// internal/jobs/orchestrator/dag.go validateDAG (Kahn's-algorithm
// cycle detection, reused here for the transition graph) and on the
// pattern of returning a structured, field-naming error rather
// than a bare Go error for anything client-facing.
package validator

import (
	"fmt"

	"github.com/jamesstaub/listenup/internal/domain"
)

// Validate checks a freshly-submitted job against the known service
// manifests and returns either nil (the job is valid and may be persisted
// as-is) or the first *domain.ValidationError encountered. Checks run in a
// fixed order, so a submission is reported against the first check it fails;
// within one step, inputs are checked in map order, so which of several
// faulty inputs is named can differ between runs.
func Validate(job *domain.Job, manifests domain.ManifestSet) *domain.ValidationError {
	if len(job.Steps) == 0 {
		return &domain.ValidationError{Message: "pipeline has no steps"}
	}

	index := make(map[string]int, len(job.Steps))
	for i, s := range job.Steps {
		if s.Name == "" {
			return &domain.ValidationError{Message: fmt.Sprintf("step at position %d has no name", i)}
		}
		if _, dup := index[s.Name]; dup {
			return &domain.ValidationError{Step: s.Name, Message: "duplicate step name"}
		}
		index[s.Name] = i
	}

	if err := checkServicesKnown(job, manifests); err != nil {
		return err
	}
	if err := checkParameters(job, manifests); err != nil {
		return err
	}
	if err := checkTransitionEndpointsAndOrder(job, index); err != nil {
		return err
	}
	if err := checkInputsBoundExactlyOnce(job); err != nil {
		return err
	}
	if err := checkAcyclic(job, index); err != nil {
		return err
	}
	// Output placeholder names are unique within a step by construction:
	// Step.Outputs is a map[string]string, so a duplicate name can never be
	// represented in the first place. No runtime check is needed.
	return nil
}

func checkServicesKnown(job *domain.Job, manifests domain.ManifestSet) *domain.ValidationError {
	for _, s := range job.Steps {
		if _, ok := manifests.Lookup(s.Service); !ok {
			return &domain.ValidationError{Step: s.Name, Field: "service", Message: fmt.Sprintf("unknown service %q", s.Service)}
		}
	}
	return nil
}

func checkParameters(job *domain.Job, manifests domain.ManifestSet) *domain.ValidationError {
	for _, s := range job.Steps {
		manifest, ok := manifests.Lookup(s.Service)
		if !ok {
			continue // already reported by checkServicesKnown
		}
		declared := make(map[string]string, len(s.CommandSpec.Flags))
		for name, val := range s.CommandSpec.Flags {
			declared[name] = val
		}
		for _, desc := range manifest.Parameters {
			val, present := declared[desc.Name]
			if !present {
				if desc.Required {
					return &domain.ValidationError{Step: s.Name, Field: desc.Name, Message: "missing required parameter"}
				}
				continue
			}
			if err := checkParamType(desc, val); err != nil {
				return &domain.ValidationError{Step: s.Name, Field: desc.Name, Message: err.Error()}
			}
		}
	}
	return nil
}

func checkParamType(desc domain.ParameterDescriptor, raw string) error {
	switch desc.Type {
	case "int", "float":
		var f float64
		if _, err := fmt.Sscanf(raw, "%f", &f); err != nil {
			return fmt.Errorf("expected a numeric value, got %q", raw)
		}
		if desc.Min != nil && f < *desc.Min {
			return fmt.Errorf("value %v below minimum %v", f, *desc.Min)
		}
		if desc.Max != nil && f > *desc.Max {
			return fmt.Errorf("value %v above maximum %v", f, *desc.Max)
		}
	case "bool":
		if raw != "true" && raw != "false" {
			return fmt.Errorf("expected true or false, got %q", raw)
		}
	case "string":
		// any value is acceptable
	}
	return nil
}

func checkTransitionEndpointsAndOrder(job *domain.Job, index map[string]int) *domain.ValidationError {
	for _, t := range job.Transitions {
		fromPos, ok := index[t.From]
		if !ok {
			return &domain.ValidationError{Step: t.From, Field: "from", Message: "transition references an unknown step"}
		}
		toPos, ok := index[t.To]
		if !ok {
			return &domain.ValidationError{Step: t.To, Field: "to", Message: "transition references an unknown step"}
		}
		if fromPos >= toPos {
			return &domain.ValidationError{Step: t.To, Message: fmt.Sprintf("transition from %q to %q is not forward in declared order", t.From, t.To)}
		}
	}
	return nil
}

// checkInputsBoundExactlyOnce verifies every step's declared input
// placeholders resolve to exactly one source: a literal, or exactly one
// incoming transition mapping. A placeholder with no source is unready
// forever; one with two sources is ambiguous.
func checkInputsBoundExactlyOnce(job *domain.Job) *domain.ValidationError {
	for _, s := range job.Steps {
		bindingCount := make(map[string]int, len(s.Inputs))
		for name, ph := range s.Inputs {
			if ph.Kind == domain.PlaceholderLiteral {
				bindingCount[name]++
			}
		}
		for _, t := range domain.TransitionsInto(job.Transitions, s.Name) {
			for _, inputName := range t.Mapping {
				bindingCount[inputName]++
			}
		}
		for name := range s.Inputs {
			switch bindingCount[name] {
			case 0:
				return &domain.ValidationError{Step: s.Name, Field: name, Message: "input is not bound by a literal or any transition"}
			case 1:
				// fine
			default:
				return &domain.ValidationError{Step: s.Name, Field: name, Message: "input is bound more than once"}
			}
		}
	}
	return nil
}

func checkAcyclic(job *domain.Job, index map[string]int) *domain.ValidationError {
	n := len(job.Steps)
	adj := make([][]int, n)
	inDegree := make([]int, n)
	for _, t := range job.Transitions {
		from, to := index[t.From], index[t.To]
		adj[from] = append(adj[from], to)
		inDegree[to]++
	}

	// Kahn's algorithm: repeatedly remove zero-in-degree nodes. Anything left
	// over at the end sits on a cycle.
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != n {
		return &domain.ValidationError{Message: "transition graph contains a cycle"}
	}
	return nil
}

