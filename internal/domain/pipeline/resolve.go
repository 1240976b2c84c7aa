package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// stepOutputRef matches {{steps.<name>.outputs.<placeholder>}}.
var stepOutputRef = regexp.MustCompile(`^steps\.([^.]+)\.outputs\.(.+)$`)

// ResolvePlaceholder substitutes the minimum template vocabulary §4.7
// promises: {{user_id}}, {{job_id}}, {{composite_name}}, and
// {{steps.<name>.outputs.<placeholder>}}. A literal placeholder passes
// through untouched; an unresolved template (an upstream step hasn't
// produced the referenced output yet) is an error — this should never be
// called for a step that isn't actually ready.
func ResolvePlaceholder(job *Job, step *Step, ph Placeholder) (string, error) {
	if ph.Kind == PlaceholderLiteral {
		return ph.Value, nil
	}
	return substituteTemplate(job, step, ph.Value)
}

// ResolveInputs resolves every declared input of step against job's current
// state. The Dispatcher stores the result as the persisted ResolvedInputs the
// job document shows a caller (§6 "bound inputs", §8 invariant 2); Hydrate
// resolves each input through the same ResolvePlaceholder, so the values a
// worker runs against are computed the same way.
func ResolveInputs(job *Job, step *Step) (map[string]string, error) {
	out := make(map[string]string, len(step.Inputs))
	for name, ph := range step.Inputs {
		val, err := ResolvePlaceholder(job, step, ph)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = val
	}
	return out, nil
}

// InputChecksums derives the cache-key checksum component for step's inputs
// (§3, §4.6: "content checksum of each input reference"). This is distinct
// from ResolveInputs: a resolved input is a storage path or identifier,
// which only names a piece of content, while the checksum is what lets two
// steps with different input *content* at the same path-shaped input miss
// each other's cache entries. A template input's checksum comes from the
// producing step's reported OutputChecksums; a literal input has no
// upstream producer to checksum, so the literal value itself stands in for
// its own content identity.
func InputChecksums(job *Job, step *Step) (map[string]string, error) {
	out := make(map[string]string, len(step.Inputs))
	for name, ph := range step.Inputs {
		if ph.Kind == PlaceholderLiteral {
			out[name] = ph.Value
			continue
		}
		sum, err := resolveStepOutputChecksum(job, step, ph.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = sum
	}
	return out, nil
}

func substituteTemplate(job *Job, step *Step, raw string) (string, error) {
	inner := templateInner(raw)

	switch inner {
	case "user_id":
		return job.UserID.String(), nil
	case "job_id":
		return job.ID.String(), nil
	case "composite_name":
		return CompositeName(job, step), nil
	}

	if m := stepOutputRef.FindStringSubmatch(inner); m != nil {
		sourceName, outputName := m[1], m[2]
		return resolveStepOutput(job, step, sourceName, outputName)
	}

	return "", fmt.Errorf("unresolvable template %q", raw)
}

func templateInner(raw string) string {
	inner := strings.TrimSpace(raw)
	if strings.HasPrefix(inner, "{{") && strings.HasSuffix(inner, "}}") {
		inner = strings.TrimSpace(inner[2 : len(inner)-2])
	}
	return inner
}

// CompositeName is a stable, dir-safe identifier for a step invocation
// (§4.7): service and program, plus the job id with its hyphens stripped so
// the result is safe to use as a path segment.
func CompositeName(job *Job, step *Step) string {
	program := step.CommandSpec.Program
	if program == "" {
		program = "op"
	}
	return fmt.Sprintf("%s-%s-%s", sanitize(step.Service), sanitize(program), strings.ReplaceAll(job.ID.String(), "-", ""))
}

var nonDirSafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitize(s string) string {
	return nonDirSafe.ReplaceAllString(strings.ToLower(s), "-")
}

// outputKeys lists the producer output keys a consuming step reads for
// outputName: a fan-out instance first reads its own element of the
// collection, keyed "<outputName>.<index>", then the plain name.
func outputKeys(step *Step, outputName string) []string {
	if step != nil && step.InstanceIndex != nil {
		return []string{fmt.Sprintf("%s.%d", outputName, *step.InstanceIndex), outputName}
	}
	return []string{outputName}
}

// resolveStepOutput looks up a named output from a completed (or
// skipped-cached) producer step, under the keys outputKeys lists for the
// consuming step. When the producer was fanned out, its instances are checked
// in order and the first one holding the key wins: a consumer that is not
// itself an instance (a fan-in join) gets one instance's value, and the other
// instances' values are not collected.
func resolveStepOutput(job *Job, step *Step, sourceName, outputName string) (string, error) {
	for _, s := range job.InstancesOf(sourceName) {
		if !s.Status.Succeeded() {
			continue
		}
		for _, key := range outputKeys(step, outputName) {
			if v, ok := s.ProducedOutputs[key]; ok {
				return v, nil
			}
		}
	}
	return "", fmt.Errorf("output %q of step %q is not yet available", outputName, sourceName)
}

// resolveStepOutputChecksum is resolveStepOutput's counterpart for
// InputChecksums: it reads OutputChecksums instead of ProducedOutputs, under
// the same keys, and rejects anything that isn't a step-output reference
// (user_id/job_id/composite_name carry no content to check-sum).
func resolveStepOutputChecksum(job *Job, step *Step, raw string) (string, error) {
	inner := templateInner(raw)
	m := stepOutputRef.FindStringSubmatch(inner)
	if m == nil {
		return "", fmt.Errorf("not a step-output reference: %q", raw)
	}
	sourceName, outputName := m[1], m[2]
	for _, s := range job.InstancesOf(sourceName) {
		if !s.Status.Succeeded() {
			continue
		}
		for _, key := range outputKeys(step, outputName) {
			if sum, ok := s.OutputChecksums[key]; ok {
				return sum, nil
			}
		}
	}
	return "", fmt.Errorf("checksum for %s.%s is not yet available", sourceName, outputName)
}
