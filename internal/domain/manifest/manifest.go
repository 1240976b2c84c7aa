// Package manifest models the external service manifests the Validator
// checks submitted pipelines against (§4.1) and the Graph Planner/Dispatcher
// consult for fan-out and cache behavior. In production these are loaded
// once at startup (from a config file or object storage) and held in
// memory; the engine never mutates them.
package manifest

// ParameterType is the set of scalar types a command_spec flag may declare.
type ParameterType string

const (
	TypeString ParameterType = "string"
	TypeInt    ParameterType = "int"
	TypeFloat  ParameterType = "float"
	TypeBool   ParameterType = "bool"
)

// ParameterDescriptor describes one flag a step's command_spec may set, used
// by the Validator to type- and range-check submitted pipelines (§4.1).
type ParameterDescriptor struct {
	Name     string        `json:"name"`
	Type     ParameterType `json:"type"`
	Required bool          `json:"required"`
	Min      *float64      `json:"min,omitempty"`
	Max      *float64      `json:"max,omitempty"`
}

// FanOutSpec marks which input placeholder of an operation is
// collection-valued, triggering the planner's fan-out materialization
// (§4.2). Per the open question in §9, this is explicit in the
// manifest rather than inferred from output shape.
type FanOutSpec struct {
	OnInput string `json:"on_input"`
}

// OperationManifest is what one service's worker advertises about the
// operation it performs: its parameter surface, whether its result is
// deterministic (and thus cacheable), and its fan-out behavior.
type OperationManifest struct {
	Service       string                `json:"service"`
	Program       string                `json:"program"`
	Parameters    []ParameterDescriptor `json:"parameters"`
	Deterministic bool                  `json:"deterministic"`
	CacheTTL      int64                 `json:"cache_ttl_seconds"`
	TimeoutSecs   int64                 `json:"timeout_seconds"`
	FanOut        *FanOutSpec           `json:"fan_out,omitempty"`
}

// Set is the full collection of known service manifests, keyed by service
// name — the routing key every step's `service` field must resolve against.
type Set map[string]OperationManifest

func (s Set) Lookup(service string) (OperationManifest, bool) {
	m, ok := s[service]
	return m, ok
}

func (s Set) Parameter(service, name string) (ParameterDescriptor, bool) {
	m, ok := s[service]
	if !ok {
		return ParameterDescriptor{}, false
	}
	for _, p := range m.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterDescriptor{}, false
}
