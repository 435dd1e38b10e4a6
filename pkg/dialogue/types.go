package dialogue

import (
	"encoding/json"
	"sort"

	"github.com/invopop/jsonschema"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleRequester Role = "requester"
	RoleResponder Role = "responder"
	RoleExecutor  Role = "executor"
)

// Archetype is the structural shape a dialogue must take.
type Archetype string

const (
	ArchetypeSingle     Archetype = "single"
	ArchetypeParallel   Archetype = "parallel"
	ArchetypeDependent  Archetype = "dependent"
	ArchetypeNonToolUse Archetype = "non_tool_use"
)

// Archetypes lists every known archetype in ladder order.
var Archetypes = []Archetype{ArchetypeNonToolUse, ArchetypeSingle, ArchetypeParallel, ArchetypeDependent}

func (a Archetype) Valid() bool {
	for _, k := range Archetypes {
		if k == a {
			return true
		}
	}
	return false
}

// ApiSpec describes one callable API. Specs are issued by the API pool and
// never mutated afterwards.
type ApiSpec struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description" yaml:"description"`
	Category    string             `json:"category,omitempty" yaml:"category,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty" yaml:"-"`
	Returns     *jsonschema.Schema `json:"returns,omitempty" yaml:"-"`
}

// Required returns the names of the required parameters.
func (a ApiSpec) Required() []string {
	if a.Parameters == nil {
		return nil
	}
	return a.Parameters.Required
}

// Parameter returns the declared schema for a single parameter.
func (a ApiSpec) Parameter(name string) (*jsonschema.Schema, bool) {
	if a.Parameters == nil || a.Parameters.Properties == nil {
		return nil, false
	}
	return a.Parameters.Properties.Get(name)
}

// ParameterNames returns the declared parameter names in declaration order.
func (a ApiSpec) ParameterNames() []string {
	if a.Parameters == nil || a.Parameters.Properties == nil {
		return nil
	}
	ret := make([]string, 0, a.Parameters.Properties.Len())
	for pair := a.Parameters.Properties.Oldest(); pair != nil; pair = pair.Next() {
		ret = append(ret, pair.Key)
	}
	return ret
}

// CandidateSet is the ordered list of APIs offered to one dialogue.
type CandidateSet []ApiSpec

func (c CandidateSet) Lookup(name string) (ApiSpec, bool) {
	for _, spec := range c {
		if spec.Name == name {
			return spec, true
		}
	}
	return ApiSpec{}, false
}

func (c CandidateSet) Names() []string {
	ret := make([]string, 0, len(c))
	for _, spec := range c {
		ret = append(ret, spec.Name)
	}
	return ret
}

// FunctionCall is a structured invocation proposed by the responder.
type FunctionCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentNames returns the supplied argument names, sorted.
func (f FunctionCall) ArgumentNames() []string {
	ret := make([]string, 0, len(f.Arguments))
	for k := range f.Arguments {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

func (f FunctionCall) ArgumentsJSON() string {
	b, err := json.Marshal(f.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ToolResult is the simulated output of one call, carried on executor turns.
type ToolResult struct {
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	ResultStatusSuccess = "success"
	ResultStatusError   = "error"
)

// Turn is one utterance in a dialogue.
type Turn struct {
	Position int            `json:"position"`
	Role     Role           `json:"role"`
	Content  string         `json:"content"`
	Calls    []FunctionCall `json:"calls,omitempty"`
	Results  []ToolResult   `json:"results,omitempty"`
}

func (t Turn) HasCalls() bool {
	return len(t.Calls) > 0
}
