package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// Gate runs every rule of the catalog. It keeps no state; Check may be
// called concurrently.
type Gate struct{}

func New() Gate {
	return Gate{}
}

type checker struct {
	candidates dialogue.CandidateSet
	archetype  dialogue.Archetype
	turns      []dialogue.Turn
	findings   []Finding
	schemas    map[*jsonschema.Schema]*gojsonschema.Schema
}

// Check evaluates the attempt. All checks run; none short-circuits.
func (Gate) Check(a *dialogue.Attempt) Result {
	return CheckDialogue(a.Candidates, a.Archetype, a.Turns)
}

// CheckDialogue evaluates a dialogue given its parts.
func CheckDialogue(candidates dialogue.CandidateSet, archetype dialogue.Archetype, turns []dialogue.Turn) Result {
	c := &checker{
		candidates: candidates,
		archetype:  archetype,
		turns:      turns,
		schemas:    map[*jsonschema.Schema]*gojsonschema.Schema{},
	}
	c.checkAPIs()
	c.checkCalls()
	c.checkStructure()
	c.checkArchetype()

	ret := Result{Passed: true}
	for _, f := range c.findings {
		if f.Severity.Fails() {
			ret.Violations = append(ret.Violations, f)
			ret.Passed = false
		} else {
			ret.Warnings = append(ret.Warnings, f)
		}
	}
	return ret
}

func (c *checker) add(rule Rule, turn int, format string, args ...interface{}) *Finding {
	c.findings = append(c.findings, Finding{
		Rule:     rule.ID,
		Severity: rule.Severity,
		Message:  fmt.Sprintf(format, args...),
		Turn:     turn,
	})
	return &c.findings[len(c.findings)-1]
}

func (c *checker) checkAPIs() {
	for _, spec := range c.candidates {
		if strings.TrimSpace(spec.Name) == "" {
			c.add(RuleAPIName, -1, "candidate API without a name")
		}
		if strings.TrimSpace(spec.Description) == "" {
			c.add(RuleAPIDescription, -1, "API %s has no description", spec.Name).API = spec.Name
		}
		if spec.Parameters == nil {
			c.add(RuleAPIParameters, -1, "API %s has no parameter schema", spec.Name).API = spec.Name
		} else if spec.Parameters.Type != "object" {
			typ := spec.Parameters.Type
			if typ == "" {
				typ = "none"
			}
			c.add(RuleAPIParameters, -1, "API %s parameter schema has type %s, expected object", spec.Name, typ).API = spec.Name
		}
		if spec.Returns == nil {
			c.add(RuleAPIReturns, -1, "API %s has no return schema", spec.Name).API = spec.Name
		}
	}
}

func (c *checker) checkCalls() {
	for _, ref := range dialogue.Calls(c.turns) {
		call := ref.Call
		spec, ok := c.candidates.Lookup(call.Name)
		if !ok {
			f := c.add(RuleCallResolves, ref.Turn, "call %s does not name a candidate API", call.Name)
			f.API = call.Name
			continue
		}

		for _, req := range spec.Required() {
			if _, present := call.Arguments[req]; !present {
				f := c.add(RuleCallRequired, ref.Turn, "call %s is missing required argument %s", call.Name, req)
				f.API, f.Argument = call.Name, req
			}
		}

		for _, name := range call.ArgumentNames() {
			param, declared := spec.Parameter(name)
			if !declared {
				f := c.add(RuleCallUndeclared, ref.Turn, "call %s passes undeclared argument %s", call.Name, name)
				f.API, f.Argument = call.Name, name
				continue
			}
			for _, problem := range c.validate(param, call.Arguments[name]) {
				f := c.add(RuleCallTypes, ref.Turn, "call %s argument %s: %s", call.Name, name, problem)
				f.API, f.Argument = call.Name, name
			}
		}
	}
}

// validate checks a value against a parameter schema and returns one message
// per constraint it breaks.
func (c *checker) validate(param *jsonschema.Schema, value any) []string {
	compiled, err := c.compile(param)
	if err != nil {
		return []string{fmt.Sprintf("declared schema is invalid: %v", err)}
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return []string{fmt.Sprintf("value could not be validated: %v", err)}
	}
	var ret []string
	for _, desc := range result.Errors() {
		msg := desc.Description()
		if field := desc.Field(); field != "" && field != "(root)" {
			msg = field + ": " + msg
		}
		ret = append(ret, msg)
	}
	return ret
}

func (c *checker) compile(param *jsonschema.Schema) (*gojsonschema.Schema, error) {
	if s, ok := c.schemas[param]; ok {
		return s, nil
	}
	raw, err := json.Marshal(param)
	if err != nil {
		return nil, err
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	c.schemas[param] = s
	return s, nil
}

func (c *checker) checkStructure() {
	if len(c.turns) == 0 {
		c.add(RuleDialogNonEmpty, -1, "dialogue has no turns")
		return
	}

	for i, t := range c.turns {
		switch t.Role {
		case dialogue.RoleRequester, dialogue.RoleResponder, dialogue.RoleExecutor:
		default:
			c.add(RuleDialogRoles, i, "turn %d has unknown role %q", i, t.Role)
			continue
		}
		if t.HasCalls() && t.Role != dialogue.RoleResponder {
			c.add(RuleDialogRoles, i, "turn %d: only responder turns may carry calls, found %s", i, t.Role)
		}
		if len(t.Results) > 0 && t.Role != dialogue.RoleExecutor {
			c.add(RuleDialogRoles, i, "turn %d: only executor turns may carry results, found %s", i, t.Role)
		}

		if i == 0 {
			if t.Role != dialogue.RoleRequester {
				c.add(RuleDialogOrder, i, "dialogue starts with %s, expected requester", t.Role)
			}
		} else {
			c.checkOrder(i)
		}

		switch {
		case t.Role == dialogue.RoleRequester && strings.TrimSpace(t.Content) == "":
			c.add(RuleDialogContent, i, "requester turn %d is empty", i)
		case t.Role == dialogue.RoleResponder && !t.HasCalls() && strings.TrimSpace(t.Content) == "":
			c.add(RuleDialogContent, i, "responder answer at turn %d is empty", i)
		}

		if t.Role == dialogue.RoleExecutor && i > 0 {
			c.checkResults(i)
		}
	}

	last := c.turns[len(c.turns)-1]
	if last.Role != dialogue.RoleResponder || last.HasCalls() {
		c.add(RuleDialogOrder, len(c.turns)-1, "dialogue must end with a responder answer, ends with %s", describe(last))
	}
}

func (c *checker) checkOrder(i int) {
	prev, t := c.turns[i-1], c.turns[i]
	switch t.Role {
	case dialogue.RoleExecutor:
		if prev.Role != dialogue.RoleResponder || !prev.HasCalls() {
			c.add(RuleDialogOrder, i, "executor turn %d follows %s, expected a responder turn with calls", i, describe(prev))
		}
	case dialogue.RoleResponder:
		if prev.Role == dialogue.RoleResponder {
			c.add(RuleDialogOrder, i, "responder turn %d follows another responder turn", i)
		}
	case dialogue.RoleRequester:
		if prev.Role != dialogue.RoleResponder || prev.HasCalls() {
			c.add(RuleDialogOrder, i, "requester turn %d follows %s, expected a responder answer", i, describe(prev))
		}
	}
	if prev.Role == dialogue.RoleResponder && prev.HasCalls() && t.Role != dialogue.RoleExecutor {
		c.add(RuleDialogOrder, i, "calls at turn %d are not followed by an executor turn", i-1)
	}
}

func (c *checker) checkResults(i int) {
	prev := c.turns[i-1]
	if !prev.HasCalls() {
		return
	}
	if len(c.turns[i].Results) != len(prev.Calls) {
		c.add(RuleDialogResults, i, "executor turn %d has %d result(s) for %d call(s)", i, len(c.turns[i].Results), len(prev.Calls))
		return
	}
	for j, call := range prev.Calls {
		res, ok := dialogue.ResultFor(c.turns, i-1, j)
		if !ok || (res.Name != "" && res.Name != call.Name) {
			c.add(RuleDialogResults, i, "call %s at turn %d has no matching result", call.Name, i-1)
		}
	}
}

func (c *checker) checkArchetype() {
	if !c.archetype.Valid() {
		c.add(RuleArchetypeKnown, -1, "unknown archetype %q", c.archetype)
		return
	}
	for _, problem := range dialogue.CheckArchetype(c.archetype, c.turns) {
		c.add(RuleArchetypeShape, -1, "%s", problem)
	}

	if c.archetype == dialogue.ArchetypeNonToolUse {
		return
	}
	used := map[string]bool{}
	for _, ref := range dialogue.Calls(c.turns) {
		used[ref.Call.Name] = true
	}
	for _, spec := range c.candidates {
		if !used[spec.Name] {
			c.add(RuleUnusedAPIs, -1, "API %s is offered but never called", spec.Name).API = spec.Name
		}
	}
}

func describe(t dialogue.Turn) string {
	if t.Role == dialogue.RoleResponder && t.HasCalls() {
		return "a responder turn with calls"
	}
	return string(t.Role)
}
