package dialogue

import (
	"fmt"
	"strconv"
	"strings"
)

// CheckArchetype verifies the structural shape a dialogue must have for its
// archetype. It returns one message per problem; an empty slice means the
// dialogue conforms.
func CheckArchetype(archetype Archetype, turns []Turn) []string {
	calls := Calls(turns)
	var problems []string

	switch archetype {
	case ArchetypeNonToolUse:
		if len(calls) > 0 {
			problems = append(problems, fmt.Sprintf("non_tool_use dialogue contains %d function call(s)", len(calls)))
		}

	case ArchetypeSingle:
		if len(calls) != 1 {
			problems = append(problems, fmt.Sprintf("single dialogue must contain exactly one function call, found %d", len(calls)))
		}

	case ArchetypeParallel:
		idx := -1
		for i, t := range turns {
			if t.Role == RoleResponder && len(t.Calls) >= 2 {
				idx = i
				break
			}
		}
		if idx < 0 {
			problems = append(problems, "parallel dialogue needs a responder turn with at least two independent calls")
			break
		}
		if ref, ok := parallelCrossReference(turns, idx); ok {
			problems = append(problems, ref)
		}

	case ArchetypeDependent:
		callTurns := 0
		for _, t := range turns {
			if t.Role == RoleResponder && t.HasCalls() {
				callTurns++
			}
		}
		if len(calls) < 2 || callTurns < 2 {
			problems = append(problems, fmt.Sprintf("dependent dialogue needs calls in at least two turns, found %d call(s) in %d turn(s)", len(calls), callTurns))
			break
		}
		if !HasDependency(turns) {
			problems = append(problems, "dependent dialogue has no later argument traceable to an earlier call's result")
		}

	default:
		problems = append(problems, fmt.Sprintf("unknown archetype %q", archetype))
	}

	return problems
}

// HasDependency reports whether some call argument equals a value drawn from
// the result of a call made in an earlier turn.
func HasDependency(turns []Turn) bool {
	for _, later := range Calls(turns) {
		args := Leaves(later.Call.Arguments)
		if len(args) == 0 {
			continue
		}
		for _, earlier := range Calls(turns[:later.Turn]) {
			res, ok := ResultFor(turns, earlier.Turn, earlier.Index)
			if !ok {
				continue
			}
			if intersects(args, Leaves(res.Result)) {
				return true
			}
		}
	}
	return false
}

// parallelCrossReference looks for an argument in the parallel turn that can
// only have come from a sibling call's result. Values the requester stated
// are grounded in the request and never count.
func parallelCrossReference(turns []Turn, idx int) (string, bool) {
	stated := strings.ToLower(RequesterText(turns[:idx]))
	t := turns[idx]
	for i, c := range t.Calls {
		args := Leaves(c.Arguments)
		for j := range t.Calls {
			if i == j {
				continue
			}
			res, ok := ResultFor(turns, idx, j)
			if !ok {
				continue
			}
			for v := range Leaves(res.Result) {
				if _, hit := args[v]; hit && !strings.Contains(stated, v) {
					return fmt.Sprintf("parallel call %s uses %q from the result of sibling call %s", c.Name, v, t.Calls[j].Name), true
				}
			}
		}
	}
	return "", false
}

// Leaves collects the comparable scalar values of a decoded JSON value.
// Booleans and empty strings are ignored since they carry no provenance.
func Leaves(v any) map[string]struct{} {
	ret := map[string]struct{}{}
	var walk func(any)
	walk = func(v any) {
		switch x := v.(type) {
		case map[string]any:
			for _, e := range x {
				walk(e)
			}
		case []any:
			for _, e := range x {
				walk(e)
			}
		case string:
			s := strings.ToLower(strings.TrimSpace(x))
			if s != "" {
				ret[s] = struct{}{}
			}
		default:
			if f, ok := AsFloat(x); ok {
				ret[strconv.FormatFloat(f, 'g', -1, 64)] = struct{}{}
			}
		}
	}
	walk(v)
	return ret
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
