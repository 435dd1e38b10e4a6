package consistency

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
)

// Equality decides whether two responder decisions are the same decision.
type Equality struct {
	// Tolerance is the relative tolerance for numeric arguments.
	Tolerance float64
	// OrderedArrays compares arrays positionally instead of as multisets.
	OrderedArrays bool
}

// Turns compares the structured decision of two turns. Turns with calls are
// equal when they carry the same calls in any order; text-only turns are
// equal when their normalized text is equal.
func (e Equality) Turns(a, b dialogue.Turn) bool {
	if a.HasCalls() != b.HasCalls() {
		return false
	}
	if !a.HasCalls() {
		return normalizeText(a.Content) == normalizeText(b.Content)
	}
	if len(a.Calls) != len(b.Calls) {
		return false
	}
	used := make([]bool, len(b.Calls))
outer:
	for _, ca := range a.Calls {
		for j, cb := range b.Calls {
			if !used[j] && e.Calls(ca, cb) {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}

// Calls compares API name, parameter-name set and argument values.
func (e Equality) Calls(a, b dialogue.FunctionCall) bool {
	if a.Name != b.Name || len(a.Arguments) != len(b.Arguments) {
		return false
	}
	for k, va := range a.Arguments {
		vb, ok := b.Arguments[k]
		if !ok || !e.Values(va, vb) {
			return false
		}
	}
	return true
}

// Values compares decoded JSON values with type awareness. Other Go values,
// such as typed slices, maps or structs, are compared in their JSON form.
func (e Equality) Values(a, b any) bool {
	a, b = jsonValue(a), jsonValue(b)
	if fa, ok := dialogue.AsFloat(a); ok {
		fb, ok := dialogue.AsFloat(b)
		return ok && e.numbersEqual(fa, fb)
	}

	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && strings.TrimSpace(x) == strings.TrimSpace(y)
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, vx := range x {
			vy, ok := y[k]
			if !ok || !e.Values(vx, vy) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		if e.OrderedArrays {
			for i := range x {
				if !e.Values(x[i], y[i]) {
					return false
				}
			}
			return true
		}
		return e.multisetEqual(x, y)
	}
	return false
}

// jsonValue maps v onto the types encoding/json decodes into. Values that do
// not marshal are returned unchanged.
func jsonValue(v any) any {
	switch v.(type) {
	case nil, string, bool, map[string]any, []any:
		return v
	}
	if _, ok := dialogue.AsFloat(v); ok {
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var ret any
	if err := json.Unmarshal(raw, &ret); err != nil {
		return v
	}
	return ret
}

func (e Equality) multisetEqual(x, y []any) bool {
	used := make([]bool, len(y))
outer:
	for _, vx := range x {
		for j, vy := range y {
			if !used[j] && e.Values(vx, vy) {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func (e Equality) numbersEqual(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= e.Tolerance*scale
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
