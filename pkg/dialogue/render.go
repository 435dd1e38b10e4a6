package dialogue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RenderCandidates renders the candidate APIs the way they are shown to the
// target model.
func RenderCandidates(candidates CandidateSet) string {
	var b strings.Builder
	b.WriteString("Available APIs:\n")
	for _, spec := range candidates {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
		if spec.Parameters != nil {
			if params, err := json.Marshal(spec.Parameters); err == nil {
				fmt.Fprintf(&b, "  parameters: %s\n", params)
			}
		}
	}
	return b.String()
}

// RenderTurn renders one turn as plain text. Calls and results are rendered
// as JSON with sorted keys so equal turns render identically.
func RenderTurn(t Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]: %s\n", t.Role, strings.TrimSpace(t.Content))
	for _, c := range t.Calls {
		fmt.Fprintf(&b, "  call %s %s\n", c.Name, c.ArgumentsJSON())
	}
	for _, r := range t.Results {
		payload := r.Error
		if r.Status != ResultStatusError {
			if v, err := json.Marshal(r.Result); err == nil {
				payload = string(v)
			}
		}
		fmt.Fprintf(&b, "  result %s (%s) %s\n", r.Name, r.Status, payload)
	}
	return b.String()
}

// RenderContext renders the candidates followed by the given turns.
func RenderContext(candidates CandidateSet, turns []Turn) string {
	var b strings.Builder
	b.WriteString(RenderCandidates(candidates))
	b.WriteString("\n")
	for _, t := range turns {
		b.WriteString(RenderTurn(t))
	}
	return b.String()
}
