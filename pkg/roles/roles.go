// Package roles defines how turns are produced for the three dialogue roles.
package roles

import (
	"context"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/difficulty"
	"github.com/pkg/errors"
)

// ErrGeneration marks a failure to produce a turn. It is retryable.
var ErrGeneration = errors.New("turn generation failed")

// Context is what a generator sees. Turns is a private copy.
type Context struct {
	Candidates dialogue.CandidateSet
	Archetype  dialogue.Archetype
	Turns      []dialogue.Turn
}

// LastTurn returns the most recent turn, if any.
func (c Context) LastTurn() (dialogue.Turn, bool) {
	if len(c.Turns) == 0 {
		return dialogue.Turn{}, false
	}
	return c.Turns[len(c.Turns)-1], true
}

// Generator produces the next turn for a role. The directive is only set for
// requester turns of a regenerated cycle.
type Generator interface {
	Generate(ctx context.Context, role dialogue.Role, dc Context, directive *difficulty.Directive) (dialogue.Turn, error)
}

type GeneratorFunc func(ctx context.Context, role dialogue.Role, dc Context, directive *difficulty.Directive) (dialogue.Turn, error)

func (f GeneratorFunc) Generate(ctx context.Context, role dialogue.Role, dc Context, directive *difficulty.Directive) (dialogue.Turn, error) {
	return f(ctx, role, dc, directive)
}

var archetypeGuidance = map[dialogue.Archetype]string{
	dialogue.ArchetypeSingle:     "The request must be solvable with exactly one API call.",
	dialogue.ArchetypeParallel:   "The request must need several independent API calls that can all be made at once.",
	dialogue.ArchetypeDependent:  "The request must need several API calls where a later call uses a value returned by an earlier one.",
	dialogue.ArchetypeNonToolUse: "The request must be answerable without calling any API, even though APIs are available.",
}

// ArchetypeGuidance describes the shape a request must have.
func ArchetypeGuidance(a dialogue.Archetype) string {
	return archetypeGuidance[a]
}
