package difficulty

import (
	"github.com/go-go-golems/toolsmith/pkg/dialogue"
)

// Action is what the next regeneration should do to the difficulty.
type Action string

const (
	Hold      Action = "HOLD"
	Simplify  Action = "SIMPLIFY"
	Intensify Action = "INTENSIFY"
)

// Directive steers the requester when a dialogue is regenerated.
type Directive struct {
	Action      Action             `json:"action"`
	Archetype   dialogue.Archetype `json:"archetype"`
	APIDelta    int                `json:"api_delta"`
	Instruction string             `json:"instruction,omitempty"`
}

const (
	simplifyInstruction  = "Make the request easier: involve fewer APIs, state every needed value explicitly and ask for one clear outcome."
	intensifyInstruction = "Make the request harder: involve more of the available APIs, add constraints the assistant must respect, and make later steps depend on earlier results."
)

// Director maps classifications to directives. It holds no state between
// calls; AllowArchetypeShift lets it move along the single, parallel,
// dependent ladder.
type Director struct {
	AllowArchetypeShift bool `json:"allow_archetype_shift" yaml:"allow_archetype_shift" mapstructure:"allow_archetype_shift"`
}

func (d Director) Direct(c Classification, current dialogue.Archetype) Directive {
	switch c {
	case TooEasy:
		return Directive{
			Action:      Intensify,
			Archetype:   d.shift(current, +1),
			APIDelta:    1,
			Instruction: intensifyInstruction,
		}
	case TooHard:
		return Directive{
			Action:      Simplify,
			Archetype:   d.shift(current, -1),
			APIDelta:    -1,
			Instruction: simplifyInstruction,
		}
	default:
		return Directive{Action: Hold, Archetype: current}
	}
}

var ladder = []dialogue.Archetype{dialogue.ArchetypeSingle, dialogue.ArchetypeParallel, dialogue.ArchetypeDependent}

func (d Director) shift(current dialogue.Archetype, step int) dialogue.Archetype {
	if !d.AllowArchetypeShift {
		return current
	}
	for i, a := range ladder {
		if a != current {
			continue
		}
		next := i + step
		if next < 0 || next >= len(ladder) {
			return current
		}
		return ladder[next]
	}
	// non_tool_use is not on the ladder
	return current
}
