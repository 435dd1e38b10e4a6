package dialogue

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
)

// Status is the lifecycle state of an Attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExhausted Status = "exhausted"
	// StatusAborted marks an attempt stopped by infrastructure failure or
	// cancellation. It is retryable, unlike exhausted.
	StatusAborted Status = "aborted"
)

func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Attempt is the mutable working state of one dialogue synthesis. It is owned
// by a single orchestration run and is never shared while that run is live.
type Attempt struct {
	ID         string       `json:"id"`
	Candidates CandidateSet `json:"candidates"`
	Archetype  Archetype    `json:"archetype"`
	Turns      []Turn       `json:"turns"`
	Trajectory []float64    `json:"trajectory"`
	Cycles     int          `json:"cycles"`
	Checkpoint int          `json:"checkpoint"`
	Status     Status       `json:"status"`
	Reasons    []string     `json:"reasons,omitempty"`
}

func NewAttempt(candidates CandidateSet, archetype Archetype) *Attempt {
	return &Attempt{
		ID:         uuid.NewString(),
		Candidates: candidates,
		Archetype:  archetype,
		Status:     StatusPending,
	}
}

// Append adds a turn at the end and assigns its position.
func (a *Attempt) Append(t Turn) Turn {
	t.Position = len(a.Turns)
	a.Turns = append(a.Turns, t)
	return t
}

// Rollback discards every turn after the checkpoint and returns how many
// turns were removed.
func (a *Attempt) Rollback() int {
	if a.Checkpoint >= len(a.Turns) {
		return 0
	}
	removed := len(a.Turns) - a.Checkpoint
	a.Turns = a.Turns[:a.Checkpoint]
	return removed
}

// Reason appends a human readable entry to the reason trail.
func (a *Attempt) Reason(format string, args ...interface{}) {
	a.Reasons = append(a.Reasons, fmt.Sprintf(format, args...))
}

// Snapshot returns a deep copy of the turns so that collaborators can read
// them without aliasing the attempt's argument maps.
func (a *Attempt) Snapshot() []Turn {
	if len(a.Turns) == 0 {
		return nil
	}
	return clone.Clone(a.Turns).([]Turn)
}

// FinalDifficulty returns the last recorded difficulty score.
func (a *Attempt) FinalDifficulty() (float64, bool) {
	if len(a.Trajectory) == 0 {
		return 0, false
	}
	return a.Trajectory[len(a.Trajectory)-1], true
}

// CallRef locates a call inside a dialogue.
type CallRef struct {
	Turn  int
	Index int
	Call  FunctionCall
}

// Calls flattens every function call of the dialogue in order.
func Calls(turns []Turn) []CallRef {
	var ret []CallRef
	for i, t := range turns {
		for j, c := range t.Calls {
			ret = append(ret, CallRef{Turn: i, Index: j, Call: c})
		}
	}
	return ret
}

// ResultFor finds the simulated result answering a call made at turn
// callTurn. Results are matched by call id, falling back to position.
func ResultFor(turns []Turn, callTurn int, callIndex int) (ToolResult, bool) {
	if callTurn < 0 || callTurn+1 >= len(turns) || callIndex >= len(turns[callTurn].Calls) {
		return ToolResult{}, false
	}
	exec := turns[callTurn+1]
	if exec.Role != RoleExecutor {
		return ToolResult{}, false
	}
	call := turns[callTurn].Calls[callIndex]
	if call.ID != "" {
		for _, r := range exec.Results {
			if r.CallID == call.ID {
				return r, true
			}
		}
	}
	if callIndex < len(exec.Results) {
		return exec.Results[callIndex], true
	}
	return ToolResult{}, false
}

// RequesterText concatenates every requester utterance.
func RequesterText(turns []Turn) string {
	ret := ""
	for _, t := range turns {
		if t.Role == RoleRequester {
			ret += t.Content + "\n"
		}
	}
	return ret
}
