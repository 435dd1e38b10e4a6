// Package store persists verified dialogues and failed attempts.
package store

import (
	"context"
	"time"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/report"
)

// Record is the persisted output of one verified dialogue.
type Record struct {
	DialogueID      string                `json:"dialogue_id"`
	Archetype       dialogue.Archetype    `json:"archetype"`
	Candidates      dialogue.CandidateSet `json:"candidates"`
	Turns           []dialogue.Turn       `json:"turns"`
	FinalDifficulty *float64              `json:"final_difficulty,omitempty"`
	// Tokens is the cl100k token count of the turns' text and arguments.
	Tokens          int                   `json:"tokens,omitempty"`
	Report          *report.Report        `json:"report"`
	Disposition     report.Disposition    `json:"disposition"`
}

func NewRecord(a *dialogue.Attempt, r *report.Report) Record {
	rec := Record{
		DialogueID:  a.ID,
		Archetype:   a.Archetype,
		Candidates:  a.Candidates,
		Turns:       a.Snapshot(),
		Report:      r,
		Disposition: r.Disposition,
	}
	rec.Tokens = CountTokens(rec.Turns)
	if d, ok := a.FinalDifficulty(); ok {
		rec.FinalDifficulty = &d
	}
	return rec
}

// Attempt rebuilds an accepted attempt from the record, for re-verification.
func (r Record) Attempt() *dialogue.Attempt {
	a := &dialogue.Attempt{
		ID:         r.DialogueID,
		Candidates: r.Candidates,
		Archetype:  r.Archetype,
		Turns:      r.Turns,
		Status:     dialogue.StatusAccepted,
	}
	if r.FinalDifficulty != nil {
		a.Trajectory = []float64{*r.FinalDifficulty}
	}
	if r.Report != nil {
		a.Cycles = r.Report.Cycles
	}
	return a
}

// Failure is an attempt that never reached the gates: exhausted, aborted or
// rejected for an invariant violation.
type Failure struct {
	DialogueID string             `json:"dialogue_id"`
	Archetype  dialogue.Archetype `json:"archetype"`
	Status     dialogue.Status    `json:"status"`
	Cycles     int                `json:"cycles"`
	Trajectory []float64          `json:"trajectory,omitempty"`
	Reasons    []string           `json:"reasons,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

func NewFailure(a *dialogue.Attempt, err error) Failure {
	f := Failure{
		DialogueID: a.ID,
		Archetype:  a.Archetype,
		Status:     a.Status,
		Cycles:     a.Cycles,
		Trajectory: a.Trajectory,
		Reasons:    a.Reasons,
		CreatedAt:  time.Now().UTC(),
	}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

// Store is where the pipeline writes its outcomes.
type Store interface {
	Save(ctx context.Context, rec Record) error
	SaveFailure(ctx context.Context, f Failure) error
}
