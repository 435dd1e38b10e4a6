// Package report holds the verification report of one dialogue. A report
// collects the outcome of each verification stage in an append-only trail
// and becomes immutable once finalized.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/gate/judgment"
	"github.com/go-go-golems/toolsmith/pkg/gate/rules"
	"github.com/pkg/errors"
)

// ErrFinalized is returned when a finalized report is modified.
var ErrFinalized = errors.New("report is finalized")

type Disposition string

const (
	DispositionAccepted    Disposition = "accepted"
	DispositionRejected    Disposition = "rejected"
	DispositionNeedsReview Disposition = "needs_review"
)

// Stage names the step that produced a trail entry.
type Stage string

const (
	StageOrchestration Stage = "orchestration"
	StageRules         Stage = "rules"
	StageJudgment      Stage = "judgment"
	StageReview        Stage = "review"
	StageDisposition   Stage = "disposition"
)

type Entry struct {
	Time    time.Time `json:"time"`
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
}

// Decision is a human adjudication.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Review is the escalation state of a report.
type Review struct {
	Required  bool      `json:"required"`
	Reason    string    `json:"reason,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
	Decision  Decision  `json:"decision,omitempty"`
	Reviewer  string    `json:"reviewer,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
	// Expired is set when the deadline passed without a decision.
	Expired bool `json:"expired,omitempty"`
}

// Report is the verification report of one dialogue.
type Report struct {
	DialogueID      string             `json:"dialogue_id"`
	Archetype       dialogue.Archetype `json:"archetype"`
	AttemptStatus   dialogue.Status    `json:"attempt_status"`
	Cycles          int                `json:"cycles"`
	FinalDifficulty *float64           `json:"final_difficulty,omitempty"`

	Rules       *rules.Result    `json:"rules,omitempty"`
	Judgment    *judgment.Result `json:"judgment,omitempty"`
	Review      Review           `json:"review"`
	Disposition Disposition      `json:"disposition,omitempty"`
	Trail       []Entry          `json:"trail"`

	CreatedAt   time.Time `json:"created_at"`
	FinalizedAt time.Time `json:"finalized_at,omitempty"`

	finalized bool
	now       func() time.Time
}

// New starts a report for an attempt.
func New(a *dialogue.Attempt) *Report {
	r := &Report{
		DialogueID:    a.ID,
		Archetype:     a.Archetype,
		AttemptStatus: a.Status,
		Cycles:        a.Cycles,
		now:           time.Now,
	}
	if d, ok := a.FinalDifficulty(); ok {
		r.FinalDifficulty = &d
	}
	r.CreatedAt = r.now()
	for _, reason := range a.Reasons {
		r.Trail = append(r.Trail, Entry{Time: r.CreatedAt, Stage: StageOrchestration, Message: reason})
	}
	return r
}

// WithClock sets the clock used for trail entries.
func (r *Report) WithClock(now func() time.Time) *Report {
	r.now = now
	return r
}

func (r *Report) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func (r *Report) Finalized() bool {
	return r.finalized
}

// Log appends an entry to the trail.
func (r *Report) Log(stage Stage, format string, args ...interface{}) error {
	if r.finalized {
		return ErrFinalized
	}
	r.Trail = append(r.Trail, Entry{Time: r.clock(), Stage: stage, Message: fmt.Sprintf(format, args...)})
	return nil
}

func (r *Report) SetRules(res rules.Result) error {
	if r.finalized {
		return ErrFinalized
	}
	r.Rules = &res
	if res.Passed {
		return r.Log(StageRules, "rule gate passed with %d warning(s)", len(res.Warnings))
	}
	return r.Log(StageRules, "rule gate failed: %v", res.Codes())
}

func (r *Report) SetJudgment(res judgment.Result) error {
	if r.finalized {
		return ErrFinalized
	}
	r.Judgment = &res
	for _, s := range res.Scores {
		verdict := "passed"
		if !s.Passed {
			verdict = "failed"
		}
		if err := r.Log(StageJudgment, "%s %s: %.2f (threshold %.2f)", s.Dimension, verdict, s.Score, s.Threshold); err != nil {
			return err
		}
	}
	return nil
}

func (r *Report) SetReview(rv Review) error {
	if r.finalized {
		return ErrFinalized
	}
	r.Review = rv
	switch {
	case rv.Decision != "":
		return r.Log(StageReview, "%s by %s", rv.Decision, rv.Reviewer)
	case rv.Expired:
		return r.Log(StageReview, "review window expired without a decision")
	case rv.Required:
		return r.Log(StageReview, "review required until %s: %s", rv.Deadline.Format(time.RFC3339), rv.Reason)
	}
	return nil
}

// GateDisposition is the disposition the gates alone imply: rejected when
// the attempt did not finish or a gate failed, accepted otherwise.
func (r *Report) GateDisposition() Disposition {
	if r.AttemptStatus != dialogue.StatusAccepted {
		return DispositionRejected
	}
	if r.Rules == nil || !r.Rules.Passed {
		return DispositionRejected
	}
	if r.Judgment != nil && !r.Judgment.Passed {
		return DispositionRejected
	}
	return DispositionAccepted
}

// Finalize records the disposition and freezes the report.
func (r *Report) Finalize(d Disposition) error {
	if r.finalized {
		return ErrFinalized
	}
	r.Disposition = d
	if err := r.Log(StageDisposition, "%s", d); err != nil {
		return err
	}
	r.FinalizedAt = r.clock()
	r.finalized = true
	return nil
}

// Amend returns an unfinalized copy that shares nothing mutable with r. The
// trail of the copy starts with the trail of r.
func (r *Report) Amend() *Report {
	c := *r
	c.Trail = append([]Entry(nil), r.Trail...)
	c.finalized = false
	c.FinalizedAt = time.Time{}
	return &c
}

// UnmarshalJSON restores a report; a report that was finalized when it was
// encoded stays finalized.
func (r *Report) UnmarshalJSON(data []byte) error {
	type plain Report
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Report(p)
	r.finalized = !r.FinalizedAt.IsZero()
	return nil
}
