// Package review decides which verified dialogues go to a human reviewer and
// resolves their final disposition from recorded decisions.
package review

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/go-go-golems/toolsmith/pkg/report"
	"github.com/pkg/errors"
)

// Config is the escalation policy.
type Config struct {
	// Probability is the chance that a dialogue passing every gate is
	// still sampled for review.
	Probability float64       `json:"probability" yaml:"probability" mapstructure:"probability"`
	Window      time.Duration `json:"window" yaml:"window" mapstructure:"window"`
	Seed        string        `json:"seed" yaml:"seed" mapstructure:"seed"`
}

func (c Config) WithDefaults() Config {
	if c.Probability < 0 {
		c.Probability = 0
	}
	if c.Probability > 1 {
		c.Probability = 1
	}
	if c.Window <= 0 {
		c.Window = 72 * time.Hour
	}
	return c
}

// Escalator is stateless; sampling depends only on the seed and the dialogue
// id, so concurrent runs make the same choices.
type Escalator struct {
	cfg Config
	now func() time.Time
}

func NewEscalator(cfg Config) *Escalator {
	return &Escalator{cfg: cfg.WithDefaults(), now: time.Now}
}

// WithClock replaces the clock used for deadlines and expiry.
func (e *Escalator) WithClock(now func() time.Time) *Escalator {
	e.now = now
	return e
}

// Assess decides whether the report needs a human. Fabrication and
// consistency failures always do; other reports are sampled when every gate
// passed.
func (e *Escalator) Assess(r *report.Report) report.Review {
	rv := report.Review{}
	switch {
	case r.Judgment != nil && r.Judgment.Failed(oracle.DimensionFabrication):
		rv.Required, rv.Reason = true, "fabricated arguments"
	case r.Judgment != nil && r.Judgment.Failed(oracle.DimensionConsistency):
		rv.Required, rv.Reason = true, "final answer inconsistent with tool outputs"
	case r.GateDisposition() == report.DispositionAccepted && e.Sampled(r.DialogueID):
		rv.Required, rv.Reason = true, "random quality sample"
	}
	if rv.Required {
		rv.Deadline = e.now().Add(e.cfg.Window)
	}
	return rv
}

// Sampled maps the seeded hash of the dialogue id onto [0,1) and compares it
// with the review probability.
func (e *Escalator) Sampled(dialogueID string) bool {
	if e.cfg.Probability <= 0 {
		return false
	}
	sum := sha256.Sum256([]byte(e.cfg.Seed + ":" + dialogueID))
	u := float64(binary.BigEndian.Uint64(sum[:8])>>11) / float64(1<<53)
	return u < e.cfg.Probability
}

// Resolve fills in the review outcome from the decision source and returns
// the disposition. A recorded decision is authoritative. Without one the
// report stays in review until the deadline, then falls back to the gate
// disposition.
func (e *Escalator) Resolve(ctx context.Context, decisions Decisions, r *report.Report, rv report.Review) (report.Review, report.Disposition, error) {
	if !rv.Required {
		return rv, r.GateDisposition(), nil
	}
	if decisions != nil {
		d, ok, err := decisions.Decision(ctx, r.DialogueID)
		if err != nil {
			return rv, "", errors.Wrap(err, "could not look up review decision")
		}
		if ok {
			rv.Decision, rv.Reviewer, rv.DecidedAt = d.Decision, d.Reviewer, d.DecidedAt
			if d.Decision == report.DecisionApprove {
				return rv, report.DispositionAccepted, nil
			}
			return rv, report.DispositionRejected, nil
		}
	}
	if !rv.Deadline.IsZero() && !e.now().Before(rv.Deadline) {
		rv.Expired = true
		return rv, r.GateDisposition(), nil
	}
	return rv, report.DispositionNeedsReview, nil
}
