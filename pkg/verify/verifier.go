// Package verify chains the verification stages of a finished attempt: rule
// gate, judgment gate, review escalation and disposition.
package verify

import (
	"context"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/events"
	"github.com/go-go-golems/toolsmith/pkg/gate/judgment"
	"github.com/go-go-golems/toolsmith/pkg/gate/rules"
	"github.com/go-go-golems/toolsmith/pkg/report"
	"github.com/go-go-golems/toolsmith/pkg/review"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Verifier struct {
	rules     rules.Gate
	judgment  *judgment.Gate
	escalator *review.Escalator
	decisions review.Decisions
	events    events.Publisher
}

type Option func(*Verifier)

// WithJudgment enables the judgment stage. Without it only the rule gate
// decides.
func WithJudgment(g *judgment.Gate) Option {
	return func(v *Verifier) {
		v.judgment = g
	}
}

func WithEscalator(e *review.Escalator, decisions review.Decisions) Option {
	return func(v *Verifier) {
		v.escalator = e
		v.decisions = decisions
	}
}

func WithEvents(p events.Publisher) Option {
	return func(v *Verifier) {
		v.events = p
	}
}

func New(options ...Option) *Verifier {
	v := &Verifier{
		rules:  rules.New(),
		events: events.Nop{},
	}
	for _, o := range options {
		o(v)
	}
	return v
}

// Verify produces the finalized report of an attempt. Attempts that did not
// finish with an accepted status get a rejected report without running the
// gates. An error means the judgment oracle could not be consulted; the
// attempt then has no verdict.
func (v *Verifier) Verify(ctx context.Context, a *dialogue.Attempt) (*report.Report, error) {
	r := report.New(a)
	if a.Status != dialogue.StatusAccepted {
		return r, v.finalize(r, report.DispositionRejected)
	}

	ruleResult := v.rules.Check(a)
	if err := r.SetRules(ruleResult); err != nil {
		return nil, err
	}
	v.publish(ctx, events.New(events.TypeGateRule, a.ID, map[string]any{
		"passed":     ruleResult.Passed,
		"violations": ruleResult.Codes(),
		"warnings":   len(ruleResult.Warnings),
	}))
	if !ruleResult.Passed {
		log.Debug().Str("dialogue_id", a.ID).Strs("violations", ruleResult.Codes()).Msg("verify: rule gate rejected dialogue")
		return r, v.finalize(r, report.DispositionRejected)
	}

	if v.judgment != nil {
		judged, err := v.judgment.Evaluate(ctx, a)
		if err != nil {
			return nil, errors.Wrapf(err, "judgment of dialogue %s", a.ID)
		}
		if err := r.SetJudgment(judged); err != nil {
			return nil, err
		}
		scores := map[string]any{}
		for _, s := range judged.Scores {
			scores[string(s.Dimension)] = s.Score
		}
		v.publish(ctx, events.New(events.TypeGateJudgment, a.ID, map[string]any{
			"passed":  judged.Passed,
			"overall": judged.Overall,
			"scores":  scores,
		}))
	}

	disposition := r.GateDisposition()
	if v.escalator != nil {
		rv := v.escalator.Assess(r)
		rv, d, err := v.escalator.Resolve(ctx, v.decisions, r, rv)
		if err != nil {
			return nil, err
		}
		if err := r.SetReview(rv); err != nil {
			return nil, err
		}
		if rv.Required && rv.Decision == "" && !rv.Expired {
			v.publish(ctx, events.New(events.TypeReviewRequested, a.ID, map[string]any{
				"reason":   rv.Reason,
				"deadline": rv.Deadline,
			}))
		}
		disposition = d
	}
	return r, v.finalize(r, disposition)
}

// Reconcile re-resolves a report waiting for review against the decision
// source. Reports that are not waiting are returned unchanged.
func (v *Verifier) Reconcile(ctx context.Context, r *report.Report) (*report.Report, error) {
	if v.escalator == nil || r.Disposition != report.DispositionNeedsReview {
		return r, nil
	}
	rv, d, err := v.escalator.Resolve(ctx, v.decisions, r, r.Review)
	if err != nil {
		return nil, err
	}
	if d == report.DispositionNeedsReview {
		return r, nil
	}
	amended := r.Amend()
	if err := amended.SetReview(rv); err != nil {
		return nil, err
	}
	return amended, v.finalize(amended, d)
}

func (v *Verifier) finalize(r *report.Report, d report.Disposition) error {
	if err := r.Finalize(d); err != nil {
		return err
	}
	log.Info().
		Str("dialogue_id", r.DialogueID).
		Str("archetype", string(r.Archetype)).
		Str("disposition", string(d)).
		Msg("verify: dialogue verified")
	return nil
}

func (v *Verifier) publish(ctx context.Context, e events.Event) {
	if err := v.events.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("verify: could not publish event")
	}
}
