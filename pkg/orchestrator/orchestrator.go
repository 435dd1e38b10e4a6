// Package orchestrator drives one dialogue through generate, score and
// regenerate cycles until its difficulty lands in the band or the attempt
// budget is spent.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/toolsmith/pkg/consistency"
	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/difficulty"
	"github.com/go-go-golems/toolsmith/pkg/events"
	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/go-go-golems/toolsmith/pkg/roles"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInvariantViolation marks a dialogue whose structure contradicts its
// archetype in a way regeneration cannot fix. It is never retried.
var ErrInvariantViolation = errors.New("orchestration invariant violated")

// errContentDefect marks a cycle whose output cannot be scored and must be
// regenerated.
var errContentDefect = errors.New("content defect")

// Config bounds the orchestration loop.
type Config struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxSteps    int `json:"max_steps" yaml:"max_steps" mapstructure:"max_steps"`
	// GenerationTimeout bounds a single role generator call. An expired
	// call counts as a generation failure.
	GenerationTimeout time.Duration `json:"generation_timeout" yaml:"generation_timeout" mapstructure:"generation_timeout"`
}

func (c Config) WithDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 5
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 2 * time.Minute
	}
	return c
}

type Orchestrator struct {
	cfg       Config
	generator roles.Generator
	scorer    *difficulty.Scorer
	tracker   *difficulty.Tracker
	director  difficulty.Director
	selector  *consistency.Selector
	events    events.Publisher
}

type Option func(*Orchestrator)

func WithDirector(d difficulty.Director) Option {
	return func(o *Orchestrator) {
		o.director = d
	}
}

func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) {
		o.events = p
	}
}

func New(cfg Config, generator roles.Generator, scorer *difficulty.Scorer, tracker *difficulty.Tracker, selector *consistency.Selector, options ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.WithDefaults(),
		generator: generator,
		scorer:    scorer,
		tracker:   tracker,
		selector:  selector,
		events:    events.Nop{},
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Run synthesizes one dialogue. The returned attempt is always terminal.
// A non-nil error means the attempt was aborted (infrastructure failure or
// cancellation, retryable) or hit an invariant violation (not retryable);
// an exhausted attempt is reported through its status with a nil error.
func (o *Orchestrator) Run(ctx context.Context, candidates dialogue.CandidateSet, archetype dialogue.Archetype) (*dialogue.Attempt, error) {
	a := dialogue.NewAttempt(candidates, archetype)
	logger := log.With().Str("dialogue_id", a.ID).Logger()
	logger.Debug().Str("archetype", string(archetype)).Strs("apis", candidates.Names()).Msg("orchestrator: starting attempt")

	var directive *difficulty.Directive
	for a.Cycles < o.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, a, err)
		}
		a.Cycles++
		a.Rollback()

		final, err := o.cycle(ctx, a, directive)
		if err != nil {
			switch {
			case errors.Is(err, ErrInvariantViolation):
				a.Status = dialogue.StatusRejected
				a.Reason("cycle %d: %v", a.Cycles, err)
				logger.Error().Bool("defect", true).Err(err).Msg("orchestrator: invariant violation")
				o.publishTerminal(ctx, a)
				return a, err
			case errors.Is(err, errContentDefect), errors.Is(err, consistency.ErrInconsistent):
				a.Reason("cycle %d: %v", a.Cycles, err)
				logger.Debug().Int("cycle", a.Cycles).Err(err).Msg("orchestrator: regenerating after defect")
				continue
			default:
				return o.abort(ctx, a, err)
			}
		}

		score, err := o.scorer.Score(context.WithoutCancel(ctx), a.Candidates, a.Turns[:final], a.Turns[final])
		if ctx.Err() != nil {
			return o.abort(ctx, a, ctx.Err())
		}
		if err != nil {
			if errors.Is(err, oracle.ErrUnavailable) || !errors.Is(err, difficulty.ErrScoring) {
				return o.abort(ctx, a, err)
			}
			a.Reason("cycle %d: %v", a.Cycles, err)
			continue
		}

		a.Trajectory = append(a.Trajectory, score)
		class := o.tracker.Classify(score)
		d := o.director.Direct(class, a.Archetype)
		logger.Debug().Int("cycle", a.Cycles).Float64("score", score).Str("classification", string(class)).Str("action", string(d.Action)).Msg("orchestrator: scored cycle")
		o.publish(ctx, events.New(events.TypeAttemptCycle, a.ID, map[string]any{
			"cycle":          a.Cycles,
			"score":          score,
			"classification": string(class),
			"action":         string(d.Action),
		}))

		if d.Action == difficulty.Hold {
			a.Status = dialogue.StatusAccepted
			o.publishTerminal(ctx, a)
			return a, nil
		}

		a.Reason("cycle %d: difficulty %.4f is %s, %s", a.Cycles, score, class, strings.ToLower(string(d.Action)))
		if d.Archetype != a.Archetype {
			a.Reason("cycle %d: archetype %s -> %s", a.Cycles, a.Archetype, d.Archetype)
			a.Archetype = d.Archetype
		}
		directive = &d
	}

	a.Status = dialogue.StatusExhausted
	a.Reason("exhausted %d attempt(s) without reaching the difficulty band", o.cfg.MaxAttempts)
	logger.Info().Int("cycles", a.Cycles).Floats64("trajectory", a.Trajectory).Msg("orchestrator: attempt exhausted")
	o.publishTerminal(ctx, a)
	return a, nil
}

// cycle generates one request and the responder/executor exchange answering
// it. It returns the index of the final answer turn.
func (o *Orchestrator) cycle(ctx context.Context, a *dialogue.Attempt, directive *difficulty.Directive) (int, error) {
	req, err := o.generate(ctx, a, dialogue.RoleRequester, directive)
	if err != nil {
		return 0, err
	}
	req.Role = dialogue.RoleRequester
	a.Append(req)

	for step := 0; step < o.cfg.MaxSteps; step++ {
		sel, err := o.selector.Select(context.WithoutCancel(ctx), func(_ context.Context, _ int) (dialogue.Turn, error) {
			return o.generate(ctx, a, dialogue.RoleResponder, nil)
		})
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err != nil {
			return 0, err
		}
		if sel.FellBack {
			a.Reason("cycle %d: responder decision taken without agreement", a.Cycles)
		}

		sel.Turn.Role = dialogue.RoleResponder
		turn := a.Append(sel.Turn)

		if !turn.HasCalls() {
			if problems := dialogue.CheckArchetype(a.Archetype, a.Turns); len(problems) > 0 {
				return 0, errors.Wrap(errContentDefect, strings.Join(problems, "; "))
			}
			return turn.Position, nil
		}
		if a.Archetype == dialogue.ArchetypeNonToolUse {
			return 0, errors.Wrapf(ErrInvariantViolation, "non_tool_use dialogue produced call %s", turn.Calls[0].Name)
		}

		exec, err := o.generate(ctx, a, dialogue.RoleExecutor, nil)
		if err != nil {
			return 0, err
		}
		exec.Role = dialogue.RoleExecutor
		a.Append(exec)
	}
	return 0, errors.Wrapf(errContentDefect, "no final answer within %d steps", o.cfg.MaxSteps)
}

// generate calls the role generator on a detached context, so a call in
// flight when ctx is cancelled completes and its result is dropped. Each call
// is bounded by GenerationTimeout. Generation failures are retried up to the
// attempt budget.
func (o *Orchestrator) generate(ctx context.Context, a *dialogue.Attempt, role dialogue.Role, directive *difficulty.Directive) (dialogue.Turn, error) {
	dc := roles.Context{Candidates: a.Candidates, Archetype: a.Archetype, Turns: a.Snapshot()}

	var lastErr error
	for try := 0; try < o.cfg.MaxAttempts; try++ {
		if err := ctx.Err(); err != nil {
			return dialogue.Turn{}, err
		}
		t, err := o.generateOnce(ctx, role, dc, directive)
		if ctx.Err() != nil {
			return dialogue.Turn{}, ctx.Err()
		}
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, roles.ErrGeneration) {
			return dialogue.Turn{}, err
		}
		lastErr = err
		log.Debug().Str("dialogue_id", a.ID).Str("role", string(role)).Int("try", try+1).Err(err).Msg("orchestrator: generation failed")
	}
	return dialogue.Turn{}, errors.Wrapf(lastErr, "%s generation failed %d time(s)", role, o.cfg.MaxAttempts)
}

type generated struct {
	turn dialogue.Turn
	err  error
}

// generateOnce runs one generator call under GenerationTimeout. A generator
// that ignores its context is abandoned once the timeout expires.
func (o *Orchestrator) generateOnce(ctx context.Context, role dialogue.Role, dc roles.Context, directive *difficulty.Directive) (dialogue.Turn, error) {
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.GenerationTimeout)
	defer cancel()

	done := make(chan generated, 1)
	go func() {
		t, err := o.generator.Generate(gctx, role, dc, directive)
		done <- generated{turn: t, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(gctx.Err(), context.DeadlineExceeded) {
			return dialogue.Turn{}, errors.Wrapf(roles.ErrGeneration, "%s call timed out after %s: %v", role, o.cfg.GenerationTimeout, res.err)
		}
		return res.turn, res.err
	case <-gctx.Done():
		return dialogue.Turn{}, errors.Wrapf(roles.ErrGeneration, "%s call timed out after %s", role, o.cfg.GenerationTimeout)
	}
}

func (o *Orchestrator) abort(ctx context.Context, a *dialogue.Attempt, err error) (*dialogue.Attempt, error) {
	a.Status = dialogue.StatusAborted
	a.Reason("aborted: %v", err)
	level := zerolog.WarnLevel
	if errors.Is(err, context.Canceled) {
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).Str("dialogue_id", a.ID).Int("cycles", a.Cycles).Err(err).Msg("orchestrator: attempt aborted")
	o.publishTerminal(context.WithoutCancel(ctx), a)
	return a, err
}

func (o *Orchestrator) publishTerminal(ctx context.Context, a *dialogue.Attempt) {
	data := map[string]any{
		"status":     string(a.Status),
		"cycles":     a.Cycles,
		"trajectory": a.Trajectory,
	}
	if len(a.Reasons) > 0 {
		data["reason"] = a.Reasons[len(a.Reasons)-1]
	}
	o.publish(ctx, events.New(events.TypeAttemptTerminal, a.ID, data))
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.events.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("orchestrator: could not publish event")
	}
}
