// Package pipeline runs many independent dialogue syntheses in parallel:
// sample candidates, orchestrate, verify, persist.
package pipeline

import (
	"context"
	"math/rand"

	"github.com/go-go-golems/toolsmith/pkg/apipool"
	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/events"
	"github.com/go-go-golems/toolsmith/pkg/orchestrator"
	"github.com/go-go-golems/toolsmith/pkg/report"
	"github.com/go-go-golems/toolsmith/pkg/store"
	"github.com/go-go-golems/toolsmith/pkg/verify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Workers   int     `json:"workers" yaml:"workers" mapstructure:"workers"`
	APIsMin   int     `json:"apis_min" yaml:"apis_min" mapstructure:"apis_min"`
	APIsMax   int     `json:"apis_max" yaml:"apis_max" mapstructure:"apis_max"`
	Diversity float64 `json:"diversity" yaml:"diversity" mapstructure:"diversity"`
	// ArchetypeWeights maps archetype names to relative weights. Missing
	// archetypes are never chosen.
	ArchetypeWeights map[string]float64 `json:"archetype_weights" yaml:"archetype_weights" mapstructure:"archetype_weights"`
	Seed             int64              `json:"seed" yaml:"seed" mapstructure:"seed"`
}

func (c Config) WithDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.APIsMin <= 0 {
		c.APIsMin = 2
	}
	if c.APIsMax < c.APIsMin {
		c.APIsMax = c.APIsMin + 2
	}
	if c.Diversity < 0 || c.Diversity > 1 {
		c.Diversity = 0.5
	}
	if len(c.ArchetypeWeights) == 0 {
		c.ArchetypeWeights = map[string]float64{
			string(dialogue.ArchetypeSingle):     0.35,
			string(dialogue.ArchetypeParallel):   0.25,
			string(dialogue.ArchetypeDependent):  0.25,
			string(dialogue.ArchetypeNonToolUse): 0.15,
		}
	}
	return c
}

// Validate rejects weights that name unknown archetypes or sum to zero.
func (c Config) Validate() error {
	total := 0.0
	for name, w := range c.ArchetypeWeights {
		if !dialogue.Archetype(name).Valid() {
			return errors.Errorf("unknown archetype %q in archetype weights", name)
		}
		if w < 0 {
			return errors.Errorf("negative weight for archetype %s", name)
		}
		total += w
	}
	if total <= 0 {
		return errors.New("archetype weights sum to zero")
	}
	return nil
}

type Runner struct {
	cfg          Config
	pool         apipool.Pool
	orchestrator *orchestrator.Orchestrator
	verifier     *verify.Verifier
	store        store.Store
	events       events.Publisher
}

type Option func(*Runner)

func WithEvents(p events.Publisher) Option {
	return func(r *Runner) {
		r.events = p
	}
}

func New(cfg Config, pool apipool.Pool, o *orchestrator.Orchestrator, v *verify.Verifier, s store.Store, options ...Option) (*Runner, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:          cfg,
		pool:         pool,
		orchestrator: o,
		verifier:     v,
		store:        s,
		events:       events.Nop{},
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Result is the outcome of a run. Reports are in dialogue order.
type Result struct {
	Reports []*report.Report `json:"reports"`
	Stats   report.Stats     `json:"stats"`
}

// Run synthesizes count dialogues. Failed attempts are persisted and counted
// in the statistics; only pool, store or cancellation errors stop the run.
func (r *Runner) Run(ctx context.Context, count int) (Result, error) {
	reports := make([]*report.Report, count)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.Workers)

	for i := 0; i < count; i++ {
		i := i
		eg.Go(func() error {
			rep, err := r.One(ctx, i)
			if err != nil {
				return errors.Wrapf(err, "dialogue %d", i)
			}
			reports[i] = rep
			return nil
		})
	}
	err := eg.Wait()

	ret := Result{Reports: compact(reports)}
	ret.Stats = report.Summarize(ret.Reports)
	log.Info().
		Int("total", ret.Stats.Total).
		Int("accepted", ret.Stats.Accepted).
		Int("needs_review", ret.Stats.NeedsReview).
		Int("rejected", ret.Stats.Rejected).
		Float64("pass_rate", ret.Stats.PassRate).
		Msg("pipeline: run finished")
	return ret, err
}

// One synthesizes, verifies and persists the dialogue with the given index.
// The index seeds the candidate count and archetype choices.
func (r *Runner) One(ctx context.Context, index int) (*report.Report, error) {
	rng := rand.New(rand.NewSource(r.cfg.Seed + int64(index)))
	n := r.cfg.APIsMin + rng.Intn(r.cfg.APIsMax-r.cfg.APIsMin+1)
	archetype := r.pickArchetype(rng)

	candidates, err := r.pool.Sample(ctx, n, r.cfg.Diversity)
	if err != nil {
		return nil, errors.Wrap(err, "could not sample candidates")
	}

	a, runErr := r.orchestrator.Run(ctx, candidates, archetype)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if a.Status == dialogue.StatusAccepted {
		rep, err := r.verifier.Verify(ctx, a)
		if err == nil {
			return rep, r.persist(ctx, a, rep)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		a.Status = dialogue.StatusAborted
		a.Reason("aborted during verification: %v", err)
		runErr = err
	}

	if err := r.store.SaveFailure(ctx, store.NewFailure(a, runErr)); err != nil {
		return nil, err
	}
	rep, err := r.verifier.Verify(ctx, a)
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *Runner) persist(ctx context.Context, a *dialogue.Attempt, rep *report.Report) error {
	if err := r.store.Save(ctx, store.NewRecord(a, rep)); err != nil {
		return err
	}
	if err := r.events.Publish(ctx, events.New(events.TypeRecordPersisted, a.ID, map[string]any{
		"disposition": string(rep.Disposition),
	})); err != nil {
		log.Warn().Err(err).Str("dialogue_id", a.ID).Msg("pipeline: could not publish event")
	}
	return nil
}

func (r *Runner) pickArchetype(rng *rand.Rand) dialogue.Archetype {
	total := 0.0
	for _, a := range dialogue.Archetypes {
		total += r.cfg.ArchetypeWeights[string(a)]
	}
	x := rng.Float64() * total
	var last dialogue.Archetype
	for _, a := range dialogue.Archetypes {
		w := r.cfg.ArchetypeWeights[string(a)]
		if w <= 0 {
			continue
		}
		last = a
		if x < w {
			return a
		}
		x -= w
	}
	return last
}

func compact(reports []*report.Report) []*report.Report {
	ret := make([]*report.Report, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			ret = append(ret, r)
		}
	}
	return ret
}
