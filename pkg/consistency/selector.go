// Package consistency picks the responder decision the generator agrees with
// most often among several independent samples.
package consistency

import (
	"context"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrInconsistent is returned when every round produced only singleton
// groups and no fallback is configured.
var ErrInconsistent = errors.New("no consistent responder decision")

// GenerateFunc produces the i-th candidate of a round.
type GenerateFunc func(ctx context.Context, i int) (dialogue.Turn, error)

// Config configures a Selector.
type Config struct {
	Samples             int     `json:"samples" yaml:"samples" mapstructure:"samples"`
	MaxRounds           int     `json:"max_rounds" yaml:"max_rounds" mapstructure:"max_rounds"`
	AllowSingleFallback bool    `json:"allow_single_fallback" yaml:"allow_single_fallback" mapstructure:"allow_single_fallback"`
	Tolerance           float64 `json:"tolerance" yaml:"tolerance" mapstructure:"tolerance"`
	OrderedArrays       bool    `json:"ordered_arrays" yaml:"ordered_arrays" mapstructure:"ordered_arrays"`
}

func (c Config) WithDefaults() Config {
	if c.Samples <= 0 {
		c.Samples = 3
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 2
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 1e-6
	}
	return c
}

// Selection is the outcome of one Select call.
type Selection struct {
	Turn      dialogue.Turn
	Index     int
	GroupSize int
	Samples   int
	Rounds    int
	FellBack  bool
}

type Selector struct {
	cfg   Config
	equal Equality
}

func NewSelector(cfg Config) *Selector {
	cfg = cfg.WithDefaults()
	return &Selector{
		cfg:   cfg,
		equal: Equality{Tolerance: cfg.Tolerance, OrderedArrays: cfg.OrderedArrays},
	}
}

func (s *Selector) Config() Config {
	return s.cfg
}

// Select generates candidates round by round until one decision is shared by
// at least two of them. The largest group wins; ties go to the group whose
// first member was generated earliest, and that member is returned.
func (s *Selector) Select(ctx context.Context, generate GenerateFunc) (Selection, error) {
	var last []dialogue.Turn
	for round := 1; round <= s.cfg.MaxRounds; round++ {
		candidates, err := s.sample(ctx, generate)
		if err != nil {
			return Selection{}, err
		}
		last = candidates

		groups := s.group(candidates)
		best := groups[0]
		for _, g := range groups[1:] {
			if len(g) > len(best) {
				best = g
			}
		}

		if len(best) > 1 || len(candidates) == 1 {
			return Selection{
				Turn:      candidates[best[0]],
				Index:     best[0],
				GroupSize: len(best),
				Samples:   len(candidates),
				Rounds:    round,
			}, nil
		}
		log.Debug().Int("round", round).Int("samples", len(candidates)).Msg("consistency: all candidates disagree")
	}

	if s.cfg.AllowSingleFallback && len(last) > 0 {
		log.Warn().Int("rounds", s.cfg.MaxRounds).Msg("consistency: falling back to the first candidate")
		return Selection{
			Turn:      last[0],
			Index:     0,
			GroupSize: 1,
			Samples:   len(last),
			Rounds:    s.cfg.MaxRounds,
			FellBack:  true,
		}, nil
	}
	return Selection{}, errors.Wrapf(ErrInconsistent, "%d round(s) of %d samples", s.cfg.MaxRounds, s.cfg.Samples)
}

func (s *Selector) sample(ctx context.Context, generate GenerateFunc) ([]dialogue.Turn, error) {
	candidates := make([]dialogue.Turn, s.cfg.Samples)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Samples; i++ {
		i := i
		g.Go(func() error {
			t, err := generate(gctx, i)
			if err != nil {
				return err
			}
			candidates[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// group partitions candidate indices by decision, comparing against each
// group's first member. Groups are ordered by their first member.
func (s *Selector) group(candidates []dialogue.Turn) [][]int {
	var groups [][]int
outer:
	for i, c := range candidates {
		for gi, g := range groups {
			if s.equal.Turns(candidates[g[0]], c) {
				groups[gi] = append(groups[gi], i)
				continue outer
			}
		}
		groups = append(groups, []int{i})
	}
	return groups
}
