// Package difficulty measures how hard a dialogue continuation is for the
// target model and turns that measurement into regeneration directives.
package difficulty

import (
	"context"
	"strings"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrScoring is returned when a difficulty score cannot be produced.
var ErrScoring = errors.New("difficulty scoring failed")

// Scorer computes the mean per-token negative log-likelihood of a turn given
// the dialogue so far.
type Scorer struct {
	oracle oracle.Scorer
}

func NewScorer(o oracle.Scorer) *Scorer {
	return &Scorer{oracle: o}
}

// Score returns a non-negative difficulty; higher means the target model
// finds the continuation less predictable. Errors wrap ErrScoring, and also
// match oracle.ErrUnavailable when the oracle could not be reached.
func (s *Scorer) Score(ctx context.Context, candidates dialogue.CandidateSet, preceding []dialogue.Turn, continuation dialogue.Turn) (float64, error) {
	if strings.TrimSpace(continuation.Content) == "" && !continuation.HasCalls() && len(continuation.Results) == 0 {
		return 0, errors.Wrap(ErrScoring, "empty continuation")
	}

	prefix := dialogue.RenderContext(candidates, preceding)
	nll, err := s.oracle.TokenNLL(ctx, prefix, dialogue.RenderTurn(continuation))
	if err != nil {
		return 0, &scoringError{cause: err}
	}
	if len(nll) == 0 {
		return 0, errors.Wrap(ErrScoring, "oracle returned no tokens for the continuation")
	}

	score := MeanNLL(nll)
	log.Debug().Int("tokens", len(nll)).Float64("score", score).Int("position", continuation.Position).Msg("difficulty: scored continuation")
	return score, nil
}

// MeanNLL averages per-token negative log-likelihoods. Negative entries are
// clamped to zero.
func MeanNLL(nll []float64) float64 {
	if len(nll) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range nll {
		if v > 0 {
			sum += v
		}
	}
	return sum / float64(len(nll))
}

// scoringError matches both ErrScoring and its oracle cause.
type scoringError struct {
	cause error
}

func (e *scoringError) Error() string {
	return ErrScoring.Error() + ": " + e.cause.Error()
}

func (e *scoringError) Is(target error) bool {
	return target == ErrScoring
}

func (e *scoringError) Unwrap() error {
	return e.cause
}
