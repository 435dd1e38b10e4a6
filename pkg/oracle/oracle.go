// Package oracle defines the model-backed collaborators used to score and
// judge dialogues, and a Pool that bounds and retries calls to them.
package oracle

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrUnavailable means the oracle could not be reached. Callers treat it
	// as retryable infrastructure failure, never as a content defect.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrTimeout is returned when a single call exceeds its deadline. It is
	// retryable.
	ErrTimeout = errors.New("oracle call timed out")
	// ErrMalformed is returned when the oracle answered but the answer could
	// not be interpreted.
	ErrMalformed = errors.New("malformed oracle response")
)

// Scorer returns the per-token negative log-likelihood of continuation given
// prefix, scoring the given tokens rather than sampled ones.
type Scorer interface {
	TokenNLL(ctx context.Context, prefix string, continuation string) ([]float64, error)
}

// Dimension names one judgment axis.
type Dimension string

const (
	DimensionFabrication  Dimension = "fabrication"
	DimensionConsistency  Dimension = "consistency"
	DimensionPlausibility Dimension = "plausibility"
)

// Judgment is the answer to one judgment query. Score is in [0,1], higher is
// better.
type Judgment struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Judge answers a judgment query about a payload along one dimension.
type Judge interface {
	Judge(ctx context.Context, dimension Dimension, payload string) (Judgment, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, prefix string, continuation string) ([]float64, error)

func (f ScorerFunc) TokenNLL(ctx context.Context, prefix string, continuation string) ([]float64, error) {
	return f(ctx, prefix, continuation)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, dimension Dimension, payload string) (Judgment, error)

func (f JudgeFunc) Judge(ctx context.Context, dimension Dimension, payload string) (Judgment, error) {
	return f(ctx, dimension, payload)
}

// IsRetryable reports whether err is a transient oracle failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformed)
}
