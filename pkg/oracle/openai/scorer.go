// Package openai implements the oracle interfaces on top of an OpenAI
// compatible endpoint.
package openai

import (
	"context"
	"net/http"
	"unicode/utf8"

	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// CompletionClient is the subset of the go-openai client used for scoring.
type CompletionClient interface {
	CreateCompletion(ctx context.Context, req go_openai.CompletionRequest) (go_openai.CompletionResponse, error)
}

// CompletionScorer scores a continuation by asking a completions endpoint to
// echo the prompt with log probabilities. The endpoint must serve the target
// model being calibrated against.
type CompletionScorer struct {
	client CompletionClient
	model  string
}

var _ oracle.Scorer = (*CompletionScorer)(nil)

func NewCompletionScorer(client CompletionClient, model string) *CompletionScorer {
	return &CompletionScorer{client: client, model: model}
}

func (s *CompletionScorer) TokenNLL(ctx context.Context, prefix string, continuation string) ([]float64, error) {
	req := go_openai.CompletionRequest{
		Model:       s.model,
		Prompt:      prefix + continuation,
		MaxTokens:   1,
		Temperature: 0,
		LogProbs:    1,
		Echo:        true,
	}

	log.Debug().Str("model", s.model).Int("prefix_len", len(prefix)).Int("continuation_len", len(continuation)).Msg("oracle: scoring continuation")
	resp, err := s.client.CreateCompletion(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(oracle.ErrMalformed, "completion returned no choices")
	}

	lp := resp.Choices[0].LogProbs
	if len(lp.TextOffset) != len(lp.TokenLogprobs) {
		return nil, errors.Wrapf(oracle.ErrMalformed, "logprobs misaligned: %d offsets, %d logprobs", len(lp.TextOffset), len(lp.TokenLogprobs))
	}

	// offsets are character offsets into the echoed prompt
	start := utf8.RuneCountInString(prefix)
	end := start + utf8.RuneCountInString(continuation)
	var ret []float64
	for i, off := range lp.TextOffset {
		if off < start || off >= end {
			continue
		}
		ret = append(ret, -float64(lp.TokenLogprobs[i]))
	}
	return ret, nil
}

// classify maps client failures onto the oracle error taxonomy: transport
// problems, rate limits and server errors are retryable, the rest is not.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := 0
	var apiErr *go_openai.APIError
	var reqErr *go_openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status == 0 {
		// no HTTP status means the request never completed
		return errors.Wrap(oracle.ErrUnavailable, err.Error())
	}
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return errors.Wrapf(oracle.ErrUnavailable, "status %d: %s", status, err.Error())
	}
	return errors.Wrapf(err, "oracle rejected request with status %d", status)
}
