package main

import (
	"github.com/go-go-golems/toolsmith/pkg/config"
	"github.com/go-go-golems/toolsmith/pkg/consistency"
	"github.com/go-go-golems/toolsmith/pkg/difficulty"
	"github.com/go-go-golems/toolsmith/pkg/events"
	"github.com/go-go-golems/toolsmith/pkg/gate/judgment"
	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/go-go-golems/toolsmith/pkg/oracle/openai"
	"github.com/go-go-golems/toolsmith/pkg/orchestrator"
	"github.com/go-go-golems/toolsmith/pkg/review"
	"github.com/go-go-golems/toolsmith/pkg/roles"
	"github.com/go-go-golems/toolsmith/pkg/verify"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

func newClient(s config.Settings) (*go_openai.Client, error) {
	if s.OpenAI.APIKey == "" && s.OpenAI.BaseURL == "" {
		return nil, errors.New("no OpenAI API key configured (--openai-api-key or OPENAI_API_KEY)")
	}
	cfg := go_openai.DefaultConfig(s.OpenAI.APIKey)
	if s.OpenAI.BaseURL != "" {
		cfg.BaseURL = s.OpenAI.BaseURL
	}
	return go_openai.NewClientWithConfig(cfg), nil
}

// oracles wraps the scoring and judge models in one concurrency limited,
// retrying pool.
type oracles struct {
	pool   *oracle.Pool
	scorer oracle.Scorer
	judge  oracle.Judge
}

func newOracles(s config.Settings, client *go_openai.Client) oracles {
	pool := oracle.NewPool(s.Oracle)
	return oracles{
		pool:   pool,
		scorer: pool.Scorer(openai.NewCompletionScorer(client, s.OpenAI.ScoringModel)),
		judge:  pool.Judge(openai.NewChatJudge(client, s.OpenAI.JudgeModel, s.OpenAI.JudgeTemperature)),
	}
}

func newOrchestrator(s config.Settings, client *go_openai.Client, o oracles, publisher events.Publisher) (*orchestrator.Orchestrator, error) {
	band, err := s.ResolveBand()
	if err != nil {
		return nil, err
	}
	tracker, err := difficulty.NewTracker(band)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(
		s.Orchestrator,
		roles.NewChatGenerator(client, s.Roles),
		difficulty.NewScorer(o.scorer),
		tracker,
		consistency.NewSelector(s.Consistency),
		orchestrator.WithDirector(s.Director),
		orchestrator.WithEvents(publisher),
	), nil
}

// newVerifier builds the gate chain. The judgment gate is skipped when judge
// is nil and review escalation when decisions is nil.
func newVerifier(s config.Settings, judge oracle.Judge, decisions review.Decisions, publisher events.Publisher) *verify.Verifier {
	options := []verify.Option{verify.WithEvents(publisher)}
	if judge != nil {
		options = append(options, verify.WithJudgment(judgment.New(judge, s.Judgment)))
	}
	if decisions != nil {
		options = append(options, verify.WithEscalator(review.NewEscalator(s.Review), decisions))
	}
	return verify.New(options...)
}
