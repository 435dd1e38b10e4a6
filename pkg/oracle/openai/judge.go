package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-go-golems/toolsmith/pkg/helpers"
	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the go-openai client used for chat calls.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error)
}

var judgeInstructions = map[oracle.Dimension]string{
	oracle.DimensionFabrication: `You check whether a function call argument is grounded.
An argument is grounded when its value is stated in or directly derivable from the user's request or from earlier tool outputs, or is an obvious default.
Score 1 when grounded, 0 when the value was invented.`,
	oracle.DimensionConsistency: `You check a tool-using dialogue for consistency.
The assistant's final answer must agree with the tool outputs it received and must address the user's original request.
Score 1 for fully consistent, 0 for contradictions or an answer to a different question.`,
	oracle.DimensionPlausibility: `You check whether a simulated tool output is plausible.
Given the API description and the call arguments, judge whether the output is a realistic response for that call.
Score 1 for realistic, 0 for nonsensical or mismatched output.`,
}

const judgeOutputFormat = `Answer with a JSON object: {"score": <number between 0 and 1>, "rationale": "<one sentence>"}.`

// ChatJudge answers judgment queries with a chat model in JSON mode.
type ChatJudge struct {
	client      ChatClient
	model       string
	temperature float32
}

var _ oracle.Judge = (*ChatJudge)(nil)

func NewChatJudge(client ChatClient, model string, temperature float32) *ChatJudge {
	return &ChatJudge{client: client, model: model, temperature: temperature}
}

func (j *ChatJudge) Judge(ctx context.Context, dimension oracle.Dimension, payload string) (oracle.Judgment, error) {
	instructions, ok := judgeInstructions[dimension]
	if !ok {
		return oracle.Judgment{}, errors.Errorf("unknown judgment dimension %q", dimension)
	}

	req := go_openai.ChatCompletionRequest{
		Model:       j.model,
		Temperature: j.temperature,
		Messages: []go_openai.ChatCompletionMessage{
			{Role: go_openai.ChatMessageRoleSystem, Content: instructions + "\n" + judgeOutputFormat},
			{Role: go_openai.ChatMessageRoleUser, Content: payload},
		},
		ResponseFormat: &go_openai.ChatCompletionResponseFormat{
			Type: go_openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := j.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return oracle.Judgment{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return oracle.Judgment{}, errors.Wrap(oracle.ErrMalformed, "judge returned no choices")
	}

	judgment, err := ParseJudgment(resp.Choices[0].Message.Content)
	if err != nil {
		return oracle.Judgment{}, err
	}
	log.Debug().Str("dimension", string(dimension)).Float64("score", judgment.Score).Msg("oracle: judgment")
	return judgment, nil
}

// ParseJudgment decodes a judgment answer, tolerating fenced blocks and
// surrounding prose. Scores are clamped to [0,1].
func ParseJudgment(content string) (oracle.Judgment, error) {
	obj := helpers.ExtractJSONObject(content)
	if obj == "" {
		return oracle.Judgment{}, errors.Wrap(oracle.ErrMalformed, "judgment has no JSON object")
	}

	var raw struct {
		Score     json.Number `json:"score"`
		Rationale string      `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return oracle.Judgment{}, errors.Wrap(oracle.ErrMalformed, err.Error())
	}
	score, err := raw.Score.Float64()
	if err != nil || math.IsNaN(score) {
		return oracle.Judgment{}, errors.Wrap(oracle.ErrMalformed, fmt.Sprintf("judgment score %q is not a number", raw.Score))
	}
	return oracle.Judgment{
		Score:     math.Max(0, math.Min(1, score)),
		Rationale: raw.Rationale,
	}, nil
}
