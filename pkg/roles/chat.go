package roles

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/difficulty"
	"github.com/go-go-golems/toolsmith/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the go-openai client used by the generators.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error)
}

// ChatSettings configures ChatGenerator.
type ChatSettings struct {
	RequesterModel string  `json:"requester_model" yaml:"requester_model" mapstructure:"requester_model"`
	ResponderModel string  `json:"responder_model" yaml:"responder_model" mapstructure:"responder_model"`
	ExecutorModel  string  `json:"executor_model" yaml:"executor_model" mapstructure:"executor_model"`
	Temperature    float32 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	// ExecutorErrorRate is the share of simulated calls that return an
	// error result instead of data.
	ExecutorErrorRate float64 `json:"executor_error_rate" yaml:"executor_error_rate" mapstructure:"executor_error_rate"`
}

// ChatGenerator plays all three roles with chat completion models.
type ChatGenerator struct {
	client   ChatClient
	settings ChatSettings
}

var _ Generator = (*ChatGenerator)(nil)

func NewChatGenerator(client ChatClient, settings ChatSettings) *ChatGenerator {
	return &ChatGenerator{client: client, settings: settings}
}

func (g *ChatGenerator) Generate(ctx context.Context, role dialogue.Role, dc Context, directive *difficulty.Directive) (dialogue.Turn, error) {
	switch role {
	case dialogue.RoleRequester:
		return g.request(ctx, dc, directive)
	case dialogue.RoleResponder:
		return g.respond(ctx, dc)
	case dialogue.RoleExecutor:
		return g.execute(ctx, dc)
	}
	return dialogue.Turn{}, errors.Errorf("unknown role %q", role)
}

func (g *ChatGenerator) request(ctx context.Context, dc Context, directive *difficulty.Directive) (dialogue.Turn, error) {
	var sys strings.Builder
	sys.WriteString("You play a user talking to an assistant that can call the APIs listed below. ")
	sys.WriteString("Write only the user's next message, without any preamble.\n")
	sys.WriteString(ArchetypeGuidance(dc.Archetype))
	if directive != nil && directive.Instruction != "" {
		sys.WriteString("\n")
		sys.WriteString(directive.Instruction)
	}

	content, err := g.complete(ctx, g.settings.RequesterModel, []go_openai.ChatCompletionMessage{
		{Role: go_openai.ChatMessageRoleSystem, Content: sys.String()},
		{Role: go_openai.ChatMessageRoleUser, Content: dialogue.RenderCandidates(dc.Candidates)},
	}, nil)
	if err != nil {
		return dialogue.Turn{}, err
	}
	if strings.TrimSpace(content.Content) == "" {
		return dialogue.Turn{}, errors.Wrap(ErrGeneration, "requester produced an empty message")
	}
	return dialogue.Turn{Role: dialogue.RoleRequester, Content: strings.TrimSpace(content.Content)}, nil
}

func (g *ChatGenerator) respond(ctx context.Context, dc Context) (dialogue.Turn, error) {
	messages := []go_openai.ChatCompletionMessage{{
		Role:    go_openai.ChatMessageRoleSystem,
		Content: "You are a helpful assistant. Call the available functions when they are needed, and answer from their results.",
	}}
	messages = append(messages, ToChatMessages(dc.Turns)...)

	var tools []go_openai.Tool
	if dc.Archetype != dialogue.ArchetypeNonToolUse {
		tools = ToTools(dc.Candidates)
	}

	msg, err := g.complete(ctx, g.settings.ResponderModel, messages, tools)
	if err != nil {
		return dialogue.Turn{}, err
	}

	turn := dialogue.Turn{Role: dialogue.RoleResponder, Content: msg.Content}
	for i, tc := range msg.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return dialogue.Turn{}, errors.Wrapf(ErrGeneration, "call %s has invalid arguments: %v", tc.Function.Name, err)
			}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", len(dc.Turns), i)
		}
		turn.Calls = append(turn.Calls, dialogue.FunctionCall{ID: id, Name: tc.Function.Name, Arguments: args})
	}
	return turn, nil
}

func (g *ChatGenerator) execute(ctx context.Context, dc Context) (dialogue.Turn, error) {
	last, ok := dc.LastTurn()
	if !ok || !last.HasCalls() {
		return dialogue.Turn{}, errors.Wrap(ErrGeneration, "executor needs a preceding turn with calls")
	}

	turn := dialogue.Turn{Role: dialogue.RoleExecutor}
	for _, call := range last.Calls {
		res := dialogue.ToolResult{CallID: call.ID, Name: call.Name}
		spec, found := dc.Candidates.Lookup(call.Name)
		switch {
		case !found:
			res.Status = dialogue.ResultStatusError
			res.Error = fmt.Sprintf("unknown API %s", call.Name)
		case g.simulateFailure(call):
			res.Status = dialogue.ResultStatusError
			res.Error = "service temporarily unavailable"
		default:
			out, err := g.simulate(ctx, spec, call)
			if err != nil {
				return dialogue.Turn{}, err
			}
			res.Status = dialogue.ResultStatusSuccess
			res.Result = out
		}
		turn.Results = append(turn.Results, res)
	}
	return turn, nil
}

func (g *ChatGenerator) simulate(ctx context.Context, spec dialogue.ApiSpec, call dialogue.FunctionCall) (any, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "API: %s\nDescription: %s\n", spec.Name, spec.Description)
	if spec.Returns != nil {
		if b, err := json.Marshal(spec.Returns); err == nil {
			fmt.Fprintf(&prompt, "Return schema: %s\n", b)
		}
	}
	fmt.Fprintf(&prompt, "Arguments: %s\n", call.ArgumentsJSON())

	msg, err := g.complete(ctx, g.settings.ExecutorModel, []go_openai.ChatCompletionMessage{
		{Role: go_openai.ChatMessageRoleSystem, Content: `You simulate an API. Reply with a realistic result for the call as a JSON object of the form {"result": <value matching the return schema>}.`},
		{Role: go_openai.ChatMessageRoleUser, Content: prompt.String()},
	}, nil)
	if err != nil {
		return nil, err
	}

	obj := helpers.ExtractJSONObject(msg.Content)
	if obj == "" {
		return nil, errors.Wrapf(ErrGeneration, "executor output for %s is not JSON", call.Name)
	}
	var wrapper map[string]any
	if err := json.Unmarshal([]byte(obj), &wrapper); err != nil {
		return nil, errors.Wrapf(ErrGeneration, "executor output for %s: %v", call.Name, err)
	}
	if v, ok := wrapper["result"]; ok {
		return v, nil
	}
	return wrapper, nil
}

// simulateFailure decides from the call itself, so the same call always
// fails or succeeds.
func (g *ChatGenerator) simulateFailure(call dialogue.FunctionCall) bool {
	if g.settings.ExecutorErrorRate <= 0 {
		return false
	}
	sum := sha256.Sum256([]byte(call.Name + call.ArgumentsJSON()))
	v := float64(binary.BigEndian.Uint64(sum[:8])) / float64(^uint64(0))
	return v < g.settings.ExecutorErrorRate
}

func (g *ChatGenerator) complete(ctx context.Context, model string, messages []go_openai.ChatCompletionMessage, tools []go_openai.Tool) (go_openai.ChatCompletionMessage, error) {
	req := go_openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: g.settings.Temperature,
		Tools:       tools,
	}
	log.Debug().Str("model", model).Int("messages", len(messages)).Int("tools", len(tools)).Msg("roles: chat completion")

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return go_openai.ChatCompletionMessage{}, err
		}
		return go_openai.ChatCompletionMessage{}, errors.Wrap(ErrGeneration, err.Error())
	}
	if len(resp.Choices) == 0 {
		return go_openai.ChatCompletionMessage{}, errors.Wrap(ErrGeneration, "no choices returned")
	}
	return resp.Choices[0].Message, nil
}

// ToTools converts the candidate set into chat tool definitions.
func ToTools(candidates dialogue.CandidateSet) []go_openai.Tool {
	ret := make([]go_openai.Tool, 0, len(candidates))
	for _, spec := range candidates {
		var params any = map[string]any{"type": "object", "properties": map[string]any{}}
		if spec.Parameters != nil {
			params = spec.Parameters
		}
		ret = append(ret, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return ret
}

// ToChatMessages converts dialogue turns into the chat transcript the
// responder continues.
func ToChatMessages(turns []dialogue.Turn) []go_openai.ChatCompletionMessage {
	var ret []go_openai.ChatCompletionMessage
	for _, t := range turns {
		switch t.Role {
		case dialogue.RoleRequester:
			ret = append(ret, go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleUser, Content: t.Content})
		case dialogue.RoleResponder:
			msg := go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleAssistant, Content: t.Content}
			for _, c := range t.Calls {
				msg.ToolCalls = append(msg.ToolCalls, go_openai.ToolCall{
					ID:       c.ID,
					Type:     go_openai.ToolTypeFunction,
					Function: go_openai.FunctionCall{Name: c.Name, Arguments: c.ArgumentsJSON()},
				})
			}
			ret = append(ret, msg)
		case dialogue.RoleExecutor:
			for _, r := range t.Results {
				content := r.Error
				if r.Status != dialogue.ResultStatusError {
					b, _ := json.Marshal(r.Result)
					content = string(b)
				}
				ret = append(ret, go_openai.ChatCompletionMessage{
					Role:       go_openai.ChatMessageRoleTool,
					Content:    content,
					Name:       r.Name,
					ToolCallID: r.CallID,
				})
			}
		}
	}
	return ret
}
