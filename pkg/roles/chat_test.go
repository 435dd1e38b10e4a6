package roles

import (
	"context"
	"testing"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/difficulty"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChat struct {
	replies []go_openai.ChatCompletionMessage
	err     error
	reqs    []go_openai.ChatCompletionRequest
}

func (s *scriptedChat) CreateChatCompletion(_ context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return go_openai.ChatCompletionResponse{}, s.err
	}
	msg := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return go_openai.ChatCompletionResponse{Choices: []go_openai.ChatCompletionChoice{{Message: msg}}}, nil
}

func weatherSpec(t *testing.T) dialogue.ApiSpec {
	spec, err := dialogue.ParseApiSpec([]byte(`{"name":"get_weather","description":"Current weather","parameters":{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]},"returns":{"type":"object"}}`))
	require.NoError(t, err)
	return spec
}

func TestRequesterUsesDirective(t *testing.T) {
	client := &scriptedChat{replies: []go_openai.ChatCompletionMessage{{Content: "  What's the weather in Paris?  "}}}
	g := NewChatGenerator(client, ChatSettings{RequesterModel: "req"})

	dc := Context{Candidates: dialogue.CandidateSet{weatherSpec(t)}, Archetype: dialogue.ArchetypeSingle}
	d := difficulty.Director{}.Direct(difficulty.TooEasy, dialogue.ArchetypeSingle)
	turn, err := g.Generate(context.Background(), dialogue.RoleRequester, dc, &d)
	require.NoError(t, err)

	assert.Equal(t, dialogue.RoleRequester, turn.Role)
	assert.Equal(t, "What's the weather in Paris?", turn.Content)
	require.Len(t, client.reqs, 1)
	assert.Equal(t, "req", client.reqs[0].Model)
	assert.Contains(t, client.reqs[0].Messages[0].Content, d.Instruction)
	assert.Contains(t, client.reqs[0].Messages[1].Content, "get_weather")
}

func TestResponderParsesToolCalls(t *testing.T) {
	client := &scriptedChat{replies: []go_openai.ChatCompletionMessage{{
		ToolCalls: []go_openai.ToolCall{{
			ID:       "call_1",
			Type:     go_openai.ToolTypeFunction,
			Function: go_openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
		}},
	}}}
	g := NewChatGenerator(client, ChatSettings{ResponderModel: "resp"})

	dc := Context{
		Candidates: dialogue.CandidateSet{weatherSpec(t)},
		Archetype:  dialogue.ArchetypeSingle,
		Turns:      []dialogue.Turn{{Role: dialogue.RoleRequester, Content: "Weather in Paris?"}},
	}
	turn, err := g.Generate(context.Background(), dialogue.RoleResponder, dc, nil)
	require.NoError(t, err)
	require.Len(t, turn.Calls, 1)
	assert.Equal(t, "call_1", turn.Calls[0].ID)
	assert.Equal(t, map[string]any{"city": "Paris"}, turn.Calls[0].Arguments)
	require.Len(t, client.reqs[0].Tools, 1)
	assert.Equal(t, "get_weather", client.reqs[0].Tools[0].Function.Name)
}

func TestResponderOffersNoToolsForNonToolUse(t *testing.T) {
	client := &scriptedChat{replies: []go_openai.ChatCompletionMessage{{Content: "Hello!"}}}
	g := NewChatGenerator(client, ChatSettings{})
	dc := Context{Candidates: dialogue.CandidateSet{weatherSpec(t)}, Archetype: dialogue.ArchetypeNonToolUse}
	_, err := g.Generate(context.Background(), dialogue.RoleResponder, dc, nil)
	require.NoError(t, err)
	assert.Empty(t, client.reqs[0].Tools)
}

func TestResponderRejectsBadArguments(t *testing.T) {
	client := &scriptedChat{replies: []go_openai.ChatCompletionMessage{{
		ToolCalls: []go_openai.ToolCall{{Function: go_openai.FunctionCall{Name: "get_weather", Arguments: `{"city":`}}},
	}}}
	g := NewChatGenerator(client, ChatSettings{})
	_, err := g.Generate(context.Background(), dialogue.RoleResponder, Context{}, nil)
	assert.True(t, errors.Is(err, ErrGeneration))
}

func TestExecutorSimulatesResults(t *testing.T) {
	client := &scriptedChat{replies: []go_openai.ChatCompletionMessage{{Content: "```json\n{\"result\": {\"temp_c\": 18}}\n```"}}}
	g := NewChatGenerator(client, ChatSettings{})

	dc := Context{
		Candidates: dialogue.CandidateSet{weatherSpec(t)},
		Turns: []dialogue.Turn{
			{Role: dialogue.RoleRequester, Content: "Weather?"},
			{Role: dialogue.RoleResponder, Calls: []dialogue.FunctionCall{
				{ID: "a", Name: "get_weather", Arguments: map[string]any{"city": "Paris"}},
				{ID: "b", Name: "get_stock", Arguments: map[string]any{"ticker": "ACME"}},
			}},
		},
	}
	turn, err := g.Generate(context.Background(), dialogue.RoleExecutor, dc, nil)
	require.NoError(t, err)
	require.Len(t, turn.Results, 2)

	assert.Equal(t, "a", turn.Results[0].CallID)
	assert.Equal(t, dialogue.ResultStatusSuccess, turn.Results[0].Status)
	assert.Equal(t, map[string]any{"temp_c": 18.0}, turn.Results[0].Result)

	assert.Equal(t, dialogue.ResultStatusError, turn.Results[1].Status)
	assert.Contains(t, turn.Results[1].Error, "unknown API")
	assert.Len(t, client.reqs, 1)
}

func TestExecutorErrorRateIsDeterministic(t *testing.T) {
	g := NewChatGenerator(&scriptedChat{}, ChatSettings{ExecutorErrorRate: 1})
	call := dialogue.FunctionCall{Name: "f", Arguments: map[string]any{"x": 1.0}}
	assert.True(t, g.simulateFailure(call))

	g = NewChatGenerator(&scriptedChat{}, ChatSettings{})
	assert.False(t, g.simulateFailure(call))
}

func TestClientFailureIsGenerationError(t *testing.T) {
	g := NewChatGenerator(&scriptedChat{err: errors.New("503")}, ChatSettings{})
	_, err := g.Generate(context.Background(), dialogue.RoleRequester, Context{}, nil)
	assert.True(t, errors.Is(err, ErrGeneration))
}

func TestToChatMessages(t *testing.T) {
	msgs := ToChatMessages([]dialogue.Turn{
		{Role: dialogue.RoleRequester, Content: "q"},
		{Role: dialogue.RoleResponder, Calls: []dialogue.FunctionCall{{ID: "a", Name: "f", Arguments: map[string]any{}}}},
		{Role: dialogue.RoleExecutor, Results: []dialogue.ToolResult{{CallID: "a", Name: "f", Status: dialogue.ResultStatusSuccess, Result: 3}}},
		{Role: dialogue.RoleResponder, Content: "three"},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, go_openai.ChatMessageRoleAssistant, msgs[1].Role)
	assert.Equal(t, "a", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, go_openai.ChatMessageRoleTool, msgs[2].Role)
	assert.Equal(t, "3", msgs[2].Content)
	assert.Equal(t, "a", msgs[2].ToolCallID)
}
