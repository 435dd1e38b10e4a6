package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weatherTurns(calls ...FunctionCall) []Turn {
	results := make([]ToolResult, 0, len(calls))
	for _, c := range calls {
		results = append(results, ToolResult{CallID: c.ID, Name: c.Name, Status: ResultStatusSuccess, Result: map[string]any{"temp_c": 18.5}})
	}
	return []Turn{
		{Role: RoleRequester, Content: "What's the weather in Paris and Rome?"},
		{Role: RoleResponder, Calls: calls},
		{Role: RoleExecutor, Results: results},
		{Role: RoleResponder, Content: "It is 18.5C."},
	}
}

func TestCheckArchetypeSingle(t *testing.T) {
	one := weatherTurns(FunctionCall{ID: "a", Name: "get_weather", Arguments: map[string]any{"city": "Paris"}})
	assert.Empty(t, CheckArchetype(ArchetypeSingle, one))

	two := weatherTurns(
		FunctionCall{ID: "a", Name: "get_weather", Arguments: map[string]any{"city": "Paris"}},
		FunctionCall{ID: "b", Name: "get_weather", Arguments: map[string]any{"city": "Rome"}},
	)
	problems := CheckArchetype(ArchetypeSingle, two)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "exactly one")
}

func TestCheckArchetypeParallel(t *testing.T) {
	two := weatherTurns(
		FunctionCall{ID: "a", Name: "get_weather", Arguments: map[string]any{"city": "Paris"}},
		FunctionCall{ID: "b", Name: "get_weather", Arguments: map[string]any{"city": "Rome"}},
	)
	assert.Empty(t, CheckArchetype(ArchetypeParallel, two))

	one := weatherTurns(FunctionCall{ID: "a", Name: "get_weather", Arguments: map[string]any{"city": "Paris"}})
	assert.Len(t, CheckArchetype(ArchetypeParallel, one), 1)
}

func TestCheckArchetypeParallelCrossReference(t *testing.T) {
	turns := []Turn{
		{Role: RoleRequester, Content: "Find a user and their orders"},
		{Role: RoleResponder, Calls: []FunctionCall{
			{ID: "a", Name: "find_user", Arguments: map[string]any{"email": "x@y.z"}},
			{ID: "b", Name: "list_orders", Arguments: map[string]any{"user_id": "u-991"}},
		}},
		{Role: RoleExecutor, Results: []ToolResult{
			{CallID: "a", Name: "find_user", Status: ResultStatusSuccess, Result: map[string]any{"user_id": "u-991"}},
			{CallID: "b", Name: "list_orders", Status: ResultStatusSuccess, Result: []any{}},
		}},
		{Role: RoleResponder, Content: "done"},
	}
	problems := CheckArchetype(ArchetypeParallel, turns)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "u-991")
}

func TestCheckArchetypeDependent(t *testing.T) {
	turns := []Turn{
		{Role: RoleRequester, Content: "Find the user with email x@y.z and list their orders"},
		{Role: RoleResponder, Calls: []FunctionCall{{ID: "a", Name: "find_user", Arguments: map[string]any{"email": "x@y.z"}}}},
		{Role: RoleExecutor, Results: []ToolResult{{CallID: "a", Name: "find_user", Status: ResultStatusSuccess, Result: map[string]any{"user_id": 991}}}},
		{Role: RoleResponder, Calls: []FunctionCall{{ID: "b", Name: "list_orders", Arguments: map[string]any{"user_id": 991}}}},
		{Role: RoleExecutor, Results: []ToolResult{{CallID: "b", Name: "list_orders", Status: ResultStatusSuccess, Result: []any{"o-1"}}}},
		{Role: RoleResponder, Content: "One order: o-1"},
	}
	assert.Empty(t, CheckArchetype(ArchetypeDependent, turns))
	assert.True(t, HasDependency(turns))

	// the second call no longer uses the first call's output
	turns[3].Calls[0].Arguments = map[string]any{"user_id": 12}
	problems := CheckArchetype(ArchetypeDependent, turns)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "traceable")
}

func TestCheckArchetypeNonToolUse(t *testing.T) {
	turns := []Turn{
		{Role: RoleRequester, Content: "hello"},
		{Role: RoleResponder, Content: "hi"},
	}
	assert.Empty(t, CheckArchetype(ArchetypeNonToolUse, turns))

	turns[1].Calls = []FunctionCall{{Name: "get_weather"}}
	assert.Len(t, CheckArchetype(ArchetypeNonToolUse, turns), 1)
}

func TestAttemptRollback(t *testing.T) {
	a := NewAttempt(nil, ArchetypeSingle)
	a.Append(Turn{Role: RoleRequester, Content: "q"})
	a.Checkpoint = 1
	a.Append(Turn{Role: RoleResponder, Content: "a"})
	last := a.Append(Turn{Role: RoleResponder, Content: "b"})
	assert.Equal(t, 2, last.Position)

	assert.Equal(t, 2, a.Rollback())
	require.Len(t, a.Turns, 1)
	assert.Equal(t, 0, a.Rollback())
}

func TestSnapshotDoesNotAlias(t *testing.T) {
	a := NewAttempt(nil, ArchetypeSingle)
	a.Append(Turn{Role: RoleResponder, Calls: []FunctionCall{{Name: "f", Arguments: map[string]any{"x": 1.0}}}})
	snap := a.Snapshot()
	snap[0].Calls[0].Arguments["x"] = 2.0
	assert.Equal(t, 1.0, a.Turns[0].Calls[0].Arguments["x"])
}
