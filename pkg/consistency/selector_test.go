package consistency

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(name string, args map[string]any) dialogue.Turn {
	return dialogue.Turn{Role: dialogue.RoleResponder, Calls: []dialogue.FunctionCall{{Name: name, Arguments: args}}}
}

func fixed(turns ...dialogue.Turn) GenerateFunc {
	return func(ctx context.Context, i int) (dialogue.Turn, error) {
		return turns[i%len(turns)], nil
	}
}

func TestSelectSingleSampleIsIdentity(t *testing.T) {
	s := NewSelector(Config{Samples: 1})
	want := call("get_weather", map[string]any{"city": "Paris"})
	sel, err := s.Select(context.Background(), fixed(want))
	require.NoError(t, err)
	assert.Equal(t, want, sel.Turn)
	assert.Equal(t, 1, sel.GroupSize)
	assert.False(t, sel.FellBack)
}

func TestSelectMajority(t *testing.T) {
	paris := call("get_weather", map[string]any{"city": "Paris", "days": 3.0})
	rome := call("get_weather", map[string]any{"city": "Rome", "days": 3.0})
	parisInt := call("get_weather", map[string]any{"city": "Paris", "days": 3})

	s := NewSelector(Config{Samples: 3})
	sel, err := s.Select(context.Background(), fixed(rome, paris, parisInt))
	require.NoError(t, err)
	assert.Equal(t, 1, sel.Index)
	assert.Equal(t, 2, sel.GroupSize)
	assert.Equal(t, paris, sel.Turn)
}

func TestSelectTieGoesToEarliest(t *testing.T) {
	a := call("f", map[string]any{"x": "a"})
	b := call("f", map[string]any{"x": "b"})

	s := NewSelector(Config{Samples: 4})
	sel, err := s.Select(context.Background(), fixed(b, a, a, b))
	require.NoError(t, err)
	assert.Equal(t, 0, sel.Index)
	assert.Equal(t, b, sel.Turn)
}

func TestSelectIsDeterministic(t *testing.T) {
	a := call("f", map[string]any{"x": []any{1.0, 2.0}})
	b := call("f", map[string]any{"x": []any{2.0, 1.0}})
	c := call("g", nil)

	s := NewSelector(Config{Samples: 3})
	first, err := s.Select(context.Background(), fixed(c, a, b))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.Select(context.Background(), fixed(c, a, b))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1, first.Index)
}

func TestSelectInconsistent(t *testing.T) {
	var rounds int32
	gen := func(ctx context.Context, i int) (dialogue.Turn, error) {
		if i == 0 {
			atomic.AddInt32(&rounds, 1)
		}
		return call("f", map[string]any{"x": float64(i)}), nil
	}

	s := NewSelector(Config{Samples: 3, MaxRounds: 2})
	_, err := s.Select(context.Background(), gen)
	assert.True(t, errors.Is(err, ErrInconsistent))
	assert.Equal(t, int32(2), atomic.LoadInt32(&rounds))

	s = NewSelector(Config{Samples: 3, MaxRounds: 1, AllowSingleFallback: true})
	sel, err := s.Select(context.Background(), gen)
	require.NoError(t, err)
	assert.True(t, sel.FellBack)
	assert.Equal(t, 0, sel.Index)
}

func TestSelectPropagatesGenerationErrors(t *testing.T) {
	boom := errors.New("boom")
	s := NewSelector(Config{Samples: 2})
	_, err := s.Select(context.Background(), func(ctx context.Context, i int) (dialogue.Turn, error) {
		return dialogue.Turn{}, boom
	})
	assert.Equal(t, boom, err)
}

func TestEquality(t *testing.T) {
	e := Equality{Tolerance: 1e-6}

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"int vs float", 3, 3.0, true},
		{"tolerance", 1.0, 1.0000001, true},
		{"different numbers", 1.0, 1.1, false},
		{"string vs number", "3", 3.0, false},
		{"trimmed strings", " Paris", "Paris", true},
		{"array as multiset", []any{"a", "b"}, []any{"b", "a"}, true},
		{"array multiplicity", []any{"a", "a"}, []any{"a", "b"}, false},
		{"nested maps", map[string]any{"k": []any{1.0}}, map[string]any{"k": []any{1}}, true},
		{"missing key", map[string]any{"k": 1}, map[string]any{"j": 1}, false},
		{"nil", nil, nil, true},
		{"bool", true, false, false},
		{"typed int slice", []int{1, 2}, []int{1, 2}, true},
		{"typed slice vs decoded", []int{1, 2}, []any{2.0, 1.0}, true},
		{"typed slices differ", []int{1, 2}, []int{1, 3}, false},
		{"string map", map[string]string{"city": "Paris"}, map[string]string{"city": "Paris"}, true},
		{"string map vs decoded", map[string]string{"city": "Paris"}, map[string]any{"city": "Paris"}, true},
		{"slice of maps", []map[string]any{{"id": 1}}, []map[string]any{{"id": 1}}, true},
		{"string slice", []string{"a", "b"}, []any{"b", "a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Values(tt.a, tt.b))
		})
	}

	ordered := Equality{OrderedArrays: true}
	assert.False(t, ordered.Values([]any{"a", "b"}, []any{"b", "a"}))
}

func TestSelectGroupsTypedArguments(t *testing.T) {
	s := NewSelector(Config{Samples: 3, MaxRounds: 1})
	sel, err := s.Select(context.Background(), func(ctx context.Context, i int) (dialogue.Turn, error) {
		return call("get_forecast", map[string]any{
			"days":   []int{1, 2},
			"filter": map[string]string{"unit": "celsius"},
		}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sel.GroupSize)
	assert.Equal(t, 0, sel.Index)
	assert.False(t, sel.FellBack)
}

func TestEqualityTurns(t *testing.T) {
	e := Equality{}
	parallel1 := dialogue.Turn{Calls: []dialogue.FunctionCall{{Name: "a"}, {Name: "b"}}}
	parallel2 := dialogue.Turn{Calls: []dialogue.FunctionCall{{Name: "b"}, {Name: "a"}}}
	assert.True(t, e.Turns(parallel1, parallel2))

	text1 := dialogue.Turn{Content: "The  weather is\nsunny"}
	text2 := dialogue.Turn{Content: "the weather is sunny"}
	assert.True(t, e.Turns(text1, text2))
	assert.False(t, e.Turns(text1, parallel1))
}
