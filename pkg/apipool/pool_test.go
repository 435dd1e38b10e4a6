package apipool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFormats(t *testing.T) {
	jsonPath := writeFile(t, "pool.json", `[
		{"name": "get weather!", "description": "Weather", "category": "weather",
		 "parameters": {"type": "dict", "properties": {"city": {"type": "str"}}, "required": ["city"]}},
		{"name": "get_weather!", "description": "duplicate after normalization"}
	]`)
	apis, err := Load(jsonPath)
	require.NoError(t, err)
	require.Len(t, apis, 1)
	assert.Equal(t, "get_weather_", apis[0].Name)
	assert.Equal(t, "object", apis[0].Parameters.Type)
	city, ok := apis[0].Parameter("city")
	require.True(t, ok)
	assert.Equal(t, "string", city.Type)

	jsonlPath := writeFile(t, "pool.jsonl", `{"name": "a", "description": "A"}

{"name": "b", "description": "B", "arguments": {"type": "object", "properties": {"n": {"type": "int"}}}}
`)
	apis, err = Load(jsonlPath)
	require.NoError(t, err)
	require.Len(t, apis, 2)
	n, ok := apis[1].Parameter("n")
	require.True(t, ok)
	assert.Equal(t, "integer", n.Type)

	yamlPath := writeFile(t, "pool.yaml", `
apis:
  - name: convert_currency
    description: Convert an amount
    category: finance
    parameters:
      type: object
      properties:
        amount: {type: float}
        to: {type: string}
      required: [amount, to]
`)
	apis, err = Load(yamlPath)
	require.NoError(t, err)
	require.Len(t, apis, 1)
	assert.ElementsMatch(t, []string{"amount", "to"}, apis[0].Required())
	amount, _ := apis[0].Parameter("amount")
	assert.Equal(t, "number", amount.Type)
}

func TestLoadRejectsNonArray(t *testing.T) {
	_, err := Load(writeFile(t, "pool.json", `{"name": "x"}`))
	assert.Error(t, err)
}

func pool(categories ...string) []dialogue.ApiSpec {
	var ret []dialogue.ApiSpec
	for i, c := range categories {
		ret = append(ret, dialogue.ApiSpec{Name: fmt.Sprintf("api_%d", i), Description: "d", Category: c})
	}
	return ret
}

func TestSampleDistinctAndDeterministic(t *testing.T) {
	apis := pool("a", "a", "a", "b", "c", "a", "a", "a")
	ctx := context.Background()

	first, err := NewFilePool(apis, 7).Sample(ctx, 4, 0)
	require.NoError(t, err)
	second, err := NewFilePool(apis, 7).Sample(ctx, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, first.Names(), second.Names())

	seen := map[string]bool{}
	for _, n := range first.Names() {
		assert.False(t, seen[n], "duplicate %s", n)
		seen[n] = true
	}
}

func TestSampleDiversity(t *testing.T) {
	apis := pool("a", "a", "a", "b", "c", "a", "a", "a")
	p := NewFilePool(apis, 1)
	for i := 0; i < 20; i++ {
		set, err := p.Sample(context.Background(), 3, 1)
		require.NoError(t, err)
		cats := map[string]bool{}
		for _, a := range set {
			cats[a.Category] = true
		}
		assert.Len(t, cats, 3)
	}

	// more picks than categories: diversity is best effort
	set, err := p.Sample(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.Len(t, set, 5)
}

func TestSampleErrors(t *testing.T) {
	ctx := context.Background()
	_, err := NewFilePool(nil, 1).Sample(ctx, 1, 0)
	assert.True(t, errors.Is(err, ErrEmptyPool))

	p := NewFilePool(pool("a", "b"), 1)
	_, err = p.Sample(ctx, 3, 0)
	assert.True(t, errors.Is(err, ErrNotEnough))
	_, err = p.Sample(ctx, 0, 0)
	assert.True(t, errors.Is(err, ErrBadRequest))
	_, err = p.Sample(ctx, 1, 1.5)
	assert.True(t, errors.Is(err, ErrBadRequest))
}

func TestFilterByCategoryGlob(t *testing.T) {
	apis := pool("weather", "weather_alerts", "finance", "")

	kept, err := Filter(apis, []string{"Weather*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"api_0", "api_1"}, dialogue.CandidateSet(kept).Names())

	kept, err = Filter(apis, []string{"finance", "uncategorized"})
	require.NoError(t, err)
	assert.Equal(t, []string{"api_2", "api_3"}, dialogue.CandidateSet(kept).Names())

	kept, err = Filter(apis, nil)
	require.NoError(t, err)
	assert.Len(t, kept, 4)
}
