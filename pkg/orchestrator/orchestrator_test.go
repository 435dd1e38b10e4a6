package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/toolsmith/pkg/consistency"
	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/difficulty"
	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/go-go-golems/toolsmith/pkg/roles"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weatherGenerator plays a well behaved single-call dialogue.
type weatherGenerator struct {
	mu         sync.Mutex
	directives []*difficulty.Directive
	answerText bool
	call       string
	failFirst  int
}

func (g *weatherGenerator) Generate(_ context.Context, role dialogue.Role, dc roles.Context, d *difficulty.Directive) (dialogue.Turn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFirst > 0 {
		g.failFirst--
		return dialogue.Turn{}, errors.Wrap(roles.ErrGeneration, "flaky")
	}

	switch role {
	case dialogue.RoleRequester:
		g.directives = append(g.directives, d)
		return dialogue.Turn{Content: "What's the weather in Paris?"}, nil
	case dialogue.RoleResponder:
		last, _ := dc.LastTurn()
		if last.Role == dialogue.RoleRequester && !g.answerText {
			name := g.call
			if name == "" {
				name = "get_weather"
			}
			return dialogue.Turn{Calls: []dialogue.FunctionCall{{ID: "c1", Name: name, Arguments: map[string]any{"city": "Paris"}}}}, nil
		}
		return dialogue.Turn{Content: "It is 18C in Paris."}, nil
	default:
		return dialogue.Turn{Results: []dialogue.ToolResult{{CallID: "c1", Name: "get_weather", Status: dialogue.ResultStatusSuccess, Result: map[string]any{"temp_c": 18.0}}}}, nil
	}
}

func sequenceScorer(scores ...float64) oracle.Scorer {
	var mu sync.Mutex
	i := 0
	return oracle.ScorerFunc(func(ctx context.Context, prefix string, continuation string) ([]float64, error) {
		mu.Lock()
		defer mu.Unlock()
		s := scores[i%len(scores)]
		i++
		return []float64{s}, nil
	})
}

func newOrchestrator(t *testing.T, g roles.Generator, s oracle.Scorer, selector consistency.Config) *Orchestrator {
	tracker, err := difficulty.NewTracker(difficulty.Band{Lower: 0.3, Upper: 0.9})
	require.NoError(t, err)
	return New(Config{MaxAttempts: 3}, g, difficulty.NewScorer(s), tracker, consistency.NewSelector(selector))
}

func TestRunAcceptsInBand(t *testing.T) {
	o := newOrchestrator(t, &weatherGenerator{}, sequenceScorer(0.5), consistency.Config{Samples: 1})
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeSingle)
	require.NoError(t, err)

	assert.Equal(t, dialogue.StatusAccepted, a.Status)
	assert.Equal(t, 1, a.Cycles)
	assert.Equal(t, []float64{0.5}, a.Trajectory)
	require.Len(t, a.Turns, 4)
	want := []dialogue.Role{dialogue.RoleRequester, dialogue.RoleResponder, dialogue.RoleExecutor, dialogue.RoleResponder}
	for i, r := range want {
		assert.Equal(t, r, a.Turns[i].Role)
		assert.Equal(t, i, a.Turns[i].Position)
	}
}

func TestRunRegeneratesWithDirective(t *testing.T) {
	g := &weatherGenerator{}
	o := newOrchestrator(t, g, sequenceScorer(0.1, 0.5), consistency.Config{Samples: 1})
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeSingle)
	require.NoError(t, err)

	assert.Equal(t, dialogue.StatusAccepted, a.Status)
	assert.Equal(t, 2, a.Cycles)
	assert.Equal(t, []float64{0.1, 0.5}, a.Trajectory)
	// the first cycle was rolled back
	assert.Len(t, a.Turns, 4)

	require.Len(t, g.directives, 2)
	assert.Nil(t, g.directives[0])
	require.NotNil(t, g.directives[1])
	assert.Equal(t, difficulty.Intensify, g.directives[1].Action)
}

func TestRunExhausts(t *testing.T) {
	g := &weatherGenerator{}
	o := newOrchestrator(t, g, sequenceScorer(2.0), consistency.Config{Samples: 1})
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeSingle)
	require.NoError(t, err)

	assert.Equal(t, dialogue.StatusExhausted, a.Status)
	assert.Equal(t, 3, a.Cycles)
	assert.Len(t, a.Trajectory, 3)
	assert.Equal(t, difficulty.Simplify, g.directives[2].Action)
	assert.Contains(t, a.Reasons[len(a.Reasons)-1], "exhausted")
}

func TestRunArchetypeMissConsumesCycles(t *testing.T) {
	o := newOrchestrator(t, &weatherGenerator{answerText: true}, sequenceScorer(0.5), consistency.Config{Samples: 1})
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeSingle)
	require.NoError(t, err)

	assert.Equal(t, dialogue.StatusExhausted, a.Status)
	assert.Empty(t, a.Trajectory)
	assert.Contains(t, a.Reasons[0], "exactly one function call")
}

func TestRunNonToolUseCallIsInvariantViolation(t *testing.T) {
	o := newOrchestrator(t, &weatherGenerator{}, sequenceScorer(0.5), consistency.Config{Samples: 1})
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeNonToolUse)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))
	assert.Equal(t, dialogue.StatusRejected, a.Status)
	assert.Equal(t, 1, a.Cycles)
}

func TestRunOracleUnavailableAborts(t *testing.T) {
	down := oracle.ScorerFunc(func(ctx context.Context, prefix string, continuation string) ([]float64, error) {
		return nil, errors.Wrap(oracle.ErrUnavailable, "connection refused")
	})
	o := newOrchestrator(t, &weatherGenerator{}, down, consistency.Config{Samples: 1})
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeSingle)
	require.Error(t, err)
	assert.True(t, errors.Is(err, oracle.ErrUnavailable))
	assert.Equal(t, dialogue.StatusAborted, a.Status)
}

func TestRunRetriesFlakyGeneration(t *testing.T) {
	o := newOrchestrator(t, &weatherGenerator{failFirst: 2}, sequenceScorer(0.5), consistency.Config{Samples: 1})
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeSingle)
	require.NoError(t, err)
	assert.Equal(t, dialogue.StatusAccepted, a.Status)
}

func TestRunPersistentGenerationFailureAborts(t *testing.T) {
	g := roles.GeneratorFunc(func(context.Context, dialogue.Role, roles.Context, *difficulty.Directive) (dialogue.Turn, error) {
		return dialogue.Turn{}, errors.Wrap(roles.ErrGeneration, "model down")
	})
	o := newOrchestrator(t, g, sequenceScorer(0.5), consistency.Config{Samples: 1})
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeSingle)
	assert.True(t, errors.Is(err, roles.ErrGeneration))
	assert.Equal(t, dialogue.StatusAborted, a.Status)
}

func newTimedOrchestrator(t *testing.T, g roles.Generator, timeout time.Duration) *Orchestrator {
	tracker, err := difficulty.NewTracker(difficulty.Band{Lower: 0.3, Upper: 0.9})
	require.NoError(t, err)
	return New(Config{MaxAttempts: 3, GenerationTimeout: timeout}, g,
		difficulty.NewScorer(sequenceScorer(0.5)), tracker, consistency.NewSelector(consistency.Config{Samples: 1}))
}

func TestRunHungGeneratorAborts(t *testing.T) {
	g := roles.GeneratorFunc(func(ctx context.Context, role dialogue.Role, _ roles.Context, _ *difficulty.Directive) (dialogue.Turn, error) {
		if role == dialogue.RoleRequester {
			return dialogue.Turn{Content: "What's the weather in Paris?"}, nil
		}
		<-ctx.Done()
		return dialogue.Turn{}, ctx.Err()
	})
	o := newTimedOrchestrator(t, g, 20*time.Millisecond)

	start := time.Now()
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeSingle)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, errors.Is(err, roles.ErrGeneration))
	assert.Equal(t, dialogue.StatusAborted, a.Status)
	assert.Contains(t, a.Reasons[len(a.Reasons)-1], "timed out")
}

func TestRunAbandonsGeneratorIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	g := roles.GeneratorFunc(func(context.Context, dialogue.Role, roles.Context, *difficulty.Directive) (dialogue.Turn, error) {
		<-release
		return dialogue.Turn{}, nil
	})
	o := newTimedOrchestrator(t, g, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	a, err := o.Run(ctx, nil, dialogue.ArchetypeSingle)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Error(t, err)
	assert.Equal(t, dialogue.StatusAborted, a.Status)
}

func TestConfigDefaultsGenerationTimeout(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, 2*time.Minute, cfg.GenerationTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5, cfg.MaxSteps)
}

func TestRunInconsistentResponderConsumesCycles(t *testing.T) {
	var mu sync.Mutex
	n := 0
	g := roles.GeneratorFunc(func(_ context.Context, role dialogue.Role, dc roles.Context, _ *difficulty.Directive) (dialogue.Turn, error) {
		if role == dialogue.RoleRequester {
			return dialogue.Turn{Content: "q"}, nil
		}
		mu.Lock()
		defer mu.Unlock()
		n++
		return dialogue.Turn{Content: fmt.Sprintf("answer %d", n)}, nil
	})
	o := newOrchestrator(t, g, sequenceScorer(0.5), consistency.Config{Samples: 3, MaxRounds: 1})
	a, err := o.Run(context.Background(), nil, dialogue.ArchetypeNonToolUse)
	require.NoError(t, err)
	assert.Equal(t, dialogue.StatusExhausted, a.Status)
	assert.Equal(t, 3, a.Cycles)
	assert.Contains(t, a.Reasons[0], "no consistent responder decision")
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := newOrchestrator(t, &weatherGenerator{}, sequenceScorer(0.5), consistency.Config{Samples: 1})
	a, err := o.Run(ctx, nil, dialogue.ArchetypeSingle)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, dialogue.StatusAborted, a.Status)
	assert.Equal(t, 0, a.Cycles)
}

func TestRunAlwaysTerminates(t *testing.T) {
	for _, score := range []float64{0, 0.2, 0.5, 1.5} {
		o := newOrchestrator(t, &weatherGenerator{}, sequenceScorer(score), consistency.Config{Samples: 2})
		a, err := o.Run(context.Background(), nil, dialogue.ArchetypeSingle)
		require.NoError(t, err)
		assert.True(t, a.Status.Terminal())
		assert.LessOrEqual(t, a.Cycles, 3)
	}
}
