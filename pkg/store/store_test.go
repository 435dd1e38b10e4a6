package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/report"
	"github.com/go-go-golems/toolsmith/pkg/review"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finishedAttempt(t *testing.T) *dialogue.Attempt {
	spec, err := dialogue.ParseApiSpec([]byte(`{
		"name": "get_weather",
		"description": "Current weather",
		"parameters": {"type": "object", "properties": {"city": {"type": "string"}}, "required": ["city"]}
	}`))
	require.NoError(t, err)
	a := dialogue.NewAttempt(dialogue.CandidateSet{spec}, dialogue.ArchetypeSingle)
	a.Append(dialogue.Turn{Role: dialogue.RoleRequester, Content: "Weather in Paris?"})
	a.Append(dialogue.Turn{Role: dialogue.RoleResponder, Calls: []dialogue.FunctionCall{{ID: "c1", Name: "get_weather", Arguments: map[string]any{"city": "Paris"}}}})
	a.Append(dialogue.Turn{Role: dialogue.RoleExecutor, Results: []dialogue.ToolResult{{CallID: "c1", Name: "get_weather", Status: dialogue.ResultStatusSuccess, Result: map[string]any{"temp": 18.0}}}})
	a.Append(dialogue.Turn{Role: dialogue.RoleResponder, Content: "18 degrees."})
	a.Status = dialogue.StatusAccepted
	a.Cycles = 1
	a.Trajectory = []float64{0.42}
	return a
}

func record(t *testing.T, d report.Disposition) Record {
	a := finishedAttempt(t)
	r := report.New(a)
	require.NoError(t, r.Finalize(d))
	return NewRecord(a, r)
}

func openStore(t *testing.T) *SQLiteStore {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "toolsmith.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rec := record(t, report.DispositionAccepted)
	require.NoError(t, s.Save(ctx, rec))

	got, ok, err := s.Get(ctx, rec.DialogueID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.DialogueID, got.DialogueID)
	assert.Equal(t, report.DispositionAccepted, got.Disposition)
	require.NotNil(t, got.FinalDifficulty)
	assert.Equal(t, 0.42, *got.FinalDifficulty)
	require.Len(t, got.Turns, 4)
	assert.Equal(t, "Paris", got.Turns[1].Calls[0].Arguments["city"])
	assert.Equal(t, []string{"city"}, got.Candidates[0].Required())
	require.NotNil(t, got.Report)
	assert.True(t, got.Report.Finalized())

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStorePendingExcludesDecided(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	waiting := record(t, report.DispositionNeedsReview)
	decided := record(t, report.DispositionNeedsReview)
	accepted := record(t, report.DispositionAccepted)
	for _, r := range []Record{waiting, decided, accepted} {
		require.NoError(t, s.Save(ctx, r))
	}

	decisions, err := s.Decisions()
	require.NoError(t, err)
	require.NoError(t, decisions.Record(ctx, review.DecisionRecord{DialogueID: decided.DialogueID, Decision: report.DecisionApprove}))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, waiting.DialogueID, pending[0].DialogueID)

	all, err := s.Records(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	acc, err := s.Records(ctx, report.DispositionAccepted)
	require.NoError(t, err)
	assert.Len(t, acc, 1)
}

func TestSQLiteStoreFailures(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	a := finishedAttempt(t)
	a.Status = dialogue.StatusAborted
	a.Reason("aborted: oracle unavailable")

	require.NoError(t, s.SaveFailure(ctx, NewFailure(a, errors.New("oracle unavailable"))))
	failures, err := s.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, dialogue.StatusAborted, failures[0].Status)
	assert.Equal(t, []string{"aborted: oracle unavailable"}, failures[0].Reasons)
	assert.Equal(t, "oracle unavailable", failures[0].Error)
	assert.Equal(t, []float64{0.42}, failures[0].Trajectory)
}

func TestJSONLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)
	w.Accepted = true
	ctx := context.Background()

	keep := record(t, report.DispositionAccepted)
	require.NoError(t, w.Save(ctx, keep))
	require.NoError(t, w.Save(ctx, record(t, report.DispositionRejected)))
	require.NoError(t, w.SaveFailure(ctx, Failure{DialogueID: "x"}))
	buf.WriteString("\n")

	recs, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, keep.DialogueID, recs[0].DialogueID)
	assert.Equal(t, dialogue.StatusAccepted, recs[0].Attempt().Status)
	assert.Len(t, recs[0].Attempt().Turns, 4)
}

func TestReadJSONLReportsLine(t *testing.T) {
	_, err := ReadJSONL(bytes.NewBufferString("{}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(nil))
	short := CountTokens([]dialogue.Turn{{Content: "Weather in Paris?"}})
	long := CountTokens([]dialogue.Turn{
		{Content: "Weather in Paris?"},
		{Calls: []dialogue.FunctionCall{{Name: "get_weather", Arguments: map[string]any{"city": "Paris"}}}},
	})
	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)
}
