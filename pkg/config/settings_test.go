package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/toolsmith/pkg/difficulty"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
openai:
  base_url: http://localhost:8000/v1
  scoring_model: qwen-7b
roles:
  requester_model: qwen-72b
  executor_error_rate: 0.1
oracle:
  concurrency: 8
  timeout: 30s
  retry:
    max_retries: 2
    backoff_base: 100ms
band:
  lower: 0.4
  upper: 1.2
judgment:
  thresholds:
    fabrication: 0.8
review:
  probability: 0.05
  window: 24h
pipeline:
  workers: 2
  archetype_weights:
    single: 1
    dependent: 1
`

func load(t *testing.T, content string) (Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(content)))
	return Load(v)
}

func TestLoad(t *testing.T) {
	s, err := load(t, sampleConfig)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/v1", s.OpenAI.BaseURL)
	assert.Equal(t, "qwen-7b", s.OpenAI.ScoringModel)
	assert.Equal(t, "gpt-4o-mini", s.OpenAI.JudgeModel)
	assert.Equal(t, "qwen-72b", s.Roles.ResponderModel)
	assert.Equal(t, int64(8), s.Oracle.Concurrency)
	assert.Equal(t, 30*time.Second, s.Oracle.Timeout)
	assert.Equal(t, 100*time.Millisecond, s.Oracle.Retry.BackoffBase)
	assert.Equal(t, difficulty.Band{Lower: 0.4, Upper: 1.2}, s.Band)
	assert.Equal(t, 0.8, s.Judgment.Thresholds.Fabrication)
	assert.Equal(t, 0.7, s.Judgment.Thresholds.Consistency)
	assert.Equal(t, 24*time.Hour, s.Review.Window)
	assert.Equal(t, 2, s.Pipeline.Workers)
	assert.Equal(t, map[string]float64{"single": 1, "dependent": 1}, s.Pipeline.ArchetypeWeights)
	assert.Equal(t, 3, s.Orchestrator.MaxAttempts)
	assert.Equal(t, "toolsmith.sqlite", s.DB)
}

func TestLoadRejectsInvalidBand(t *testing.T) {
	_, err := load(t, "band:\n  lower: 2\n  upper: 1\n")
	assert.Error(t, err)
}

func TestResolveBandFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "band.yaml")
	require.NoError(t, difficulty.SaveBand(path, difficulty.Band{Lower: 0.1, Upper: 0.2, Version: "v3"}))

	s := Settings{BandFile: path}.WithDefaults()
	b, err := s.ResolveBand()
	require.NoError(t, err)
	assert.Equal(t, "v3", b.Version)
}

func TestConfigureViperReadsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolsmith.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db: from-file.sqlite\n"), 0o644))
	t.Setenv("TOOLSMITH_API_POOL", "apis.yaml")

	v := viper.New()
	require.NoError(t, ConfigureViper(v, path, ""))
	v.SetDefault("api_pool", "")

	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "from-file.sqlite", s.DB)
	assert.Equal(t, "apis.yaml", s.APIPool)
}
