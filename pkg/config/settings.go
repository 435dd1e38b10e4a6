// Package config collects the settings of every toolsmith component into
// one structure decoded by viper.
package config

import (
	"strings"

	"github.com/go-go-golems/toolsmith/pkg/consistency"
	"github.com/go-go-golems/toolsmith/pkg/difficulty"
	"github.com/go-go-golems/toolsmith/pkg/gate/judgment"
	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/go-go-golems/toolsmith/pkg/orchestrator"
	"github.com/go-go-golems/toolsmith/pkg/pipeline"
	"github.com/go-go-golems/toolsmith/pkg/review"
	"github.com/go-go-golems/toolsmith/pkg/roles"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "TOOLSMITH"

// OpenAI configures the OpenAI compatible endpoint used for scoring,
// judgment and role generation.
type OpenAI struct {
	APIKey           string  `json:"-" yaml:"api_key" mapstructure:"api_key"`
	BaseURL          string  `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	ScoringModel     string  `json:"scoring_model" yaml:"scoring_model" mapstructure:"scoring_model"`
	JudgeModel       string  `json:"judge_model" yaml:"judge_model" mapstructure:"judge_model"`
	JudgeTemperature float32 `json:"judge_temperature" yaml:"judge_temperature" mapstructure:"judge_temperature"`
}

type Settings struct {
	OpenAI       OpenAI              `json:"openai" yaml:"openai" mapstructure:"openai"`
	Roles        roles.ChatSettings  `json:"roles" yaml:"roles" mapstructure:"roles"`
	Oracle       oracle.PoolConfig   `json:"oracle" yaml:"oracle" mapstructure:"oracle"`
	Band         difficulty.Band     `json:"band" yaml:"band" mapstructure:"band"`
	BandFile     string              `json:"band_file" yaml:"band_file" mapstructure:"band_file"`
	Director     difficulty.Director `json:"director" yaml:"director" mapstructure:"director"`
	Orchestrator orchestrator.Config `json:"orchestrator" yaml:"orchestrator" mapstructure:"orchestrator"`
	Consistency  consistency.Config  `json:"consistency" yaml:"consistency" mapstructure:"consistency"`
	Judgment     judgment.Config     `json:"judgment" yaml:"judgment" mapstructure:"judgment"`
	Review       review.Config       `json:"review" yaml:"review" mapstructure:"review"`
	Pipeline     pipeline.Config     `json:"pipeline" yaml:"pipeline" mapstructure:"pipeline"`

	APIPool string `json:"api_pool" yaml:"api_pool" mapstructure:"api_pool"`
	// APICategories restricts the pool to categories matching these glob
	// patterns.
	APICategories []string `json:"api_categories" yaml:"api_categories" mapstructure:"api_categories"`
	DB            string   `json:"db" yaml:"db" mapstructure:"db"`
	Export        string   `json:"export" yaml:"export" mapstructure:"export"`
}

func (s Settings) WithDefaults() Settings {
	if s.OpenAI.ScoringModel == "" {
		s.OpenAI.ScoringModel = "gpt-3.5-turbo-instruct"
	}
	if s.OpenAI.JudgeModel == "" {
		s.OpenAI.JudgeModel = "gpt-4o-mini"
	}
	if s.Roles.RequesterModel == "" {
		s.Roles.RequesterModel = "gpt-4o-mini"
	}
	if s.Roles.ResponderModel == "" {
		s.Roles.ResponderModel = s.Roles.RequesterModel
	}
	if s.Roles.ExecutorModel == "" {
		s.Roles.ExecutorModel = s.Roles.RequesterModel
	}
	if s.Band.Lower == 0 && s.Band.Upper == 0 {
		s.Band = difficulty.Band{Lower: 0.5, Upper: 2.0, Version: "default"}
	}
	if s.DB == "" {
		s.DB = "toolsmith.sqlite"
	}
	s.Oracle = s.Oracle.WithDefaults()
	s.Orchestrator = s.Orchestrator.WithDefaults()
	s.Consistency = s.Consistency.WithDefaults()
	s.Judgment = s.Judgment.WithDefaults()
	s.Review = s.Review.WithDefaults()
	s.Pipeline = s.Pipeline.WithDefaults()
	return s
}

func (s Settings) Validate() error {
	if err := s.Band.Validate(); err != nil {
		return errors.Wrap(err, "band")
	}
	if err := s.Pipeline.Validate(); err != nil {
		return errors.Wrap(err, "pipeline")
	}
	if s.Roles.ExecutorErrorRate < 0 || s.Roles.ExecutorErrorRate > 1 {
		return errors.Errorf("roles: executor error rate %.2f outside [0,1]", s.Roles.ExecutorErrorRate)
	}
	return nil
}

// ResolveBand returns the band snapshot file when one is configured and the
// inline band otherwise.
func (s Settings) ResolveBand() (difficulty.Band, error) {
	if strings.TrimSpace(s.BandFile) == "" {
		return s.Band, s.Band.Validate()
	}
	return difficulty.LoadBand(s.BandFile)
}

// Load decodes the settings held by v, applies defaults and validates them.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "could not decode settings")
	}
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ConfigureViper sets up the config file search path and environment
// binding the way every toolsmith command expects. An explicit configPath
// replaces the search path.
func ConfigureViper(v *viper.Viper, configPath string, userConfigDir string) error {
	v.SetEnvPrefix(EnvPrefix)
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.toolsmith")
		v.AddConfigPath("/etc/toolsmith")
		if userConfigDir != "" {
			v.AddConfigPath(userConfigDir + "/toolsmith")
		}
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// no config file, flags and environment only
	} else if err != nil {
		return errors.Wrap(err, "could not read config file")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return nil
}
