package main

import (
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/toolsmith/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "toolsmith",
	Short: "toolsmith synthesizes and verifies tool-use dialogues",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		initLogger()
		return nil
	},
}

func initLogger() {
	logLevel := viper.GetString("log-level")
	verbose := viper.GetBool("verbose")
	if verbose && logLevel != "trace" {
		logLevel = "debug"
	}

	err := InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
	cobra.CheckErr(err)
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func InitLogger(cfg *logConfig) error {
	if cfg.WithCaller {
		log.Logger = log.With().Caller().Logger()
	}
	// default is json
	var logWriter io.Writer
	if cfg.LogFormat == "text" {
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
	} else {
		logWriter = os.Stderr
	}

	if cfg.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   cfg.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	log.Logger = log.Output(logWriter)

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func initCommands(rootCmd *cobra.Command, configPath string) error {
	v := viper.GetViper()
	userConfigDir, _ := os.UserConfigDir()
	if err := config.ConfigureViper(v, configPath, userConfigDir); err != nil {
		return err
	}

	flags := rootCmd.PersistentFlags()
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	// flags whose names differ from their settings keys
	for key, flag := range map[string]string{
		"openai.api_key":  "openai-api-key",
		"openai.base_url": "openai-base-url",
		"api_pool":        "api-pool",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}
	if err := v.BindEnv("openai.api_key", config.EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return err
	}

	// this still won't pick up on --verbose to show debug logging when the commands
	// are parsed, but at least it will configure it based on the config file
	initLogger()

	log.Debug().
		Str("config", v.ConfigFileUsed()).
		Msg("Loaded configuration")
	return nil
}

// loadSettings decodes the settings once flags have been parsed.
func loadSettings() (config.Settings, error) {
	return config.Load(viper.GetViper())
}

func main() {
	_ = rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default: ./config.yaml, ~/.toolsmith/config.yaml)")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "text", "Log format (json, text)")
	flags.String("log-file", "", "Log file (default: stderr)")
	flags.Bool("with-caller", false, "Log caller")
	flags.Bool("verbose", false, "Verbose output")
	flags.String("openai-api-key", "", "API key for the OpenAI compatible endpoint")
	flags.String("openai-base-url", "", "Base URL of the OpenAI compatible endpoint")
	flags.String("db", "", "SQLite database holding records, failures and review decisions")
	flags.String("api-pool", "", "API pool file (json, jsonl or yaml)")

	// parse --config early so the file is read before any command runs
	configPath := ""
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		} else if strings.HasPrefix(arg, "--config=") {
			configPath = strings.TrimPrefix(arg, "--config=")
		}
	}
	err := initCommands(rootCmd, configPath)
	cobra.CheckErr(err)

	rootCmd.AddCommand(newGenerateCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newCalibrateCommand())
	rootCmd.AddCommand(newReviewCommand())
}
