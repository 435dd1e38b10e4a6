package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/toolsmith/pkg/apipool"
	"github.com/go-go-golems/toolsmith/pkg/events"
	"github.com/go-go-golems/toolsmith/pkg/pipeline"
	"github.com/go-go-golems/toolsmith/pkg/review"
	"github.com/go-go-golems/toolsmith/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newGenerateCommand() *cobra.Command {
	var (
		count    int
		export   string
		noJudge  bool
		noReview bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Synthesize, verify and persist tool-use dialogues",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if s.APIPool == "" {
				return errors.New("no API pool configured (--api-pool)")
			}
			if export == "" {
				export = s.Export
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			apis, err := apipool.Load(s.APIPool)
			if err != nil {
				return err
			}
			apis, err = apipool.Filter(apis, s.APICategories)
			if err != nil {
				return err
			}
			if len(apis) == 0 {
				return errors.Wrapf(apipool.ErrEmptyPool, "%s, categories %v", s.APIPool, s.APICategories)
			}
			pool := apipool.NewFilePool(apis, s.Pipeline.Seed)
			client, err := newClient(s)
			if err != nil {
				return err
			}

			db, err := store.OpenSQLite(s.DB)
			if err != nil {
				return err
			}
			defer func() {
				if err := db.Close(); err != nil {
					log.Warn().Err(err).Msg("could not close database")
				}
			}()
			var sink store.Store = db
			if export != "" {
				w, closer, err := store.OpenJSONL(export)
				if err != nil {
					return err
				}
				defer func() {
					_ = closer.Close()
				}()
				w.Accepted = true
				sink = store.Multi{db, w}
			}

			bus, err := events.NewBus(events.NewWatermillLogger(log.Logger))
			if err != nil {
				return err
			}
			bus.AddHandler("log", events.DefaultTopic, events.LogHandler)
			busCtx, cancelBus := context.WithCancel(ctx)
			defer cancelBus()
			go func() {
				if err := bus.Run(busCtx); err != nil {
					log.Error().Err(err).Msg("event bus stopped")
				}
			}()
			<-bus.Running()
			defer func() {
				_ = bus.Close()
			}()
			publisher := bus.Sink(events.DefaultTopic)

			o := newOracles(s, client)
			orch, err := newOrchestrator(s, client, o, publisher)
			if err != nil {
				return err
			}
			judge := o.judge
			if noJudge {
				judge = nil
			}
			var decisions review.Decisions
			if !noReview {
				decisions, err = db.Decisions()
				if err != nil {
					return err
				}
			}
			verifier := newVerifier(s, judge, decisions, publisher)

			runner, err := pipeline.New(s.Pipeline, pool, orch, verifier, sink, pipeline.WithEvents(publisher))
			if err != nil {
				return err
			}

			log.Info().
				Int("count", count).
				Int("apis", pool.Len()).
				Str("db", s.DB).
				Str("export", export).
				Msg("generating dialogues")
			res, err := runner.Run(ctx, count)
			if err != nil {
				log.Error().Err(err).Msg("run stopped early")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res.Stats); encErr != nil {
				return encErr
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of dialogues to synthesize")
	cmd.Flags().StringVar(&export, "export", "", "Append accepted records to this JSONL file")
	cmd.Flags().BoolVar(&noJudge, "no-judge", false, "Skip the judgment gate")
	cmd.Flags().BoolVar(&noReview, "no-review", false, "Skip review escalation")
	cmd.Flags().StringSlice("api-categories", nil, "Only sample APIs whose category matches one of these globs")
	cobra.CheckErr(viper.BindPFlag("api_categories", cmd.Flags().Lookup("api-categories")))
	return cmd
}
