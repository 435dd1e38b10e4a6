package main

import (
	"context"
	"os"

	"github.com/go-go-golems/toolsmith/pkg/difficulty"
	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// referenceSample is one entry of a calibration file. Samples with a score
// are used as is, the others are scored through the oracle.
type referenceSample struct {
	Prefix       string   `yaml:"prefix"`
	Continuation string   `yaml:"continuation"`
	Solved       bool     `yaml:"solved"`
	Score        *float64 `yaml:"score"`
}

func newCalibrateCommand() *cobra.Command {
	var (
		output  string
		version string
	)

	cmd := &cobra.Command{
		Use:   "calibrate <samples.yaml>",
		Short: "Derive a difficulty band snapshot from reference samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			refs, err := loadReferenceSamples(args[0])
			if err != nil {
				return err
			}

			var scorer oracle.Scorer
			for _, r := range refs {
				if r.Score == nil {
					client, err := newClient(s)
					if err != nil {
						return err
					}
					scorer = newOracles(s, client).scorer
					break
				}
			}

			samples, err := scoreSamples(cmd.Context(), scorer, refs, int(s.Oracle.Concurrency))
			if err != nil {
				return err
			}
			band, err := difficulty.Calibrate(samples, version)
			if err != nil {
				return err
			}
			if output == "" {
				output = s.BandFile
			}
			if output == "" {
				output = "band.yaml"
			}
			if err := difficulty.SaveBand(output, band); err != nil {
				return errors.Wrapf(err, "could not write band to %s", output)
			}
			log.Info().
				Float64("lower", band.Lower).
				Float64("upper", band.Upper).
				Str("version", band.Version).
				Int("samples", len(samples)).
				Str("output", output).
				Msg("band calibrated")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Band snapshot file (default: band_file setting or band.yaml)")
	cmd.Flags().StringVar(&version, "version", "calibrated", "Version recorded in the band snapshot")
	return cmd
}

// loadReferenceSamples reads a YAML (or JSON) list of samples.
func loadReferenceSamples(path string) ([]referenceSample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", path)
	}
	var ret []referenceSample
	if err := yaml.Unmarshal(data, &ret); err != nil {
		return nil, errors.Wrapf(err, "could not parse %s", path)
	}
	if len(ret) == 0 {
		return nil, errors.Errorf("no samples in %s", path)
	}
	return ret, nil
}

func scoreSamples(ctx context.Context, scorer oracle.Scorer, refs []referenceSample, workers int) ([]difficulty.Sample, error) {
	ret := make([]difficulty.Sample, len(refs))
	eg, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		eg.SetLimit(workers)
	}
	for i, r := range refs {
		i, r := i, r
		ret[i].Solved = r.Solved
		if r.Score != nil {
			ret[i].Score = *r.Score
			continue
		}
		eg.Go(func() error {
			nll, err := scorer.TokenNLL(ctx, r.Prefix, r.Continuation)
			if err != nil {
				return errors.Wrapf(err, "sample %d", i)
			}
			ret[i].Score = difficulty.MeanNLL(nll)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}
