package main

import (
	"encoding/json"
	"os"

	"github.com/go-go-golems/toolsmith/pkg/events"
	"github.com/go-go-golems/toolsmith/pkg/gate/rules"
	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/go-go-golems/toolsmith/pkg/report"
	"github.com/go-go-golems/toolsmith/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// verification is the per-record line printed by the verify command.
type verification struct {
	DialogueID  string             `json:"dialogue_id"`
	Disposition report.Disposition `json:"disposition"`
	Violations  []rules.Finding    `json:"violations,omitempty"`
	Failed      []string           `json:"failed_dimensions,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func newVerifyCommand() *cobra.Command {
	var judge bool

	cmd := &cobra.Command{
		Use:   "verify <records.jsonl>...",
		Short: "Re-run the verification gates over exported records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}

			var j oracle.Judge
			if judge {
				client, err := newClient(s)
				if err != nil {
					return err
				}
				j = newOracles(s, client).judge
			}
			verifier := newVerifier(s, j, nil, events.Nop{})

			enc := json.NewEncoder(cmd.OutOrStdout())
			var reports []*report.Report
			for _, path := range args {
				records, err := readRecords(path)
				if err != nil {
					return err
				}
				for _, rec := range records {
					line := verification{DialogueID: rec.DialogueID}
					rep, err := verifier.Verify(cmd.Context(), rec.Attempt())
					if err != nil {
						log.Warn().Err(err).Str("dialogue_id", rec.DialogueID).Msg("could not verify record")
						line.Error = err.Error()
						if err := enc.Encode(line); err != nil {
							return err
						}
						continue
					}
					reports = append(reports, rep)
					line.Disposition = rep.Disposition
					if rep.Rules != nil {
						line.Violations = rep.Rules.Violations
					}
					if rep.Judgment != nil {
						for _, sc := range rep.Judgment.Scores {
							if !sc.Passed {
								line.Failed = append(line.Failed, string(sc.Dimension))
							}
						}
					}
					if err := enc.Encode(line); err != nil {
						return err
					}
				}
			}

			stats := json.NewEncoder(cmd.OutOrStdout())
			stats.SetIndent("", "  ")
			return stats.Encode(report.Summarize(reports))
		},
	}
	cmd.Flags().BoolVar(&judge, "judge", false, "Also run the judgment gate (calls the judge model)")
	return cmd
}

func readRecords(path string) ([]store.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	records, err := store.ReadJSONL(f)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read records from %s", path)
	}
	return records, nil
}
