package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/toolsmith/pkg/events"
	"github.com/go-go-golems/toolsmith/pkg/render"
	"github.com/go-go-golems/toolsmith/pkg/report"
	"github.com/go-go-golems/toolsmith/pkg/review"
	"github.com/go-go-golems/toolsmith/pkg/store"
	"github.com/go-go-golems/toolsmith/pkg/verify"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

type pendingReview struct {
	DialogueID string             `json:"dialogue_id"`
	Archetype  string             `json:"archetype"`
	Reason     string             `json:"reason"`
	Deadline   time.Time          `json:"deadline"`
	Gate       report.Disposition `json:"gate_disposition"`
}

func newReviewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Adjudicate dialogues escalated for human review",
	}
	cmd.AddCommand(newReviewPendingCommand())
	cmd.AddCommand(newReviewDecideCommand())
	cmd.AddCommand(newReviewReconcileCommand())
	cmd.AddCommand(newReviewShowCommand())
	cmd.AddCommand(newReviewInteractiveCommand())
	return cmd
}

// openReview opens the database with a verifier that resolves reviews
// against its recorded decisions.
func openReview() (*store.SQLiteStore, *review.SQLiteDecisions, *verify.Verifier, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := store.OpenSQLite(s.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	decisions, err := db.Decisions()
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return db, decisions, newVerifier(s, nil, decisions, events.Nop{}), nil
}

func newReviewPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List dialogues waiting for a review decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, _, err := openReview()
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			records, err := db.Pending(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range records {
				p := pendingReview{DialogueID: rec.DialogueID, Archetype: string(rec.Archetype)}
				if rec.Report != nil {
					p.Reason = rec.Report.Review.Reason
					p.Deadline = rec.Report.Review.Deadline
					p.Gate = rec.Report.GateDisposition()
				}
				if err := enc.Encode(p); err != nil {
					return err
				}
			}
			log.Info().Int("pending", len(records)).Msg("listed pending reviews")
			return nil
		},
	}
}

func newReviewDecideCommand() *cobra.Command {
	var (
		reviewer string
		note     string
	)

	cmd := &cobra.Command{
		Use:   "decide <dialogue-id> approve|reject",
		Short: "Record a review decision and update the dialogue's disposition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := report.Decision(args[1])
			if !decision.Valid() {
				return errors.Wrapf(review.ErrInvalidDecision, "%q (want approve or reject)", args[1])
			}
			if reviewer == "" {
				return errors.New("--reviewer is required")
			}

			db, decisions, verifier, err := openReview()
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			ctx := cmd.Context()
			rec, ok, err := db.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("no record for dialogue %s", args[0])
			}
			if rec.Disposition != report.DispositionNeedsReview {
				return errors.Errorf("dialogue %s is not waiting for review (disposition %s)", rec.DialogueID, rec.Disposition)
			}

			rec, err = decide(ctx, db, decisions, verifier, rec, review.DecisionRecord{
				DialogueID: rec.DialogueID,
				Decision:   decision,
				Reviewer:   reviewer,
				Note:       note,
				DecidedAt:  time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("dialogue_id", rec.DialogueID).
				Str("decision", string(decision)).
				Str("reviewer", reviewer).
				Str("disposition", string(rec.Disposition)).
				Msg("review decision recorded")
			return nil
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Name of the reviewer")
	cmd.Flags().StringVar(&note, "note", "", "Free-form note stored with the decision")
	return cmd
}

func newReviewReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Settle reviews whose decision was recorded or whose window expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, verifier, err := openReview()
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			ctx := cmd.Context()
			records, err := db.Records(ctx, report.DispositionNeedsReview)
			if err != nil {
				return err
			}
			settled := 0
			for _, rec := range records {
				updated, err := reconcile(ctx, db, verifier, rec)
				if err != nil {
					return err
				}
				if updated.Disposition != report.DispositionNeedsReview {
					settled++
				}
			}
			log.Info().Int("waiting", len(records)).Int("settled", settled).Msg("reviews reconciled")
			return nil
		},
	}
}

// decide records d and settles the record with it.
func decide(ctx context.Context, db *store.SQLiteStore, decisions review.Decisions, verifier *verify.Verifier, rec store.Record, d review.DecisionRecord) (store.Record, error) {
	if err := decisions.Record(ctx, d); err != nil {
		return rec, err
	}
	return reconcile(ctx, db, verifier, rec)
}

// reconcile re-resolves the record's report and stores it when the
// disposition changed.
func reconcile(ctx context.Context, db *store.SQLiteStore, verifier *verify.Verifier, rec store.Record) (store.Record, error) {
	if rec.Report == nil {
		return rec, errors.Errorf("record %s has no report", rec.DialogueID)
	}
	rep, err := verifier.Reconcile(ctx, rec.Report)
	if err != nil {
		return rec, err
	}
	if rep.Disposition == rec.Disposition {
		return rec, nil
	}
	rec.Report = rep
	rec.Disposition = rep.Disposition
	return rec, db.Update(ctx, rec)
}

func newReviewShowCommand() *cobra.Command {
	var style string

	cmd := &cobra.Command{
		Use:   "show <dialogue-id>",
		Short: "Render a stored dialogue with its verification report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, _, err := openReview()
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			rec, ok, err := db.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("no record for dialogue %s", args[0])
			}
			return show(cmd.OutOrStdout(), rec, style)
		},
	}
	cmd.Flags().StringVar(&style, "style", "dark", "glamour style used on terminals")
	return cmd
}

func newReviewInteractiveCommand() *cobra.Command {
	var (
		reviewer string
		style    string
	)

	cmd := &cobra.Command{
		Use:   "interactive",
		Short: "Walk through pending reviews and decide each one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewer == "" {
				return errors.New("--reviewer is required")
			}
			db, decisions, verifier, err := openReview()
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			ctx := cmd.Context()
			records, err := db.Pending(ctx)
			if err != nil {
				return err
			}
			ui := &input.UI{
				Writer: cmd.OutOrStdout(),
				Reader: cmd.InOrStdin(),
			}

			decided := 0
			for i, rec := range records {
				if err := show(cmd.OutOrStdout(), rec, style); err != nil {
					return err
				}
				answer, err := ui.Ask(fmt.Sprintf("[%d/%d] %s: approve, reject, skip or quit?", i+1, len(records), rec.DialogueID), &input.Options{
					Default:  "skip",
					Required: true,
					Loop:     true,
					ValidateFunc: func(answer string) error {
						switch strings.ToLower(answer) {
						case "approve", "reject", "skip", "quit", "a", "r", "s", "q":
							return nil
						default:
							return errors.New("please answer approve, reject, skip or quit")
						}
					},
				})
				if err != nil {
					return err
				}

				var decision report.Decision
				switch strings.ToLower(answer) {
				case "approve", "a":
					decision = report.DecisionApprove
				case "reject", "r":
					decision = report.DecisionReject
				case "quit", "q":
					log.Info().Int("decided", decided).Msg("review session ended")
					return nil
				default:
					continue
				}

				note, err := ui.Ask("Note (optional)", &input.Options{})
				if err != nil {
					return err
				}
				rec, err = decide(ctx, db, decisions, verifier, rec, review.DecisionRecord{
					DialogueID: rec.DialogueID,
					Decision:   decision,
					Reviewer:   reviewer,
					Note:       note,
					DecidedAt:  time.Now().UTC(),
				})
				if err != nil {
					return err
				}
				decided++
				log.Info().
					Str("dialogue_id", rec.DialogueID).
					Str("decision", string(decision)).
					Str("disposition", string(rec.Disposition)).
					Msg("review decision recorded")
			}
			log.Info().Int("decided", decided).Int("pending", len(records)).Msg("review session ended")
			return nil
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Name of the reviewer")
	cmd.Flags().StringVar(&style, "style", "dark", "glamour style used on terminals")
	return cmd
}

// show writes the record as styled markdown on a terminal and as plain
// markdown otherwise.
func show(w io.Writer, rec store.Record, style string) error {
	var (
		out string
		err error
	)
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out, err = render.Terminal(rec, style)
	} else {
		out, err = render.Markdown(rec)
	}
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}
