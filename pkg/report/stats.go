package report

import (
	"github.com/go-go-golems/toolsmith/pkg/dialogue"
)

// Stats summarizes a set of reports.
type Stats struct {
	Total            int     `json:"total"`
	Accepted         int     `json:"accepted"`
	Rejected         int     `json:"rejected"`
	NeedsReview      int     `json:"needs_review"`
	Exhausted        int     `json:"exhausted"`
	Aborted          int     `json:"aborted"`
	FailedAtRules    int     `json:"failed_at_rules"`
	FailedAtJudgment int     `json:"failed_at_judgment"`
	Escalated        int     `json:"escalated"`
	PassRate         float64 `json:"pass_rate"`
	RulePassRate     float64 `json:"rule_pass_rate"`
	MeanDifficulty   float64 `json:"mean_final_difficulty"`
}

// Summarize folds reports into Stats. Rule pass rate is computed over the
// reports that reached the rule gate.
func Summarize(reports []*Report) Stats {
	var s Stats
	ruled := 0
	difficultySum, difficultyN := 0.0, 0

	for _, r := range reports {
		if r == nil {
			continue
		}
		s.Total++
		switch r.Disposition {
		case DispositionAccepted:
			s.Accepted++
		case DispositionNeedsReview:
			s.NeedsReview++
		default:
			s.Rejected++
		}
		switch r.AttemptStatus {
		case dialogue.StatusExhausted:
			s.Exhausted++
		case dialogue.StatusAborted:
			s.Aborted++
		}
		if r.Rules != nil {
			ruled++
			if !r.Rules.Passed {
				s.FailedAtRules++
			}
		}
		if r.Judgment != nil && !r.Judgment.Passed {
			s.FailedAtJudgment++
		}
		if r.Review.Required {
			s.Escalated++
		}
		if r.FinalDifficulty != nil {
			difficultySum += *r.FinalDifficulty
			difficultyN++
		}
	}

	if s.Total > 0 {
		s.PassRate = float64(s.Accepted) / float64(s.Total)
	}
	if ruled > 0 {
		s.RulePassRate = float64(ruled-s.FailedAtRules) / float64(ruled)
	}
	if difficultyN > 0 {
		s.MeanDifficulty = difficultySum / float64(difficultyN)
	}
	return s
}
