// Package judgment implements the model-judgment verification stage. It
// scores a dialogue on three independent dimensions and compares each score
// with its threshold.
package judgment

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/go-go-golems/toolsmith/pkg/oracle"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"
)

// Thresholds are the minimum scores a dialogue needs on each dimension.
type Thresholds struct {
	Fabrication  float64 `json:"fabrication" yaml:"fabrication" mapstructure:"fabrication"`
	Consistency  float64 `json:"consistency" yaml:"consistency" mapstructure:"consistency"`
	Plausibility float64 `json:"plausibility" yaml:"plausibility" mapstructure:"plausibility"`
}

// Config configures the gate.
type Config struct {
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds" mapstructure:"thresholds"`
	// GroundedAt is the judge score at or above which an argument the
	// deterministic check could not place counts as grounded.
	GroundedAt float64 `json:"grounded_at" yaml:"grounded_at" mapstructure:"grounded_at"`
}

func (c Config) WithDefaults() Config {
	if c.Thresholds.Fabrication <= 0 {
		c.Thresholds.Fabrication = 0.7
	}
	if c.Thresholds.Consistency <= 0 {
		c.Thresholds.Consistency = 0.7
	}
	if c.Thresholds.Plausibility <= 0 {
		c.Thresholds.Plausibility = 0.6
	}
	if c.GroundedAt <= 0 {
		c.GroundedAt = 0.5
	}
	return c
}

// weights of the overall score. It is reported, never gated on.
var weights = map[oracle.Dimension]float64{
	oracle.DimensionFabrication:  0.4,
	oracle.DimensionConsistency:  0.4,
	oracle.DimensionPlausibility: 0.2,
}

// Score is the outcome of one dimension.
type Score struct {
	Dimension oracle.Dimension `json:"dimension"`
	Score     float64          `json:"score"`
	Threshold float64          `json:"threshold"`
	Passed    bool             `json:"passed"`
	Rationale string           `json:"rationale,omitempty"`
	Findings  []string         `json:"findings,omitempty"`
}

// Result is the Judgment Gate's verdict.
type Result struct {
	Passed  bool    `json:"passed"`
	Scores  []Score `json:"scores"`
	Overall float64 `json:"overall"`
}

// Score returns the outcome for one dimension.
func (r Result) Score(d oracle.Dimension) (Score, bool) {
	for _, s := range r.Scores {
		if s.Dimension == d {
			return s, true
		}
	}
	return Score{}, false
}

// Failed reports whether the dimension was evaluated and missed its
// threshold.
func (r Result) Failed(d oracle.Dimension) bool {
	s, ok := r.Score(d)
	return ok && !s.Passed
}

type Gate struct {
	judge oracle.Judge
	cfg   Config
}

func New(judge oracle.Judge, cfg Config) *Gate {
	return &Gate{judge: judge, cfg: cfg.WithDefaults()}
}

func (g *Gate) Config() Config {
	return g.cfg
}

// Evaluate judges an attempt. An error means the judge failed, either
// transiently (matching oracle.ErrUnavailable) or permanently; it never
// stands for a content defect.
func (g *Gate) Evaluate(ctx context.Context, a *dialogue.Attempt) (Result, error) {
	return g.EvaluateDialogue(ctx, a.Candidates, a.Turns)
}

func (g *Gate) EvaluateDialogue(ctx context.Context, candidates dialogue.CandidateSet, turns []dialogue.Turn) (Result, error) {
	scores := make([]Score, 3)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s, err := g.fabrication(ctx, candidates, turns)
		scores[0] = s
		return err
	})
	eg.Go(func() error {
		s, err := g.consistency(ctx, candidates, turns)
		scores[1] = s
		return err
	})
	eg.Go(func() error {
		s, err := g.plausibility(ctx, candidates, turns)
		scores[2] = s
		return err
	})
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	ret := Result{Passed: true, Scores: scores}
	for _, s := range scores {
		ret.Overall += weights[s.Dimension] * s.Score
		if !s.Passed {
			ret.Passed = false
		}
	}
	log.Debug().
		Bool("passed", ret.Passed).
		Float64("fabrication", scores[0].Score).
		Float64("consistency", scores[1].Score).
		Float64("plausibility", scores[2].Score).
		Msg("judgment gate evaluated dialogue")
	return ret, nil
}

func (g *Gate) ask(ctx context.Context, d oracle.Dimension, payload string) (oracle.Judgment, error) {
	j, err := g.judge.Judge(ctx, d, payload)
	if err != nil {
		return oracle.Judgment{}, errors.Wrapf(err, "%s judgment", d)
	}
	return j, nil
}

func (g *Gate) fabrication(ctx context.Context, candidates dialogue.CandidateSet, turns []dialogue.Turn) (Score, error) {
	s := Score{Dimension: oracle.DimensionFabrication, Threshold: g.cfg.Thresholds.Fabrication}
	total, fabricated := 0, 0

	for _, ref := range dialogue.Calls(turns) {
		ev := newEvidence(groundingText(turns[:ref.Turn]))
		spec, _ := candidates.Lookup(ref.Call.Name)
		for _, name := range ref.Call.ArgumentNames() {
			value := ref.Call.Arguments[name]
			total++
			if ev.grounds(value) || isDefault(spec, name, value) {
				continue
			}

			payload := fabricationPayload(turns[:ref.Turn], ref.Call, name, value)
			j, err := g.ask(ctx, oracle.DimensionFabrication, payload)
			if err != nil {
				return s, err
			}
			if j.Score >= g.cfg.GroundedAt {
				continue
			}
			fabricated++
			finding := fmt.Sprintf("argument %s of %s at turn %d is not grounded in the dialogue", name, ref.Call.Name, ref.Turn)
			if j.Rationale != "" {
				finding += ": " + j.Rationale
			}
			s.Findings = append(s.Findings, finding)
		}
	}

	s.Score = 1
	if total > 0 {
		s.Score = 1 - float64(fabricated)/float64(total)
	}
	s.Passed = s.Score >= s.Threshold
	return s, nil
}

// groundingText is the lowercased text an argument may be drawn from: what
// the requester said and what earlier calls returned.
func groundingText(turns []dialogue.Turn) string {
	var b strings.Builder
	b.WriteString(dialogue.RequesterText(turns))
	for _, t := range turns {
		for _, r := range t.Results {
			if raw, err := json.Marshal(r.Result); err == nil {
				b.WriteString("\n")
				b.Write(raw)
			}
			if r.Error != "" {
				b.WriteString("\n" + r.Error)
			}
		}
	}
	return strings.ToLower(b.String())
}

var (
	wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)
	// separators between number candidates; dashes, slashes and colons stay
	// inside a token so dates, times and ids are not read as numbers
	numberSplit = regexp.MustCompile(`[^\p{L}\p{N}.\-/:_]+`)
)

// evidence is the tokenized grounding text. Strings must appear as a whole
// word sequence and numbers must equal a number written in the text.
type evidence struct {
	text    string
	words   []string
	numbers []float64
}

func newEvidence(text string) evidence {
	ev := evidence{text: text, words: wordPattern.FindAllString(text, -1)}
	for _, tok := range numberSplit.Split(text, -1) {
		tok = strings.TrimRight(strings.TrimLeft(tok, ".:/_"), ".-/:_")
		if tok == "" {
			continue
		}
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			ev.numbers = append(ev.numbers, f)
		}
	}
	return ev
}

// grounds reports whether every scalar of value is mentioned. Booleans,
// nulls and values without any scalar are never grounded here and go to the
// judge.
func (ev evidence) grounds(value any) bool {
	switch x := value.(type) {
	case nil, bool:
		return false
	case string:
		return ev.mentions(x)
	case map[string]any:
		if len(x) == 0 {
			return false
		}
		for _, v := range x {
			if !ev.grounds(v) {
				return false
			}
		}
		return true
	case []any:
		if len(x) == 0 {
			return false
		}
		for _, v := range x {
			if !ev.grounds(v) {
				return false
			}
		}
		return true
	}
	if f, ok := dialogue.AsFloat(value); ok {
		for _, n := range ev.numbers {
			if n == f {
				return true
			}
		}
		return false
	}
	// other Go values are checked in their JSON form
	raw, err := json.Marshal(value)
	if err != nil {
		return false
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return false
	}
	return ev.grounds(decoded)
}

// mentions reports whether s occurs in the text as a contiguous run of whole
// words. Strings without any word characters must occur verbatim.
func (ev evidence) mentions(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false
	}
	needle := wordPattern.FindAllString(s, -1)
	if len(needle) == 0 {
		return strings.Contains(ev.text, s)
	}
outer:
	for i := 0; i+len(needle) <= len(ev.words); i++ {
		for j, w := range needle {
			if ev.words[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}

func isDefault(spec dialogue.ApiSpec, name string, value any) bool {
	param, ok := spec.Parameter(name)
	if !ok || param.Default == nil {
		return false
	}
	if a, ok := dialogue.AsFloat(value); ok {
		b, ok := dialogue.AsFloat(param.Default)
		return ok && a == b
	}
	return reflect.DeepEqual(value, param.Default)
}

func fabricationPayload(preceding []dialogue.Turn, call dialogue.FunctionCall, name string, value any) string {
	raw, _ := json.Marshal(value)
	var b strings.Builder
	b.WriteString("Dialogue so far:\n")
	for _, t := range preceding {
		b.WriteString(dialogue.RenderTurn(t))
	}
	fmt.Fprintf(&b, "\nCall: %s %s\n", call.Name, call.ArgumentsJSON())
	fmt.Fprintf(&b, "Argument under review: %s = %s\n", name, raw)
	b.WriteString("Is this value stated by the user, derivable from earlier tool results, or a sensible default?")
	return b.String()
}

func (g *Gate) consistency(ctx context.Context, candidates dialogue.CandidateSet, turns []dialogue.Turn) (Score, error) {
	s := Score{Dimension: oracle.DimensionConsistency, Threshold: g.cfg.Thresholds.Consistency}
	payload := dialogue.RenderContext(candidates, turns) +
		"\nDoes the final answer agree with the tool outputs and address what the user originally asked?"
	j, err := g.ask(ctx, oracle.DimensionConsistency, payload)
	if err != nil {
		return s, err
	}
	s.Score = clamp(j.Score)
	s.Rationale = j.Rationale
	s.Passed = s.Score >= s.Threshold
	if !s.Passed && j.Rationale != "" {
		s.Findings = append(s.Findings, j.Rationale)
	}
	return s, nil
}

func (g *Gate) plausibility(ctx context.Context, candidates dialogue.CandidateSet, turns []dialogue.Turn) (Score, error) {
	s := Score{Dimension: oracle.DimensionPlausibility, Threshold: g.cfg.Thresholds.Plausibility}
	schemas := map[*jsonschema.Schema]*gojsonschema.Schema{}
	sum, n := 0.0, 0

	for _, ref := range dialogue.Calls(turns) {
		res, ok := dialogue.ResultFor(turns, ref.Turn, ref.Index)
		if !ok {
			continue
		}
		n++
		spec, _ := candidates.Lookup(ref.Call.Name)

		if res.Status != dialogue.ResultStatusError && spec.Returns != nil {
			if problem := shapeMiss(schemas, spec.Returns, res.Result); problem != "" {
				s.Findings = append(s.Findings, fmt.Sprintf("result of %s at turn %d does not match its return schema: %s", ref.Call.Name, ref.Turn, problem))
				continue
			}
		}

		payload := fmt.Sprintf("API:\n%s\nCall: %s %s\nResult:\n%s\nIs this a realistic output of the API for this call?",
			dialogue.RenderCandidates(dialogue.CandidateSet{spec}),
			ref.Call.Name, ref.Call.ArgumentsJSON(),
			dialogue.RenderTurn(dialogue.Turn{Role: dialogue.RoleExecutor, Results: []dialogue.ToolResult{res}}))
		j, err := g.ask(ctx, oracle.DimensionPlausibility, payload)
		if err != nil {
			return s, err
		}
		sum += clamp(j.Score)
		if j.Score < s.Threshold && j.Rationale != "" {
			s.Findings = append(s.Findings, fmt.Sprintf("result of %s at turn %d: %s", ref.Call.Name, ref.Turn, j.Rationale))
		}
	}

	s.Score = 1
	if n > 0 {
		s.Score = sum / float64(n)
	}
	s.Passed = s.Score >= s.Threshold
	return s, nil
}

// shapeMiss validates a result against a return schema and describes the
// first mismatch. An empty string means the result fits.
func shapeMiss(cache map[*jsonschema.Schema]*gojsonschema.Schema, returns *jsonschema.Schema, result any) string {
	compiled, ok := cache[returns]
	if !ok {
		raw, err := json.Marshal(returns)
		if err != nil {
			return ""
		}
		compiled, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			// an unusable declared schema is the rule gate's concern
			return ""
		}
		cache[returns] = compiled
	}
	res, err := compiled.Validate(gojsonschema.NewGoLoader(result))
	if err != nil {
		return err.Error()
	}
	if errs := res.Errors(); len(errs) > 0 {
		return errs[0].String()
	}
	return ""
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
