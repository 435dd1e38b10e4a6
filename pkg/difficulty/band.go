package difficulty

import (
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Classification places a score relative to the acceptable band.
type Classification string

const (
	TooEasy Classification = "TOO_EASY"
	InRange Classification = "IN_RANGE"
	TooHard Classification = "TOO_HARD"
)

// Band is the acceptable difficulty interval [Lower, Upper]. Bands are
// produced offline and only read by the controller.
type Band struct {
	Lower   float64 `yaml:"lower" json:"lower" mapstructure:"lower"`
	Upper   float64 `yaml:"upper" json:"upper" mapstructure:"upper"`
	Version string  `yaml:"version,omitempty" json:"version,omitempty" mapstructure:"version"`
}

func NewBand(lower, upper float64) (Band, error) {
	b := Band{Lower: lower, Upper: upper}
	if err := b.Validate(); err != nil {
		return Band{}, err
	}
	return b, nil
}

func (b Band) Validate() error {
	if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) {
		return errors.New("band bounds must be numbers")
	}
	if b.Lower < 0 {
		return errors.Errorf("band lower bound %v is negative", b.Lower)
	}
	if b.Lower > b.Upper {
		return errors.Errorf("band lower bound %v exceeds upper bound %v", b.Lower, b.Upper)
	}
	return nil
}

// Classify maps a score onto exactly one classification. Scores that cannot
// be ordered are treated as too hard.
func (b Band) Classify(score float64) Classification {
	switch {
	case math.IsNaN(score):
		return TooHard
	case score < b.Lower:
		return TooEasy
	case score > b.Upper:
		return TooHard
	default:
		return InRange
	}
}

// Tracker holds a read-only band snapshot shared across concurrent attempts.
type Tracker struct {
	band Band
}

func NewTracker(b Band) (*Tracker, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{band: b}, nil
}

func (t *Tracker) Band() Band {
	return t.band
}

func (t *Tracker) Classify(score float64) Classification {
	return t.band.Classify(score)
}

// Sample is one reference measurement used to calibrate a band.
type Sample struct {
	Score  float64 `json:"score" yaml:"score"`
	Solved bool    `json:"solved" yaml:"solved"`
}

// Calibrate derives a band from reference samples. The lower bound is the
// 75th percentile of the scores the target model already solves (the 25th
// percentile of all scores if none are solved), the upper bound is the 90th
// percentile of all scores.
func Calibrate(samples []Sample, version string) (Band, error) {
	var all, solved []float64
	for _, s := range samples {
		if math.IsNaN(s.Score) || s.Score < 0 {
			continue
		}
		all = append(all, s.Score)
		if s.Solved {
			solved = append(solved, s.Score)
		}
	}
	if len(all) == 0 {
		return Band{}, errors.New("no usable reference samples")
	}

	lower := Percentile(all, 25)
	if len(solved) > 0 {
		lower = Percentile(solved, 75)
	}
	upper := Percentile(all, 90)
	if lower > upper {
		lower = upper
	}
	return Band{Lower: lower, Upper: upper, Version: version}, nil
}

// Percentile returns the p-th percentile using linear interpolation between
// closest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func LoadBand(path string) (Band, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Band{}, errors.Wrapf(err, "could not read band file %s", path)
	}
	var b Band
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Band{}, errors.Wrapf(err, "could not parse band file %s", path)
	}
	if err := b.Validate(); err != nil {
		return Band{}, errors.Wrapf(err, "invalid band in %s", path)
	}
	return b, nil
}

func SaveBand(path string, b Band) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
