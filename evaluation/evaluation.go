// Package evaluation measures routing quality: labelled requests are run
// through an Evaluator and scored against the intent they should select.
package evaluation

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/intent"
)

// Case is one labelled request. An empty WantIntent expects no confident match.
type Case struct {
	Text       string `yaml:"text" json:"text"`
	WantIntent string `yaml:"want_intent,omitempty" json:"want_intent,omitempty"`
}

// Result is the verdict for one case.
type Result struct {
	Case      Case
	GotIntent string
	Score     float64
	Correct   bool
	Usage     core.TokenUsage
	Duration  time.Duration
	Err       error
}

// Evaluator scores a single case.
type Evaluator interface {
	Evaluate(ctx context.Context, c Case) (*Result, error)
}

// DetectorEvaluator evaluates cases with an intent.Detector.
type DetectorEvaluator struct {
	detector *intent.Detector
}

// NewDetectorEvaluator returns an Evaluator backed by d.
func NewDetectorEvaluator(d *intent.Detector) *DetectorEvaluator {
	return &DetectorEvaluator{detector: d}
}

// Evaluate implements Evaluator.
func (e *DetectorEvaluator) Evaluate(ctx context.Context, c Case) (*Result, error) {
	start := time.Now()
	det, err := e.detector.Detect(ctx, c.Text)
	res := &Result{Case: c, Duration: time.Since(start), Err: err}
	if det != nil {
		res.Usage = det.Usage
		res.Score = det.Score
		if det.Intent != nil {
			res.GotIntent = det.Intent.ID
		}
	}
	if err != nil {
		return res, err
	}
	res.Correct = res.GotIntent == c.WantIntent
	return res, nil
}

// Summary aggregates the results of a suite.
type Summary struct {
	Total   int
	Correct int
	// Missed counts cases that expected an intent but got no confident match.
	Missed int
	// FalseMatches counts cases that selected an intent other than the expected one.
	FalseMatches int
	Errors       int
	Usage        core.TokenUsage
	Results      []*Result
}

// Accuracy is Correct over Total, or 0 for an empty suite.
func (s *Summary) Accuracy() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Total)
}

// Run evaluates cases in order. Evaluator errors are counted, not returned;
// Run only fails when ctx is done.
func Run(ctx context.Context, ev Evaluator, cases []Case) (*Summary, error) {
	sum := &Summary{Results: make([]*Result, 0, len(cases))}
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := ev.Evaluate(ctx, c)
		if res == nil {
			res = &Result{Case: c, Err: err}
		}
		sum.Total++
		sum.Usage = sum.Usage.Add(res.Usage)
		switch {
		case err != nil:
			sum.Errors++
		case res.Correct:
			sum.Correct++
		case res.GotIntent == "":
			sum.Missed++
		default:
			sum.FalseMatches++
		}
		sum.Results = append(sum.Results, res)
	}
	return sum, nil
}

// LoadCases reads a YAML list of cases.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cases []Case
	if err := yaml.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("parse cases %s: %w", path, err)
	}
	return cases, nil
}
