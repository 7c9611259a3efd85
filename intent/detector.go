package intent

import (
	"context"
	"time"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/logging"
	"github.com/NiccoloCase/cognitive-workflow/observability"
)

// Outcome is the result class of a detection.
type Outcome string

const (
	// OutcomeMatched means the best candidate cleared the threshold.
	OutcomeMatched Outcome = "matched"
	// OutcomeNoConfidentMatch means no candidate cleared the threshold. It is
	// an ordinary outcome, not an error.
	OutcomeNoConfidentMatch Outcome = "no_confident_match"
	// OutcomeError means detection could not be completed.
	OutcomeError Outcome = "error"
)

const (
	DefaultThreshold = 0.6
	DefaultTopK      = 5
)

// DetectorOptions configures a Detector.
type DetectorOptions struct {
	// Threshold is the minimum score for a match, in [0, 1].
	Threshold float64
	// TopK is how many candidates are ranked and reported.
	TopK   int
	Logger logging.Logger
}

// Detection is the outcome of routing one request.
type Detection struct {
	Outcome Outcome
	// Intent is the selected intent; nil unless Outcome is OutcomeMatched.
	Intent          *core.IntentDefinition
	Score           float64
	WorkflowID      string
	WorkflowVersion string
	// Candidates are the ranked intents considered, best first.
	Candidates []Match
	Usage      core.TokenUsage
	// Report is the finalized intent_detection report.
	Report *observability.Report
}

// Detector picks the intent, and hence the workflow, for a request.
type Detector struct {
	matcher   *Matcher
	threshold float64
	topK      int
	logger    logging.Logger
}

// NewDetector creates a Detector over matcher.
func NewDetector(matcher *Matcher, optFns ...func(o *DetectorOptions)) *Detector {
	opts := DetectorOptions{Threshold: DefaultThreshold, TopK: DefaultTopK}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return &Detector{
		matcher:   matcher,
		threshold: opts.Threshold,
		topK:      opts.TopK,
		logger:    logging.OrNop(opts.Logger),
	}
}

// Threshold returns the configured match threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// Detect ranks the catalog against text and selects the best intent when it
// scores at or above the threshold. The returned Detection is never nil and
// always carries exactly one finalized report, also when err is non-nil.
func (d *Detector) Detect(ctx context.Context, text string) (*Detection, error) {
	start := time.Now()
	report := observability.StartAt(observability.KindIntentDetection, "intent_detection", start)
	det := &Detection{Outcome: OutcomeNoConfidentMatch, Report: report}

	matches, usage, err := d.matcher.Match(ctx, text, d.topK)
	det.Usage = usage
	det.Candidates = matches

	switch {
	case err != nil:
		det.Outcome = OutcomeError
	case len(matches) > 0 && matches[0].Score >= d.threshold:
		best := matches[0]
		det.Outcome = OutcomeMatched
		det.Intent = &best.Intent
		det.Score = best.Score
		det.WorkflowID = best.Intent.WorkflowID
		det.WorkflowVersion = best.Intent.WorkflowVersion
	case len(matches) > 0:
		det.Score = matches[0].Score
	}

	candidates := make([]observability.Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, observability.Candidate{IntentID: m.Intent.ID, Label: m.Intent.Label, Score: m.Score})
	}
	payload := observability.IntentPayload{
		Request:         text,
		Outcome:         string(det.Outcome),
		Score:           det.Score,
		Threshold:       d.threshold,
		WorkflowID:      det.WorkflowID,
		WorkflowVersion: det.WorkflowVersion,
		Candidates:      candidates,
	}
	if det.Intent != nil {
		payload.IntentID = det.Intent.ID
	}
	_ = report.SetPayload(payload)
	_ = report.AddUsage(usage)
	_ = report.Finish(err)

	intentID := ""
	if det.Intent != nil {
		intentID = det.Intent.ID
	}
	if err != nil {
		d.logger.Warn("intent.detect.failed", "error", err.Error(), "duration_ms", report.Duration().Milliseconds())
		return det, err
	}
	d.logger.Info(
		"intent.detected",
		"intent_id", intentID,
		"outcome", string(det.Outcome),
		"score", det.Score,
		"threshold", d.threshold,
		"candidates", len(matches),
		"duration_ms", report.Duration().Milliseconds(),
	)
	return det, nil
}
