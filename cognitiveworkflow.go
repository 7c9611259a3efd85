// Package cognitiveworkflow provides a high-level façade that routes free-text
// requests to versioned workflows and runs them. Most applications interact
// with this package by:
//  1. Creating a System via New() with an Embedder and the completion models
//  2. Loading nodes, workflows and intents with Reload (or LoadFrom a catalog.Source)
//  3. Calling RouteAndRun for each request
//
// The façade wires the registries, the intent detector and the workflow
// engine together and emits one observability report tree per request.
package cognitiveworkflow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/NiccoloCase/cognitive-workflow/catalog"
	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/engine"
	"github.com/NiccoloCase/cognitive-workflow/intent"
	"github.com/NiccoloCase/cognitive-workflow/logging"
	"github.com/NiccoloCase/cognitive-workflow/model"
	"github.com/NiccoloCase/cognitive-workflow/node"
	"github.com/NiccoloCase/cognitive-workflow/observability"
	"github.com/NiccoloCase/cognitive-workflow/registry"
)

// Outcome distinguishes the end states of a routed request.
type Outcome string

const (
	// OutcomeNoMatch means no intent scored above the threshold; nothing ran.
	OutcomeNoMatch Outcome = "no_match"
	// OutcomeSucceeded means every node of the selected workflow succeeded or
	// was skipped by a condition.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomePartialFailure means the workflow produced output although some
	// nodes failed or were cancelled.
	OutcomePartialFailure Outcome = "partial_failure"
	// OutcomeFailed means routing or the run could not produce output. It is
	// always returned together with an error.
	OutcomeFailed Outcome = "failed"
)

// Options configures a System.
type Options struct {
	// Engine tunes per-run parallelism, AI call budget and run timeout.
	Engine engine.Config

	// MaxConcurrentRuns bounds the requests executing at once. 0 is unlimited.
	MaxConcurrentRuns int64

	// Threshold and TopK configure intent detection.
	Threshold float64
	TopK      int

	// ReloadConcurrency caps parallel embedding calls during Reload.
	ReloadConcurrency int

	// Embedder embeds request text and intent utterances (required).
	Embedder model.Embedder

	// Models are the named completion models available to AI nodes;
	// DefaultModel serves nodes that name none.
	Models       map[string]model.Model
	DefaultModel model.Model

	// Transforms extend the built-in deterministic node functions.
	Transforms map[string]node.TransformFunc

	// NodeTimeout is the per-call bound for AI nodes that set no timeout.
	NodeTimeout time.Duration

	Callbacks *engine.CallbackManager

	// Sink receives the finalized report of every request (default NopSink).
	Sink observability.Sink

	Logger logging.Logger
}

// System is the high-level façade aggregating the registries, the intent
// detector and the engine. It is safe for concurrent use.
type System struct {
	registries *registry.Set
	catalog    *intent.Catalog
	detector   *intent.Detector
	executor   *node.Executor
	engine     *engine.Engine
	sink       observability.Sink
	runs       *semaphore.Weighted
	logger     logging.Logger
}

// Result is the outcome of one routed request.
type Result struct {
	Outcome Outcome
	// Detection is the routing decision; never nil once detection ran.
	Detection *intent.Detection
	// Workflow is the run result; nil unless a workflow was selected.
	Workflow *engine.WorkflowResult
	// Output is the value of the workflow's output node.
	Output   map[string]any
	Usage    core.TokenUsage
	Duration time.Duration
	// Report is the finalized request report with the intent_detection report
	// and, when a workflow ran, the workflow report as children.
	Report *observability.Report
}

// New creates a System. It returns an error when no Embedder is configured.
func New(optFns ...func(o *Options)) (*System, error) {
	opts := Options{
		Engine:            engine.DefaultConfig,
		Threshold:         intent.DefaultThreshold,
		TopK:              intent.DefaultTopK,
		ReloadConcurrency: 4,
		Sink:              observability.NopSink{},
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("cognitiveworkflow: an Embedder is required")
	}
	logger := logging.OrNop(opts.Logger)
	if opts.Sink == nil {
		opts.Sink = observability.NopSink{}
	}

	registries := newRegistries(logger)

	executor := node.NewExecutor(func(o *node.Options) {
		o.Models = opts.Models
		o.DefaultModel = opts.DefaultModel
		o.Transforms = opts.Transforms
		o.Timeout = opts.NodeTimeout
		o.Logger = logger
	})

	eng := engine.New(registries.Workflows, registries.Nodes, executor, func(o *engine.Options) {
		o.Config = opts.Engine
		o.Callbacks = opts.Callbacks
		o.Logger = logger
	})

	cat := intent.NewCatalog(opts.Embedder, func(o *intent.CatalogOptions) {
		o.Concurrency = opts.ReloadConcurrency
		o.Logger = logger
	})
	detector := intent.NewDetector(intent.NewMatcher(cat, opts.Embedder), func(o *intent.DetectorOptions) {
		o.Threshold = opts.Threshold
		o.TopK = opts.TopK
		o.Logger = logger
	})

	var runs *semaphore.Weighted
	if opts.MaxConcurrentRuns > 0 {
		runs = semaphore.NewWeighted(opts.MaxConcurrentRuns)
	}

	return &System{
		registries: registries,
		catalog:    cat,
		detector:   detector,
		executor:   executor,
		engine:     eng,
		sink:       opts.Sink,
		runs:       runs,
		logger:     logger,
	}, nil
}

// Nodes returns the node registry.
func (s *System) Nodes() *registry.Registry[core.NodeDefinition] { return s.registries.Nodes }

// Workflows returns the workflow registry.
func (s *System) Workflows() *registry.Registry[core.WorkflowDefinition] {
	return s.registries.Workflows
}

// Registries returns both registries.
func (s *System) Registries() *registry.Set { return s.registries }

// Catalog returns the intent catalog.
func (s *System) Catalog() *intent.Catalog { return s.catalog }

// Detector returns the intent detector.
func (s *System) Detector() *intent.Detector { return s.detector }

func newRegistries(logger logging.Logger) *registry.Set {
	return registry.NewSet(func(o *registry.SetOptions) {
		o.ValidateWorkflow = engine.Validate
		o.Logger = logger
	})
}

// Reload registers the snapshot's nodes and workflows, replacing identical
// (id, version) pairs, and swaps the intent catalog for the snapshot's
// intents. The whole snapshot is validated first: one invalid definition
// rejects it and leaves the registries and the intent catalog untouched.
func (s *System) Reload(ctx context.Context, snap *catalog.Snapshot) error {
	if snap == nil {
		return nil
	}
	if err := register(newRegistries(logging.NoOpLogger{}), snap); err != nil {
		return err
	}
	if err := register(s.registries, snap); err != nil {
		return err
	}
	for _, def := range snap.Intents {
		if _, err := s.registries.Workflows.Resolve(def.WorkflowID, def.WorkflowVersion); err != nil {
			s.logger.Warn("catalog.intent.unbound", "intent_id", def.ID, "workflow_id", def.WorkflowID, "error", err.Error())
		}
	}

	usage, err := s.catalog.Reload(ctx, snap.Intents)
	if err != nil {
		return fmt.Errorf("reload intents: %w", err)
	}
	s.logger.Info("catalog.reloaded",
		"nodes", len(snap.Nodes),
		"workflows", len(snap.Workflows),
		"intents", len(snap.Intents),
		"tokens", usage.TotalTokens,
	)
	return nil
}

func register(set *registry.Set, snap *catalog.Snapshot) error {
	for _, def := range snap.Nodes {
		if err := set.Nodes.Register(def, registry.WithReplace()); err != nil {
			return fmt.Errorf("register node %s: %w", def.Ref(), err)
		}
	}
	for _, def := range snap.Workflows {
		if err := set.Workflows.Register(def, registry.WithReplace()); err != nil {
			return fmt.Errorf("register workflow %s: %w", def.Ref(), err)
		}
	}
	return nil
}

// LoadFrom loads a snapshot from src and applies it with Reload.
func (s *System) LoadFrom(ctx context.Context, src catalog.Source) error {
	snap, err := src.Load(ctx)
	if err != nil {
		return err
	}
	return s.Reload(ctx, snap)
}

// RouteAndRun detects the intent of text and runs the workflow it routes to.
// The returned Result is never nil and its Report is finalized and already
// emitted to the sink. A request that matches no intent is not an error.
func (s *System) RouteAndRun(ctx context.Context, text string) (*Result, error) {
	report := observability.Start(observability.KindRequest, "route_and_run")
	res := &Result{Outcome: OutcomeFailed, Report: report}
	payload := observability.RequestPayload{Text: text}

	err := s.routeAndRun(ctx, text, res, &payload)

	payload.Outcome = string(res.Outcome)
	_ = report.SetPayload(payload)
	_ = report.Finish(err)
	res.Usage = report.TotalUsage()
	res.Duration = report.Duration()

	s.emit(ctx, report)
	s.logger.Info("request.complete",
		"outcome", string(res.Outcome),
		"workflow_id", payload.WorkflowID,
		"run_id", payload.RunID,
		"tokens", res.Usage.TotalTokens,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, err
}

func (s *System) routeAndRun(ctx context.Context, text string, res *Result, payload *observability.RequestPayload) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	det, err := s.detector.Detect(ctx, text)
	res.Detection = det
	if det != nil {
		_ = res.Report.AddChild(det.Report)
	}
	if err != nil {
		return &core.StageError{Stage: core.StageDetection, Err: err}
	}
	if det.Outcome != intent.OutcomeMatched {
		res.Outcome = OutcomeNoMatch
		return nil
	}
	payload.WorkflowID = det.WorkflowID
	payload.WorkflowVersion = det.WorkflowVersion

	input := map[string]any{
		"text":         text,
		"intent_id":    det.Intent.ID,
		"intent_score": det.Score,
	}
	wres, err := s.engine.Run(ctx, det.WorkflowID, det.WorkflowVersion, input)
	res.Workflow = wres
	if wres != nil {
		payload.RunID = wres.RunID
		payload.WorkflowVersion = wres.Version
		res.Output = wres.Output
		_ = res.Report.AddChild(wres.Report)
	}
	switch {
	case err != nil:
		res.Outcome = OutcomeFailed
	case wres.Partial():
		res.Outcome = OutcomePartialFailure
	default:
		res.Outcome = OutcomeSucceeded
	}
	return err
}

// RunWorkflow runs a workflow by id without intent detection. An empty
// version runs the active version. The workflow report is emitted to the sink.
func (s *System) RunWorkflow(ctx context.Context, workflowID, version string, input map[string]any) (*engine.WorkflowResult, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	res, err := s.engine.Run(ctx, workflowID, version, input)
	if res != nil {
		s.emit(ctx, res.Report)
	}
	return res, err
}

func (s *System) acquire(ctx context.Context) error {
	if s.runs == nil {
		return nil
	}
	return s.runs.Acquire(ctx, 1)
}

func (s *System) release() {
	if s.runs != nil {
		s.runs.Release(1)
	}
}

// emit hands the report to the sink. Sink failures are logged; they never fail the request.
func (s *System) emit(ctx context.Context, r *observability.Report) {
	if err := s.sink.Emit(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Warn("observability.emit.failed", "report_id", r.ID(), "error", err.Error())
	}
}
