package engine

import (
	"context"
	"errors"
	"time"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/logging"
	"github.com/NiccoloCase/cognitive-workflow/node"
	"github.com/NiccoloCase/cognitive-workflow/observability"
)

// Config defines tuning parameters for workflow runs.
type Config struct {
	// MaxParallelNodes caps how many ready nodes of one run execute at once.
	MaxParallelNodes int

	// MaxAICalls caps the AI calls of one run. 0 means unlimited.
	MaxAICalls int

	// RunTimeout bounds a whole run. 0 means no bound beyond the caller's context.
	RunTimeout time.Duration
}

// DefaultConfig is used when Options.Config is left zero.
var DefaultConfig = Config{
	MaxParallelNodes: 8,
}

// WorkflowResolver resolves workflow definitions, typically a *registry.Registry.
type WorkflowResolver interface {
	Resolve(id, version string) (core.WorkflowDefinition, error)
}

// NodeResolver resolves node definitions, typically a *registry.Registry.
type NodeResolver interface {
	Resolve(id, version string) (core.NodeDefinition, error)
}

// NodeExecutor runs one node, typically a *node.Executor.
type NodeExecutor interface {
	Execute(ctx context.Context, def core.NodeDefinition, input map[string]any) (*node.Result, error)
}

// Options configures an Engine.
type Options struct {
	Config    Config
	Callbacks *CallbackManager
	Logger    logging.Logger
}

// Engine runs workflows. It holds no per-run state; every Run owns its own
// ExecutionContext, so one Engine serves any number of concurrent runs.
type Engine struct {
	workflows WorkflowResolver
	nodes     NodeResolver
	executor  NodeExecutor
	callbacks *CallbackManager
	config    Config
	logger    logging.Logger
}

// New creates an Engine over the given resolvers and executor.
func New(workflows WorkflowResolver, nodes NodeResolver, executor NodeExecutor, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config.MaxParallelNodes <= 0 {
		opts.Config.MaxParallelNodes = DefaultConfig.MaxParallelNodes
	}

	return &Engine{
		workflows: workflows,
		nodes:     nodes,
		executor:  executor,
		callbacks: opts.Callbacks,
		config:    opts.Config,
		logger:    logging.OrNop(opts.Logger),
	}
}

// NodeResult is the final state of one node in a run.
type NodeResult struct {
	Key      string
	NodeID   string
	Version  string
	Status   core.NodeStatus
	Attempts int
	Output   map[string]any
	Usage    core.TokenUsage
	Err      error
}

// WorkflowResult is the outcome of a run. Nodes that succeeded keep their
// output even when the run as a whole failed or was cancelled.
type WorkflowResult struct {
	RunID      string
	WorkflowID string
	Version    string
	// Order is the topological order of node keys.
	Order []string
	// OutputKey is the node whose value is Output.
	OutputKey string
	Output    map[string]any
	Nodes     map[string]*NodeResult
	Usage     core.TokenUsage
	Duration  time.Duration
	// Report is the finalized workflow report with one child per node in
	// topological order.
	Report *observability.Report
}

// Partial reports whether some node did not succeed although the run produced output.
func (r *WorkflowResult) Partial() bool {
	if r.Output == nil {
		return false
	}
	for _, n := range r.Nodes {
		if n.Status == core.NodeFailed || n.Status == core.NodeCancelled {
			return true
		}
	}
	return false
}

// Status returns the final status of the node at key, or "" if unknown.
func (r *WorkflowResult) Status(key string) core.NodeStatus {
	if n, ok := r.Nodes[key]; ok {
		return n.Status
	}
	return ""
}

// Run resolves the workflow and executes it. It always returns a result with a
// finalized Report. The error is non-nil when the workflow could not be
// resolved or its output node produced no value.
func (e *Engine) Run(ctx context.Context, workflowID, version string, input map[string]any) (*WorkflowResult, error) {
	runID := core.NewID()
	report := observability.Start(observability.KindWorkflow, workflowID)
	res := &WorkflowResult{RunID: runID, WorkflowID: workflowID, Version: version, Nodes: map[string]*NodeResult{}, Report: report}

	logger := e.logger
	if sl, ok := logger.(*logging.StructuredLogger); ok {
		logger = sl.WithComponent("engine").WithRun("", runID)
	}

	def, err := e.workflows.Resolve(workflowID, version)
	if err != nil {
		err = &core.StageError{Stage: core.StageResolution, Err: err}
		e.finish(res, err)
		logger.Warn("workflow.resolve.failed", "run_id", runID, "workflow_id", workflowID, "version", version, "error", err.Error())
		return res, err
	}
	res.Version = def.Version

	g, err := Compile(def)
	if err != nil {
		err = &core.StageError{Stage: core.StageResolution, Err: err}
		e.finish(res, err)
		return res, err
	}
	res.Order = g.Order
	res.OutputKey = g.Output

	if e.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RunTimeout)
		defer cancel()
	}
	if e.config.MaxAICalls > 0 {
		ctx = node.WithCallLimiter(ctx, core.NewCallLimiter(e.config.MaxAICalls))
	}

	logger.Info("workflow.run.start", "run_id", runID, "workflow_id", def.ID, "version", def.Version, "nodes", len(g.Keys))

	ec := newExecutionContext(runID, def, g, input)
	e.bind(ec)
	e.schedule(ctx, ec)

	for _, key := range g.Order {
		st := ec.states[key]
		res.Nodes[key] = &NodeResult{
			Key:      key,
			NodeID:   g.refs[key].NodeID,
			Version:  st.def.Version,
			Status:   st.status,
			Attempts: st.attempts,
			Output:   st.output,
			Usage:    st.usage,
			Err:      st.err,
		}
		_ = report.AddChild(st.report)
	}

	out := ec.states[g.Output]
	if out.status == core.NodeSucceeded {
		res.Output = out.output
	} else {
		cause := out.err
		if cause == nil {
			cause = ctx.Err()
		}
		err = &core.StageError{
			Stage:   core.StageExecution,
			NodeKey: g.Output,
			Err:     &core.NoOutputError{WorkflowID: def.ID, OutputKey: g.Output, Status: out.status, Err: cause},
		}
	}
	e.finish(res, err)

	logger.Info(
		"workflow.run.complete",
		"run_id", runID,
		"workflow_id", def.ID,
		"version", def.Version,
		"duration_ms", res.Duration.Milliseconds(),
		"tokens", res.Usage.TotalTokens,
		"partial", res.Partial(),
		"error", err != nil,
	)
	return res, err
}

func (e *Engine) finish(res *WorkflowResult, err error) {
	statuses := make(map[string]core.NodeStatus, len(res.Nodes))
	for k, n := range res.Nodes {
		statuses[k] = n.Status
	}
	_ = res.Report.SetPayload(observability.WorkflowPayload{
		RunID:      res.RunID,
		WorkflowID: res.WorkflowID,
		Version:    res.Version,
		Order:      res.Order,
		Statuses:   statuses,
		OutputKey:  res.OutputKey,
		Output:     res.Output,
	})
	_ = res.Report.Finish(err)
	res.Duration = res.Report.Duration()
	res.Usage = res.Report.TotalUsage()
}

// Validate is a registration-time check for workflow definitions.
func Validate(def core.WorkflowDefinition) error {
	_, err := Compile(def)
	var cycle *core.CycleError
	if errors.As(err, &cycle) {
		return &core.InvalidDefinitionError{ID: def.ID, Reason: "graph", Err: err}
	}
	return err
}
