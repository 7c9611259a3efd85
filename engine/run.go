package engine

import (
	"context"
	"errors"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/internal/util"
	"github.com/NiccoloCase/cognitive-workflow/node"
	"github.com/NiccoloCase/cognitive-workflow/observability"
)

// ExecutionContext is the scratch space of one run. Only the scheduler
// goroutine reads or writes it; workers receive copies of what they need and
// report back over a channel.
type ExecutionContext struct {
	RunID    string
	Workflow core.WorkflowDefinition
	Graph    *Graph
	Input    map[string]any

	states map[string]*nodeState
}

type nodeState struct {
	def      core.NodeDefinition
	resolved bool
	// blocked is set when the node must fail as soon as it becomes ready:
	// its ref did not resolve or its upstream shapes do not fit its input.
	blocked  error
	status   core.NodeStatus
	input    map[string]any
	output   map[string]any
	usage    core.TokenUsage
	attempts int
	err      error
	reason   string
	report   *observability.Report
}

func newExecutionContext(runID string, def core.WorkflowDefinition, g *Graph, input map[string]any) *ExecutionContext {
	if input == nil {
		input = map[string]any{}
	}
	ec := &ExecutionContext{
		RunID:    runID,
		Workflow: def,
		Graph:    g,
		Input:    input,
		states:   make(map[string]*nodeState, len(g.Keys)),
	}
	for _, k := range g.Keys {
		ec.states[k] = &nodeState{status: core.NodePending}
	}
	return ec
}

// bind resolves every node ref against the node registry (late binding) and
// checks that each node's required input fields are produced by its upstream
// nodes, after edge mappings.
func (e *Engine) bind(ec *ExecutionContext) {
	g := ec.Graph
	for _, key := range g.Order {
		ref := g.refs[key]
		st := ec.states[key]
		def, err := e.nodes.Resolve(ref.NodeID, ref.Version)
		if err != nil {
			st.def = core.NodeDefinition{Metadata: core.Metadata{ID: ref.NodeID, Version: ref.Version}}
			st.blocked = &core.StageError{Stage: core.StageResolution, NodeKey: key, Err: err}
			continue
		}
		st.def = def
		st.resolved = true
	}

	for _, key := range g.Order {
		st := ec.states[key]
		if !st.resolved || len(g.in[key]) == 0 {
			continue
		}
		provided, known := providedFields(ec, key)
		if !known {
			continue
		}
		if err := util.CheckProvided(st.def.InputSchema, provided); err != nil {
			st.blocked = &core.SchemaMismatchError{NodeID: st.def.ID, Direction: "edge", Detail: "upstream outputs do not fit input", Err: err}
		}
	}
}

// providedFields computes the field set that key's merged input will carry,
// from the upstream output schemas. known is false if any upstream shape is
// undeclared.
func providedFields(ec *ExecutionContext, key string) (map[string]string, bool) {
	provided := map[string]string{}
	for _, in := range ec.Graph.in[key] {
		up := ec.states[in.From]
		if !up.resolved {
			return nil, false
		}
		types, ok := util.FieldTypes(up.def.OutputSchema)
		if !ok {
			return nil, false
		}
		if len(in.Mapping) == 0 {
			maps.Copy(provided, types)
			continue
		}
		for target, source := range in.Mapping {
			if t, ok := types[source]; ok {
				provided[target] = t
			}
		}
	}
	return provided, true
}

type completion struct {
	key      string
	output   map[string]any
	usage    core.TokenUsage
	attempts int
	err      error
}

// schedule drives every node to a terminal state. Ready nodes start in
// topological order as capacity allows; the loop never waits on a worker
// other than through the completion channel.
func (e *Engine) schedule(ctx context.Context, ec *ExecutionContext) {
	g := ec.Graph
	done := make(chan completion, len(g.Keys))

	var group errgroup.Group
	group.SetLimit(e.config.MaxParallelNodes)

	running := 0
	for {
		e.promote(ctx, ec)

		for _, key := range g.Order {
			st := ec.states[key]
			if st.status != core.NodeReady {
				continue
			}
			if ctx.Err() != nil {
				e.settle(ec, key, core.NodeCancelled, ctx.Err(), "run cancelled before start")
				continue
			}
			if running >= e.config.MaxParallelNodes {
				break
			}
			// A finished worker may still hold its group slot for an instant,
			// so Go can block briefly here but never on a running node.
			group.Go(e.task(ctx, ec, key, done))
			st.status = core.NodeRunning
			st.report = observability.Start(observability.KindNode, key)
			running++
		}
		// Cancelled nodes may unblock dependents for cancellation too.
		if running == 0 {
			if e.promote(ctx, ec) {
				continue
			}
			break
		}

		c := <-done
		running--
		e.complete(ctx, ec, c)
	}

	_ = group.Wait()
}

// promote moves pending nodes whose upstreams are all terminal to Ready, or
// straight to a terminal state when an upstream failed, was skipped or
// cancelled, or an edge condition is false. It reports whether any state changed.
func (e *Engine) promote(ctx context.Context, ec *ExecutionContext) bool {
	g := ec.Graph
	changed := false
	for _, key := range g.Order {
		st := ec.states[key]
		if st.status != core.NodePending {
			continue
		}

		ready := true
		var failedUp, skippedUp, cancelledUp string
		for _, in := range g.in[key] {
			up := ec.states[in.From]
			switch up.status {
			case core.NodeFailed:
				if failedUp == "" {
					failedUp = in.From
				}
			case core.NodeSkipped:
				if skippedUp == "" {
					skippedUp = in.From
				}
			case core.NodeCancelled:
				if cancelledUp == "" {
					cancelledUp = in.From
				}
			case core.NodeSucceeded:
			default:
				ready = false
			}
		}
		if !ready {
			continue
		}
		changed = true

		switch {
		case failedUp != "":
			e.settle(ec, key, core.NodeFailed, &core.DependencyError{NodeKey: key, UpstreamKey: failedUp, Err: ec.states[failedUp].err}, "upstream "+failedUp+" failed")
			continue
		case cancelledUp != "":
			e.settle(ec, key, core.NodeCancelled, ctx.Err(), "upstream "+cancelledUp+" cancelled")
			continue
		case skippedUp != "":
			e.settle(ec, key, core.NodeSkipped, nil, "upstream "+skippedUp+" skipped")
			continue
		}

		pass, err := e.conditionsHold(ec, key)
		if err != nil {
			e.settle(ec, key, core.NodeFailed, err, "edge condition error")
			continue
		}
		if !pass {
			e.settle(ec, key, core.NodeSkipped, nil, "edge condition false")
			continue
		}
		if st.blocked != nil {
			e.settle(ec, key, core.NodeFailed, st.blocked, "")
			continue
		}

		st.input = mergeInput(ec, key)
		st.status = core.NodeReady
	}
	return changed
}

func (e *Engine) conditionsHold(ec *ExecutionContext, key string) (bool, error) {
	g := ec.Graph
	edges := g.in[key]
	if len(edges) == 0 {
		return true, nil
	}

	var outputs map[string]any
	for _, in := range edges {
		if in.prg == nil {
			continue
		}
		if outputs == nil {
			outputs = map[string]any{}
			for anc := range g.ancestors[key] {
				if st := ec.states[anc]; st.status == core.NodeSucceeded {
					outputs[anc] = plain(st.output)
				}
			}
		}
		ok, err := in.evaluate(map[string]any{
			"input":   plain(ec.Input),
			"outputs": outputs,
			"source":  plain(ec.states[in.From].output),
		})
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// mergeInput builds a node's input: initialInput for roots, otherwise the
// upstream outputs in edge-declaration order, renamed by edge mappings.
func mergeInput(ec *ExecutionContext, key string) map[string]any {
	edges := ec.Graph.in[key]
	if len(edges) == 0 {
		return maps.Clone(ec.Input)
	}
	in := map[string]any{}
	for _, edge := range edges {
		out := ec.states[edge.From].output
		if len(edge.Mapping) == 0 {
			maps.Copy(in, out)
			continue
		}
		for target, source := range edge.Mapping {
			if v, ok := out[source]; ok {
				in[target] = v
			}
		}
	}
	return in
}

// settle marks a node terminal without running it.
func (e *Engine) settle(ec *ExecutionContext, key string, status core.NodeStatus, err error, reason string) {
	st := ec.states[key]
	st.status = status
	st.err = err
	st.reason = reason
	st.report = observability.Start(observability.KindNode, key)
	e.finishNode(ec, key)
}

func (e *Engine) complete(ctx context.Context, ec *ExecutionContext, c completion) {
	st := ec.states[c.key]
	st.attempts = c.attempts
	st.usage = c.usage
	switch {
	case c.err == nil:
		st.status = core.NodeSucceeded
		st.output = c.output
	case ctx.Err() != nil:
		st.status = core.NodeCancelled
		st.err = c.err
		st.reason = "run cancelled while running"
	default:
		st.status = core.NodeFailed
		st.err = c.err
	}
	e.finishNode(ec, c.key)
}

func (e *Engine) finishNode(ec *ExecutionContext, key string) {
	st := ec.states[key]
	_ = st.report.SetPayload(observability.NodePayload{
		NodeKey:    key,
		NodeID:     st.def.ID,
		Version:    st.def.Version,
		Capability: string(st.def.Capability.Kind),
		Status:     st.status,
		Attempts:   st.attempts,
		Input:      st.input,
		Output:     st.output,
		Reason:     st.reason,
	})
	_ = st.report.AddUsage(st.usage)

	var err error
	switch st.status {
	case core.NodeFailed, core.NodeCancelled:
		err = st.err
		if err == nil {
			err = errors.New(st.reason)
		}
	}
	_ = st.report.Finish(err)

	e.logger.Debug(
		"workflow.node.status",
		"run_id", ec.RunID,
		"workflow_id", ec.Workflow.ID,
		"node_key", key,
		"status", string(st.status),
		"attempts", st.attempts,
		"reason", st.reason,
	)
}

// task returns the worker for key. The worker retries retryable failures up
// to the node's retry policy, waiting out the backoff unless ctx ends.
func (e *Engine) task(ctx context.Context, ec *ExecutionContext, key string, done chan<- completion) func() error {
	st := ec.states[key]
	def := st.def
	input := st.input
	cbCtx := CallbackContext{RunID: ec.RunID, WorkflowID: ec.Workflow.ID, NodeKey: key, NodeID: def.ID}

	return func() error {
		c := completion{key: key}
		defer func() { done <- c }()

		policy := def.Retry
		for {
			c.attempts++
			out, usage, err := e.attempt(ctx, def, input, cbCtx, c.attempts)
			c.usage = c.usage.Add(usage)
			if err == nil {
				c.output = out
				c.err = nil
				return nil
			}
			c.err = err

			if !core.IsRetryable(err) || c.attempts >= policy.Attempts() || ctx.Err() != nil {
				return nil
			}

			delay := policy.Delay(c.attempts)
			e.logger.Info("workflow.node.retry", "run_id", ec.RunID, "node_key", key, "attempt", c.attempts, "delay_ms", delay.Milliseconds(), "error", err.Error())
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
		}
	}
}

func (e *Engine) attempt(ctx context.Context, def core.NodeDefinition, input map[string]any, cbCtx CallbackContext, n int) (map[string]any, core.TokenUsage, error) {
	cbCtx.Attempt = n
	cbCtx.Input = input

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeNode, &cbCtx); err != nil {
		return nil, core.TokenUsage{}, &core.ExecutionError{NodeID: def.ID, Err: err}
	}

	var usage core.TokenUsage
	res, err := e.executor.Execute(ctx, def, input)
	if res != nil {
		usage = res.Usage
	}
	cbCtx.Usage = usage

	if err != nil {
		cbCtx.Err = err
		if cbErr := e.callbacks.ExecuteCallbacks(ctx, CallbackOnNodeError, &cbCtx); cbErr != nil {
			e.logger.Warn("workflow.node.callback.failed", "node_id", def.ID, "error", cbErr.Error())
		}
		return nil, usage, err
	}

	cbCtx.Output = res.Output
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterNode, &cbCtx); err != nil {
		return nil, usage, &core.ExecutionError{NodeID: def.ID, Err: err}
	}
	return res.Output, usage, nil
}

var _ NodeExecutor = (*node.Executor)(nil)
