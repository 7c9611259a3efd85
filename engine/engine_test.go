package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/internal/testutil"
	"github.com/NiccoloCase/cognitive-workflow/model"
	"github.com/NiccoloCase/cognitive-workflow/node"
	"github.com/NiccoloCase/cognitive-workflow/observability"
	"github.com/NiccoloCase/cognitive-workflow/registry"
)

// harness wires real registries and a real node executor with test transforms.
type harness struct {
	set    *registry.Set
	engine *Engine
	model  *model.MockModel

	mu      sync.Mutex
	invoked []string
	flaky   atomic.Int32
	arrived atomic.Int32
}

func newHarness(t *testing.T, optFns ...func(o *Options)) *harness {
	t.Helper()
	h := &harness{set: registry.NewSet(), model: model.NewMockModel("mock")}

	record := func(_ context.Context, in, cfg map[string]any) (map[string]any, error) {
		name, _ := cfg["name"].(string)
		h.mu.Lock()
		h.invoked = append(h.invoked, name)
		h.mu.Unlock()
		out := maps.Clone(in)
		if out == nil {
			out = map[string]any{}
		}
		out[name] = true
		if v, ok := cfg["emit"].(map[string]any); ok {
			for k, val := range v {
				out[k] = val
			}
		}
		return out, nil
	}

	exec := node.NewExecutor(func(o *node.Options) {
		o.DefaultModel = h.model
		o.Transforms = map[string]node.TransformFunc{
			"record": record,
			"fail": func(_ context.Context, _, cfg map[string]any) (map[string]any, error) {
				name, _ := cfg["name"].(string)
				h.mu.Lock()
				h.invoked = append(h.invoked, name)
				h.mu.Unlock()
				return nil, errors.New("boom")
			},
			"flaky": func(_ context.Context, _, _ map[string]any) (map[string]any, error) {
				if h.flaky.Add(1) <= 2 {
					return nil, &core.ProviderError{Provider: "test", StatusCode: 503, Transient: true, Err: errors.New("busy")}
				}
				return map[string]any{"ok": true}, nil
			},
			// rendezvous succeeds only if both roots are in flight at the same time.
			"rendezvous": func(ctx context.Context, _, cfg map[string]any) (map[string]any, error) {
				h.arrived.Add(1)
				deadline := time.After(2 * time.Second)
				for h.arrived.Load() < 2 {
					select {
					case <-deadline:
						return nil, errors.New("peer never arrived")
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(time.Millisecond):
					}
				}
				name, _ := cfg["name"].(string)
				return map[string]any{name: "done"}, nil
			},
		}
	})

	h.engine = New(h.set.Workflows, h.set.Nodes, exec, optFns...)
	return h
}

func (h *harness) node(t *testing.T, id, ref string, cfg map[string]any) {
	t.Helper()
	if cfg == nil {
		cfg = map[string]any{}
	}
	if _, ok := cfg["name"]; !ok {
		cfg["name"] = id
	}
	require.NoError(t, h.set.Nodes.Register(testutil.NewNodeBuilder(id).Transform(ref, cfg).Build()))
}

func (h *harness) workflow(t *testing.T, def core.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, h.set.Workflows.Register(def))
}

func (h *harness) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.invoked...)
}

func TestCompileOrderIsStable(t *testing.T) {
	def := testutil.NewWorkflowBuilder("wf").
		Node("a", "n").Node("b", "n").Node("c", "n").Node("d", "n").
		Edge("c", "a").
		Output("a").
		Build()

	g, err := Compile(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a", "d"}, g.Order)
	assert.Equal(t, []string{"c"}, g.Upstream("a"))
	assert.Equal(t, []string{"a"}, g.Downstream("c"))
}

func TestCompileRejects(t *testing.T) {
	var cycle *core.CycleError
	_, err := Compile(testutil.NewWorkflowBuilder("wf").Node("a", "n").Node("b", "n").Edge("a", "b").Edge("b", "a").Build())
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b"}, cycle.Keys)

	var inv *core.InvalidDefinitionError
	var cond *core.ConditionError
	_, err = Compile(testutil.NewWorkflowBuilder("wf").Node("a", "n").Node("b", "n").When("a", "b", "source.x +").Build())
	require.ErrorAs(t, err, &inv)
	require.ErrorAs(t, err, &cond)

	_, err = Compile(testutil.NewWorkflowBuilder("wf").Node("a", "n").Node("b", "n").When("a", "b", "1 + 2").Build())
	require.ErrorAs(t, err, &cond)

	_, err = Compile(testutil.NewWorkflowBuilder("wf").Node("a", "n").Node("b", "n").Build())
	require.ErrorAs(t, err, &inv, "two sinks and no output")

	_, err = Compile(testutil.NewWorkflowBuilder("wf").Node("a", "n").Node("a", "n").Build())
	require.ErrorAs(t, err, &inv)

	_, err = Compile(testutil.NewWorkflowBuilder("wf").Node("a", "n").Edge("a", "zzz").Build())
	require.ErrorAs(t, err, &inv)

	assert.ErrorAs(t, Validate(testutil.NewWorkflowBuilder("wf").Node("a", "n").Edge("a", "a").Build()), &inv)
}

func TestRunLinear(t *testing.T) {
	h := newHarness(t)
	h.node(t, "a", "record", nil)
	h.node(t, "b", "record", nil)
	h.node(t, "c", "record", nil)
	h.workflow(t, testutil.NewWorkflowBuilder("abc").Node("a", "a").Node("b", "b").Node("c", "c").Edge("a", "b").Edge("b", "c").Build())

	res, err := h.engine.Run(context.Background(), "abc", "", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, h.calls())
	assert.Equal(t, map[string]any{"text": "hi", "a": true, "b": true, "c": true}, res.Output)
	assert.False(t, res.Partial())

	require.True(t, res.Report.Finalized())
	var names []string
	for _, c := range res.Report.Children() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
	payload := res.Report.Payload().(observability.WorkflowPayload)
	assert.Equal(t, core.NodeSucceeded, payload.Statuses["c"])
}

func TestRunMiddleFailure(t *testing.T) {
	h := newHarness(t)
	h.node(t, "a", "record", nil)
	h.node(t, "b", "fail", nil)
	h.node(t, "c", "record", nil)
	h.workflow(t, testutil.NewWorkflowBuilder("abc").Node("a", "a").Node("b", "b").Node("c", "c").Edge("a", "b").Edge("b", "c").Build())

	res, err := h.engine.Run(context.Background(), "abc", "", nil)
	require.Error(t, err)

	var noOut *core.NoOutputError
	require.ErrorAs(t, err, &noOut)
	assert.Equal(t, "c", noOut.OutputKey)
	assert.Equal(t, core.NodeFailed, noOut.Status)

	assert.Equal(t, core.NodeSucceeded, res.Status("a"))
	assert.Equal(t, map[string]any{"a": true}, res.Nodes["a"].Output)
	assert.Equal(t, core.NodeFailed, res.Status("b"))
	assert.Equal(t, core.NodeFailed, res.Status("c"))

	var dep *core.DependencyError
	require.ErrorAs(t, res.Nodes["c"].Err, &dep)
	assert.Equal(t, "b", dep.UpstreamKey)
	assert.Equal(t, []string{"a", "b"}, h.calls(), "c is never invoked")
	assert.Nil(t, res.Output)
}

func TestRunDiamondConcurrent(t *testing.T) {
	h := newHarness(t)
	h.node(t, "a", "rendezvous", nil)
	h.node(t, "b", "rendezvous", nil)
	h.node(t, "c", "record", nil)
	h.workflow(t, testutil.NewWorkflowBuilder("diamond").Node("a", "a").Node("b", "b").Node("c", "c").Edge("a", "c").Edge("b", "c").Build())

	res, err := h.engine.Run(context.Background(), "diamond", "", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "done", "b": "done", "c": true}, res.Output)
}

func TestRunDiamondBranchFailure(t *testing.T) {
	h := newHarness(t)
	h.node(t, "a", "fail", nil)
	h.node(t, "b", "record", nil)
	h.node(t, "c", "record", nil)
	h.node(t, "d", "record", nil)
	// a, b -> c ; b -> d ; output d keeps the run alive.
	h.workflow(t, testutil.NewWorkflowBuilder("diamond").
		Node("a", "a").Node("b", "b").Node("c", "c").Node("d", "d").
		Edge("a", "c").Edge("b", "c").Edge("b", "d").
		Output("d").Build())

	res, err := h.engine.Run(context.Background(), "diamond", "", nil)
	require.NoError(t, err)
	assert.Equal(t, core.NodeFailed, res.Status("a"))
	assert.Equal(t, core.NodeSucceeded, res.Status("b"))
	assert.Equal(t, core.NodeFailed, res.Status("c"))
	assert.Equal(t, core.NodeSucceeded, res.Status("d"))
	assert.True(t, res.Partial())
	assert.NotContains(t, h.calls(), "c")
}

func TestRunFalseConditionSkips(t *testing.T) {
	h := newHarness(t)
	h.node(t, "scorer", "record", map[string]any{"emit": map[string]any{"score": 0.2}})
	h.node(t, "escalate", "record", nil)
	h.node(t, "notify", "record", nil)
	h.node(t, "log", "record", nil)
	h.workflow(t, testutil.NewWorkflowBuilder("route").
		Node("scorer", "scorer").Node("escalate", "escalate").Node("notify", "notify").Node("log", "log").
		When("scorer", "escalate", "source.score > 0.5").
		Edge("escalate", "notify").
		When("scorer", "log", "outputs.scorer.score <= 0.5 && input.channel == 'web'").
		Output("notify").Build())

	res, err := h.engine.Run(context.Background(), "route", "", map[string]any{"channel": "web"})
	require.Error(t, err)

	assert.Equal(t, core.NodeSkipped, res.Status("escalate"))
	assert.Equal(t, core.NodeSkipped, res.Status("notify"))
	assert.Nil(t, res.Nodes["escalate"].Err)
	assert.Equal(t, core.NodeSucceeded, res.Status("log"))
	assert.ElementsMatch(t, []string{"scorer", "log"}, h.calls())

	var noOut *core.NoOutputError
	require.ErrorAs(t, err, &noOut)
	assert.Equal(t, core.NodeSkipped, noOut.Status)
}

func TestRunCancelAfterFirstNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callbacks := NewCallbackManager()
	callbacks.RegisterCallback(NewFunctionCallback(CallbackAfterNode, func(_ context.Context, cc *CallbackContext) error {
		if cc.NodeKey == "a" {
			cancel()
		}
		return nil
	}))

	h := newHarness(t, func(o *Options) { o.Callbacks = callbacks })
	h.node(t, "a", "record", nil)
	h.node(t, "b", "record", nil)
	h.workflow(t, testutil.NewWorkflowBuilder("ab").Node("a", "a").Node("b", "b").Edge("a", "b").Build())

	res, err := h.engine.Run(ctx, "ab", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, core.NodeSucceeded, res.Status("a"))
	assert.Equal(t, map[string]any{"a": true}, res.Nodes["a"].Output)
	assert.Equal(t, core.NodeCancelled, res.Status("b"))
	assert.Equal(t, []string{"a"}, h.calls(), "b is never attempted")
	assert.True(t, res.Report.Finalized())
}

func TestRunRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.set.Nodes.Register(testutil.NewNodeBuilder("flaky").Transform("flaky", nil).Retry(3, time.Millisecond).Build()))
	h.workflow(t, testutil.NewWorkflowBuilder("wf").Node("x", "flaky").Build())

	res, err := h.engine.Run(context.Background(), "wf", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Nodes["x"].Attempts)
	assert.Equal(t, map[string]any{"ok": true}, res.Output)
}

func TestRunDoesNotRetryPermanentFailures(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.set.Nodes.Register(testutil.NewNodeBuilder("bad").Transform("fail", map[string]any{"name": "bad"}).Retry(5, time.Millisecond).Build()))
	h.workflow(t, testutil.NewWorkflowBuilder("wf").Node("x", "bad").Build())

	res, err := h.engine.Run(context.Background(), "wf", "", nil)
	require.Error(t, err)
	assert.Equal(t, 1, res.Nodes["x"].Attempts)
	assert.Len(t, h.calls(), 1)
}

func TestRunRetryBackoffHonoursCancel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.set.Nodes.Register(testutil.NewNodeBuilder("flaky").Transform("flaky", nil).Retry(3, time.Hour).Build()))
	h.workflow(t, testutil.NewWorkflowBuilder("wf").Node("x", "flaky").Build())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := h.engine.Run(ctx, "wf", "", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, core.NodeCancelled, res.Status("x"))
}

func TestRunEdgeShapes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.set.Nodes.Register(testutil.NewNodeBuilder("lookup").
		Transform("set", map[string]any{"values": map[string]any{"name": "Ada"}}).
		Output("name", "string").Build()))
	require.NoError(t, h.set.Nodes.Register(testutil.NewNodeBuilder("greet").
		Transform("template", map[string]any{"template": "Hello {{.customer}}"}).
		Input("customer", "string").Build()))

	h.workflow(t, testutil.NewWorkflowBuilder("mapped").Node("l", "lookup").Node("g", "greet").
		Mapped("l", "g", map[string]string{"customer": "name"}).Build())
	h.workflow(t, testutil.NewWorkflowBuilder("unmapped").Node("l", "lookup").Node("g", "greet").Edge("l", "g").Build())

	res, err := h.engine.Run(context.Background(), "mapped", "", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "Hello Ada"}, res.Output)

	res, err = h.engine.Run(context.Background(), "unmapped", "", nil)
	require.Error(t, err)
	assert.Equal(t, core.NodeSucceeded, res.Status("l"))
	assert.Equal(t, core.NodeFailed, res.Status("g"))
	var sm *core.SchemaMismatchError
	require.ErrorAs(t, res.Nodes["g"].Err, &sm)
	assert.Equal(t, "edge", sm.Direction)
}

func TestRunLateBinding(t *testing.T) {
	h := newHarness(t)
	h.node(t, "n", "record", map[string]any{"name": "v1"})
	h.workflow(t, testutil.NewWorkflowBuilder("wf").Node("x", "n").Build())

	res, err := h.engine.Run(context.Background(), "wf", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Nodes["x"].Version)

	require.NoError(t, h.set.Nodes.Register(testutil.NewNodeBuilder("n").Version("1.1.0").Transform("record", map[string]any{"name": "v2"}).Build()))
	res, err = h.engine.Run(context.Background(), "wf", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", res.Nodes["x"].Version)
	assert.Equal(t, []string{"v1", "v2"}, h.calls())
}

func TestRunUnresolvableNode(t *testing.T) {
	h := newHarness(t)
	h.node(t, "a", "record", nil)
	h.workflow(t, testutil.NewWorkflowBuilder("wf").Node("a", "a").Node("m", "missing").Output("a").Build())

	res, err := h.engine.Run(context.Background(), "wf", "", nil)
	require.NoError(t, err)
	assert.Equal(t, core.NodeFailed, res.Status("m"))
	assert.ErrorIs(t, res.Nodes["m"].Err, core.ErrNotFound)
	assert.True(t, res.Partial())
}

func TestRunUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.Run(context.Background(), "nope", "", nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
	var stage *core.StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, core.StageResolution, stage.Stage)
	require.NotNil(t, res)
	assert.True(t, res.Report.Finalized())
	assert.False(t, res.Report.Success())
}

func TestRunAICallBudgetAndUsage(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.MaxAICalls = 1 })
	require.NoError(t, h.set.Nodes.Register(testutil.NewNodeBuilder("ask").AI("tell me {{.topic}}").Build()))
	h.workflow(t, testutil.NewWorkflowBuilder("one").Node("q", "ask").Build())
	h.workflow(t, testutil.NewWorkflowBuilder("two").Node("q1", "ask").Node("q2", "ask").Edge("q1", "q2").Build())

	res, err := h.engine.Run(context.Background(), "one", "", map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Positive(t, res.Usage.TotalTokens)
	assert.Equal(t, res.Usage, res.Report.TotalUsage())

	res, err = h.engine.Run(context.Background(), "two", "", map[string]any{"topic": "go"})
	require.Error(t, err)
	assert.Equal(t, core.NodeSucceeded, res.Status("q1"))
	assert.Equal(t, core.NodeFailed, res.Status("q2"))
	assert.Contains(t, res.Nodes["q2"].Err.Error(), "exceeded max ai calls")
}

func TestRunParallelLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.MaxParallelNodes = 1 })
	b := testutil.NewWorkflowBuilder("wide")
	for i := range 5 {
		id := fmt.Sprintf("n%d", i)
		h.node(t, id, "record", nil)
		b.Node(id, id).Edge(id, "sink")
	}
	h.node(t, "sink", "record", nil)
	h.workflow(t, b.Node("sink", "sink").Build())

	res, err := h.engine.Run(context.Background(), "wide", "", nil)
	require.NoError(t, err)
	assert.Len(t, res.Output, 6)
	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4", "sink"}, h.calls(), "one at a time in topological order")
}

func TestRunConcurrentRuns(t *testing.T) {
	h := newHarness(t)
	h.node(t, "a", "record", nil)
	h.node(t, "b", "record", nil)
	h.workflow(t, testutil.NewWorkflowBuilder("ab").Node("a", "a").Node("b", "b").Edge("a", "b").Build())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Run(context.Background(), "ab", "", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, h.calls(), 40)
}
