package cognitiveworkflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiccoloCase/cognitive-workflow/catalog"
	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/engine"
	"github.com/NiccoloCase/cognitive-workflow/intent"
	"github.com/NiccoloCase/cognitive-workflow/internal/testutil"
	"github.com/NiccoloCase/cognitive-workflow/model"
	"github.com/NiccoloCase/cognitive-workflow/node"
	"github.com/NiccoloCase/cognitive-workflow/observability"
)

// keywordEmbedder sets one dimension per keyword found in the text, so
// similarity in tests is exact and predictable.
type keywordEmbedder struct {
	mu       sync.Mutex
	keywords []string
	err      error
}

func (k *keywordEmbedder) Embed(_ context.Context, texts []string) (*model.Embedding, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return nil, k.err
	}
	out := &model.Embedding{}
	for _, text := range texts {
		vec := make([]float64, len(k.keywords))
		for i, kw := range k.keywords {
			if strings.Contains(strings.ToLower(text), kw) {
				vec[i] = 1
			}
		}
		out.Vectors = append(out.Vectors, vec)
		out.Usage.PromptTokens += len(strings.Fields(text))
	}
	out.Usage.TotalTokens = out.Usage.PromptTokens
	return out, nil
}

func (k *keywordEmbedder) fail(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.err = err
}

func failTransform(context.Context, map[string]any, map[string]any) (map[string]any, error) {
	return nil, errors.New("audit store offline")
}

func supportSnapshot() *catalog.Snapshot {
	return &catalog.Snapshot{
		Nodes: []core.NodeDefinition{
			testutil.NewNodeBuilder("classify").Transform("set", map[string]any{"values": map[string]any{"category": "refund"}}).Build(),
			testutil.NewNodeBuilder("reply").Transform("template", map[string]any{"template": "Refund: {{.text}} ({{.category}})"}).Build(),
			testutil.NewNodeBuilder("audit").Transform("fail", nil).Build(),
		},
		Workflows: []core.WorkflowDefinition{
			testutil.NewWorkflowBuilder("refund-flow").Node("c", "classify").Node("r", "reply").Edge("c", "r").Build(),
			testutil.NewWorkflowBuilder("track-flow").Node("r", "reply").Node("a", "audit").Output("r").Build(),
			testutil.NewWorkflowBuilder("invoice-flow").Node("a", "audit").Build(),
		},
		Intents: []core.IntentDefinition{
			testutil.Intent("refund", "refund-flow", "refund"),
			testutil.Intent("track", "track-flow", "track"),
			testutil.Intent("invoice", "invoice-flow", "invoice"),
		},
	}
}

func newSystem(t *testing.T, optFns ...func(o *Options)) (*System, *keywordEmbedder, *observability.MemorySink) {
	t.Helper()
	emb := &keywordEmbedder{keywords: []string{"refund", "track", "invoice"}}
	sink := observability.NewMemorySink()
	sys, err := New(append([]func(o *Options){func(o *Options) {
		o.Embedder = emb
		o.Sink = sink
		o.Transforms = map[string]node.TransformFunc{"fail": failTransform}
		o.MaxConcurrentRuns = 4
	}}, optFns...)...)
	require.NoError(t, err)
	require.NoError(t, sys.Reload(context.Background(), supportSnapshot()))
	return sys, emb, sink
}

func TestNewRequiresEmbedder(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestRouteAndRunSucceeded(t *testing.T) {
	sys, _, sink := newSystem(t)

	res, err := sys.RouteAndRun(context.Background(), "Please refund my order")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "refund", res.Detection.Intent.ID)
	assert.Equal(t, map[string]any{"text": "Refund: Please refund my order (refund)"}, res.Output)
	require.NotNil(t, res.Workflow)
	assert.Equal(t, []string{"c", "r"}, res.Workflow.Order)

	// detection embedded four words of the request
	assert.Equal(t, 4, res.Usage.TotalTokens)

	require.Len(t, sink.Reports(), 1)
	report := sink.Last()
	assert.Same(t, res.Report, report)
	assert.True(t, report.Finalized())
	assert.True(t, report.Success())
	children := report.Children()
	require.Len(t, children, 2)
	assert.Equal(t, observability.KindIntentDetection, children[0].Kind())
	assert.Equal(t, observability.KindWorkflow, children[1].Kind())
	assert.Len(t, children[1].Children(), 2)

	payload := report.Payload().(observability.RequestPayload)
	assert.Equal(t, "succeeded", payload.Outcome)
	assert.Equal(t, "refund-flow", payload.WorkflowID)
	assert.Equal(t, res.Workflow.RunID, payload.RunID)
}

func TestRouteAndRunNoMatch(t *testing.T) {
	sys, _, sink := newSystem(t)

	res, err := sys.RouteAndRun(context.Background(), "good morning")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoMatch, res.Outcome)
	assert.Nil(t, res.Workflow)
	assert.Nil(t, res.Output)
	assert.Equal(t, intent.OutcomeNoConfidentMatch, res.Detection.Outcome)

	report := sink.Last()
	require.NotNil(t, report)
	assert.True(t, report.Success())
	require.Len(t, report.Children(), 1)
	assert.Equal(t, observability.KindIntentDetection, report.Children()[0].Kind())
}

func TestRouteAndRunPartialFailure(t *testing.T) {
	sys, _, _ := newSystem(t)

	res, err := sys.RouteAndRun(context.Background(), "track my parcel")
	require.NoError(t, err)
	assert.Equal(t, OutcomePartialFailure, res.Outcome)
	assert.Equal(t, core.NodeSucceeded, res.Workflow.Status("r"))
	assert.Equal(t, core.NodeFailed, res.Workflow.Status("a"))
	assert.NotNil(t, res.Output)
}

func TestRouteAndRunFailed(t *testing.T) {
	sys, _, sink := newSystem(t)

	res, err := sys.RouteAndRun(context.Background(), "send the invoice")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	var stage *core.StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, core.StageExecution, stage.Stage)
	assert.Equal(t, "a", stage.NodeKey)

	report := sink.Last()
	assert.False(t, report.Success())
	assert.Contains(t, report.ErrorMessage(), "audit store offline")
}

func TestRouteAndRunDetectionError(t *testing.T) {
	sys, emb, sink := newSystem(t)
	emb.fail(errors.New("embedding backend 503"))

	res, err := sys.RouteAndRun(context.Background(), "refund please")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, err, core.ErrEmbeddingUnavailable)

	var stage *core.StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, core.StageDetection, stage.Stage)

	report := sink.Last()
	require.Len(t, report.Children(), 1)
	assert.False(t, report.Children()[0].Success())
}

func TestRouteAndRunCancelledBeforeStart(t *testing.T) {
	sys, _, sink := newSystem(t, func(o *Options) { o.MaxConcurrentRuns = 1 })
	require.NoError(t, sys.acquire(context.Background()))
	defer sys.release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := sys.RouteAndRun(ctx, "refund")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, sink.Last().Finalized())
}

func TestRouteAndRunConcurrent(t *testing.T) {
	sys, _, sink := newSystem(t, func(o *Options) { o.MaxConcurrentRuns = 2 })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sys.RouteAndRun(context.Background(), "refund it")
			assert.NoError(t, err)
			assert.Equal(t, OutcomeSucceeded, res.Outcome)
		}()
	}
	wg.Wait()
	assert.Len(t, sink.Reports(), 10)
}

func TestRunWorkflow(t *testing.T) {
	sys, _, sink := newSystem(t)

	res, err := sys.RunWorkflow(context.Background(), "refund-flow", "", map[string]any{"text": "direct"})
	require.NoError(t, err)
	assert.Equal(t, "Refund: direct (refund)", res.Output["text"])
	assert.Equal(t, observability.KindWorkflow, sink.Last().Kind())

	_, err = sys.RunWorkflow(context.Background(), "missing", "", nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestReloadRejectsInvalidWorkflow(t *testing.T) {
	sys, _, _ := newSystem(t)

	bad := &catalog.Snapshot{
		Workflows: []core.WorkflowDefinition{
			testutil.NewWorkflowBuilder("loop").Node("a", "classify").Node("b", "reply").Edge("a", "b").Edge("b", "a").Build(),
		},
		Intents: []core.IntentDefinition{testutil.Intent("loop", "loop", "loop")},
	}
	err := sys.Reload(context.Background(), bad)
	var invalid *core.InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)

	// intents from the rejected snapshot were not applied
	assert.Equal(t, 3, sys.Catalog().Len())
	_, err = sys.Workflows().Resolve("loop", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestReloadIsAllOrNothing(t *testing.T) {
	sys, _, _ := newSystem(t)

	mixed := &catalog.Snapshot{
		Nodes: []core.NodeDefinition{
			testutil.NewNodeBuilder("greet").Transform("set", map[string]any{"values": map[string]any{"greeting": "hi"}}).Build(),
		},
		Workflows: []core.WorkflowDefinition{
			testutil.NewWorkflowBuilder("greet-flow").Node("g", "greet").Build(),
			testutil.NewWorkflowBuilder("loop").Node("a", "classify").Node("b", "reply").Edge("a", "b").Edge("b", "a").Build(),
		},
	}
	err := sys.Reload(context.Background(), mixed)
	var invalid *core.InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)

	_, err = sys.Nodes().Resolve("greet", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = sys.Workflows().Resolve("greet-flow", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 3, sys.Catalog().Len())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - id: greet
    version: 1.0.0
    capability:
      kind: transform
      transform:
        ref: template
        config:
          template: "Hello! You said: {{.text}}"
workflows:
  - id: greeting
    version: 1.0.0
    nodes:
      - key: g
        node_id: greet
intents:
  - id: hello
    label: Greeting
    utterances: ["refund"]
    workflow_id: greeting
`), 0o600))

	emb := &keywordEmbedder{keywords: []string{"refund"}}
	sys, err := New(func(o *Options) { o.Embedder = emb })
	require.NoError(t, err)
	require.NoError(t, sys.LoadFrom(context.Background(), catalog.NewFileSource(path)))

	res, err := sys.RouteAndRun(context.Background(), "refund")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "Hello! You said: refund", res.Output["text"])
}

func TestCallbacksReachEngine(t *testing.T) {
	cm := engine.NewCallbackManager()
	var mu sync.Mutex
	var keys []string
	cm.RegisterCallback(engine.NewFunctionCallback(engine.CallbackAfterNode, func(_ context.Context, cc *engine.CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, cc.NodeKey)
		return nil
	}))
	sys, _, _ := newSystem(t, func(o *Options) { o.Callbacks = cm })

	_, err := sys.RouteAndRun(context.Background(), "refund")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "r"}, keys)
}
