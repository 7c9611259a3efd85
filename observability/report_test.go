package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/logging"
)

func sampleTree(t *testing.T) *Report {
	t.Helper()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	root := StartAt(KindRequest, "route", t0)
	intent := StartAt(KindIntentDetection, "detect", t0)
	require.NoError(t, intent.SetPayload(IntentPayload{Request: "refund please", Outcome: "matched", IntentID: "refund", Score: 0.9, Threshold: 0.5,
		Candidates: []Candidate{{IntentID: "refund", Label: "Refund", Score: 0.9}}}))
	require.NoError(t, intent.AddUsage(core.TokenUsage{PromptTokens: 2, TotalTokens: 2}))
	require.NoError(t, intent.FinishAt(t0.Add(5*time.Millisecond), nil))

	wf := StartAt(KindWorkflow, "refund-flow", t0.Add(5*time.Millisecond))
	node := StartAt(KindNode, "draft", t0.Add(6*time.Millisecond))
	require.NoError(t, node.SetPayload(NodePayload{NodeKey: "draft", NodeID: "draft-reply", Status: core.NodeSucceeded, Attempts: 1}))
	require.NoError(t, node.AddUsage(core.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
	require.NoError(t, node.FinishAt(t0.Add(20*time.Millisecond), nil))
	require.NoError(t, wf.AddChild(node))
	require.NoError(t, wf.FinishAt(t0.Add(21*time.Millisecond), nil))

	require.NoError(t, root.AddChild(intent))
	require.NoError(t, root.AddChild(wf))
	require.NoError(t, root.FinishAt(t0.Add(1500*time.Millisecond), nil))
	return root
}

func TestReportFinalizeIsTerminal(t *testing.T) {
	r := Start(KindNode, "n")
	require.NoError(t, r.Finish(errors.New("boom")))

	assert.True(t, r.Finalized())
	assert.False(t, r.Success())
	assert.Equal(t, "boom", r.ErrorMessage())
	assert.GreaterOrEqual(t, r.Duration(), time.Duration(0))

	assert.ErrorIs(t, r.Finish(nil), ErrFinalized)
	assert.ErrorIs(t, r.AddUsage(core.TokenUsage{TotalTokens: 1}), ErrFinalized)
	assert.ErrorIs(t, r.AddChild(Start(KindNode, "c")), ErrFinalized)
	assert.ErrorIs(t, r.SetPayload(NodePayload{}), ErrFinalized)
	assert.Equal(t, core.TokenUsage{}, r.Usage())
	assert.False(t, r.Success(), "outcome unchanged")
}

func TestReportPayloadKindMustMatch(t *testing.T) {
	r := Start(KindNode, "n")
	assert.Error(t, r.SetPayload(WorkflowPayload{}))
	assert.NoError(t, r.SetPayload(NodePayload{NodeKey: "n"}))
}

func TestReportTotalsAndNavigation(t *testing.T) {
	root := sampleTree(t)
	assert.Equal(t, core.TokenUsage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17}, root.TotalUsage())
	assert.Equal(t, core.TokenUsage{}, root.Usage())

	n := root.Find(KindNode, "draft")
	require.NotNil(t, n)
	assert.Equal(t, 14*time.Millisecond, n.Duration())
	assert.Nil(t, root.Find(KindNode, "missing"))

	var kinds []Kind
	root.Walk(func(r *Report, depth int) bool {
		kinds = append(kinds, r.Kind())
		return true
	})
	assert.Equal(t, []Kind{KindRequest, KindIntentDetection, KindWorkflow, KindNode}, kinds)
}

func TestReportJSON(t *testing.T) {
	raw, err := json.Marshal(sampleTree(t))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "request", doc["kind"])
	assert.EqualValues(t, 1500, doc["duration_ms"])
	children := doc["children"].([]any)
	require.Len(t, children, 2)
	intent := children[0].(map[string]any)
	payload := intent["payload"].(map[string]any)
	assert.Equal(t, "refund please", payload["request"])
	assert.Len(t, payload["similar_intents"], 1)
	usage := intent["usage"].(map[string]any)
	assert.EqualValues(t, 0, usage["completion_tokens"], "zero usage is present, not omitted")
}

func TestMemorySinkRejectsUnfinished(t *testing.T) {
	s := NewMemorySink()
	assert.ErrorIs(t, s.Emit(context.Background(), Start(KindRequest, "r")), ErrNotFinalized)
	assert.Nil(t, s.Last())

	r := sampleTree(t)
	require.NoError(t, s.Emit(context.Background(), r))
	assert.Same(t, r, s.Last())
	assert.Len(t, s.Reports(), 1)
}

func TestLogSink(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.NewSlogAdapter(slog.New(slog.NewJSONHandler(buf, nil)))
	require.NoError(t, NewLogSink(logger).Emit(context.Background(), sampleTree(t)))

	line := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "observability.report", line["msg"])
	assert.EqualValues(t, 17, line["total_tokens"])
	assert.NotNil(t, line["report"])
}

func TestMultiSinkAttemptsAll(t *testing.T) {
	mem := NewMemorySink()
	failing := SinkFunc(func(context.Context, *Report) error { return errors.New("down") })
	err := MultiSink{failing, mem}.Emit(context.Background(), sampleTree(t))
	assert.EqualError(t, err, "down")
	assert.Len(t, mem.Reports(), 1)
}

func TestOTelSinkReplaysTree(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	sink, err := NewOTelSink(tp, nil)
	require.NoError(t, err)

	root := sampleTree(t)
	require.NoError(t, sink.Emit(context.Background(), root))

	spans := exporter.GetSpans()
	require.Len(t, spans, 4)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	req := byName["request route"]
	node := byName["node draft"]
	wf := byName["workflow refund-flow"]

	assert.Equal(t, root.StartedAt(), req.StartTime)
	assert.Equal(t, root.StartedAt().Add(1500*time.Millisecond), req.EndTime)
	assert.Equal(t, wf.SpanContext.SpanID(), node.Parent.SpanID())
	assert.Equal(t, req.SpanContext.TraceID(), node.SpanContext.TraceID())

	var total int64
	for _, kv := range node.Attributes {
		if kv.Key == "cogflow.tokens.total" {
			total = kv.Value.AsInt64()
		}
	}
	assert.EqualValues(t, 15, total)

	assert.ErrorIs(t, sink.Emit(context.Background(), Start(KindRequest, "x")), ErrNotFinalized)
}
