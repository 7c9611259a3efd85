package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/NiccoloCase/cognitive-workflow"

// OTelSink replays a finalized report tree as OpenTelemetry spans, keeping the
// original start and end timestamps, and records token and latency metrics.
type OTelSink struct {
	tracer   trace.Tracer
	tokens   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewOTelSink builds a sink from a tracer provider and an optional meter
// provider (nil disables metrics).
func NewOTelSink(tp trace.TracerProvider, mp metric.MeterProvider) (*OTelSink, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	tokens, err := meter.Int64Counter("cogflow.tokens.total",
		metric.WithDescription("AI tokens consumed per stage"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token counter: %w", err)
	}
	duration, err := meter.Float64Histogram("cogflow.stage.duration",
		metric.WithDescription("Stage latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return &OTelSink{tracer: tp.Tracer(instrumentationName), tokens: tokens, duration: duration}, nil
}

// Emit implements Sink.
func (s *OTelSink) Emit(ctx context.Context, r *Report) error {
	if !r.Finalized() {
		return ErrNotFinalized
	}
	s.export(ctx, r)
	return nil
}

func (s *OTelSink) export(ctx context.Context, r *Report) {
	usage := r.Usage()
	attrs := []attribute.KeyValue{
		attribute.String("cogflow.report.id", r.ID()),
		attribute.String("cogflow.stage", string(r.Kind())),
		attribute.Int("cogflow.tokens.prompt", usage.PromptTokens),
		attribute.Int("cogflow.tokens.completion", usage.CompletionTokens),
		attribute.Int("cogflow.tokens.total", usage.TotalTokens),
	}
	attrs = append(attrs, payloadAttributes(r.Payload())...)

	ctx, span := s.tracer.Start(ctx, string(r.Kind())+" "+r.Name(),
		trace.WithTimestamp(r.StartedAt()),
		trace.WithAttributes(attrs...),
	)
	if r.Success() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, r.ErrorMessage())
	}

	for _, c := range r.Children() {
		s.export(ctx, c)
	}

	stage := metric.WithAttributes(attribute.String("stage", string(r.Kind())), attribute.Bool("success", r.Success()))
	if usage.TotalTokens > 0 {
		s.tokens.Add(ctx, int64(usage.TotalTokens), stage)
	}
	s.duration.Record(ctx, float64(r.Duration().Microseconds())/1000, stage)

	span.End(trace.WithTimestamp(r.StartedAt().Add(r.Duration())))
}

func payloadAttributes(p Payload) []attribute.KeyValue {
	switch v := p.(type) {
	case RequestPayload:
		return []attribute.KeyValue{
			attribute.String("cogflow.outcome", v.Outcome),
			attribute.String("cogflow.workflow.id", v.WorkflowID),
		}
	case IntentPayload:
		return []attribute.KeyValue{
			attribute.String("cogflow.outcome", v.Outcome),
			attribute.String("cogflow.intent.id", v.IntentID),
			attribute.Float64("cogflow.intent.score", v.Score),
			attribute.Int("cogflow.intent.candidates", len(v.Candidates)),
		}
	case WorkflowPayload:
		return []attribute.KeyValue{
			attribute.String("cogflow.run.id", v.RunID),
			attribute.String("cogflow.workflow.id", v.WorkflowID),
			attribute.String("cogflow.workflow.version", v.Version),
		}
	case NodePayload:
		return []attribute.KeyValue{
			attribute.String("cogflow.node.key", v.NodeKey),
			attribute.String("cogflow.node.id", v.NodeID),
			attribute.String("cogflow.node.status", string(v.Status)),
			attribute.Int("cogflow.node.attempts", v.Attempts),
		}
	}
	return nil
}

// TracerConfig configures the OTLP trace exporter.
type TracerConfig struct {
	ServiceName  string
	OTLPEndpoint string // e.g. "localhost:4317"
	Insecure     bool
}

// NewTracerProvider creates a batching tracer provider exporting over OTLP/gRPC.
// Callers own Shutdown.
func NewTracerProvider(ctx context.Context, cfg TracerConfig) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
