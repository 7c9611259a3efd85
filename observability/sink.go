package observability

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/NiccoloCase/cognitive-workflow/logging"
)

// ErrNotFinalized is returned when a sink is handed a report still in progress.
var ErrNotFinalized = errors.New("report not finalized")

// Sink receives one complete, finalized report tree per request.
type Sink interface {
	Emit(ctx context.Context, r *Report) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r *Report) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, r *Report) error { return f(ctx, r) }

// NopSink drops every report.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, *Report) error { return nil }

// MemorySink keeps emitted reports in memory. Useful for tests and the CLI.
type MemorySink struct {
	mu      sync.Mutex
	reports []*Report
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Emit implements Sink.
func (m *MemorySink) Emit(_ context.Context, r *Report) error {
	if !r.Finalized() {
		return ErrNotFinalized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

// Reports returns the reports emitted so far.
func (m *MemorySink) Reports() []*Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Report(nil), m.reports...)
}

// Last returns the most recent report or nil.
func (m *MemorySink) Last() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reports) == 0 {
		return nil
	}
	return m.reports[len(m.reports)-1]
}

// LogSink writes a one-line summary of each report plus the full tree as JSON.
type LogSink struct {
	logger logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, r *Report) error {
	if !r.Finalized() {
		return ErrNotFinalized
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	usage := r.TotalUsage()
	args := []any{
		"report_id", r.ID(),
		"kind", string(r.Kind()),
		"name", r.Name(),
		"duration_ms", r.Duration().Milliseconds(),
		"success", r.Success(),
		"total_tokens", usage.TotalTokens,
		"report", json.RawMessage(raw),
	}
	if r.Success() {
		s.logger.Info("observability.report", args...)
	} else {
		s.logger.Warn("observability.report", append(args, "error", r.ErrorMessage())...)
	}
	return nil
}

// MultiSink fans a report out to several sinks. Every sink is attempted.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, r *Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
