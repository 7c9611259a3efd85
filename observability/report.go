package observability

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/NiccoloCase/cognitive-workflow/core"
)

// ErrFinalized is returned by every mutator once a report has been finished.
var ErrFinalized = errors.New("report already finalized")

// Kind identifies the pipeline stage a report describes.
type Kind string

const (
	KindRequest         Kind = "request"
	KindIntentDetection Kind = "intent_detection"
	KindWorkflow        Kind = "workflow"
	KindNode            Kind = "node"
)

// Payload is the stage-specific body of a report. Implementations are the
// four payload types of this package.
type Payload interface {
	kind() Kind
}

// RequestPayload describes one inbound request end to end.
type RequestPayload struct {
	Text            string `json:"text"`
	Outcome         string `json:"outcome"`
	WorkflowID      string `json:"workflow_id,omitempty"`
	WorkflowVersion string `json:"workflow_version,omitempty"`
	RunID           string `json:"run_id,omitempty"`
}

func (RequestPayload) kind() Kind { return KindRequest }

// Candidate is one scored intent considered during detection.
type Candidate struct {
	IntentID string  `json:"intent_id"`
	Label    string  `json:"label"`
	Score    float64 `json:"score"`
}

// IntentPayload records the routing decision and the similar intents considered.
type IntentPayload struct {
	Request         string      `json:"request"`
	Outcome         string      `json:"outcome"`
	IntentID        string      `json:"intent_id,omitempty"`
	Score           float64     `json:"score"`
	Threshold       float64     `json:"threshold"`
	WorkflowID      string      `json:"workflow_id,omitempty"`
	WorkflowVersion string      `json:"workflow_version,omitempty"`
	Candidates      []Candidate `json:"similar_intents"`
}

func (IntentPayload) kind() Kind { return KindIntentDetection }

// WorkflowPayload records one workflow run.
type WorkflowPayload struct {
	RunID      string                     `json:"run_id"`
	WorkflowID string                     `json:"workflow_id"`
	Version    string                     `json:"version"`
	Order      []string                   `json:"order"`
	Statuses   map[string]core.NodeStatus `json:"statuses"`
	OutputKey  string                     `json:"output_key"`
	Output     map[string]any             `json:"output,omitempty"`
}

func (WorkflowPayload) kind() Kind { return KindWorkflow }

// NodePayload records one node of a workflow run.
type NodePayload struct {
	NodeKey    string          `json:"node_key"`
	NodeID     string          `json:"node_id"`
	Version    string          `json:"version,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Status     core.NodeStatus `json:"status"`
	Attempts   int             `json:"attempts"`
	Input      map[string]any  `json:"input,omitempty"`
	Output     map[string]any  `json:"output,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

func (NodePayload) kind() Kind { return KindNode }

// Report is one node of the observability tree. A report is created when its
// stage starts, stamped with a duration by Finish, and immutable afterwards.
type Report struct {
	mu sync.Mutex

	id        string
	kind      Kind
	name      string
	startedAt time.Time
	duration  time.Duration
	success   bool
	err       string
	usage     core.TokenUsage
	payload   Payload
	children  []*Report
	finalized bool
}

// Start creates a report for a stage beginning now.
func Start(kind Kind, name string) *Report {
	return StartAt(kind, name, time.Now())
}

// StartAt creates a report for a stage that began at t.
func StartAt(kind Kind, name string, t time.Time) *Report {
	return &Report{id: core.NewID(), kind: kind, name: name, startedAt: t}
}

// SetPayload replaces the stage payload. The payload kind must match the report kind.
func (r *Report) SetPayload(p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	if p != nil && p.kind() != r.kind {
		return errors.New("payload kind " + string(p.kind()) + " does not match report kind " + string(r.kind))
	}
	r.payload = p
	return nil
}

// AddUsage adds u to the stage's token usage.
func (r *Report) AddUsage(u core.TokenUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	r.usage = r.usage.Add(u)
	return nil
}

// AddChild appends a sub-stage report.
func (r *Report) AddChild(c *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	r.children = append(r.children, c)
	return nil
}

// Finish stamps the duration and outcome. err == nil marks success.
func (r *Report) Finish(err error) error {
	return r.FinishAt(time.Now(), err)
}

// FinishAt is Finish with an explicit end time.
func (r *Report) FinishAt(end time.Time, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	r.duration = end.Sub(r.startedAt)
	if r.duration < 0 {
		r.duration = 0
	}
	r.success = err == nil
	if err != nil {
		r.err = err.Error()
	}
	r.finalized = true
	return nil
}

// ID returns the report identifier.
func (r *Report) ID() string { return r.id }

// Kind returns the stage kind.
func (r *Report) Kind() Kind { return r.kind }

// Name returns the stage name.
func (r *Report) Name() string { return r.name }

// StartedAt returns when the stage began.
func (r *Report) StartedAt() time.Time { return r.startedAt }

// Duration returns the stamped duration (zero until finished).
func (r *Report) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duration
}

// Success reports whether the stage finished without error.
func (r *Report) Success() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.success
}

// ErrorMessage returns the failure message, if any.
func (r *Report) ErrorMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Usage returns the stage's own token usage.
func (r *Report) Usage() core.TokenUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

// Payload returns the stage payload.
func (r *Report) Payload() Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload
}

// Finalized reports whether Finish has been called.
func (r *Report) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// Children returns a copy of the child list.
func (r *Report) Children() []*Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Report(nil), r.children...)
}

// TotalUsage sums the usage of r and all descendants.
func (r *Report) TotalUsage() core.TokenUsage {
	total := r.Usage()
	for _, c := range r.Children() {
		total = total.Add(c.TotalUsage())
	}
	return total
}

// Walk visits r and its descendants depth first, parents before children.
func (r *Report) Walk(fn func(r *Report, depth int) bool) {
	r.walk(fn, 0)
}

func (r *Report) walk(fn func(r *Report, depth int) bool, depth int) bool {
	if !fn(r, depth) {
		return false
	}
	for _, c := range r.Children() {
		if !c.walk(fn, depth+1) {
			return false
		}
	}
	return true
}

// Find returns the first descendant (or r itself) of the given kind and name.
func (r *Report) Find(kind Kind, name string) *Report {
	var found *Report
	r.Walk(func(n *Report, _ int) bool {
		if n.kind == kind && n.name == name {
			found = n
			return false
		}
		return true
	})
	return found
}

type reportJSON struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Name       string          `json:"name"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Usage      core.TokenUsage `json:"usage"`
	Payload    Payload         `json:"payload,omitempty"`
	Children   []*Report       `json:"children,omitempty"`
}

// MarshalJSON renders the report tree with durations in whole milliseconds.
func (r *Report) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	out := reportJSON{
		ID:         r.id,
		Kind:       r.kind,
		Name:       r.name,
		StartedAt:  r.startedAt,
		DurationMS: r.duration.Milliseconds(),
		Success:    r.success,
		Error:      r.err,
		Usage:      r.usage,
		Payload:    r.payload,
		Children:   append([]*Report(nil), r.children...),
	}
	r.mu.Unlock()
	return json.Marshal(out)
}
