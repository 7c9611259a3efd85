package core

import (
	"fmt"
	"time"
)

// InstanceKind is the closed set of runnable instance kinds tracked by the registry.
type InstanceKind string

const (
	// KindNode identifies a single executable step.
	KindNode InstanceKind = "node"
	// KindWorkflow identifies a graph of node references.
	KindWorkflow InstanceKind = "workflow"
)

// Valid reports whether k is one of the known kinds.
func (k InstanceKind) Valid() bool { return k == KindNode || k == KindWorkflow }

// Metadata is the common envelope carried by every instance definition.
type Metadata struct {
	ID          string            `json:"id" yaml:"id"`
	Version     string            `json:"version" yaml:"version"`
	Kind        InstanceKind      `json:"kind" yaml:"kind"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// Ref returns the (id, version) reference of the instance.
func (m Metadata) Ref() InstanceRef { return InstanceRef{ID: m.ID, Version: m.Version} }

// Instance is implemented by anything the registry can hold.
type Instance interface {
	Meta() Metadata
}

// InstanceRef identifies one concrete version of an instance.
type InstanceRef struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

func (r InstanceRef) String() string {
	if r.Version == "" {
		return r.ID
	}
	return fmt.Sprintf("%s@%s", r.ID, r.Version)
}

// CapabilityKind discriminates the two node capability variants.
type CapabilityKind string

const (
	// CapabilityAI delegates the node's work to an AI completion call.
	CapabilityAI CapabilityKind = "ai"
	// CapabilityTransform runs a deterministic, registered Go function.
	CapabilityTransform CapabilityKind = "transform"
)

// AISpec configures an AI-call capability.
type AISpec struct {
	// Model names the completion model (resolved against the configured model set).
	// Empty selects the default model.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// System is an optional system instruction.
	System string `json:"system,omitempty" yaml:"system,omitempty"`
	// Prompt is a text/template rendered against the node input.
	Prompt string `json:"prompt" yaml:"prompt"`
	// OutputKey is the output field receiving the completion text (default "text").
	OutputKey string `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	// JSONOutput parses the completion as a JSON object and uses it as the output.
	JSONOutput bool `json:"json_output,omitempty" yaml:"json_output,omitempty"`
	// MaxTokens caps the completion length (0 = provider default).
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// TransformSpec references a deterministic transform by registered name.
type TransformSpec struct {
	Ref    string         `json:"ref" yaml:"ref"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// CapabilitySpec is a tagged union over the capability variants. Exactly one of
// AI or Transform must be set, matching Kind.
type CapabilitySpec struct {
	Kind      CapabilityKind `json:"kind" yaml:"kind"`
	AI        *AISpec        `json:"ai,omitempty" yaml:"ai,omitempty"`
	Transform *TransformSpec `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Validate checks the union is consistent.
func (c CapabilitySpec) Validate() error {
	switch c.Kind {
	case CapabilityAI:
		if c.AI == nil || c.Transform != nil {
			return fmt.Errorf("capability %q requires exactly the ai block", c.Kind)
		}
		if c.AI.Prompt == "" {
			return fmt.Errorf("ai capability requires a prompt")
		}
	case CapabilityTransform:
		if c.Transform == nil || c.AI != nil {
			return fmt.Errorf("capability %q requires exactly the transform block", c.Kind)
		}
		if c.Transform.Ref == "" {
			return fmt.Errorf("transform capability requires a ref")
		}
	default:
		return fmt.Errorf("unknown capability kind %q", c.Kind)
	}
	return nil
}

// RetryPolicy tells the engine whether and how a failed node may be retried.
// Only retryable failures (see IsRetryable) are ever retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Backoff     time.Duration `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Multiplier  float64       `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// Attempts returns the total number of attempts allowed (at least one).
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before the given retry (attempt is 1-based, so the
// delay before the second attempt is Delay(1)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Backoff
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * m)
	}
	return d
}

// NodeDefinition describes one executable step.
type NodeDefinition struct {
	Metadata     `yaml:",inline"`
	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Capability   CapabilitySpec `json:"capability" yaml:"capability"`
	Timeout      time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry        RetryPolicy    `json:"retry,omitzero" yaml:"retry,omitempty"`
}

// Meta implements Instance.
func (d NodeDefinition) Meta() Metadata { return d.Metadata }

// NodeRef points a workflow graph slot at a node instance. Version may be an
// exact version, empty / "latest" for the active version, or a semver
// constraint such as "^1.2". Binding happens at execution time.
type NodeRef struct {
	Key     string `json:"key" yaml:"key"`
	NodeID  string `json:"node_id" yaml:"node_id"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Edge declares a data dependency From -> To. Condition is an optional CEL
// expression gating the edge; Mapping renames fields (target -> source field)
// when feeding the upstream output into the downstream input.
type Edge struct {
	From      string            `json:"from" yaml:"from"`
	To        string            `json:"to" yaml:"to"`
	Condition string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Mapping   map[string]string `json:"mapping,omitempty" yaml:"mapping,omitempty"`
}

// WorkflowDefinition is a DAG of node references.
type WorkflowDefinition struct {
	Metadata `yaml:",inline"`
	Nodes    []NodeRef `json:"nodes" yaml:"nodes"`
	Edges    []Edge    `json:"edges,omitempty" yaml:"edges,omitempty"`
	// Output is the key of the terminal node whose value is the run's result.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Meta implements Instance.
func (d WorkflowDefinition) Meta() Metadata { return d.Metadata }

// IntentDefinition is a labelled category of requests bound to a workflow.
type IntentDefinition struct {
	ID              string      `json:"id" yaml:"id"`
	Label           string      `json:"label" yaml:"label"`
	Description     string      `json:"description,omitempty" yaml:"description,omitempty"`
	Utterances      []string    `json:"utterances,omitempty" yaml:"utterances,omitempty"`
	Embeddings      [][]float64 `json:"embeddings,omitempty" yaml:"embeddings,omitempty"`
	WorkflowID      string      `json:"workflow_id" yaml:"workflow_id"`
	WorkflowVersion string      `json:"workflow_version,omitempty" yaml:"workflow_version,omitempty"`
}

// TokenUsage captures AI consumption attributable to one stage.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens" yaml:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" yaml:"completion_tokens"`
	TotalTokens      int `json:"total_tokens" yaml:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// NodeStatus is the per-node execution state within one workflow run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}
