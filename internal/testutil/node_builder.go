package testutil

import (
	"time"

	"github.com/NiccoloCase/cognitive-workflow/core"
)

// NodeBuilder helps construct node definitions with fluent chaining for tests.
// Example:
//
//	def := NewNodeBuilder("summarize").AI("Summarize {{.text}}").Output("summary", "string").Build()
type NodeBuilder struct {
	def core.NodeDefinition
}

// NewNodeBuilder starts an enabled node at version 1.0.0 running the identity transform.
func NewNodeBuilder(id string) *NodeBuilder {
	return &NodeBuilder{def: core.NodeDefinition{
		Metadata: core.Metadata{ID: id, Version: "1.0.0", Kind: core.KindNode, Enabled: true},
		Capability: core.CapabilitySpec{
			Kind:      core.CapabilityTransform,
			Transform: &core.TransformSpec{Ref: "identity"},
		},
	}}
}

// Version sets the semantic version (chainable).
func (b *NodeBuilder) Version(v string) *NodeBuilder {
	b.def.Version = v
	return b
}

// Disabled marks the node as not runnable (chainable).
func (b *NodeBuilder) Disabled() *NodeBuilder {
	b.def.Enabled = false
	return b
}

// Label adds a label (chainable).
func (b *NodeBuilder) Label(k, v string) *NodeBuilder {
	if b.def.Labels == nil {
		b.def.Labels = map[string]string{}
	}
	b.def.Labels[k] = v
	return b
}

// Transform switches the capability to the named transform (chainable).
func (b *NodeBuilder) Transform(ref string, config map[string]any) *NodeBuilder {
	b.def.Capability = core.CapabilitySpec{
		Kind:      core.CapabilityTransform,
		Transform: &core.TransformSpec{Ref: ref, Config: config},
	}
	return b
}

// AI switches the capability to an AI call with the given prompt template (chainable).
func (b *NodeBuilder) AI(prompt string) *NodeBuilder {
	b.def.Capability = core.CapabilitySpec{
		Kind: core.CapabilityAI,
		AI:   &core.AISpec{Prompt: prompt},
	}
	return b
}

// Input declares a required input field of the given JSON type (chainable).
func (b *NodeBuilder) Input(field, typ string) *NodeBuilder {
	b.def.InputSchema = addField(b.def.InputSchema, field, typ)
	return b
}

// Output declares a required output field of the given JSON type (chainable).
func (b *NodeBuilder) Output(field, typ string) *NodeBuilder {
	b.def.OutputSchema = addField(b.def.OutputSchema, field, typ)
	return b
}

// Timeout sets the AI call timeout (chainable).
func (b *NodeBuilder) Timeout(d time.Duration) *NodeBuilder {
	b.def.Timeout = d
	return b
}

// Retry sets the retry policy (chainable).
func (b *NodeBuilder) Retry(attempts int, backoff time.Duration) *NodeBuilder {
	b.def.Retry = core.RetryPolicy{MaxAttempts: attempts, Backoff: backoff}
	return b
}

// Build returns the definition.
func (b *NodeBuilder) Build() core.NodeDefinition {
	return b.def
}

func addField(schema map[string]any, field, typ string) map[string]any {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}, "required": []any{}}
	}
	schema["properties"].(map[string]any)[field] = map[string]any{"type": typ}
	schema["required"] = append(schema["required"].([]any), field)
	return schema
}
