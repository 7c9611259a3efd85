package testutil

import (
	"github.com/NiccoloCase/cognitive-workflow/core"
)

// WorkflowBuilder helps construct workflow definitions for tests.
// Example:
//
//	wf := NewWorkflowBuilder("triage").Node("a", "fetch").Node("b", "draft").Edge("a", "b").Build()
type WorkflowBuilder struct {
	def core.WorkflowDefinition
}

// NewWorkflowBuilder starts an enabled workflow at version 1.0.0.
func NewWorkflowBuilder(id string) *WorkflowBuilder {
	return &WorkflowBuilder{def: core.WorkflowDefinition{
		Metadata: core.Metadata{ID: id, Version: "1.0.0", Kind: core.KindWorkflow, Enabled: true},
	}}
}

// Version sets the semantic version (chainable).
func (b *WorkflowBuilder) Version(v string) *WorkflowBuilder {
	b.def.Version = v
	return b
}

// Node adds a node ref bound to the latest version of nodeID (chainable).
func (b *WorkflowBuilder) Node(key, nodeID string) *WorkflowBuilder {
	return b.NodeVersion(key, nodeID, "")
}

// NodeVersion adds a node ref with an explicit version selector (chainable).
func (b *WorkflowBuilder) NodeVersion(key, nodeID, version string) *WorkflowBuilder {
	b.def.Nodes = append(b.def.Nodes, core.NodeRef{Key: key, NodeID: nodeID, Version: version})
	return b
}

// Edge adds an unconditional edge (chainable).
func (b *WorkflowBuilder) Edge(from, to string) *WorkflowBuilder {
	b.def.Edges = append(b.def.Edges, core.Edge{From: from, To: to})
	return b
}

// When adds an edge gated by a CEL condition (chainable).
func (b *WorkflowBuilder) When(from, to, condition string) *WorkflowBuilder {
	b.def.Edges = append(b.def.Edges, core.Edge{From: from, To: to, Condition: condition})
	return b
}

// Mapped adds an edge renaming fields, target -> source (chainable).
func (b *WorkflowBuilder) Mapped(from, to string, mapping map[string]string) *WorkflowBuilder {
	b.def.Edges = append(b.def.Edges, core.Edge{From: from, To: to, Mapping: mapping})
	return b
}

// Output sets the output node key (chainable).
func (b *WorkflowBuilder) Output(key string) *WorkflowBuilder {
	b.def.Output = key
	return b
}

// Build returns the definition.
func (b *WorkflowBuilder) Build() core.WorkflowDefinition {
	return b.def
}

// Intent builds an intent definition bound to workflowID.
func Intent(id, workflowID string, utterances ...string) core.IntentDefinition {
	return core.IntentDefinition{ID: id, Label: id, WorkflowID: workflowID, Utterances: utterances}
}
