package registry

import (
	"iter"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/logging"
)

// SetOptions configures a Set.
type SetOptions struct {
	ValidateNode     func(def core.NodeDefinition) error
	ValidateWorkflow func(def core.WorkflowDefinition) error
	Logger           logging.Logger
}

// Set bundles the node and workflow registries of one runtime.
type Set struct {
	Nodes     *Registry[core.NodeDefinition]
	Workflows *Registry[core.WorkflowDefinition]
}

// NewSet creates empty node and workflow registries. Node definitions always
// have their capability union checked on registration.
func NewSet(optFns ...func(o *SetOptions)) *Set {
	opts := SetOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	nodes := New[core.NodeDefinition](core.KindNode, func(o *Options) {
		o.Logger = opts.Logger
		o.Validate = func(inst core.Instance) error {
			def := inst.(core.NodeDefinition)
			if err := def.Capability.Validate(); err != nil {
				return err
			}
			if opts.ValidateNode != nil {
				return opts.ValidateNode(def)
			}
			return nil
		}
	})
	workflows := New[core.WorkflowDefinition](core.KindWorkflow, func(o *Options) {
		o.Logger = opts.Logger
		if opts.ValidateWorkflow != nil {
			o.Validate = func(inst core.Instance) error {
				return opts.ValidateWorkflow(inst.(core.WorkflowDefinition))
			}
		}
	})

	return &Set{Nodes: nodes, Workflows: workflows}
}

// List yields the metadata of every instance of the given kind, nodes before
// workflows when kind is empty.
func (s *Set) List(kind core.InstanceKind, filter Filter) iter.Seq[core.Metadata] {
	return func(yield func(core.Metadata) bool) {
		if kind == "" || kind == core.KindNode {
			for def := range s.Nodes.List(filter) {
				if !yield(def.Metadata) {
					return
				}
			}
		}
		if kind == "" || kind == core.KindWorkflow {
			for def := range s.Workflows.List(filter) {
				if !yield(def.Metadata) {
					return
				}
			}
		}
	}
}
