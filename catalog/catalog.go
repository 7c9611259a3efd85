package catalog

import (
	"context"
	"fmt"

	"github.com/NiccoloCase/cognitive-workflow/core"
)

// Snapshot is a complete set of definitions loaded or persisted together.
type Snapshot struct {
	Nodes     []core.NodeDefinition     `json:"nodes" yaml:"nodes"`
	Workflows []core.WorkflowDefinition `json:"workflows" yaml:"workflows"`
	Intents   []core.IntentDefinition   `json:"intents" yaml:"intents"`
}

// Len returns the total number of definitions.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Nodes) + len(s.Workflows) + len(s.Intents)
}

// Merge appends the definitions of o to s.
func (s *Snapshot) Merge(o *Snapshot) {
	if o == nil {
		return
	}
	s.Nodes = append(s.Nodes, o.Nodes...)
	s.Workflows = append(s.Workflows, o.Workflows...)
	s.Intents = append(s.Intents, o.Intents...)
}

// Source loads a catalog snapshot.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// Store is a Source that can also persist snapshots. Save upserts: entries
// present in the store but absent from the snapshot are kept.
type Store interface {
	Source
	Save(ctx context.Context, snap *Snapshot) error
}

// normalize fills the instance kind and rejects definitions whose declared
// kind contradicts the section they appear in.
func normalize(snap *Snapshot) error {
	for i := range snap.Nodes {
		if err := fixKind(&snap.Nodes[i].Metadata, core.KindNode); err != nil {
			return err
		}
	}
	for i := range snap.Workflows {
		if err := fixKind(&snap.Workflows[i].Metadata, core.KindWorkflow); err != nil {
			return err
		}
	}
	return nil
}

func fixKind(m *core.Metadata, kind core.InstanceKind) error {
	switch m.Kind {
	case "":
		m.Kind = kind
	case kind:
	default:
		return &core.InvalidDefinitionError{ID: m.ID, Reason: fmt.Sprintf("kind %q listed under %ss", m.Kind, kind)}
	}
	return nil
}
