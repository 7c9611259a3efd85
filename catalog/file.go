package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NiccoloCase/cognitive-workflow/core"
)

// FileSource reads and writes a YAML catalog document with top-level
// nodes, workflows and intents sections.
type FileSource struct {
	path string
}

// NewFileSource returns a FileSource for the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the backing file path.
func (f *FileSource) Path() string { return f.path }

// Load implements Source.
func (f *FileSource) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", f.path, err)
	}
	snap, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", f.path, err)
	}
	return snap, nil
}

// Save implements Store. The file is rewritten with the union of its current
// contents and snap, where snap wins on identical (kind, id, version).
func (f *FileSource) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	merged := &Snapshot{}
	if _, err := os.Stat(f.path); err == nil {
		existing, err := f.Load(ctx)
		if err != nil {
			return err
		}
		merged = existing
	}
	merged = upsert(merged, snap)

	data, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write catalog %s: %w", f.path, err)
	}
	return nil
}

type document struct {
	Nodes     []yaml.Node             `yaml:"nodes"`
	Workflows []yaml.Node             `yaml:"workflows"`
	Intents   []core.IntentDefinition `yaml:"intents"`
}

// Parse decodes a YAML catalog document. Instances that omit the enabled flag
// are enabled.
func Parse(data []byte) (*Snapshot, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	snap := &Snapshot{Intents: doc.Intents}
	for i := range doc.Nodes {
		var def core.NodeDefinition
		if err := decodeInstance(&doc.Nodes[i], &def, &def.Metadata); err != nil {
			return nil, fmt.Errorf("nodes[%d]: %w", i, err)
		}
		snap.Nodes = append(snap.Nodes, def)
	}
	for i := range doc.Workflows {
		var def core.WorkflowDefinition
		if err := decodeInstance(&doc.Workflows[i], &def, &def.Metadata); err != nil {
			return nil, fmt.Errorf("workflows[%d]: %w", i, err)
		}
		snap.Workflows = append(snap.Workflows, def)
	}
	if err := normalize(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func decodeInstance(n *yaml.Node, out any, meta *core.Metadata) error {
	if err := n.Decode(out); err != nil {
		return err
	}
	if !hasKey(n, "enabled") {
		meta.Enabled = true
	}
	return nil
}

func hasKey(n *yaml.Node, key string) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

// upsert returns base with every entry of add replacing its (kind, id,
// version) twin or appended at the end.
func upsert(base, add *Snapshot) *Snapshot {
	out := &Snapshot{
		Nodes:     append([]core.NodeDefinition(nil), base.Nodes...),
		Workflows: append([]core.WorkflowDefinition(nil), base.Workflows...),
		Intents:   append([]core.IntentDefinition(nil), base.Intents...),
	}
	if add == nil {
		return out
	}
	for _, def := range add.Nodes {
		out.Nodes = replaceOrAppend(out.Nodes, def, func(d core.NodeDefinition) bool { return d.Ref() == def.Ref() })
	}
	for _, def := range add.Workflows {
		out.Workflows = replaceOrAppend(out.Workflows, def, func(d core.WorkflowDefinition) bool { return d.Ref() == def.Ref() })
	}
	for _, def := range add.Intents {
		out.Intents = replaceOrAppend(out.Intents, def, func(d core.IntentDefinition) bool { return d.ID == def.ID })
	}
	return out
}

func replaceOrAppend[T any](s []T, v T, same func(T) bool) []T {
	for i := range s {
		if same(s[i]) {
			s[i] = v
			return s
		}
	}
	return append(s, v)
}
