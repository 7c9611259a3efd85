package engine

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/NiccoloCase/cognitive-workflow/core"
)

// Graph is a validated workflow: keys, edges with compiled conditions, the
// stable topological order and the output node.
type Graph struct {
	WorkflowID string
	Version    string
	// Keys lists node keys in declaration order.
	Keys []string
	// Order is the topological order, ties broken by declaration order.
	Order []string
	// Output is the key of the node whose value is the run's result.
	Output string

	refs      map[string]core.NodeRef
	in        map[string][]edge
	out       map[string][]string
	ancestors map[string]map[string]bool
}

type edge struct {
	core.Edge
	prg cel.Program
}

// Ref returns the node reference behind key.
func (g *Graph) Ref(key string) core.NodeRef { return g.refs[key] }

// Upstream returns the direct upstream keys of key in edge-declaration order.
func (g *Graph) Upstream(key string) []string {
	out := make([]string, 0, len(g.in[key]))
	for _, e := range g.in[key] {
		out = append(out, e.From)
	}
	return out
}

// Downstream returns the direct downstream keys of key in edge-declaration order.
func (g *Graph) Downstream(key string) []string { return slices.Clone(g.out[key]) }

// Compile validates def and builds its Graph. It rejects unknown or duplicate
// keys, cycles, conditions that do not compile and an ambiguous output node.
func Compile(def core.WorkflowDefinition) (*Graph, error) {
	invalid := func(reason string, err error) error {
		return &core.InvalidDefinitionError{ID: def.ID, Reason: reason, Err: err}
	}
	if len(def.Nodes) == 0 {
		return nil, invalid("workflow has no nodes", nil)
	}

	g := &Graph{
		WorkflowID: def.ID,
		Version:    def.Version,
		refs:       make(map[string]core.NodeRef, len(def.Nodes)),
		in:         make(map[string][]edge),
		out:        make(map[string][]string),
		ancestors:  make(map[string]map[string]bool, len(def.Nodes)),
	}
	for _, ref := range def.Nodes {
		if ref.Key == "" || ref.NodeID == "" {
			return nil, invalid("node reference requires key and node_id", nil)
		}
		if _, dup := g.refs[ref.Key]; dup {
			return nil, invalid(fmt.Sprintf("duplicate node key %q", ref.Key), nil)
		}
		g.refs[ref.Key] = ref
		g.Keys = append(g.Keys, ref.Key)
	}

	seen := make(map[[2]string]bool, len(def.Edges))
	for _, e := range def.Edges {
		if _, ok := g.refs[e.From]; !ok {
			return nil, invalid(fmt.Sprintf("edge references unknown node %q", e.From), nil)
		}
		if _, ok := g.refs[e.To]; !ok {
			return nil, invalid(fmt.Sprintf("edge references unknown node %q", e.To), nil)
		}
		pair := [2]string{e.From, e.To}
		if seen[pair] {
			return nil, invalid(fmt.Sprintf("duplicate edge %s->%s", e.From, e.To), nil)
		}
		seen[pair] = true

		ce := edge{Edge: e}
		if e.Condition != "" {
			prg, err := conditions.program(e.Condition)
			if err != nil {
				return nil, invalid("edge condition", &core.ConditionError{From: e.From, To: e.To, Expression: e.Condition, Err: err})
			}
			ce.prg = prg
		}
		g.in[e.To] = append(g.in[e.To], ce)
		g.out[e.From] = append(g.out[e.From], e.To)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.Order = order

	for _, key := range g.Order {
		anc := make(map[string]bool)
		for _, e := range g.in[key] {
			anc[e.From] = true
			for a := range g.ancestors[e.From] {
				anc[a] = true
			}
		}
		g.ancestors[key] = anc
	}

	switch {
	case def.Output != "":
		if _, ok := g.refs[def.Output]; !ok {
			return nil, invalid(fmt.Sprintf("output references unknown node %q", def.Output), nil)
		}
		g.Output = def.Output
	default:
		var sinks []string
		for _, k := range g.Keys {
			if len(g.out[k]) == 0 {
				sinks = append(sinks, k)
			}
		}
		if len(sinks) != 1 {
			return nil, invalid(fmt.Sprintf("output node is ambiguous among %v; set output", sinks), nil)
		}
		g.Output = sinks[0]
	}
	return g, nil
}

// topoSort is Kahn's algorithm; among nodes whose dependencies are met, the
// one declared first goes next.
func (g *Graph) topoSort() ([]string, error) {
	indeg := make(map[string]int, len(g.Keys))
	for _, k := range g.Keys {
		indeg[k] = len(g.in[k])
	}

	order := make([]string, 0, len(g.Keys))
	done := make(map[string]bool, len(g.Keys))
	for len(order) < len(g.Keys) {
		next := ""
		for _, k := range g.Keys {
			if !done[k] && indeg[k] == 0 {
				next = k
				break
			}
		}
		if next == "" {
			var stuck []string
			for _, k := range g.Keys {
				if !done[k] {
					stuck = append(stuck, k)
				}
			}
			return nil, &core.CycleError{WorkflowID: g.WorkflowID, Keys: stuck}
		}
		done[next] = true
		order = append(order, next)
		for _, to := range g.out[next] {
			indeg[to]--
		}
	}
	return order, nil
}

// programCache compiles each distinct condition expression once per process.
type programCache struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

var conditions = newProgramCache()

func newProgramCache() *programCache {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("outputs", cel.DynType),
		cel.Variable("source", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		panic(fmt.Sprintf("engine: create CEL environment: %v", err))
	}
	return &programCache{env: env, cache: make(map[string]cel.Program)}
}

func (c *programCache) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok = c.cache[expr]; ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition must be boolean, got %s", t)
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.cache[expr] = prg
	return prg, nil
}

// evaluate runs a compiled condition.
func (e edge) evaluate(vars map[string]any) (bool, error) {
	if e.prg == nil {
		return true, nil
	}
	out, _, err := e.prg.Eval(vars)
	if err != nil {
		return false, &core.ConditionError{From: e.From, To: e.To, Expression: e.Condition, Err: err}
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, &core.ConditionError{From: e.From, To: e.To, Expression: e.Condition, Err: fmt.Errorf("result %v is not a bool", out.Value())}
	}
	return val, nil
}

// plain converts v to the JSON data model (maps, slices, float64, string,
// bool) that the CEL type adapter understands natively.
func plain(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
