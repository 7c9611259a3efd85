package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/internal/util"
	"github.com/NiccoloCase/cognitive-workflow/logging"
	"github.com/NiccoloCase/cognitive-workflow/model"
)

// DefaultTimeout bounds an AI call when neither the node nor the executor sets one.
const DefaultTimeout = 60 * time.Second

// Deps are the collaborators a node capability may resolve to.
type Deps struct {
	// Models maps AISpec.Model names to completion models.
	Models map[string]model.Model
	// DefaultModel is used when AISpec.Model is empty or not in Models.
	DefaultModel model.Model
	// Transforms maps TransformSpec.Ref names to functions.
	Transforms map[string]TransformFunc
	// Timeout is the AI call timeout for nodes that do not declare one.
	Timeout time.Duration
}

// Compiled is a node definition with its capability resolved and its schemas
// compiled. It is immutable and safe for concurrent use.
type Compiled struct {
	def    core.NodeDefinition
	input  *jsonschema.Schema
	output *jsonschema.Schema
	impl   capability
}

// Definition returns the source definition.
func (c *Compiled) Definition() core.NodeDefinition { return c.def }

// Compile resolves def's capability against deps and compiles its schemas.
func Compile(def core.NodeDefinition, deps Deps) (*Compiled, error) {
	if err := def.Capability.Validate(); err != nil {
		return nil, &core.InvalidDefinitionError{ID: def.ID, Reason: "capability", Err: err}
	}

	in, err := util.CompileSchema(def.ID+"-input", def.InputSchema)
	if err != nil {
		return nil, &core.InvalidDefinitionError{ID: def.ID, Reason: "input schema", Err: err}
	}
	out, err := util.CompileSchema(def.ID+"-output", def.OutputSchema)
	if err != nil {
		return nil, &core.InvalidDefinitionError{ID: def.ID, Reason: "output schema", Err: err}
	}

	c := &Compiled{def: def, input: in, output: out}

	switch def.Capability.Kind {
	case core.CapabilityAI:
		spec := *def.Capability.AI
		m := deps.Models[spec.Model]
		if m == nil {
			m = deps.DefaultModel
		}
		if m == nil {
			return nil, &core.InvalidDefinitionError{ID: def.ID, Reason: fmt.Sprintf("no model available for %q", spec.Model)}
		}
		timeout := def.Timeout
		if timeout <= 0 {
			timeout = deps.Timeout
		}
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.impl = &aiCapability{nodeID: def.ID, model: m, spec: spec, timeout: timeout}
	case core.CapabilityTransform:
		spec := def.Capability.Transform
		fn, ok := deps.Transforms[spec.Ref]
		if !ok {
			return nil, &core.InvalidDefinitionError{ID: def.ID, Reason: fmt.Sprintf("unknown transform %q", spec.Ref)}
		}
		c.impl = &transformCapability{ref: spec.Ref, fn: fn, config: spec.Config}
	}
	return c, nil
}

// Result is the outcome of one node execution.
type Result struct {
	Output   map[string]any
	Usage    core.TokenUsage
	Duration time.Duration
}

// Options configures an Executor.
type Options struct {
	Models       map[string]model.Model
	DefaultModel model.Model
	// Transforms registered in addition to the built-ins.
	Transforms map[string]TransformFunc
	// Timeout is the default AI call timeout.
	Timeout time.Duration
	Logger  logging.Logger
}

// Executor runs node instances. Compiled nodes are cached per (id, version)
// together with a fingerprint of the definition; a re-registered definition
// recompiles and replaces its entry, so the cache holds at most one entry per
// version ever executed.
type Executor struct {
	deps   Deps
	logger logging.Logger

	mu    sync.RWMutex
	cache map[core.InstanceRef]cached
}

type cached struct {
	fingerprint string
	compiled    *Compiled
}

// NewExecutor creates an Executor. Built-in transforms are always available;
// Options.Transforms entries override them by name.
func NewExecutor(optFns ...func(o *Options)) *Executor {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	transforms := Builtins()
	for name, fn := range opts.Transforms {
		transforms[name] = fn
	}

	return &Executor{
		deps: Deps{
			Models:       opts.Models,
			DefaultModel: opts.DefaultModel,
			Transforms:   transforms,
			Timeout:      opts.Timeout,
		},
		logger: logging.OrNop(opts.Logger),
		cache:  make(map[core.InstanceRef]cached),
	}
}

// Compile returns the cached compiled form of def, compiling it on first use.
func (e *Executor) Compile(def core.NodeDefinition) (*Compiled, error) {
	key, err := fingerprint(def)
	if err != nil {
		return nil, &core.InvalidDefinitionError{ID: def.ID, Reason: "fingerprint", Err: err}
	}

	ref := def.Ref()
	e.mu.RLock()
	hit, ok := e.cache[ref]
	e.mu.RUnlock()
	if ok && hit.fingerprint == key {
		return hit.compiled, nil
	}

	c, err := Compile(def, e.deps)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[ref] = cached{fingerprint: key, compiled: c}
	e.mu.Unlock()
	return c, nil
}

// Execute validates input against the node's input schema, invokes its
// capability and validates the output. Capability failures are wrapped in
// *core.ExecutionError; shape violations are *core.SchemaMismatchError.
// On failure the returned Result may still be non-nil, carrying the tokens
// that were consumed.
func (e *Executor) Execute(ctx context.Context, def core.NodeDefinition, input map[string]any) (*Result, error) {
	c, err := e.Compile(def)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, c, input)
}

// Run executes an already compiled node.
func (e *Executor) Run(ctx context.Context, c *Compiled, input map[string]any) (*Result, error) {
	id := c.def.ID
	if input == nil {
		input = map[string]any{}
	}

	if err := util.ValidateValue(c.input, input); err != nil {
		e.logger.Warn("node.input.invalid", "node_id", id, "error", err.Error())
		return nil, &core.SchemaMismatchError{NodeID: id, Direction: "input", Err: err}
	}

	start := time.Now()
	out, usage, err := safeInvoke(ctx, c.impl, input)
	res := &Result{Output: out, Usage: usage, Duration: time.Since(start)}

	var pe *panicError
	if errors.As(err, &pe) {
		e.logger.Error("node.capability.panic", "node_id", id, "recover", fmt.Sprint(pe.val), "stack", string(pe.stack))
	}
	e.logger.Info(
		"node.executed",
		"node_id", id,
		"version", c.def.Version,
		"capability", string(c.impl.kind()),
		"tokens", usage.TotalTokens,
		"duration_ms", res.Duration.Milliseconds(),
		"error", err != nil,
	)
	if err != nil {
		res.Output = nil
		return res, &core.ExecutionError{NodeID: id, Err: err}
	}

	if out == nil {
		out = map[string]any{}
		res.Output = out
	}
	if err := util.ValidateValue(c.output, out); err != nil {
		e.logger.Warn("node.output.invalid", "node_id", id, "error", err.Error())
		res.Output = nil
		return res, &core.SchemaMismatchError{NodeID: id, Direction: "output", Err: err}
	}
	return res, nil
}

func fingerprint(def core.NodeDefinition) (string, error) {
	// UpdatedAt changes on every save without changing behaviour.
	def.UpdatedAt = time.Time{}
	raw, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
