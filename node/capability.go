package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/internal/util"
	"github.com/NiccoloCase/cognitive-workflow/model"
)

// TransformFunc is a deterministic node capability. config is the transform
// block's static configuration from the node definition.
type TransformFunc func(ctx context.Context, input, config map[string]any) (map[string]any, error)

// capability is the resolved unit of work behind a node. There are exactly two
// implementations, picked by Compile from the definition's capability kind.
type capability interface {
	kind() core.CapabilityKind
	invoke(ctx context.Context, input map[string]any) (map[string]any, core.TokenUsage, error)
}

type aiCapability struct {
	nodeID  string
	model   model.Model
	spec    core.AISpec
	timeout time.Duration
}

func (c *aiCapability) kind() core.CapabilityKind { return core.CapabilityAI }

func (c *aiCapability) invoke(ctx context.Context, input map[string]any) (map[string]any, core.TokenUsage, error) {
	var usage core.TokenUsage

	prompt, err := util.RenderTemplate(c.spec.Prompt, input)
	if err != nil {
		return nil, usage, fmt.Errorf("render prompt: %w", err)
	}
	system, err := util.RenderTemplate(c.spec.System, input)
	if err != nil {
		return nil, usage, fmt.Errorf("render system: %w", err)
	}

	if err := limiterFrom(ctx).Acquire(); err != nil {
		return nil, usage, err
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.model.Complete(callCtx, model.Request{
		Model:     c.spec.Model,
		System:    system,
		Prompt:    prompt,
		MaxTokens: c.spec.MaxTokens,
	})
	if err != nil {
		// Only our own deadline is a timeout; a dead parent context is cancellation.
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, usage, &core.TimeoutError{Op: "ai call " + c.nodeID, Timeout: c.timeout}
		}
		return nil, usage, err
	}
	usage = resp.Usage

	if !c.spec.JSONOutput {
		key := c.spec.OutputKey
		if key == "" {
			key = "text"
		}
		return map[string]any{key: resp.Text}, usage, nil
	}

	out, err := parseJSONObject(resp.Text)
	if err != nil {
		return nil, usage, err
	}
	return out, usage, nil
}

// parseJSONObject decodes a completion expected to hold a JSON object,
// tolerating a surrounding markdown code fence.
func parseJSONObject(text string) (map[string]any, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("completion is not a JSON object: %w", err)
	}
	return out, nil
}

type transformCapability struct {
	ref    string
	fn     TransformFunc
	config map[string]any
}

func (c *transformCapability) kind() core.CapabilityKind { return core.CapabilityTransform }

func (c *transformCapability) invoke(ctx context.Context, input map[string]any) (map[string]any, core.TokenUsage, error) {
	out, err := c.fn(ctx, input, c.config)
	if err != nil {
		return nil, core.TokenUsage{}, fmt.Errorf("transform %s: %w", c.ref, err)
	}
	return out, core.TokenUsage{}, nil
}

// safeInvoke runs the capability, converting a panic into an error.
func safeInvoke(ctx context.Context, c capability, input map[string]any) (out map[string]any, usage core.TokenUsage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r, stack: debug.Stack()}
		}
	}()
	return c.invoke(ctx, input)
}

type panicError struct {
	val   any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("capability panicked: %v", p.val) }

type limiterKey struct{}

// WithCallLimiter attaches a per-run AI call budget to ctx. Every AI-call node
// executed under ctx consumes one call.
func WithCallLimiter(ctx context.Context, l *core.CallLimiter) context.Context {
	return context.WithValue(ctx, limiterKey{}, l)
}

func limiterFrom(ctx context.Context) *core.CallLimiter {
	l, _ := ctx.Value(limiterKey{}).(*core.CallLimiter)
	return l
}
