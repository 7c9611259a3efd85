package engine

import (
	"context"
	"sync"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/logging"
)

// CallbackType defines the lifecycle points of a workflow run where callbacks
// can be executed.
type CallbackType string

const (
	// CallbackBeforeNode runs before every attempt of a node. An error fails
	// the node without invoking it.
	CallbackBeforeNode CallbackType = "before_node"

	// CallbackAfterNode runs after a node attempt succeeded. An error fails the node.
	CallbackAfterNode CallbackType = "after_node"

	// CallbackOnNodeError runs after a node attempt failed. Errors returned
	// from these callbacks are logged and otherwise ignored.
	CallbackOnNodeError CallbackType = "on_node_error"
)

// CallbackContext describes the node attempt a callback fires for.
type CallbackContext struct {
	RunID        string
	WorkflowID   string
	NodeKey      string
	NodeID       string
	Attempt      int
	Input        map[string]any
	Output       map[string]any
	Usage        core.TokenUsage
	Err          error
	CallbackType CallbackType
}

// Callback is a run lifecycle hook. Callbacks execute synchronously on the
// node's goroutine, so they must be fast and safe for concurrent use.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a Callback.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a function based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks by type and executes them in registration
// order. Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs every callback of the given type and stops at the
// first error. A nil manager has no callbacks.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback writes one structured line per node attempt.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logging.OrNop(logger),
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the attempt.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	args := []any{
		"callback", string(c.callbackType),
		"run_id", callbackCtx.RunID,
		"workflow_id", callbackCtx.WorkflowID,
		"node_key", callbackCtx.NodeKey,
		"node_id", callbackCtx.NodeID,
		"attempt", callbackCtx.Attempt,
	}
	if callbackCtx.Err != nil {
		c.logger.Warn("workflow.node.callback", append(args, "error", callbackCtx.Err.Error())...)
		return nil
	}
	c.logger.Debug("workflow.node.callback", args...)
	return nil
}
