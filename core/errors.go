package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for errors.Is matching across the typed error taxonomy.
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrTimeout              = errors.New("timeout")
	ErrSchemaMismatch       = errors.New("schema mismatch")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
)

// NotFoundError is returned when no runnable instance satisfies a lookup.
type NotFoundError struct {
	Kind    InstanceKind
	ID      string
	Version string
}

func (e *NotFoundError) Error() string {
	ref := InstanceRef{ID: e.ID, Version: e.Version}
	return fmt.Sprintf("%s %s not found", e.Kind, ref)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError is returned when registering an (id, version) that already exists.
type ConflictError struct {
	Kind    InstanceKind
	ID      string
	Version string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s@%s already registered", e.Kind, e.ID, e.Version)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// InvalidDefinitionError reports a malformed instance, intent or workflow definition.
type InvalidDefinitionError struct {
	ID     string
	Reason string
	Err    error
}

func (e *InvalidDefinitionError) Error() string {
	msg := fmt.Sprintf("invalid definition %q: %s", e.ID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidDefinitionError) Unwrap() error { return e.Err }

// EmbeddingUnavailableError wraps a failure of the embedding collaborator.
type EmbeddingUnavailableError struct {
	Err error
}

func (e *EmbeddingUnavailableError) Error() string {
	return "embedding unavailable: " + e.Err.Error()
}

func (e *EmbeddingUnavailableError) Unwrap() error { return e.Err }

func (e *EmbeddingUnavailableError) Is(target error) bool {
	return target == ErrEmbeddingUnavailable
}

// TimeoutError is returned when an AI-backed call exceeds its time budget.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// SchemaMismatchError reports a value that does not conform to a declared shape.
type SchemaMismatchError struct {
	NodeID string
	// Direction is "input", "output" or "edge".
	Direction string
	Detail    string
	Err       error
}

func (e *SchemaMismatchError) Error() string {
	msg := fmt.Sprintf("node %s: %s schema mismatch", e.NodeID, e.Direction)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaMismatchError) Unwrap() error { return e.Err }

func (e *SchemaMismatchError) Is(target error) bool { return target == ErrSchemaMismatch }

// ExecutionError wraps any failure raised by a node capability.
type ExecutionError struct {
	NodeID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("node %s execution failed: %v", e.NodeID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ProviderError is returned by AI provider adapters. Transient errors (rate
// limits, 5xx, network) may be retried by the engine.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CycleError is returned when a workflow graph contains a cycle.
type CycleError struct {
	WorkflowID string
	Keys       []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow %s contains a cycle through [%s]", e.WorkflowID, strings.Join(e.Keys, ", "))
}

// ConditionError reports an edge condition that failed to compile or evaluate.
type ConditionError struct {
	From, To   string
	Expression string
	Err        error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("edge %s->%s condition %q: %v", e.From, e.To, e.Expression, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// DependencyError marks a node that was never invoked because an upstream failed.
type DependencyError struct {
	NodeKey     string
	UpstreamKey string
	Err         error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("node %s not run: upstream %s failed", e.NodeKey, e.UpstreamKey)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// NoOutputError is returned when the workflow's output node produced no value.
type NoOutputError struct {
	WorkflowID string
	OutputKey  string
	Status     NodeStatus
	Err        error
}

func (e *NoOutputError) Error() string {
	msg := fmt.Sprintf("workflow %s produced no output: node %s %s", e.WorkflowID, e.OutputKey, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NoOutputError) Unwrap() error { return e.Err }

// Stage names used by StageError.
const (
	StageDetection  = "intent_detection"
	StageResolution = "resolution"
	StageExecution  = "execution"
)

// StageError tags an error with the pipeline stage (and node key, when any)
// where it surfaced.
type StageError struct {
	Stage   string
	NodeKey string
	Err     error
}

func (e *StageError) Error() string {
	if e.NodeKey != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Stage, e.NodeKey, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt. A ProviderError
// anywhere in the chain decides by its Transient flag; otherwise timeouts and
// embedding unavailability are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrEmbeddingUnavailable)
}
