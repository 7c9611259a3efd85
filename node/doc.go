// Package node executes a single node instance: it validates the input against
// the node's input schema, dispatches to the node's capability (an AI call
// through a model.Model, or a registered deterministic transform) and validates
// the output.
//
// The executor never retries. Retryable failures (timeouts, transient provider
// errors) are reported as such and the workflow engine decides.
package node
