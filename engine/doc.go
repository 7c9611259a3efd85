// Package engine runs workflows: it compiles a workflow definition into a
// Graph (stable topological order, CEL edge conditions, output node), binds
// every node reference to the node registry at run time and schedules nodes
// concurrently as their upstreams reach a terminal state.
//
// # Node states
//
// Each node moves Pending -> Ready -> Running and ends Succeeded, Failed,
// Skipped or Cancelled. A node is Ready once every upstream is terminal.
//
//   - An upstream failure fails every transitive dependent, which is never invoked.
//   - A false edge condition skips the dependent, and skipping propagates.
//   - Cancelling the run cancels in-flight nodes and every node not yet started.
//
// Independent branches keep running when one fails. A run fails only when
// its output node has no value.
//
// # Inputs
//
// Root nodes receive the run input. Other nodes receive the outputs of their
// upstreams merged in edge declaration order, with edge mappings applied.
// Conditions are CEL expressions over input, outputs (succeeded ancestors by
// key) and source (the edge's upstream output):
//
//	source.score > 0.5 && input.channel == "web"
//
// # Retries
//
// Retryable failures (see core.IsRetryable) are retried according to the
// node's RetryPolicy. Backoff waits end early when the run is cancelled.
package engine
