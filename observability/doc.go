// Package observability builds the per-request report tree (request, intent
// detection, workflow, node) and hands finalized trees to sinks: structured
// logs, OpenTelemetry spans and metrics, or memory for tests.
package observability
