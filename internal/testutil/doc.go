// Package testutil contains fluent builders for node, workflow and intent
// definitions used across tests. They are not intended for production usage.
package testutil
