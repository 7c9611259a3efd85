// Package core provides the foundational domain types shared by every layer of
// the cognitive workflow runtime. It defines:
//
//   - Instance metadata and the closed set of instance kinds (node, workflow)
//   - Node and workflow definitions as loaded from the external catalog
//   - Intent definitions used by the semantic router
//   - Token usage accounting for AI-backed calls
//   - The typed error taxonomy used across registry, routing and execution
//
// The package contains no orchestration logic. Registries,
// executors and the engine live in their own packages and depend on core,
// never the other way round.
package core
