// Package model defines the provider-agnostic abstractions for the AI
// collaborators of the runtime: completion (Model) and embedding (Embedder).
//
// Core goals:
//   - Keep request/response shapes minimal and transport independent
//   - Report token usage on every call so traces can attribute cost
//   - Classify provider failures as transient or permanent (ProviderError)
//   - Facilitate lightweight mocking for tests (MockModel, HashEmbedder)
//
// Providers (OpenAI, Anthropic) implement these interfaces in sub-packages so
// nodes and the intent router remain decoupled from vendor SDKs. The
// rediscache sub-package wraps any Embedder with a shared cache and
// RateLimitedModel / RateLimitedEmbedder bound provider request rates.
package model
