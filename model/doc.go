// Package model defines the provider‑agnostic completion transport used by
// every process turn.
//
// Core goals:
//   - One call shape: Complete(ctx, modelID, Request) -> Response | error
//   - Normalize tool / function call representation (ToolDefinition)
//   - Classify failures (StatusError, RetriableError, FatalError) so routing
//     never depends on a provider protocol
//   - Facilitate deterministic mocking for tests (ScriptedCompleter)
//
// Providers (e.g. OpenAI, Anthropic) implement Completer in sub packages so
// higher layers (router, processes) remain decoupled from vendor SDKs.
package model
