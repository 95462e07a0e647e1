// Package core provides the foundational domain types and contracts shared by
// every spacebot component. It defines:
//
//   - Identifiers (AgentID, ProcessID, ChannelID)
//   - Process kinds and the monotonic ProcessState machine
//   - Process events (immutable observations published on the event bus)
//   - Role based message content (Content / Part) exchanged with models
//   - The error taxonomy used by the orchestration engine
//   - TurnBudget, the bounded turn counter each process consumes
//   - Collaborator contracts (history, identity, outbound delivery, memory)
//   - ToolContext, the scoped surface handed to tool implementations
//
// The package intentionally keeps implementation concerns (scheduling,
// routing, persistence) out of scope, exposing small interfaces so external
// collaborators can be swapped without touching the engine.
package core
