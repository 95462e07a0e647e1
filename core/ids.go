package core

import "github.com/google/uuid"

// AgentID scopes all runtime state to one isolated agent instance.
type AgentID string

// ProcessID identifies a conversation process. Unique within an agent.
type ProcessID string

// ChannelID identifies an external conversation a Channel process is bound to.
type ChannelID string

// NewID generates a new unique identifier for events and tool calls.
func NewID() string { return uuid.NewString() }

// NewProcessID generates a fresh process identifier.
func NewProcessID() ProcessID { return ProcessID(uuid.NewString()) }

// Short returns the first eight characters of the id, for prompts and logs.
func (id ProcessID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}
