package core

import "context"

// HistoryProvider supplies recent conversation turns for a Channel. It is
// read synchronously once when a Channel opens.
type HistoryProvider interface {
	RecentTurns(channelID ChannelID, n int) ([]Content, error)
}

// HistoryRecorder is optionally implemented by a HistoryProvider that wants
// to persist the turns a Channel appends.
type HistoryRecorder interface {
	AppendTurns(channelID ChannelID, turns ...Content) error
}

// IdentityProvider renders the agent's identity text for prompt context.
type IdentityProvider interface {
	RenderIdentity(agentID AgentID) (string, error)
}

// Outbound delivers a Channel's reply to the external conversation. Delivery
// is fire-and-forget from the Channel's perspective.
type Outbound interface {
	Send(ctx context.Context, channelID ChannelID, content string) error
}
