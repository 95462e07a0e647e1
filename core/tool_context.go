package core

import (
	"context"

	"github.com/hupe1980/spacebot/logging"
)

// ToolContext provides a constrained surface for tool implementations invoked
// by a process. It exposes the calling process identity, the cancellation
// context of the current turn and a scoped logger.
type ToolContext struct {
	ctx            context.Context
	origin         Origin
	functionCallID string
	logger         logging.Logger
}

// NewToolContext constructs a tool context for one function call.
func NewToolContext(ctx context.Context, origin Origin, functionCallID string, logger logging.Logger) *ToolContext {
	if ctx == nil {
		ctx = context.Background()
	}

	return &ToolContext{
		ctx:            ctx,
		origin:         origin,
		functionCallID: functionCallID,
		logger:         logging.OrNoOp(logger),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// Origin returns the calling process identity.
func (tc *ToolContext) Origin() Origin { return tc.origin }

// AgentID returns the agent the calling process belongs to.
func (tc *ToolContext) AgentID() AgentID { return tc.origin.AgentID }

// ProcessID returns the calling process id. Per-turn tools are resolved for this owner.
func (tc *ToolContext) ProcessID() ProcessID { return tc.origin.ProcessID }

// Kind returns the calling process kind.
func (tc *ToolContext) Kind() ProcessKind { return tc.origin.Kind }

// ChannelID returns the external conversation of the calling process.
func (tc *ToolContext) ChannelID() ChannelID { return tc.origin.ChannelID }

// Logger returns the logger associated with the tool invocation.
func (tc *ToolContext) Logger() logging.Logger { return tc.logger }

// FunctionCallID returns the function call ID associated with the tool invocation.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }
