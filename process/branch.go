package process

import (
	"context"
	"strings"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/tool"
)

// DefaultBranchTurns is the Branch budget when none is configured.
const DefaultBranchTurns = 10

const branchInstructions = `You are a branch of the conversation above, forked to think about one task in isolation.
Work on the task using the available memory tools, then answer with your conclusion only.`

// BranchOptions configures a Branch.
type BranchOptions struct {
	MaxTurns int
	// Tools is the shared server whose startup tools the Branch may use.
	Tools *tool.Server
}

// Branch is a short-lived fork of a Channel's history that thinks about one
// task and returns a conclusion. It cannot spawn further processes.
type Branch struct {
	*base

	conv     *conversation
	identity string
	tools    *tool.Server
}

// NewBranch creates a Branch owned by the Channel parent. The history in
// params is copied: later Channel turns do not reach the Branch.
func NewBranch(env Env, parent core.Origin, params SpawnParams, optFns ...func(o *BranchOptions)) *Branch {
	opts := BranchOptions{MaxTurns: DefaultBranchTurns}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultBranchTurns
	}

	o := core.Origin{
		AgentID:   parent.AgentID,
		ProcessID: core.NewProcessID(),
		Kind:      core.KindBranch,
		ParentID:  parent.ProcessID,
		ChannelID: parent.ChannelID,
	}

	return &Branch{
		base:     newBase(env, o, params.Description, params.TaskType, opts.MaxTurns),
		conv:     newConversation(params.History),
		identity: params.Identity,
		tools:    opts.Tools,
	}
}

// Run implements Process.
func (b *Branch) Run(ctx context.Context) Outcome {
	if !b.transition(core.StateRunning) {
		return Outcome{State: core.StateCancelled}
	}

	b.logger.Info("branch.started", "description", b.desc)

	b.conv.append(core.NewTextContent(core.RoleUser, "Task: "+b.desc))

	last, err := b.runLoop(ctx, turnSetup{
		conv:   b.conv,
		system: b.system,
		server: b.tools,
	})

	out := terminal(last, err)
	if out.State == core.StateFailed {
		b.logger.Warn("branch.failed", "error", out.Reason)
	}

	return out
}

func (b *Branch) system() string {
	var sb strings.Builder
	if b.identity != "" {
		sb.WriteString(b.identity)
		sb.WriteString("\n\n")
	}
	sb.WriteString(branchInstructions)

	return sb.String()
}
