package process

import (
	"fmt"
	"strings"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/tool"
)

// Names of the tools a Channel registers for each of its turns.
const (
	ToolBranch      = "branch"
	ToolSpawnWorker = "spawn_worker"
	ToolRoute       = "route"
	ToolCancel      = "cancel"
)

type branchArgs struct {
	Description string `json:"description" description:"What the branch should think about"`
	TaskType    string `json:"task_type,omitempty" description:"Optional task type selecting a model route"`
}

type spawnWorkerArgs struct {
	Task        string `json:"task" description:"The task the worker should complete"`
	Interactive bool   `json:"interactive,omitempty" description:"Keep the worker alive for follow-up messages"`
	TaskType    string `json:"task_type,omitempty" description:"Optional task type selecting a model route"`
}

type routeArgs struct {
	WorkerID string `json:"worker_id" description:"Id or id prefix of an interactive worker"`
	Message  string `json:"message" description:"Follow-up message for the worker"`
}

type cancelArgs struct {
	ProcessID string `json:"process_id" description:"Id or id prefix of a branch or worker"`
}

// inputReceiver is implemented by processes that accept follow-up input.
type inputReceiver interface {
	Send(message string) error
}

// turnTools returns the tools bound to this Channel's state followed by its
// channel-only tools. Without a spawner the Channel cannot delegate and gets
// no delegation tools.
func (c *Channel) turnTools() []tool.Tool {
	if c.spawner == nil {
		return c.extra
	}

	return append([]tool.Tool{
		tool.NewFunctionToolFromStruct(ToolBranch,
			"Fork the conversation to think about something in the background. The conclusion arrives later.",
			branchArgs{}, c.branchTool),
		tool.NewFunctionToolFromStruct(ToolSpawnWorker,
			"Start a worker with its own tools for a long running or tool heavy task.",
			spawnWorkerArgs{}, c.spawnWorkerTool),
		tool.NewFunctionToolFromStruct(ToolRoute,
			"Send a follow-up message to an interactive worker.",
			routeArgs{}, c.routeTool),
		tool.NewFunctionToolFromStruct(ToolCancel,
			"Cancel one of your running branches or workers.",
			cancelArgs{}, c.cancelTool),
	}, c.extra...)
}

func (c *Channel) branchTool(tc *core.ToolContext, args map[string]any) (any, error) {
	desc := strings.TrimSpace(tool.StringArg(args, "description"))
	if desc == "" {
		return nil, fmt.Errorf("description must not be empty")
	}

	h, err := c.spawner.Admit(tc.Context(), c.ID(), core.KindBranch, SpawnParams{
		Description: desc,
		TaskType:    tool.StringArg(args, "task_type"),
		History:     forkHistory(c.conv.snapshot()),
		Identity:    c.identityText(),
	})
	if err != nil {
		return nil, err
	}

	c.status.Track(h.ID(), core.KindBranch, desc)

	return map[string]any{"branch_id": h.ID().Short(), "status": "started"}, nil
}

func (c *Channel) spawnWorkerTool(tc *core.ToolContext, args map[string]any) (any, error) {
	task := strings.TrimSpace(tool.StringArg(args, "task"))
	if task == "" {
		return nil, fmt.Errorf("task must not be empty")
	}

	interactive := tool.BoolArg(args, "interactive")

	h, err := c.spawner.Admit(tc.Context(), c.ID(), core.KindWorker, SpawnParams{
		Description: task,
		TaskType:    tool.StringArg(args, "task_type"),
		Interactive: interactive,
	})
	if err != nil {
		return nil, err
	}

	c.status.Track(h.ID(), core.KindWorker, task)

	return map[string]any{"worker_id": h.ID().Short(), "interactive": interactive, "status": "started"}, nil
}

func (c *Channel) routeTool(_ *core.ToolContext, args map[string]any) (any, error) {
	ref := tool.StringArg(args, "worker_id")

	h, ok := c.children.Resolve(ref)
	if !ok || h.Kind() != core.KindWorker {
		return nil, fmt.Errorf("%w: no active worker %q", core.ErrProcessNotFound, ref)
	}

	r, ok := h.(inputReceiver)
	if !ok {
		return nil, core.ErrNotInteractive
	}
	if err := r.Send(tool.StringArg(args, "message")); err != nil {
		return nil, err
	}

	return map[string]any{"worker_id": h.ID().Short(), "delivered": true}, nil
}

func (c *Channel) cancelTool(_ *core.ToolContext, args map[string]any) (any, error) {
	ref := tool.StringArg(args, "process_id")

	h, ok := c.children.Resolve(ref)
	if !ok {
		return nil, fmt.Errorf("%w: no active branch or worker %q", core.ErrProcessNotFound, ref)
	}
	if err := c.spawner.Cancel(h.ID()); err != nil {
		return nil, err
	}

	return map[string]any{"process_id": h.ID().Short(), "cancelled": true}, nil
}

// forkHistory drops a trailing assistant message whose tool calls have no
// responses yet, the call that is creating the fork.
func forkHistory(h []core.Content) []core.Content {
	if n := len(h); n > 0 && h[n-1].Role == core.RoleAssistant && len(h[n-1].FunctionCalls()) > 0 {
		return h[:n-1]
	}
	return h
}
