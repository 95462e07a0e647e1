package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/process"
	"github.com/hupe1980/spacebot/tool"
)

// Names of the observation tools on the system server.
const (
	ToolProcessList   = "process_list"
	ToolProcessStatus = "process_status"
)

type processListArgs struct {
	Kind string `json:"kind,omitempty" description:"Optional filter: channel, branch or worker"`
}

type processStatusArgs struct {
	ProcessID string `json:"process_id" description:"Id or id prefix of a process"`
}

// ProcessInfo is the observation view of one process.
type ProcessInfo struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Parent      string `json:"parent,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
	Turns       int    `json:"turns"`
	Created     string `json:"created,omitempty"`
	Finished    string `json:"finished,omitempty"`
	Live        bool   `json:"live"`
	Result      string `json:"result,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func infoOf(h process.Handle) ProcessInfo {
	info := ProcessInfo{
		ID:          string(h.ID()),
		Kind:        string(h.Kind()),
		Parent:      string(h.Parent()),
		ChannelID:   string(h.Origin().ChannelID),
		State:       h.State().String(),
		Description: h.Description(),
		Turns:       h.TurnsUsed(),
		Created:     h.Created().UTC().Format(time.RFC3339),
		Live:        true,
	}
	if out, ok := h.Result(); ok {
		info.Result = out.Result
		info.Reason = out.Reason
	}
	return info
}

func infoOfOutcome(out process.Outcome) ProcessInfo {
	return ProcessInfo{
		ID:       string(out.ID),
		Kind:     string(out.Kind),
		Parent:   string(out.Parent),
		State:    out.State.String(),
		Turns:    out.Turns,
		Finished: out.Finished.UTC().Format(time.RFC3339),
		Result:   out.Result,
		Reason:   out.Reason,
	}
}

// ObservationTools returns the read-only tools exposing the process table.
func (s *Supervisor) ObservationTools() []tool.Tool {
	return []tool.Tool{
		tool.NewFunctionToolFromStruct(ToolProcessList,
			"List the live processes of this agent.",
			processListArgs{}, s.processListTool),
		tool.NewFunctionToolFromStruct(ToolProcessStatus,
			"Show the state of one process, live or recently finished.",
			processStatusArgs{}, s.processStatusTool),
	}
}

func (s *Supervisor) processListTool(_ *core.ToolContext, args map[string]any) (any, error) {
	kind := strings.ToLower(strings.TrimSpace(tool.StringArg(args, "kind")))

	out := []ProcessInfo{}
	for _, h := range s.List() {
		if kind != "" && string(h.Kind()) != kind {
			continue
		}
		out = append(out, infoOf(h))
	}

	return map[string]any{"processes": out, "count": len(out)}, nil
}

func (s *Supervisor) processStatusTool(_ *core.ToolContext, args map[string]any) (any, error) {
	ref := strings.TrimSpace(tool.StringArg(args, "process_id"))
	if ref == "" {
		return nil, fmt.Errorf("process_id must not be empty")
	}

	if h, ok := s.Resolve(ref); ok {
		return infoOf(h), nil
	}

	if out, ok := s.outcomes.Get(core.ProcessID(ref)); ok {
		return infoOfOutcome(out), nil
	}

	return nil, &tool.ToolError{
		Tool:    ToolProcessStatus,
		Message: fmt.Sprintf("unknown process %q", ref),
		Code:    tool.CodeNotFound,
		Err:     core.ErrProcessNotFound,
	}
}
