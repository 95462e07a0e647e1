package core

import "time"

// EventType discriminates the process event union.
type EventType string

const (
	EventTurnStarted      EventType = "turn_started"
	EventToolInvoked      EventType = "tool_invoked"
	EventToolResult       EventType = "tool_result"
	EventBranchResult     EventType = "branch_result"
	EventWorkerStatus     EventType = "worker_status"
	EventWorkerResponse   EventType = "worker_response"
	EventProcessFailed    EventType = "process_failed"
	EventProcessCompleted EventType = "process_completed"
)

// Event is an immutable observation about a process published on the agent's
// event bus. It always carries the agent and process id. Only the payload
// fields relevant to Type are populated:
//   - TurnStarted: Turn
//   - ToolInvoked: ToolName
//   - ToolResult: ToolName, OK
//   - BranchResult: Text (conclusion), Partial
//   - WorkerStatus / WorkerResponse: Text
//   - ProcessFailed: Reason, Terminal
//   - ProcessCompleted: State, Text (result)
//
// ID, Seq and Timestamp are stamped by the bus on publish when unset.
type Event struct {
	ID        string      `json:"id"`
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	AgentID   AgentID     `json:"agent_id"`
	ProcessID ProcessID   `json:"process_id"`
	Kind      ProcessKind `json:"kind"`
	ParentID  ProcessID   `json:"parent_id,omitempty"`
	ChannelID ChannelID   `json:"channel_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	Turn     int          `json:"turn,omitempty"`
	ToolName string       `json:"tool_name,omitempty"`
	OK       bool         `json:"ok,omitempty"`
	Text     string       `json:"text,omitempty"`
	Partial  bool         `json:"partial,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Terminal bool         `json:"terminal,omitempty"`
	State    ProcessState `json:"state,omitempty"`
}

// NewEvent creates a bare event of the given type attributed to origin.
// Prefer the typed constructors below.
func NewEvent(o Origin, t EventType) Event {
	return Event{
		Type:      t,
		AgentID:   o.AgentID,
		ProcessID: o.ProcessID,
		Kind:      o.Kind,
		ParentID:  o.ParentID,
		ChannelID: o.ChannelID,
	}
}

// NewTurnStartedEvent records the start of turn n (1-based).
func NewTurnStartedEvent(o Origin, n int) Event {
	e := NewEvent(o, EventTurnStarted)
	e.Turn = n
	return e
}

// NewToolInvokedEvent records a tool dispatch.
func NewToolInvokedEvent(o Origin, tool string) Event {
	e := NewEvent(o, EventToolInvoked)
	e.ToolName = tool
	return e
}

// NewToolResultEvent records a tool outcome.
func NewToolResultEvent(o Origin, tool string, ok bool) Event {
	e := NewEvent(o, EventToolResult)
	e.ToolName = tool
	e.OK = ok
	return e
}

// NewBranchResultEvent carries a Branch conclusion. partial is set when the
// conclusion was extracted after the turn budget ran out.
func NewBranchResultEvent(o Origin, conclusion string, partial bool) Event {
	e := NewEvent(o, EventBranchResult)
	e.Text = conclusion
	e.Partial = partial
	return e
}

// NewWorkerStatusEvent carries a Worker's self-reported status text.
func NewWorkerStatusEvent(o Origin, text string) Event {
	e := NewEvent(o, EventWorkerStatus)
	e.Text = text
	return e
}

// NewWorkerResponseEvent carries an interactive Worker's intermediate answer.
func NewWorkerResponseEvent(o Origin, text string) Event {
	e := NewEvent(o, EventWorkerResponse)
	e.Text = text
	return e
}

// NewProcessFailedEvent records a failure. terminal is false when the process
// survives the failure (a Channel turn failing).
func NewProcessFailedEvent(o Origin, reason string, terminal bool) Event {
	e := NewEvent(o, EventProcessFailed)
	e.Reason = reason
	e.Terminal = terminal
	return e
}

// NewProcessCompletedEvent records a non-failure terminal state.
func NewProcessCompletedEvent(o Origin, state ProcessState, result string) Event {
	e := NewEvent(o, EventProcessCompleted)
	e.State = state
	e.Text = result
	return e
}

// IsTerminal reports whether the event marks the end of its process.
func (e Event) IsTerminal() bool {
	return e.Type == EventProcessCompleted || (e.Type == EventProcessFailed && e.Terminal)
}

