package core

import (
	"fmt"
	"strings"
)

// ProcessKind enumerates the conversation process variants.
type ProcessKind string

const (
	// KindChannel is the long-lived process bound to one external conversation.
	KindChannel ProcessKind = "channel"
	// KindBranch is a short-lived fork of a Channel's history.
	KindBranch ProcessKind = "branch"
	// KindWorker is an isolated, tool-privileged process with a fresh history.
	KindWorker ProcessKind = "worker"
)

// ParseProcessKind converts a configuration string into a ProcessKind.
func ParseProcessKind(s string) (ProcessKind, error) {
	switch k := ProcessKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindChannel, KindBranch, KindWorker:
		return k, nil
	default:
		return "", fmt.Errorf("unknown process kind %q", s)
	}
}

// ProcessState is the lifecycle state of a process. Transitions are monotonic
// toward a terminal state.
type ProcessState int

const (
	StateCreated ProcessState = iota
	StateRunning
	StateWaitingForInput
	StateCompleted
	StateFailed
	StateCancelled
	StateMaxTurnsReached
)

var stateNames = map[ProcessState]string{
	StateCreated:         "created",
	StateRunning:         "running",
	StateWaitingForInput: "waiting_for_input",
	StateCompleted:       "completed",
	StateFailed:          "failed",
	StateCancelled:       "cancelled",
	StateMaxTurnsReached: "max_turns_reached",
}

// String returns the snake_case name of the state.
func (s ProcessState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s ProcessState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IsTerminal reports whether no further transition is possible.
func (s ProcessState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateMaxTurnsReached:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal. Terminal
// states are never exited and only workers may wait for input, which the
// caller enforces.
func (s ProcessState) CanTransition(next ProcessState) bool {
	if s.IsTerminal() || s == next {
		return false
	}
	switch next {
	case StateCreated:
		return false
	case StateRunning:
		return s == StateCreated || s == StateWaitingForInput
	case StateWaitingForInput:
		return s == StateRunning
	default:
		return next.IsTerminal()
	}
}

// Origin identifies the process an event or tool call belongs to.
type Origin struct {
	AgentID   AgentID
	ProcessID ProcessID
	Kind      ProcessKind
	// ParentID is the owning Channel's process id. Empty for Channels.
	ParentID  ProcessID
	ChannelID ChannelID
}
