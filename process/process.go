// Package process implements the three conversation process variants and the
// turn engine they share.
//
//   - Channel: long-lived, bound to one external conversation, serializes its
//     own turns, spawns Branches and Workers through per-turn tools.
//   - Branch: a bounded fork of a Channel's history that returns a conclusion.
//   - Worker: a fresh, tool-privileged process with its own Tool Server,
//     optionally interactive.
//
// Every process moves through core.ProcessState monotonically. Its Outcome is
// written exactly once by Finish, which is the only way into a terminal
// state. Cancellation is cooperative: RequestCancel raises a flag that the
// run loop observes at the start of a turn, after tool results, and while a
// Worker waits for input; an in-flight model call is aborted through its
// context.
package process

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/spacebot/bus"
	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
	"github.com/hupe1980/spacebot/model"
	"github.com/hupe1980/spacebot/router"
)

// Handle is the read and cancel surface of a live process.
type Handle interface {
	ID() core.ProcessID
	Kind() core.ProcessKind
	// Parent returns the owning Channel's id, empty for Channels.
	Parent() core.ProcessID
	Origin() core.Origin
	Description() string
	Created() time.Time
	State() core.ProcessState
	TurnsUsed() int
	// Done is closed once the outcome is written.
	Done() <-chan struct{}
	// Result returns the outcome once the process is terminal.
	Result() (Outcome, bool)
	// RequestCancel raises the cancellation flag and aborts an in-flight
	// model call. It reports whether this call raised the flag.
	RequestCancel() bool
}

// Process is a Handle that can be driven by a supervisor.
type Process interface {
	Handle
	// Run executes the run loop until the process reaches a terminal
	// decision and returns it without writing it.
	Run(ctx context.Context) Outcome
	// Finish writes the outcome. Only the first call with a terminal state
	// succeeds.
	Finish(out Outcome) bool
}

// Outcome is the write-once result slot of a process.
type Outcome struct {
	ID     core.ProcessID
	Kind   core.ProcessKind
	Parent core.ProcessID
	State  core.ProcessState
	// Result is the conclusion or final answer. Empty for Cancelled.
	Result string
	// Partial marks a Result extracted after the turn budget ran out.
	Partial  bool
	Reason   string
	Turns    int
	Finished time.Time
}

// Spawner admits and controls children. The supervisor implements it.
type Spawner interface {
	Admit(ctx context.Context, parent core.ProcessID, kind core.ProcessKind, params SpawnParams) (Handle, error)
	Cancel(id core.ProcessID) error
	Lookup(id core.ProcessID) (Handle, bool)
}

// SpawnParams describes a child to admit.
type SpawnParams struct {
	// Description is the Branch task or the Worker task.
	Description string
	// TaskType selects a task-specific model route.
	TaskType string
	// Interactive keeps a Worker alive for follow-up input.
	Interactive bool
	// History is the Channel history snapshot a Branch forks from.
	History []core.Content
	// Identity is prepended to a Branch's system prompt.
	Identity string
}

// Env bundles the collaborators every run loop uses.
type Env struct {
	AgentID   core.AgentID
	Router    *router.Router
	Completer model.Completer
	Bus       *bus.Bus
	Logger    logging.Logger
	Tracer    trace.Tracer
	// ToolParallelism bounds concurrently executing tool calls per turn.
	// Zero runs all calls of a turn at once.
	ToolParallelism int
}

// TerminalEvents returns the events published when out is written: a
// BranchResult for a Branch with conclusion text, then exactly one terminal
// event.
func TerminalEvents(o core.Origin, out Outcome) []core.Event {
	events := make([]core.Event, 0, 2)

	if o.Kind == core.KindBranch && out.Result != "" &&
		(out.State == core.StateCompleted || out.State == core.StateMaxTurnsReached) {
		events = append(events, core.NewBranchResultEvent(o, out.Result, out.Partial))
	}

	if out.State == core.StateFailed {
		events = append(events, core.NewProcessFailedEvent(o, out.Reason, true))
	} else {
		events = append(events, core.NewProcessCompletedEvent(o, out.State, out.Result))
	}

	return events
}

// Children tracks a Channel's active Branches and Workers. The supervisor
// mutates it during admission and removal; the Channel reads it from its
// tools.
type Children struct {
	mu       sync.RWMutex
	branches map[core.ProcessID]Handle
	workers  map[core.ProcessID]Handle
}

// NewChildren creates an empty set.
func NewChildren() *Children {
	return &Children{
		branches: make(map[core.ProcessID]Handle),
		workers:  make(map[core.ProcessID]Handle),
	}
}

// Add records h under its kind.
func (c *Children) Add(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Kind() == core.KindWorker {
		c.workers[h.ID()] = h
		return
	}
	c.branches[h.ID()] = h
}

// Remove forgets id and reports whether it was present.
func (c *Children) Remove(id core.ProcessID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.branches[id]; ok {
		delete(c.branches, id)
		return true
	}
	if _, ok := c.workers[id]; ok {
		delete(c.workers, id)
		return true
	}
	return false
}

// Count returns the number of active children of kind.
func (c *Children) Count(kind core.ProcessKind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if kind == core.KindWorker {
		return len(c.workers)
	}
	return len(c.branches)
}

// Get returns the child with id.
func (c *Children) Get(id core.ProcessID) (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if h, ok := c.branches[id]; ok {
		return h, true
	}
	h, ok := c.workers[id]
	return h, ok
}

// Resolve finds a child by full id or by an unambiguous id prefix, the form
// shown in the Status Block.
func (c *Children) Resolve(ref string) (Handle, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, false
	}
	if h, ok := c.Get(core.ProcessID(ref)); ok {
		return h, true
	}

	var match Handle
	for _, h := range c.List() {
		if strings.HasPrefix(string(h.ID()), ref) {
			if match != nil {
				return nil, false
			}
			match = h
		}
	}

	return match, match != nil
}

// List returns all children ordered by creation time.
func (c *Children) List() []Handle {
	c.mu.RLock()
	out := make([]Handle, 0, len(c.branches)+len(c.workers))
	for _, h := range c.branches {
		out = append(out, h)
	}
	for _, h := range c.workers {
		out = append(out, h)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created().Equal(out[j].Created()) {
			return out[i].Created().Before(out[j].Created())
		}
		return out[i].ID() < out[j].ID()
	})

	return out
}
