// Package status implements the Status Block: a Channel's running projection
// of its children's activity, rebuilt incrementally from process events and
// rendered into the Channel's prompt on every turn.
package status

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hupe1980/spacebot/core"
)

// DefaultMaxCompleted bounds the recently completed list when New gets zero.
const DefaultMaxCompleted = 10

const maxResultRunes = 280

// Item is the projection of one child process.
type Item struct {
	ID          core.ProcessID
	Kind        core.ProcessKind
	Description string
	// Status is the durable status text a Worker reports.
	Status   string
	State    core.ProcessState
	Waiting  bool
	Turn     int
	LastTool string
	// Result holds the conclusion, final answer or failure reason.
	Result  string
	Partial bool
	Started time.Time
	Updated time.Time
}

// Snapshot is a point in time copy of the block.
type Snapshot struct {
	Branches  []Item
	Workers   []Item
	Completed []Item
}

// Block is safe for concurrent use: the Channel's event watcher applies
// events while the Channel's turn renders.
type Block struct {
	mu           sync.Mutex
	active       map[core.ProcessID]*Item
	completed    []Item
	maxCompleted int
}

// New creates an empty block keeping at most maxCompleted finished items.
func New(maxCompleted int) *Block {
	if maxCompleted <= 0 {
		maxCompleted = DefaultMaxCompleted
	}

	return &Block{
		active:       make(map[core.ProcessID]*Item),
		maxCompleted: maxCompleted,
	}
}

// Track records a freshly admitted child. Tracking an id that already
// produced events keeps the observed progress.
func (b *Block) Track(id core.ProcessID, kind core.ProcessKind, description string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.completed {
		if c.ID == id {
			return
		}
	}

	it := b.itemLocked(id, kind, time.Now())
	it.Description = description
}

func (b *Block) itemLocked(id core.ProcessID, kind core.ProcessKind, at time.Time) *Item {
	it, ok := b.active[id]
	if !ok {
		it = &Item{ID: id, Kind: kind, State: core.StateRunning, Started: at, Updated: at}
		b.active[id] = it
	}
	return it
}

// Apply folds ev into the block and reports whether anything changed.
// Events of Channels are ignored.
func (b *Block) Apply(ev core.Event) bool {
	if ev.Kind == core.KindChannel {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	if ev.IsTerminal() {
		return b.finishLocked(ev, at)
	}

	it := b.itemLocked(ev.ProcessID, ev.Kind, at)
	it.Updated = at

	switch ev.Type {
	case core.EventTurnStarted:
		it.Turn = ev.Turn
		it.Waiting = false
		it.State = core.StateRunning
	case core.EventToolInvoked:
		it.LastTool = ev.ToolName
	case core.EventWorkerStatus:
		it.Status = ev.Text
	case core.EventWorkerResponse:
		it.Waiting = true
		it.State = core.StateWaitingForInput
		it.Result = ev.Text
	case core.EventBranchResult:
		it.Result = ev.Text
		it.Partial = ev.Partial
	case core.EventToolResult, core.EventProcessFailed:
	default:
		return false
	}

	return true
}

func (b *Block) finishLocked(ev core.Event, at time.Time) bool {
	var done Item
	if it, ok := b.active[ev.ProcessID]; ok {
		done = *it
		delete(b.active, ev.ProcessID)
	} else {
		done = Item{ID: ev.ProcessID, Kind: ev.Kind, Started: at}
	}

	done.Updated = at
	done.Waiting = false

	switch ev.Type {
	case core.EventProcessFailed:
		done.State = core.StateFailed
		done.Result = ev.Reason
	default:
		done.State = ev.State
		if ev.Text != "" {
			done.Result = ev.Text
		}
		if ev.State == core.StateMaxTurnsReached && done.Result != "" {
			done.Partial = true
		}
	}

	b.completed = append(b.completed, done)
	if over := len(b.completed) - b.maxCompleted; over > 0 {
		b.completed = append([]Item(nil), b.completed[over:]...)
	}

	return true
}

// Active returns the number of children still running.
func (b *Block) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.active)
}

// Snapshot copies the current projection. Active items are ordered by start
// time, completed items oldest first.
func (b *Block) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var s Snapshot
	for _, it := range b.active {
		switch it.Kind {
		case core.KindWorker:
			s.Workers = append(s.Workers, *it)
		default:
			s.Branches = append(s.Branches, *it)
		}
	}
	sortItems(s.Branches)
	sortItems(s.Workers)
	s.Completed = append([]Item(nil), b.completed...)

	return s
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Started.Equal(items[j].Started) {
			return items[i].Started.Before(items[j].Started)
		}
		return items[i].ID < items[j].ID
	})
}

// Render formats the block for prompt context. An empty block renders as "".
func (b *Block) Render() string {
	s := b.Snapshot()
	if len(s.Branches) == 0 && len(s.Workers) == 0 && len(s.Completed) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Status\n")

	if len(s.Branches) > 0 {
		sb.WriteString("\n### Active branches\n")
		for _, it := range s.Branches {
			fmt.Fprintf(&sb, "- [%s] %s", it.ID.Short(), orDash(it.Description))
			if it.Turn > 0 {
				fmt.Fprintf(&sb, " (turn %d)", it.Turn)
			}
			sb.WriteString("\n")
		}
	}

	if len(s.Workers) > 0 {
		sb.WriteString("\n### Active workers\n")
		for _, it := range s.Workers {
			fmt.Fprintf(&sb, "- [%s] %s", it.ID.Short(), orDash(it.Description))
			if it.Status != "" {
				fmt.Fprintf(&sb, ": %s", it.Status)
			}
			if it.Waiting {
				sb.WriteString(" (waiting for input)")
				if it.Result != "" {
					fmt.Fprintf(&sb, "\n  last response: %s", truncate(it.Result))
				}
			}
			sb.WriteString("\n")
		}
	}

	if len(s.Completed) > 0 {
		sb.WriteString("\n### Recently completed\n")
		for _, it := range s.Completed {
			fmt.Fprintf(&sb, "- [%s] %s %s", it.ID.Short(), it.Kind, it.State)
			if it.Description != "" {
				fmt.Fprintf(&sb, " (%s)", it.Description)
			}
			if it.Result != "" {
				label := "result"
				if it.Partial {
					label = "partial result"
				}
				if it.State == core.StateFailed {
					label = "reason"
				}
				fmt.Fprintf(&sb, ": %s: %s", label, truncate(it.Result))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxResultRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxResultRunes]) + "..."
}
