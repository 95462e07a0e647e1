package testutil

import (
	"testing"
	"time"

	"github.com/hupe1980/spacebot/bus"
	"github.com/hupe1980/spacebot/core"
)

// DefaultTimeout bounds every wait in tests.
const DefaultTimeout = 5 * time.Second

// WaitForEvent reads sub until an event matches pred and returns it. It
// fails the test when the timeout elapses or the subscription closes.
func WaitForEvent(t testing.TB, sub *bus.Subscription, pred func(core.Event) bool, timeout time.Duration) core.Event {
	t.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for event")
			}
			if pred(ev) {
				return ev
			}
		case <-timer.C:
			t.Fatalf("timed out after %s waiting for event", timeout)
		}
	}
}

// IsType matches events of type typ, optionally restricted to one process.
func IsType(typ core.EventType, id ...core.ProcessID) func(core.Event) bool {
	return func(ev core.Event) bool {
		if ev.Type != typ {
			return false
		}
		return len(id) == 0 || ev.ProcessID == id[0]
	}
}

// IsTerminal matches the terminal event of id.
func IsTerminal(id core.ProcessID) func(core.Event) bool {
	return func(ev core.Event) bool { return ev.ProcessID == id && ev.IsTerminal() }
}

// Drain returns the events currently queued on sub without waiting.
func Drain(sub *bus.Subscription) []core.Event {
	var out []core.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// WaitDone waits for done to close.
func WaitDone(t testing.TB, done <-chan struct{}, timeout time.Duration) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timed out after %s waiting for completion", timeout)
	}
}
