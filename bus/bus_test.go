package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/metrics"
)

func origin(id core.ProcessID, parent core.ProcessID) core.Origin {
	kind := core.KindBranch
	if parent == "" {
		kind = core.KindChannel
	}
	return core.Origin{AgentID: "agent", ProcessID: id, Kind: kind, ParentID: parent}
}

func drain(sub *Subscription) []core.Event {
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

func TestPublish_StampsSeqIDAndTimestamp(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("agent", func(o *Options) { o.Now = func() time.Time { return now } })
	sub := b.Subscribe()

	first := b.Publish(core.NewTurnStartedEvent(origin("p1", ""), 1))
	second := b.Publish(core.NewTurnStartedEvent(origin("p1", ""), 2))

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, now, first.Timestamp)
	assert.Equal(t, uint64(2), b.LastSeq())

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Turn)
	assert.Equal(t, 2, got[1].Turn)
}

func TestSubscribe_NoReplay(t *testing.T) {
	b := New("agent")
	b.Publish(core.NewTurnStartedEvent(origin("p1", ""), 1))

	sub := b.Subscribe()
	assert.Empty(t, drain(sub))

	b.Publish(core.NewTurnStartedEvent(origin("p1", ""), 2))
	assert.Len(t, drain(sub), 1)
}

func TestSubscribe_Filter(t *testing.T) {
	b := New("agent")
	children := b.Subscribe(WithFilter(ByParent("chan")))
	terminal := b.Subscribe(WithFilter(ByType(core.EventProcessCompleted)))

	b.Publish(core.NewTurnStartedEvent(origin("chan", ""), 1))
	b.Publish(core.NewToolInvokedEvent(origin("b1", "chan"), "memory_recall"))
	b.Publish(core.NewProcessCompletedEvent(origin("b1", "chan"), core.StateCompleted, "done"))
	b.Publish(core.NewProcessCompletedEvent(origin("b2", "other"), core.StateCompleted, "x"))

	assert.Len(t, drain(children), 2)
	assert.Len(t, drain(terminal), 2)

	only := b.Subscribe(WithFilter(ByProcess("b2")))
	b.Publish(core.NewWorkerStatusEvent(origin("b2", "other"), "busy"))
	b.Publish(core.NewWorkerStatusEvent(origin("b1", "chan"), "busy"))
	assert.Len(t, drain(only), 1)
}

func TestPublish_PerProcessOrderUnderConcurrency(t *testing.T) {
	b := New("agent", func(o *Options) { o.BufferSize = 1024 })
	sub := b.Subscribe()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(id core.ProcessID) {
			defer wg.Done()
			for n := 1; n <= 50; n++ {
				b.Publish(core.NewTurnStartedEvent(origin(id, "chan"), n))
			}
		}(core.ProcessID(fmt.Sprintf("p%d", p)))
	}
	wg.Wait()

	last := map[core.ProcessID]int{}
	var lastSeq uint64
	for _, ev := range drain(sub) {
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
		assert.Equal(t, last[ev.ProcessID]+1, ev.Turn, "events of one process arrive in emission order")
		last[ev.ProcessID] = ev.Turn
	}
	assert.Len(t, last, 4)
}

func TestPublish_OverflowDropsNewest(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := New("agent", func(o *Options) { o.Metrics = metrics.MustNewMetrics(reg) })
	sub := b.Subscribe(WithBuffer(2))

	for n := 1; n <= 5; n++ {
		b.Publish(core.NewTurnStartedEvent(origin("p1", ""), n))
	}

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Turn)
	assert.Equal(t, 2, got[1].Turn)
	assert.Equal(t, uint64(3), sub.Dropped())

	count, err := promtest.GatherAndCount(reg, "spacebot_bus_events_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPublish_CriticalEventEvictsOldest(t *testing.T) {
	b := New("agent")
	sub := b.Subscribe(WithBuffer(2))

	b.Publish(core.NewTurnStartedEvent(origin("b1", "chan"), 1))
	b.Publish(core.NewTurnStartedEvent(origin("b1", "chan"), 2))
	b.Publish(core.NewBranchResultEvent(origin("b1", "chan"), "answer", false))

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Turn)
	assert.Equal(t, core.EventBranchResult, got[1].Type)
	assert.Equal(t, uint64(1), sub.Dropped())
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := New("agent")
	sub := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Subscribers())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	b.Publish(core.NewTurnStartedEvent(origin("p1", ""), 1))
}

func TestBus_Close(t *testing.T) {
	b := New("agent")
	sub := b.Subscribe()
	b.Close()
	b.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	sub.Close()

	late := b.Subscribe()
	_, ok = <-late.Events()
	assert.False(t, ok)

	ev := b.Publish(core.NewTurnStartedEvent(origin("p1", ""), 1))
	assert.Zero(t, ev.Seq)
}
