package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/internal/testutil"
	"github.com/hupe1980/spacebot/model"
	"github.com/hupe1980/spacebot/outbound"
	"github.com/hupe1980/spacebot/session"
	"github.com/hupe1980/spacebot/tool"
)

// fakeSpawner admits branches into the channel's children without running
// them, up to limit.
type fakeSpawner struct {
	mu        sync.Mutex
	env       Env
	channel   *Channel
	limit     int
	params    []SpawnParams
	cancelled []core.ProcessID
}

func (f *fakeSpawner) Admit(_ context.Context, parent core.ProcessID, kind core.ProcessKind, params SpawnParams) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.limit > 0 && f.channel.Children().Count(kind) >= f.limit {
		return nil, core.NewAdmissionError(kind, parent, "limit of %d reached", f.limit)
	}
	f.params = append(f.params, params)

	var h Handle
	if kind == core.KindWorker {
		w, err := NewWorker(f.env, f.channel.Origin(), params)
		if err != nil {
			return nil, err
		}
		h = w
	} else {
		h = NewBranch(f.env, f.channel.Origin(), params)
	}
	f.channel.Children().Add(h)

	return h, nil
}

func (f *fakeSpawner) Cancel(id core.ProcessID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, ok := f.channel.Children().Get(id)
	if !ok {
		return core.ErrProcessNotFound
	}
	h.RequestCancel()
	f.cancelled = append(f.cancelled, id)

	return nil
}

func (f *fakeSpawner) Lookup(id core.ProcessID) (Handle, bool) { return f.channel.Children().Get(id) }

type channelFixture struct {
	completer *model.ScriptedCompleter
	env       Env
	server    *tool.Server
	recorder  *outbound.Recorder
	history   *session.InMemoryHistory
	spawner   *fakeSpawner
	channel   *Channel
	result    chan Outcome
}

func newChannelFixture(t *testing.T, optFns ...func(o *ChannelOptions)) *channelFixture {
	t.Helper()

	f := &channelFixture{
		completer: model.NewScriptedCompleter(),
		server:    sharedServer(t),
		recorder:  outbound.NewRecorder(),
		history:   session.NewInMemoryHistory(),
		result:    make(chan Outcome, 1),
	}
	f.env = testEnv(f.completer)
	f.spawner = &fakeSpawner{env: f.env}
	f.history.Seed("c1", testutil.NewHistoryBuilder().User("earlier").Assistant("noted").Build()...)

	opts := append([]func(o *ChannelOptions){func(o *ChannelOptions) {
		o.Tools = f.server
		o.Spawner = f.spawner
		o.Outbound = f.recorder
		o.History = f.history
		o.Identity = session.NewStaticIdentity("I am {{.agent_id}}.", nil)
		o.ReactToResults = false
	}}, optFns...)

	c, err := NewChannel(f.env, "c1", opts...)
	require.NoError(t, err)
	f.channel = c
	f.spawner.channel = c

	go func() { f.result <- c.Run(context.Background()) }()

	t.Cleanup(func() {
		c.Close()
		select {
		case <-f.result:
		case <-time.After(testutil.DefaultTimeout):
			t.Error("channel did not stop")
		}
	})

	return f
}

func (f *channelFixture) deliver(t *testing.T, text string, wantReplies int) []outbound.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultTimeout)
	defer cancel()

	require.NoError(t, f.channel.Deliver(ctx, text))
	msgs, err := f.recorder.WaitFor(ctx, wantReplies)
	require.NoError(t, err)

	return msgs
}

func TestChannel_RepliesThroughOutbound(t *testing.T) {
	f := newChannelFixture(t)
	f.completer.Reply("chan-a", model.NewTextResponse("Hello there!"))

	msgs := f.deliver(t, "hi", 1)
	assert.Equal(t, "c1", string(msgs[0].ChannelID))
	assert.Equal(t, "Hello there!", msgs[0].Content)

	req := f.completer.Calls()[0].Request
	assert.Contains(t, req.System, "I am agent.")
	require.Len(t, req.Contents, 3)
	assert.Equal(t, "earlier", req.Contents[0].Text())
	assert.Equal(t, "hi", req.Contents[2].Text())

	names := make([]string, len(req.Tools))
	for i, d := range req.Tools {
		names[i] = d.Function.Name
	}
	assert.Equal(t, []string{ToolBranch, ToolCancel, "lookup", ToolRoute, ToolSpawnWorker}, names)

	assert.Eventually(t, func() bool { return f.history.Len("c1") == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, core.StateRunning, f.channel.State())
}

func TestChannel_TurnToolsLiveOnlyDuringTurn(t *testing.T) {
	f := newChannelFixture(t)

	started := make(chan struct{})
	gate := make(chan struct{})
	f.completer.Script("chan-a", model.Step{Response: model.NewTextResponse("ok"), Started: started, Gate: gate})

	id := f.channel.ID()
	assert.False(t, f.server.HasFor(id, ToolBranch))

	require.NoError(t, f.channel.Deliver(context.Background(), "hi"))
	<-started

	assert.True(t, f.server.HasFor(id, ToolBranch))
	assert.True(t, f.server.HasFor(id, ToolSpawnWorker))
	assert.False(t, f.server.HasFor("another-process", ToolBranch), "turn tools are invisible to other processes")
	assert.False(t, f.server.Has(ToolBranch), "turn tools are not startup tools")

	close(gate)
	_, err := f.recorder.WaitFor(context.Background(), 1)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !f.server.HasFor(id, ToolBranch) }, time.Second, 5*time.Millisecond)
	assert.True(t, f.server.Has("lookup"))
}

func TestChannel_ExhaustedChainSurfacesMessageAndKeepsRunning(t *testing.T) {
	f := newChannelFixture(t)
	sub := f.env.Bus.Subscribe()

	f.completer.Fail("chan-a", &model.StatusError{StatusCode: 503, Err: errors.New("unavailable")})
	f.completer.Reply("chan-a", model.NewTextResponse("I am back."))

	msgs := f.deliver(t, "hello?", 1)
	assert.Equal(t, ExhaustedMessage, msgs[0].Content)

	ev := testutil.WaitForEvent(t, sub, testutil.IsType(core.EventProcessFailed, f.channel.ID()), testutil.DefaultTimeout)
	assert.False(t, ev.Terminal)
	assert.Contains(t, ev.Reason, "chan-a")
	assert.Equal(t, core.StateRunning, f.channel.State())
	assert.False(t, f.server.HasFor(f.channel.ID(), ToolBranch), "turn tools are released after a failed turn")

	msgs = f.deliver(t, "still there?", 2)
	assert.Equal(t, "I am back.", msgs[1].Content)
}

func TestChannel_MaxTurnsSendsLastText(t *testing.T) {
	f := newChannelFixture(t, func(o *ChannelOptions) { o.MaxTurns = 1 })
	f.completer.Reply("chan-a",
		testutil.NewResponseBuilder().Text("Let me check.").Call("lookup", map[string]any{"q": "x"}).Build(),
		model.NewTextResponse("Fresh budget."),
	)

	msgs := f.deliver(t, "first", 1)
	assert.Equal(t, "Let me check.", msgs[0].Content)

	msgs = f.deliver(t, "second", 2)
	assert.Equal(t, "Fresh budget.", msgs[1].Content, "the budget resets for every inbound message")
}

func TestChannel_BranchToolAdmitsThenRejects(t *testing.T) {
	f := newChannelFixture(t)
	f.spawner.limit = 1

	f.completer.Reply("chan-a",
		testutil.ToolCallResponse(ToolBranch, map[string]any{"description": "think about A"}),
		testutil.ToolCallResponse(ToolBranch, map[string]any{"description": "think about B"}),
		model.NewTextResponse("Working on it."),
	)

	msgs := f.deliver(t, "please think", 1)
	assert.Equal(t, "Working on it.", msgs[0].Content)

	calls := f.completer.Calls()
	require.Len(t, calls, 3)

	first := lastToolResponse(t, calls[1].Request)
	assert.Empty(t, first.Error)
	assert.Contains(t, first.Response, "branch_id")

	second := lastToolResponse(t, calls[2].Request)
	assert.Contains(t, second.Error, "admission rejected")

	assert.Equal(t, 1, f.channel.Children().Count(core.KindBranch))
	snap := f.channel.Status().Snapshot()
	require.Len(t, snap.Branches, 1)
	assert.Equal(t, "think about A", snap.Branches[0].Description)

	require.Len(t, f.spawner.params, 1)
	forked := f.spawner.params[0].History
	require.NotEmpty(t, forked)
	assert.Equal(t, "please think", forked[len(forked)-1].Text(), "the fork excludes the pending tool call")
	assert.Contains(t, f.spawner.params[0].Identity, "I am agent.")
}

func TestChannel_RouteAndCancelTools(t *testing.T) {
	f := newChannelFixture(t)

	w, err := NewWorker(f.env, f.channel.Origin(), SpawnParams{Description: "refactor", Interactive: true}, func(o *WorkerOptions) { o.InputBuffer = 1 })
	require.NoError(t, err)
	f.channel.Children().Add(w)

	f.completer.Reply("chan-a",
		testutil.NewResponseBuilder().
			Call(ToolRoute, map[string]any{"worker_id": w.ID().Short(), "message": "use main.go"}).
			Call(ToolRoute, map[string]any{"worker_id": "nope", "message": "x"}).
			Build(),
		testutil.ToolCallResponse(ToolCancel, map[string]any{"process_id": w.ID().Short()}),
		model.NewTextResponse("Done."),
	)

	f.deliver(t, "go", 1)

	calls := f.completer.Calls()
	require.Len(t, calls, 3)

	contents := calls[1].Request.Contents
	responses := contents[len(contents)-1].FunctionResponses()
	require.Len(t, responses, 2)
	assert.Empty(t, responses[0].Error)
	assert.Contains(t, responses[1].Error, "process not found")

	cancel := lastToolResponse(t, calls[2].Request)
	assert.Empty(t, cancel.Error)
	assert.Equal(t, []core.ProcessID{w.ID()}, f.spawner.cancelled)

	assert.Equal(t, "use main.go", <-w.input)
}

func TestChannel_ChildResultsReachNextTurn(t *testing.T) {
	f := newChannelFixture(t)

	child := core.Origin{AgentID: "agent", ProcessID: "branch-1234abcd", Kind: core.KindBranch, ParentID: f.channel.ID(), ChannelID: "c1"}
	f.env.Bus.Publish(core.NewBranchResultEvent(child, "The release is in May.", false))
	f.env.Bus.Publish(core.NewProcessCompletedEvent(child, core.StateCompleted, "The release is in May."))

	assert.Eventually(t, func() bool { return len(f.channel.Status().Snapshot().Completed) == 1 }, time.Second, 5*time.Millisecond)

	f.completer.Reply("chan-a", model.NewTextResponse("It ships in May."))
	f.deliver(t, "when?", 1)

	req := f.completer.Calls()[0].Request
	note := req.Contents[len(req.Contents)-1]
	assert.Equal(t, core.RoleSystem, note.Role)
	assert.Contains(t, note.Text(), "Branch [branch-1] concluded: The release is in May.")
	assert.Contains(t, req.System, "### Recently completed")
}

func TestChannel_ReactsToResultsWhenIdle(t *testing.T) {
	f := newChannelFixture(t, func(o *ChannelOptions) { o.ReactToResults = true })
	f.completer.Reply("chan-a", model.NewTextResponse("Your worker is done: 3 files changed."))

	child := core.Origin{AgentID: "agent", ProcessID: "worker-1", Kind: core.KindWorker, ParentID: f.channel.ID()}
	f.env.Bus.Publish(core.NewProcessCompletedEvent(child, core.StateCompleted, "3 files changed"))

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultTimeout)
	defer cancel()
	msgs, err := f.recorder.WaitFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Your worker is done: 3 files changed.", msgs[0].Content)

	req := f.completer.Calls()[0].Request
	assert.Contains(t, req.Contents[len(req.Contents)-1].Text(), "Worker [worker-1] finished: 3 files changed")
}

func TestChannel_HistoryWindowBoundsEveryRequest(t *testing.T) {
	f := newChannelFixture(t, func(o *ChannelOptions) { o.RecentTurns = 2 })
	f.completer.Reply("chan-a",
		model.NewTextResponse("r1"),
		model.NewTextResponse("r2"),
		model.NewTextResponse("r3"),
		model.NewTextResponse("r4"),
	)

	for i, text := range []string{"one", "two", "three", "four"} {
		f.deliver(t, text, i+1)
	}

	calls := f.completer.Calls()
	require.Len(t, calls, 4)
	for _, call := range calls {
		assert.LessOrEqual(t, len(call.Request.Contents), 3, "window plus the new message")
	}

	last := calls[3].Request.Contents
	require.Len(t, last, 3)
	assert.Equal(t, "three", last[0].Text())
	assert.Equal(t, "r3", last[1].Text())
	assert.Equal(t, "four", last[2].Text())
	assert.Len(t, f.channel.History(), 4)
}

func TestChannel_TurnToolsIncludeChannelOnlyTools(t *testing.T) {
	announce := tool.NewFunctionTool("announce", "Post to the room", nil, func(*core.ToolContext, map[string]any) (any, error) {
		return "posted", nil
	})
	f := newChannelFixture(t, func(o *ChannelOptions) { o.TurnTools = []tool.Tool{announce} })
	f.completer.Reply("chan-a",
		testutil.ToolCallResponse("announce", map[string]any{}),
		model.NewTextResponse("Posted."),
	)

	msgs := f.deliver(t, "tell everyone", 1)
	assert.Equal(t, "Posted.", msgs[0].Content)

	calls := f.completer.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "posted", lastToolResponse(t, calls[1].Request).Response)

	names := make([]string, len(calls[0].Request.Tools))
	for i, d := range calls[0].Request.Tools {
		names[i] = d.Function.Name
	}
	assert.Contains(t, names, "announce")
	assert.Contains(t, names, ToolBranch)

	assert.False(t, f.server.Has("announce"), "channel-only tools are never startup tools")
	assert.Eventually(t, func() bool { return !f.server.HasFor(f.channel.ID(), "announce") }, time.Second, 5*time.Millisecond)
}

func TestChannel_ClosingStopsTakingMessages(t *testing.T) {
	f := newChannelFixture(t)
	assert.False(t, f.channel.Closing())

	f.channel.Close()
	assert.True(t, f.channel.Closing())
	assert.ErrorIs(t, f.channel.Deliver(context.Background(), "late"), core.ErrProcessTerminated)
}

func TestChannel_CloseCancelsChildren(t *testing.T) {
	f := newChannelFixture(t)

	b := NewBranch(f.env, f.channel.Origin(), SpawnParams{Description: "x"})
	f.channel.Children().Add(b)

	f.channel.Close()

	select {
	case out := <-f.result:
		assert.Equal(t, core.StateCompleted, out.State)
		f.result <- out
	case <-time.After(testutil.DefaultTimeout):
		t.Fatal("channel did not close")
	}

	assert.Equal(t, []core.ProcessID{b.ID()}, f.spawner.cancelled)
	assert.ErrorIs(t, f.channel.Deliver(context.Background(), "late"), core.ErrProcessTerminated)
}

func lastToolResponse(t *testing.T, req model.Request) core.FunctionResponse {
	t.Helper()

	require.NotEmpty(t, req.Contents)
	responses := req.Contents[len(req.Contents)-1].FunctionResponses()
	require.Len(t, responses, 1)

	return responses[0]
}
