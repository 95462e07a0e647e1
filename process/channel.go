package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/spacebot/bus"
	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/status"
	"github.com/hupe1980/spacebot/tool"
)

// DefaultChannelTurns is the per-message Channel budget when none is configured.
const DefaultChannelTurns = 8

const (
	defaultInboxSize   = 16
	defaultRecentTurns = 30
)

const (
	// ExhaustedMessage is sent to the user when no model could answer a turn.
	ExhaustedMessage = "All of my language models are unavailable right now. Please try again in a moment."
	// FailureMessage is sent to the user when a turn failed for any other reason.
	FailureMessage = "Something went wrong while I was working on that. Please try again."
	// MaxTurnsMessage is sent when a turn ran out of steps without any text.
	MaxTurnsMessage = "I ran out of steps before finishing. Could you narrow the request down?"
)

const channelInstructions = `You are talking to a user. Delegate thinking to a branch and long running or tool heavy work to a worker.
Results of branches and workers arrive as system messages.`

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	// MaxTurns is the budget for one inbound message.
	MaxTurns int
	// RecentTurns bounds the history loaded when the Channel opens and the
	// history carried into each new inbound message.
	RecentTurns int
	// Tools is the server shared by the agent's Channels and Branches.
	Tools    *tool.Server
	Spawner  Spawner
	History  core.HistoryProvider
	Identity core.IdentityProvider
	Outbound core.Outbound
	// MaxCompleted bounds the Status Block's recently completed list.
	MaxCompleted int
	// ReactToResults runs an extra turn when a child reports back while the
	// Channel is idle.
	ReactToResults bool
	InboxSize      int
	// TurnTools are registered for this Channel's turns only, so Branches
	// on the shared server never see them.
	TurnTools []tool.Tool
}

type inbound struct {
	text string
}

// Channel is the long-lived process bound to one external conversation. It
// serializes its own turns and observes its children through the bus.
type Channel struct {
	*base

	channelID core.ChannelID
	conv      *conversation
	tools     *tool.Server
	spawner   Spawner
	children  *Children
	status    *status.Block

	history  core.HistoryProvider
	identity core.IdentityProvider
	outbound core.Outbound
	react    bool
	recent   int
	extra    []tool.Tool

	sub       *bus.Subscription
	inbox     chan inbound
	notify    chan struct{}
	closing   chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   []string
}

// NewChannel creates the Channel of channelID and loads its recent history.
// It subscribes to its children's events before any child can be admitted.
func NewChannel(env Env, channelID core.ChannelID, optFns ...func(o *ChannelOptions)) (*Channel, error) {
	opts := ChannelOptions{
		MaxTurns:       DefaultChannelTurns,
		RecentTurns:    defaultRecentTurns,
		MaxCompleted:   status.DefaultMaxCompleted,
		ReactToResults: true,
		InboxSize:      defaultInboxSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultChannelTurns
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}

	o := core.Origin{
		AgentID:   env.AgentID,
		ProcessID: core.NewProcessID(),
		Kind:      core.KindChannel,
		ChannelID: channelID,
	}

	var seed []core.Content
	if opts.History != nil {
		h, err := opts.History.RecentTurns(channelID, opts.RecentTurns)
		if err != nil {
			return nil, fmt.Errorf("load history of %s: %w", channelID, err)
		}
		seed = h
	}

	c := &Channel{
		base:      newBase(env, o, string(channelID), "", opts.MaxTurns),
		channelID: channelID,
		conv:      newConversation(seed),
		tools:     opts.Tools,
		spawner:   opts.Spawner,
		children:  NewChildren(),
		status:    status.New(opts.MaxCompleted),
		history:   opts.History,
		identity:  opts.Identity,
		outbound:  opts.Outbound,
		react:     opts.ReactToResults,
		recent:    opts.RecentTurns,
		extra:     opts.TurnTools,
		inbox:     make(chan inbound, opts.InboxSize),
		notify:    make(chan struct{}, 1),
		closing:   make(chan struct{}),
	}

	if env.Bus != nil {
		c.sub = env.Bus.Subscribe(
			bus.WithName("channel-"+o.ProcessID.Short()),
			bus.WithFilter(bus.ByParent(o.ProcessID)),
		)
	}

	return c, nil
}

// ChannelID returns the external conversation of the Channel.
func (c *Channel) ChannelID() core.ChannelID { return c.channelID }

// Children returns the Channel's active Branches and Workers.
func (c *Channel) Children() *Children { return c.children }

// Status returns the Channel's Status Block.
func (c *Channel) Status() *status.Block { return c.status }

// History returns a copy of the in-memory conversation.
func (c *Channel) History() []core.Content { return c.conv.snapshot() }

// Deliver queues an inbound user message. It blocks only while the inbox is
// full.
func (c *Channel) Deliver(ctx context.Context, text string) error {
	if c.State().IsTerminal() || c.cancelled() {
		return core.ErrProcessTerminated
	}

	select {
	case <-c.closing:
		return core.ErrProcessTerminated
	default:
	}

	select {
	case c.inbox <- inbound{text: text}:
		return nil
	case <-c.closing:
		return core.ErrProcessTerminated
	case <-c.done:
		return core.ErrProcessTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session. The Channel finishes the turn in flight, cancels
// its children and completes.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// Closing reports whether the Channel stopped taking new messages.
func (c *Channel) Closing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return c.State().IsTerminal() || c.cancelled()
	}
}

// Run implements Process.
func (c *Channel) Run(ctx context.Context) Outcome {
	if !c.transition(core.StateRunning) {
		return Outcome{State: core.StateCancelled}
	}

	watchDone := make(chan struct{})
	go c.watch(watchDone)

	defer func() {
		c.cancelChildren()
		if c.sub != nil {
			c.sub.Close()
		}
		<-watchDone
	}()

	c.logger.Info("channel.started")

	for {
		select {
		case msg := <-c.inbox:
			c.handle(ctx, msg.text)
		case <-c.notify:
			if c.react && c.hasPending() {
				c.handle(ctx, "")
			}
		case <-c.closing:
			return Outcome{State: core.StateCompleted}
		case <-c.cancelCh:
			return Outcome{State: core.StateCancelled}
		case <-ctx.Done():
			return Outcome{State: core.StateCancelled}
		}
	}
}

// handle runs one turn sequence for an inbound message. An empty text runs
// an internal turn that only reacts to pending child results.
func (c *Channel) handle(ctx context.Context, text string) {
	c.budget.Reset()
	c.conv.trim(c.recent)

	var record []core.Content
	if text != "" {
		user := core.NewTextContent(core.RoleUser, text)
		c.conv.append(user)
		record = append(record, user)
	}

	if pending := c.takePending(); len(pending) > 0 {
		c.conv.append(core.NewTextContent(core.RoleSystem, strings.Join(pending, "\n")))
	}

	var (
		last   string
		runErr error
	)

	setup := turnSetup{conv: c.conv, system: c.system, server: c.tools}

	if c.tools != nil {
		err := c.tools.WithTurnTools(c.ID(), c.turnTools(), func() error {
			last, runErr = c.runLoop(ctx, setup)
			return nil
		})
		if err != nil {
			runErr = fmt.Errorf("register turn tools: %w", err)
		}
	} else {
		last, runErr = c.runLoop(ctx, setup)
	}

	var reply string

	switch {
	case runErr == nil:
		reply = last
	case errors.Is(runErr, core.ErrCancelled), errors.Is(runErr, context.Canceled):
		return
	case errors.Is(runErr, core.ErrMaxTurns):
		reply = last
		if reply == "" {
			reply = MaxTurnsMessage
		}
		c.logger.Warn("channel.turn.max_turns", "turns", c.budget.Used())
	default:
		c.logger.Error("channel.turn.failed", "error", runErr.Error())
		c.publish(core.NewProcessFailedEvent(c.origin, runErr.Error(), false))

		reply = FailureMessage
		if errors.Is(runErr, core.ErrChainExhausted) {
			reply = ExhaustedMessage
		}
		// The failure notice is not part of the model's history.
		c.send(ctx, reply)
		c.recordTurns(record...)
		return
	}

	if reply == "" {
		c.recordTurns(record...)
		return
	}

	c.send(ctx, reply)
	c.recordTurns(append(record, core.NewTextContent(core.RoleAssistant, reply))...)
}

func (c *Channel) send(ctx context.Context, text string) {
	if c.outbound == nil {
		return
	}
	if err := c.outbound.Send(ctx, c.channelID, text); err != nil {
		c.logger.Warn("channel.outbound.failed", "error", err.Error())
	}
}

func (c *Channel) recordTurns(turns ...core.Content) {
	rec, ok := c.history.(core.HistoryRecorder)
	if !ok || len(turns) == 0 {
		return
	}
	if err := rec.AppendTurns(c.channelID, turns...); err != nil {
		c.logger.Warn("channel.history.append_failed", "error", err.Error())
	}
}

// system assembles the prompt context: identity, instructions and the
// rendered Status Block.
func (c *Channel) system() string {
	var parts []string

	if id := c.identityText(); id != "" {
		parts = append(parts, id)
	}
	parts = append(parts, channelInstructions)
	if block := c.status.Render(); block != "" {
		parts = append(parts, block)
	}

	return strings.Join(parts, "\n\n")
}

func (c *Channel) identityText() string {
	if c.identity == nil {
		return ""
	}

	text, err := c.identity.RenderIdentity(c.origin.AgentID)
	if err != nil {
		c.logger.Warn("channel.identity.failed", "error", err.Error())
		return ""
	}

	return text
}

// watch folds child events into the Status Block and queues what the
// model has to hear about on its next turn.
func (c *Channel) watch(done chan<- struct{}) {
	defer close(done)

	if c.sub == nil {
		return
	}

	for ev := range c.sub.Events() {
		c.status.Apply(ev)

		if note := noteFor(ev); note != "" {
			c.pendingMu.Lock()
			c.pending = append(c.pending, note)
			c.pendingMu.Unlock()

			select {
			case c.notify <- struct{}{}:
			default:
			}
		}
	}
}

func noteFor(ev core.Event) string {
	id := ev.ProcessID.Short()

	switch ev.Type {
	case core.EventBranchResult:
		if ev.Partial {
			return fmt.Sprintf("Branch [%s] ran out of turns. Partial conclusion: %s", id, ev.Text)
		}
		return fmt.Sprintf("Branch [%s] concluded: %s", id, ev.Text)
	case core.EventWorkerResponse:
		return fmt.Sprintf("Worker [%s] is waiting for input. It said: %s", id, ev.Text)
	case core.EventProcessFailed:
		if ev.Terminal {
			return fmt.Sprintf("%s [%s] failed: %s", titleKind(ev.Kind), id, ev.Reason)
		}
	case core.EventProcessCompleted:
		if ev.Kind != core.KindWorker || ev.Text == "" {
			return ""
		}
		if ev.State == core.StateMaxTurnsReached {
			return fmt.Sprintf("Worker [%s] ran out of turns. Partial result: %s", id, ev.Text)
		}
		if ev.State == core.StateCompleted {
			return fmt.Sprintf("Worker [%s] finished: %s", id, ev.Text)
		}
	}

	return ""
}

func titleKind(k core.ProcessKind) string {
	s := string(k)
	if s == "" {
		return "Process"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (c *Channel) hasPending() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	return len(c.pending) > 0
}

func (c *Channel) takePending() []string {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	out := c.pending
	c.pending = nil

	return out
}

func (c *Channel) cancelChildren() {
	if c.spawner == nil {
		return
	}
	for _, h := range c.children.List() {
		if err := c.spawner.Cancel(h.ID()); err != nil && !errors.Is(err, core.ErrProcessNotFound) {
			c.logger.Warn("channel.child.cancel_failed", "child_id", string(h.ID()), "error", err.Error())
		}
	}
}
