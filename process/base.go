package process

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
	"github.com/hupe1980/spacebot/model"
)

const tracerName = "github.com/hupe1980/spacebot/process"

// base holds the state common to every process variant. It implements
// Handle and the write-once Finish.
type base struct {
	origin  core.Origin
	desc    string
	task    string
	created time.Time
	budget  *core.TurnBudget

	env    Env
	logger logging.Logger

	mu       sync.Mutex
	state    core.ProcessState
	inflight context.CancelFunc
	outcome  *Outcome

	cancelRequested atomic.Bool
	cancelCh        chan struct{}
	done            chan struct{}
}

func newBase(env Env, o core.Origin, desc, task string, maxTurns int) *base {
	if env.Tracer == nil {
		env.Tracer = otel.Tracer(tracerName)
	}
	env.Logger = logging.OrNoOp(env.Logger)
	if o.AgentID == "" {
		o.AgentID = env.AgentID
	}

	return &base{
		origin:   o,
		desc:     desc,
		task:     task,
		created:  time.Now(),
		budget:   core.NewTurnBudget(maxTurns),
		env:      env,
		logger:   logging.ForProcess(env.Logger, string(o.AgentID), string(o.ProcessID), string(o.Kind), string(o.ChannelID)),
		state:    core.StateCreated,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (b *base) ID() core.ProcessID     { return b.origin.ProcessID }
func (b *base) Kind() core.ProcessKind { return b.origin.Kind }
func (b *base) Parent() core.ProcessID { return b.origin.ParentID }
func (b *base) Origin() core.Origin    { return b.origin }
func (b *base) Description() string    { return b.desc }
func (b *base) Created() time.Time     { return b.created }
func (b *base) TurnsUsed() int         { return b.budget.Used() }
func (b *base) Done() <-chan struct{}  { return b.done }
func (b *base) cancelled() bool        { return b.cancelRequested.Load() }

// State returns the current lifecycle state.
func (b *base) State() core.ProcessState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Result returns the outcome once it has been written.
func (b *base) Result() (Outcome, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.outcome == nil {
		return Outcome{}, false
	}

	return *b.outcome, true
}

// RequestCancel raises the cancellation flag once and aborts an in-flight
// model call. Terminal processes ignore the request.
func (b *base) RequestCancel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.IsTerminal() || !b.cancelRequested.CompareAndSwap(false, true) {
		return false
	}

	close(b.cancelCh)
	if b.inflight != nil {
		b.inflight()
	}

	b.logger.Info("process.cancel.requested")

	return true
}

// Finish writes out into the result slot, moves the process into the
// terminal state it names and publishes the terminal events. Later calls
// are rejected.
func (b *base) Finish(out Outcome) bool {
	b.mu.Lock()
	if b.outcome != nil || !out.State.IsTerminal() || !b.state.CanTransition(out.State) {
		b.mu.Unlock()
		return false
	}

	out.ID = b.origin.ProcessID
	out.Kind = b.origin.Kind
	out.Parent = b.origin.ParentID
	out.Turns = b.budget.Used()
	if out.Finished.IsZero() {
		out.Finished = time.Now()
	}
	if out.State == core.StateCancelled {
		out.Result = ""
		out.Partial = false
	}

	b.state = out.State
	b.outcome = &out
	b.inflight = nil
	b.mu.Unlock()

	if b.env.Bus != nil {
		for _, ev := range TerminalEvents(b.origin, out) {
			b.env.Bus.Publish(ev)
		}
	}

	close(b.done)

	b.logger.Info("process.finished", "state", out.State.String(), "turns", out.Turns)

	return true
}

// transition moves the process into a non-terminal state.
func (b *base) transition(next core.ProcessState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.state.CanTransition(next) {
		return false
	}
	b.state = next

	return true
}

func (b *base) publish(ev core.Event) {
	if b.env.Bus != nil {
		b.env.Bus.Publish(ev)
	}
}

// checkpoint reports ErrCancelled once cancellation was requested.
func (b *base) checkpoint() error {
	if b.cancelled() {
		return core.ErrCancelled
	}
	return nil
}

// beginTurn is the start-of-turn checkpoint. It consumes one turn of the
// budget and announces it.
func (b *base) beginTurn() (int, error) {
	if err := b.checkpoint(); err != nil {
		return 0, err
	}

	n, err := b.budget.Consume()
	if err != nil {
		return n, err
	}

	b.publish(core.NewTurnStartedEvent(b.origin, n))

	return n, nil
}

// complete drives one completion through the router. The call runs under a
// context that RequestCancel aborts; an abort caused by cancellation is
// reported as ErrCancelled.
func (b *base) complete(ctx context.Context, req model.Request) (*model.Response, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.cancelled() {
		b.mu.Unlock()
		return nil, core.ErrCancelled
	}
	b.inflight = cancel
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inflight = nil
		b.mu.Unlock()
	}()

	if b.env.Router == nil || b.env.Completer == nil {
		return nil, fmt.Errorf("process %s: no model router configured", b.origin.ProcessID)
	}

	resp, modelID, err := b.env.Router.Invoke(callCtx, b.origin.Kind, b.task, func(ctx context.Context, id string) (*model.Response, error) {
		return b.env.Completer.Complete(ctx, id, req)
	})
	// A transport may ignore ctx and answer after cancellation was requested.
	if b.cancelled() {
		return nil, core.ErrCancelled
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("model %s returned no response", modelID)
	}

	b.logger.Debug("process.turn.completed", "model", modelID, "finish_reason", resp.FinishReason)

	return resp, nil
}

