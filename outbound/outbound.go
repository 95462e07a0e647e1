// Package outbound provides adapters for core.Outbound, the boundary a
// Channel hands its replies to.
package outbound

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
)

// Func adapts a plain function to core.Outbound.
type Func func(ctx context.Context, channelID core.ChannelID, content string) error

// Send implements core.Outbound.
func (f Func) Send(ctx context.Context, channelID core.ChannelID, content string) error {
	return f(ctx, channelID, content)
}

// Message is one delivered reply.
type Message struct {
	ChannelID core.ChannelID
	Content   string
}

// Recorder keeps every delivered message in memory. It is used by tests and
// the examples.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	notify   chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// Send implements core.Outbound.
func (r *Recorder) Send(_ context.Context, channelID core.ChannelID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, Message{ChannelID: channelID, Content: content})
	close(r.notify)
	r.notify = make(chan struct{})

	return nil
}

// Messages returns a copy of everything delivered so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Message(nil), r.messages...)
}

// For returns the contents delivered to channelID in order.
func (r *Recorder) For(channelID core.ChannelID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, m := range r.messages {
		if m.ChannelID == channelID {
			out = append(out, m.Content)
		}
	}
	return out
}

// WaitFor blocks until at least n messages were delivered or ctx is done.
func (r *Recorder) WaitFor(ctx context.Context, n int) ([]Message, error) {
	for {
		r.mu.Lock()
		if len(r.messages) >= n {
			out := append([]Message(nil), r.messages...)
			r.mu.Unlock()
			return out, nil
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return r.Messages(), ctx.Err()
		}
	}
}

// ErrClosed is returned by Async.Send after Close.
var ErrClosed = errors.New("outbound queue closed")

// AsyncOptions configures Async.
type AsyncOptions struct {
	Logger logging.Logger
	// QueueSize bounds pending deliveries. Send fails fast when full.
	QueueSize int
	// OnError receives delivery failures.
	OnError func(channelID core.ChannelID, err error)
}

// Async decouples a Channel from a slow delivery backend. Messages are
// delivered in order by a single goroutine; failures are reported to
// OnError and logged, never to the sending Channel.
type Async struct {
	next    core.Outbound
	queue   chan Message
	logger  logging.Logger
	onError func(core.ChannelID, error)

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the delivery goroutine in front of next.
func NewAsync(next core.Outbound, optFns ...func(o *AsyncOptions)) *Async {
	opts := AsyncOptions{Logger: logging.NoOpLogger{}, QueueSize: 64}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}

	a := &Async{
		next:    next,
		queue:   make(chan Message, opts.QueueSize),
		logger:  logging.OrNoOp(opts.Logger).With("component", "outbound"),
		onError: opts.OnError,
		done:    make(chan struct{}),
	}

	go a.run()

	return a
}

func (a *Async) run() {
	defer close(a.done)

	for m := range a.queue {
		if err := a.next.Send(context.Background(), m.ChannelID, m.Content); err != nil {
			a.logger.Warn("outbound.delivery.failed", "channel_id", string(m.ChannelID), "error", err)
			if a.onError != nil {
				a.onError(m.ChannelID, err)
			}
		}
	}
}

// Send enqueues content without waiting for delivery.
func (a *Async) Send(_ context.Context, channelID core.ChannelID, content string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- Message{ChannelID: channelID, Content: content}:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

// Close stops accepting messages and waits until the queue drained or ctx
// is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
