// Package bus implements the per-agent Event Bus: a best-effort multicast of
// process events to any number of subscribers.
//
// Every subscriber owns a bounded queue. Publishing never blocks: when a
// queue is full the new event is dropped for that subscriber and counted.
// Critical events (terminal events, branch results, worker responses) evict
// the oldest queued event instead so a lagging Channel still learns how its
// children ended. There is no replay: a subscriber only sees events
// published after Subscribe returned.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
	"github.com/hupe1980/spacebot/metrics"
)

// DefaultBufferSize is the queue capacity used when none is configured.
const DefaultBufferSize = 256

// Filter selects the events a subscription receives.
type Filter func(ev core.Event) bool

// ByParent matches events of the children of parent.
func ByParent(parent core.ProcessID) Filter {
	return func(ev core.Event) bool { return ev.ParentID == parent }
}

// ByProcess matches events emitted by one of ids.
func ByProcess(ids ...core.ProcessID) Filter {
	return func(ev core.Event) bool {
		for _, id := range ids {
			if ev.ProcessID == id {
				return true
			}
		}
		return false
	}
}

// ByType matches events of one of types.
func ByType(types ...core.EventType) Filter {
	return func(ev core.Event) bool {
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}
}

// Options configures a Bus.
type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics
	// BufferSize is the default per-subscriber queue capacity.
	BufferSize int
	Now        func() time.Time
}

// Bus is the event stream of one agent.
type Bus struct {
	agentID core.AgentID

	// mu serializes publishes so subscribers observe one global order,
	// which implies per-process order.
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool

	bufferSize int
	now        func() time.Time
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// New creates the bus of agentID.
func New(agentID core.AgentID, optFns ...func(o *Options)) *Bus {
	opts := Options{
		Logger:     logging.NoOpLogger{},
		BufferSize: DefaultBufferSize,
		Now:        time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Bus{
		agentID:    agentID,
		subs:       make(map[uint64]*Subscription),
		bufferSize: opts.BufferSize,
		now:        opts.Now,
		logger:     logging.OrNoOp(opts.Logger).With("component", "bus", "agent_id", string(agentID)),
		metrics:    opts.Metrics,
	}
}

// AgentID returns the agent the bus belongs to.
func (b *Bus) AgentID() core.AgentID { return b.agentID }

// Publish stamps ev with the next sequence number, an id and a timestamp
// (when unset) and offers it to every matching subscriber. It returns the
// stamped event. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev core.Event) core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ev
	}

	b.seq++
	ev.Seq = b.seq
	if ev.ID == "" {
		ev.ID = core.NewID()
	}
	if ev.AgentID == "" {
		ev.AgentID = b.agentID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.metrics.EventPublished()

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		if !sub.offer(ev) {
			b.metrics.EventDropped()
			b.logger.Warn("bus.event.dropped",
				"subscriber", sub.name, "type", string(ev.Type), "process_id", string(ev.ProcessID), "seq", ev.Seq)
		}
	}

	return ev
}

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// Name labels the subscriber in logs.
	Name   string
	Buffer int
	Filter Filter
}

// WithFilter restricts the subscription to events matching f.
func WithFilter(f Filter) func(o *SubscribeOptions) {
	return func(o *SubscribeOptions) { o.Filter = f }
}

// WithBuffer sets the queue capacity of the subscription.
func WithBuffer(n int) func(o *SubscribeOptions) {
	return func(o *SubscribeOptions) { o.Buffer = n }
}

// WithName labels the subscription.
func WithName(name string) func(o *SubscribeOptions) {
	return func(o *SubscribeOptions) { o.Name = name }
}

// Subscribe attaches a new subscriber. Events published after Subscribe
// returns are delivered; earlier events are not. Subscribing to a closed bus
// returns an already closed subscription.
func (b *Bus) Subscribe(optFns ...func(o *SubscribeOptions)) *Subscription {
	opts := SubscribeOptions{Buffer: b.bufferSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = b.bufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus:    b,
		id:     b.nextID,
		name:   opts.Name,
		filter: opts.Filter,
		ch:     make(chan core.Event, opts.Buffer),
	}

	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}

	b.subs[sub.id] = sub

	return sub
}

// Subscribers returns the number of attached subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.seq
}

// Close detaches and closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		sub.closeLocked()
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
	}
	sub.closeLocked()
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	bus    *Bus
	id     uint64
	name   string
	filter Filter
	ch     chan core.Event

	dropped atomic.Uint64
	closed  bool // guarded by bus.mu
}

// Events returns the receive side of the queue. It is closed by Close or
// when the bus closes.
func (s *Subscription) Events() <-chan core.Event { return s.ch }

// Dropped returns how many events overflowed this subscription.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel. Close is idempotent.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// closeLocked requires bus.mu.
func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer requires bus.mu. It reports false when an event was lost, either
// ev itself or an older event evicted to make room for it.
func (s *Subscription) offer(ev core.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}

	if !isCritical(ev) {
		s.dropped.Add(1)
		return false
	}

	// The consumer may drain concurrently, in which case nothing is evicted.
	evicted := false
	select {
	case <-s.ch:
		evicted = true
		s.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- ev:
		return !evicted
	default:
		s.dropped.Add(1)
		return false
	}
}

func isCritical(ev core.Event) bool {
	return ev.IsTerminal() || ev.Type == core.EventBranchResult || ev.Type == core.EventWorkerResponse
}
