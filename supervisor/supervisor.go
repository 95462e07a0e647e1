// Package supervisor owns the live process table of one agent. It admits
// Channels, Branches and Workers against the configured caps, drives every
// run loop, writes each outcome exactly once and removes terminated
// processes together with their tool registrations and concurrency slots.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
	"github.com/hupe1980/spacebot/metrics"
	"github.com/hupe1980/spacebot/process"
	"github.com/hupe1980/spacebot/tool"
)

// DefaultBranchLimit caps concurrently running Branches per Channel.
const DefaultBranchLimit = 3

// DefaultOutcomeCacheSize is how many terminal outcomes are remembered.
const DefaultOutcomeCacheSize = 256

// Options configures a Supervisor.
type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics

	// BranchLimit caps active Branches per Channel.
	BranchLimit int
	// WorkerLimit caps active Workers per Channel. Zero is unlimited.
	WorkerLimit int
	// MaxProcesses caps all live processes of the agent. Zero is unlimited.
	MaxProcesses int

	ChannelTurns int
	BranchTurns  int
	WorkerTurns  int

	ChannelRecentTurns int
	MaxCompleted       int
	ReactToResults     bool

	History  core.HistoryProvider
	Identity core.IdentityProvider
	Outbound core.Outbound

	// ChannelTools are registered for each Channel turn next to the
	// delegation tools.
	ChannelTools []tool.Tool

	// WorkerTools returns the tools installed on a new Worker's private
	// server, typically shell, file and exec handlers.
	WorkerTools func(params process.SpawnParams) []tool.Tool

	OutcomeCacheSize int
}

type entry struct {
	proc process.Process
	// parent is the owning Channel, nil for Channels.
	parent *process.Channel
}

// Supervisor implements process.Spawner for one agent.
type Supervisor struct {
	env    process.Env
	shared *tool.Server
	system *tool.Server
	opts   Options

	mu       sync.RWMutex
	procs    map[core.ProcessID]*entry
	channels map[core.ChannelID]*process.Channel
	closing  bool

	outcomes *lru.Cache[core.ProcessID, process.Outcome]

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	logger  logging.Logger
	metrics *metrics.Metrics
}

var _ process.Spawner = (*Supervisor)(nil)

// New creates a Supervisor. shared is the Tool Server of the agent's
// Channels and Branches.
func New(env process.Env, shared *tool.Server, optFns ...func(o *Options)) *Supervisor {
	opts := Options{
		BranchLimit:      DefaultBranchLimit,
		ReactToResults:   true,
		OutcomeCacheSize: DefaultOutcomeCacheSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BranchLimit <= 0 {
		opts.BranchLimit = DefaultBranchLimit
	}
	if opts.OutcomeCacheSize <= 0 {
		opts.OutcomeCacheSize = DefaultOutcomeCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = env.Logger
	}

	logger := logging.OrNoOp(opts.Logger).With("component", "supervisor", "agent_id", string(env.AgentID))
	env.Logger = logging.OrNoOp(env.Logger)

	if shared == nil {
		shared = tool.NewServer("shared", func(o *tool.Options) {
			o.Logger = env.Logger
			o.Metrics = opts.Metrics
		})
	}

	// lru.New only errors on non-positive size which we guard above.
	outcomes, _ := lru.New[core.ProcessID, process.Outcome](opts.OutcomeCacheSize)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		env:      env,
		shared:   shared,
		opts:     opts,
		procs:    make(map[core.ProcessID]*entry),
		channels: make(map[core.ChannelID]*process.Channel),
		outcomes: outcomes,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		metrics:  opts.Metrics,
	}

	s.system = tool.NewServer("system", func(o *tool.Options) {
		o.Logger = env.Logger
		o.Metrics = opts.Metrics
	})
	for _, t := range s.ObservationTools() {
		// Names are fixed and the server is fresh.
		_ = s.system.Register(t, "", tool.ScopeStartup)
	}

	return s
}

// Shared returns the Tool Server of Channels and Branches.
func (s *Supervisor) Shared() *tool.Server { return s.shared }

// System returns the Tool Server holding the observation tools.
func (s *Supervisor) System() *tool.Server { return s.system }

// OpenChannel returns the Channel bound to channelID, creating and starting
// it when none is live.
func (s *Supervisor) OpenChannel(channelID core.ChannelID) (*process.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A closing Channel drains its inbox and exits; new traffic gets a fresh
	// one. finalize only unmaps the Channel it was started for.
	if ch, ok := s.channels[channelID]; ok && !ch.Closing() {
		return ch, nil
	}

	if err := s.checkCeilingLocked(core.KindChannel, ""); err != nil {
		return nil, err
	}

	ch, err := process.NewChannel(s.env, channelID, func(o *process.ChannelOptions) {
		o.MaxTurns = s.opts.ChannelTurns
		o.RecentTurns = s.opts.ChannelRecentTurns
		o.Tools = s.shared
		o.Spawner = s
		o.History = s.opts.History
		o.Identity = s.opts.Identity
		o.Outbound = s.opts.Outbound
		o.MaxCompleted = s.opts.MaxCompleted
		o.ReactToResults = s.opts.ReactToResults
		o.TurnTools = s.opts.ChannelTools
	})
	if err != nil {
		return nil, err
	}

	s.channels[channelID] = ch
	s.admitLocked(ch, nil)

	return ch, nil
}

// Deliver routes an inbound message to the Channel of channelID, opening it
// on first contact.
func (s *Supervisor) Deliver(ctx context.Context, channelID core.ChannelID, text string) error {
	ch, err := s.OpenChannel(channelID)
	if err != nil {
		return err
	}

	return ch.Deliver(ctx, text)
}

// CloseChannel ends the session of channelID.
func (s *Supervisor) CloseChannel(channelID core.ChannelID) error {
	s.mu.RLock()
	ch, ok := s.channels[channelID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: channel %s", core.ErrProcessNotFound, channelID)
	}

	ch.Close()

	return nil
}

// Admit implements process.Spawner. Only Channels may spawn; a rejected
// admission returns a *core.AdmissionError and never blocks.
func (s *Supervisor) Admit(_ context.Context, parent core.ProcessID, kind core.ProcessKind, params process.SpawnParams) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.admitChildLocked(parent, kind, params)
	if err != nil {
		s.metrics.Admission(string(kind), false)
		s.logger.Warn("process.admission.rejected", "kind", string(kind), "parent_id", string(parent), "error", err.Error())
		return nil, err
	}

	return p, nil
}

func (s *Supervisor) admitChildLocked(parent core.ProcessID, kind core.ProcessKind, params process.SpawnParams) (process.Process, error) {
	if kind != core.KindBranch && kind != core.KindWorker {
		return nil, core.NewAdmissionError(kind, parent, "channels are opened per conversation, not spawned")
	}

	e, ok := s.procs[parent]
	if !ok {
		return nil, core.NewAdmissionError(kind, parent, "parent %s is not live", parent)
	}

	ch, ok := e.proc.(*process.Channel)
	if !ok {
		return nil, core.NewAdmissionError(kind, parent, "only channels may spawn, parent is a %s", e.proc.Kind())
	}

	if err := s.checkCeilingLocked(kind, parent); err != nil {
		return nil, err
	}

	active := ch.Children().Count(kind)

	var p process.Process

	switch kind {
	case core.KindBranch:
		if active >= s.opts.BranchLimit {
			return nil, core.NewAdmissionError(kind, parent, "branch limit of %d reached", s.opts.BranchLimit)
		}
		p = process.NewBranch(s.env, ch.Origin(), params, func(o *process.BranchOptions) {
			o.MaxTurns = s.opts.BranchTurns
			o.Tools = s.shared
		})
	case core.KindWorker:
		if s.opts.WorkerLimit > 0 && active >= s.opts.WorkerLimit {
			return nil, core.NewAdmissionError(kind, parent, "worker limit of %d reached", s.opts.WorkerLimit)
		}
		var tools []tool.Tool
		if s.opts.WorkerTools != nil {
			tools = s.opts.WorkerTools(params)
		}
		w, err := process.NewWorker(s.env, ch.Origin(), params, func(o *process.WorkerOptions) {
			o.MaxTurns = s.opts.WorkerTurns
			o.Tools = tools
			o.Metrics = s.metrics
		})
		if err != nil {
			return nil, core.NewAdmissionError(kind, parent, "%v", err)
		}
		p = w
	}

	ch.Children().Add(p)
	s.admitLocked(p, ch)

	return p, nil
}

func (s *Supervisor) checkCeilingLocked(kind core.ProcessKind, parent core.ProcessID) error {
	if s.closing {
		return core.NewAdmissionError(kind, parent, "supervisor is shutting down")
	}
	if s.opts.MaxProcesses > 0 && len(s.procs) >= s.opts.MaxProcesses {
		return core.NewAdmissionError(kind, parent, "agent process ceiling of %d reached", s.opts.MaxProcesses)
	}
	return nil
}

// admitLocked records p in the table and starts its run loop.
func (s *Supervisor) admitLocked(p process.Process, parent *process.Channel) {
	s.procs[p.ID()] = &entry{proc: p, parent: parent}

	s.metrics.Admission(string(p.Kind()), true)
	s.logger.Info("process.admitted", "process_id", string(p.ID()), "kind", string(p.Kind()), "parent_id", string(p.Parent()))

	s.group.Go(func() error {
		out := p.Run(s.ctx)
		s.finalize(p, out)
		return nil
	})
}

// finalize writes the outcome and removes p from the table, its Channel's
// children and the shared server in one critical section, so admission
// never observes a terminated process holding a slot.
func (s *Supervisor) finalize(p process.Process, out process.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.ID()

	if n := s.shared.ReleaseOwner(id); n > 0 {
		s.logger.Debug("process.tools.released", "process_id", string(id), "count", n)
	}

	if !p.Finish(out) {
		s.logger.Warn("process.finish.rejected", "process_id", string(id), "state", out.State.String())
	}

	if e, ok := s.procs[id]; ok {
		delete(s.procs, id)
		if e.parent != nil {
			e.parent.Children().Remove(id)
		}
	}

	if ch, ok := p.(*process.Channel); ok {
		if cur, ok := s.channels[ch.ChannelID()]; ok && cur == ch {
			delete(s.channels, ch.ChannelID())
		}
	}

	res, _ := p.Result()
	s.outcomes.Add(id, res)

	s.metrics.Terminated(string(p.Kind()), res.State.String())
}

// Cancel implements process.Spawner. It returns nil while id is live, even
// when cancellation was already requested, and ErrProcessNotFound after the
// process left the table.
func (s *Supervisor) Cancel(id core.ProcessID) error {
	s.mu.RLock()
	e, ok := s.procs[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", core.ErrProcessNotFound, id)
	}

	if e.proc.RequestCancel() {
		s.logger.Info("process.cancel", "process_id", string(id), "kind", string(e.proc.Kind()))
	}

	return nil
}

// Lookup implements process.Spawner.
func (s *Supervisor) Lookup(id core.ProcessID) (process.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.procs[id]
	if !ok {
		return nil, false
	}

	return e.proc, true
}

// Resolve finds a live process by id or unambiguous id prefix.
func (s *Supervisor) Resolve(ref string) (process.Handle, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, false
	}
	if h, ok := s.Lookup(core.ProcessID(ref)); ok {
		return h, true
	}

	var match process.Handle
	for _, h := range s.List() {
		if strings.HasPrefix(string(h.ID()), ref) {
			if match != nil {
				return nil, false
			}
			match = h
		}
	}

	return match, match != nil
}

// Channel returns the live Channel of channelID.
func (s *Supervisor) Channel(channelID core.ChannelID) (*process.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]

	return ch, ok
}

// Children returns the active children of the Channel process id.
func (s *Supervisor) Children(id core.ProcessID) []process.Handle {
	s.mu.RLock()
	e, ok := s.procs[id]
	s.mu.RUnlock()

	if !ok {
		return nil
	}
	ch, ok := e.proc.(*process.Channel)
	if !ok {
		return nil
	}

	return ch.Children().List()
}

// List returns every live process ordered by creation time.
func (s *Supervisor) List() []process.Handle {
	s.mu.RLock()
	out := make([]process.Handle, 0, len(s.procs))
	for _, e := range s.procs {
		out = append(out, e.proc)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created().Equal(out[j].Created()) {
			return out[i].Created().Before(out[j].Created())
		}
		return out[i].ID() < out[j].ID()
	})

	return out
}

// Len returns the number of live processes.
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.procs)
}

// Outcome returns the outcome of id, live or recently removed.
func (s *Supervisor) Outcome(id core.ProcessID) (process.Outcome, bool) {
	if h, ok := s.Lookup(id); ok {
		return h.Result()
	}

	return s.outcomes.Get(id)
}

// Shutdown refuses new admissions, cancels every live process and waits for
// all run loops to exit or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]process.Process, 0, len(s.procs))
	for _, e := range s.procs {
		live = append(live, e.proc)
	}
	s.mu.Unlock()

	for _, p := range live {
		p.RequestCancel()
	}

	s.logger.Info("supervisor.shutdown", "live", len(live))

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		s.cancel()
		return err
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
