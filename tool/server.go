package tool

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
	"github.com/hupe1980/spacebot/metrics"
	"github.com/hupe1980/spacebot/model"
)

// Scope is the lifetime of a tool registration.
type Scope int

const (
	// ScopeStartup registrations live as long as the server and are visible to every caller.
	ScopeStartup Scope = iota
	// ScopeTurn registrations belong to one process for one turn and are
	// visible only to that process.
	ScopeTurn
)

func (s Scope) String() string {
	if s == ScopeTurn {
		return "turn"
	}
	return "startup"
}

// Registration describes one tool bound on a server.
type Registration struct {
	Name   string
	Owner  core.ProcessID
	Scope  Scope
	Server string
}

// Options configures a Server.
type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Server is a registry + dispatcher mapping tool names to handlers. Several
// independent servers exist at once: one shared by a Channel and its
// Branches, one per Worker, one for system observation.
//
// Turn scoped tools are keyed by (name, owner) so two processes sharing a
// server can hold same-named per-turn tools bound to different state, and a
// process never resolves a per-turn tool owned by another.
type Server struct {
	name string

	mu      sync.RWMutex
	startup map[string]Tool
	turn    map[string]map[core.ProcessID]Tool

	logger  logging.Logger
	metrics *metrics.Metrics
}

// NewServer creates an empty server. name labels logs and metrics.
func NewServer(name string, optFns ...func(o *Options)) *Server {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Server{
		name:    name,
		startup: make(map[string]Tool),
		turn:    make(map[string]map[core.ProcessID]Tool),
		logger:  logging.OrNoOp(opts.Logger).With("tool_server", name),
		metrics: opts.Metrics,
	}
}

// Name returns the server label.
func (s *Server) Name() string { return s.name }

// Register binds t under its name. Startup tools ignore owner; turn tools
// require one. Name clashes return a DUPLICATE ToolError.
func (s *Server) Register(t Tool, owner core.ProcessID, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(t.Name(), owner, scope); err != nil {
		return err
	}

	s.addLocked(t, owner, scope)

	return nil
}

func (s *Server) checkLocked(name string, owner core.ProcessID, scope Scope) error {
	if _, ok := s.startup[name]; ok {
		return NewToolError(name, "already registered as a startup tool on "+s.name, CodeDuplicate)
	}

	switch scope {
	case ScopeStartup:
		if len(s.turn[name]) > 0 {
			return NewToolError(name, "registered as a per-turn tool on "+s.name, CodeDuplicate)
		}
	case ScopeTurn:
		if owner == "" {
			return NewToolError(name, "per-turn registration requires an owning process", CodeValidation)
		}
		if _, ok := s.turn[name][owner]; ok {
			return NewToolError(name, fmt.Sprintf("already registered for process %s", owner), CodeDuplicate)
		}
	}

	return nil
}

func (s *Server) addLocked(t Tool, owner core.ProcessID, scope Scope) {
	if scope == ScopeStartup {
		s.startup[t.Name()] = t
		return
	}

	owners, ok := s.turn[t.Name()]
	if !ok {
		owners = make(map[core.ProcessID]Tool)
		s.turn[t.Name()] = owners
	}
	owners[owner] = t
}

// Deregister removes a registration. An empty owner addresses the startup
// tool. It reports whether anything was removed.
func (s *Server) Deregister(name string, owner core.ProcessID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(name, owner)
}

func (s *Server) removeLocked(name string, owner core.ProcessID) bool {
	if owner == "" {
		if _, ok := s.startup[name]; !ok {
			return false
		}
		delete(s.startup, name)
		return true
	}

	owners, ok := s.turn[name]
	if !ok {
		return false
	}
	if _, ok := owners[owner]; !ok {
		return false
	}
	delete(owners, owner)
	if len(owners) == 0 {
		delete(s.turn, name)
	}

	return true
}

// ReleaseOwner drops every per-turn registration held by owner and returns
// how many were removed.
func (s *Server) ReleaseOwner(owner core.ProcessID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for name, owners := range s.turn {
		if _, ok := owners[owner]; ok {
			delete(owners, owner)
			n++
			if len(owners) == 0 {
				delete(s.turn, name)
			}
		}
	}

	return n
}

func (s *Server) resolve(owner core.ProcessID, name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.turn[name][owner]; ok && owner != "" {
		return t, true
	}
	t, ok := s.startup[name]

	return t, ok
}

// Has reports whether name is registered in any scope.
func (s *Server) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.startup[name]

	return ok || len(s.turn[name]) > 0
}

// HasFor reports whether owner can resolve name.
func (s *Server) HasFor(owner core.ProcessID, name string) bool {
	_, ok := s.resolve(owner, name)
	return ok
}

// Registrations lists every registration sorted by name then owner.
func (s *Server) Registrations() []Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regs := make([]Registration, 0, len(s.startup)+len(s.turn))
	for name := range s.startup {
		regs = append(regs, Registration{Name: name, Scope: ScopeStartup, Server: s.name})
	}
	for name, owners := range s.turn {
		for owner := range owners {
			regs = append(regs, Registration{Name: name, Owner: owner, Scope: ScopeTurn, Server: s.name})
		}
	}

	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Name != regs[j].Name {
			return regs[i].Name < regs[j].Name
		}
		return regs[i].Owner < regs[j].Owner
	})

	return regs
}

// Definitions returns the tool definitions visible to owner: startup tools
// plus owner's per-turn tools, sorted by name.
func (s *Server) Definitions(owner core.ProcessID) []model.ToolDefinition {
	s.mu.RLock()
	visible := make([]Tool, 0, len(s.startup))
	for _, t := range s.startup {
		visible = append(visible, t)
	}
	if owner != "" {
		for _, owners := range s.turn {
			if t, ok := owners[owner]; ok {
				visible = append(visible, t)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(visible, func(i, j int) bool { return visible[i].Name() < visible[j].Name() })

	defs := make([]model.ToolDefinition, len(visible))
	for i, t := range visible {
		defs[i] = Definition(t)
	}

	return defs
}

// Definition converts a Tool into the model facing declaration.
func Definition(t Tool) model.ToolDefinition {
	return model.ToolDefinition{
		Type: "function",
		Function: model.FunctionDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// Invoke dispatches call on behalf of the process in tc. Unknown names yield
// a NOT_FOUND ToolError wrapping core.ErrToolNotFound. Handler failures and
// panics yield an EXECUTION_ERROR ToolError. Callers feed both back to the
// model as tool errors.
func (s *Server) Invoke(tc *core.ToolContext, call core.FunctionCall) (result any, err error) {
	start := time.Now()

	defer func() {
		outcome := "ok"
		switch {
		case IsNotFound(err):
			outcome = "not_found"
		case err != nil:
			outcome = "error"
		}
		s.metrics.ToolCall(s.name, call.Name, outcome)
		logging.LogToolCall(s.logger, call.Name, time.Since(start), err)
	}()

	t, ok := s.resolve(tc.ProcessID(), call.Name)
	if !ok {
		return nil, &ToolError{
			Tool:    call.Name,
			Message: fmt.Sprintf("tool %s not found", call.Name),
			Code:    CodeNotFound,
			Err:     core.ErrToolNotFound,
		}
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, &ToolError{
				Tool:    call.Name,
				Message: fmt.Sprintf("failed to unmarshal args: %v", err),
				Code:    CodeValidation,
				Err:     err,
			}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool.call.panic", "tool", call.Name, "recover", r, "stack", string(debug.Stack()))
			result = nil
			err = &ToolError{Tool: call.Name, Message: fmt.Sprintf("panic: %v", r), Code: CodeExecution}
		}
	}()

	return t.Call(tc, args)
}

// Acquire registers tools for one turn of owner, all or nothing, and returns
// the Lease that removes them again.
func (s *Server) Acquire(owner core.ProcessID, tools ...Tool) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if seen[t.Name()] {
			return nil, NewToolError(t.Name(), "listed twice in one lease", CodeDuplicate)
		}
		seen[t.Name()] = true
		if err := s.checkLocked(t.Name(), owner, ScopeTurn); err != nil {
			return nil, err
		}
	}

	names := make([]string, len(tools))
	for i, t := range tools {
		s.addLocked(t, owner, ScopeTurn)
		names[i] = t.Name()
	}

	return &Lease{server: s, owner: owner, names: names}, nil
}

// WithTurnTools runs fn while tools are registered for owner. The tools are
// removed when fn returns or panics.
func (s *Server) WithTurnTools(owner core.ProcessID, tools []Tool, fn func() error) error {
	lease, err := s.Acquire(owner, tools...)
	if err != nil {
		return err
	}
	defer lease.Release()

	return fn()
}

// Lease is a scoped per-turn registration. Release is idempotent.
type Lease struct {
	server *Server
	owner  core.ProcessID
	names  []string
	once   sync.Once
}

// Names returns the tool names held by the lease.
func (l *Lease) Names() []string { return append([]string(nil), l.names...) }

// Release removes the leased registrations.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.server.mu.Lock()
		defer l.server.mu.Unlock()
		for _, name := range l.names {
			l.server.removeLocked(name, l.owner)
		}
	})
}
