// Package spacebot is the façade over one agent's process runtime. An Agent
// wires the model router, event bus, shared and system tool servers and the
// process supervisor from a config.Config, then accepts inbound messages per
// external conversation:
//  1. Create an Agent via New() with a model.Completer and a config
//  2. Deliver user messages with Agent.Deliver; replies leave through the
//     configured core.Outbound
//  3. Observe progress through Agent.Events or the system tools
//  4. Shut the Agent down to cancel every live process
//
// Unset collaborators default to in-memory implementations, suitable for
// local development and tests.
package spacebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/spacebot/bus"
	"github.com/hupe1980/spacebot/config"
	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
	"github.com/hupe1980/spacebot/memory"
	"github.com/hupe1980/spacebot/metrics"
	"github.com/hupe1980/spacebot/model"
	"github.com/hupe1980/spacebot/process"
	"github.com/hupe1980/spacebot/router"
	"github.com/hupe1980/spacebot/session"
	"github.com/hupe1980/spacebot/supervisor"
	"github.com/hupe1980/spacebot/tool"
)

// Options configures an Agent.
type Options struct {
	// Config is the runtime configuration. Defaults to config.Default(),
	// which carries no routes; set at least one chain per process kind.
	Config config.Config

	// Completer performs model calls. Required.
	Completer model.Completer

	// Logger defaults to a logger built from Config.Logging.
	Logger logging.Logger
	// Metrics may be nil to disable Prometheus collection.
	Metrics *metrics.Metrics
	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer

	// Collaborators (default to in-memory implementations if not provided)
	History     core.HistoryProvider
	Identity    core.IdentityProvider
	Outbound    core.Outbound
	MemoryStore core.MemoryStore

	// ChannelTools are offered to Channels only. Branches keep the memory
	// tools of the shared server.
	ChannelTools []tool.Tool
	// WorkerTools returns the private tools of a new Worker.
	WorkerTools func(params process.SpawnParams) []tool.Tool
}

// Agent is one isolated agent instance: its own bus, tool servers and
// process table.
type Agent struct {
	id     core.AgentID
	logger logging.Logger

	cfgMu sync.RWMutex
	cfg   config.Config

	router *router.Router
	bus    *bus.Bus
	shared *tool.Server
	sup    *supervisor.Supervisor
}

// New creates an Agent and validates its configuration.
func New(optFns ...func(o *Options)) (*Agent, error) {
	opts := Options{
		Config:      config.Default(),
		History:     session.NewInMemoryHistory(),
		MemoryStore: memory.NewInMemoryStore(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Completer == nil {
		return nil, errors.New("spacebot: completer is required")
	}

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = logging.New(cfg.LoggerConfig())
	}

	id := core.AgentID(cfg.AgentID)
	logger := opts.Logger.With("agent_id", cfg.AgentID)

	r := router.New(cfg.RouterConfig(), func(o *router.Options) {
		o.Logger = logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer
	})

	b := bus.New(id, func(o *bus.Options) {
		o.Logger = logger
		o.Metrics = opts.Metrics
		o.BufferSize = cfg.Bus.BufferSize
	})

	shared := tool.NewServer("shared", func(o *tool.Options) {
		o.Logger = logger
		o.Metrics = opts.Metrics
	})

	for _, t := range memory.Tools(opts.MemoryStore) {
		if err := shared.Register(t, "", tool.ScopeStartup); err != nil {
			return nil, fmt.Errorf("register shared tool %s: %w", t.Name(), err)
		}
	}

	env := process.Env{
		AgentID:         id,
		Router:          r,
		Completer:       opts.Completer,
		Bus:             b,
		Logger:          logger,
		Tracer:          opts.Tracer,
		ToolParallelism: cfg.Tools.Parallelism,
	}

	sup := supervisor.New(env, shared, func(o *supervisor.Options) {
		o.Logger = logger
		o.Metrics = opts.Metrics
		o.BranchLimit = cfg.Limits.BranchLimit
		o.WorkerLimit = cfg.Limits.WorkerLimit
		o.MaxProcesses = cfg.Limits.MaxProcesses
		o.ChannelTurns = cfg.Turns.Channel
		o.BranchTurns = cfg.Turns.Branch
		o.WorkerTurns = cfg.Turns.Worker
		o.ChannelRecentTurns = cfg.History.ChannelRecentTurns
		o.MaxCompleted = cfg.Status.MaxCompleted
		o.ReactToResults = cfg.Channel.ReactToResults
		o.History = opts.History
		o.Identity = opts.Identity
		o.Outbound = opts.Outbound
		o.ChannelTools = opts.ChannelTools
		o.WorkerTools = opts.WorkerTools
	})

	logger.Info("agent.started", "routes", len(cfg.Routing.Routes), "branch_limit", cfg.Limits.BranchLimit)

	return &Agent{
		id:     id,
		cfg:    cfg,
		logger: logger,
		router: r,
		bus:    b,
		shared: shared,
		sup:    sup,
	}, nil
}

// ID returns the agent id.
func (a *Agent) ID() core.AgentID { return a.id }

// Config returns the validated configuration.
func (a *Agent) Config() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()

	return a.cfg
}

// ReloadRouting swaps the routes and task routes of routing in without
// restarting any process. Model calls already in flight finish on their old
// chain. Cooldown and retriable status codes are fixed at New.
func (a *Agent) ReloadRouting(routing config.Routing) error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	cfg := a.cfg
	cfg.Routing.Routes = routing.Routes
	cfg.Routing.TaskRoutes = routing.TaskRoutes
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.router.SetRoutes(cfg.RouterConfig())
	a.cfg = cfg

	a.logger.Info("agent.routing.reloaded", "routes", len(routing.Routes))

	return nil
}

// Router returns the model router.
func (a *Agent) Router() *router.Router { return a.router }

// Supervisor returns the process supervisor.
func (a *Agent) Supervisor() *supervisor.Supervisor { return a.sup }

// Deliver hands an inbound message of channelID to its Channel, opening the
// Channel on first contact.
func (a *Agent) Deliver(ctx context.Context, channelID core.ChannelID, text string) error {
	return a.sup.Deliver(ctx, channelID, text)
}

// CloseChannel ends the session of channelID.
func (a *Agent) CloseChannel(channelID core.ChannelID) error {
	return a.sup.CloseChannel(channelID)
}

// Events subscribes to the agent's event bus. Close the subscription when
// done.
func (a *Agent) Events(optFns ...func(o *bus.SubscribeOptions)) *bus.Subscription {
	return a.bus.Subscribe(optFns...)
}

// InvokeSystemTool calls one of the observation tools.
func (a *Agent) InvokeSystemTool(ctx context.Context, name string, args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}

	tc := core.NewToolContext(ctx, core.Origin{AgentID: a.id}, core.NewID(), a.logger)

	return a.sup.System().Invoke(tc, core.FunctionCall{ID: tc.FunctionCallID(), Name: name, Arguments: string(raw)})
}

// Shutdown cancels every live process, waits for them to exit and closes
// the event bus.
func (a *Agent) Shutdown(ctx context.Context) error {
	err := a.sup.Shutdown(ctx)
	a.bus.Close()

	a.logger.Info("agent.stopped")

	return err
}
