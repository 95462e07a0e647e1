// Package config loads the YAML configuration of one agent runtime: process
// limits, turn budgets, model routes, bus and tool settings, and logging.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
	"github.com/hupe1980/spacebot/model"
	"github.com/hupe1980/spacebot/router"
)

// Config is the root document.
type Config struct {
	AgentID string        `yaml:"agent_id"`
	Limits  Limits        `yaml:"limits"`
	Turns   Turns         `yaml:"turns"`
	History History       `yaml:"history"`
	Channel ChannelConfig `yaml:"channel"`
	Routing Routing       `yaml:"routing"`
	Bus     BusConfig     `yaml:"bus"`
	Tools   ToolsConfig   `yaml:"tools"`
	Status  StatusConfig  `yaml:"status"`
	Logging LoggingConfig `yaml:"logging"`
}

// Limits are the admission caps enforced by the supervisor.
type Limits struct {
	// BranchLimit caps concurrently active Branches per Channel.
	BranchLimit int `yaml:"branch_limit"`
	// WorkerLimit caps concurrently active Workers per Channel. 0 disables the cap.
	WorkerLimit int `yaml:"worker_limit"`
	// MaxProcesses caps live processes of the agent. 0 disables the ceiling.
	MaxProcesses int `yaml:"max_processes"`
}

// Turns are the per-kind turn budgets.
type Turns struct {
	Channel int `yaml:"channel"`
	Branch  int `yaml:"branch"`
	Worker  int `yaml:"worker"`
}

// History controls the context a Channel loads.
type History struct {
	ChannelRecentTurns int `yaml:"channel_recent_turns"`
}

// ChannelConfig controls Channel behaviour.
type ChannelConfig struct {
	// ReactToResults runs an internal turn when a child reports back while
	// the Channel is idle.
	ReactToResults bool `yaml:"react_to_results"`
}

// Routing declares fallback chains and failure handling.
type Routing struct {
	Cooldown             time.Duration                  `yaml:"cooldown"`
	RetriableStatusCodes []int                          `yaml:"retriable_status_codes"`
	Routes               map[string][]string            `yaml:"routes"`
	TaskRoutes           map[string]map[string][]string `yaml:"task_routes"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// ToolsConfig configures tool dispatch.
type ToolsConfig struct {
	// Parallelism bounds concurrently executing tool calls of one turn.
	Parallelism int `yaml:"parallelism"`
}

// StatusConfig configures the Status Block.
type StatusConfig struct {
	MaxCompleted int `yaml:"max_completed"`
}

// LoggingConfig configures the runtime logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration. Routes are left empty; they
// name deployment specific models.
func Default() Config {
	return Config{
		AgentID: "main",
		Limits:  Limits{BranchLimit: 3},
		Turns:   Turns{Channel: 8, Branch: 10, Worker: 40},
		History: History{ChannelRecentTurns: 30},
		Channel: ChannelConfig{ReactToResults: true},
		Routing: Routing{
			Cooldown:             router.DefaultCooldown,
			RetriableStatusCodes: append([]int(nil), model.DefaultTransientStatusCodes...),
		},
		Bus:     BusConfig{BufferSize: 256},
		Tools:   ToolsConfig{Parallelism: 4},
		Status:  StatusConfig{MaxCompleted: 10},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// EnvLookup resolves ${VAR} references.
type EnvLookup func(key string) (string, bool)

type loadOptions struct {
	envLookup EnvLookup
	readFile  func(string) ([]byte, error)
}

// Option customizes Load and Parse.
type Option func(*loadOptions)

// WithEnvLookup replaces os.LookupEnv.
func WithEnvLookup(fn EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = fn }
}

// WithReadFile replaces os.ReadFile.
func WithReadFile(fn func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = fn }
}

func newLoadOptions(opts []Option) loadOptions {
	options := loadOptions{envLookup: os.LookupEnv, readFile: os.ReadFile}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Load reads path. A missing or empty file yields Default() unvalidated,
// since nothing was configured yet.
func Load(path string, opts ...Option) (Config, error) {
	options := newLoadOptions(opts)

	data, err := options.readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}

	return Parse(data, opts...)
}

// Parse decodes a YAML document over Default(), expands ${VAR} references
// and validates the result.
func Parse(data []byte, opts ...Option) (Config, error) {
	options := newLoadOptions(opts)

	expanded := os.Expand(string(data), func(key string) string {
		v, _ := options.envLookup(key)
		return v
	})

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks budgets, limits and routes.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.AgentID) == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if c.Limits.BranchLimit <= 0 {
		errs = append(errs, errors.New("limits.branch_limit must be positive"))
	}
	if c.Limits.WorkerLimit < 0 || c.Limits.MaxProcesses < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Turns.Channel <= 0 || c.Turns.Branch <= 0 || c.Turns.Worker <= 0 {
		errs = append(errs, errors.New("turn budgets must be positive"))
	}
	if c.Turns.Branch >= c.Turns.Worker {
		errs = append(errs, fmt.Errorf("turns.branch (%d) must be smaller than turns.worker (%d)", c.Turns.Branch, c.Turns.Worker))
	}
	if c.Routing.Cooldown <= 0 {
		errs = append(errs, errors.New("routing.cooldown must be positive"))
	}
	if c.Tools.Parallelism < 0 || c.Bus.BufferSize < 0 {
		errs = append(errs, errors.New("tools.parallelism and bus.buffer_size must not be negative"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	for _, kind := range []core.ProcessKind{core.KindChannel, core.KindBranch, core.KindWorker} {
		if len(c.Routing.Routes[string(kind)]) == 0 {
			errs = append(errs, fmt.Errorf("routing.routes.%s must list at least one model", kind))
		}
	}
	for k := range c.Routing.Routes {
		if _, err := core.ParseProcessKind(k); err != nil {
			errs = append(errs, fmt.Errorf("routing.routes: %w", err))
		}
	}
	for k := range c.Routing.TaskRoutes {
		if _, err := core.ParseProcessKind(k); err != nil {
			errs = append(errs, fmt.Errorf("routing.task_routes: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}

// RouterConfig converts the routing section.
func (c Config) RouterConfig() router.Config {
	rc := router.Config{
		Routes:               make(map[core.ProcessKind][]string, len(c.Routing.Routes)),
		TaskRoutes:           make(map[core.ProcessKind]map[string][]string, len(c.Routing.TaskRoutes)),
		Cooldown:             c.Routing.Cooldown,
		TransientStatusCodes: c.Routing.RetriableStatusCodes,
	}

	for k, chain := range c.Routing.Routes {
		if kind, err := core.ParseProcessKind(k); err == nil {
			rc.Routes[kind] = chain
		}
	}
	for k, tasks := range c.Routing.TaskRoutes {
		if kind, err := core.ParseProcessKind(k); err == nil {
			rc.TaskRoutes[kind] = tasks
		}
	}

	return rc
}

// LoggerConfig converts the logging section.
func (c Config) LoggerConfig() *logging.LoggerConfig {
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.ParseLevel(c.Logging.Level)
	if c.Logging.Format != "" {
		cfg.Format = strings.ToLower(c.Logging.Format)
	}
	cfg.Component = "spacebot"
	return cfg
}
