// Package router selects models for process turns.
//
// Each process kind owns an ordered fallback chain of model ids, optionally
// overridden per task type. Selection skips models inside a rate-limit
// cooldown window. Invoke drives one completion through the chain: retriable
// failures move to the next model, a 429 additionally installs a cooldown
// visible to every caller, and running out of models is reported as an
// *ExhaustedError.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
	"github.com/hupe1980/spacebot/metrics"
	"github.com/hupe1980/spacebot/model"
)

// DefaultCooldown is applied when Config.Cooldown is zero.
const DefaultCooldown = 60 * time.Second

// Config declares routes and failure handling.
type Config struct {
	// Routes maps a process kind to its default fallback chain.
	Routes map[core.ProcessKind][]string
	// TaskRoutes overrides the chain for a (kind, task type) pair.
	TaskRoutes map[core.ProcessKind]map[string][]string
	// Cooldown is how long a rate-limited model is excluded from selection.
	Cooldown time.Duration
	// TransientStatusCodes are server statuses that trigger fallback without cooldown.
	TransientStatusCodes []int
}

// Options holds the ambient collaborators of a Router.
type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	// Now is the clock used for cooldown bookkeeping.
	Now func() time.Time
}

// Health is the per-model outcome record kept by the router.
type Health struct {
	Successes           int
	Failures            int
	ConsecutiveFailures int
	LastClass           model.StatusClass
	LastFailure         time.Time
}

// Router implements model selection, fallback and cooldown tracking.
type Router struct {
	routesMu   sync.RWMutex
	routes     map[core.ProcessKind][]string
	taskRoutes map[core.ProcessKind]map[string][]string

	cooldown  time.Duration
	transient map[int]bool

	mu        sync.Mutex // guards cooldowns and health
	cooldowns map[string]time.Time
	health    map[string]*Health

	now     func() time.Time
	logger  logging.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates a Router from cfg.
func New(cfg Config, optFns ...func(o *Options)) *Router {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Tracer: otel.Tracer("github.com/hupe1980/spacebot/router"),
		Now:    time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/spacebot/router")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	transient := cfg.TransientStatusCodes
	if transient == nil {
		transient = model.DefaultTransientStatusCodes
	}

	r := &Router{
		cooldown:   cooldown,
		transient:  model.StatusCodeSet(transient),
		cooldowns:  make(map[string]time.Time),
		health:     make(map[string]*Health),
		now:        opts.Now,
		logger:     logging.OrNoOp(opts.Logger).With("component", "router"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}

	r.SetRoutes(cfg)

	return r
}

// SetRoutes replaces every default chain and task override with those of
// cfg. Calls already in flight keep the chain they started with; cooldowns
// and health survive.
func (r *Router) SetRoutes(cfg Config) {
	routes := make(map[core.ProcessKind][]string, len(cfg.Routes))
	for kind, chain := range cfg.Routes {
		routes[kind] = append([]string(nil), chain...)
	}

	taskRoutes := make(map[core.ProcessKind]map[string][]string, len(cfg.TaskRoutes))
	for kind, tasks := range cfg.TaskRoutes {
		m := make(map[string][]string, len(tasks))
		for task, chain := range tasks {
			m[task] = append([]string(nil), chain...)
		}
		taskRoutes[kind] = m
	}

	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	r.routes = routes
	r.taskRoutes = taskRoutes
}

// Chain returns the fallback chain for (kind, task). A task override wins
// over the kind's default chain. The returned slice is a copy.
func (r *Router) Chain(kind core.ProcessKind, task string) []string {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()

	if task != "" {
		if chain, ok := r.taskRoutes[kind][task]; ok && len(chain) > 0 {
			return append([]string(nil), chain...)
		}
	}

	return append([]string(nil), r.routes[kind]...)
}

// Select returns the first model of the chain that is not cooling down.
func (r *Router) Select(kind core.ProcessKind, task string) (string, error) {
	chain := r.Chain(kind, task)
	for _, id := range chain {
		if !r.InCooldown(id) {
			return id, nil
		}
	}

	attempts := make([]Attempt, 0, len(chain))
	for _, id := range chain {
		attempts = append(attempts, Attempt{Model: id, Skipped: true})
	}

	return "", &ExhaustedError{Kind: kind, Task: task, Chain: chain, Attempts: attempts}
}

// InCooldown reports whether id is currently excluded. Expired entries are purged.
func (r *Router) InCooldown(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.cooldowns[id]
	if !ok {
		return false
	}
	if !r.now().Before(until) {
		delete(r.cooldowns, id)
		return false
	}

	return true
}

// CooldownUntil returns the expiry of an active cooldown on id.
func (r *Router) CooldownUntil(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.cooldowns[id]
	if !ok || !r.now().Before(until) {
		return time.Time{}, false
	}

	return until, true
}

// ReportFailure records a failed call. Only rate limiting installs a cooldown.
func (r *Router) ReportFailure(id string, class model.StatusClass) {
	r.mu.Lock()
	h := r.healthLocked(id)
	h.Failures++
	h.ConsecutiveFailures++
	h.LastClass = class
	h.LastFailure = r.now()

	var until time.Time
	if class == model.ClassRateLimited {
		until = r.now().Add(r.cooldown)
		if cur, ok := r.cooldowns[id]; !ok || until.After(cur) {
			r.cooldowns[id] = until
		}
	}
	r.mu.Unlock()

	if class == model.ClassRateLimited {
		r.metrics.Cooldown(id)
		r.logger.Warn("model.cooldown.installed", "model", id, "until", until)
	}
}

// ReportSuccess records a successful call. Cooldowns are left to expire.
func (r *Router) ReportSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.healthLocked(id)
	h.Successes++
	h.ConsecutiveFailures = 0
}

// Health returns a copy of the outcome record of id.
func (r *Router) Health(id string) Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.health[id]; ok {
		return *h
	}

	return Health{}
}

func (r *Router) healthLocked(id string) *Health {
	h, ok := r.health[id]
	if !ok {
		h = &Health{}
		r.health[id] = h
	}
	return h
}

// Classify maps a transport error using the router's transient status set.
func (r *Router) Classify(err error) (model.StatusClass, bool) {
	return model.Classify(err, r.transient)
}

// CallFunc performs one completion against modelID.
type CallFunc func(ctx context.Context, modelID string) (*model.Response, error)

// Invoke runs call against the chain for (kind, task) in order, skipping
// models in cooldown and moving on after retriable failures. It returns the
// response with the model that produced it. A non-retriable failure stops
// the chain and is returned wrapped; context errors are returned as is.
func (r *Router) Invoke(ctx context.Context, kind core.ProcessKind, task string, call CallFunc) (*model.Response, string, error) {
	chain := r.Chain(kind, task)
	attempts := make([]Attempt, 0, len(chain))

	for _, id := range chain {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		if r.InCooldown(id) {
			attempts = append(attempts, Attempt{Model: id, Skipped: true})
			r.metrics.ModelCall(id, "skipped", 0)
			continue
		}

		resp, err := r.attempt(ctx, kind, id, call)
		if err == nil {
			r.ReportSuccess(id)
			return resp, id, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, id, err
		}

		class, retriable := r.Classify(err)
		r.ReportFailure(id, class)
		attempts = append(attempts, Attempt{Model: id, Class: class, StatusCode: model.StatusCodeOf(err), Err: err})

		if !retriable {
			return nil, id, fmt.Errorf("model %s: %w", id, &model.FatalError{StatusCode: model.StatusCodeOf(err), Err: err})
		}

		r.logger.Info("model.fallback", "model", id, "class", class, "kind", kind)
	}

	r.metrics.ChainExhausted(string(kind))

	return nil, "", &ExhaustedError{Kind: kind, Task: task, Chain: chain, Attempts: attempts}
}

func (r *Router) attempt(ctx context.Context, kind core.ProcessKind, id string, call CallFunc) (*model.Response, error) {
	ctx, span := r.tracer.Start(ctx, "router.attempt", trace.WithAttributes(
		attribute.String("model", id),
		attribute.String("process.kind", string(kind)),
	))
	defer span.End()

	start := time.Now()
	resp, err := call(ctx, id)
	dur := time.Since(start)

	logging.LogModelCall(r.logger, id, dur, err)

	if err != nil {
		class, _ := r.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(class))
		r.metrics.ModelCall(id, string(class), dur)
		return nil, err
	}

	r.metrics.ModelCall(id, "success", dur)

	return resp, nil
}

// Attempt records one step of a fallback walk.
type Attempt struct {
	Model      string
	Class      model.StatusClass
	StatusCode int
	Err        error
	// Skipped is set when the model was cooling down and not called.
	Skipped bool
}

func (a Attempt) String() string {
	switch {
	case a.Skipped:
		return a.Model + ": cooling down"
	case a.StatusCode != 0:
		return fmt.Sprintf("%s: %s (%d)", a.Model, a.Class, a.StatusCode)
	default:
		return fmt.Sprintf("%s: %s", a.Model, a.Class)
	}
}

// ExhaustedError reports that no model in the chain produced a response.
type ExhaustedError struct {
	Kind     core.ProcessKind
	Task     string
	Chain    []string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Chain) == 0 {
		return fmt.Sprintf("no model route configured for %s", e.Kind)
	}

	steps := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		steps[i] = a.String()
	}

	return fmt.Sprintf("model chain [%s] exhausted for %s: %s",
		strings.Join(e.Chain, ", "), e.Kind, strings.Join(steps, "; "))
}

// Unwrap allows errors.Is(err, core.ErrChainExhausted).
func (e *ExhaustedError) Unwrap() error { return core.ErrChainExhausted }
