package model

import (
	"context"
	"fmt"
	"sync"
)

// Step is one scripted outcome of a ScriptedCompleter call.
type Step struct {
	Response *Response
	Err      error
	// Started, if set, is closed when the call begins.
	Started chan struct{}
	// Gate, if set, holds the call until it is closed or the context ends.
	Gate <-chan struct{}
}

// Call records one Complete invocation.
type Call struct {
	Model   string
	Request Request
}

// ScriptedCompleter is a deterministic in‑memory Completer for tests &
// examples. Each model id has its own queue of steps consumed in order.
type ScriptedCompleter struct {
	mu       sync.Mutex
	scripts  map[string][]Step
	fallback CompleterFunc
	calls    []Call
}

// NewScriptedCompleter creates an empty ScriptedCompleter.
func NewScriptedCompleter() *ScriptedCompleter {
	return &ScriptedCompleter{scripts: make(map[string][]Step)}
}

// Script appends steps to the queue of modelID.
func (s *ScriptedCompleter) Script(modelID string, steps ...Step) *ScriptedCompleter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[modelID] = append(s.scripts[modelID], steps...)
	return s
}

// Reply queues successful responses for modelID.
func (s *ScriptedCompleter) Reply(modelID string, responses ...*Response) *ScriptedCompleter {
	steps := make([]Step, len(responses))
	for i, r := range responses {
		steps[i] = Step{Response: r}
	}
	return s.Script(modelID, steps...)
}

// Fail queues a failure for modelID.
func (s *ScriptedCompleter) Fail(modelID string, err error) *ScriptedCompleter {
	return s.Script(modelID, Step{Err: err})
}

// WithFallback answers calls whose queue is empty.
func (s *ScriptedCompleter) WithFallback(fn CompleterFunc) *ScriptedCompleter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
	return s
}

// Complete implements Completer.
func (s *ScriptedCompleter) Complete(ctx context.Context, modelID string, req Request) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Model: modelID, Request: req})
	queue := s.scripts[modelID]
	var (
		step Step
		ok   bool
	)
	if len(queue) > 0 {
		step, ok = queue[0], true
		s.scripts[modelID] = queue[1:]
	}
	fallback := s.fallback
	s.mu.Unlock()

	if !ok {
		if fallback != nil {
			return fallback(ctx, modelID, req)
		}
		return nil, &FatalError{Err: fmt.Errorf("no scripted response for model %s", modelID)}
	}

	if step.Started != nil {
		close(step.Started)
	}

	if step.Gate != nil {
		select {
		case <-step.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if step.Err != nil {
		return nil, step.Err
	}

	return step.Response, nil
}

// Calls returns a copy of the recorded invocations.
func (s *ScriptedCompleter) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor counts invocations against modelID.
func (s *ScriptedCompleter) CallsFor(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Model == modelID {
			n++
		}
	}
	return n
}

// Pending reports how many scripted steps remain for modelID.
func (s *ScriptedCompleter) Pending(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scripts[modelID])
}
