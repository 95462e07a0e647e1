package process

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/model"
	"github.com/hupe1980/spacebot/tool"
)

// conversation is the history a run loop appends to. Channels read it from
// their tools while a turn is in flight, so it is guarded.
type conversation struct {
	mu       sync.RWMutex
	contents []core.Content
}

func newConversation(seed []core.Content) *conversation {
	return &conversation{contents: core.CloneHistory(seed)}
}

func (c *conversation) append(contents ...core.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.contents = append(c.contents, contents...)
}

// trim keeps at most the last n contents. The cut moves forward past tool
// responses so no response is left without the call that produced it.
func (c *conversation) trim(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || len(c.contents) <= n {
		return
	}

	start := len(c.contents) - n
	for start < len(c.contents) && len(c.contents[start].FunctionResponses()) > 0 {
		start++
	}

	c.contents = append([]core.Content(nil), c.contents[start:]...)
}

// snapshot returns a copy that later appends do not affect.
func (c *conversation) snapshot() []core.Content {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return core.CloneHistory(c.contents)
}

// turnSetup configures one run of the turn engine.
type turnSetup struct {
	conv *conversation
	// system renders the prompt context. It is called once per turn.
	system func() string
	server *tool.Server
	// onText observes the text of every model response.
	onText func(text string)
}

// runLoop alternates model turns and tool dispatch until the model answers
// without tool calls. It returns the last non-empty response text together
// with ErrCancelled, ErrMaxTurns or the model failure that stopped it.
func (b *base) runLoop(ctx context.Context, setup turnSetup) (string, error) {
	var last string

	for {
		done, text, err := b.turn(ctx, setup)
		if text != "" {
			last = text
		}
		if err != nil || done {
			return last, err
		}
	}
}

func (b *base) turn(ctx context.Context, setup turnSetup) (bool, string, error) {
	n, err := b.beginTurn()
	if err != nil {
		return true, "", err
	}

	ctx, span := b.env.Tracer.Start(ctx, "process.turn", trace.WithAttributes(
		attribute.String("agent.id", string(b.origin.AgentID)),
		attribute.String("process.id", string(b.origin.ProcessID)),
		attribute.String("process.kind", string(b.origin.Kind)),
		attribute.Int("process.turn", n),
	))
	defer span.End()

	req := model.Request{Contents: setup.conv.snapshot()}
	if setup.system != nil {
		req.System = setup.system()
	}
	if setup.server != nil {
		req.Tools = setup.server.Definitions(b.origin.ProcessID)
	}

	resp, err := b.complete(ctx, req)
	if err != nil {
		if !errors.Is(err, core.ErrCancelled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "model call failed")
		}
		return true, "", err
	}

	setup.conv.append(resp.Content)

	text := strings.TrimSpace(resp.Text())
	if text != "" && setup.onText != nil {
		setup.onText(text)
	}

	calls := resp.FunctionCalls()
	span.SetAttributes(attribute.Int("tool.calls", len(calls)))
	if len(calls) == 0 {
		return true, text, nil
	}

	setup.conv.append(b.dispatch(ctx, setup.server, calls))

	// Tool results are a checkpoint.
	if err := b.checkpoint(); err != nil {
		return true, text, err
	}

	return false, text, nil
}

// dispatch executes calls concurrently, bounded by Env.ToolParallelism, and
// returns their responses in call order as one tool-role content. Tool
// failures never abort the turn; they become error responses for the model.
func (b *base) dispatch(ctx context.Context, server *tool.Server, calls []core.FunctionCall) core.Content {
	parts := make([]core.Part, len(calls))

	var g errgroup.Group
	if b.env.ToolParallelism > 0 {
		g.SetLimit(b.env.ToolParallelism)
	}

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			parts[i] = core.FunctionResponsePart{FunctionResponse: b.invoke(ctx, server, call)}
			return nil
		})
	}

	_ = g.Wait()

	return core.Content{Role: core.RoleTool, Parts: parts}
}

func (b *base) invoke(ctx context.Context, server *tool.Server, call core.FunctionCall) core.FunctionResponse {
	b.publish(core.NewToolInvokedEvent(b.origin, call.Name))

	fr := core.FunctionResponse{ID: call.ID, Name: call.Name}

	if server == nil {
		fr.Error = (&tool.ToolError{Tool: call.Name, Message: "no tools available", Code: tool.CodeNotFound, Err: core.ErrToolNotFound}).Error()
		b.publish(core.NewToolResultEvent(b.origin, call.Name, false))
		return fr
	}

	start := time.Now()
	tc := core.NewToolContext(ctx, b.origin, call.ID, b.logger)
	result, err := server.Invoke(tc, call)

	if err != nil {
		fr.Error = err.Error()
		b.logger.Debug("process.tool.error", "tool", call.Name, "duration", time.Since(start), "error", err.Error())
	} else {
		fr.Response = result
	}

	b.publish(core.NewToolResultEvent(b.origin, call.Name, err == nil))

	return fr
}

// terminal maps the error that ended a run loop to an outcome.
func terminal(last string, err error) Outcome {
	switch {
	case err == nil:
		return Outcome{State: core.StateCompleted, Result: last}
	case errors.Is(err, core.ErrCancelled), errors.Is(err, context.Canceled):
		return Outcome{State: core.StateCancelled}
	case errors.Is(err, core.ErrMaxTurns):
		return Outcome{State: core.StateMaxTurnsReached, Result: last, Partial: last != ""}
	default:
		return Outcome{State: core.StateFailed, Result: last, Reason: err.Error()}
	}
}
