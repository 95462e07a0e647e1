package process

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/metrics"
	"github.com/hupe1980/spacebot/tool"
)

// DefaultWorkerTurns is the Worker budget when none is configured.
const DefaultWorkerTurns = 40

// DefaultInputBuffer is the number of follow-up messages an interactive
// Worker queues.
const DefaultInputBuffer = 8

const workerInstructions = `You are a worker process. Complete the task you are given using your tools.
Report progress with set_status. When you are done, answer with the result.`

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	MaxTurns int
	// Tools are registered on the Worker's private server for its lifetime.
	Tools       []tool.Tool
	InputBuffer int
	Metrics     *metrics.Metrics
}

// Worker is an isolated, tool-privileged process with a fresh history and a
// Tool Server of its own. An interactive Worker answers, waits for input
// and resumes on the same turn budget.
type Worker struct {
	*base

	conv        *conversation
	tools       *tool.Server
	interactive bool

	inputMu     sync.Mutex
	input       chan string
	inputClosed bool

	statusMu     sync.RWMutex
	status       string
	lastResponse string
}

// NewWorker creates a Worker owned by the Channel parent.
func NewWorker(env Env, parent core.Origin, params SpawnParams, optFns ...func(o *WorkerOptions)) (*Worker, error) {
	opts := WorkerOptions{MaxTurns: DefaultWorkerTurns, InputBuffer: DefaultInputBuffer}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultWorkerTurns
	}
	if opts.InputBuffer <= 0 {
		opts.InputBuffer = DefaultInputBuffer
	}

	o := core.Origin{
		AgentID:   parent.AgentID,
		ProcessID: core.NewProcessID(),
		Kind:      core.KindWorker,
		ParentID:  parent.ProcessID,
		ChannelID: parent.ChannelID,
	}

	w := &Worker{
		base:        newBase(env, o, params.Description, params.TaskType, opts.MaxTurns),
		conv:        newConversation(nil),
		interactive: params.Interactive,
		input:       make(chan string, opts.InputBuffer),
	}

	w.tools = tool.NewServer("worker-"+o.ProcessID.Short(), func(to *tool.Options) {
		to.Logger = w.logger
		to.Metrics = opts.Metrics
	})

	for _, t := range append([]tool.Tool{w.statusTool()}, opts.Tools...) {
		if err := w.tools.Register(t, "", tool.ScopeStartup); err != nil {
			return nil, fmt.Errorf("worker tools: %w", err)
		}
	}

	return w, nil
}

// Interactive reports whether the Worker waits for follow-up input.
func (w *Worker) Interactive() bool { return w.interactive }

// Tools returns the Worker's private server.
func (w *Worker) Tools() *tool.Server { return w.tools }

// Status returns the durable status text last reported through set_status.
func (w *Worker) Status() string {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	return w.status
}

// LastResponse returns the most recent answer of the Worker.
func (w *Worker) LastResponse() string {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	return w.lastResponse
}

// Send queues a follow-up message. It never blocks.
func (w *Worker) Send(message string) error {
	if !w.interactive {
		return core.ErrNotInteractive
	}
	if w.State().IsTerminal() {
		return core.ErrProcessTerminated
	}

	w.inputMu.Lock()
	defer w.inputMu.Unlock()

	if w.inputClosed {
		return core.ErrProcessTerminated
	}

	select {
	case w.input <- message:
		return nil
	default:
		return fmt.Errorf("worker %s: input queue full", w.ID().Short())
	}
}

// CloseInput ends the interactive session. A waiting Worker completes with
// its last response; queued messages are still processed first.
func (w *Worker) CloseInput() {
	w.inputMu.Lock()
	defer w.inputMu.Unlock()

	if !w.inputClosed {
		w.inputClosed = true
		close(w.input)
	}
}

// Run implements Process.
func (w *Worker) Run(ctx context.Context) Outcome {
	defer w.CloseInput()

	if !w.transition(core.StateRunning) {
		return Outcome{State: core.StateCancelled}
	}

	w.logger.Info("worker.started", "task", w.desc, "interactive", w.interactive)

	w.conv.append(core.NewTextContent(core.RoleUser, w.desc))

	setup := turnSetup{
		conv:   w.conv,
		system: func() string { return workerInstructions },
		server: w.tools,
		onText: w.setLastResponse,
	}

	for {
		last, err := w.runLoop(ctx, setup)
		if last == "" {
			last = w.LastResponse()
		}
		if err != nil {
			return terminal(last, err)
		}
		if !w.interactive {
			return Outcome{State: core.StateCompleted, Result: last}
		}

		w.publish(core.NewWorkerResponseEvent(w.origin, last))
		w.transition(core.StateWaitingForInput)

		// Waiting for input is a checkpoint.
		select {
		case msg, ok := <-w.input:
			if !ok {
				return Outcome{State: core.StateCompleted, Result: last}
			}
			if !w.transition(core.StateRunning) {
				return Outcome{State: core.StateCancelled}
			}
			w.conv.append(core.NewTextContent(core.RoleUser, msg))
		case <-w.cancelCh:
			return Outcome{State: core.StateCancelled}
		case <-ctx.Done():
			return Outcome{State: core.StateCancelled}
		}
	}
}

func (w *Worker) setLastResponse(text string) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()

	w.lastResponse = text
}

type setStatusArgs struct {
	Status string `json:"status" description:"Short description of what you are doing now"`
}

func (w *Worker) statusTool() tool.Tool {
	return tool.NewFunctionToolFromStruct(
		"set_status",
		"Report your current progress to the conversation that started you.",
		setStatusArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			text := strings.TrimSpace(tool.StringArg(args, "status"))
			if text == "" {
				return nil, fmt.Errorf("status must not be empty")
			}

			w.statusMu.Lock()
			w.status = text
			w.statusMu.Unlock()

			w.publish(core.NewWorkerStatusEvent(w.origin, text))

			return map[string]any{"status": text}, nil
		},
	)
}
