// Package engine drives one logical exchange against an LLM backend: obtain
// a model turn (streaming or buffered), extract tool-call intents, validate
// and repair them, execute tools and fold results back into the
// conversation, and decide when the exchange is complete. Rate-limited
// backend calls are retried under a bounded policy, and an optional
// self-reflection pass runs before the final answer is returned.
package engine

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/tavenner/parley"
	"github.com/tavenner/parley/retry"
	"github.com/tavenner/parley/schema"
)

// ForceMode controls the force-tool-usage policy.
type ForceMode string

const (
	// ForceNever leaves the model free to answer in prose.
	ForceNever ForceMode = "never"

	// ForceAuto injects a tool-demanding instruction only on the first
	// iteration, and only for backends known to routinely ignore declared
	// tools.
	ForceAuto ForceMode = "auto"

	// ForceAlways injects the instruction whenever the model produced no
	// tool call and tools are declared.
	ForceAlways ForceMode = "always"
)

// Engine executes exchanges against one backend. It is safe for concurrent
// use: all mutable exchange state lives in per-call structures.
type Engine struct {
	backend parley.Backend
	caps    parley.Capabilities
	retryP  retry.Policy
	logger  *log.Logger
	sinks   []parley.EventSink

	maxIterations            int
	chunkErrorBudget         int
	emptyCompletionThreshold int
}

// New creates an engine with defaults: capability flags looked up from the
// backend's provider, 10 loop iterations, a consecutive malformed-chunk
// budget of 3, the standard retry policy, and a discarded logger.
func New(backend parley.Backend) *Engine {
	return &Engine{
		backend:                  backend,
		caps:                     parley.CapabilitiesFor(backend.Provider()),
		retryP:                   retry.DefaultPolicy(),
		logger:                   log.New(io.Discard),
		maxIterations:            10,
		chunkErrorBudget:         3,
		emptyCompletionThreshold: 2,
	}
}

// WithCapabilities overrides the capability flags looked up from the
// backend's provider. Returns the engine for chaining.
func (e *Engine) WithCapabilities(caps parley.Capabilities) *Engine {
	e.caps = caps
	return e
}

// WithRetryPolicy replaces the rate-limit retry policy.
func (e *Engine) WithRetryPolicy(p retry.Policy) *Engine {
	e.retryP = p
	return e
}

// WithLogger sets the engine's logger.
func (e *Engine) WithLogger(logger *log.Logger) *Engine {
	e.logger = logger
	return e
}

// WithEventSink registers a sink for the streaming event side-channel.
// May be called multiple times; sinks receive events in registration order.
func (e *Engine) WithEventSink(sink parley.EventSink) *Engine {
	e.sinks = append(e.sinks, sink)
	return e
}

// WithMaxIterations sets the hard cap on tool-loop iterations.
func (e *Engine) WithMaxIterations(n int) *Engine {
	if n > 0 {
		e.maxIterations = n
	}
	return e
}

// WithChunkErrorBudget sets how many consecutive malformed stream chunks are
// skipped in place before the stream is abandoned for a buffered call.
func (e *Engine) WithChunkErrorBudget(n int) *Engine {
	if n >= 0 {
		e.chunkErrorBudget = n
	}
	return e
}

// WithEmptyCompletionThreshold sets the iteration count after which, for
// backends flagged with EarlyEmptyCompletionAfterTools, an empty completion
// following tool results is answered with a synthesized summary. This quirk
// is observed behavior rather than a documented contract; tune per backend.
func (e *Engine) WithEmptyCompletionThreshold(n int) *Engine {
	if n >= 0 {
		e.emptyCompletionThreshold = n
	}
	return e
}

// Request describes one exchange.
type Request struct {
	// Prompt is the user's task.
	Prompt string

	// SystemPrompt, when non-empty, becomes the leading system message.
	SystemPrompt string

	// History is prior conversation carried into this exchange.
	History []llms.MessageContent

	// Tools are the declarations offered to the model.
	Tools []parley.ToolDeclaration

	// Executor runs tool calls. Required when Tools is non-empty and the
	// model is expected to call them.
	Executor parley.ToolExecutor

	// Stream requests streaming mode. The engine may still choose a
	// buffered call per the capability table.
	Stream bool

	// SelfReflect enables the critique-and-revise pass on the final answer.
	SelfReflect bool

	// MinReflect and MaxReflect bound the reflection rounds.
	MinReflect int
	MaxReflect int

	// ForceToolUsage selects the force-tool-usage policy.
	ForceToolUsage ForceMode

	// MaxToolRepairs is the repair budget: how many times the engine
	// re-prompts the model to correct a malformed tool call before passing
	// it through best-effort.
	MaxToolRepairs int
}

// NewRequest creates a request with defaults: streaming on, reflection off
// with bounds [1,3], no forced tool usage, no repair budget.
func NewRequest(prompt string) Request {
	return Request{
		Prompt:         prompt,
		Stream:         true,
		MinReflect:     1,
		MaxReflect:     3,
		ForceToolUsage: ForceNever,
	}
}

// WithSystemPrompt sets the system message.
func (r Request) WithSystemPrompt(prompt string) Request {
	r.SystemPrompt = prompt
	return r
}

// WithHistory carries prior messages into the exchange.
func (r Request) WithHistory(history []llms.MessageContent) Request {
	r.History = history
	return r
}

// WithTools declares tools for the exchange.
func (r Request) WithTools(tools []parley.ToolDeclaration) Request {
	r.Tools = tools
	return r
}

// WithExecutor sets the tool executor.
func (r Request) WithExecutor(exec parley.ToolExecutor) Request {
	r.Executor = exec
	return r
}

// WithStream sets the streaming preference.
func (r Request) WithStream(stream bool) Request {
	r.Stream = stream
	return r
}

// WithSelfReflection enables reflection with the given round bounds.
func (r Request) WithSelfReflection(minRounds, maxRounds int) Request {
	r.SelfReflect = true
	if minRounds > 0 {
		r.MinReflect = minRounds
	}
	if maxRounds > 0 {
		r.MaxReflect = maxRounds
	}
	return r
}

// WithForceToolUsage sets the force-tool-usage policy.
func (r Request) WithForceToolUsage(mode ForceMode) Request {
	r.ForceToolUsage = mode
	return r
}

// WithToolRepairs sets the repair budget.
func (r Request) WithToolRepairs(n int) Request {
	r.MaxToolRepairs = n
	return r
}

// Respond runs the exchange to completion and returns the final text. This
// is the blocking surface; RespondAsync offers the same semantics with
// channel-based delivery.
func (e *Engine) Respond(ctx context.Context, req Request) (string, error) {
	return e.runWith(ctx, req, e.newEmitter(e.sinks))
}

// AsyncExchange is a running exchange started by RespondAsync.
type AsyncExchange struct {
	sink    *parley.ChannelSink
	metrics *parley.Metrics
	done    chan struct{}
	text    string
	err     error
}

// Events returns the ordered stream of lifecycle events for this exchange.
// The channel closes when the exchange finishes.
func (a *AsyncExchange) Events() <-chan parley.StreamEvent {
	return a.sink.Events()
}

// Wait blocks until the exchange finishes and returns its outcome.
func (a *AsyncExchange) Wait() (string, error) {
	<-a.done
	return a.text, a.err
}

// Metrics returns the exchange's metrics accumulator. Available as soon as
// RespondAsync returns; values are final once Wait returns.
func (a *AsyncExchange) Metrics() *parley.Metrics {
	return a.metrics
}

// RespondAsync starts the exchange in a goroutine. It runs the exact same
// state machine as Respond; only the delivery differs. Events are buffered
// unboundedly, so a slow consumer never stalls the exchange.
func (e *Engine) RespondAsync(ctx context.Context, req Request) *AsyncExchange {
	a := &AsyncExchange{
		sink: parley.NewChannelSink(),
		done: make(chan struct{}),
	}
	sinks := append(append([]parley.EventSink{}, e.sinks...), a.sink)
	// The emitter is created before the goroutine starts so Metrics is
	// readable immediately, without racing the exchange.
	emitter := e.newEmitter(sinks)
	a.metrics = emitter.Metrics()
	go func() {
		defer close(a.done)
		defer a.sink.Close()
		a.text, a.err = e.runWith(ctx, req, emitter)
	}()
	return a
}

// newEmitter builds the per-exchange event emitter with the engine's panic
// observer attached.
func (e *Engine) newEmitter(sinks []parley.EventSink) *parley.Emitter {
	return parley.NewEmitter(sinks).WithPanicObserver(func(_ parley.EventSink, recovered any) {
		e.logger.Warn("event sink panicked; continuing exchange", "panic", recovered)
	})
}

// runWith sets up per-exchange state and drives the loop. Everything created
// here is discarded when the exchange ends; the only process-wide state is
// the read-only formatted-tool cache.
func (e *Engine) runWith(ctx context.Context, req Request, emitter *parley.Emitter) (string, error) {
	x := &exchange{
		eng:        e,
		req:        req,
		caps:       e.caps,
		conv:       parley.NewConversation(),
		emitter:    emitter,
		declared:   make(map[string]parley.ToolDeclaration, len(req.Tools)),
		validators: make(map[string]*schema.Schema, len(req.Tools)),
	}
	for _, decl := range req.Tools {
		x.declared[decl.Name] = decl
		if decl.Parameters == nil {
			continue
		}
		compiled, err := schema.Compile(decl.Parameters)
		if err != nil {
			e.logger.Warn("tool schema did not compile; skipping validation",
				"tool", decl.Name, "err", err)
			continue
		}
		x.validators[decl.Name] = compiled
	}

	return x.run(ctx)
}
