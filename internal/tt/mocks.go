// Package tt holds shared test doubles: a scriptable mock backend, a
// recording tool executor, and an event sink recorder.
package tt

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"

	"github.com/tavenner/parley"
)

// step is one scripted backend response.
type step struct {
	turn      *parley.Turn
	err       error
	chunks    []parley.Chunk
	streamErr error
}

// MockBackend implements parley.Backend with a scripted response queue.
// Each backend call, buffered or streaming, consumes one step in order.
type MockBackend struct {
	mu       sync.Mutex
	provider string
	steps    []step
	next     int

	completeCalls int
	streamCalls   int

	// CapturedMessages records the message sequence passed to every call,
	// in call order.
	CapturedMessages [][]llms.MessageContent
}

// NewMockBackend creates a mock with provider "mock".
func NewMockBackend() *MockBackend {
	return &MockBackend{provider: "mock"}
}

// WithProvider sets the provider identifier. Returns the mock for chaining.
func (b *MockBackend) WithProvider(provider string) *MockBackend {
	b.provider = provider
	return b
}

// AddTurn queues a text-only turn.
func (b *MockBackend) AddTurn(text string) *MockBackend {
	b.steps = append(b.steps, step{turn: &parley.Turn{
		Text:  text,
		Usage: parley.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}})
	return b
}

// AddToolCallTurn queues a turn carrying native tool calls alongside text.
func (b *MockBackend) AddToolCallTurn(text string, calls ...llms.ToolCall) *MockBackend {
	b.steps = append(b.steps, step{turn: &parley.Turn{Text: text, ToolCalls: calls}})
	return b
}

// AddRawTurn queues a fully specified turn.
func (b *MockBackend) AddRawTurn(turn *parley.Turn) *MockBackend {
	b.steps = append(b.steps, step{turn: turn})
	return b
}

// AddError queues a call that fails outright.
func (b *MockBackend) AddError(err error) *MockBackend {
	b.steps = append(b.steps, step{err: err})
	return b
}

// AddStream queues a streaming response: the chunks are delivered in order,
// then the final turn is returned. A buffered call consuming this step skips
// the chunks and returns the turn directly.
func (b *MockBackend) AddStream(final *parley.Turn, chunks ...parley.Chunk) *MockBackend {
	b.steps = append(b.steps, step{turn: final, chunks: chunks})
	return b
}

// AddStreamError queues a streaming response that delivers the chunks and
// then fails with err.
func (b *MockBackend) AddStreamError(err error, chunks ...parley.Chunk) *MockBackend {
	b.steps = append(b.steps, step{chunks: chunks, streamErr: err})
	return b
}

// Provider implements parley.Backend.
func (b *MockBackend) Provider() string {
	return b.provider
}

// CompleteCalls returns how many buffered calls were made.
func (b *MockBackend) CompleteCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completeCalls
}

// StreamCalls returns how many streaming calls were made.
func (b *MockBackend) StreamCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamCalls
}

// CallCount returns the total number of backend calls.
func (b *MockBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completeCalls + b.streamCalls
}

func (b *MockBackend) pop(messages []llms.MessageContent) step {
	b.CapturedMessages = append(b.CapturedMessages, messages)
	if b.next >= len(b.steps) {
		// Running off the script is a test bug; make it loud but usable.
		return step{turn: &parley.Turn{Text: "unscripted response"}}
	}
	s := b.steps[b.next]
	b.next++
	return s
}

// Complete implements parley.Backend.
func (b *MockBackend) Complete(
	_ context.Context,
	messages []llms.MessageContent,
	_ []parley.ToolDeclaration,
) (*parley.Turn, error) {
	b.mu.Lock()
	b.completeCalls++
	s := b.pop(messages)
	b.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	return s.turn, nil
}

// Stream implements parley.Backend.
func (b *MockBackend) Stream(
	_ context.Context,
	messages []llms.MessageContent,
	_ []parley.ToolDeclaration,
	onChunk parley.ChunkHandler,
) (*parley.Turn, error) {
	b.mu.Lock()
	b.streamCalls++
	s := b.pop(messages)
	b.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	chunks := s.chunks
	if len(chunks) == 0 && s.turn != nil && s.turn.Text != "" {
		chunks = []parley.Chunk{{Content: s.turn.Text}}
	}
	for _, chunk := range chunks {
		if err := onChunk(chunk); err != nil {
			return nil, err
		}
	}
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	return s.turn, nil
}

// NativeCall builds an llms.ToolCall for scripting.
func NativeCall(id, name, argsJSON string) llms.ToolCall {
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      name,
			Arguments: argsJSON,
		},
	}
}

// ExecutedCall records one executor invocation.
type ExecutedCall struct {
	Name string
	Args map[string]any
}

// MockExecutor implements parley.ToolExecutor with per-tool handlers.
type MockExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(args map[string]any) (any, error)

	// Calls records every invocation in order.
	Calls []ExecutedCall
}

// NewMockExecutor creates an empty executor; calls to unknown tools fail.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{handlers: make(map[string]func(map[string]any) (any, error))}
}

// On registers a handler for a tool name. Returns the executor for chaining.
func (e *MockExecutor) On(name string, fn func(args map[string]any) (any, error)) *MockExecutor {
	e.handlers[name] = fn
	return e
}

// Return registers a fixed result for a tool name.
func (e *MockExecutor) Return(name string, result any) *MockExecutor {
	return e.On(name, func(map[string]any) (any, error) { return result, nil })
}

// Execute implements parley.ToolExecutor.
func (e *MockExecutor) Execute(_ context.Context, name string, args map[string]any) (any, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, ExecutedCall{Name: name, Args: args})
	fn, ok := e.handlers[name]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler for tool %q", name)
	}
	return fn(args)
}

// SinkRecorder implements parley.EventSink, recording events in order.
type SinkRecorder struct {
	mu     sync.Mutex
	events []parley.StreamEvent
}

// NewSinkRecorder creates an empty recorder.
func NewSinkRecorder() *SinkRecorder {
	return &SinkRecorder{}
}

// OnEvent implements parley.EventSink.
func (s *SinkRecorder) OnEvent(ev parley.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of the recorded events.
func (s *SinkRecorder) Events() []parley.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]parley.StreamEvent{}, s.events...)
}

// Types returns just the event types, in order.
func (s *SinkRecorder) Types() []parley.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]parley.EventType, len(s.events))
	for i, ev := range s.events {
		types[i] = ev.Type
	}
	return types
}
