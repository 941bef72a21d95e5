package parley

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/tavenner/parley/internal/buffer"
)

// EventType identifies a lifecycle event on the streaming side-channel.
type EventType string

const (
	EventRequestStart    EventType = "REQUEST_START"
	EventHeadersReceived EventType = "HEADERS_RECEIVED"
	EventFirstToken      EventType = "FIRST_TOKEN"
	EventDeltaText       EventType = "DELTA_TEXT"
	EventDeltaToolCall   EventType = "DELTA_TOOL_CALL"
	EventLastToken       EventType = "LAST_TOKEN"
	EventStreamEnd       EventType = "STREAM_END"
)

// StreamEvent is one observation on the side-channel. Timestamps come from
// time.Now and therefore carry Go's monotonic clock reading; differences
// between timestamps of the same exchange are monotonic.
type StreamEvent struct {
	Type       EventType
	Timestamp  time.Time
	ExchangeID string

	// Content carries the text delta for DELTA_TEXT events.
	Content string

	// ToolCall carries the delta for DELTA_TOOL_CALL events.
	ToolCall *llms.ToolCall

	// Metadata carries event-specific detail (e.g. fallback notices).
	Metadata map[string]any

	// Err is set on STREAM_END when the exchange failed.
	Err error
}

// EventSink receives ordered lifecycle events. The side-channel is purely
// additive: a sink's absence never changes control-flow outcomes, and a
// panicking sink is swallowed rather than aborting the exchange.
type EventSink interface {
	OnEvent(StreamEvent)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(StreamEvent)

// OnEvent implements EventSink.
func (f EventSinkFunc) OnEvent(ev StreamEvent) { f(ev) }

// Metrics accumulates timing and volume statistics for one exchange. It is
// the only state permitted to aggregate across loop iterations within an
// exchange; everything else is per-iteration.
type Metrics struct {
	mu sync.Mutex

	requestStart   time.Time
	firstToken     time.Time
	firstTokenSeen bool

	deltaTextCount     int
	deltaToolCallCount int
	contentBytes       int
	requestCount       int

	usage Usage
}

// record updates the accumulator from an event.
func (m *Metrics) record(ev StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Type {
	case EventRequestStart:
		m.requestCount++
		if m.requestStart.IsZero() {
			m.requestStart = ev.Timestamp
		}
	case EventFirstToken:
		if !m.firstTokenSeen {
			m.firstToken = ev.Timestamp
			m.firstTokenSeen = true
		}
	case EventDeltaText:
		m.deltaTextCount++
		m.contentBytes += len(ev.Content)
	case EventDeltaToolCall:
		m.deltaToolCallCount++
	}
}

// AddUsage folds a turn's token usage into the accumulator.
func (m *Metrics) AddUsage(u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.Add(u)
}

// FirstTokenLatency is the interval between the first request and the first
// streamed token. Zero when no token was streamed.
func (m *Metrics) FirstTokenLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.firstTokenSeen || m.requestStart.IsZero() {
		return 0
	}
	return m.firstToken.Sub(m.requestStart)
}

// RequestCount returns the number of backend requests observed.
func (m *Metrics) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// DeltaCounts returns the streamed text and tool-call delta counts.
func (m *Metrics) DeltaCounts() (text, toolCall int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deltaTextCount, m.deltaToolCallCount
}

// ContentBytes returns the total streamed text volume in bytes.
func (m *Metrics) ContentBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contentBytes
}

// TokenUsage returns the accumulated token usage across all turns.
func (m *Metrics) TokenUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Emitter fans events out to registered sinks and feeds the metrics
// accumulator. Sink panics are recovered so a misbehaving observer cannot
// abort the exchange.
type Emitter struct {
	exchangeID string
	sinks      []EventSink
	metrics    *Metrics

	// onSinkPanic, when set, is told about swallowed panics (for logging).
	onSinkPanic func(sink EventSink, recovered any)
}

// NewEmitter creates an emitter with a fresh exchange id and metrics
// accumulator.
func NewEmitter(sinks []EventSink) *Emitter {
	return &Emitter{
		exchangeID: uuid.NewString(),
		sinks:      sinks,
		metrics:    &Metrics{},
	}
}

// WithPanicObserver registers a callback invoked when a sink panic is
// swallowed. Returns the emitter for chaining.
func (e *Emitter) WithPanicObserver(fn func(sink EventSink, recovered any)) *Emitter {
	e.onSinkPanic = fn
	return e
}

// ExchangeID returns the id stamped on every event from this emitter.
func (e *Emitter) ExchangeID() string { return e.exchangeID }

// Metrics returns the exchange's metrics accumulator.
func (e *Emitter) Metrics() *Metrics { return e.metrics }

// Emit timestamps the event, updates metrics, and delivers it to every sink.
func (e *Emitter) Emit(ev StreamEvent) {
	ev.Timestamp = time.Now()
	ev.ExchangeID = e.exchangeID
	e.metrics.record(ev)
	for _, sink := range e.sinks {
		e.deliver(sink, ev)
	}
}

func (e *Emitter) deliver(sink EventSink, ev StreamEvent) {
	defer func() {
		if r := recover(); r != nil && e.onSinkPanic != nil {
			e.onSinkPanic(sink, r)
		}
	}()
	sink.OnEvent(ev)
}

// ChannelSink delivers events to a channel without ever blocking the
// exchange, buffering unboundedly when the consumer is slow.
type ChannelSink struct {
	buf *buffer.Unbounded[StreamEvent]
}

// NewChannelSink creates a channel-backed sink.
func NewChannelSink() *ChannelSink {
	return &ChannelSink{buf: buffer.NewUnbounded[StreamEvent]()}
}

// OnEvent implements EventSink. Never blocks.
func (s *ChannelSink) OnEvent(ev StreamEvent) {
	s.buf.Send(ev)
}

// Events returns the receive channel. It is closed after Close.
func (s *ChannelSink) Events() <-chan StreamEvent {
	return s.buf.Receive()
}

// Close stops delivery and closes the events channel once buffered events
// have drained. Safe to call multiple times.
func (s *ChannelSink) Close() {
	s.buf.Close()
}
