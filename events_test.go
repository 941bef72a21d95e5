package parley

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []StreamEvent
}

func (s *recordingSink) OnEvent(ev StreamEvent) {
	s.events = append(s.events, ev)
}

type panickingSink struct{}

func (panickingSink) OnEvent(StreamEvent) {
	panic("observer bug")
}

func TestEmitter_DeliversToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	em := NewEmitter([]EventSink{a, b})

	em.Emit(StreamEvent{Type: EventRequestStart})
	em.Emit(StreamEvent{Type: EventDeltaText, Content: "hel"})
	em.Emit(StreamEvent{Type: EventDeltaText, Content: "lo"})
	em.Emit(StreamEvent{Type: EventStreamEnd})

	require.Len(t, a.events, 4)
	require.Len(t, b.events, 4)
	assert.Equal(t, EventRequestStart, a.events[0].Type)
	assert.Equal(t, EventStreamEnd, a.events[3].Type)
	for _, ev := range a.events {
		assert.Equal(t, em.ExchangeID(), ev.ExchangeID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestEmitter_TimestampsAreMonotonic(t *testing.T) {
	sink := &recordingSink{}
	em := NewEmitter([]EventSink{sink})
	for i := 0; i < 5; i++ {
		em.Emit(StreamEvent{Type: EventDeltaText, Content: "x"})
	}
	for i := 1; i < len(sink.events); i++ {
		assert.False(t, sink.events[i].Timestamp.Before(sink.events[i-1].Timestamp))
	}
}

func TestEmitter_SinkPanicIsSwallowed(t *testing.T) {
	healthy := &recordingSink{}
	var observed any
	em := NewEmitter([]EventSink{panickingSink{}, healthy}).
		WithPanicObserver(func(_ EventSink, recovered any) {
			observed = recovered
		})

	require.NotPanics(t, func() {
		em.Emit(StreamEvent{Type: EventFirstToken})
	})
	assert.Equal(t, "observer bug", observed)
	// The panicking sink must not shadow delivery to later sinks.
	require.Len(t, healthy.events, 1)
}

func TestMetrics_Accumulation(t *testing.T) {
	em := NewEmitter(nil)
	em.Emit(StreamEvent{Type: EventRequestStart})
	em.Emit(StreamEvent{Type: EventFirstToken})
	em.Emit(StreamEvent{Type: EventDeltaText, Content: "hello"})
	em.Emit(StreamEvent{Type: EventDeltaText, Content: " world"})
	em.Emit(StreamEvent{Type: EventDeltaToolCall})
	em.Emit(StreamEvent{Type: EventRequestStart})

	m := em.Metrics()
	assert.Equal(t, 2, m.RequestCount())
	text, toolCall := m.DeltaCounts()
	assert.Equal(t, 2, text)
	assert.Equal(t, 1, toolCall)
	assert.Equal(t, len("hello world"), m.ContentBytes())
	assert.GreaterOrEqual(t, m.FirstTokenLatency(), time.Duration(0))

	m.AddUsage(Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	m.AddUsage(Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5})
	assert.Equal(t, Usage{InputTokens: 13, OutputTokens: 7, TotalTokens: 20}, m.TokenUsage())
}

func TestMetrics_FirstTokenLatencyZeroWithoutToken(t *testing.T) {
	em := NewEmitter(nil)
	em.Emit(StreamEvent{Type: EventRequestStart})
	assert.Equal(t, time.Duration(0), em.Metrics().FirstTokenLatency())
}

func TestChannelSink_OrderedDelivery(t *testing.T) {
	sink := NewChannelSink()
	for i := 0; i < 100; i++ {
		sink.OnEvent(StreamEvent{Type: EventDeltaText, Content: string(rune('a' + i%26))})
	}
	sink.Close()

	var received []StreamEvent
	for ev := range sink.Events() {
		received = append(received, ev)
	}
	require.Len(t, received, 100)
	assert.Equal(t, "a", received[0].Content)
	assert.Equal(t, "b", received[1].Content)
}

func TestChannelSink_CloseIsIdempotent(t *testing.T) {
	sink := NewChannelSink()
	sink.OnEvent(StreamEvent{Type: EventStreamEnd})
	sink.Close()
	require.NotPanics(t, sink.Close)

	_, ok := <-sink.Events()
	assert.True(t, ok)
	_, ok = <-sink.Events()
	assert.False(t, ok)
}
