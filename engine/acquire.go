package engine

import (
	"context"

	"github.com/tavenner/parley"
	"github.com/tavenner/parley/retry"
)

// acquire obtains one model turn under the rate-limit retry policy. All
// other error kinds propagate immediately.
func (x *exchange) acquire(ctx context.Context) (*parley.Turn, error) {
	return retry.DoContext(ctx, x.eng.retryP, func(ctx context.Context) (*parley.Turn, error) {
		return x.acquireOnce(ctx)
	})
}

// acquireOnce performs the mode decision and a single acquisition attempt.
// Streaming is disabled when tools are declared and the provider either does
// not support streaming-with-tools or is marked unreliable for that
// combination. A stream degraded by malformed chunks falls back to exactly
// one buffered call; connection and timeout errors surface unchanged.
func (x *exchange) acquireOnce(ctx context.Context) (*parley.Turn, error) {
	useStream := x.req.Stream
	if len(x.req.Tools) > 0 &&
		(!x.caps.SupportsStreamingWithTools || x.caps.StreamingToolsUnreliable) {
		useStream = false
	}
	if !useStream {
		return x.buffered(ctx, nil)
	}

	turn, err := x.streamed(ctx)
	if err == nil {
		return turn, nil
	}
	if parley.Classify(err) == parley.KindChunkDecode {
		x.eng.logger.Warn("stream unreadable, falling back to buffered call", "err", err)
		return x.buffered(ctx, map[string]any{"fallback_from": "stream", "cause": err.Error()})
	}
	return nil, err
}

// buffered performs one non-streaming backend call, bracketed by lifecycle
// events.
func (x *exchange) buffered(ctx context.Context, metadata map[string]any) (*parley.Turn, error) {
	x.emitter.Emit(parley.StreamEvent{Type: parley.EventRequestStart, Metadata: metadata})
	turn, err := x.eng.backend.Complete(ctx, x.conv.Messages(), x.req.Tools)
	if err != nil {
		x.emitter.Emit(parley.StreamEvent{Type: parley.EventStreamEnd, Err: err})
		return nil, err
	}
	x.emitter.Emit(parley.StreamEvent{Type: parley.EventHeadersReceived})
	x.emitter.Emit(parley.StreamEvent{Type: parley.EventStreamEnd})
	return turn, nil
}

// streamed performs one streaming backend call. Malformed units are skipped
// in place until the consecutive-error budget is exhausted, at which point
// the stream is abandoned with a chunk-decode error for acquireOnce to
// downgrade.
func (x *exchange) streamed(ctx context.Context) (*parley.Turn, error) {
	x.emitter.Emit(parley.StreamEvent{Type: parley.EventRequestStart})

	first := true
	consecutiveDecodeErrs := 0
	turn, err := x.eng.backend.Stream(ctx, x.conv.Messages(), x.req.Tools, func(chunk parley.Chunk) error {
		if chunk.Err != nil {
			consecutiveDecodeErrs++
			if consecutiveDecodeErrs > x.eng.chunkErrorBudget {
				return chunk.Err
			}
			x.eng.logger.Debug("skipping malformed stream chunk",
				"consecutive", consecutiveDecodeErrs, "err", chunk.Err)
			return nil
		}
		consecutiveDecodeErrs = 0

		if first {
			first = false
			x.emitter.Emit(parley.StreamEvent{Type: parley.EventHeadersReceived})
			x.emitter.Emit(parley.StreamEvent{Type: parley.EventFirstToken})
		}
		if chunk.Content != "" {
			x.emitter.Emit(parley.StreamEvent{Type: parley.EventDeltaText, Content: chunk.Content})
		}
		if chunk.ToolCall != nil {
			x.emitter.Emit(parley.StreamEvent{Type: parley.EventDeltaToolCall, ToolCall: chunk.ToolCall})
		}
		return nil
	})
	if err != nil {
		x.emitter.Emit(parley.StreamEvent{Type: parley.EventStreamEnd, Err: err})
		return nil, err
	}
	if !first {
		x.emitter.Emit(parley.StreamEvent{Type: parley.EventLastToken})
	}
	x.emitter.Emit(parley.StreamEvent{Type: parley.EventStreamEnd})
	return turn, nil
}
