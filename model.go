package parley

import (
	"context"

	"github.com/tmc/langchaingo/llms"
)

// Turn is one normalized response unit from the model backend, regardless of
// whether the streaming or buffered path produced it.
type Turn struct {
	// Text is the textual content of the response.
	Text string

	// ToolCalls holds natively structured tool calls, when the provider
	// supplies them. Providers that encode calls in the text body leave this
	// empty; the extractor recovers them from Text.
	ToolCalls []llms.ToolCall

	// StopReason is the provider's stop reason, when available.
	StopReason string

	// Usage holds normalized token counts for this turn.
	Usage Usage
}

// Usage is token usage normalized across providers. Providers report these
// under different keys (PromptTokens, InputTokens, input_tokens, ...); the
// backend adapter maps them here.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add accumulates another turn's usage into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Chunk is one streamed unit of a model turn.
type Chunk struct {
	// Content is a text delta.
	Content string

	// ToolCall is a tool-call delta, when the provider streams them.
	ToolCall *llms.ToolCall

	// Err is set instead of content when this unit failed to decode. The
	// backend reports the malformed unit and continues; the engine decides
	// whether to skip it or abandon the stream.
	Err error
}

// ChunkHandler receives streamed units in order. Returning a non-nil error
// aborts the stream; the backend surfaces that error from Stream.
type ChunkHandler func(Chunk) error

// Backend is the model transport consumed by the engine. Implementations must
// surface errors distinguishably per the taxonomy in [Classify]: rate limits,
// malformed chunks, connection/timeout failures, and context-length
// rejections each get their typed error.
type Backend interface {
	// Provider returns the provider identifier used for capability lookup
	// (e.g. "openai", "anthropic", "googleai").
	Provider() string

	// Complete performs a single buffered request and returns the full turn.
	Complete(ctx context.Context, messages []llms.MessageContent, tools []ToolDeclaration) (*Turn, error)

	// Stream performs a streaming request, delivering units to onChunk in
	// order, and returns the assembled turn once the stream ends.
	Stream(ctx context.Context, messages []llms.MessageContent, tools []ToolDeclaration, onChunk ChunkHandler) (*Turn, error)
}
