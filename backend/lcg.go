// Package backend adapts LangChainGo models to the parley.Backend interface,
// normalizing token usage and mapping provider errors onto parley's error
// taxonomy.
package backend

import (
	"context"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"

	"github.com/tavenner/parley"
)

// LangChain wraps an llms.Model as a parley.Backend.
//
//	llm, _ := openai.New(openai.WithToken(apiKey))
//	be := backend.NewLangChain(llm, "openai")
type LangChain struct {
	model    llms.Model
	provider string
	options  []llms.CallOption
}

// NewLangChain creates a backend over the given model. The provider
// identifier drives capability lookup (see parley.CapabilitiesFor).
func NewLangChain(model llms.Model, provider string) *LangChain {
	return &LangChain{model: model, provider: provider}
}

// WithCallOptions appends llms.CallOption values (temperature, max tokens,
// per-call timeouts, ...) applied to every request. Returns the backend for
// chaining.
func (b *LangChain) WithCallOptions(opts ...llms.CallOption) *LangChain {
	b.options = append(b.options, opts...)
	return b
}

// Unwrap returns the underlying llms.Model.
func (b *LangChain) Unwrap() llms.Model {
	return b.model
}

// Provider implements parley.Backend.
func (b *LangChain) Provider() string {
	return b.provider
}

// Complete implements parley.Backend with a single buffered call.
func (b *LangChain) Complete(
	ctx context.Context,
	messages []llms.MessageContent,
	tools []parley.ToolDeclaration,
) (*parley.Turn, error) {
	opts := b.callOptions(tools)
	resp, err := b.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, parley.WrapClassified(err)
	}
	return toTurn(resp), nil
}

// Stream implements parley.Backend. Text deltas are delivered through
// onChunk as they arrive; a delta that is not valid UTF-8 is reported as a
// malformed unit and otherwise dropped, leaving the skip-or-fallback
// decision to the caller. LangChainGo surfaces streamed tool calls on the
// final response rather than as deltas, so the assembled turn carries them.
func (b *LangChain) Stream(
	ctx context.Context,
	messages []llms.MessageContent,
	tools []parley.ToolDeclaration,
	onChunk parley.ChunkHandler,
) (*parley.Turn, error) {
	opts := b.callOptions(tools)
	opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, delta []byte) error {
		if !utf8.Valid(delta) {
			return onChunk(parley.Chunk{Err: &parley.ChunkDecodeError{
				Reason: "delta is not valid UTF-8",
			}})
		}
		return onChunk(parley.Chunk{Content: string(delta)})
	}))

	resp, err := b.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, parley.WrapClassified(err)
	}
	return toTurn(resp), nil
}

func (b *LangChain) callOptions(tools []parley.ToolDeclaration) []llms.CallOption {
	opts := append([]llms.CallOption{}, b.options...)
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(toLLMTools(tools)))
	}
	return opts
}

// toLLMTools converts declarations to the wire shape.
func toLLMTools(tools []parley.ToolDeclaration) []llms.Tool {
	converted := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		converted = append(converted, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return converted
}

// toTurn normalizes the first choice of a response into a parley.Turn.
func toTurn(resp *llms.ContentResponse) *parley.Turn {
	turn := &parley.Turn{}
	if resp == nil || len(resp.Choices) == 0 {
		return turn
	}
	choice := resp.Choices[0]
	turn.Text = choice.Content
	turn.StopReason = choice.StopReason
	turn.ToolCalls = choice.ToolCalls
	// Older providers report a single legacy function call instead.
	if len(turn.ToolCalls) == 0 && choice.FuncCall != nil {
		turn.ToolCalls = []llms.ToolCall{{
			ID:           "",
			Type:         "function",
			FunctionCall: choice.FuncCall,
		}}
	}
	turn.Usage = extractUsage(choice.GenerationInfo)
	return turn
}

// extractUsage normalizes token counts across providers, which report them
// under different GenerationInfo keys.
func extractUsage(info map[string]any) parley.Usage {
	var u parley.Usage
	if info == nil {
		return u
	}
	// OpenAI and Ollama use PromptTokens/CompletionTokens; Anthropic uses
	// InputTokens/OutputTokens; Google and Bedrock use snake_case.
	u.InputTokens = firstInt(info, "PromptTokens", "InputTokens", "input_tokens")
	u.OutputTokens = firstInt(info, "CompletionTokens", "OutputTokens", "output_tokens")
	u.TotalTokens = firstInt(info, "TotalTokens", "total_tokens")
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

func firstInt(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			if v > 0 {
				return v
			}
		case int64:
			if v > 0 {
				return int(v)
			}
		case float64:
			if v > 0 {
				return int(v)
			}
		}
	}
	return 0
}
