package parley

import (
	"github.com/tmc/langchaingo/llms"
)

// Conversation is the ordered, role-tagged message sequence for one exchange.
//
// A Conversation is append-only: once a message has been appended it is never
// reordered or rewritten. It is exclusively owned by a single exchange and
// must not be shared between concurrent exchanges.
type Conversation struct {
	messages []llms.MessageContent
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{
		messages: make([]llms.MessageContent, 0, 8),
	}
}

// Append adds a message to the end of the conversation.
func (c *Conversation) Append(msg llms.MessageContent) {
	c.messages = append(c.messages, msg)
}

// AppendText adds a plain text message with the given role.
func (c *Conversation) AppendText(role llms.ChatMessageType, text string) {
	c.Append(llms.MessageContent{
		Role:  role,
		Parts: []llms.ContentPart{llms.TextPart(text)},
	})
}

// AppendAssistantTurn records a model turn: its text content and any native
// tool calls it produced, in the order the model listed them.
func (c *Conversation) AppendAssistantTurn(text string, calls []llms.ToolCall) {
	parts := make([]llms.ContentPart, 0, len(calls)+1)
	if text != "" {
		parts = append(parts, llms.TextPart(text))
	}
	for _, call := range calls {
		parts = append(parts, call)
	}
	if len(parts) == 0 {
		// Some providers emit an entirely empty completion. Record it anyway
		// so turn boundaries stay aligned with the conversation.
		parts = append(parts, llms.TextPart(""))
	}
	c.Append(llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
}

// AppendToolResult adds a tool-role message keyed by the originating call id.
func (c *Conversation) AppendToolResult(callID, name, content string) {
	c.Append(llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{llms.ToolCallResponse{
			ToolCallID: callID,
			Name:       name,
			Content:    content,
		}},
	})
}

// Messages returns the current message sequence. The returned slice is the
// conversation's backing storage; callers must treat it as read-only.
func (c *Conversation) Messages() []llms.MessageContent {
	return c.messages
}

// Len returns the number of messages appended so far.
func (c *Conversation) Len() int {
	return len(c.messages)
}
