package tt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/tmc/langchaingo/llms"
)

// RenderTranscript flattens a message sequence into one line per message,
// "role: content", for readable assertions.
func RenderTranscript(messages []llms.MessageContent) []string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		var parts []string
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				parts = append(parts, p.Text)
			case llms.ToolCall:
				if p.FunctionCall != nil {
					parts = append(parts, fmt.Sprintf("call %s(%s)", p.FunctionCall.Name, p.FunctionCall.Arguments))
				}
			case llms.ToolCallResponse:
				parts = append(parts, fmt.Sprintf("result %s: %s", p.Name, p.Content))
			default:
				parts = append(parts, fmt.Sprintf("%v", part))
			}
		}
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, strings.Join(parts, " | ")))
	}
	return lines
}

// RequireTranscript fails the test with a unified diff when the rendered
// transcript does not match want.
func RequireTranscript(t testing.TB, want []string, messages []llms.MessageContent) {
	t.Helper()
	got := RenderTranscript(messages)
	if strings.Join(want, "\n") == strings.Join(got, "\n") {
		return
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(strings.Join(want, "\n")),
		B:        difflib.SplitLines(strings.Join(got, "\n")),
		FromFile: "want",
		ToFile:   "got",
		Context:  3,
	})
	t.Fatalf("transcript mismatch:\n%s", diff)
}
