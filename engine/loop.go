package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"gopkg.in/yaml.v3"

	"github.com/tavenner/parley"
	"github.com/tavenner/parley/extract"
	"github.com/tavenner/parley/schema"
)

// loopState labels the state machine positions of the tool execution loop.
// Terminal outcomes are returning a final text or hitting the iteration cap.
type loopState int

const (
	stateAwaitingModel loopState = iota
	stateHasToolCalls
	stateExecuting
)

func (s loopState) String() string {
	switch s {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateHasToolCalls:
		return "has_tool_calls"
	case stateExecuting:
		return "executing"
	}
	return "unknown"
}

// setState records a state-machine transition.
func (x *exchange) setState(s loopState) {
	x.state = s
	x.eng.logger.Debug("state transition", "state", s, "iteration", x.iteration)
}

// forceToolInstruction is injected when the force-tool-usage policy demands
// a call the model did not produce.
const forceToolInstruction = "You must use one of the provided tools to make progress. " +
	"Respond with a tool call, not with prose."

// completionMarkers are phrases suggesting the text alongside a tool batch is
// already a complete final answer.
var completionMarkers = []string{
	"final answer",
	"task is complete",
	"task completed",
	"in conclusion",
	"to summarize",
	"i have completed",
}

// sequentialThinkingNames identify the sequential-reasoning tool whose calls
// force the loop to continue when the flag argument requests it.
var sequentialThinkingNames = map[string]bool{
	"sequentialthinking":  true,
	"sequential_thinking": true,
	"sequential-thinking": true,
}

// exchange is the per-call state: conversation, counters, and accumulated
// tool results. It is created at the start of one Respond invocation and
// fully discarded at its end; nothing in here is shared across exchanges.
type exchange struct {
	eng     *Engine
	req     Request
	caps    parley.Capabilities
	conv    *parley.Conversation
	emitter *parley.Emitter

	declared   map[string]parley.ToolDeclaration
	validators map[string]*schema.Schema

	state        loopState
	iteration    int
	repairs      int
	toolCallSeen bool

	// results accumulates successful tool outputs for fallback
	// summarization. Cleared with the exchange itself.
	results []any
}

// run drives the loop: AWAITING_MODEL -> HAS_TEXT_ONLY(terminal) |
// HAS_TOOL_CALLS -> EXECUTING -> AWAITING_MODEL | TERMINATED_BY_CAP.
func (x *exchange) run(ctx context.Context) (string, error) {
	x.seedConversation()

	var lastText string
	for x.iteration = 0; x.iteration < x.eng.maxIterations; x.iteration++ {
		x.setState(stateAwaitingModel)
		turn, err := x.acquire(ctx)
		if err != nil {
			return "", parley.WrapClassified(err)
		}
		x.emitter.Metrics().AddUsage(turn.Usage)
		x.conv.AppendAssistantTurn(turn.Text, turn.ToolCalls)
		lastText = turn.Text

		res := extract.ToolCalls(turn, x.caps, x.iteration, x.eng.logger)
		switch res.Status {
		case extract.NotFound:
			if x.shouldForceTool() {
				x.conv.AppendText(llms.ChatMessageTypeHuman, forceToolInstruction)
				continue
			}
			answer, terminal := x.finalFromTurn(turn)
			if terminal {
				return x.reflect(ctx, answer)
			}
			continue

		case extract.Malformed:
			if x.repairs < x.req.MaxToolRepairs {
				x.appendRepairPrompt([]error{errors.New(res.Reason)})
				x.repairs++
				continue
			}
			// Budget exhausted and nothing executable: the turn's text is
			// the best available answer.
			x.eng.logger.Warn("malformed tool call with exhausted repair budget",
				"reason", res.Reason)
			return x.reflect(ctx, turn.Text)
		}

		// extract.Found
		x.toolCallSeen = true
		x.setState(stateHasToolCalls)
		if invalid := x.validateBatch(res.Calls); len(invalid) > 0 {
			if x.repairs < x.req.MaxToolRepairs {
				// Discard the whole batch and give the model one more
				// attempt to emit valid calls.
				x.appendRepairPrompt(invalid)
				x.repairs++
				continue
			}
			x.eng.logger.Warn("passing invalid tool calls through best-effort",
				"errors", len(invalid))
		} else {
			x.repairs = 0
		}

		x.setState(stateExecuting)
		forceContinue := x.executeBatch(ctx, res.Calls)

		if !forceContinue {
			if answer, done := x.completeFromBatchText(turn.Text); done {
				return x.reflect(ctx, answer)
			}
		}
	}

	// TERMINATED_BY_CAP. The exchange always ends with non-empty text.
	x.eng.logger.Warn("iteration cap reached", "iterations", x.eng.maxIterations)
	if len(x.results) > 0 {
		return "Task completed using the available tools.", nil
	}
	if strings.TrimSpace(lastText) == "" {
		return "The model did not produce a final answer.", nil
	}
	return lastText, nil
}

// seedConversation builds the initial message sequence. Any prompt
// augmentation happens here, before the first append; appended messages are
// never rewritten afterwards.
func (x *exchange) seedConversation() {
	if x.req.SystemPrompt != "" {
		x.conv.AppendText(llms.ChatMessageTypeSystem, x.req.SystemPrompt)
	}
	for _, msg := range x.req.History {
		x.conv.Append(msg)
	}
	x.conv.AppendText(llms.ChatMessageTypeHuman, x.req.Prompt)
}

// shouldForceTool applies the force-tool-usage policy after a turn produced
// no tool call. Once the model has produced a tool call, forcing stops: a
// later call-free turn is its answer, not avoidance.
func (x *exchange) shouldForceTool() bool {
	if len(x.req.Tools) == 0 || x.toolCallSeen {
		return false
	}
	switch x.req.ForceToolUsage {
	case ForceAlways:
		return true
	case ForceAuto:
		return x.iteration == 0 && x.caps.IgnoresDeclaredTools
	default:
		return false
	}
}

// finalFromTurn decides whether a call-free turn terminates the exchange,
// and with what text. An empty completion from a backend flagged with the
// early-empty-completion quirk is answered with a summary synthesized from
// accumulated tool results once the iteration threshold is crossed.
func (x *exchange) finalFromTurn(turn *parley.Turn) (string, bool) {
	text := strings.TrimSpace(turn.Text)
	if text != "" {
		return turn.Text, true
	}
	if len(x.results) == 0 {
		// Nothing to summarize and nothing said; ask again until the cap.
		return "", false
	}
	if x.caps.EarlyEmptyCompletionAfterTools && x.iteration >= x.eng.emptyCompletionThreshold {
		return summarizeResults(x.results), true
	}
	return "", false
}

// completeFromBatchText checks whether the text the model emitted alongside
// its tool calls already reads as a complete final answer.
func (x *exchange) completeFromBatchText(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 60 {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range completionMarkers {
		if strings.Contains(lower, marker) {
			return text, true
		}
	}
	return "", false
}

// executeBatch runs the calls sequentially, in the order the model listed
// them, appending one conversation message per result. Sequential execution
// is required: later calls may reference earlier calls' results via argument
// substitution. Returns true when a sequential-thinking call demands that
// the loop continue regardless of other heuristics.
func (x *exchange) executeBatch(ctx context.Context, calls []parley.ToolCallIntent) bool {
	forceContinue := false
	// Results of earlier calls in this batch, by tool name, for
	// natural-language chaining substitution.
	batchResults := make(map[string]any, len(calls))

	for _, call := range calls {
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		if x.caps.NaturalLanguageToolChaining {
			args = substituteChainedArgs(args, batchResults)
		}

		if wantsMoreThinking(call, args) {
			forceContinue = true
		}

		var result any
		var err error
		if x.req.Executor == nil {
			err = fmt.Errorf("no tool executor configured for call to %q", call.Name)
		} else {
			result, err = x.req.Executor.Execute(ctx, call.Name, args)
		}

		switch {
		case err != nil:
			x.eng.logger.Debug("tool execution failed", "tool", call.Name, "err", err)
			x.appendToolResult(call, apologyFor(call.Name))
		case parley.IsErrorShaped(result):
			x.eng.logger.Debug("tool returned error-shaped result",
				"tool", call.Name, "detail", parley.ErrorShapeText(result))
			x.appendToolResult(call, apologyFor(call.Name))
		default:
			batchResults[call.Name] = result
			x.results = append(x.results, result)
			x.appendToolResult(call, renderResult(result))
		}
	}
	return forceContinue
}

// substituteChainedArgs replaces argument values that literally name an
// earlier tool call in the same batch with that call's result.
func substituteChainedArgs(args map[string]any, batchResults map[string]any) map[string]any {
	substituted := make(map[string]any, len(args))
	for key, value := range args {
		if name, ok := value.(string); ok {
			if earlier, found := batchResults[name]; found {
				substituted[key] = earlier
				continue
			}
		}
		substituted[key] = value
	}
	return substituted
}

// wantsMoreThinking reports whether this call is the sequential-reasoning
// tool asking for another round.
func wantsMoreThinking(call parley.ToolCallIntent, args map[string]any) bool {
	if !sequentialThinkingNames[strings.ToLower(call.Name)] {
		return false
	}
	for _, key := range []string{"next_thought_needed", "nextThoughtNeeded"} {
		if flag, ok := args[key].(bool); ok && flag {
			return true
		}
	}
	return false
}

// appendToolResult folds a result into the conversation in the shape the
// provider family expects: a tool-role message keyed by call id, or
// pre-formatted natural language in a user-role message.
func (x *exchange) appendToolResult(call parley.ToolCallIntent, content string) {
	if x.caps.ToolResultRole == parley.ToolResultRoleUser {
		x.conv.AppendText(llms.ChatMessageTypeHuman,
			fmt.Sprintf("The %s tool returned: %s", call.Name, content))
		return
	}
	x.conv.AppendToolResult(call.ID, call.Name, content)
}

// apologyFor renders a failed tool call for the model. The raw error text is
// deliberately withheld so the model cannot repeat it to the end user.
func apologyFor(toolName string) string {
	return fmt.Sprintf("The %s tool could not complete the request. "+
		"Apologize briefly to the user and continue as best you can. "+
		"Do not repeat any internal error details verbatim.", toolName)
}

// renderResult formats a successful tool result for the conversation.
// Strings and numbers pass through directly; structured values render as
// YAML, which models consume more reliably than deeply nested JSON.
func renderResult(result any) string {
	switch v := result.(type) {
	case nil:
		return "(no output)"
	case string:
		return v
	case int, int32, int64, float32, float64, bool, json.Number:
		return fmt.Sprint(v)
	default:
		rendered, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return strings.TrimRight(string(rendered), "\n")
	}
}

// summarizeResults builds a deterministic answer from accumulated tool
// results for backends that never produce a final-answer turn.
func summarizeResults(results []any) string {
	if len(results) == 1 {
		if n, ok := numericValue(results[0]); ok {
			return fmt.Sprintf("The result is %s.", n)
		}
		if items, ok := searchResultList(results[0]); ok {
			return formatSearchResults(items)
		}
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		s := strings.TrimSpace(strings.TrimSuffix(fmt.Sprint(r), "."))
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "Task completed using the available tools."
	}
	return strings.Join(parts, ". ") + "."
}

// numericValue returns a clean string form of a numeric result.
func numericValue(v any) (string, bool) {
	switch n := v.(type) {
	case int, int32, int64:
		return fmt.Sprint(n), true
	case float32, float64:
		return fmt.Sprintf("%g", n), true
	case json.Number:
		return n.String(), true
	}
	return "", false
}

// searchResultList detects the list-of-search-result shape: a sequence of
// mappings each carrying a "title" key.
func searchResultList(v any) ([]map[string]any, bool) {
	seq, ok := v.([]any)
	if !ok || len(seq) == 0 {
		return nil, false
	}
	items := make([]map[string]any, 0, len(seq))
	for _, entry := range seq {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, false
		}
		if _, hasTitle := m["title"]; !hasTitle {
			return nil, false
		}
		items = append(items, m)
	}
	return items, true
}

// formatSearchResults renders search results as a bullet list capped at 5
// entries.
func formatSearchResults(items []map[string]any) string {
	const maxEntries = 5
	if len(items) > maxEntries {
		items = items[:maxEntries]
	}
	var sb strings.Builder
	sb.WriteString("Here is what I found:\n")
	for _, item := range items {
		fmt.Fprintf(&sb, "- %v", item["title"])
		if snippet, ok := item["snippet"]; ok {
			fmt.Fprintf(&sb, ": %v", snippet)
		}
		if url, ok := item["url"]; ok {
			fmt.Fprintf(&sb, " (%v)", url)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
