package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tavenner/parley"
	"github.com/tavenner/parley/internal/tt"
)

func TestForceToolUsage_Always(t *testing.T) {
	backend := tt.NewMockBackend().
		AddTurn("I think I can answer without tools.").
		AddToolCallTurn("", tt.NativeCall("c1", "add", `{"a": 2, "b": 2}`)).
		AddTurn("4")
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("What is 2+2?").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{addDeclaration()}).
			WithExecutor(addExecutor()).
			WithForceToolUsage(ForceAlways))
	require.NoError(t, err)
	assert.Equal(t, "4", answer)
	require.Equal(t, 3, backend.CompleteCalls())

	// The second call must carry the injected instruction.
	instructed := false
	for _, line := range tt.RenderTranscript(backend.CapturedMessages[1]) {
		if strings.Contains(line, "must use one of the provided tools") {
			instructed = true
		}
	}
	assert.True(t, instructed)
}

func TestForceToolUsage_AlwaysStopsOnceAToolCallWasMade(t *testing.T) {
	// The forced call fails, so no result accumulates; the model's follow-up
	// prose must still terminate the exchange instead of being forced again.
	backend := tt.NewMockBackend().
		AddTurn("Let me just answer.").
		AddToolCallTurn("", tt.NativeCall("c1", "fetch", `{"path": "x"}`)).
		AddTurn("Sorry, the lookup did not work out.")
	exec := tt.NewMockExecutor().On("fetch", func(map[string]any) (any, error) {
		return map[string]any{"error": "unreachable"}, nil
	})
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Fetch it.").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{{Name: "fetch"}}).
			WithExecutor(exec).
			WithForceToolUsage(ForceAlways))
	require.NoError(t, err)
	assert.Equal(t, "Sorry, the lookup did not work out.", answer)
	assert.Equal(t, 3, backend.CompleteCalls())
}

func TestIterationCap_AllEmptyTurnsStillYieldText(t *testing.T) {
	backend := tt.NewMockBackend().AddTurn("").AddTurn("").AddTurn("")
	eng := New(backend).WithMaxIterations(3)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Say something.").WithStream(false))
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
	assert.Equal(t, 3, backend.CompleteCalls())
}

func TestForceToolUsage_AutoOnlyFirstIterationForIgnoringBackends(t *testing.T) {
	caps := parley.DefaultCapabilities
	caps.IgnoresDeclaredTools = true

	backend := tt.NewMockBackend().
		AddTurn("prose instead of a call").
		AddTurn("still prose")
	eng := New(backend).WithCapabilities(caps)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Do the thing.").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{addDeclaration()}).
			WithExecutor(addExecutor()).
			WithForceToolUsage(ForceAuto))
	require.NoError(t, err)
	// Iteration 0 forces; iteration 1 does not, so prose terminates.
	assert.Equal(t, "still prose", answer)
	assert.Equal(t, 2, backend.CompleteCalls())
}

func TestForceToolUsage_AutoSkipsWellBehavedBackends(t *testing.T) {
	backend := tt.NewMockBackend().AddTurn("direct answer")
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Do the thing.").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{addDeclaration()}).
			WithExecutor(addExecutor()).
			WithForceToolUsage(ForceAuto))
	require.NoError(t, err)
	assert.Equal(t, "direct answer", answer)
	assert.Equal(t, 1, backend.CompleteCalls())
}

func TestEarlyEmptyCompletion_SynthesizesNumericSummary(t *testing.T) {
	caps := parley.DefaultCapabilities
	caps.EarlyEmptyCompletionAfterTools = true

	backend := tt.NewMockBackend().
		AddToolCallTurn("", tt.NativeCall("c1", "add", `{"a": 2, "b": 2}`)).
		AddTurn("")
	eng := New(backend).WithCapabilities(caps).WithEmptyCompletionThreshold(1)

	answer, err := eng.Respond(context.Background(),
		NewRequest("What is 2+2?").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{addDeclaration()}).
			WithExecutor(addExecutor()))
	require.NoError(t, err)
	assert.Equal(t, "The result is 4.", answer)
}

func TestEarlyEmptyCompletion_BelowThresholdKeepsAsking(t *testing.T) {
	caps := parley.DefaultCapabilities
	caps.EarlyEmptyCompletionAfterTools = true

	backend := tt.NewMockBackend().
		AddToolCallTurn("", tt.NativeCall("c1", "add", `{"a": 2, "b": 2}`)).
		AddTurn("").
		AddTurn("The sum is 4.")
	eng := New(backend).WithCapabilities(caps).WithEmptyCompletionThreshold(5)

	answer, err := eng.Respond(context.Background(),
		NewRequest("What is 2+2?").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{addDeclaration()}).
			WithExecutor(addExecutor()))
	require.NoError(t, err)
	assert.Equal(t, "The sum is 4.", answer)
	assert.Equal(t, 3, backend.CompleteCalls())
}

func TestNaturalLanguageToolChaining_SubstitutesEarlierResult(t *testing.T) {
	caps := parley.DefaultCapabilities
	caps.NaturalLanguageToolChaining = true

	backend := tt.NewMockBackend().
		AddToolCallTurn("",
			tt.NativeCall("c1", "lookup", `{"city": "Paris"}`),
			tt.NativeCall("c2", "population", `{"place": "lookup"}`)).
		AddTurn("About 2.1 million people live there.")
	exec := tt.NewMockExecutor().
		Return("lookup", "Paris, France").
		Return("population", "2.1 million")
	eng := New(backend).WithCapabilities(caps)

	_, err := eng.Respond(context.Background(),
		NewRequest("How many people live in Paris?").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{
				{Name: "lookup"}, {Name: "population"},
			}).
			WithExecutor(exec))
	require.NoError(t, err)

	require.Len(t, exec.Calls, 2)
	assert.Equal(t, map[string]any{"city": "Paris"}, exec.Calls[0].Args)
	// "lookup" named an earlier call in the batch, so its result substitutes.
	assert.Equal(t, map[string]any{"place": "Paris, France"}, exec.Calls[1].Args)
}

func TestNaturalLanguageToolChaining_DisabledLeavesArgsAlone(t *testing.T) {
	backend := tt.NewMockBackend().
		AddToolCallTurn("",
			tt.NativeCall("c1", "lookup", `{"city": "Paris"}`),
			tt.NativeCall("c2", "population", `{"place": "lookup"}`)).
		AddTurn("done")
	exec := tt.NewMockExecutor().
		Return("lookup", "Paris, France").
		Return("population", "2.1 million")
	eng := New(backend)

	_, err := eng.Respond(context.Background(),
		NewRequest("How many people live in Paris?").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{
				{Name: "lookup"}, {Name: "population"},
			}).
			WithExecutor(exec))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"place": "lookup"}, exec.Calls[1].Args)
}

func TestSequentialThinking_ContinuationOverridesCompletionHeuristic(t *testing.T) {
	markerText := "To summarize, the task is complete and here is the final answer so far."

	backend := tt.NewMockBackend().
		AddToolCallTurn(markerText,
			tt.NativeCall("c1", "sequentialthinking", `{"thought": "step 1", "next_thought_needed": true}`)).
		AddTurn("Having thought it through: 4.")
	exec := tt.NewMockExecutor().Return("sequentialthinking", "thought recorded")
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Think step by step.").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{{Name: "sequentialthinking"}}).
			WithExecutor(exec))
	require.NoError(t, err)
	// Without the continuation flag the marker text would have terminated the
	// exchange after one call.
	assert.Equal(t, "Having thought it through: 4.", answer)
	assert.Equal(t, 2, backend.CompleteCalls())
}

func TestCompletionHeuristic_SubstantialMarkerTextTerminates(t *testing.T) {
	markerText := "To summarize, the task is complete and here is the final answer so far."

	backend := tt.NewMockBackend().
		AddToolCallTurn(markerText, tt.NativeCall("c1", "add", `{"a": 1, "b": 1}`))
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Add.").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{addDeclaration()}).
			WithExecutor(addExecutor()))
	require.NoError(t, err)
	assert.Equal(t, markerText, answer)
	assert.Equal(t, 1, backend.CompleteCalls())
}

func TestCompletionHeuristic_ShortMarkerTextDoesNotTerminate(t *testing.T) {
	backend := tt.NewMockBackend().
		AddToolCallTurn("task completed", tt.NativeCall("c1", "add", `{"a": 1, "b": 1}`)).
		AddTurn("The sum is 2.")
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Add.").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{addDeclaration()}).
			WithExecutor(addExecutor()))
	require.NoError(t, err)
	assert.Equal(t, "The sum is 2.", answer)
	assert.Equal(t, 2, backend.CompleteCalls())
}

func TestErrorShapedResult_ApologyWithoutInternalDetail(t *testing.T) {
	backend := tt.NewMockBackend().
		AddToolCallTurn("", tt.NativeCall("c1", "fetch", `{"path": "/etc/config"}`)).
		AddTurn("Sorry, I could not read that file.")
	exec := tt.NewMockExecutor().On("fetch", func(map[string]any) (any, error) {
		return map[string]any{"error": "ENOENT /etc/config: permission denied for uid 0"}, nil
	})
	eng := New(backend)

	_, err := eng.Respond(context.Background(),
		NewRequest("Read the config.").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{{Name: "fetch"}}).
			WithExecutor(exec))
	require.NoError(t, err)

	require.Equal(t, 2, backend.CompleteCalls())
	transcript := strings.Join(tt.RenderTranscript(backend.CapturedMessages[1]), "\n")
	assert.NotContains(t, transcript, "ENOENT")
	assert.Contains(t, transcript, "could not complete the request")
}

func TestExecutorError_SameApologyPath(t *testing.T) {
	backend := tt.NewMockBackend().
		AddToolCallTurn("", tt.NativeCall("c1", "unregistered", `{}`)).
		AddTurn("Sorry about that.")
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Try a tool.").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{{Name: "unregistered"}}).
			WithExecutor(tt.NewMockExecutor()))
	require.NoError(t, err)
	assert.Equal(t, "Sorry about that.", answer)

	transcript := strings.Join(tt.RenderTranscript(backend.CapturedMessages[1]), "\n")
	assert.Contains(t, transcript, "could not complete the request")
}

func TestToolResultRoleUser_FormatsResultAsNaturalLanguage(t *testing.T) {
	caps := parley.DefaultCapabilities
	caps.ToolResultRole = parley.ToolResultRoleUser

	backend := tt.NewMockBackend().
		AddToolCallTurn("", tt.NativeCall("c1", "add", `{"a": 2, "b": 2}`)).
		AddTurn("4")
	eng := New(backend).WithCapabilities(caps)

	_, err := eng.Respond(context.Background(),
		NewRequest("What is 2+2?").
			WithStream(false).
			WithTools([]parley.ToolDeclaration{addDeclaration()}).
			WithExecutor(addExecutor()))
	require.NoError(t, err)

	transcript := tt.RenderTranscript(backend.CapturedMessages[1])
	assert.Contains(t, transcript, "human: The add tool returned: 4")
}

func TestSummarizeResults(t *testing.T) {
	tests := []struct {
		name     string
		results  []any
		expected string
	}{
		{
			name:     "single numeric",
			results:  []any{float64(4)},
			expected: "The result is 4.",
		},
		{
			name:     "single integer",
			results:  []any{7},
			expected: "The result is 7.",
		},
		{
			name: "search result list capped at five",
			results: []any{[]any{
				map[string]any{"title": "One", "snippet": "first", "url": "https://a"},
				map[string]any{"title": "Two"},
				map[string]any{"title": "Three"},
				map[string]any{"title": "Four"},
				map[string]any{"title": "Five"},
				map[string]any{"title": "Six"},
			}},
			expected: "Here is what I found:\n" +
				"- One: first (https://a)\n" +
				"- Two\n- Three\n- Four\n- Five",
		},
		{
			name:     "multiple strings joined",
			results:  []any{"Paris is the capital of France", "Its population is 2.1 million"},
			expected: "Paris is the capital of France. Its population is 2.1 million.",
		},
		{
			name:     "nothing usable",
			results:  []any{""},
			expected: "Task completed using the available tools.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, summarizeResults(tc.results))
		})
	}
}

func TestRenderResult(t *testing.T) {
	tests := []struct {
		name     string
		result   any
		expected string
	}{
		{name: "string passes through", result: "hello", expected: "hello"},
		{name: "int", result: 42, expected: "42"},
		{name: "float", result: 2.5, expected: "2.5"},
		{name: "bool", result: true, expected: "true"},
		{name: "nil", result: nil, expected: "(no output)"},
		{
			name:     "map renders as yaml",
			result:   map[string]any{"temp": 21, "unit": "C"},
			expected: "temp: 21\nunit: C",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, renderResult(tc.result))
		})
	}
}

func TestLoopStateString(t *testing.T) {
	assert.Equal(t, "awaiting_model", stateAwaitingModel.String())
	assert.Equal(t, "has_tool_calls", stateHasToolCalls.String())
	assert.Equal(t, "executing", stateExecuting.String())
}
