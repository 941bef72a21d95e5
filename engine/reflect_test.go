package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tavenner/parley/internal/tt"
)

func TestReflect_DisabledByDefault(t *testing.T) {
	backend := tt.NewMockBackend().AddTurn("answer")
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Question.").WithStream(false))
	require.NoError(t, err)
	assert.Equal(t, "answer", answer)
	assert.Equal(t, 1, backend.CompleteCalls())
}

func TestReflect_SatisfiedAtMinimumRounds(t *testing.T) {
	backend := tt.NewMockBackend().
		AddTurn("The capital of France is Paris.").
		AddTurn(`{"reflection": "Accurate and complete.", "satisfactory": "yes"}`)
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Capital of France?").
			WithStream(false).
			WithSelfReflection(1, 3))
	require.NoError(t, err)
	assert.Equal(t, "The capital of France is Paris.", answer)
	assert.Equal(t, 2, backend.CompleteCalls())
}

func TestReflect_MinimumTwoRoundsForcesOneRevision(t *testing.T) {
	backend := tt.NewMockBackend().
		AddTurn("v1").
		AddTurn(`{"reflection": "Could be more detailed.", "satisfactory": "yes"}`).
		AddTurn("v2, with more detail").
		AddTurn(`{"reflection": "Good now.", "satisfactory": "yes"}`)
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Question.").
			WithStream(false).
			WithSelfReflection(2, 2))
	require.NoError(t, err)
	// A satisfied verdict on round one cannot end the loop before MinReflect,
	// so exactly one critique-and-revise cycle runs.
	assert.Equal(t, "v2, with more detail", answer)
	assert.Equal(t, 4, backend.CompleteCalls())
}

func TestReflect_CapWinsOverUnsatisfiedVerdict(t *testing.T) {
	backend := tt.NewMockBackend().
		AddTurn("v1").
		AddTurn(`{"reflection": "Still wrong.", "satisfactory": "no"}`).
		AddTurn("v2").
		AddTurn(`{"reflection": "Still wrong.", "satisfactory": "no"}`)
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Question.").
			WithStream(false).
			WithSelfReflection(1, 2))
	require.NoError(t, err)
	assert.Equal(t, "v2", answer)
	assert.Equal(t, 4, backend.CompleteCalls())
}

func TestReflect_ParseFailureConsumesARound(t *testing.T) {
	backend := tt.NewMockBackend().
		AddTurn("answer").
		AddTurn("I feel pretty good about it!")
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Question.").
			WithStream(false).
			WithSelfReflection(1, 1))
	require.NoError(t, err)
	assert.Equal(t, "answer", answer)
	assert.Equal(t, 2, backend.CompleteCalls())
}

func TestReflect_VerdictParsedOutOfSurroundingProse(t *testing.T) {
	backend := tt.NewMockBackend().
		AddTurn("answer").
		AddTurn("Here is my verdict:\n```json\n{\"reflection\": \"fine\", \"satisfactory\": \"YES\"}\n```")
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Question.").
			WithStream(false).
			WithSelfReflection(1, 3))
	require.NoError(t, err)
	assert.Equal(t, "answer", answer)
	assert.Equal(t, 2, backend.CompleteCalls(), "case-insensitive yes ends the loop")
}

func TestReflect_BackendErrorKeepsCurrentAnswer(t *testing.T) {
	backend := tt.NewMockBackend().
		AddTurn("answer").
		AddError(errors.New("backend down"))
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Question.").
			WithStream(false).
			WithSelfReflection(1, 3))
	require.NoError(t, err, "reflection failures never fail the exchange")
	assert.Equal(t, "answer", answer)
}

func TestReflect_EmptyRevisionKeepsPreviousAnswer(t *testing.T) {
	backend := tt.NewMockBackend().
		AddTurn("v1").
		AddTurn(`{"reflection": "Needs work.", "satisfactory": "no"}`).
		AddTurn("").
		AddTurn(`{"reflection": "ok", "satisfactory": "yes"}`)
	eng := New(backend)

	answer, err := eng.Respond(context.Background(),
		NewRequest("Question.").
			WithStream(false).
			WithSelfReflection(1, 2))
	require.NoError(t, err)
	assert.Equal(t, "v1", answer)
}

func TestReflect_PromptsCarryAnswerAndCritique(t *testing.T) {
	backend := tt.NewMockBackend().
		AddTurn("v1").
		AddTurn(`{"reflection": "Missing units.", "satisfactory": "no"}`).
		AddTurn("v2 with units").
		AddTurn(`{"reflection": "ok", "satisfactory": "yes"}`)
	eng := New(backend)

	_, err := eng.Respond(context.Background(),
		NewRequest("Question.").
			WithStream(false).
			WithSelfReflection(1, 3))
	require.NoError(t, err)
	require.Equal(t, 4, backend.CompleteCalls())

	critique := strings.Join(tt.RenderTranscript(backend.CapturedMessages[1]), "\n")
	assert.Contains(t, critique, "Review your previous answer critically")
	assert.Contains(t, critique, "v1")

	revise := strings.Join(tt.RenderTranscript(backend.CapturedMessages[2]), "\n")
	assert.Contains(t, revise, "Based on this critique")
	assert.Contains(t, revise, "Missing units.")
}

func TestParseReflection(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		ok        bool
		satisfied bool
	}{
		{
			name:      "plain verdict",
			text:      `{"reflection": "fine", "satisfactory": "yes"}`,
			ok:        true,
			satisfied: true,
		},
		{
			name:      "no verdict",
			text:      `{"reflection": "fine", "satisfactory": "no"}`,
			ok:        true,
			satisfied: false,
		},
		{
			name:      "fenced with prose",
			text:      "Sure!\n```json\n{\"reflection\": \"x\", \"satisfactory\": \"Yes\"}\n```\nDone.",
			ok:        true,
			satisfied: true,
		},
		{
			name: "missing satisfactory key",
			text: `{"reflection": "x"}`,
			ok:   false,
		},
		{
			name: "no json at all",
			text: "looks good to me",
			ok:   false,
		},
		{
			name: "broken json",
			text: `{"reflection": "x", "satisfactory":`,
			ok:   false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			verdict, ok := parseReflection(tc.text)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.satisfied, verdict.satisfied())
			}
		})
	}
}
