package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/tavenner/parley"
	"github.com/tavenner/parley/retry"
)

// reflectionVerdict is the JSON object the model is asked to emit when
// critiquing its own answer.
type reflectionVerdict struct {
	Reflection   string `json:"reflection"`
	Satisfactory string `json:"satisfactory"`
}

func (v reflectionVerdict) satisfied() bool {
	return strings.EqualFold(strings.TrimSpace(v.Satisfactory), "yes")
}

const reflectionPromptFmt = `Review your previous answer critically:

%s

Respond with a JSON object only, no other text:
{"reflection": "<your critique>", "satisfactory": "yes" or "no"}`

const revisePromptFmt = `Based on this critique:

%s

Provide an improved final answer. Respond with the answer only.`

// reflect optionally runs the self-reflection loop over a candidate answer.
// The loop never returns before MinReflect satisfactory rounds and never
// exceeds MaxReflect rounds; when the two conflict, the cap wins. Parse
// failures count as "not yet satisfactory" and consume a round. Reflection
// never makes the exchange fail: on backend errors the current answer is
// returned as-is.
func (x *exchange) reflect(ctx context.Context, answer string) (string, error) {
	if !x.req.SelfReflect {
		return answer, nil
	}
	minRounds := x.req.MinReflect
	if minRounds < 1 {
		minRounds = 1
	}
	maxRounds := x.req.MaxReflect
	if maxRounds < minRounds {
		maxRounds = minRounds
	}

	for round := 0; ; round++ {
		x.conv.AppendText(llms.ChatMessageTypeHuman, fmt.Sprintf(reflectionPromptFmt, answer))
		turn, err := x.reflectionTurn(ctx)
		if err != nil {
			x.eng.logger.Warn("reflection call failed; keeping current answer", "err", err)
			return answer, nil
		}
		x.conv.AppendAssistantTurn(turn.Text, nil)

		verdict, ok := parseReflection(turn.Text)
		if !ok {
			x.eng.logger.Debug("reflection response did not parse", "round", round)
			if round >= maxRounds-1 {
				return answer, nil
			}
			continue
		}

		if verdict.satisfied() && round >= minRounds-1 {
			return answer, nil
		}
		if round >= maxRounds-1 {
			// Cap wins regardless of satisfaction.
			return answer, nil
		}

		// Fold the critique in and regenerate.
		x.conv.AppendText(llms.ChatMessageTypeHuman, fmt.Sprintf(revisePromptFmt, verdict.Reflection))
		revised, err := x.reflectionTurn(ctx)
		if err != nil {
			x.eng.logger.Warn("revision call failed; keeping current answer", "err", err)
			return answer, nil
		}
		x.conv.AppendAssistantTurn(revised.Text, nil)
		if strings.TrimSpace(revised.Text) != "" {
			answer = revised.Text
		}
	}
}

// reflectionTurn performs one buffered, tool-free model call under the retry
// policy. Reflection exchanges plain text; streaming buys nothing here.
func (x *exchange) reflectionTurn(ctx context.Context) (*parley.Turn, error) {
	return retry.DoContext(ctx, x.eng.retryP, func(ctx context.Context) (*parley.Turn, error) {
		x.emitter.Emit(parley.StreamEvent{Type: parley.EventRequestStart})
		turn, err := x.eng.backend.Complete(ctx, x.conv.Messages(), nil)
		if err != nil {
			x.emitter.Emit(parley.StreamEvent{Type: parley.EventStreamEnd, Err: err})
			return nil, err
		}
		x.emitter.Metrics().AddUsage(turn.Usage)
		x.emitter.Emit(parley.StreamEvent{Type: parley.EventStreamEnd})
		return turn, nil
	})
}

// parseReflection extracts the verdict JSON from the model's response,
// tolerating markdown fences and surrounding prose.
func parseReflection(text string) (reflectionVerdict, bool) {
	var verdict reflectionVerdict
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return verdict, false
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return verdict, false
	}
	if verdict.Satisfactory == "" {
		return verdict, false
	}
	return verdict, true
}
