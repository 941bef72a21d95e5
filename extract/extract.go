// Package extract recovers tool-call intents from model turns.
//
// Providers encode tool calls three ways: as a native structured field on the
// response, as a bare JSON object or array in the response text, or as inline
// <tool_call>-tagged JSON fragments. Extraction tries the encodings in that
// precedence order and stops at the first that yields calls.
package extract

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/tavenner/parley"
)

// Status is the outcome of an extraction attempt. Only Malformed with an
// exhausted repair budget should ever surface as a hard failure; NotFound
// simply means the turn is a plain answer.
type Status int

const (
	// NotFound means the turn contains no tool-call intent.
	NotFound Status = iota

	// Found means one or more intents were extracted.
	Found

	// Malformed means the turn clearly attempted a tool call but the payload
	// could not be decoded into one.
	Malformed
)

// Result is the outcome of extracting tool calls from one turn.
type Result struct {
	Status Status

	// Calls is non-empty only when Status is Found.
	Calls []parley.ToolCallIntent

	// Reason describes the decode failure when Status is Malformed.
	Reason string
}

// toolCallTagRe tolerates malformed XML around otherwise-valid JSON payloads.
var toolCallTagRe = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)

// ToolCalls extracts tool-call intents from a normalized turn.
//
// Precedence: the native structured field, then the text body as bare JSON,
// then inline <tool_call> fragments. The XML pass runs when the provider is
// known to use that convention or when the tag literally appears in the text.
// Iteration numbers feed the synthetic ids assigned to calls whose source
// encoding carries none.
func ToolCalls(turn *parley.Turn, caps parley.Capabilities, iteration int, logger *log.Logger) Result {
	if calls := fromNative(turn, iteration); len(calls) > 0 {
		return Result{Status: Found, Calls: calls}
	}

	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return Result{Status: NotFound}
	}

	if res := fromBareJSON(text, iteration, logger); res.Status != NotFound {
		return res
	}

	if caps.ToolCallEncoding == parley.EncodingXML || strings.Contains(text, "<tool_call>") {
		if res := fromXML(text, iteration, logger); res.Status != NotFound {
			return res
		}
	}

	return Result{Status: NotFound}
}

// fromNative decodes the structured call list already present on the turn.
func fromNative(turn *parley.Turn, iteration int) []parley.ToolCallIntent {
	if len(turn.ToolCalls) == 0 {
		return nil
	}
	intents := make([]parley.ToolCallIntent, 0, len(turn.ToolCalls))
	for i, call := range turn.ToolCalls {
		if call.FunctionCall == nil {
			continue
		}
		intent := parley.ToolCallIntent{
			ID:      call.ID,
			Name:    call.FunctionCall.Name,
			RawArgs: call.FunctionCall.Arguments,
		}
		if intent.ID == "" {
			intent.ID = syntheticID(iteration, i, len(turn.ToolCalls))
		}
		// Undecodable arguments stay in RawArgs; the validator reports them.
		if strings.TrimSpace(call.FunctionCall.Arguments) != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.FunctionCall.Arguments), &args); err == nil {
				intent.Args = args
			}
		} else {
			intent.Args = map[string]any{}
		}
		intents = append(intents, intent)
	}
	return intents
}

// rawCall is the JSON shape emitted by providers that write function calls as
// plain text. Both "arguments" and "args" are seen in the wild.
type rawCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Args      json.RawMessage `json:"args"`
}

func (rc rawCall) decode(iteration, index, total int) (parley.ToolCallIntent, error) {
	intent := parley.ToolCallIntent{
		ID:   syntheticID(iteration, index, total),
		Name: rc.Name,
	}
	raw := rc.Arguments
	if raw == nil {
		raw = rc.Args
	}
	if raw == nil {
		intent.Args = map[string]any{}
		return intent, nil
	}
	intent.RawArgs = string(raw)
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return intent, fmt.Errorf("arguments of %q are not an object: %w", rc.Name, err)
	}
	intent.Args = args
	return intent, nil
}

// fromBareJSON handles providers that emit function calls as plain JSON text:
// a single object with a "name" key, or an array of such objects.
func fromBareJSON(text string, iteration int, logger *log.Logger) Result {
	if !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[") {
		return Result{Status: NotFound}
	}

	var raws []rawCall
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &raws); err != nil {
			debugf(logger, "bare JSON array did not parse as tool calls", "err", err)
			return Result{Status: NotFound}
		}
	} else {
		var rc rawCall
		if err := json.Unmarshal([]byte(text), &rc); err != nil {
			debugf(logger, "bare JSON body did not parse as a tool call", "err", err)
			return Result{Status: NotFound}
		}
		raws = []rawCall{rc}
	}

	calls := make([]parley.ToolCallIntent, 0, len(raws))
	for i, rc := range raws {
		if rc.Name == "" {
			// A JSON body without a name key is just a structured answer.
			return Result{Status: NotFound}
		}
		intent, err := rc.decode(iteration, i, len(raws))
		if err != nil {
			return Result{Status: Malformed, Reason: err.Error()}
		}
		calls = append(calls, intent)
	}
	if len(calls) == 0 {
		return Result{Status: NotFound}
	}
	return Result{Status: Found, Calls: calls}
}

// fromXML handles inline <tool_call>…</tool_call> fragments. Strict XML
// parsing runs first, with the text wrapped in a synthetic root so multiple
// sibling tags are tolerated; a regular-expression scan handles documents the
// XML parser rejects.
func fromXML(text string, iteration int, logger *log.Logger) Result {
	fragments, err := xmlFragments(text)
	if err != nil {
		debugf(logger, "strict XML parse failed, falling back to tag scan", "err", err)
		fragments = nil
		for _, m := range toolCallTagRe.FindAllStringSubmatch(text, -1) {
			fragments = append(fragments, m[1])
		}
	}
	if len(fragments) == 0 {
		return Result{Status: NotFound}
	}

	calls := make([]parley.ToolCallIntent, 0, len(fragments))
	var lastErr string
	for i, fragment := range fragments {
		var rc rawCall
		if err := json.Unmarshal([]byte(fragment), &rc); err != nil || rc.Name == "" {
			lastErr = fmt.Sprintf("tool_call fragment %d is not a JSON call: %v", i, err)
			debugf(logger, "skipping undecodable tool_call fragment", "index", i, "err", err)
			continue
		}
		intent, decodeErr := rc.decode(iteration, i, len(fragments))
		if decodeErr != nil {
			lastErr = decodeErr.Error()
			continue
		}
		calls = append(calls, intent)
	}
	if len(calls) == 0 {
		// The tag was present, so the model clearly attempted a call.
		return Result{Status: Malformed, Reason: lastErr}
	}
	return Result{Status: Found, Calls: calls}
}

// xmlFragments returns the inner text of every <tool_call> element, using a
// strict XML token walk over the synthetically rooted document.
func xmlFragments(text string) ([]string, error) {
	decoder := xml.NewDecoder(strings.NewReader("<root>" + text + "</root>"))
	var fragments []string
	var inner strings.Builder
	depth := 0
	for {
		tok, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "tool_call" && depth == 0 {
				depth = 1
				inner.Reset()
			} else if depth > 0 {
				depth++
			}
		case xml.EndElement:
			if depth == 1 && t.Name.Local == "tool_call" {
				fragments = append(fragments, strings.TrimSpace(inner.String()))
				depth = 0
			} else if depth > 1 {
				depth--
			}
		case xml.CharData:
			if depth > 0 {
				inner.Write(t)
			}
		}
	}
	return fragments, nil
}

// syntheticID builds the fallback call id: tool_<iteration> for a lone call,
// tool_<iteration>_<index> within a batch.
func syntheticID(iteration, index, total int) string {
	if total <= 1 {
		return fmt.Sprintf("tool_%d", iteration)
	}
	return fmt.Sprintf("tool_%d_%d", iteration, index)
}

func debugf(logger *log.Logger, msg string, kv ...any) {
	if logger != nil {
		logger.Debug(msg, kv...)
	}
}
