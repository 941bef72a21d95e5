package parley

import (
	"context"
	"fmt"
)

// ToolDeclaration describes a callable tool offered to the model for one
// exchange. Declarations are supplied by the caller and are immutable for the
// duration of the exchange.
type ToolDeclaration struct {
	// Name is the identifier the model uses to call the tool.
	Name string

	// Description is free text shown to the model.
	Description string

	// Parameters is the JSON Schema for the tool's arguments
	// (an object schema with "properties" and optional "required").
	// Nil means the tool takes no parameters.
	Parameters map[string]any
}

// RequiredFields returns the schema's required-field list, or nil.
func (d ToolDeclaration) RequiredFields() []string {
	if d.Parameters == nil {
		return nil
	}
	switch req := d.Parameters["required"].(type) {
	case []string:
		return req
	case []any:
		fields := make([]string, 0, len(req))
		for _, f := range req {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	}
	return nil
}

// ToolCallIntent is a parsed request, attributed to the model, to invoke a
// named tool with arguments. Intents are ephemeral: they exist only within a
// single loop iteration.
type ToolCallIntent struct {
	// ID identifies the call. When the source encoding does not supply one,
	// the extractor assigns a synthetic id of the form tool_<iteration> or
	// tool_<iteration>_<index>.
	ID string

	// Name is the tool to invoke.
	Name string

	// Args is the decoded argument mapping. Nil when the raw argument text
	// could not be decoded; in that case RawArgs holds the original text and
	// the validator reports the decode failure.
	Args map[string]any

	// RawArgs preserves the argument text as emitted by the model.
	RawArgs string
}

// ToolExecutor executes tool calls on behalf of the engine. Implementations
// may block or perform their own I/O; the engine always passes the exchange
// context so suspending executors can honor cancellation, and blocking
// executors are free to ignore it.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}

// ToolExecutorFunc adapts a function to the ToolExecutor interface.
type ToolExecutorFunc func(ctx context.Context, name string, args map[string]any) (any, error)

// Execute implements ToolExecutor.
func (f ToolExecutorFunc) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	return f(ctx, name, args)
}

// IsErrorShaped reports whether a tool result is an error payload: a mapping
// containing an "error" key, or a sequence whose first element is such a
// mapping. Executors that cannot return Go errors directly (e.g. bridged from
// another runtime) use this convention.
func IsErrorShaped(result any) bool {
	switch v := result.(type) {
	case map[string]any:
		_, ok := v["error"]
		return ok
	case []any:
		if len(v) == 0 {
			return false
		}
		if m, ok := v[0].(map[string]any); ok {
			_, hasErr := m["error"]
			return hasErr
		}
	}
	return false
}

// ErrorShapeText extracts the error description from an error-shaped result.
// Returns the empty string when the result is not error-shaped.
func ErrorShapeText(result any) string {
	switch v := result.(type) {
	case map[string]any:
		if e, ok := v["error"]; ok {
			return fmt.Sprint(e)
		}
	case []any:
		if len(v) > 0 {
			return ErrorShapeText(v[0])
		}
	}
	return ""
}
