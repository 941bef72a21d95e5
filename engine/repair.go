package engine

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/tavenner/parley"
)

// validateBatch checks every extracted intent against the declared tools:
// the tool must exist, its argument text must have decoded, and the decoded
// arguments must satisfy the schema (including its required-field list).
// Returns one error per invalid call; an empty slice means the batch is
// valid.
func (x *exchange) validateBatch(calls []parley.ToolCallIntent) []error {
	var invalid []error
	for _, call := range calls {
		if _, known := x.declared[call.Name]; !known {
			invalid = append(invalid, fmt.Errorf("unknown tool %q", call.Name))
			continue
		}
		if call.Args == nil {
			invalid = append(invalid,
				fmt.Errorf("arguments of %q are not valid JSON: %s", call.Name, call.RawArgs))
			continue
		}
		if validator, ok := x.validators[call.Name]; ok {
			if err := validator.Validate(call.Args); err != nil {
				invalid = append(invalid, fmt.Errorf("call to %q: %w", call.Name, err))
			}
		}
	}
	return invalid
}

// appendRepairPrompt discards the current batch and asks the model to try
// again, listing the concrete validation errors and a compact catalog of the
// available tools.
func (x *exchange) appendRepairPrompt(problems []error) {
	var sb strings.Builder
	sb.WriteString("Your last tool call was invalid:\n")
	for _, p := range problems {
		fmt.Fprintf(&sb, "- %v\n", p)
	}
	sb.WriteString("\n")
	sb.WriteString(formattedCatalog(x.req.Tools))
	sb.WriteString("\nRespond again with a corrected tool call.")

	x.eng.logger.Debug("requesting tool call repair",
		"errors", len(problems), "repair", x.repairs+1, "budget", x.req.MaxToolRepairs)
	x.conv.AppendText(llms.ChatMessageTypeHuman, sb.String())
}
