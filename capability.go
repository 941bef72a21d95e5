package parley

// ToolCallEncoding identifies how a provider encodes tool-call intents.
type ToolCallEncoding string

const (
	// EncodingNative means tool calls arrive as a structured field on the
	// response (OpenAI-style function calling).
	EncodingNative ToolCallEncoding = "native"

	// EncodingJSON means the provider emits tool calls as a bare JSON object
	// or array in the response text.
	EncodingJSON ToolCallEncoding = "json"

	// EncodingXML means the provider wraps JSON tool calls in inline
	// <tool_call> tags (Qwen/Hermes-style).
	EncodingXML ToolCallEncoding = "xml"
)

// ToolResultRole identifies which message role a provider family expects for
// tool results.
type ToolResultRole string

const (
	// ToolResultRoleTool appends a tool-role message keyed by call id.
	ToolResultRoleTool ToolResultRole = "tool"

	// ToolResultRoleUser pre-formats the result as natural language in a
	// user-role message, for providers without a tool message concept.
	ToolResultRoleUser ToolResultRole = "user"
)

// Capabilities is the data-driven description of provider behavior. Control
// flow consults only these flags, never provider name literals, so
// provider-specific knowledge stays confined to the table below (or to a
// caller-supplied override).
type Capabilities struct {
	// SupportsStreamingWithTools is false for providers that reject or
	// mangle streamed responses when tools are declared. Streaming is then
	// disabled automatically for tool-bearing requests.
	SupportsStreamingWithTools bool

	// StreamingToolsUnreliable marks providers that nominally accept
	// streaming with tools but are known to drop tool-call deltas. Treated
	// the same as SupportsStreamingWithTools=false.
	StreamingToolsUnreliable bool

	// ToolCallEncoding is the encoding the provider is known to use. The
	// extractor still tries all encodings in precedence order; this flag
	// additionally enables XML scanning even when no tag is visible.
	ToolCallEncoding ToolCallEncoding

	// ToolResultRole selects the message shape for tool results.
	ToolResultRole ToolResultRole

	// EarlyEmptyCompletionAfterTools marks backends observed to emit an
	// empty completion immediately after tool results instead of a final
	// answer turn. The loop then synthesizes a summary from accumulated
	// results rather than waiting for a turn that will not arrive.
	EarlyEmptyCompletionAfterTools bool

	// IgnoresDeclaredTools marks backends that routinely answer in prose
	// despite declared tools. Force-tool-usage "auto" only injects its
	// instruction for such backends.
	IgnoresDeclaredTools bool

	// NaturalLanguageToolChaining marks provider families that chain tool
	// calls by referencing an earlier call's name as an argument value;
	// the loop substitutes the earlier call's result before executing.
	NaturalLanguageToolChaining bool
}

// DefaultCapabilities is the conservative baseline used for unknown
// providers: native encoding, streaming with tools allowed, tool-role
// results.
var DefaultCapabilities = Capabilities{
	SupportsStreamingWithTools: true,
	ToolCallEncoding:           EncodingNative,
	ToolResultRole:             ToolResultRoleTool,
}

// providerCapabilities maps provider identifiers to observed behavior.
// Entries reflect behavior at the time of writing; verify against current
// backend behavior before relying on the quirk flags.
var providerCapabilities = map[string]Capabilities{
	"openai": {
		SupportsStreamingWithTools: true,
		ToolCallEncoding:           EncodingNative,
		ToolResultRole:             ToolResultRoleTool,
	},
	"anthropic": {
		SupportsStreamingWithTools: true,
		ToolCallEncoding:           EncodingNative,
		ToolResultRole:             ToolResultRoleTool,
	},
	"googleai": {
		SupportsStreamingWithTools:     false,
		ToolCallEncoding:               EncodingNative,
		ToolResultRole:                 ToolResultRoleUser,
		EarlyEmptyCompletionAfterTools: true,
		NaturalLanguageToolChaining:    true,
	},
	"ollama": {
		SupportsStreamingWithTools: false,
		ToolCallEncoding:           EncodingJSON,
		ToolResultRole:             ToolResultRoleUser,
		IgnoresDeclaredTools:       true,
	},
	"qwen": {
		SupportsStreamingWithTools: true,
		StreamingToolsUnreliable:   true,
		ToolCallEncoding:           EncodingXML,
		ToolResultRole:             ToolResultRoleTool,
	},
	"mistral": {
		SupportsStreamingWithTools: true,
		ToolCallEncoding:           EncodingNative,
		ToolResultRole:             ToolResultRoleTool,
	},
}

// CapabilitiesFor returns the capability flags for a provider identifier,
// falling back to DefaultCapabilities for unknown providers.
func CapabilitiesFor(provider string) Capabilities {
	if caps, ok := providerCapabilities[provider]; ok {
		return caps
	}
	return DefaultCapabilities
}
