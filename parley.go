// Package parley is an execution engine for LLM exchanges: one logical
// "ask the model, optionally let it call tools, and return a final answer"
// interaction, including multi-turn tool invocation, streaming with buffered
// fallback, malformed-tool-call repair, bounded rate-limit retries, and an
// optional self-reflection pass.
//
// The root package holds the shared vocabulary: conversation state, tool
// declarations and call intents, the backend interface, the provider
// capability table, the error taxonomy, and the streaming event side-channel.
// The engine itself lives in the engine subpackage:
//
//	be := backend.NewLangChain(llm, "openai")
//	eng := engine.New(be)
//	answer, err := eng.Respond(ctx, engine.NewRequest("What is 2+2?").
//	    WithTools(tools).
//	    WithExecutor(exec))
//
// Providers differ in how they encode tool calls (structured field, bare JSON
// body, or inline <tool_call> XML), whether streaming works when tools are
// declared, and which role a tool result message must carry. All of this is
// captured in [Capabilities]; the engine never branches on provider names.
package parley
