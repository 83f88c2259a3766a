// Package model defines the provider-neutral LLM chat contract.
package model

import "context"

// ChatModel is the interface every LLM provider adapter implements.
//
// Implementations handle provider authentication, convert Message and
// ToolSpec values to the provider wire format, and translate responses
// back into ChatOut. They must respect context cancellation; retry and
// fallback policy belongs to the router, not the adapter.
type ChatModel interface {
	// Chat sends the conversation to the provider and returns its
	// response. tools may be nil. The response carries text, tool
	// calls, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single turn in an LLM conversation.
type Message struct {
	// Role identifies the sender; use the Role* constants.
	Role string

	// Content is the message text. May be empty for turns that only
	// carry tool results.
	Content string

	// Name optionally identifies the tool that produced a tool-role
	// message.
	Name string

	// ToolCallID links a tool-role message back to the assistant tool
	// call it answers.
	ToolCallID string
}

// Role constants shared across providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolSpec describes a tool the LLM may call. Schema is a JSON-schema
// shaped map describing the expected arguments; nil for tools without
// parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is a provider response: generated text, requested tool calls,
// or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a request from the LLM to invoke a tool.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back in the
	// tool-result message. Empty when the provider does not assign one.
	ID string

	// Name matches a ToolSpec.Name from the offered tools.
	Name string

	// Input holds the arguments, shaped per the tool's schema.
	Input map[string]interface{}
}
