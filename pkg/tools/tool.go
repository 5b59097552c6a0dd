// Package tools defines the tool contract and the built-in code-generation
// tool set used by workers and council agents. Tool failures are data: they
// flow back to the model as result text, never as Go errors.
package tools

import "context"

// Tool is one callable capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *ToolResult
}

// ToolResult carries the outcome of a tool execution. ForLLM always goes back
// into the conversation; Silent results are hidden from stream observers.
type ToolResult struct {
	ForLLM  string
	IsError bool
	Silent  bool
}

func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, IsError: true}
}

// Emitter delivers intermediate stream payloads (display text, prompts) to
// whoever observes the running turn. May be nil.
type Emitter func(messageType string, payload map[string]any)

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}
