package agent

// EventType identifies the kind of lifecycle event emitted by a running turn.
type EventType int

const (
	// EventThinking fires before each LLM call.
	EventThinking EventType = iota
	// EventToolCall fires before a tool executes.
	EventToolCall
	// EventToolResult fires after a tool execution finishes.
	EventToolResult
	// EventAssistant fires when the agent produces a final text response.
	EventAssistant
	// EventError fires when the turn fails.
	EventError
)

// Event is one lifecycle event from the turn loop.
type Event struct {
	Type EventType
	Data any
}

// ToolCallData describes a tool call about to execute.
type ToolCallData struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResultData describes a completed tool call.
type ToolResultData struct {
	ID      string
	Name    string
	Result  string
	IsError bool
}

// AssistantData carries the final response text.
type AssistantData struct {
	Content string
}

// ErrorData carries the turn error.
type ErrorData struct {
	Err error
}

// Listener receives events from the turn loop. It is called from the loop
// goroutine, so implementations must be safe for concurrent use.
type Listener func(Event)
