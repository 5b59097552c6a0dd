package gateway

// Command is the tagged union received from clients. Unused fields stay
// empty; Command discriminates.
type Command struct {
	Command  string         `json:"command"`
	AgentID  string         `json:"agent_id,omitempty"`
	PromptID string         `json:"prompt_id,omitempty"`
	Data     string         `json:"data,omitempty"`
	Config   *ConnectConfig `json:"config,omitempty"`
}

// ConnectConfig is the per-agent configuration supplied with connect and
// reset.
type ConnectConfig struct {
	Provider         string `json:"provider"`
	APIKey           string `json:"api_key,omitempty"`
	Model            string `json:"model,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	Verbose          bool   `json:"verbose,omitempty"`
}

// Event types pushed to clients.
const (
	EventSuccess      = "success"
	EventError        = "error"
	EventProcessing   = "processing"
	EventCompleted    = "completed"
	EventStream       = "stream"
	EventPrompt       = "prompt"
	EventReset        = "reset"
	EventDisconnected = "disconnected"
)

// Stream message types.
const (
	StreamInfo       = "info"
	StreamWarning    = "warning"
	StreamError      = "error"
	StreamToolCall   = "tool_call"
	StreamToolResult = "tool_result"
	StreamAssistant  = "assistant"
	StreamDisplay    = "display"
	StreamPrompt     = "prompt"
)

// Event is the tagged union pushed to clients.
type Event struct {
	Type        string               `json:"type"`
	AgentID     string               `json:"agent_id,omitempty"`
	MessageType string               `json:"message_type,omitempty"`
	Content     string               `json:"content,omitempty"`
	PromptID    string               `json:"prompt_id,omitempty"`
	Error       string               `json:"error,omitempty"`
	Providers   []ProviderDescriptor `json:"providers,omitempty"`
	Replay      bool                 `json:"replay,omitempty"`
}

// ProviderDescriptor is one catalogue entry returned by the list command.
type ProviderDescriptor struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}
