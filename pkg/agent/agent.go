// Package agent runs the LLM turn loop shared by every role in the hierarchy:
// user input goes in, tool calls are executed round by round, and the loop
// ends when the model answers without requesting tools.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/tools"
)

const (
	defaultMaxIterations = 20
	defaultMaxTokens     = 8192
)

// Options configures a new Agent.
type Options struct {
	Name          string
	Provider      providers.LLMProvider
	Registry      *tools.Registry
	SystemPrompt  string
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
	Listener      Listener
}

// Agent owns one conversation against one provider. Turns are strictly
// sequential; the mutex rejects overlapping RunTurn calls instead of queueing
// them.
type Agent struct {
	name          string
	provider      providers.LLMProvider
	registry      *tools.Registry
	systemPrompt  string
	model         string
	maxTokens     int
	temperature   float64
	maxIterations int
	listener      Listener

	mu      sync.Mutex
	running bool
	history []providers.Message
	usage   providers.UsageInfo
}

func New(opts Options) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Model == "" && opts.Provider != nil {
		opts.Model = opts.Provider.GetDefaultModel()
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	return &Agent{
		name:          opts.Name,
		provider:      opts.Provider,
		registry:      opts.Registry,
		systemPrompt:  opts.SystemPrompt,
		model:         opts.Model,
		maxTokens:     opts.MaxTokens,
		temperature:   opts.Temperature,
		maxIterations: opts.MaxIterations,
		listener:      opts.Listener,
	}
}

func (a *Agent) Name() string { return a.name }

// Registry exposes the tool set so callers can add tools after construction.
func (a *Agent) Registry() *tools.Registry { return a.registry }

// History returns a copy of the conversation so far.
func (a *Agent) History() []providers.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]providers.Message, len(a.history))
	copy(out, a.history)
	return out
}

// Usage returns accumulated token usage across all turns.
func (a *Agent) Usage() providers.UsageInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Reset drops the conversation, keeping the system prompt and tool set.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.usage = providers.UsageInfo{}
}

func (a *Agent) emit(eventType EventType, data any) {
	if a.listener != nil {
		a.listener(Event{Type: eventType, Data: data})
	}
}

// RunTurn appends userMsg to the conversation and drives the tool loop until
// the model answers without tool calls or the iteration cap is reached. Tool
// failures flow back to the model as result text; only infrastructure
// failures return an error.
func (a *Agent) RunTurn(ctx context.Context, userMsg string) (string, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return "", fmt.Errorf("agent %s already has a turn in flight", a.name)
	}
	a.running = true
	a.history = append(a.history, providers.Message{Role: "user", Content: userMsg})
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	content, err := a.runLoop(ctx)
	if err != nil {
		a.emit(EventError, ErrorData{Err: err})
		return "", err
	}
	a.emit(EventAssistant, AssistantData{Content: content})
	return content, nil
}

func (a *Agent) runLoop(ctx context.Context) (string, error) {
	defs := a.registry.Definitions()

	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		a.emit(EventThinking, nil)
		logger.DebugCF("agent", "LLM iteration", map[string]any{
			"agent":     a.name,
			"iteration": iteration,
			"max":       a.maxIterations,
			"messages":  len(a.history),
		})

		messages := a.buildMessages()
		response, err := a.provider.Chat(ctx, messages, defs, a.model, map[string]any{
			"max_tokens":  a.maxTokens,
			"temperature": a.temperature,
		})
		if err != nil {
			logger.ErrorCF("agent", "LLM call failed", map[string]any{
				"agent":     a.name,
				"iteration": iteration,
				"error":     err.Error(),
			})
			return "", fmt.Errorf("LLM call failed: %w", err)
		}

		a.addUsage(response.Usage)

		if len(response.ToolCalls) == 0 {
			a.appendHistory(providers.Message{Role: "assistant", Content: response.Content})
			logger.InfoCF("agent", "turn completed", map[string]any{
				"agent":      a.name,
				"iterations": iteration,
				"chars":      len(response.Content),
			})
			return response.Content, nil
		}

		a.appendHistory(providers.Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		// One result per call, in the order the model requested them.
		for _, tc := range response.ToolCalls {
			a.emit(EventToolCall, ToolCallData{ID: tc.ID, Name: tc.Name, Args: tc.Arguments})
			logger.InfoCF("agent", "tool call", map[string]any{
				"agent":     a.name,
				"tool":      tc.Name,
				"iteration": iteration,
			})

			result := a.registry.Execute(ctx, tc.Name, tc.Arguments)
			a.emit(EventToolResult, ToolResultData{
				ID:      tc.ID,
				Name:    tc.Name,
				Result:  result.ForLLM,
				IsError: result.IsError,
			})

			a.appendHistory(providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}

	// Cap reached with tool calls still pending. Record the cut-off so the
	// next turn starts from an honest transcript.
	note := fmt.Sprintf("Stopped after %d iterations without a final answer.", a.maxIterations)
	a.appendHistory(providers.Message{Role: "assistant", Content: note})
	logger.WarnCF("agent", "iteration cap reached", map[string]any{
		"agent": a.name,
		"max":   a.maxIterations,
	})
	return note, nil
}

func (a *Agent) buildMessages() []providers.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	messages := make([]providers.Message, 0, len(a.history)+1)
	if a.systemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: a.systemPrompt})
	}
	messages = append(messages, a.history...)
	return messages
}

func (a *Agent) appendHistory(msg providers.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, msg)
}

func (a *Agent) addUsage(usage *providers.UsageInfo) {
	if usage == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.PromptTokens += usage.PromptTokens
	a.usage.CompletionTokens += usage.CompletionTokens
	a.usage.TotalTokens += usage.TotalTokens
}
