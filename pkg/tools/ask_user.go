package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dragonsden/den/pkg/prompt"
)

// AskUserTool pauses the running turn until the user answers over the
// transport. In non-interactive mode it returns the configured default
// without contacting the transport at all.
type AskUserTool struct {
	broker          *prompt.Broker
	emit            Emitter
	timeout         time.Duration
	interactive     bool
	defaultResponse string
}

type AskUserOptions struct {
	Broker          *prompt.Broker
	Emit            Emitter
	Timeout         time.Duration
	Interactive     bool
	DefaultResponse string
}

func NewAskUserTool(opts AskUserOptions) *AskUserTool {
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	return &AskUserTool{
		broker:          opts.Broker,
		emit:            opts.Emit,
		timeout:         opts.Timeout,
		interactive:     opts.Interactive,
		defaultResponse: opts.DefaultResponse,
	}
}

func (t *AskUserTool) Name() string {
	return "ask_user"
}

func (t *AskUserTool) Description() string {
	return "Ask the user a question and wait for their answer. Use when a decision cannot be made from the task description alone."
}

func (t *AskUserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "The question to ask the user",
			},
			"context": map[string]any{
				"type":        "string",
				"description": "Optional context shown alongside the question",
			},
		},
		"required": []string{"question"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	question, ok := stringArg(args, "question")
	if !ok || question == "" {
		return ErrorResult("question is required")
	}
	promptContext, _ := stringArg(args, "context")

	if !t.interactive {
		if t.defaultResponse != "" {
			return NewToolResult(t.defaultResponse)
		}
		return ErrorResult("no user available to answer and no default response configured")
	}
	if t.broker == nil || t.emit == nil {
		return ErrorResult("interactive prompts are not wired for this agent")
	}

	promptID := uuid.NewString()
	ch := t.broker.Register(promptID)

	t.emit("prompt", map[string]any{
		"prompt_id": promptID,
		"question":  question,
		"context":   promptContext,
	})

	data, err := t.broker.Wait(ctx, promptID, ch, t.timeout)
	if err == prompt.ErrTimeout {
		return ErrorResult(fmt.Sprintf("prompt %s timed out after %s with no user response", promptID, t.timeout))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("prompt cancelled: %v", err))
	}
	return NewToolResult(data)
}
