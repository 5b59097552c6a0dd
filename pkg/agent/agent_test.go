package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/tools"
)

// scriptedProvider replays a fixed sequence of responses and records the
// conversations it was shown.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.LLMResponse
	errs      []error
	calls     [][]providers.Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]any) (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make([]providers.Message, len(messages))
	copy(snapshot, messages)
	p.calls = append(p.calls, snapshot)
	idx := len(p.calls) - 1
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx >= len(p.responses) {
		return &providers.LLMResponse{Content: "done", FinishReason: "stop"}, nil
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "scripted" }

// echoTool records its invocations and returns a canned result.
type echoTool struct {
	mu    sync.Mutex
	seen  []map[string]any
	reply *tools.ToolResult
}

func (t *echoTool) Name() string               { return "echo" }
func (t *echoTool) Description() string        { return "echoes its input" }
func (t *echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *echoTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = append(t.seen, args)
	if t.reply != nil {
		return t.reply
	}
	return tools.NewToolResult("echoed")
}

func TestRunTurnDirectAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "hello there", FinishReason: "stop"},
	}}
	a := New(Options{Name: "test", Provider: provider, SystemPrompt: "be brief"})

	content, err := a.RunTurn(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", content)

	history := a.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)

	// System prompt goes to the provider but stays out of the history.
	require.Len(t, provider.calls, 1)
	assert.Equal(t, "system", provider.calls[0][0].Role)
	assert.Equal(t, "be brief", provider.calls[0][0].Content)
}

func TestRunTurnExecutesToolCallsInOrder(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{
			Content:      "let me check",
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call_1", Name: "echo", Arguments: map[string]any{"n": float64(1)}},
				{ID: "call_2", Name: "echo", Arguments: map[string]any{"n": float64(2)}},
			},
		},
		{Content: "all set", FinishReason: "stop"},
	}}

	tool := &echoTool{}
	registry := tools.NewRegistry()
	registry.Register(tool)
	a := New(Options{Name: "test", Provider: provider, Registry: registry})

	content, err := a.RunTurn(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "all set", content)
	require.Len(t, tool.seen, 2)
	assert.Equal(t, float64(1), tool.seen[0]["n"])
	assert.Equal(t, float64(2), tool.seen[1]["n"])

	// Second call must show the assistant tool-call message followed by one
	// result per call, same order, referencing the tool-use IDs.
	require.Len(t, provider.calls, 2)
	second := provider.calls[1]
	var toolMsgs []providers.Message
	for _, m := range second {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "call_1", toolMsgs[0].ToolCallID)
	assert.Equal(t, "call_2", toolMsgs[1].ToolCallID)
}

func TestRunTurnToolErrorFlowsBackAsText(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "c1", Name: "echo", Arguments: nil}},
		},
		{Content: "recovered", FinishReason: "stop"},
	}}

	tool := &echoTool{reply: tools.ErrorResult("disk full")}
	registry := tools.NewRegistry()
	registry.Register(tool)
	a := New(Options{Name: "test", Provider: provider, Registry: registry})

	content, err := a.RunTurn(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", content)

	second := provider.calls[1]
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "disk full", last.Content)
}

func TestRunTurnMissingToolStillCompletes(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "c1", Name: "no_such_tool"}},
		},
		{Content: "ok without it", FinishReason: "stop"},
	}}
	a := New(Options{Name: "test", Provider: provider})

	content, err := a.RunTurn(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "ok without it", content)
}

func TestRunTurnIterationCap(t *testing.T) {
	loop := &providers.LLMResponse{
		FinishReason: "tool_calls",
		ToolCalls:    []providers.ToolCall{{ID: "c", Name: "echo"}},
	}
	provider := &scriptedProvider{responses: []*providers.LLMResponse{loop, loop, loop, loop, loop}}
	tool := &echoTool{}
	registry := tools.NewRegistry()
	registry.Register(tool)
	a := New(Options{Name: "test", Provider: provider, Registry: registry, MaxIterations: 3})

	content, err := a.RunTurn(context.Background(), "go")
	require.NoError(t, err)
	assert.Contains(t, content, "3 iterations")
	assert.Len(t, provider.calls, 3)

	history := a.History()
	assert.Equal(t, "assistant", history[len(history)-1].Role)
	assert.Contains(t, history[len(history)-1].Content, "iterations")
}

func TestRunTurnProviderError(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("upstream down")}}
	var events []Event
	var mu sync.Mutex
	a := New(Options{
		Name:     "test",
		Provider: provider,
		Listener: func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		},
	})

	_, err := a.RunTurn(context.Background(), "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")

	mu.Lock()
	defer mu.Unlock()
	var sawError bool
	for _, e := range events {
		if e.Type == EventError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestRunTurnRejectsOverlap(t *testing.T) {
	block := make(chan struct{})
	provider := &blockingProvider{started: make(chan struct{}), unblock: block}
	a := New(Options{Name: "test", Provider: provider})

	done := make(chan error, 1)
	go func() {
		_, err := a.RunTurn(context.Background(), "first")
		done <- err
	}()
	<-provider.started

	_, err := a.RunTurn(context.Background(), "second")
	assert.Error(t, err)

	close(block)
	require.NoError(t, <-done)
}

func TestResetClearsHistoryAndUsage(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "x", Usage: &providers.UsageInfo{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}},
	}}
	a := New(Options{Name: "test", Provider: provider})

	_, err := a.RunTurn(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, 8, a.Usage().TotalTokens)
	assert.NotEmpty(t, a.History())

	a.Reset()
	assert.Empty(t, a.History())
	assert.Equal(t, 0, a.Usage().TotalTokens)
}

type blockingProvider struct {
	started chan struct{}
	unblock chan struct{}
}

func (p *blockingProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]any) (*providers.LLMResponse, error) {
	close(p.started)
	<-p.unblock
	return &providers.LLMResponse{Content: "done"}, nil
}

func (p *blockingProvider) GetDefaultModel() string { return "blocking" }
