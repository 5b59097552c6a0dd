package providers

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	calls     atomic.Int32
	failTimes int
	err       error
}

func (s *scriptedProvider) GetDefaultModel() string { return "test-model" }

func (s *scriptedProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any) (*LLMResponse, error) {
	n := s.calls.Add(1)
	if int(n) <= s.failTimes {
		return nil, s.err
	}
	return &LLMResponse{Content: "ok", FinishReason: "stop"}, nil
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	inner := &scriptedProvider{failTimes: 2, err: fmt.Errorf("API error: status: 529 overloaded")}
	p := WithRetry(inner, 4)

	resp, err := p.Chat(context.Background(), nil, nil, "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetryGivesUpAfterCap(t *testing.T) {
	inner := &scriptedProvider{failTimes: 10, err: fmt.Errorf("status: 503 unavailable")}
	p := WithRetry(inner, 2)

	_, err := p.Chat(context.Background(), nil, nil, "m", nil)
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestRetryDoesNotRetryValidationErrors(t *testing.T) {
	inner := &scriptedProvider{failTimes: 10, err: fmt.Errorf("status: 400 bad request")}
	p := WithRetry(inner, 4)

	_, err := p.Chat(context.Background(), nil, nil, "m", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetryStopsOnCancellation(t *testing.T) {
	inner := &scriptedProvider{failTimes: 10, err: context.Canceled}
	p := WithRetry(inner, 4)

	_, err := p.Chat(context.Background(), nil, nil, "m", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load(), "cancellation is never retried")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("status: 429 too many requests"), true},
		{fmt.Errorf("status: 500 internal"), true},
		{fmt.Errorf("status: 401 unauthorized"), false},
		{fmt.Errorf("status: 400 invalid schema"), false},
		{fmt.Errorf("rate limit exceeded"), true},
		{fmt.Errorf("connection refused"), true},
		{errors.New("model does not exist"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "error: %v", tt.err)
	}
}

func TestRateLimitPassThroughWhenDisabled(t *testing.T) {
	inner := &scriptedProvider{}
	assert.Same(t, LLMProvider(inner), WithRateLimit(inner, 0))
}
