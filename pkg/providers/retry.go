package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dragonsden/den/pkg/logger"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// retryProvider retries transient failures with exponential backoff before
// surfacing the error to the caller. Validation-class failures (bad request,
// auth) are never retried.
type retryProvider struct {
	inner       LLMProvider
	maxAttempts int
}

// WithRetry wraps a provider with exponential backoff. maxAttempts counts
// the initial call; values below 1 default to 4.
func WithRetry(inner LLMProvider, maxAttempts int) LLMProvider {
	if maxAttempts < 1 {
		maxAttempts = 4
	}
	return &retryProvider{inner: inner, maxAttempts: maxAttempts}
}

func (p *retryProvider) GetDefaultModel() string {
	return p.inner.GetDefaultModel()
}

func (p *retryProvider) Chat(
	ctx context.Context,
	messages []Message,
	tools []ToolDefinition,
	model string,
	options map[string]any,
) (*LLMResponse, error) {
	var lastErr error
	delay := retryBaseDelay

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		resp, err := p.inner.Chat(ctx, messages, tools, model, options)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || !IsRetryable(err) || attempt == p.maxAttempts {
			break
		}

		logger.WarnCF("llm", "retrying after transient failure", map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	return nil, fmt.Errorf("LLM call failed after %d attempts: %w", p.maxAttempts, lastErr)
}

var statusCodePattern = regexp.MustCompile(`status[:=]?\s*(\d{3})`)

// IsRetryable reports whether an LLM failure is transient: rate limits,
// timeouts, connection errors and 5xx-class responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if m := statusCodePattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == 408 || code == 429:
			return true
		case code >= 500:
			return true
		default:
			return false
		}
	}

	for _, pattern := range []string{
		"rate limit", "rate_limit", "too many requests",
		"overloaded", "timeout", "timed out",
		"connection refused", "connection reset", "no such host",
		"temporarily unavailable", "service unavailable",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// rateLimitedProvider throttles outgoing requests with a token bucket.
type rateLimitedProvider struct {
	inner   LLMProvider
	limiter *rate.Limiter
}

// WithRateLimit caps Chat calls at requestsPerMinute. Zero or negative
// leaves the provider unthrottled.
func WithRateLimit(inner LLMProvider, requestsPerMinute int) LLMProvider {
	if requestsPerMinute <= 0 {
		return inner
	}
	limiter := rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	return &rateLimitedProvider{inner: inner, limiter: limiter}
}

func (p *rateLimitedProvider) GetDefaultModel() string {
	return p.inner.GetDefaultModel()
}

func (p *rateLimitedProvider) Chat(
	ctx context.Context,
	messages []Message,
	tools []ToolDefinition,
	model string,
	options map[string]any,
) (*LLMResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, messages, tools, model, options)
}
