package providers

import (
	"fmt"

	"github.com/dragonsden/den/pkg/config"
)

// CreateProvider builds the provider named in the catalogue entry and wraps
// it with retry and rate limiting. This is the single construction entry
// point: swapping an LLM vendor touches only this function and its adapter.
func CreateProvider(cfg config.ProviderConfig) (LLMProvider, error) {
	var base LLMProvider

	switch cfg.Type {
	case "anthropic":
		base = NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "openai", "openai-compatible":
		base = NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}

	return WithRateLimit(WithRetry(base, cfg.MaxRetries), cfg.RequestsPerMinute), nil
}
