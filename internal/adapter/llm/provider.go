package llm

import (
	"log/slog"

	"grist-agent/internal/domain"
	"grist-agent/internal/infra/config"
)

// NewProvider builds the configured chat provider, wrapped in a circuit
// breaker when enabled. Every supported backend speaks the OpenAI chat
// completions protocol; only base_url and api_key differ.
func NewProvider(cfg config.LLMConfig, logger *slog.Logger) domain.LLMProvider {
	var p domain.LLMProvider = NewOpenAIProvider(cfg.Provider, logger)
	if cfg.CircuitBreaker.Enabled {
		p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
	}
	return p
}
