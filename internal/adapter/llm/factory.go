package llm

import (
	"fmt"
	"log/slog"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
)

// NewProvider constructs the bare provider selected by cfg.Type.
func NewProvider(cfg config.ProviderConfig, logger *slog.Logger) (domain.StreamingLLMProvider, error) {
	logger = logger.With("provider", cfg.Name)
	switch domain.Backend(cfg.Type) {
	case domain.BackendOllama:
		return NewOllamaProvider(cfg, logger), nil
	case domain.BackendOpenAI:
		return NewOpenAIProvider(cfg, logger), nil
	case domain.BackendOpenRouter:
		return NewOpenRouterProvider(cfg, logger), nil
	case domain.BackendAnthropic:
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, domain.NewDomainError("llm.NewProvider", domain.ErrUnsupportedBackend, cfg.Type)
	}
}

// decorate wraps p with the rate limiter and circuit breaker enabled in cfg.
// The limiter sits outside the breaker so waiting never counts as failure.
func decorate(p domain.StreamingLLMProvider, cfg config.LLMConfig, logger *slog.Logger) domain.StreamingLLMProvider {
	if cfg.CircuitBreaker.Enabled {
		p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
	}
	if cfg.RateLimit.Enabled {
		p = NewRateLimitedProvider(p, cfg.RateLimit)
	}
	return p
}

// Build constructs and registers every configured provider, decorated per
// cfg. The returned registry is keyed by provider name.
func Build(cfg config.LLMConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(decorate(p, cfg, logger)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Select returns the named provider, or the configured default when name is
// empty. With failover enabled the configured fallbacks stand behind it.
func Select(reg *Registry, cfg config.LLMConfig, name string, logger *slog.Logger) (domain.StreamingLLMProvider, error) {
	if name == "" {
		name = cfg.DefaultProvider
	}
	primary, err := reg.Get(name)
	if err != nil {
		return nil, err
	}
	if !cfg.Failover.Enabled {
		return primary, nil
	}

	var fallbacks []domain.StreamingLLMProvider
	for _, fb := range cfg.Failover.Fallbacks {
		if fb == name {
			continue
		}
		p, err := reg.Get(fb)
		if err != nil {
			return nil, fmt.Errorf("failover: %w", err)
		}
		fallbacks = append(fallbacks, p)
	}
	if len(fallbacks) == 0 {
		return primary, nil
	}
	return NewFailoverProvider(primary, fallbacks, logger), nil
}
