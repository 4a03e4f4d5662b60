package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
)

var (
	_ domain.StreamingLLMProvider = (*RateLimitedProvider)(nil)
	_ domain.ToolSupportProber    = (*RateLimitedProvider)(nil)
)

// RateLimitedProvider delays outbound requests to stay within a token
// bucket of RequestsPerMinute with the configured burst.
type RateLimitedProvider struct {
	inner   domain.StreamingLLMProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner with a limiter built from cfg.
func NewRateLimitedProvider(inner domain.StreamingLLMProvider, cfg config.RateLimitConfig) *RateLimitedProvider {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute)/60.0, burst),
	}
}

func (p *RateLimitedProvider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("provider %q: %w: %v", p.inner.Name(), domain.ErrRateLimit, err)
	}
	return nil
}

// Chat implements domain.LLMProvider.
func (p *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *RateLimitedProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.ChatStream(ctx, req)
}

// SupportsTools forwards the probe to the wrapped provider. Probes are not
// rate limited.
func (p *RateLimitedProvider) SupportsTools(ctx context.Context) (bool, error) {
	return SupportsTools(ctx, p.inner)
}

// Name implements domain.LLMProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }
