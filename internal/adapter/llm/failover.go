package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"unillm/internal/domain"
)

// Compile-time interface assertions.
var (
	_ domain.StreamingLLMProvider = (*FailoverProvider)(nil)
	_ domain.ToolSupportProber    = (*FailoverProvider)(nil)
)

// FailoverProvider wraps a primary provider with fallback providers.
// If the primary fails, it tries each fallback in order. Streams fail over
// only while being opened; once events flow the stream is committed.
type FailoverProvider struct {
	primary   domain.StreamingLLMProvider
	fallbacks []domain.StreamingLLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.StreamingLLMProvider, fallbacks []domain.StreamingLLMProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// Chat tries the primary provider first, then each fallback on failure.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return tryEach(ctx, f, "chat", func(p domain.StreamingLLMProvider) (*domain.ChatResponse, error) {
		return p.Chat(ctx, req)
	})
}

// ChatStream tries streaming from the primary, then each fallback.
func (f *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	return tryEach(ctx, f, "stream", func(p domain.StreamingLLMProvider) (<-chan domain.StreamEvent, error) {
		return p.ChatStream(ctx, req)
	})
}

// tryEach runs call against the primary and then each fallback until one
// succeeds. Cancellation of ctx stops the walk.
func tryEach[T any](ctx context.Context, f *FailoverProvider, kind string, call func(domain.StreamingLLMProvider) (T, error)) (T, error) {
	var zero T
	var errs []error

	for i, p := range append([]domain.StreamingLLMProvider{f.primary}, f.fallbacks...) {
		out, err := call(p)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover succeeded", "kind", kind, "provider", p.Name())
			}
			return out, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		f.logger.Warn("llm provider failed", "kind", kind, "provider", p.Name(), "error", err)
	}

	return zero, &FailoverError{Errs: errs}
}

// FailoverError reports every provider failure of one failover walk.
// errors.Is matches any of them.
type FailoverError struct {
	Errs []error
}

func (e *FailoverError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return "all providers failed: [" + strings.Join(msgs, "; ") + "]"
}

func (e *FailoverError) Unwrap() []error { return e.Errs }

// SupportsTools reports the primary provider's capability. Fallback
// providers are assumed to share it.
func (f *FailoverProvider) SupportsTools(ctx context.Context) (bool, error) {
	return SupportsTools(ctx, f.primary)
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string {
	return f.primary.Name() + "+failover"
}
