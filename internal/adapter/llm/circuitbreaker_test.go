package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
)

// --- Circuit Breaker Tests ---

func TestCircuitBreakerPassesThrough(t *testing.T) {
	cb := NewCircuitBreakerProvider(okProvider("test", "ok"), config.CircuitBreakerConfig{}, newTestLogger())
	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	inner := failingProvider("flaky", errors.New("provider error"))
	cfg := config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    60 * time.Second,
	}
	cb := NewCircuitBreakerProvider(inner, cfg, newTestLogger())

	// First 3 calls go through and fail.
	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrCircuitOpen)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	// The 4th fails fast.
	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 3, inner.calls)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	fail := true
	inner := &mockProvider{
		name: "recovering",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			if fail {
				return nil, domain.ErrProviderError
			}
			return &domain.ChatResponse{Message: domain.Message{Content: "recovered"}}, nil
		},
	}
	cfg := config.CircuitBreakerConfig{MaxFailures: 1, Timeout: 50 * time.Millisecond}
	cb := NewCircuitBreakerProvider(inner, cfg, newTestLogger())

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)
	fail = false

	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Message.Content)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	inner := failingProvider("slow", context.Canceled)
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 1}, newTestLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, 3, inner.calls)
}

func TestCircuitBreakerGuardsStreamInitiation(t *testing.T) {
	inner := failingProvider("streamer", domain.ErrTransport)
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 2}, newTestLogger())

	for i := 0; i < 2; i++ {
		_, err := cb.ChatStream(context.Background(), domain.ChatRequest{})
		assert.ErrorIs(t, err, domain.ErrTransport)
	}
	_, err := cb.ChatStream(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestCircuitBreakerStreamErrorEventsDoNotTrip(t *testing.T) {
	inner := &mockProvider{
		name: "midstream",
		streamFunc: func(context.Context, domain.ChatRequest) (<-chan domain.StreamEvent, error) {
			ch := make(chan domain.StreamEvent, 1)
			ch <- domain.StreamEvent{Err: domain.ErrUpstreamEvent}
			close(ch)
			return ch, nil
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 1}, newTestLogger())

	for i := 0; i < 3; i++ {
		ch, err := cb.ChatStream(context.Background(), domain.ChatRequest{})
		require.NoError(t, err)
		events := drain(t, ch)
		require.Len(t, events, 1)
		assert.ErrorIs(t, events[0].Err, domain.ErrUpstreamEvent)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerForwardsToolProbe(t *testing.T) {
	inner := probingProvider{okProvider("local", "")}
	inner.probeFunc = func(context.Context) (bool, error) { return false, nil }

	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, newTestLogger())
	ok, err := cb.SupportsTools(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// Providers without a probe accept native tools.
	plain := NewCircuitBreakerProvider(okProvider("cloud", ""), config.CircuitBreakerConfig{}, newTestLogger())
	ok, err = plain.SupportsTools(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

// --- Connection Pool Tests ---

func TestNewPooledTransportDefaults(t *testing.T) {
	tr := NewPooledTransport(0, 0, config.PoolConfig{})

	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, defaultMaxConnsPerHost, tr.MaxConnsPerHost)
	assert.Equal(t, defaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.Equal(t, defaultRespTimeout, tr.ResponseHeaderTimeout)
	assert.True(t, tr.ForceAttemptHTTP2)
}

func TestNewPooledTransportCustom(t *testing.T) {
	tr := NewPooledTransport(5*time.Second, 60*time.Second, config.PoolConfig{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     90 * time.Second,
	})

	assert.Equal(t, 50, tr.MaxIdleConns)
	assert.Equal(t, 25, tr.MaxIdleConnsPerHost)
	assert.Equal(t, 30, tr.MaxConnsPerHost)
	assert.Equal(t, 90*time.Second, tr.IdleConnTimeout)
	assert.Equal(t, 60*time.Second, tr.ResponseHeaderTimeout)
}

func TestNewHTTPClientHasNoOverallTimeout(t *testing.T) {
	client := NewHTTPClient(config.ProviderConfig{RespTimeout: 10 * time.Second})

	assert.Zero(t, client.Timeout)
	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, tr.ResponseHeaderTimeout)
}
