package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"unillm/internal/adapter/llm/stream"
	"unillm/internal/domain"
	"unillm/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 4096

// doJSONRequest performs a JSON request and returns the response body.
// A nil body sends no payload. Non-200 responses become domain errors.
func doJSONRequest(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// doStreamRequest performs a JSON POST request whose response is consumed
// incrementally. It returns the open *http.Response (caller must close Body).
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

// streamRequest describes one streaming call to a backend.
type streamRequest struct {
	provider string
	backend  domain.Backend
	model    string
	url      string
	body     []byte
	headers  map[string]string
	opts     []stream.Option
}

func acceptFor(b domain.Backend) string {
	if stream.GrammarFor(b) == stream.GrammarSSE {
		return "text/event-stream"
	}
	return "application/x-ndjson"
}

// openStream starts an "llm.stream" span, opens the HTTP stream and pumps the
// body through a fresh pipeline. The span ends when the returned channel
// closes.
func openStream(ctx context.Context, client *http.Client, logger *slog.Logger, sr streamRequest) (<-chan domain.StreamEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", sr.provider),
			tracer.StringAttr("llm.backend", string(sr.backend)),
			tracer.StringAttr("llm.model", sr.model),
		),
	)

	pipe, err := stream.NewPipeline(sr.backend, logger, sr.opts...)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, err
	}

	httpResp, err := doStreamRequest(ctx, client, sr.url, sr.body, sr.headers, acceptFor(sr.backend))
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, err
	}

	events := stream.Pump(ctx, httpResp.Body, pipe)
	return traceStream(ctx, span, logger, sr, pipe, events), nil
}

// traceStream relays events and closes span once the stream ends.
func traceStream(ctx context.Context, span trace.Span, logger *slog.Logger, sr streamRequest, pipe *stream.Pipeline, in <-chan domain.StreamEvent) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(out)
		defer span.End()

		var last domain.StreamEvent
		var usage *domain.Usage
		for ev := range in {
			select {
			case out <- ev:
			case <-ctx.Done():
				tracer.RecordError(span, ctx.Err())
				return
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
			last = ev
		}

		span.SetAttributes(tracer.IntAttr("llm.malformed_records", pipe.Malformed()))
		switch {
		case last.Err != nil:
			tracer.RecordError(span, last.Err)
		case last.Done:
			if usage != nil {
				setUsageAttrs(span, *usage)
			}
			tracer.SetOK(span)
			logger.Debug("llm stream completed",
				"provider", sr.provider,
				"model", sr.model,
				"malformed", pipe.Malformed(),
			)
		case ctx.Err() != nil:
			tracer.RecordError(span, ctx.Err())
		}
	}()
	return out
}

// collect drains events into a single response. The first error event, or
// cancellation of ctx, aborts collection.
func collect(ctx context.Context, events <-chan domain.StreamEvent) (*domain.ChatResponse, error) {
	var content strings.Builder
	resp := &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant}}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, domain.WrapOp("llm.collect", domain.ErrStreamEmpty)
			}
			if ev.Err != nil {
				return nil, ev.Err
			}
			content.WriteString(ev.Content)
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ev.ToolCalls...)
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
			if ev.Done {
				resp.CreatedAt = time.Now()
				resp.Message.Content = content.String()
				resp.Message.Timestamp = resp.CreatedAt
				return resp, nil
			}
		}
	}
}

// logChatCompleted logs the standard debug message after a successful LLM chat.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
	if usage.CostUSD > 0 {
		span.SetAttributes(tracer.Float64Attr("llm.cost_usd", usage.CostUSD))
	}
}

// mapHTTPError maps an HTTP status code + response body to a domain error
// so the circuit breaker and failover can classify it.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, strings.TrimSpace(string(body)))

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, detail)
	}
}

// trimBaseURL strips trailing slashes and falls back to def when empty.
func trimBaseURL(raw, def string) string {
	if u := strings.TrimRight(raw, "/"); u != "" {
		return u
	}
	return def
}
