package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"unillm/internal/domain"
)

// Execute is the standard tool execution pipeline: parse params -> run
// handler -> format result.
//
// The handler receives the parsed params. It should return:
//   - (any Go value, nil) — the value is JSON-marshaled into a success ToolResult
//   - (string, nil) — wrapped in a plain-text ToolResult
//   - (*domain.ToolResult, nil) — returned as-is (for custom formatting)
//   - (nil, error) — turned into an error ToolResult with logging
func Execute[P any](
	ctx context.Context,
	name string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, params P) (any, error),
) (*domain.ToolResult, error) {
	p, bad := ParseParams[P](rawParams)
	if bad != nil {
		return bad, nil
	}

	result, err := handler(ctx, p)
	if err != nil {
		logger.Warn("tool handler failed",
			"tool", name,
			"session", domain.SessionID(ctx),
			"error", err,
		)

		retryable := classifyToolError(err)
		content := err.Error()
		if retryable {
			content += " (transient error, may succeed on retry)"
		}
		return &domain.ToolResult{IsError: true, IsRetryable: retryable, Content: content}, nil
	}

	return formatResult(result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		return v, nil
	case string:
		return TextResult(v), nil
	default:
		res, err := JSONResult(v)
		if err != nil {
			return &domain.ToolResult{
				IsError: true,
				Content: fmt.Sprintf("failed to format response: %v", err),
			}, nil
		}
		return res, nil
	}
}

// ParseParams unmarshals rawParams into P and returns it. Empty params
// decode as an empty object.
// On failure it returns a ToolResult with IsError=true, suitable for returning directly.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if len(bytes.TrimSpace(rawParams)) == 0 {
		rawParams = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return p, &domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("invalid params: %v", err),
		}
	}
	return p, nil
}

// ErrResult creates an error ToolResult. Use this for validation errors inside handlers
// that should be returned to the model without being logged as warnings.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	return &domain.ToolResult{
		IsError: true,
		Content: fmt.Sprintf(format, args...),
	}, nil
}

// JSONResult marshals v as indented JSON into a success ToolResult.
func JSONResult(v any) (*domain.ToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &domain.ToolResult{Content: string(data)}, nil
}

// TextResult creates a plain text success ToolResult.
func TextResult(s string) *domain.ToolResult {
	return &domain.ToolResult{Content: s}
}
