package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"unillm/internal/domain"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// FuncTool adapts a typed Go function to domain.Tool. Arguments are decoded
// into P before fn runs.
type FuncTool[P any] struct {
	name        string
	description string
	parameters  json.RawMessage
	fn          func(ctx context.Context, params P) (any, error)
	logger      *slog.Logger
}

// NewFuncTool creates a tool named name. A nil parameters schema advertises
// an object with no properties.
func NewFuncTool[P any](name, description string, parameters json.RawMessage, logger *slog.Logger, fn func(ctx context.Context, params P) (any, error)) *FuncTool[P] {
	if len(parameters) == 0 {
		parameters = emptyObjectSchema
	}
	return &FuncTool[P]{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
		logger:      logger,
	}
}

func (t *FuncTool[P]) Name() string        { return t.name }
func (t *FuncTool[P]) Description() string { return t.description }

func (t *FuncTool[P]) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
	}
}

func (t *FuncTool[P]) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, t.name, t.logger, params, t.fn)
}
