package tool

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/kaptinlin/jsonschema"

	"unillm/internal/domain"
)

// SchemaValidatingTool checks model-supplied arguments against the tool's
// declared parameter schema before the tool runs.
type SchemaValidatingTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// WithSchemaValidation returns t wrapped in a SchemaValidatingTool. A tool
// without a parameter schema is returned as is.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := bytes.TrimSpace(t.Schema().Parameters)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return t, nil
	}

	schema, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, domain.WrapOp("compile "+t.Name()+" schema", err)
	}
	return &SchemaValidatingTool{inner: t, schema: schema}, nil
}

func (s *SchemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *SchemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *SchemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }

// Execute rejects arguments that are not JSON or do not satisfy the schema
// with an error result. Empty arguments are checked as an empty object.
func (s *SchemaValidatingTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}

	var args any
	if err := json.Unmarshal(params, &args); err != nil {
		return ErrResult("invalid JSON: %v", err)
	}
	if res := s.schema.Validate(args); !res.IsValid() {
		return ErrResult("schema validation failed: %v", res.Error())
	}
	return s.inner.Execute(ctx, params)
}
