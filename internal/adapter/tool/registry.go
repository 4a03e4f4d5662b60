package tool

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"unillm/internal/domain"
)

var _ domain.ToolExecutor = (*Registry)(nil)

// Registry holds named tools. Entries are immutable once registered.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]domain.Tool
	validate bool
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithValidation makes Register wrap each tool with JSON Schema validation
// of its arguments.
func WithValidation() Option {
	return func(r *Registry) { r.validate = true }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Returns error if name already registered.
// With validation enabled, a schema that fails to compile is logged and the
// tool is registered without validation.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrToolDuplicate, name)
	}

	if r.validate {
		wrapped, err := WithSchemaValidation(t)
		if err != nil {
			r.logger.Warn("schema validation disabled for tool",
				"tool", name, "error", err)
		} else {
			t = wrapped
		}
	}

	r.tools[name] = t
	return nil
}

// RegisterAll registers each tool in order and stops at the first error.
func (r *Registry) RegisterAll(tools ...domain.Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// List returns all registered tools ordered by name.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]domain.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	slices.SortFunc(tools, func(a, b domain.Tool) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return tools
}

// Schemas returns the catalogue ordered by name, so the fallback prompt
// and native tool definitions are stable between calls.
func (r *Registry) Schemas() []domain.ToolSchema {
	tools := r.List()
	schemas := make([]domain.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}
