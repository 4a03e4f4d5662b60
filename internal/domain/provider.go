package domain

import "context"

// Backend identifies a wire grammar family. The set is closed: each value
// selects exactly one record decoder.
type Backend string

const (
	BackendOllama     Backend = "ollama"
	BackendAnthropic  Backend = "anthropic"
	BackendOpenAI     Backend = "openai"
	BackendOpenRouter Backend = "openrouter"
)

// Valid reports whether b is one of the known backends.
func (b Backend) Valid() bool {
	switch b {
	case BackendOllama, BackendAnthropic, BackendOpenAI, BackendOpenRouter:
		return true
	}
	return false
}

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's configured identifier.
	Name() string
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of unified events.
	// The channel is closed after the terminal event.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}

// ToolSupportProber reports whether the configured model accepts native
// tool definitions. Sessions call it once and fix the result.
type ToolSupportProber interface {
	SupportsTools(ctx context.Context) (bool, error)
}
