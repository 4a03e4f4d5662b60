package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*AnthropicProvider)(nil)
	_ domain.StreamingLLMProvider = (*AnthropicProvider)(nil)
)

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider implements domain.StreamingLLMProvider for the Anthropic Messages API.
type AnthropicProvider struct {
	name        string
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
	client      *http.Client
	logger      *slog.Logger
	version     string
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     trimBaseURL(cfg.BaseURL, "https://api.anthropic.com"),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      NewHTTPClient(cfg),
		logger:      logger,
		version:     defaultAnthropicVersion,
	}
}

// Chat implements domain.LLMProvider by collecting the stream.
func (p *AnthropicProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req = p.withDefaults(req)
	events, err := p.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	result, err := collect(ctx, events)
	if err != nil {
		return nil, err
	}
	result.Model = req.Model
	logChatCompleted(p.logger, p.name, result)
	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	req = p.withDefaults(req)

	antReq := toAnthropicRequest(req)
	antReq.Stream = true

	body, err := json.Marshal(antReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return openStream(ctx, p.client, p.logger, streamRequest{
		provider: p.name,
		backend:  domain.BackendAnthropic,
		model:    req.Model,
		url:      p.baseURL + "/v1/messages",
		body:     body,
		headers: map[string]string{
			"x-api-key":         p.apiKey,
			"anthropic-version": p.version,
		},
	})
}

// Name implements domain.LLMProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// Model returns the configured default model.
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) withDefaults(req domain.ChatRequest) domain.ChatRequest {
	if req.Model == "" {
		req.Model = p.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.maxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = p.temperature
	}
	return req
}

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

func toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	antReq := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = defaultAnthropicMaxTokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		antReq.Temperature = &temp
	}

	// System messages are lifted to the top-level field.
	var system []string
	for _, m := range req.Messages {
		switch {
		case m.Role == domain.RoleSystem:
			system = append(system, m.Content)

		case m.Role == domain.RoleTool:
			antReq.Messages = appendAnthropic(antReq.Messages, "user", anthropicContent{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})

		case len(m.ToolCalls) > 0:
			var blocks []anthropicContent
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			antReq.Messages = appendAnthropic(antReq.Messages, m.Role, blocks...)

		default:
			antReq.Messages = appendAnthropic(antReq.Messages, m.Role, anthropicContent{Type: "text", Text: m.Content})
		}
	}
	antReq.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		antReq.Tools = append(antReq.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaOrEmpty(t.Parameters),
		})
	}

	return antReq
}

// appendAnthropic adds blocks to msgs, merging into the previous message when
// the role repeats. The Messages API requires alternating roles, so
// consecutive tool results share one user turn.
func appendAnthropic(msgs []anthropicMessage, role string, blocks ...anthropicContent) []anthropicMessage {
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
		return msgs
	}
	return append(msgs, anthropicMessage{Role: role, Content: blocks})
}
