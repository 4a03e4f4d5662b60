package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"unillm/internal/adapter/llm/stream"
	"unillm/internal/domain"
	"unillm/internal/infra/config"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*OpenAIProvider)(nil)
	_ domain.StreamingLLMProvider = (*OpenAIProvider)(nil)
)

// OpenAIProvider implements domain.StreamingLLMProvider for any
// OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	name        string
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
	backend     domain.Backend
	client      *http.Client
	logger      *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	return newChatCompletionsProvider(cfg, domain.BackendOpenAI,
		trimBaseURL(cfg.BaseURL, "https://api.openai.com/v1"), NewHTTPClient(cfg), logger)
}

func newChatCompletionsProvider(cfg config.ProviderConfig, backend domain.Backend, baseURL string, client *http.Client, logger *slog.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		backend:     backend,
		client:      client,
		logger:      logger,
	}
}

// Chat implements domain.LLMProvider by collecting the stream.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
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

// ChatStream implements domain.StreamingLLMProvider. Usage is requested in
// the trailing chunk, so the terminal event waits for it.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	req = p.withDefaults(req)

	oaiReq := toOpenAIRequest(req)
	oaiReq.Stream = true
	oaiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	return openStream(ctx, p.client, p.logger, streamRequest{
		provider: p.name,
		backend:  p.backend,
		model:    req.Model,
		url:      p.baseURL + "/chat/completions",
		body:     body,
		headers:  headers,
		opts:     []stream.Option{stream.WithAwaitUsage(true)},
	})
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Model returns the configured default model.
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) withDefaults(req domain.ChatRequest) domain.ChatRequest {
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

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		oaiMsg := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}

		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openaiToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				oaiMsg.ToolCalls[i] = openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiToolCallFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}

		msgs = append(msgs, oaiMsg)
	}

	oaiReq := openaiRequest{
		Model:    req.Model,
		Messages: msgs,
	}

	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		oaiReq.Temperature = &temp
	}

	if len(req.Tools) > 0 {
		oaiReq.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			oaiReq.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  schemaOrEmpty(t.Parameters),
				},
			}
		}
	}

	return oaiReq
}

// schemaOrEmpty substitutes an empty object schema for a missing one.
func schemaOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}
