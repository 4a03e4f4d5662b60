package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
	"unillm/internal/infra/tracer"
)

// Compile-time interface assertions.
var (
	_ domain.StreamingLLMProvider = (*OpenRouterProvider)(nil)
	_ domain.ToolSupportProber    = (*OpenRouterProvider)(nil)
)

const (
	openrouterDefaultBaseURL = "https://openrouter.ai/api/v1"
	openrouterDefaultReferer = "https://github.com/unillm/unillm"
	openrouterDefaultTitle   = "unillm"
)

// openrouterTransport is a custom http.RoundTripper that injects
// OpenRouter attribution headers (HTTP-Referer and X-Title) into every request.
type openrouterTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *openrouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid mutating the original.
	clone := req.Clone(req.Context())
	clone.Header.Set("HTTP-Referer", t.referer)
	clone.Header.Set("X-Title", t.title)
	return t.base.RoundTrip(clone)
}

// OpenRouterProvider wraps OpenAIProvider to work with the OpenRouter API.
// Streams are decoded with the OpenRouter grammar so reported cost survives.
type OpenRouterProvider struct {
	inner *OpenAIProvider
}

// NewOpenRouterProvider creates an OpenRouter provider that delegates to OpenAIProvider
// with a custom transport for OpenRouter-specific headers.
func NewOpenRouterProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenRouterProvider {
	client := NewHTTPClient(cfg)
	client.Transport = &openrouterTransport{
		base:    client.Transport,
		referer: orDefault(cfg.AppURL, openrouterDefaultReferer),
		title:   orDefault(cfg.AppName, openrouterDefaultTitle),
	}

	baseURL := trimBaseURL(cfg.BaseURL, openrouterDefaultBaseURL)
	return &OpenRouterProvider{
		inner: newChatCompletionsProvider(cfg, domain.BackendOpenRouter, baseURL, client, logger),
	}
}

// Chat implements domain.LLMProvider.
func (p *OpenRouterProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *OpenRouterProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	return p.inner.ChatStream(ctx, req)
}

// Name implements domain.LLMProvider.
func (p *OpenRouterProvider) Name() string { return p.inner.Name() }

// Model returns the configured default model.
func (p *OpenRouterProvider) Model() string { return p.inner.Model() }

type openrouterModel struct {
	ID                  string   `json:"id"`
	SupportedParameters []string `json:"supported_parameters"`
}

// SupportsTools implements domain.ToolSupportProber. The model endpoint is
// queried first; if it fails the full model list is searched. A model that
// cannot be found, or a probe that fails, reports no native tool support.
func (p *OpenRouterProvider) SupportsTools(ctx context.Context) (bool, error) {
	in := p.inner
	ctx, span := tracer.StartSpan(ctx, "llm.probe",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", in.name),
			tracer.StringAttr("llm.model", in.model),
		),
	)
	defer span.End()

	headers := map[string]string{}
	if in.apiKey != "" {
		headers["Authorization"] = "Bearer " + in.apiKey
	}

	model, err := p.lookupModel(ctx, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return false, err
	}

	supported := slices.Contains(model.SupportedParameters, "tools")
	span.SetAttributes(tracer.BoolAttr("llm.native_tools", supported))
	tracer.SetOK(span)
	return supported, nil
}

func (p *OpenRouterProvider) lookupModel(ctx context.Context, headers map[string]string) (*openrouterModel, error) {
	in := p.inner
	body, err := doJSONRequest(ctx, in.client, http.MethodGet, in.baseURL+"/models/"+escapeModelID(in.model), nil, headers)
	if err == nil {
		if m, ok := decodeModel(body); ok {
			return m, nil
		}
	} else {
		in.logger.Debug("openrouter model endpoint failed, searching model list", "model", in.model, "error", err)
	}

	body, err = doJSONRequest(ctx, in.client, http.MethodGet, in.baseURL+"/models", nil, headers)
	if err != nil {
		return nil, err
	}
	var list struct {
		Data []openrouterModel `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("unmarshal model list: %w", err)
	}
	for i := range list.Data {
		if list.Data[i].ID == in.model {
			return &list.Data[i], nil
		}
	}
	return nil, domain.NewDomainError("OpenRouterProvider.SupportsTools", domain.ErrNotFound, in.model)
}

// decodeModel accepts the model object either bare or wrapped in "data".
func decodeModel(body []byte) (*openrouterModel, bool) {
	var bare openrouterModel
	if err := json.Unmarshal(body, &bare); err == nil && bare.ID != "" {
		return &bare, true
	}
	var wrapped struct {
		Data openrouterModel `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data.ID != "" {
		return &wrapped.Data, true
	}
	return nil, false
}

// escapeModelID escapes each path segment of a vendor/model id.
func escapeModelID(id string) string {
	parts := strings.Split(id, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
