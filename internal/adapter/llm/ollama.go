package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"unillm/internal/adapter/llm/stream"
	"unillm/internal/domain"
	"unillm/internal/infra/config"
	"unillm/internal/infra/tracer"
)

// Compile-time interface assertions.
var (
	_ domain.LLMProvider          = (*OllamaProvider)(nil)
	_ domain.StreamingLLMProvider = (*OllamaProvider)(nil)
	_ domain.ToolSupportProber    = (*OllamaProvider)(nil)
)

// Default Ollama timeouts: short connect (local), long response (model loading).
const (
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second
)

// toolTemplateMarkers are the template fragments that show a model renders
// native tool definitions.
var toolTemplateMarkers = []string{
	"{{ .Tools }}",
	"{{.Tools}}",
	"{{ .tools }}",
	"{{.tools}}",
	"{{- .Tools }}",
	"{{- .tools }}",
}

// OllamaProvider talks to the native Ollama API: NDJSON chat streams plus
// the model management endpoints.
type OllamaProvider struct {
	name        string
	model       string
	baseURL     string
	maxTokens   int
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

// NewOllamaProvider creates an Ollama provider with local-friendly timeouts.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	ollamaCfg := cfg
	if ollamaCfg.ConnTimeout == 0 {
		ollamaCfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if ollamaCfg.RespTimeout == 0 {
		ollamaCfg.RespTimeout = ollamaDefaultRespTimeout
	}

	return &OllamaProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		baseURL:     trimBaseURL(cfg.BaseURL, "http://localhost:11434"),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      NewHTTPClient(ollamaCfg),
		logger:      logger,
	}
}

// Chat implements domain.LLMProvider by collecting the stream.
func (p *OllamaProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
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

// ChatStream implements domain.StreamingLLMProvider. Native tool
// definitions are sent only when req carries tools.
func (p *OllamaProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	body, err := json.Marshal(p.toOllamaRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return openStream(ctx, p.client, p.logger, streamRequest{
		provider: p.name,
		backend:  domain.BackendOllama,
		model:    req.Model,
		url:      p.baseURL + "/api/chat",
		body:     body,
	})
}

// Name implements domain.LLMProvider.
func (p *OllamaProvider) Name() string { return p.name }

// Model returns the configured default model.
func (p *OllamaProvider) Model() string { return p.model }

// SupportsTools implements domain.ToolSupportProber by inspecting the
// model's prompt template.
func (p *OllamaProvider) SupportsTools(ctx context.Context) (bool, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.probe",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.model),
		),
	)
	defer span.End()

	info, err := p.ShowModel(ctx, p.model)
	if err != nil {
		tracer.RecordError(span, err)
		return false, err
	}

	supported := templateSupportsTools(info.Template)
	span.SetAttributes(tracer.BoolAttr("llm.native_tools", supported))
	tracer.SetOK(span)
	return supported, nil
}

func templateSupportsTools(template string) bool {
	for _, marker := range toolTemplateMarkers {
		if strings.Contains(template, marker) {
			return true
		}
	}
	return false
}

// ListModels returns the locally available models.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]domain.ModelSummary, error) {
	body, err := doJSONRequest(ctx, p.client, http.MethodGet, p.baseURL+"/api/tags", nil, nil)
	if err != nil {
		return nil, domain.WrapOp("OllamaProvider.ListModels", err)
	}

	var resp struct {
		Models []domain.ModelSummary `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp.Models, nil
}

// ShowModel returns details for one model, including its prompt template.
func (p *OllamaProvider) ShowModel(ctx context.Context, name string) (*domain.ModelInfo, error) {
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	body, err := doJSONRequest(ctx, p.client, http.MethodPost, p.baseURL+"/api/show", payload, nil)
	if err != nil {
		return nil, domain.WrapOp("OllamaProvider.ShowModel", err)
	}

	var info domain.ModelInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &info, nil
}

// PullStream downloads a model and reports progress. Lines that are not
// JSON are passed through as the status text. The channel closes when the
// server ends the response.
func (p *OllamaProvider) PullStream(ctx context.Context, name string) (<-chan domain.PullProgress, error) {
	payload, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/api/pull", payload, nil, "application/x-ndjson")
	if err != nil {
		return nil, domain.WrapOp("OllamaProvider.PullStream", err)
	}

	return pumpNDJSON(ctx, httpResp.Body, ndjsonHandler[domain.PullProgress]{
		decode: decodePullProgress,
		fail:   func(err error) domain.PullProgress { return domain.PullProgress{Err: err} },
	}), nil
}

func decodePullProgress(line []byte) (domain.PullProgress, bool, bool) {
	var rec struct {
		domain.PullProgress
		Error string `json:"error"`
	}
	if err := json.Unmarshal(line, &rec); err != nil {
		return domain.PullProgress{Status: string(line)}, true, false
	}
	if rec.Error != "" {
		err := domain.NewDomainError("OllamaProvider.PullStream", domain.ErrUpstreamEvent, rec.Error)
		return domain.PullProgress{Err: err}, true, true
	}
	return rec.PullProgress, true, false
}

// Generate runs a raw completion for prompt and returns the whole response.
// The single reply object goes through the same decoder as the streamed
// form, so an error field in it surfaces as ErrUpstreamEvent.
func (p *OllamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(p.generateRequest(prompt, false))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	body, err := doJSONRequest(ctx, p.client, http.MethodPost, p.baseURL+"/api/generate", payload, nil)
	if err != nil {
		return "", domain.WrapOp("OllamaProvider.Generate", err)
	}

	pipe, err := stream.NewPipeline(domain.BackendOllama, p.logger)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, ev := range stream.ReadAll(bytes.NewReader(body), pipe) {
		if ev.Err != nil {
			return "", domain.WrapOp("OllamaProvider.Generate", ev.Err)
		}
		sb.WriteString(ev.Content)
	}
	return sb.String(), nil
}

// GenerateStream runs a raw completion and streams the response text
// through the shared stream pipeline. Usage arrives as its own event ahead
// of the terminal one.
func (p *OllamaProvider) GenerateStream(ctx context.Context, prompt string) (<-chan domain.StreamEvent, error) {
	payload, err := json.Marshal(p.generateRequest(prompt, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return openStream(ctx, p.client, p.logger, streamRequest{
		provider: p.name,
		backend:  domain.BackendOllama,
		model:    p.model,
		url:      p.baseURL + "/api/generate",
		body:     payload,
	})
}

// BaseURL returns the server address the provider talks to.
func (p *OllamaProvider) BaseURL() string { return p.baseURL }

// IsHealthy reports whether the server answers its version endpoint.
func (p *OllamaProvider) IsHealthy(ctx context.Context) bool {
	body, err := doJSONRequest(ctx, p.client, http.MethodGet, p.baseURL+"/api/version", nil, nil)
	if err != nil {
		p.logger.Debug("ollama health check failed", "base_url", p.baseURL, "error", err)
		return false
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &v); err != nil || v.Version == "" {
		p.logger.Debug("ollama health check: unexpected version reply", "base_url", p.baseURL)
		return false
	}
	return true
}

// --- NDJSON side channels ---

// ndjsonHandler turns NDJSON lines into values of T. decode reports whether
// the value is sent and whether it ends the stream.
type ndjsonHandler[T any] struct {
	decode func(line []byte) (v T, send, last bool)
	fail   func(error) T
}

// pumpNDJSON reads body line by line on its own goroutine. Cancelling ctx
// closes body and the returned channel.
func pumpNDJSON[T any](ctx context.Context, body io.ReadCloser, h ndjsonHandler[T]) <-chan T {
	ch := make(chan T, 16)
	stop := context.AfterFunc(ctx, func() { body.Close() })

	go func() {
		defer close(ch)
		defer stop()
		defer body.Close()

		deliver := func(v T) bool {
			select {
			case ch <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}
		// handle returns false once the stream is over.
		handle := func(recs []stream.Record) bool {
			for _, rec := range recs {
				v, send, last := h.decode(rec.Data)
				if send && !deliver(v) {
					return false
				}
				if last {
					return false
				}
			}
			return true
		}

		framer := stream.NewFramer(stream.GrammarNDJSON)
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 && !handle(framer.Feed(buf[:n])) {
				return
			}
			if errors.Is(err, io.EOF) {
				handle(framer.Finalize())
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					deliver(h.fail(fmt.Errorf("%w: %w", domain.ErrTransport, err)))
				}
				return
			}
		}
	}()
	return ch
}

// --- Ollama API wire types ---

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []openaiTool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

func (p *OllamaProvider) options(maxTokens int, temperature float64) *ollamaOptions {
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}
	if temperature == 0 {
		temperature = p.temperature
	}
	if maxTokens <= 0 && temperature <= 0 {
		return nil
	}
	opts := &ollamaOptions{NumPredict: maxTokens}
	if temperature > 0 {
		opts.Temperature = &temperature
	}
	return opts
}

func (p *OllamaProvider) toOllamaRequest(req domain.ChatRequest) ollamaChatRequest {
	msgs := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content, Images: m.Images}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
			})
		}
		msgs = append(msgs, om)
	}

	out := ollamaChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
		Options:  p.options(req.MaxTokens, req.Temperature),
	}
	if len(req.Tools) > 0 {
		out.Tools = toOpenAIRequest(domain.ChatRequest{Tools: req.Tools}).Tools
	}
	return out
}

func (p *OllamaProvider) generateRequest(prompt string, streaming bool) ollamaGenerateRequest {
	return ollamaGenerateRequest{
		Model:   p.model,
		Prompt:  prompt,
		Stream:  streaming,
		Options: p.options(0, 0),
	}
}
