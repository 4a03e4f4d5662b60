package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
)

const openAISSE = `data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Checking"},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"ci"}}]},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"Paris\"}"}}]},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: {"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":7,"total_tokens":18}}

data: [DONE]

`

func weatherTool() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        "get_weather",
		Description: "Current weather for a city",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}
}

func TestOpenAIProviderChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth: %s", got)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("unexpected accept: %s", got)
		}

		body := decodeBody(t, r)
		if body["stream"] != true {
			t.Errorf("stream = %v, want true", body["stream"])
		}
		opts, _ := body["stream_options"].(map[string]any)
		if opts["include_usage"] != true {
			t.Errorf("stream_options = %v, want include_usage", body["stream_options"])
		}
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v, want configured default", body["model"])
		}
		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Errorf("tools = %v, want one definition", body["tools"])
		}

		writeStream(t, w, "text/event-stream", openAISSE)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	ch, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "weather in Paris?"}},
		Tools:    []domain.ToolSchema{weatherTool()},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	events := drain(t, ch)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	if events[0].Content != "Checking" {
		t.Errorf("events[0].Content = %q", events[0].Content)
	}
	calls := events[1].ToolCalls
	if len(calls) != 1 || calls[0].ID != "call_1" || string(calls[0].Arguments) != `{"city":"Paris"}` {
		t.Errorf("tool calls = %+v", calls)
	}
	if events[2].Usage == nil || events[2].Usage.TotalTokens != 18 {
		t.Errorf("usage event = %+v", events[2])
	}
	if !events[3].Done {
		t.Errorf("last event not terminal: %+v", events[3])
	}
}

func TestOpenAIProviderChatCollects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStream(t, w, "text/event-stream", openAISSE)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name: "test", BaseURL: server.URL, Model: "gpt-4o-mini",
	}, newTestLogger())

	resp, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.Message.Content != "Checking" || len(resp.Message.ToolCalls) != 1 {
		t.Errorf("message = %+v", resp.Message)
	}
	if resp.Usage.PromptTokens != 11 || resp.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIProviderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{Name: "test", BaseURL: server.URL}, newTestLogger())
	_, err := provider.ChatStream(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("err = %v, want ErrAuthInvalid", err)
	}
}

func TestOpenAIProviderTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{Name: "test", BaseURL: url}, newTestLogger())
	_, err := provider.ChatStream(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestToOpenAIRequest(t *testing.T) {
	req := toOpenAIRequest(domain.ChatRequest{
		Model:       "m",
		Temperature: 0.2,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "call_1", Name: "f", Arguments: json.RawMessage(`{"a":1}`)},
			}},
			{Role: domain.RoleTool, Name: "f", ToolCallID: "call_1", Content: "42"},
		},
		Tools: []domain.ToolSchema{{Name: "bare"}},
	})

	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if req.MaxTokens != 0 {
		t.Errorf("max_tokens = %d, want omitted", req.MaxTokens)
	}
	asst := req.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Function.Arguments != `{"a":1}` || asst.ToolCalls[0].Type != "function" {
		t.Errorf("assistant tool calls = %+v", asst.ToolCalls)
	}
	if req.Messages[2].ToolCallID != "call_1" || req.Messages[2].Name != "f" {
		t.Errorf("tool message = %+v", req.Messages[2])
	}
	if string(req.Tools[0].Function.Parameters) != `{"type":"object","properties":{}}` {
		t.Errorf("missing schema not defaulted: %s", req.Tools[0].Function.Parameters)
	}
}
