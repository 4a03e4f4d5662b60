package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
)

const openRouterSSE = `: OPENROUTER PROCESSING

data: {"choices":[{"delta":{"content":"Done."}}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6,"cost":0.0004}}

data: [DONE]

`

func TestOpenRouterProviderHeadersAndCost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("HTTP-Referer"); got != "https://example.com/app" {
			t.Errorf("HTTP-Referer = %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "my-app" {
			t.Errorf("X-Title = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer or-key" {
			t.Errorf("Authorization = %q", got)
		}
		writeStream(t, w, "text/event-stream", openRouterSSE)
	}))
	defer server.Close()

	provider := NewOpenRouterProvider(config.ProviderConfig{
		Name:    "router",
		BaseURL: server.URL,
		APIKey:  "or-key",
		Model:   "meta-llama/llama-3.1-8b-instruct",
		AppURL:  "https://example.com/app",
		AppName: "my-app",
	}, newTestLogger())

	resp, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Done." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Usage.CostUSD != 0.0004 {
		t.Errorf("CostUSD = %v, want 0.0004", resp.Usage.CostUSD)
	}
	if provider.Name() != "router" {
		t.Errorf("Name = %q", provider.Name())
	}
}

func TestOpenRouterDefaultHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("HTTP-Referer") != openrouterDefaultReferer || r.Header.Get("X-Title") != openrouterDefaultTitle {
			t.Errorf("default attribution headers missing: %v", r.Header)
		}
		writeStream(t, w, "text/event-stream", openRouterSSE)
	}))
	defer server.Close()

	provider := NewOpenRouterProvider(config.ProviderConfig{Name: "router", BaseURL: server.URL}, newTestLogger())
	if _, err := provider.Chat(context.Background(), domain.ChatRequest{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestOpenRouterSupportsTools(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    bool
		wantErr bool
	}{
		{
			name: "bare model object",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/models/vendor/model-a" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				w.Write([]byte(`{"id":"vendor/model-a","supported_parameters":["temperature","tools"]}`))
			},
			want: true,
		},
		{
			name: "wrapped model object",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"data":{"id":"vendor/model-a","supported_parameters":["temperature"]}}`))
			},
			want: false,
		},
		{
			name: "falls back to model list",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/models" {
					http.NotFound(w, r)
					return
				}
				w.Write([]byte(`{"data":[{"id":"other"},{"id":"vendor/model-a","supported_parameters":["tools"]}]}`))
			},
			want: true,
		},
		{
			name: "unknown model",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/models" {
					http.NotFound(w, r)
					return
				}
				w.Write([]byte(`{"data":[{"id":"other","supported_parameters":["tools"]}]}`))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			provider := NewOpenRouterProvider(config.ProviderConfig{
				Name: "router", BaseURL: server.URL, Model: "vendor/model-a",
			}, newTestLogger())

			got, err := provider.SupportsTools(context.Background())
			if tt.wantErr {
				if !errors.Is(err, domain.ErrNotFound) {
					t.Errorf("err = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SupportsTools: %v", err)
			}
			if got != tt.want {
				t.Errorf("SupportsTools = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEscapeModelID(t *testing.T) {
	if got := escapeModelID("vendor/model name"); got != "vendor/model%20name" {
		t.Errorf("escapeModelID = %q", got)
	}
}
