package stream

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"unillm/internal/domain"
)

const openAIStream = `data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}

data: {"id":"c1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}

data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}

data: [DONE]

`

const openRouterStream = `: OPENROUTER PROCESSING

data: {"choices":[{"delta":{"content":"On it."}}]}

data: {"choices":[{"delta":{"tool_calls":[{"id":"tc_9","function":{"name":"lookup","arguments":"{\"q\":\"go\"}"}}]}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10,"cost":0.0012}}

data: [DONE]

`

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":12,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check."}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\": \"Par"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"is\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}

event: message_stop
data: {"type":"message_stop"}

`

const ollamaStream = `{"model":"llama3","message":{"role":"assistant","content":"Hi"},"done":false}
{"model":"llama3","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"get_weather","arguments":{"city":"Paris"}}}]},"done":false}
{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":3}
`

type fixture struct {
	name    string
	backend domain.Backend
	payload string
	opts    []Option
	want    []domain.StreamEvent
}

func usage(p, c int) *domain.Usage {
	return &domain.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func fixtures() []fixture {
	return []fixture{
		{
			name:    "openai",
			backend: domain.BackendOpenAI,
			payload: openAIStream,
			opts:    []Option{WithAwaitUsage(true)},
			want: []domain.StreamEvent{
				{Content: "Hel"},
				{Content: "lo"},
				{ToolCalls: []domain.ToolCall{call("call_1", "get_weather", `{"city":"Paris"}`)}},
				{Usage: usage(10, 5)},
				{Done: true},
			},
		},
		{
			name:    "openrouter",
			backend: domain.BackendOpenRouter,
			payload: openRouterStream,
			opts:    []Option{WithAwaitUsage(true)},
			want: []domain.StreamEvent{
				{Content: "On it."},
				{ToolCalls: []domain.ToolCall{call("tc_9", "lookup", `{"q":"go"}`)}},
				{Usage: &domain.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10, CostUSD: 0.0012}},
				{Done: true},
			},
		},
		{
			name:    "anthropic",
			backend: domain.BackendAnthropic,
			payload: anthropicStream,
			want: []domain.StreamEvent{
				{Usage: usage(12, 1)},
				{Content: "Let me check."},
				{ToolCalls: []domain.ToolCall{call("toolu_1", "get_weather", `{"city": "Paris"}`)}},
				{Usage: usage(12, 20)},
				{Done: true},
			},
		},
		{
			name:    "ollama",
			backend: domain.BackendOllama,
			payload: ollamaStream,
			want: []domain.StreamEvent{
				{Content: "Hi"},
				{ToolCalls: []domain.ToolCall{call("", "get_weather", `{"city":"Paris"}`)}},
				{Usage: usage(7, 3)},
				{Done: true},
			},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// run feeds chunks through a fresh pipeline and finalizes it.
func run(t *testing.T, backend domain.Backend, chunks []string, opts ...Option) []domain.StreamEvent {
	t.Helper()
	p, err := NewPipeline(backend, testLogger(), opts...)
	require.NoError(t, err)
	var events []domain.StreamEvent
	for _, c := range chunks {
		events = append(events, p.Feed([]byte(c))...)
	}
	return append(events, p.Finalize()...)
}
