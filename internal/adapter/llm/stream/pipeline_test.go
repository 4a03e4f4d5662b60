package stream

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unillm/internal/domain"
)

func TestPipelineFixtures(t *testing.T) {
	for _, fx := range fixtures() {
		t.Run(fx.name, func(t *testing.T) {
			got := run(t, fx.backend, []string{fx.payload}, fx.opts...)
			assert.Equal(t, fx.want, got)
		})
	}
}

func TestPipelineChunkBoundaryInvariance(t *testing.T) {
	for _, fx := range fixtures() {
		t.Run(fx.name, func(t *testing.T) {
			whole := run(t, fx.backend, []string{fx.payload}, fx.opts...)

			for i := 1; i < len(fx.payload); i++ {
				split := run(t, fx.backend, []string{fx.payload[:i], fx.payload[i:]}, fx.opts...)
				require.Equal(t, whole, split, "split at byte %d", i)
			}

			bytewise := make([]string, 0, len(fx.payload))
			for i := 0; i < len(fx.payload); i++ {
				bytewise = append(bytewise, fx.payload[i:i+1])
			}
			assert.Equal(t, whole, run(t, fx.backend, bytewise, fx.opts...))
		})
	}
}

func TestPipelineSingleTerminalEvent(t *testing.T) {
	for _, fx := range fixtures() {
		t.Run(fx.name, func(t *testing.T) {
			// Repeat the payload so terminal markers appear more than once.
			events := run(t, fx.backend, []string{fx.payload, fx.payload}, fx.opts...)
			require.NotEmpty(t, events)

			done := 0
			for _, ev := range events {
				if ev.Done {
					done++
				}
			}
			assert.Equal(t, 1, done)
			assert.True(t, events[len(events)-1].Done, "terminal event must be last")
		})
	}
}

func TestPipelineMalformedRecordTolerance(t *testing.T) {
	payload := `{"message":{"content":"one"},"done":false}
this is not json
{"message":{"content":"two"},"done":true}
`
	p, err := NewPipeline(domain.BackendOllama, testLogger())
	require.NoError(t, err)

	events := append(p.Feed([]byte(payload)), p.Finalize()...)
	assert.Equal(t, []domain.StreamEvent{
		{Content: "one"},
		{Content: "two"},
		{Done: true},
	}, events)
	assert.Equal(t, 1, p.Malformed())
}

func TestPipelineLogsErrorCodes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	p, err := NewPipeline(domain.BackendOllama, log)
	require.NoError(t, err)

	events := p.Feed([]byte("not json\n{\"error\":\"model unloaded\"}\n"))
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, domain.ErrUpstreamEvent)

	out := buf.String()
	assert.Contains(t, out, "code=MALFORMED_RECORD")
	assert.Contains(t, out, "code=UPSTREAM_EVENT")
}

func TestPipelineMalformedSSERecord(t *testing.T) {
	payload := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events := run(t, domain.BackendOpenAI, []string{payload})
	assert.Equal(t, []domain.StreamEvent{{Content: "a"}, {Content: "b"}, {Done: true}}, events)
}

func TestPipelineDrainOnAbruptEnd(t *testing.T) {
	// No finish_reason, no [DONE], and no blank line after the last record.
	payload := "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"c1\",\"function\":{\"name\":\"f\",\"arguments\":\"{\\\"a\\\":\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"1}\"}}]}}]}"

	events := run(t, domain.BackendOpenAI, []string{payload})
	require.Len(t, events, 2)
	assert.Equal(t, []domain.ToolCall{call("c1", "f", `{"a":1}`)}, events[0].ToolCalls)
	assert.True(t, events[1].Done)
}

func TestPipelineLateNameAndDroppedCall(t *testing.T) {
	// The name arrives after the arguments; the call completes with the
	// fragment that supplies the name.
	payload := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c7","function":{"name":"noop"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"c8","function":{"name":"half","arguments":"{\"x\":"}}]}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}

`
	events := run(t, domain.BackendOpenAI, []string{payload})
	require.Len(t, events, 2)
	assert.Equal(t, []domain.ToolCall{call("c7", "noop", `{}`)}, events[0].ToolCalls)
	assert.True(t, events[1].Done)
	assert.Empty(t, events[1].ToolCalls, "unparseable call must be dropped, not fabricated")
}

func TestPipelineFinishReasonWithoutAwaitingUsage(t *testing.T) {
	events := run(t, domain.BackendOpenAI, []string{openAIStream})
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Done)
	for _, ev := range events {
		assert.Nil(t, ev.Usage, "usage after finish_reason is not surfaced when not awaited")
	}
}

func TestPipelineUpstreamErrorIsTerminal(t *testing.T) {
	payload := `data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"f","input":{}}}

data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\""}}

data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}

data: {"type":"message_stop"}

`
	p, err := NewPipeline(domain.BackendAnthropic, testLogger())
	require.NoError(t, err)

	events := p.Feed([]byte(payload))
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, domain.ErrUpstreamEvent)
	assert.False(t, events[0].Done)
	assert.True(t, p.Closed())
	assert.Nil(t, p.Finalize())
}

func TestPipelineFailDiscardsPendingCalls(t *testing.T) {
	p, err := NewPipeline(domain.BackendOpenAI, testLogger())
	require.NoError(t, err)

	p.Feed([]byte("data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"c\",\"function\":{\"name\":\"f\",\"arguments\":\"{\"}}]}}]}\n\n"))
	ev := p.Fail(domain.ErrTransport)
	assert.ErrorIs(t, ev.Err, domain.ErrTransport)
	assert.Nil(t, p.Feed([]byte("data: [DONE]\n\n")))
	assert.Nil(t, p.Finalize())
}

func TestPipelineGenerateStream(t *testing.T) {
	payload := strings.Join([]string{
		`{"model":"llama3","response":"The","done":false}`,
		`{"model":"llama3","response":" sky","done":false}`,
		`{"model":"llama3","response":"","done":true,"eval_count":2}`,
	}, "\n")

	events := run(t, domain.BackendOllama, []string{payload})
	assert.Equal(t, []domain.StreamEvent{
		{Content: "The"},
		{Content: " sky"},
		{Usage: usage(0, 2)},
		{Done: true},
	}, events)
}

func TestNewPipelineUnsupportedBackend(t *testing.T) {
	_, err := NewPipeline(domain.Backend("gemini"), testLogger())
	assert.ErrorIs(t, err, domain.ErrUnsupportedBackend)
}
