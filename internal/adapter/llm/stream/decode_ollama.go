package stream

import (
	"bytes"
	"encoding/json"
)

// ollamaChunk is one NDJSON line from /api/chat or /api/generate.
type ollamaChunk struct {
	Message *struct {
		Content   string           `json:"content"`
		ToolCalls []ollamaToolCall `json:"tool_calls"`
	} `json:"message"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount *int   `json:"prompt_eval_count"`
	EvalCount       *int   `json:"eval_count"`
	Error           string `json:"error"`
}

type ollamaToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Index     *int            `json:"index"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ollamaDecoder decodes Ollama's newline-delimited JSON. Tool calls arrive
// whole, so every fragment it produces completes immediately.
type ollamaDecoder struct{}

func (d *ollamaDecoder) Decode(rec Record) ([]Delta, error) {
	var chunk ollamaChunk
	if err := json.Unmarshal(rec.Data, &chunk); err != nil {
		return nil, malformed("ollamaDecoder.Decode", err, rec)
	}
	if chunk.Error != "" {
		return nil, upstream("ollamaDecoder.Decode", chunk.Error)
	}

	var out []Delta
	if chunk.Message != nil {
		if chunk.Message.Content != "" {
			out = append(out, textDelta(chunk.Message.Content))
		}
		for i, tc := range chunk.Message.ToolCalls {
			pos := i
			if tc.Function.Index != nil {
				pos = *tc.Function.Index
			}
			out = append(out, toolDelta(ToolFragment{
				Position:  pos,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: ollamaArguments(tc.Function.Arguments),
			}))
		}
	}
	if chunk.Response != "" {
		out = append(out, textDelta(chunk.Response))
	}

	if chunk.PromptEvalCount != nil || chunk.EvalCount != nil {
		out = append(out, usageOf(deref(chunk.PromptEvalCount), deref(chunk.EvalCount)))
	}
	if chunk.Done {
		out = append(out, terminalDelta())
	}
	return out, nil
}

// ollamaArguments normalizes tool arguments: some models return them as a
// JSON-encoded string instead of an object.
func ollamaArguments(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "{}"
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
