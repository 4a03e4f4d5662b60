package stream

import (
	"encoding/json"
	"strings"

	"unillm/internal/domain"
)

// chatChunk is one SSE payload of an OpenAI-style chat.completion.chunk.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []chatToolDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	Error *struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

type chatToolDelta struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost"` // OpenRouter only
}

// chatDecoder decodes OpenAI and OpenRouter chunks. The two share a chunk
// shape; OpenRouter additionally reports cost and in-band error objects and
// some of its upstreams omit the tool-call index.
type chatDecoder struct {
	backend    domain.Backend
	awaitUsage bool
	finished   bool
	terminated bool
}

func (d *chatDecoder) Decode(rec Record) ([]Delta, error) {
	var chunk chatChunk
	if err := json.Unmarshal(rec.Data, &chunk); err != nil {
		return nil, malformed("chatDecoder.Decode", err, rec)
	}
	if chunk.Error != nil {
		detail := chunk.Error.Message
		if len(chunk.Error.Code) > 0 {
			detail = strings.TrimSpace(string(chunk.Error.Code)) + ": " + detail
		}
		return nil, upstream("chatDecoder.Decode", detail)
	}

	var out []Delta
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			out = append(out, textDelta(choice.Delta.Content))
		}
		for j, tc := range choice.Delta.ToolCalls {
			pos := j
			if tc.Index != nil {
				pos = *tc.Index
			}
			out = append(out, toolDelta(ToolFragment{
				Position:  pos,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}))
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			d.finished = true
		}
	}

	if chunk.Usage != nil {
		u := domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		if d.backend == domain.BackendOpenRouter && chunk.Usage.Cost != nil {
			u.CostUSD = *chunk.Usage.Cost
		}
		out = append(out, usageDelta(u))
	}

	if d.finished && !d.terminated && (!d.awaitUsage || chunk.Usage != nil) {
		d.terminated = true
		out = append(out, terminalDelta())
	}
	return out, nil
}
