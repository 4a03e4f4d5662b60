package stream

import (
	"bytes"
	"encoding/json"
)

// anthropicEvent covers every event type of the Messages streaming API.
// Fields irrelevant to a given type are left zero.
type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage *anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicUsage struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
}

// anthropicDecoder tracks usage across message_start / message_delta and
// which content blocks are tool_use blocks that have not received input.
type anthropicDecoder struct {
	inputTokens  int
	outputTokens int
	toolBlocks   map[int]bool // index -> received non-empty input
}

func newAnthropicDecoder() *anthropicDecoder {
	return &anthropicDecoder{toolBlocks: make(map[int]bool)}
}

func (d *anthropicDecoder) Decode(rec Record) ([]Delta, error) {
	var ev anthropicEvent
	if err := json.Unmarshal(rec.Data, &ev); err != nil {
		return nil, malformed("anthropicDecoder.Decode", err, rec)
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil && ev.Message.Usage != nil {
			return []Delta{d.usage(ev.Message.Usage)}, nil
		}

	case "content_block_start":
		cb := ev.ContentBlock
		if cb == nil {
			return nil, nil
		}
		switch cb.Type {
		case "text":
			if cb.Text != "" {
				return []Delta{textDelta(cb.Text)}, nil
			}
		case "tool_use":
			frag := ToolFragment{Position: ev.Index, ID: cb.ID, Name: cb.Name}
			input := bytes.TrimSpace(cb.Input)
			sawInput := len(input) > 0 && !bytes.Equal(input, []byte("{}"))
			if sawInput {
				frag.Arguments = string(input)
			}
			d.toolBlocks[ev.Index] = sawInput
			return []Delta{toolDelta(frag)}, nil
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				return []Delta{textDelta(ev.Delta.Text)}, nil
			}
		case "input_json_delta":
			if ev.Delta.PartialJSON == "" {
				return nil, nil
			}
			d.toolBlocks[ev.Index] = true
			return []Delta{toolDelta(ToolFragment{Position: ev.Index, Arguments: ev.Delta.PartialJSON})}, nil
		}

	case "content_block_stop":
		sawInput, isTool := d.toolBlocks[ev.Index]
		if !isTool {
			return nil, nil
		}
		delete(d.toolBlocks, ev.Index)
		if !sawInput {
			// Tool invoked without arguments.
			return []Delta{toolDelta(ToolFragment{Position: ev.Index, Arguments: "{}"})}, nil
		}

	case "message_delta":
		if ev.Usage != nil {
			return []Delta{d.usage(ev.Usage)}, nil
		}

	case "message_stop":
		return []Delta{terminalDelta()}, nil

	case "error":
		detail := "unknown error"
		if ev.Error != nil {
			detail = ev.Error.Type + ": " + ev.Error.Message
		}
		return nil, upstream("anthropicDecoder.Decode", detail)
	}

	// ping and unknown event types
	return nil, nil
}

func (d *anthropicDecoder) usage(u *anthropicUsage) Delta {
	if u.InputTokens != nil {
		d.inputTokens = *u.InputTokens
	}
	if u.OutputTokens != nil {
		d.outputTokens = *u.OutputTokens
	}
	return usageOf(d.inputTokens, d.outputTokens)
}
