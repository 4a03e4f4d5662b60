// Package fallback implements the text-marker tool protocol used with models
// that cannot return structured tool calls. The tool catalogue is rendered
// into the system prompt, and invocations come back as JSON wrapped in
// <tool_call> markers inside ordinary assistant text.
package fallback

import (
	"bytes"
	"encoding/json"
	"strings"

	"unillm/internal/domain"
)

// Marker pair wrapping one invocation object.
const (
	OpenMarker  = "<tool_call>"
	CloseMarker = "</tool_call>"
)

// DefaultSystemPrompt seeds the system message created when a conversation
// has none.
const DefaultSystemPrompt = "You are a helpful assistant."

const catalogueHeader = "\n\nYou have access to the following tools. When you need to use a tool, respond with:\n\n" +
	OpenMarker + "\n" +
	`{"function": {"name": "function_name", "arguments": {"param1": "value1", "param2": "value2"}}}` + "\n" +
	CloseMarker + "\n\nAvailable tools:\n\n"

const catalogueFooter = "When using tools, wrap the JSON in " + OpenMarker + CloseMarker + " tags as shown above. " +
	"Don't feel obligated to use tool calls if it doesn't make sense to do so or you weren't instructed. " +
	"Normally you'll want to present your results to the user after making a tool call, as the user doesn't know the result, " +
	"unless explicitly told otherwise (example: the user wants many consecutive tool calls).\n"

// RenderCatalogue describes tools and the marker grammar as prompt text.
// An empty catalogue renders as "".
func RenderCatalogue(tools []domain.ToolSchema) string {
	if len(tools) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(catalogueHeader)
	for _, t := range tools {
		sb.WriteString(t.Name)
		sb.WriteString(": ")
		sb.WriteString(t.Description)
		sb.WriteString("\nParameters schema: ")
		sb.WriteString(prettySchema(t.Parameters))
		sb.WriteString("\n\n")
	}
	sb.WriteString(catalogueFooter)
	return sb.String()
}

func prettySchema(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// InjectCatalogue returns a copy of msgs whose first system message carries
// the rendered catalogue. A system message is prepended when none exists.
// The input slice is not modified.
func InjectCatalogue(msgs []domain.Message, tools []domain.ToolSchema) []domain.Message {
	block := RenderCatalogue(tools)
	if block == "" {
		return msgs
	}

	out := make([]domain.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	for i := range out {
		if out[i].Role == domain.RoleSystem {
			out[i].Content += block
			return out
		}
	}
	sys := domain.Message{Role: domain.RoleSystem, Content: DefaultSystemPrompt + block}
	return append([]domain.Message{sys}, out...)
}
