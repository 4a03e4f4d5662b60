package fallback

import (
	"log/slog"
	"strings"

	"unillm/internal/domain"
)

// Acknowledgement replaces visible text that is too short to show once
// invocations have been extracted from it.
const Acknowledgement = "I'll help you with that."

// minVisibleLen is the byte length below which extracted-call responses are
// replaced by Acknowledgement.
const minVisibleLen = 10

// Mode is the tool protocol a session uses. It is decided once per session.
type Mode uint8

const (
	ModeNative Mode = iota
	ModeFallback
)

func (m Mode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "native"
}

// ModeFor maps a capability probe result to a mode.
func ModeFor(nativeTools bool) Mode {
	if nativeTools {
		return ModeNative
	}
	return ModeFallback
}

// Engine applies the tool protocol for one mode. In ModeNative every
// operation is the identity or passes tools through untouched.
type Engine struct {
	mode   Mode
	tools  []domain.ToolSchema
	logger *slog.Logger
}

// NewEngine creates an engine for mode over the given catalogue.
func NewEngine(mode Mode, tools []domain.ToolSchema, logger *slog.Logger) *Engine {
	return &Engine{mode: mode, tools: tools, logger: logger}
}

// Mode returns the engine's fixed mode.
func (e *Engine) Mode() Mode { return e.mode }

// PrepareMessages returns the outbound conversation. In fallback mode the
// catalogue is injected into the system message.
func (e *Engine) PrepareMessages(msgs []domain.Message) []domain.Message {
	if e.mode != ModeFallback {
		return msgs
	}
	return InjectCatalogue(msgs, e.tools)
}

// RequestTools returns the tool definitions to send natively. Fallback mode
// sends none.
func (e *Engine) RequestTools() []domain.ToolSchema {
	if e.mode != ModeNative {
		return nil
	}
	return e.tools
}

// NewFilter returns a live content filter, or nil in native mode.
func (e *Engine) NewFilter() *MarkerFilter {
	if e.mode != ModeFallback {
		return nil
	}
	return NewMarkerFilter()
}

// Process post-processes the fully assembled assistant text of a turn and
// returns the visible text and any extracted calls.
func (e *Engine) Process(text string) (string, []domain.ToolCall) {
	if e.mode != ModeFallback {
		return text, nil
	}

	calls, spans := extract(text, e.logger)
	if len(calls) == 0 {
		return strings.TrimSpace(trimDanglingOpen(text)), nil
	}

	visible := strings.TrimSpace(trimDanglingOpen(removeSpans(text, spans)))
	if len(visible) < minVisibleLen {
		visible = Acknowledgement
	}
	e.logger.Debug("extracted fallback tool calls", "count", len(calls))
	return visible, calls
}

// ToolResultMessage builds the message that reports a tool result back to
// the model.
func (e *Engine) ToolResultMessage(call domain.ToolCall, result string) domain.Message {
	if e.mode == ModeFallback {
		return domain.Message{
			Role:    domain.RoleUser,
			Content: "Tool response from " + call.Name + ": " + result,
		}
	}
	return domain.Message{
		Role:       domain.RoleTool,
		Content:    result,
		Name:       call.Name,
		ToolCallID: call.ID,
	}
}
