package stream

import (
	"log/slog"

	"unillm/internal/domain"
)

// Emitter maps deltas to unified events and owns the terminal decision.
// After the terminal event it emits nothing.
type Emitter struct {
	acc    *Accumulator
	done   bool
	logger *slog.Logger
}

// NewEmitter creates an emitter that completes tool calls through acc.
func NewEmitter(acc *Accumulator, logger *slog.Logger) *Emitter {
	return &Emitter{acc: acc, logger: logger}
}

// Emit maps one delta to at most one event.
func (e *Emitter) Emit(d Delta) (domain.StreamEvent, bool) {
	if e.done {
		e.logger.Debug("delta after terminal event ignored", "kind", d.Kind.String())
		return domain.StreamEvent{}, false
	}

	switch d.Kind {
	case DeltaText:
		if d.Text == "" {
			return domain.StreamEvent{}, false
		}
		return domain.StreamEvent{Content: d.Text}, true
	case DeltaTool:
		call, ok := e.acc.Accept(d.Tool)
		if !ok {
			return domain.StreamEvent{}, false
		}
		return domain.StreamEvent{ToolCalls: []domain.ToolCall{call}}, true
	case DeltaUsage:
		u := d.Usage
		return domain.StreamEvent{Usage: &u}, true
	case DeltaTerminal:
		return e.Terminate()
	}
	return domain.StreamEvent{}, false
}

// Terminate produces the single done event, carrying any calls drained from
// the accumulator. It returns false if the terminal event was already sent.
func (e *Emitter) Terminate() (domain.StreamEvent, bool) {
	if e.done {
		return domain.StreamEvent{}, false
	}
	e.done = true
	return domain.StreamEvent{Done: true, ToolCalls: e.acc.Drain()}, true
}

// Done reports whether the terminal event has been emitted.
func (e *Emitter) Done() bool { return e.done }
