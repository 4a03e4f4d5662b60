package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"unillm/internal/domain"
)

// pendingCall is the accumulation state of one tool-call position.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// promote returns the completed call once the argument buffer holds a
// complete JSON object and a name is known.
func (p *pendingCall) promote() (domain.ToolCall, bool) {
	raw := strings.TrimSpace(p.args.String())
	if p.name == "" || !strings.HasSuffix(raw, "}") || !isJSONObject(raw) {
		return domain.ToolCall{}, false
	}
	return domain.ToolCall{
		ID:        p.id,
		Name:      p.name,
		Arguments: json.RawMessage(raw),
	}, true
}

func isJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// Accumulator merges tool-call fragments, keyed by position, into complete
// calls. Arguments arrive as string pieces that are not individually valid,
// so completion is detected by re-parsing the concatenation after each piece.
type Accumulator struct {
	pending map[int]*pendingCall
	logger  *slog.Logger
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(logger *slog.Logger) *Accumulator {
	return &Accumulator{
		pending: make(map[int]*pendingCall),
		logger:  logger,
	}
}

// Accept merges f into the pending call at its position. It returns the
// completed call the instant the arguments first parse; the position is then
// cleared and later fragments for it start a new call.
func (a *Accumulator) Accept(f ToolFragment) (domain.ToolCall, bool) {
	p, ok := a.pending[f.Position]
	if !ok {
		p = &pendingCall{}
		a.pending[f.Position] = p
	}
	if p.id == "" {
		p.id = f.ID
	}
	if p.name == "" {
		p.name = f.Name
	}
	p.args.WriteString(f.Arguments)

	call, ok := p.promote()
	if !ok {
		return domain.ToolCall{}, false
	}
	delete(a.pending, f.Position)
	return call, true
}

// Drain makes one final parse attempt per pending position, in position
// order, and clears all state. Entries that still do not parse are dropped.
func (a *Accumulator) Drain() []domain.ToolCall {
	if len(a.pending) == 0 {
		return nil
	}

	positions := make([]int, 0, len(a.pending))
	for pos := range a.pending {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	var calls []domain.ToolCall
	for _, pos := range positions {
		p := a.pending[pos]
		if call, ok := p.promote(); ok {
			calls = append(calls, call)
			continue
		}
		err := domain.NewDomainError("Accumulator.Drain", domain.ErrToolArguments, fmt.Sprintf("position %d", pos))
		a.logger.Warn("dropping incomplete tool call",
			"position", pos,
			"name", p.name,
			"id", p.id,
			"arguments_len", p.args.Len(),
			"error", err,
		)
	}
	a.pending = make(map[int]*pendingCall)
	return calls
}

// Reset discards all pending calls without attempting to complete them.
func (a *Accumulator) Reset() {
	if n := len(a.pending); n > 0 {
		a.logger.Debug("discarding pending tool calls", "count", n)
	}
	a.pending = make(map[int]*pendingCall)
}

