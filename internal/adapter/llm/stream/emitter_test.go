package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unillm/internal/domain"
)

func TestEmitterMapsDeltas(t *testing.T) {
	e := NewEmitter(NewAccumulator(testLogger()), testLogger())

	ev, ok := e.Emit(textDelta("hi"))
	require.True(t, ok)
	assert.Equal(t, domain.StreamEvent{Content: "hi"}, ev)

	_, ok = e.Emit(textDelta(""))
	assert.False(t, ok)

	_, ok = e.Emit(toolDelta(ToolFragment{Position: 0, ID: "c", Name: "f", Arguments: `{"a"`}))
	assert.False(t, ok, "accumulating fragment emits nothing")

	ev, ok = e.Emit(toolDelta(ToolFragment{Position: 0, Arguments: `:1}`}))
	require.True(t, ok)
	assert.Equal(t, []domain.ToolCall{call("c", "f", `{"a":1}`)}, ev.ToolCalls)

	ev, ok = e.Emit(usageOf(3, 4))
	require.True(t, ok)
	assert.Equal(t, usage(3, 4), ev.Usage)
}

func TestEmitterTerminalAttachesDrainedCalls(t *testing.T) {
	acc := NewAccumulator(testLogger())
	p := &pendingCall{id: "late", name: "f"}
	p.args.WriteString(`{"q":"x"}`)
	acc.pending[0] = p

	e := NewEmitter(acc, testLogger())
	ev, ok := e.Emit(terminalDelta())
	require.True(t, ok)
	assert.True(t, ev.Done)
	assert.Equal(t, []domain.ToolCall{call("late", "f", `{"q":"x"}`)}, ev.ToolCalls)
}

func TestEmitterNothingAfterTerminal(t *testing.T) {
	e := NewEmitter(NewAccumulator(testLogger()), testLogger())
	_, ok := e.Emit(terminalDelta())
	require.True(t, ok)
	assert.True(t, e.Done())

	for _, d := range []Delta{textDelta("late"), usageOf(1, 1), terminalDelta()} {
		_, ok := e.Emit(d)
		assert.False(t, ok, d.Kind.String())
	}
	_, ok = e.Terminate()
	assert.False(t, ok)
}
