package fallback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func filterAll(fragments ...string) string {
	f := NewMarkerFilter()
	var sb strings.Builder
	for _, frag := range fragments {
		sb.WriteString(f.Write(frag))
	}
	sb.WriteString(f.Flush())
	return sb.String()
}

func TestMarkerFilterSplitMarkers(t *testing.T) {
	got := filterAll("Sure! <tool", `_call>{"function"`, `:{}}</tool_`, "call> done")
	assert.Equal(t, "Sure!  done", got)
}

func TestMarkerFilterEveryByteSplit(t *testing.T) {
	text := `a<tool_call>{"function":{"name":"f"}}</tool_call>b<tool_call>{}</tool_call>c`
	frags := make([]string, 0, len(text))
	for i := range len(text) {
		frags = append(frags, text[i:i+1])
	}
	assert.Equal(t, "abc", filterAll(frags...))
	assert.Equal(t, "abc", filterAll(text))
}

func TestMarkerFilterHoldsPartialPrefix(t *testing.T) {
	f := NewMarkerFilter()
	assert.Equal(t, "a ", f.Write("a <"))
	assert.Equal(t, "<b", f.Write("b"))
	assert.Equal(t, "2 < 3", f.Write("2 < 3"))
}

func TestMarkerFilterFlush(t *testing.T) {
	f := NewMarkerFilter()
	assert.Equal(t, "x", f.Write("x<tool_c"))
	assert.Equal(t, "<tool_c", f.Flush())

	f = NewMarkerFilter()
	assert.Equal(t, "x", f.Write(`x<tool_call>{"par`))
	assert.True(t, f.inside)
	assert.Equal(t, "", f.Flush(), "unterminated invocation is never shown")
	assert.False(t, f.inside)
}
