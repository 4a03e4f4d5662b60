package fallback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonrepair"

	"unillm/internal/domain"
)

// span is one complete marker pair, [start, end) in the scanned text.
type span struct {
	start, end int
	body       string
}

// scanMarkers finds every complete OpenMarker...CloseMarker pair, left to
// right. Each open marker pairs with the first close marker after it; the
// scan resumes after that close marker. An open marker with no close marker
// after it ends the scan.
func scanMarkers(text string) []span {
	var spans []span
	offset := 0
	for {
		open := strings.Index(text[offset:], OpenMarker)
		if open < 0 {
			return spans
		}
		open += offset
		bodyStart := open + len(OpenMarker)

		closeAt := strings.Index(text[bodyStart:], CloseMarker)
		if closeAt < 0 {
			return spans
		}
		closeAt += bodyStart
		end := closeAt + len(CloseMarker)

		spans = append(spans, span{start: open, end: end, body: text[bodyStart:closeAt]})
		offset = end
	}
}

// removeSpans returns text with every span cut out.
func removeSpans(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	var sb strings.Builder
	sb.Grow(len(text))
	prev := 0
	for _, s := range spans {
		sb.WriteString(text[prev:s.start])
		prev = s.end
	}
	sb.WriteString(text[prev:])
	return sb.String()
}

// invocation is the object wrapped by a marker pair.
type invocation struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// parseInvocation turns one marker body into a ToolCall with no id. Bodies
// that are not valid JSON get one repair attempt, but only when they are
// structurally complete: a truncated body is rejected, never closed off.
func parseInvocation(body string) (domain.ToolCall, error) {
	body = strings.TrimSpace(body)

	var inv invocation
	if err := json.Unmarshal([]byte(body), &inv); err != nil {
		if !balanced(body) {
			return domain.ToolCall{}, fmt.Errorf("%w: truncated invocation: %v", domain.ErrToolArguments, err)
		}
		repaired, rerr := jsonrepair.JSONRepair(body)
		if rerr != nil {
			return domain.ToolCall{}, fmt.Errorf("%w: %v", domain.ErrToolArguments, err)
		}
		if err := json.Unmarshal([]byte(repaired), &inv); err != nil {
			return domain.ToolCall{}, fmt.Errorf("%w: %v", domain.ErrToolArguments, err)
		}
	}
	if inv.Function.Name == "" {
		return domain.ToolCall{}, fmt.Errorf("%w: missing function name", domain.ErrToolArguments)
	}

	args, err := normalizeArguments(inv.Function.Arguments)
	if err != nil {
		return domain.ToolCall{}, err
	}
	return domain.ToolCall{Name: inv.Function.Name, Arguments: args}, nil
}

// balanced reports whether every brace and bracket outside string literals
// is closed in order and no string literal is left open.
func balanced(body string) bool {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			open := byte('{')
			if c == ']' {
				open = '['
			}
			if len(stack) == 0 || stack[len(stack)-1] != open {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return !inString && len(stack) == 0
}

// normalizeArguments returns a compact JSON object. Absent or null arguments
// become {}; a JSON string holding an object is unwrapped.
func normalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			raw = bytes.TrimSpace([]byte(s))
		}
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: arguments are not an object", domain.ErrToolArguments)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrToolArguments, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// extract finds every well-formed invocation in text and returns the calls
// together with all complete marker spans. Spans whose body cannot be parsed
// are logged and skipped.
func extract(text string, logger *slog.Logger) ([]domain.ToolCall, []span) {
	spans := scanMarkers(text)
	var calls []domain.ToolCall
	for i, s := range spans {
		call, err := parseInvocation(s.body)
		if err != nil {
			logger.Warn("skipping unparseable tool invocation",
				"index", i,
				"error", domain.WrapOp("fallback.extract", err),
			)
			continue
		}
		calls = append(calls, call)
	}
	return calls, spans
}

// trimDanglingOpen removes an OpenMarker that is followed only by
// whitespace at the end of text.
func trimDanglingOpen(text string) string {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if strings.HasSuffix(trimmed, OpenMarker) {
		return strings.TrimSuffix(trimmed, OpenMarker)
	}
	return text
}
