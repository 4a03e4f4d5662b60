// Package stream turns raw backend response bytes into unified stream events.
//
// The pipeline is a synchronous state machine: Feed accepts the next chunk of
// transport bytes and returns every event derivable from it, Finalize flushes
// what is left when the transport ends. A Pipeline is owned by a single
// in-flight request and is not safe for concurrent use.
package stream

import (
	"bytes"
)

// Grammar is the record delimiter grammar of a wire format.
type Grammar int

const (
	// GrammarNDJSON splits records on "\n".
	GrammarNDJSON Grammar = iota
	// GrammarSSE splits records on a blank line and keeps only data: payloads.
	GrammarSSE
)

func (g Grammar) String() string {
	if g == GrammarSSE {
		return "sse"
	}
	return "ndjson"
}

var (
	sseDone    = []byte("[DONE]")
	dataPrefix = []byte("data:")
	newline    = []byte("\n")
	blankLine  = []byte("\n\n")
)

// Record is one wire record recovered from the byte stream.
// Done marks the SSE [DONE] sentinel; Data is empty in that case.
type Record struct {
	Data []byte
	Done bool
}

// Framer buffers raw chunks and cuts them into records.
type Framer struct {
	grammar Grammar
	buf     []byte
	scanned int // prefix of buf already searched without finding a boundary
}

// NewFramer creates a framer for the given grammar.
func NewFramer(g Grammar) *Framer {
	return &Framer{grammar: g}
}

// Feed appends chunk to the buffer and returns every record completed by it.
// Bytes after the last boundary stay buffered for the next call.
func (f *Framer) Feed(chunk []byte) []Record {
	if f.grammar == GrammarSSE {
		chunk = stripCR(chunk)
	}
	f.buf = append(f.buf, chunk...)

	sep := f.separator()
	var out []Record
	consumed := 0
	for {
		// A separator may straddle the previous scan position.
		from := consumed + max(0, f.scanned-(len(sep)-1))
		i := bytes.Index(f.buf[from:], sep)
		if i < 0 {
			f.scanned = len(f.buf) - consumed
			break
		}
		end := from + i
		out = f.appendRecord(out, f.buf[consumed:end])
		consumed = end + len(sep)
		f.scanned = 0
	}

	if consumed > 0 {
		n := copy(f.buf, f.buf[consumed:])
		f.buf = f.buf[:n]
	}
	return out
}

// Finalize returns a best-effort record for whatever is left in the buffer
// and resets the framer. Some backends close the connection without a
// trailing delimiter after their last record.
func (f *Framer) Finalize() []Record {
	rest := f.buf
	f.buf = nil
	f.scanned = 0
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	return f.appendRecord(nil, rest)
}

func (f *Framer) separator() []byte {
	if f.grammar == GrammarSSE {
		return blankLine
	}
	return newline
}

func (f *Framer) appendRecord(out []Record, raw []byte) []Record {
	if f.grammar == GrammarSSE {
		if rec, ok := parseEventBlock(raw); ok {
			out = append(out, rec)
		}
		return out
	}
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return out
	}
	return append(out, Record{Data: bytes.Clone(line)})
}

// parseEventBlock extracts the data payload of one SSE event block.
// Comment lines and non-data fields (event:, id:, retry:) carry no payload.
// Multiple data lines are joined with "\n".
func parseEventBlock(block []byte) (Record, bool) {
	var payload [][]byte
	for _, line := range bytes.Split(block, newline) {
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		data, ok := bytes.CutPrefix(line, dataPrefix)
		if !ok {
			continue
		}
		payload = append(payload, bytes.TrimPrefix(data, []byte(" ")))
	}
	if len(payload) == 0 {
		return Record{}, false
	}

	joined := bytes.Join(payload, newline)
	if bytes.Equal(bytes.TrimSpace(joined), sseDone) {
		return Record{Done: true}, true
	}
	if len(bytes.TrimSpace(joined)) == 0 {
		return Record{}, false
	}
	return Record{Data: joined}, true
}

func stripCR(chunk []byte) []byte {
	if bytes.IndexByte(chunk, '\r') < 0 {
		return chunk
	}
	out := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		if b != '\r' {
			out = append(out, b)
		}
	}
	return out
}
