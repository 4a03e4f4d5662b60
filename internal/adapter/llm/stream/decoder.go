package stream

import (
	"fmt"

	"unillm/internal/domain"
)

// DeltaKind tags the variant held by a Delta.
type DeltaKind uint8

const (
	DeltaText DeltaKind = iota + 1
	DeltaTool
	DeltaUsage
	DeltaTerminal
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaText:
		return "text"
	case DeltaTool:
		return "tool"
	case DeltaUsage:
		return "usage"
	case DeltaTerminal:
		return "terminal"
	}
	return "unknown"
}

// ToolFragment is one incremental piece of a tool call. Empty ID or Name
// means the fragment did not carry it.
type ToolFragment struct {
	Position  int
	ID        string
	Name      string
	Arguments string
}

// Delta is a decoded, backend-agnostic fragment of one wire record.
type Delta struct {
	Kind  DeltaKind
	Text  string
	Tool  ToolFragment
	Usage domain.Usage
}

func textDelta(s string) Delta        { return Delta{Kind: DeltaText, Text: s} }
func toolDelta(f ToolFragment) Delta  { return Delta{Kind: DeltaTool, Tool: f} }
func usageDelta(u domain.Usage) Delta { return Delta{Kind: DeltaUsage, Usage: u} }
func terminalDelta() Delta            { return Delta{Kind: DeltaTerminal} }

func usageOf(prompt, completion int) Delta {
	return usageDelta(domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	})
}

// Decoder parses one record of a backend's wire grammar.
//
// A record that does not have the expected shape yields no deltas and an
// error wrapping domain.ErrMalformedRecord. An in-band error reported by the
// backend yields an error wrapping domain.ErrUpstreamEvent.
type Decoder interface {
	Decode(rec Record) ([]Delta, error)
}

// DecoderOptions tunes decoder behavior per request.
type DecoderOptions struct {
	// AwaitUsage holds back the finish_reason terminal of chat-completion
	// streams until the usage record requested via stream_options arrives
	// (or [DONE], whichever is first).
	AwaitUsage bool
}

// NewDecoder returns the decoder for a backend. Each call returns fresh
// per-stream state.
func NewDecoder(b domain.Backend, opts DecoderOptions) (Decoder, error) {
	switch b {
	case domain.BackendOllama:
		return &ollamaDecoder{}, nil
	case domain.BackendAnthropic:
		return newAnthropicDecoder(), nil
	case domain.BackendOpenAI, domain.BackendOpenRouter:
		return &chatDecoder{backend: b, awaitUsage: opts.AwaitUsage}, nil
	}
	return nil, domain.NewDomainError("stream.NewDecoder", domain.ErrUnsupportedBackend, string(b))
}

// GrammarFor returns the delimiter grammar a backend streams with.
func GrammarFor(b domain.Backend) Grammar {
	if b == domain.BackendOllama {
		return GrammarNDJSON
	}
	return GrammarSSE
}

func malformed(op string, err error, rec Record) error {
	return domain.NewDomainError(op, domain.ErrMalformedRecord, fmt.Sprintf("%v (record %q)", err, truncate(rec.Data, 120)))
}

func upstream(op, detail string) error {
	return domain.NewDomainError(op, domain.ErrUpstreamEvent, detail)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
