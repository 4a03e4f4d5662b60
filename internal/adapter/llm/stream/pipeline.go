package stream

import (
	"errors"
	"log/slog"

	"unillm/internal/domain"
)

// Pipeline chains framer, decoder, accumulator and emitter for one stream.
type Pipeline struct {
	backend domain.Backend
	framer  *Framer
	decoder Decoder
	acc     *Accumulator
	emitter *Emitter
	logger  *slog.Logger

	failed    bool
	malformed int
}

// Option configures a Pipeline.
type Option func(*DecoderOptions)

// WithAwaitUsage defers the finish_reason terminal of chat-completion
// streams until the trailing usage record.
func WithAwaitUsage(await bool) Option {
	return func(o *DecoderOptions) { o.AwaitUsage = await }
}

// NewPipeline creates the per-stream state for a backend.
func NewPipeline(backend domain.Backend, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	var o DecoderOptions
	for _, opt := range opts {
		opt(&o)
	}
	dec, err := NewDecoder(backend, o)
	if err != nil {
		return nil, err
	}
	logger = logger.With("backend", string(backend))
	acc := NewAccumulator(logger)
	return &Pipeline{
		backend: backend,
		framer:  NewFramer(GrammarFor(backend)),
		decoder: dec,
		acc:     acc,
		emitter: NewEmitter(acc, logger),
		logger:  logger,
	}, nil
}

// Feed consumes the next transport chunk and returns every event derivable
// from it. A single chunk may produce many events or none.
func (p *Pipeline) Feed(chunk []byte) []domain.StreamEvent {
	if p.Closed() {
		return nil
	}
	var events []domain.StreamEvent
	for _, rec := range p.framer.Feed(chunk) {
		events = p.handle(rec, events, false)
		if p.Closed() {
			break
		}
	}
	return events
}

// Finalize flushes the framer buffer when the transport ends and guarantees
// the terminal event. Pending tool calls are drained into it.
func (p *Pipeline) Finalize() []domain.StreamEvent {
	if p.Closed() {
		return nil
	}
	var events []domain.StreamEvent
	for _, rec := range p.framer.Finalize() {
		events = p.handle(rec, events, true)
		if p.Closed() {
			return events
		}
	}
	if ev, ok := p.emitter.Terminate(); ok {
		events = append(events, ev)
	}
	return events
}

// Fail ends the stream with a transport error. Pending tool calls are
// discarded, not guessed at.
func (p *Pipeline) Fail(err error) domain.StreamEvent {
	p.failed = true
	p.acc.Reset()
	return domain.StreamEvent{Err: err}
}

// Closed reports whether the terminal or error event has been produced.
func (p *Pipeline) Closed() bool { return p.failed || p.emitter.Done() }

// Malformed returns how many records were skipped as undecodable.
func (p *Pipeline) Malformed() int { return p.malformed }

func (p *Pipeline) handle(rec Record, events []domain.StreamEvent, final bool) []domain.StreamEvent {
	var deltas []Delta
	if rec.Done {
		deltas = []Delta{terminalDelta()}
	} else {
		var err error
		deltas, err = p.decoder.Decode(rec)
		if err != nil {
			if errors.Is(err, domain.ErrUpstreamEvent) {
				p.logger.Error("backend reported stream error", "code", domain.ErrorCodeOf(err), "error", err)
				return append(events, p.Fail(err))
			}
			p.malformed++
			if final {
				p.logger.Debug("trailing record not decodable", "code", domain.ErrorCodeOf(err), "error", err)
			} else {
				p.logger.Warn("skipping malformed record", "code", domain.ErrorCodeOf(err), "error", err)
			}
			return events
		}
	}

	for _, d := range deltas {
		if ev, ok := p.emitter.Emit(d); ok {
			events = append(events, ev)
		}
		if p.emitter.Done() {
			break
		}
	}
	return events
}
