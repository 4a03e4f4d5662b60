package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"unillm/internal/domain"
)

const readBufferSize = 32 * 1024

// Pump reads body chunk by chunk through p and delivers the events on the
// returned channel. The channel is closed after the terminal event, after a
// transport error event, or when ctx is cancelled. Cancelling ctx closes body.
func Pump(ctx context.Context, body io.ReadCloser, p *Pipeline) <-chan domain.StreamEvent {
	ch := make(chan domain.StreamEvent, 16)
	stop := context.AfterFunc(ctx, func() { body.Close() })

	go func() {
		defer close(ch)
		defer stop()
		defer body.Close()

		send := func(events []domain.StreamEvent) bool {
			for _, ev := range events {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		buf := make([]byte, readBufferSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				if !send(p.Feed(buf[:n])) || p.Closed() {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				send(p.Finalize())
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failure := domain.WrapOp("stream.Pump", fmt.Errorf("%w: %w", domain.ErrTransport, err))
				send([]domain.StreamEvent{p.Fail(failure)})
				return
			}
		}
	}()
	return ch
}

// ReadAll drives p synchronously over r until the terminal event. It is the
// blocking counterpart of Pump for callers that already hold the whole body.
func ReadAll(r io.Reader, p *Pipeline) []domain.StreamEvent {
	var events []domain.StreamEvent
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			events = append(events, p.Feed(buf[:n])...)
			if p.Closed() {
				return events
			}
		}
		if errors.Is(err, io.EOF) {
			return append(events, p.Finalize()...)
		}
		if err != nil {
			return append(events, p.Fail(fmt.Errorf("%w: %w", domain.ErrTransport, err)))
		}
	}
}
