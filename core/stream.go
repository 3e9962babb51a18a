package core

import (
	"context"
	"io"
	"sync"

	"pkt.systems/takopi/schema"
)

// ChannelStream is a bounded EventStream fed by a producer goroutine.
// The producer calls Send for each event and End exactly once when the
// run is over; the consumer calls Next until io.EOF and Close to abandon
// the stream early. Send blocks when the buffer is full, giving the
// producer backpressure against a slow consumer.
type ChannelStream struct {
	events chan schema.Event

	closeOnce sync.Once
	closed    chan struct{}

	endOnce sync.Once
	mu      sync.Mutex
	err     error
}

// NewChannelStream returns a stream with the given buffer depth.
func NewChannelStream(depth int) *ChannelStream {
	if depth <= 0 {
		depth = 64
	}
	return &ChannelStream{
		events: make(chan schema.Event, depth),
		closed: make(chan struct{}),
	}
}

// Send delivers one event to the consumer. It returns an error when the
// context is cancelled or the consumer closed the stream.
func (s *ChannelStream) Send(ctx context.Context, evt schema.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return io.ErrClosedPipe
	case s.events <- evt:
		return nil
	}
}

// End terminates the stream. A non-nil err is returned from Next after
// the buffered events drain; nil means a clean io.EOF. End is idempotent.
func (s *ChannelStream) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}

// Next returns the next event, or io.EOF when the producer ended the
// stream cleanly.
func (s *ChannelStream) Next(ctx context.Context) (schema.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case evt, ok := <-s.events:
		if ok {
			return evt, nil
		}
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

// Close abandons the stream; pending Sends fail and the producer should
// wind down. Idempotent.
func (s *ChannelStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether the consumer abandoned the stream.
func (s *ChannelStream) Closed() <-chan struct{} { return s.closed }
