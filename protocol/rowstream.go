package protocol

import (
	"errors"
	"io"
	"sync"
)

// errStreamAbandoned is returned to the producer when the consumer closed
// the stream before the drain finished.
var errStreamAbandoned = errors.New("row stream abandoned by consumer")

// rowStreamCapacity bounds the number of in-flight chunks between the drain
// worker and the consuming parser. A full buffer blocks the worker, an
// empty one blocks the parser; neither side ever materializes the whole
// result set.
const rowStreamCapacity = 64

// RowStream is the hand-off buffer between the background worker draining
// row payloads from the transport and the caller's parser. It is a lazy,
// forward-only, single-pass byte stream with exactly one producer and one
// consumer. The producer closes it exactly once, with or without an error;
// the consumer then observes either clean end-of-stream or that error.
type RowStream struct {
	ch    chan []byte
	abort chan struct{}

	endOnce   sync.Once
	abortOnce sync.Once

	err     error // producer's terminal error, readable after ch is closed
	current []byte
}

func newRowStream() *RowStream {
	return &RowStream{
		ch:    make(chan []byte, rowStreamCapacity),
		abort: make(chan struct{}),
	}
}

// write hands one chunk to the consumer, blocking while the buffer is full.
func (s *RowStream) write(chunk []byte) error {
	select {
	case s.ch <- chunk:
		return nil
	case <-s.abort:
		return errStreamAbandoned
	}
}

// end closes the producer side. A nil error means the drain completed
// normally and the consumer will observe io.EOF once the buffered chunks
// are read; a non-nil error surfaces as a read error after any data already
// delivered. Subsequent calls are no-ops.
func (s *RowStream) end(err error) {
	s.endOnce.Do(func() {
		s.err = err
		close(s.ch)
	})
}

// Read implements io.Reader for the consuming parser. Bytes arrive in the
// exact order the producer wrote them.
func (s *RowStream) Read(p []byte) (int, error) {
	for len(s.current) == 0 {
		chunk, ok := <-s.ch
		if !ok {
			if s.err != nil {
				return 0, s.err
			}
			return 0, io.EOF
		}
		s.current = chunk
	}

	n := copy(p, s.current)
	s.current = s.current[n:]
	return n, nil
}

// Close abandons the stream from the consumer side, unblocking a producer
// stuck on a full buffer. Reading after Close drains whatever was already
// buffered and then ends.
func (s *RowStream) Close() error {
	s.abortOnce.Do(func() { close(s.abort) })
	return nil
}
