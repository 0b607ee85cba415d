// Package streams provides bounded in-memory relay streams with true
// backpressure. A producer pumps items into a signaler while a consumer
// drains them; neither side ever buffers more than the queue capacity.
package streams

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// DefaultQueueCapacity bounds how many items a stream buffers between
// producer and consumer when no explicit capacity is given.
const DefaultQueueCapacity = 64

// DefaultChunkSize is the read size used when pumping from an io.Reader.
const DefaultChunkSize = 64 * 1024

var (
	// ErrStreamClosed is returned when sending to a completed stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrStreamCanceled is the terminal error of a canceled stream.
	ErrStreamCanceled = errors.New("stream canceled")
	// ErrAttachTimeout is returned when no producer attaches in time.
	ErrAttachTimeout = errors.New("timed out waiting for stream producer")
)

// Signaler is a bounded single-producer, single-consumer relay for items of
// type T. The producer blocks when the queue is full; completion fires
// exactly once and carries the terminal error (nil on clean EOF).
type Signaler[T any] struct {
	queue chan T

	attachOnce sync.Once
	attached   chan struct{}

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

// NewSignaler creates a signaler with the given queue capacity. A capacity
// of zero or less uses DefaultQueueCapacity.
func NewSignaler[T any](capacity int) *Signaler[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Signaler[T]{
		queue:    make(chan T, capacity),
		attached: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Attach marks that a producer has connected. Subsequent calls are no-ops.
func (s *Signaler[T]) Attach() {
	s.attachOnce.Do(func() { close(s.attached) })
}

// WaitForAttach blocks until a producer attaches, the context is canceled,
// the stream completes, or the timeout elapses.
func (s *Signaler[T]) WaitForAttach(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.attached:
		return nil
	case <-s.done:
		return s.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrAttachTimeout
	}
}

// Send enqueues one item, blocking while the queue is full. It fails once the
// stream completes or the context is canceled.
func (s *Signaler[T]) Send(ctx context.Context, item T) error {
	// Completion wins over a ready queue slot.
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.queue <- item:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues one item. After the producer completes, buffered items are
// still drained in order; once the queue is empty, ok is false and the
// terminal error is available via Err.
func (s *Signaler[T]) Receive(ctx context.Context) (T, bool, error) {
	var zero T
	select {
	case item := <-s.queue:
		return item, true, nil
	default:
	}
	select {
	case item := <-s.queue:
		return item, true, nil
	case <-s.done:
		// The producer is gone; drain whatever it left behind.
		select {
		case item := <-s.queue:
			return item, true, nil
		default:
			return zero, false, s.terminalErr()
		}
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Complete ends the stream with the given terminal error (nil for success).
// Only the first call has effect.
func (s *Signaler[T]) Complete(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Cancel completes the stream with ErrStreamCanceled, releasing any blocked
// producer and consumer.
func (s *Signaler[T]) Cancel() {
	s.Complete(ErrStreamCanceled)
}

// Done is closed when the stream reaches its terminal state.
func (s *Signaler[T]) Done() <-chan struct{} { return s.done }

// Err returns the terminal error once Done is closed. A nil error with a
// closed Done means clean completion.
func (s *Signaler[T]) Err() error {
	select {
	case <-s.done:
		return s.terminalErr()
	default:
		return nil
	}
}

func (s *Signaler[T]) terminalErr() error {
	if s.err != nil {
		return s.err
	}
	return nil
}

// Pump reads the reader in chunks and sends each into the signaler, blocking
// on a full queue. It completes the stream exactly once: with nil on EOF,
// with the context error on cancellation, or with the read/send error
// otherwise. The return value mirrors the terminal error.
func Pump(ctx context.Context, s *Signaler[[]byte], r io.Reader) (err error) {
	defer func() { s.Complete(err) }()

	s.Attach()
	buf := make([]byte, DefaultChunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := s.Send(ctx, chunk); sendErr != nil {
				return sendErr
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// Drain writes every chunk from the signaler to w until the stream completes,
// returning the bytes written and the stream's terminal error.
func Drain(ctx context.Context, s *Signaler[[]byte], w io.Writer) (int64, error) {
	var written int64
	for {
		chunk, ok, err := s.Receive(ctx)
		if !ok {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			s.Cancel()
			return written, err
		}
	}
}
