package inference

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/omjvalidator/grader-api/internal/logger"
)

// joinWait bounds how long we wait for the worker goroutine after the
// consumer is done with it.
const joinWait = 5 * time.Second

// bridge moves chunks produced by a blocking pull source onto a channel
// a cooperative consumer can select on. Exactly one worker goroutine per
// bridge; the worker publishes three signals: started (the source was
// opened), chunks, and done (with any recorded error). The consumer side
// re-checks its context deadline on every receive and always stops the
// worker with a bounded join when it leaves.
type bridge[T any] struct {
	chunks  chan T
	started chan struct{}
	done    chan struct{}
	cancel  chan struct{}
	err     error // written by the worker before done is closed
}

func newBridge[T any]() *bridge[T] {
	return &bridge[T]{
		chunks:  make(chan T, 64),
		started: make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  make(chan struct{}),
	}
}

// run drives the source on the calling goroutine. open blocks until the
// upstream stream exists; next blocks per chunk and returns io.EOF when
// exhausted. Call on a fresh goroutine.
func (b *bridge[T]) run(open func() (func() (T, error), error)) {
	defer close(b.done)

	next, err := open()
	close(b.started)
	if err != nil {
		b.err = err
		return
	}

	for {
		chunk, err := next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.err = err
			}
			return
		}

		select {
		case b.chunks <- chunk:
		case <-b.cancel:
			return
		}
	}
}

// awaitStart blocks until the worker has opened the source. A context
// error here means the upstream never connected, as opposed to a
// connected stream that went quiet.
func (b *bridge[T]) awaitStart(ctx context.Context) error {
	select {
	case <-b.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receive returns the next chunk. ok=false with a nil error means the
// stream finished cleanly; a context error means the deadline passed or
// the caller was cancelled.
func (b *bridge[T]) receive(ctx context.Context) (T, bool, error) {
	var zero T

	select {
	case chunk := <-b.chunks:
		return chunk, true, nil
	case <-b.done:
		// drain chunks buffered before the worker finished
		select {
		case chunk := <-b.chunks:
			return chunk, true, nil
		default:
			return zero, false, b.err
		}
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// stop releases the worker and waits for it with a bounded join.
func (b *bridge[T]) stop(ctx context.Context) {
	close(b.cancel)

	select {
	case <-b.done:
	case <-time.After(joinWait):
		logger.Logger.WarnContext(ctx, "stream worker did not finish within join wait")
	}
}
