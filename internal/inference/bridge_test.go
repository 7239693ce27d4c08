package inference

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sliceSource(chunks []string) func() (func() (string, error), error) {
	return func() (func() (string, error), error) {
		i := 0
		return func() (string, error) {
			if i >= len(chunks) {
				return "", io.EOF
			}
			chunk := chunks[i]
			i++
			return chunk, nil
		}, nil
	}
}

func TestBridgeDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	b := newBridge[string]()
	go b.run(sliceSource([]string{"a", "b", "c"}))
	defer b.stop(ctx)

	var got []string
	for {
		chunk, ok, err := b.receive(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, chunk)
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBridgeSurfacesOpenError(t *testing.T) {
	ctx := context.Background()
	expected := errors.New("connect refused")

	b := newBridge[string]()
	go b.run(func() (func() (string, error), error) {
		return nil, expected
	})
	defer b.stop(ctx)

	_, ok, err := b.receive(ctx)

	assert.False(t, ok)
	assert.ErrorIs(t, err, expected)
}

func TestBridgeSurfacesMidStreamError(t *testing.T) {
	ctx := context.Background()
	expected := errors.New("connection reset")

	b := newBridge[string]()
	go b.run(func() (func() (string, error), error) {
		i := 0
		return func() (string, error) {
			if i == 0 {
				i++
				return "partial", nil
			}
			return "", expected
		}, nil
	})
	defer b.stop(ctx)

	chunk, ok, err := b.receive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "partial", chunk)

	_, ok, err = b.receive(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, expected)
}

func TestBridgeAwaitStart(t *testing.T) {
	ctx := context.Background()

	b := newBridge[string]()
	go b.run(sliceSource([]string{"a"}))
	defer b.stop(ctx)

	require.NoError(t, b.awaitStart(ctx))

	chunk, ok, err := b.receive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", chunk)
}

func TestBridgeAwaitStartDeadlineWhenUpstreamNeverConnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	b := newBridge[string]()
	go b.run(func() (func() (string, error), error) {
		<-release // open blocks, the stream never comes up
		return nil, io.EOF
	})

	assert.ErrorIs(t, b.awaitStart(ctx), context.DeadlineExceeded)
}

func TestBridgeDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	b := newBridge[string]()
	go b.run(func() (func() (string, error), error) {
		return func() (string, error) {
			<-release // upstream never produces
			return "", io.EOF
		}, nil
	})

	_, ok, err := b.receive(ctx)

	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridgeStopReleasesBlockedWorker(t *testing.T) {
	ctx := context.Background()

	b := newBridge[int]()
	go b.run(func() (func() (int, error), error) {
		n := 0
		return func() (int, error) {
			n++
			return n, nil // endless producer, fills the buffer then blocks sending
		}, nil
	})

	chunk, ok, err := b.receive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, chunk)

	doneStop := make(chan struct{})
	go func() {
		b.stop(ctx)
		close(doneStop)
	}()

	select {
	case <-doneStop:
	case <-time.After(time.Second):
		t.Fatal("stop did not release the blocked worker")
	}
}

func TestBridgeDrainsBufferedChunksAfterDone(t *testing.T) {
	ctx := context.Background()

	b := newBridge[string]()
	go b.run(sliceSource([]string{"x", "y"}))

	// let the worker finish before the first receive
	select {
	case <-b.done:
	case <-time.After(time.Second):
		t.Fatal("worker never finished")
	}

	var got []string
	for {
		chunk, ok, err := b.receive(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, chunk)
	}

	assert.Equal(t, []string{"x", "y"}, got)
}
