package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/model"
)

func record(msg string) *model.Record {
	r := model.NewRecord(1)
	if err := r.Append(model.FieldMessage, []byte(msg)); err != nil {
		panic(err)
	}
	return r
}

func message(t *testing.T, r *model.Record) string {
	t.Helper()
	v, ok := r.Get(model.FieldMessage)
	require.True(t, ok)
	return string(v)
}

func TestQueue_FIFO(t *testing.T) {
	q := New(8, config.PolicyBlock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, record(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		r, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%d", i), message(t, r))
		assert.Equal(t, uint64(i+1), r.Seq)
		assert.False(t, r.EnqueuedAt.IsZero())
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DropNewest(t *testing.T) {
	q := New(2, config.PolicyDropNewest)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, record("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, record("b"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, record("c"))
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, q.Len())

	r, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", message(t, r))
}

func TestQueue_DropOldest(t *testing.T) {
	q := New(2, config.PolicyDropOldest)
	ctx := context.Background()

	for _, m := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, record(m))
		require.NoError(t, err)
	}

	evicted, err := q.Enqueue(ctx, record("c"))
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, "a", message(t, evicted))

	// Oldest record is absent from the delivered set.
	var delivered []string
	for q.Len() > 0 {
		r, err := q.Dequeue(ctx)
		require.NoError(t, err)
		delivered = append(delivered, message(t, r))
	}
	assert.Equal(t, []string{"b", "c"}, delivered)
}

func TestQueue_BlockPolicySuspends(t *testing.T) {
	q := New(1, config.PolicyBlock)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, record("first"))
	require.NoError(t, err)

	enqueued := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, record("second"))
		enqueued <- err
	}()

	// The producer must suspend, not fail.
	select {
	case err := <-enqueued:
		t.Fatalf("enqueue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Unblocking the consumer resumes delivery in order.
	r, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", message(t, r))

	require.NoError(t, <-enqueued)
	r, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", message(t, r))
}

func TestQueue_BlockedEnqueueWakesOnClose(t *testing.T) {
	q := New(1, config.PolicyBlock)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, record("first"))
	require.NoError(t, err)

	enqueued := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, record("second"))
		enqueued <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-enqueued:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked producer not woken by Close")
	}
}

func TestQueue_BlockedEnqueueWakesOnContextCancel(t *testing.T) {
	q := New(1, config.PolicyBlock)

	_, err := q.Enqueue(context.Background(), record("first"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	enqueued := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, record("second"))
		enqueued <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-enqueued:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("blocked producer not woken by cancellation")
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(4, config.PolicyBlock)
	ctx := context.Background()

	got := make(chan *model.Record, 1)
	go func() {
		r, err := q.Dequeue(ctx)
		if err == nil {
			got <- r
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(ctx, record("wake"))
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, "wake", message(t, r))
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by enqueue")
	}
}

func TestQueue_DequeueWakesOnContextCancel(t *testing.T) {
	q := New(4, config.PolicyBlock)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("blocked consumer not woken by cancellation")
	}
}

func TestQueue_CloseDrainsBeforeErrClosed(t *testing.T) {
	q := New(4, config.PolicyBlock)
	ctx := context.Background()

	for _, m := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, record(m))
		require.NoError(t, err)
	}
	q.Close()

	_, err := q.Enqueue(ctx, record("late"))
	assert.ErrorIs(t, err, ErrClosed)

	// Queued records remain dequeueable after Close.
	for _, want := range []string{"a", "b"} {
		r, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, message(t, r))
	}

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_Shed(t *testing.T) {
	q := New(4, config.PolicyBlock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, record("m"))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, q.Shed())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Shed())
}

func TestQueue_ConcurrentProducersGlobalOrder(t *testing.T) {
	q := New(64, config.PolicyBlock)
	ctx := context.Background()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_, err := q.Enqueue(ctx, record(fmt.Sprintf("p%d-%d", p, i)))
				assert.NoError(t, err)
			}
		}(p)
	}

	delivered := make(chan *model.Record, producers*perProducer)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			r, err := q.Dequeue(ctx)
			if err != nil {
				return
			}
			delivered <- r
		}
	}()

	wg.Wait()
	q.Close()
	<-consumerDone
	close(delivered)

	// Dequeue order matches global sequence numbers exactly.
	var lastSeq uint64
	n := 0
	for r := range delivered {
		assert.Equal(t, lastSeq+1, r.Seq)
		lastSeq = r.Seq
		n++
	}
	assert.Equal(t, producers*perProducer, n)
}
