// Package queue provides the bounded delivery queue between input producers
// and the single journal writer.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/model"
)

// ErrFull is returned by Enqueue under the drop-newest policy when the
// queue is at capacity.
var ErrFull = errors.New("queue: full")

// ErrClosed is returned by Enqueue after Close, and by Dequeue after Close
// once the queue has been drained.
var ErrClosed = errors.New("queue: closed")

// Queue is a bounded FIFO of Records, safe for concurrent enqueue from many
// producers and dequeue from a single consumer. Behavior on a full queue is
// governed by the configured outage policy. Records are stamped with their
// global sequence number and enqueue time as they enter.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf   []*model.Record // ring buffer
	head  int
	count int

	policy string
	closed bool
	seq    uint64
}

// New creates a queue with the given capacity and outage policy.
// Capacity must be positive and the policy one of the config constants;
// both are validated at configuration time.
func New(capacity int, policy string) *Queue {
	q := &Queue{
		buf:    make([]*model.Record, capacity),
		policy: policy,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a record to the tail of the queue. On a full queue the outage
// policy decides: block suspends until space, shutdown or ctx cancellation;
// drop-oldest evicts the head (returned to the caller for counting);
// drop-newest fails with ErrFull.
func (q *Queue) Enqueue(ctx context.Context, r *model.Record) (evicted *model.Record, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	if q.count == len(q.buf) {
		switch q.policy {
		case config.PolicyDropNewest:
			return nil, ErrFull

		case config.PolicyDropOldest:
			evicted = q.popLocked()

		default: // block
			stop := context.AfterFunc(ctx, func() {
				q.mu.Lock()
				q.notFull.Broadcast()
				q.mu.Unlock()
			})
			for q.count == len(q.buf) && !q.closed && ctx.Err() == nil {
				q.notFull.Wait()
			}
			stop()
			if q.closed {
				return nil, ErrClosed
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	q.seq++
	r.Seq = q.seq
	r.EnqueuedAt = time.Now()

	q.buf[(q.head+q.count)%len(q.buf)] = r
	q.count++
	q.notEmpty.Signal()
	return evicted, nil
}

// Dequeue removes the record at the head of the queue, blocking while the
// queue is empty. It returns ctx.Err() as soon as ctx is cancelled, and
// ErrClosed once the queue is closed and fully drained.
func (q *Queue) Dequeue(ctx context.Context) (*model.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.count > 0 {
			r := q.popLocked()
			q.notFull.Signal()
			return r, nil
		}
		if q.closed {
			return nil, ErrClosed
		}
		q.notEmpty.Wait()
	}
}

// popLocked removes and returns the head record. Caller holds q.mu.
func (q *Queue) popLocked() *model.Record {
	r := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return r
}

// Close stops intake: subsequent Enqueue calls fail with ErrClosed and
// blocked producers are woken. Queued records remain dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// Shed discards all queued records and returns how many were discarded.
// Used when the drain deadline elapses or an immediate stop is requested;
// the caller counts the result, so shed records are never silent.
func (q *Queue) Shed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for q.count > 0 {
		q.popLocked()
	}
	q.notFull.Broadcast()
	return n
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}
