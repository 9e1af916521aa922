package ble

import (
	"context"
	"sync"
)

// operation is a unit of GATT work executed by the write worker against the
// current session.
type operation func(ctx context.Context, s *session) error

// writeRequest is one queued operation and the channel its caller waits on.
type writeRequest struct {
	ctx  context.Context
	op   operation
	done chan error

	once sync.Once
}

func newWriteRequest(ctx context.Context, op operation) *writeRequest {
	return &writeRequest{ctx: ctx, op: op, done: make(chan error, 1)}
}

// finish delivers the result. Only the first call has any effect.
func (r *writeRequest) finish(err error) {
	r.once.Do(func() { r.done <- err })
}

// writeQueue is a bounded FIFO of pending operations. A single worker pops
// from it, so at most one operation is ever in flight.
type writeQueue struct {
	mu     sync.Mutex
	items  []*writeRequest
	limit  int
	signal chan struct{}
}

func newWriteQueue(limit int) *writeQueue {
	return &writeQueue{limit: limit, signal: make(chan struct{}, 1)}
}

func (q *writeQueue) push(r *writeRequest) error {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until a request is available or ctx is done.
func (q *writeQueue) pop(ctx context.Context) (*writeRequest, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// abortAll fails every queued request with err.
func (q *writeQueue) abortAll(err error) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, r := range items {
		r.finish(err)
	}
	return len(items)
}

func (q *writeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
