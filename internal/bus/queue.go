// Package bus delivers fill events from venues to the order pipeline.
package bus

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"oms/internal/schema"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// FillQueue is a bounded queue of fill events split into shards by order id.
// Events of one order always land on the same shard and are handled in
// publish order; different orders are handled in parallel.
type FillQueue struct {
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	closing sync.Once
	shards  []chan schema.FillEvent
}

// NewFillQueue allocates shards queues of the given capacity each.
func NewFillQueue(shards, capacity int) *FillQueue {
	if shards <= 0 {
		shards = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	q := &FillQueue{done: make(chan struct{}), shards: make([]chan schema.FillEvent, shards)}
	for i := range q.shards {
		q.shards[i] = make(chan schema.FillEvent, capacity)
	}
	return q
}

func (q *FillQueue) shard(orderID string) chan schema.FillEvent {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

// TryPublish enqueues an event without blocking.
func (q *FillQueue) TryPublish(e schema.FillEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.shard(e.OrderID) <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Publish enqueues an event, waiting for room until ctx is done or the queue
// is closed.
func (q *FillQueue) Publish(ctx context.Context, e schema.FillEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.shard(e.OrderID) <- e:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue from accepting new events. Publishers waiting for room
// give up with ErrQueueClosed. Queued events are still delivered to Run.
func (q *FillQueue) Close() {
	q.closing.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
}

// Len returns the number of queued events.
func (q *FillQueue) Len() int {
	n := 0
	for _, ch := range q.shards {
		n += len(ch)
	}
	return n
}

// Run consumes every shard until the context is done or the queue is closed
// and drained. It returns when all shard workers have stopped.
func (q *FillQueue) Run(ctx context.Context, handler func(schema.FillEvent)) {
	var wg sync.WaitGroup
	for _, ch := range q.shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-ch:
					if !ok {
						return
					}
					handler(e)
				}
			}
		}()
	}
	wg.Wait()
}
