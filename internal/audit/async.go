package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"oms/internal/schema"

	"github.com/yanun0323/logs"
)

const saveTimeout = 5 * time.Second

// Saver persists one order.
type Saver interface {
	Save(ctx context.Context, o schema.Order) error
}

// Async writes orders in the background through a bounded queue. Record never
// blocks the order flow: when the queue is full the record is dropped and
// counted.
type Async struct {
	saver  Saver
	queue  chan schema.Order
	onDrop func()

	closeOnce sync.Once
	done      chan struct{}
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewAsync creates an asynchronous writer. onDrop may be nil.
func NewAsync(saver Saver, capacity int, onDrop func()) *Async {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Async{
		saver:  saver,
		queue:  make(chan schema.Order, capacity),
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
}

// Record enqueues o.
func (a *Async) Record(_ context.Context, o schema.Order) {
	select {
	case a.queue <- o.Clone():
	default:
		a.dropped.Add(1)
		logs.Warnf("audit queue full, dropping order %s status %s", o.ID, o.Status)
		if a.onDrop != nil {
			a.onDrop()
		}
	}
}

// Run writes queued orders until ctx is done or Close is called, then
// drains what is left.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case o := <-a.queue:
			a.save(o)
		case <-ctx.Done():
			a.drain()
			return
		case <-a.done:
			a.drain()
			return
		}
	}
}

func (a *Async) drain() {
	for {
		select {
		case o := <-a.queue:
			a.save(o)
		default:
			return
		}
	}
}

func (a *Async) save(o schema.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := a.saver.Save(ctx, o); err != nil {
		a.failed.Add(1)
		logs.Errorf("audit save order %s, err: %+v", o.ID, err)
	}
}

// Close stops Run after it drains the queue.
func (a *Async) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

// Dropped returns how many records were dropped because the queue was full.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Failed returns how many records the saver failed to write.
func (a *Async) Failed() uint64 { return a.failed.Load() }
