package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"oms/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryPublishFullAndClosed(t *testing.T) {
	q := NewFillQueue(1, 1)
	require.NoError(t, q.TryPublish(schema.FillEvent{OrderID: "o1"}))
	assert.ErrorIs(t, q.TryPublish(schema.FillEvent{OrderID: "o1"}), ErrQueueFull)
	assert.Equal(t, 1, q.Len())

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.TryPublish(schema.FillEvent{OrderID: "o1"}), ErrQueueClosed)
	assert.ErrorIs(t, q.Publish(t.Context(), schema.FillEvent{OrderID: "o1"}), ErrQueueClosed)
}

func TestPublishWaitsForContext(t *testing.T) {
	q := NewFillQueue(1, 1)
	require.NoError(t, q.TryPublish(schema.FillEvent{OrderID: "o1"}))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, schema.FillEvent{OrderID: "o1"}), context.DeadlineExceeded)
}

func TestCloseReleasesBlockedPublisher(t *testing.T) {
	q := NewFillQueue(1, 1)
	require.NoError(t, q.TryPublish(schema.FillEvent{OrderID: "o1"}))

	published := make(chan error, 1)
	go func() { published <- q.Publish(t.Context(), schema.FillEvent{OrderID: "o1"}) }()
	time.Sleep(10 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()

	select {
	case err := <-published:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after close")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close blocked by a waiting publisher")
	}
	assert.Equal(t, 1, q.Len())
}

func TestRunPreservesPerOrderOrder(t *testing.T) {
	q := NewFillQueue(4, 1024)

	const orders, perOrder = 10, 50
	for i := range perOrder {
		for o := range orders {
			require.NoError(t, q.TryPublish(schema.FillEvent{
				ID:      fmt.Sprintf("%d", i),
				OrderID: fmt.Sprintf("o%d", o),
			}))
		}
	}
	q.Close()

	var mu sync.Mutex
	seen := map[string][]string{}
	q.Run(t.Context(), func(e schema.FillEvent) {
		mu.Lock()
		seen[e.OrderID] = append(seen[e.OrderID], e.ID)
		mu.Unlock()
	})

	require.Len(t, seen, orders)
	for id, fills := range seen {
		require.Len(t, fills, perOrder, id)
		for i, f := range fills {
			assert.Equal(t, fmt.Sprintf("%d", i), f, id)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := NewFillQueue(2, 8)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(schema.FillEvent) {})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
