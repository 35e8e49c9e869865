package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(clock *fakeClock) Config {
	return Config{
		Name:                   "venue1",
		WindowSize:             4,
		MinimumCalls:           4,
		FailureRateThreshold:   50,
		WaitDuration:           10 * time.Second,
		PermittedHalfOpenCalls: 3,
		Now:                    clock.Now,
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	b := New(DefaultConfig("venue1"))
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerOpensAtFailureRate(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	require.Equal(t, StateClosed, b.State(), "window not yet full")

	b.RecordSuccess()
	require.Equal(t, StateOpen, b.State(), "2 of 4 failed")

	for range 5 {
		assert.False(t, b.Allow())
	}
	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))

	b.RecordFailure()
	for range 3 {
		b.RecordSuccess()
	}
	assert.Equal(t, StateClosed, b.State())
	assert.EqualValues(t, 1, b.Failures())

	// the old failure rolls out of the window
	b.RecordSuccess()
	assert.EqualValues(t, 0, b.Failures())
}

func TestBreakerHalfOpenAfterWait(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))
	b.Trip()

	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.Allow())
	require.True(t, b.Allow())
	assert.False(t, b.Allow(), "only three trials are permitted")
}

func TestBreakerHalfOpenClosesAfterTrialsSucceed(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))
	for range 4 {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(11 * time.Second)
	permits := make([]*Permit, 0, 3)
	for range 3 {
		p, ok := b.Acquire()
		require.True(t, ok)
		permits = append(permits, p)
	}
	for i, p := range permits {
		p.Success()
		if i < 2 {
			assert.Equal(t, StateHalfOpen, b.State())
		}
	}

	assert.Equal(t, StateClosed, b.State())
	assert.EqualValues(t, 0, b.Failures())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))
	b.Trip()

	clock.Advance(10 * time.Second)
	p, ok := b.Acquire()
	require.True(t, ok)
	p.Failure()

	require.Equal(t, StateOpen, b.State())
	clock.Advance(5 * time.Second)
	assert.False(t, b.Allow(), "wait timer restarts on re-open")
	clock.Advance(5 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerPermitCancelReturnsTrial(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))
	b.Trip()
	clock.Advance(10 * time.Second)

	var permits []*Permit
	for range 3 {
		p, ok := b.Acquire()
		require.True(t, ok)
		permits = append(permits, p)
	}
	_, ok := b.Acquire()
	require.False(t, ok)

	permits[0].Cancel()
	_, ok = b.Acquire()
	assert.True(t, ok)
}

func TestBreakerIgnoresStalePermit(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))

	stale, ok := b.Acquire()
	require.True(t, ok)
	b.Trip()
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())

	stale.Failure()
	assert.Equal(t, StateHalfOpen, b.State(), "a result from the CLOSED generation must not count")
}

func TestBreakerPermitCountsOnce(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))

	p, ok := b.Acquire()
	require.True(t, ok)
	p.Failure()
	p.Failure()
	p.Success()

	assert.EqualValues(t, 1, b.Stats().Calls)
	assert.EqualValues(t, 1, b.Failures())
}

func TestBreakerConcurrentRecordsAreNotLost(t *testing.T) {
	b := New(Config{
		Name:                 "venue1",
		WindowSize:           1000,
		FailureRateThreshold: 100,
	})

	const workers = 8
	const perWorker = 100
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				p, ok := b.Acquire()
				if !ok {
					continue
				}
				if (w+i)%4 == 0 {
					p.Failure()
				} else {
					p.Success()
				}
			}
		}()
	}
	wg.Wait()

	stats := b.Stats()
	assert.EqualValues(t, workers*perWorker, stats.Calls)
	assert.EqualValues(t, workers*perWorker/4, stats.Failures)
	assert.Equal(t, StateClosed, stats.State)
}

func TestBreakerConcurrentHalfOpenAdmitsExactlyPermitted(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))
	b.Trip()
	clock.Advance(10 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 3, admitted.Load())
}

func TestBreakerReportsTransitions(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	var got []string
	cfg.OnStateChange = func(name string, from, to State) {
		got = append(got, name+":"+from.String()+"->"+to.String())
	}
	b := New(cfg)
	b.Trip()
	clock.Advance(10 * time.Second)
	b.Allow()
	b.Reset()

	assert.Equal(t, []string{
		"venue1:CLOSED->OPEN",
		"venue1:OPEN->HALF_OPEN",
		"venue1:HALF_OPEN->CLOSED",
	}, got)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig(""), "venue2", "venue1")
	assert.Equal(t, []string{"venue1", "venue2"}, r.IDs())

	b, ok := r.Get("venue1")
	require.True(t, ok)
	assert.Equal(t, "venue1", b.Name())

	b.Trip()
	require.NoError(t, r.Reset("venue1"))
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, r.Reset("missing"), ErrUnknownBreaker)
}

func TestBreakerReadyDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(clock))
	b.Trip()
	assert.False(t, b.Ready())

	clock.Advance(10 * time.Second)
	for range 5 {
		assert.True(t, b.Ready())
	}
	assert.Equal(t, StateOpen, b.State())

	for range 3 {
		_, ok := b.Acquire()
		require.True(t, ok)
	}
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Ready())
}
