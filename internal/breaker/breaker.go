package breaker

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"
)

var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls a breaker.
type Config struct {
	Name string

	// WindowSize is the number of most recent calls the failure rate is computed over.
	WindowSize int
	// MinimumCalls is the number of calls required before the rate is evaluated.
	MinimumCalls int
	// FailureRateThreshold is a percentage in (0, 100].
	FailureRateThreshold float64
	// WaitDuration is how long the breaker stays OPEN before admitting trials.
	WaitDuration time.Duration
	// PermittedHalfOpenCalls is the number of trial calls admitted in HALF_OPEN.
	PermittedHalfOpenCalls int

	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig(name string) Config {
	return Config{
		Name:                   name,
		WindowSize:             10,
		MinimumCalls:           10,
		FailureRateThreshold:   50,
		WaitDuration:           10 * time.Second,
		PermittedHalfOpenCalls: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Name)
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.MinimumCalls <= 0 || c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.WaitDuration <= 0 {
		c.WaitDuration = def.WaitDuration
	}
	if c.PermittedHalfOpenCalls <= 0 {
		c.PermittedHalfOpenCalls = def.PermittedHalfOpenCalls
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

const (
	outcomeNone uint32 = iota
	outcomeSuccess
	outcomeFailure
)

// generation holds the counters of one stay in one state. A transition swaps
// in a fresh generation, so counters never need resetting in place and results
// of calls admitted by an older generation cannot leak into a newer one.
type generation struct {
	state State
	since time.Time

	outcomes []atomic.Uint32
	calls    atomic.Uint64
	failures atomic.Int64

	issued    atomic.Int32
	succeeded atomic.Int32
}

// Breaker is a per-dependency circuit breaker. It is safe for concurrent use
// and takes no locks.
type Breaker struct {
	cfg Config
	gen atomic.Pointer[generation]
}

// New creates a CLOSED breaker.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults()}
	b.gen.Store(b.newGeneration(StateClosed))
	return b
}

func (b *Breaker) newGeneration(state State) *generation {
	g := &generation{state: state, since: b.cfg.Now()}
	if state == StateClosed {
		g.outcomes = make([]atomic.Uint32, b.cfg.WindowSize)
	}
	return g
}

// Name returns the protected dependency name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Allow reports whether a call may proceed. In HALF_OPEN it consumes one trial.
func (b *Breaker) Allow() bool {
	_, ok := b.Acquire()
	return ok
}

// Ready reports whether Acquire would currently admit a call, without
// taking a permit or changing state.
func (b *Breaker) Ready() bool {
	g := b.gen.Load()
	switch g.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.cfg.Now().Sub(g.since) >= b.cfg.WaitDuration
	case StateHalfOpen:
		return int(g.issued.Load()) < b.cfg.PermittedHalfOpenCalls
	default:
		return false
	}
}

// Acquire admits a call and returns a permit bound to the admitting state.
func (b *Breaker) Acquire() (*Permit, bool) {
	for {
		g := b.gen.Load()
		switch g.state {
		case StateClosed:
			return &Permit{b: b, g: g}, true
		case StateOpen:
			if b.cfg.Now().Sub(g.since) < b.cfg.WaitDuration {
				return nil, false
			}
			b.transition(g, StateHalfOpen)
		case StateHalfOpen:
			n := g.issued.Load()
			if int(n) >= b.cfg.PermittedHalfOpenCalls {
				return nil, false
			}
			if g.issued.CompareAndSwap(n, n+1) {
				return &Permit{b: b, g: g, trial: true}, true
			}
		default:
			return nil, false
		}
	}
}

// RecordSuccess records a successful call against the current state.
func (b *Breaker) RecordSuccess() {
	b.record(b.gen.Load(), true)
}

// RecordFailure records a failed call against the current state.
func (b *Breaker) RecordFailure() {
	b.record(b.gen.Load(), false)
}

func (b *Breaker) record(g *generation, ok bool) {
	if b.gen.Load() != g {
		return
	}

	switch g.state {
	case StateClosed:
		outcome := outcomeSuccess
		if !ok {
			outcome = outcomeFailure
		}
		idx := g.calls.Add(1) - 1
		old := g.outcomes[idx%uint64(len(g.outcomes))].Swap(outcome)
		var delta int64
		if outcome == outcomeFailure {
			delta++
		}
		if old == outcomeFailure {
			delta--
		}
		failures := g.failures.Add(delta)
		calls := min(idx+1, uint64(len(g.outcomes)))
		if calls < uint64(b.cfg.MinimumCalls) {
			return
		}
		if float64(failures)*100 >= b.cfg.FailureRateThreshold*float64(calls) {
			b.transition(g, StateOpen)
		}
	case StateHalfOpen:
		if !ok {
			b.transition(g, StateOpen)
			return
		}
		if int(g.succeeded.Add(1)) >= b.cfg.PermittedHalfOpenCalls {
			b.transition(g, StateClosed)
		}
	}
}

func (b *Breaker) transition(from *generation, to State) bool {
	next := b.newGeneration(to)
	if !b.gen.CompareAndSwap(from, next) {
		return false
	}
	if to == StateOpen {
		logs.Warnf("circuit breaker %s: %s -> %s", b.cfg.Name, from.state, to)
	} else {
		logs.Infof("circuit breaker %s: %s -> %s", b.cfg.Name, from.state, to)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from.state, to)
	}
	return true
}

// State returns the stored state. An OPEN breaker whose wait has elapsed
// reports OPEN until the next Allow moves it to HALF_OPEN.
func (b *Breaker) State() State {
	return b.gen.Load().state
}

// Failures returns the failures counted in the current window.
func (b *Breaker) Failures() int64 {
	return b.gen.Load().failures.Load()
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	Name              string
	State             State
	Since             time.Time
	Calls             uint64
	Failures          int64
	HalfOpenIssued    int32
	HalfOpenSucceeded int32
}

// Stats returns a point-in-time view of the breaker.
func (b *Breaker) Stats() Stats {
	g := b.gen.Load()
	return Stats{
		Name:              b.cfg.Name,
		State:             g.state,
		Since:             g.since,
		Calls:             g.calls.Load(),
		Failures:          g.failures.Load(),
		HalfOpenIssued:    g.issued.Load(),
		HalfOpenSucceeded: g.succeeded.Load(),
	}
}

// Reset forces a fresh CLOSED state.
func (b *Breaker) Reset() {
	for {
		g := b.gen.Load()
		if b.transition(g, StateClosed) {
			return
		}
	}
}

// Trip forces the breaker OPEN and restarts the wait timer.
func (b *Breaker) Trip() {
	for {
		g := b.gen.Load()
		if b.transition(g, StateOpen) {
			return
		}
	}
}

// Permit binds the outcome of one admitted call to the state that admitted it.
// Only the first of Success, Failure or Cancel has an effect.
type Permit struct {
	b     *Breaker
	g     *generation
	trial bool
	done  atomic.Bool
}

// Success records the call as successful.
func (p *Permit) Success() {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}
	p.b.record(p.g, true)
}

// Failure records the call as failed.
func (p *Permit) Failure() {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}
	p.b.record(p.g, false)
}

// Cancel gives back a trial slot for a call that never reached the dependency.
func (p *Permit) Cancel() {
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return
	}
	if p.trial && p.b.gen.Load() == p.g {
		p.g.issued.Add(-1)
	}
}
