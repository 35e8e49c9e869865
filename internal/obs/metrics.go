// Package obs records pipeline counters and latencies.
package obs

import (
	"sync"
	"sync/atomic"
	"time"

	"oms/internal/schema"
)

// Recorder receives pipeline observations. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	OrderReceived()
	OrderTerminal(status schema.OrderStatus)
	RiskFailure(rule schema.RiskRule)
	FillApplied(partial bool)
	VenueAttempt(venue string, ok bool)
	BreakerTransition(venue, from, to string)
	SLAViolation(venue string)
	QueueDrop()
	ObserveOrderFlow(d time.Duration)
	ObserveRiskEval(d time.Duration, overBudget bool)
}

var riskRules = []schema.RiskRule{
	schema.RiskBuyingPower,
	schema.RiskConcentration,
	schema.RiskDailyVelocity,
	schema.RiskMargin,
}

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	received       uint64
	terminal       [schema.StatusCount]uint64
	riskFailures   [4]uint64
	fills          uint64
	partialFills   uint64
	slaViolations  uint64
	queueDrops     uint64
	riskOverBudget uint64

	venues sync.Map // venue id -> *venueCounters

	orderFlowLatency LatencyStats
	riskEvalLatency  LatencyStats
}

type venueCounters struct {
	attempts    uint64
	failures    uint64
	transitions uint64
	lastState   atomic.Value
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// VenueSnapshot is a point-in-time view of one venue's counters.
type VenueSnapshot struct {
	Attempts    uint64
	Failures    uint64
	Transitions uint64
	State       string
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Received         uint64
	Terminal         map[schema.OrderStatus]uint64
	RiskFailures     map[schema.RiskRule]uint64
	Fills            uint64
	PartialFills     uint64
	SLAViolations    uint64
	QueueDrops       uint64
	RiskOverBudget   uint64
	Venues           map[string]VenueSnapshot
	OrderFlowLatency LatencySnapshot
	RiskEvalLatency  LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) venue(id string) *venueCounters {
	if v, ok := m.venues.Load(id); ok {
		return v.(*venueCounters)
	}
	v, _ := m.venues.LoadOrStore(id, &venueCounters{})
	return v.(*venueCounters)
}

func (m *Metrics) OrderReceived() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.received, 1)
}

func (m *Metrics) OrderTerminal(status schema.OrderStatus) {
	if m == nil {
		return
	}
	idx := int(status)
	if idx >= 0 && idx < len(m.terminal) {
		atomic.AddUint64(&m.terminal[idx], 1)
	}
}

func (m *Metrics) RiskFailure(rule schema.RiskRule) {
	if m == nil {
		return
	}
	for i, r := range riskRules {
		if r == rule {
			atomic.AddUint64(&m.riskFailures[i], 1)
			return
		}
	}
}

func (m *Metrics) FillApplied(partial bool) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.fills, 1)
	if partial {
		atomic.AddUint64(&m.partialFills, 1)
	}
}

func (m *Metrics) VenueAttempt(venue string, ok bool) {
	if m == nil {
		return
	}
	v := m.venue(venue)
	atomic.AddUint64(&v.attempts, 1)
	if !ok {
		atomic.AddUint64(&v.failures, 1)
	}
}

func (m *Metrics) BreakerTransition(venue, _, to string) {
	if m == nil {
		return
	}
	v := m.venue(venue)
	atomic.AddUint64(&v.transitions, 1)
	v.lastState.Store(to)
}

func (m *Metrics) SLAViolation(string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.slaViolations, 1)
}

// QueueDrop records an event dropped because a queue was full or closed.
func (m *Metrics) QueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// ObserveOrderFlow measures end-to-end order flow latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m == nil {
		return
	}
	m.orderFlowLatency.Observe(d)
}

// ObserveRiskEval measures risk evaluation latency.
func (m *Metrics) ObserveRiskEval(d time.Duration, overBudget bool) {
	if m == nil {
		return
	}
	m.riskEvalLatency.Observe(d)
	if overBudget {
		atomic.AddUint64(&m.riskOverBudget, 1)
	}
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	terminal := make(map[schema.OrderStatus]uint64)
	for i := range m.terminal {
		if v := atomic.LoadUint64(&m.terminal[i]); v > 0 {
			terminal[schema.OrderStatus(i)] = v
		}
	}
	risk := make(map[schema.RiskRule]uint64)
	for i, r := range riskRules {
		if v := atomic.LoadUint64(&m.riskFailures[i]); v > 0 {
			risk[r] = v
		}
	}
	venues := make(map[string]VenueSnapshot)
	m.venues.Range(func(k, v any) bool {
		c := v.(*venueCounters)
		state, _ := c.lastState.Load().(string)
		venues[k.(string)] = VenueSnapshot{
			Attempts:    atomic.LoadUint64(&c.attempts),
			Failures:    atomic.LoadUint64(&c.failures),
			Transitions: atomic.LoadUint64(&c.transitions),
			State:       state,
		}
		return true
	})
	return Snapshot{
		Received:         atomic.LoadUint64(&m.received),
		Terminal:         terminal,
		RiskFailures:     risk,
		Fills:            atomic.LoadUint64(&m.fills),
		PartialFills:     atomic.LoadUint64(&m.partialFills),
		SLAViolations:    atomic.LoadUint64(&m.slaViolations),
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		RiskOverBudget:   atomic.LoadUint64(&m.riskOverBudget),
		Venues:           venues,
		OrderFlowLatency: m.orderFlowLatency.Snapshot(),
		RiskEvalLatency:  m.riskEvalLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
