package obs

import (
	"sync"
	"testing"
	"time"

	"oms/internal/schema"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = (*Prometheus)(nil)
	_ Recorder = Multi(nil)
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.OrderReceived()
	m.OrderReceived()
	m.OrderTerminal(schema.StatusFilled)
	m.OrderTerminal(schema.StatusRejected)
	m.RiskFailure(schema.RiskBuyingPower)
	m.RiskFailure("unknown")
	m.FillApplied(true)
	m.FillApplied(false)
	m.VenueAttempt("v1", true)
	m.VenueAttempt("v1", false)
	m.BreakerTransition("v1", "CLOSED", "OPEN")
	m.SLAViolation("v1")
	m.ObserveRiskEval(time.Millisecond, true)

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.Received)
	assert.Equal(t, map[schema.OrderStatus]uint64{schema.StatusFilled: 1, schema.StatusRejected: 1}, s.Terminal)
	assert.Equal(t, map[schema.RiskRule]uint64{schema.RiskBuyingPower: 1}, s.RiskFailures)
	assert.Equal(t, uint64(2), s.Fills)
	assert.Equal(t, uint64(1), s.PartialFills)
	assert.Equal(t, VenueSnapshot{Attempts: 2, Failures: 1, Transitions: 1, State: "OPEN"}, s.Venues["v1"])
	assert.Equal(t, uint64(1), s.SLAViolations)
	assert.Equal(t, uint64(1), s.RiskOverBudget)
	assert.Equal(t, uint64(1), s.RiskEvalLatency.Count)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.OrderReceived()
	m.VenueAttempt("v1", true)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestLatencyStats(t *testing.T) {
	var l LatencyStats
	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Observe(time.Duration(i) * time.Microsecond)
		}()
	}
	wg.Wait()

	s := l.Snapshot()
	assert.Equal(t, uint64(100), s.Count)
	assert.Equal(t, time.Microsecond, s.Min)
	assert.Equal(t, 100*time.Microsecond, s.Max)
	assert.Equal(t, 50500*time.Nanosecond, s.Avg)
}

func TestPrometheusAndMulti(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	m := NewMetrics()
	r := Multi{m, p}
	r.OrderReceived()
	r.OrderTerminal(schema.StatusFilled)
	r.BreakerTransition("v1", "CLOSED", "OPEN")
	r.VenueAttempt("v1", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.terminal.WithLabelValues("FILLED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.breakerState.WithLabelValues("v1", "OPEN")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.breakerState.WithLabelValues("v1", "CLOSED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.venueAttempts.WithLabelValues("v1", "error")))
	assert.Equal(t, uint64(1), m.Snapshot().Received)

	_, err = NewPrometheus(reg)
	assert.Error(t, err)
}
