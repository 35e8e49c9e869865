package obs

import (
	"time"

	"oms/internal/schema"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports pipeline observations as Prometheus collectors.
type Prometheus struct {
	received      prometheus.Counter
	terminal      *prometheus.CounterVec
	riskFailures  *prometheus.CounterVec
	fills         *prometheus.CounterVec
	venueAttempts *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	slaViolations *prometheus.CounterVec
	queueDrops    prometheus.Counter
	orderLatency  prometheus.Histogram
	riskLatency   prometheus.Histogram
}

var breakerStates = []string{"CLOSED", "OPEN", "HALF_OPEN"}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oms",
			Name:      "orders_received_total",
			Help:      "Orders accepted into the pipeline.",
		}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms",
			Name:      "orders_terminal_total",
			Help:      "Orders that reached a terminal status.",
		}, []string{"status"}),
		riskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms",
			Name:      "risk_failures_total",
			Help:      "Failed pre-trade risk rules.",
		}, []string{"rule"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms",
			Name:      "fills_total",
			Help:      "Fills booked to the ledger.",
		}, []string{"kind"}),
		venueAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms",
			Name:      "venue_attempts_total",
			Help:      "Venue submission attempts.",
		}, []string{"venue", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oms",
			Name:      "venue_breaker_state",
			Help:      "1 for the breaker's current state, 0 otherwise.",
		}, []string{"venue", "state"}),
		slaViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms",
			Name:      "sla_violations_total",
			Help:      "Orders that exceeded the routing SLA.",
		}, []string{"venue"}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oms",
			Name:      "queue_drops_total",
			Help:      "Events dropped by full or closed queues.",
		}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oms",
			Name:      "order_flow_seconds",
			Help:      "Submit-to-terminal order latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		riskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oms",
			Name:      "risk_eval_seconds",
			Help:      "Risk evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14),
		}),
	}
	for _, c := range []prometheus.Collector{
		p.received, p.terminal, p.riskFailures, p.fills, p.venueAttempts,
		p.breakerState, p.slaViolations, p.queueDrops, p.orderLatency, p.riskLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) OrderReceived() { p.received.Inc() }

func (p *Prometheus) OrderTerminal(status schema.OrderStatus) {
	p.terminal.WithLabelValues(status.String()).Inc()
}

func (p *Prometheus) RiskFailure(rule schema.RiskRule) {
	p.riskFailures.WithLabelValues(string(rule)).Inc()
}

func (p *Prometheus) FillApplied(partial bool) {
	kind := "full"
	if partial {
		kind = "partial"
	}
	p.fills.WithLabelValues(kind).Inc()
}

func (p *Prometheus) VenueAttempt(venue string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.venueAttempts.WithLabelValues(venue, result).Inc()
}

func (p *Prometheus) BreakerTransition(venue, _, to string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == to {
			v = 1
		}
		p.breakerState.WithLabelValues(venue, s).Set(v)
	}
}

func (p *Prometheus) SLAViolation(venue string) {
	p.slaViolations.WithLabelValues(venue).Inc()
}

func (p *Prometheus) QueueDrop() { p.queueDrops.Inc() }

func (p *Prometheus) ObserveOrderFlow(d time.Duration) {
	p.orderLatency.Observe(d.Seconds())
}

func (p *Prometheus) ObserveRiskEval(d time.Duration, _ bool) {
	p.riskLatency.Observe(d.Seconds())
}
