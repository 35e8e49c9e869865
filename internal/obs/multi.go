package obs

import (
	"time"

	"oms/internal/schema"
)

// Multi fans every observation out to each recorder in order.
type Multi []Recorder

func (m Multi) OrderReceived() {
	for _, r := range m {
		r.OrderReceived()
	}
}

func (m Multi) OrderTerminal(status schema.OrderStatus) {
	for _, r := range m {
		r.OrderTerminal(status)
	}
}

func (m Multi) RiskFailure(rule schema.RiskRule) {
	for _, r := range m {
		r.RiskFailure(rule)
	}
}

func (m Multi) FillApplied(partial bool) {
	for _, r := range m {
		r.FillApplied(partial)
	}
}

func (m Multi) VenueAttempt(venue string, ok bool) {
	for _, r := range m {
		r.VenueAttempt(venue, ok)
	}
}

func (m Multi) BreakerTransition(venue, from, to string) {
	for _, r := range m {
		r.BreakerTransition(venue, from, to)
	}
}

func (m Multi) SLAViolation(venue string) {
	for _, r := range m {
		r.SLAViolation(venue)
	}
}

func (m Multi) QueueDrop() {
	for _, r := range m {
		r.QueueDrop()
	}
}

func (m Multi) ObserveOrderFlow(d time.Duration) {
	for _, r := range m {
		r.ObserveOrderFlow(d)
	}
}

func (m Multi) ObserveRiskEval(d time.Duration, overBudget bool) {
	for _, r := range m {
		r.ObserveRiskEval(d, overBudget)
	}
}
