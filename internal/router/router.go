// Package router picks the venue an order is executed on. Venues are tried by
// priority tier; inside a tier the first venue is chosen by smooth weighted
// round-robin and the rest follow by weight. A venue whose breaker is not
// ready is skipped; a venue that times out or fails hands over to the next
// one; a venue reject ends routing.
package router

import (
	"context"
	stderrors "errors"
	"sort"
	"sync/atomic"
	"time"

	"oms/internal/breaker"
	"oms/internal/schema"
	"oms/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"
)

// Executor submits an order to one venue through that venue's breaker.
type Executor interface {
	Execute(ctx context.Context, venueID string, b *breaker.Breaker, order schema.VenueOrder) (schema.Ack, error)
	Cancel(ctx context.Context, venueID, venueOrderID string) error
}

// Limit caps how often a venue is offered orders before it counts as
// overloaded. A zero Rate means unlimited.
type Limit struct {
	Rate  float64
	Burst int
}

// Config configures a Router.
type Config struct {
	// SLA is the per-order routing deadline. Breaching it is reported, not
	// enforced. Zero disables the timer.
	SLA    time.Duration
	Limits map[string]Limit
	// OnSLAViolation is called from the timer goroutine.
	OnSLAViolation func(orderID, venue string, elapsed time.Duration)
}

// Attempt records one venue tried for an order.
type Attempt struct {
	Venue string
	Err   error
}

// Routed is the outcome of routing one order.
type Routed struct {
	Venue       string
	Ack         schema.Ack
	Attempts    []Attempt
	SLAViolated bool
}

type tier struct {
	priority int
	venues   []schema.Venue
	schedule []int
	cursor   atomic.Uint64
}

// Router is safe for concurrent use. Its venue set is fixed at construction.
type Router struct {
	cfg      Config
	tiers    []*tier
	breakers *breaker.Registry
	exec     Executor
	limiters map[string]*rate.Limiter
}

// New builds a router over venues. Every venue must have a breaker in
// breakers.
func New(cfg Config, venues []schema.Venue, breakers *breaker.Registry, exec Executor) (*Router, error) {
	r := &Router{
		cfg:      cfg,
		breakers: breakers,
		exec:     exec,
		limiters: make(map[string]*rate.Limiter),
	}

	sorted := make([]schema.Venue, len(venues))
	copy(sorted, venues)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for _, v := range sorted {
		if _, ok := breakers.Get(v.ID); !ok {
			return nil, errors.Wrapf(breaker.ErrUnknownBreaker, "venue %s", v.ID)
		}
		if v.Weight <= 0 {
			v.Weight = 1
		}
		if n := len(r.tiers); n == 0 || r.tiers[n-1].priority != v.Priority {
			r.tiers = append(r.tiers, &tier{priority: v.Priority})
		}
		t := r.tiers[len(r.tiers)-1]
		t.venues = append(t.venues, v)

		if l, ok := cfg.Limits[v.ID]; ok && l.Rate > 0 {
			burst := l.Burst
			if burst <= 0 {
				burst = 1
			}
			r.limiters[v.ID] = rate.NewLimiter(rate.Limit(l.Rate), burst)
		}
	}
	for _, t := range r.tiers {
		t.schedule = smoothSchedule(t.venues)
	}
	return r, nil
}

// Route executes order on the first venue that accepts it. onSelect is called
// with each venue right before it is tried; an error from onSelect stops
// routing and is returned as is.
//
// Errors: a VenueReject error when a venue rejected the order, a
// NoVenueAvailable error when no venue could take it, or the context's error.
func (r *Router) Route(ctx context.Context, order schema.VenueOrder, onSelect func(venue string) error) (Routed, error) {
	var (
		res     Routed
		current atomic.Value
		flagged atomic.Bool
	)
	current.Store("")
	start := time.Now()
	if r.cfg.SLA > 0 {
		timer := time.AfterFunc(r.cfg.SLA, func() {
			flagged.Store(true)
			venue, _ := current.Load().(string)
			logs.Warnf("order routing over sla, order: %s, venue: %s, sla: %s", order.ClientOrderID, venue, r.cfg.SLA)
			if r.cfg.OnSLAViolation != nil {
				r.cfg.OnSLAViolation(order.ClientOrderID, venue, time.Since(start))
			}
		})
		defer timer.Stop()
	}
	done := func(err error) (Routed, error) {
		res.SLAViolated = flagged.Load()
		return res, err
	}

	var last error
	for _, t := range r.tiers {
		for _, v := range r.candidates(t) {
			b, _ := r.breakers.Get(v.ID)
			if !b.Ready() {
				continue
			}
			if onSelect != nil {
				if err := onSelect(v.ID); err != nil {
					return done(err)
				}
			}
			current.Store(v.ID)

			ack, err := r.exec.Execute(ctx, v.ID, b, order)
			if stderrors.Is(err, breaker.ErrOpen) {
				// lost the last trial slot to a concurrent order
				continue
			}
			res.Attempts = append(res.Attempts, Attempt{Venue: v.ID, Err: err})
			switch {
			case err == nil:
				res.Venue, res.Ack = v.ID, ack
				return done(nil)
			case stderrors.Is(err, exception.ErrVenueReject):
				res.Venue, res.Ack = v.ID, ack
				return done(err)
			case ctx.Err() != nil:
				return done(ctx.Err())
			default:
				last = err
				logs.Warnf("venue failed, falling back, order: %s, venue: %s, err: %+v", order.ClientOrderID, v.ID, err)
			}
		}
	}

	reason := "no venue admissible"
	if len(res.Attempts) != 0 {
		reason = "all admissible venues failed"
	}
	return done(exception.NewOrderError(exception.KindNoVenueAvailable, order.ClientOrderID, reason, nil, last))
}

// candidates orders a tier for one routing attempt: the round-robin pick
// first, the rest by weight, and venues over their rate limit last.
func (r *Router) candidates(t *tier) []schema.Venue {
	n := len(t.venues)
	out := make([]schema.Venue, 0, n)
	if n == 1 {
		out = append(out, t.venues[0])
	} else {
		first := t.schedule[(t.cursor.Add(1)-1)%uint64(len(t.schedule))]
		out = append(out, t.venues[first])
		rest := make([]schema.Venue, 0, n-1)
		for i, v := range t.venues {
			if i != first {
				rest = append(rest, v)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool { return rest[i].Weight > rest[j].Weight })
		out = append(out, rest...)
	}

	if len(r.limiters) == 0 {
		return out
	}
	admitted := out[:0:0]
	var deferred []schema.Venue
	for _, v := range out {
		if l, ok := r.limiters[v.ID]; ok && !l.Allow() {
			deferred = append(deferred, v)
			continue
		}
		admitted = append(admitted, v)
	}
	return append(admitted, deferred...)
}

// CancelAtVenue asks the venue that acknowledged an order to cancel it.
func (r *Router) CancelAtVenue(ctx context.Context, venueID, venueOrderID string) error {
	return r.exec.Cancel(ctx, venueID, venueOrderID)
}

// VenueHealth is the router's view of one venue.
type VenueHealth struct {
	schema.Venue
	Breaker breaker.Stats
}

// Health returns every venue in routing order with its breaker state.
func (r *Router) Health() []VenueHealth {
	var out []VenueHealth
	for _, t := range r.tiers {
		for _, v := range t.venues {
			b, _ := r.breakers.Get(v.ID)
			out = append(out, VenueHealth{Venue: v, Breaker: b.Stats()})
		}
	}
	return out
}
