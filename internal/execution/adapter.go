// Package execution submits orders to venues. The Adapter is the only code
// that calls a Venue; it bounds every call with a timeout and retries
// transport failures with capped exponential backoff.
package execution

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"oms/internal/breaker"
	"oms/internal/schema"
	"oms/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Venue is an execution destination. Submit must be idempotent per
// ClientOrderID: a retried submission returns the original acknowledgment.
type Venue interface {
	ID() string
	Submit(ctx context.Context, order schema.VenueOrder) (schema.Ack, error)
	Cancel(ctx context.Context, venueOrderID string) error
}

// Config bounds venue calls.
type Config struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// AttemptFunc observes each venue call.
type AttemptFunc func(venue string, ok bool)

// Adapter owns the venue connections.
type Adapter struct {
	cfg     Config
	venues  map[string]Venue
	attempt AttemptFunc
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewAdapter creates an adapter over venues. A zero MaxRetries means a single
// attempt; use DefaultConfig for the standard retry budget.
func NewAdapter(cfg Config, venues ...Venue) *Adapter {
	a := &Adapter{
		cfg:    cfg.withDefaults(),
		venues: make(map[string]Venue, len(venues)),
		sleep:  sleep,
	}
	for _, v := range venues {
		a.venues[v.ID()] = v
	}
	return a
}

// OnAttempt registers fn to observe venue calls.
func (a *Adapter) OnAttempt(fn AttemptFunc) {
	a.attempt = fn
}

// Venue returns the venue registered under id.
func (a *Adapter) Venue(id string) (Venue, bool) {
	v, ok := a.venues[id]
	return v, ok
}

// VenueIDs returns every registered venue id.
func (a *Adapter) VenueIDs() []string {
	ids := make([]string, 0, len(a.venues))
	for id := range a.venues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Execute submits order to the venue through its breaker.
//
// Each attempt acquires a breaker permit and runs under the per-call timeout.
// Timeouts and transport errors count as breaker failures and are retried up
// to MaxRetries times. A venue reject is an answer, not a failure: it counts
// as a breaker success and returns a VenueReject error without retry. When
// the breaker refuses a permit the returned error wraps breaker.ErrOpen.
func (a *Adapter) Execute(ctx context.Context, venueID string, b *breaker.Breaker, order schema.VenueOrder) (schema.Ack, error) {
	v, ok := a.venues[venueID]
	if !ok {
		return schema.Ack{}, errors.Wrapf(exception.ErrOrderUnknownVenue, "venue %s", venueID)
	}

	var last error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := a.sleep(ctx, Backoff(attempt-1, a.cfg.BaseBackoff, a.cfg.MaxBackoff)); err != nil {
				return schema.Ack{}, err
			}
		}

		permit, ok := b.Acquire()
		if !ok {
			if last != nil {
				return schema.Ack{}, a.exhausted(order, venueID, attempt, last)
			}
			return schema.Ack{}, errors.Wrapf(breaker.ErrOpen, "venue %s", venueID)
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		ack, err := v.Submit(callCtx, order)
		cancel()

		switch {
		case err == nil && ack.Status == schema.AckRejected:
			permit.Success()
			a.observe(venueID, true)
			return ack, exception.NewOrderError(exception.KindVenueReject, order.ClientOrderID, ack.Reason, nil, nil)
		case err == nil:
			permit.Success()
			a.observe(venueID, true)
			return ack, nil
		case ctx.Err() != nil:
			permit.Cancel()
			return schema.Ack{}, ctx.Err()
		default:
			permit.Failure()
			a.observe(venueID, false)
			last = err
			logs.Warnf("venue call failed, venue: %s, order: %s, attempt: %d, err: %+v", venueID, order.ClientOrderID, attempt+1, err)
		}
	}
	return schema.Ack{}, a.exhausted(order, venueID, a.cfg.MaxRetries+1, last)
}

func (a *Adapter) exhausted(order schema.VenueOrder, venueID string, attempts int, last error) error {
	reason := "venue " + venueID + " failed"
	if stderrors.Is(last, context.DeadlineExceeded) {
		reason = "venue " + venueID + " timed out"
	}
	return exception.NewOrderError(exception.KindExecutionTimeout, order.ClientOrderID, reason, nil,
		errors.Wrapf(last, "after %d attempts", attempts))
}

func (a *Adapter) observe(venue string, ok bool) {
	if a.attempt != nil {
		a.attempt(venue, ok)
	}
}

// Cancel asks the venue to cancel an acknowledged order under the per-call
// timeout.
func (a *Adapter) Cancel(ctx context.Context, venueID, venueOrderID string) error {
	v, ok := a.venues[venueID]
	if !ok {
		return errors.Wrapf(exception.ErrOrderUnknownVenue, "venue %s", venueID)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return v.Cancel(ctx, venueOrderID)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
