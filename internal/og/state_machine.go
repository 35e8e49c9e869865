// Package og owns order state. Every status change goes through the
// transition graph and is appended to the order's history.
package og

import (
	stderrors "errors"
	"sync"
	"time"

	"oms/internal/schema"
	"oms/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var (
	ErrDuplicateOrder    = stderrors.New("order already exists")
	ErrUnknownOrder      = exception.ErrOrderNotFound
	ErrInvalidTransition = exception.ErrInvalidTransition
	ErrInvalidFill       = exception.ErrOrderInvalidFill
)

var transitions = map[schema.OrderStatus][]schema.OrderStatus{
	schema.StatusReceived:        {schema.StatusValidated, schema.StatusRejected, schema.StatusCancelled},
	schema.StatusValidated:       {schema.StatusRiskApproved, schema.StatusRejected, schema.StatusCancelled},
	schema.StatusRiskApproved:    {schema.StatusRouted, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusRouted:          {schema.StatusSubmitted, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusSubmitted:       {schema.StatusPartiallyFilled, schema.StatusFilled, schema.StatusRejected, schema.StatusFailed},
	schema.StatusPartiallyFilled: {schema.StatusPartiallyFilled, schema.StatusFilled, schema.StatusFailed},
}

// CanTransition reports whether from → to is an edge of the order graph.
func CanTransition(from, to schema.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type record struct {
	mu      sync.Mutex
	order   schema.Order
	applied map[string]struct{}
}

// DefaultRetention is how long a terminal order stays readable. It has to
// outlive redelivered fill reports for the order.
const DefaultRetention = 10 * time.Minute

type retired struct {
	id string
	at time.Time
}

// StateMachine stores orders. Reads and writes of one order are serialized by
// that order's lock; different orders never contend. Terminal orders are
// dropped once they have been terminal for the retention window.
type StateMachine struct {
	now       func() time.Time
	retention time.Duration

	mu     sync.RWMutex
	orders map[string]*record

	retireMu sync.Mutex
	retired  []retired // in retirement order
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithRetention sets how long terminal orders are kept. A value <= 0 keeps
// them forever.
func WithRetention(d time.Duration) Option {
	return func(m *StateMachine) { m.retention = d }
}

// NewStateMachine creates an empty state machine. now may be nil.
func NewStateMachine(now func() time.Time, opts ...Option) *StateMachine {
	if now == nil {
		now = time.Now
	}
	m := &StateMachine{now: now, retention: DefaultRetention, orders: make(map[string]*record)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new order in RECEIVED.
func (m *StateMachine) Create(o schema.Order) (schema.Order, error) {
	if o.ID == "" {
		return schema.Order{}, errors.Wrap(ErrUnknownOrder, "empty order id")
	}
	now := m.now()
	o.Status = schema.StatusReceived
	o.CreatedAt = now
	o.UpdatedAt = now
	o.History = []schema.Transition{{To: schema.StatusReceived, At: now}}

	m.Sweep()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return schema.Order{}, errors.Wrapf(ErrDuplicateOrder, "order %s", o.ID)
	}
	m.orders[o.ID] = &record{order: o, applied: make(map[string]struct{})}
	return o.Clone(), nil
}

func (m *StateMachine) record(id string) (*record, error) {
	m.mu.RLock()
	r, ok := m.orders[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOrder, "order %s", id)
	}
	return r, nil
}

// Order returns a copy of the current order.
func (m *StateMachine) Order(id string) (schema.Order, bool) {
	r, err := m.record(id)
	if err != nil {
		return schema.Order{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Clone(), true
}

// Len returns the number of stored orders.
func (m *StateMachine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

// Transition moves the order to status. fn, when not nil, mutates the order
// under the same lock before the status changes.
func (m *StateMachine) Transition(id string, to schema.OrderStatus, reason string, fn func(*schema.Order)) (schema.Order, error) {
	r, err := m.record(id)
	if err != nil {
		return schema.Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := m.move(&r.order, to, reason); err != nil {
		return r.order.Clone(), err
	}
	if fn != nil {
		fn(&r.order)
	}
	return r.order.Clone(), nil
}

// Update mutates fields of the order without changing its status.
func (m *StateMachine) Update(id string, fn func(*schema.Order)) (schema.Order, error) {
	r, err := m.record(id)
	if err != nil {
		return schema.Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.order)
	r.order.UpdatedAt = m.now()
	return r.order.Clone(), nil
}

func (m *StateMachine) move(o *schema.Order, to schema.OrderStatus, reason string) error {
	if !CanTransition(o.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "order %s: %s -> %s", o.ID, o.Status, to)
	}
	now := m.now()
	o.History = append(o.History, schema.Transition{From: o.Status, To: to, At: now, Reason: reason})
	o.Status = to
	o.UpdatedAt = now
	if reason != "" {
		o.Reason = reason
	}
	if to.Terminal() && m.retention > 0 {
		m.retireMu.Lock()
		m.retired = append(m.retired, retired{id: o.ID, at: now})
		m.retireMu.Unlock()
	}
	return nil
}

// Sweep drops the orders that have been terminal for longer than the
// retention window and returns how many were dropped. Create sweeps on its
// own; a fill for a dropped order is reported as unknown.
func (m *StateMachine) Sweep() int {
	if m.retention <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.retention)

	m.retireMu.Lock()
	n := 0
	for n < len(m.retired) && !m.retired[n].at.After(cutoff) {
		n++
	}
	if n == 0 {
		m.retireMu.Unlock()
		return 0
	}
	expired := m.retired[:n:n]
	m.retired = m.retired[n:]
	m.retireMu.Unlock()

	m.mu.Lock()
	for _, r := range expired {
		delete(m.orders, r.id)
	}
	m.mu.Unlock()
	return n
}

// FillResult describes what ApplyFill did.
type FillResult struct {
	Order   schema.Order
	Applied bool
	// Filled is the quantity this fill added.
	Filled decimal.Decimal
}

// ApplyFill books a venue fill or reject onto the order. A fill id seen before
// is ignored. A fill for an order still in ROUTED implies the venue accepted
// it, so the order passes through SUBMITTED first.
//
// book, when not nil, runs under the order lock after the fill was checked
// and before it is recorded. It may adjust the order's bookkeeping fields; if
// it fails it must leave the order untouched, the fill is not recorded and
// may be delivered again.
func (m *StateMachine) ApplyFill(f schema.FillEvent, book func(o *schema.Order) error) (FillResult, error) {
	r, err := m.record(f.OrderID)
	if err != nil {
		return FillResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	o := &r.order
	if _, dup := r.applied[f.ID]; dup {
		return FillResult{Order: o.Clone()}, nil
	}
	if f.ID == "" {
		return FillResult{Order: o.Clone()}, errors.Wrap(ErrInvalidFill, "empty fill id")
	}

	if o.Status == schema.StatusRouted {
		if err := m.move(o, schema.StatusSubmitted, "acknowledged by fill"); err != nil {
			return FillResult{Order: o.Clone()}, err
		}
	}

	if f.Kind == schema.FillKindReject {
		if err := m.move(o, schema.StatusRejected, f.Reason); err != nil {
			return FillResult{Order: o.Clone()}, err
		}
		o.ErrorKind = exception.KindVenueReject.String()
		r.applied[f.ID] = struct{}{}
		return FillResult{Order: o.Clone(), Applied: true}, nil
	}

	if !f.Quantity.IsPositive() || f.Quantity.GreaterThan(o.Remaining()) {
		return FillResult{Order: o.Clone()}, errors.Wrapf(ErrInvalidFill, "order %s fill %s qty %s remaining %s", o.ID, f.ID, f.Quantity, o.Remaining())
	}

	next := schema.StatusPartiallyFilled
	if f.Quantity.Equal(o.Remaining()) {
		next = schema.StatusFilled
	}
	if !CanTransition(o.Status, next) {
		return FillResult{Order: o.Clone()}, errors.Wrapf(ErrInvalidTransition, "order %s: %s -> %s", o.ID, o.Status, next)
	}
	if book != nil {
		if err := book(o); err != nil {
			return FillResult{Order: o.Clone()}, err
		}
	}
	if err := m.move(o, next, ""); err != nil {
		return FillResult{Order: o.Clone()}, err
	}

	filled := o.FilledQty.Add(f.Quantity)
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).Add(f.Price.Mul(f.Quantity)).DivRound(filled, 8)
	o.FilledQty = filled
	if o.Venue == "" {
		o.Venue = f.Venue
	}
	r.applied[f.ID] = struct{}{}
	return FillResult{Order: o.Clone(), Applied: true, Filled: f.Quantity}, nil
}
