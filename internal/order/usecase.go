// Package order runs the order pipeline: validation, pre-trade risk, routing
// and execution, then fill booking. Order state lives in an og.StateMachine;
// positions and buying power live in the ledger.
package order

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"oms/internal/breaker"
	"oms/internal/bus"
	"oms/internal/ledger"
	"oms/internal/obs"
	"oms/internal/og"
	"oms/internal/risk"
	"oms/internal/router"
	"oms/internal/schema"
	"oms/internal/strategy"
	"oms/internal/validate"
	"oms/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	ruleReferencePrice schema.RuleID = "reference_price"

	defaultLedgerRetries = 5
	defaultLedgerBackoff = time.Millisecond
	maxLedgerBackoff     = 50 * time.Millisecond
	venueCancelTimeout   = 2 * time.Second
)

// SnapshotProvider returns the account view the risk engine evaluates against.
type SnapshotProvider interface {
	Snapshot(accountID string) (schema.AccountSnapshot, error)
}

// Ledger is the position and buying-power store the pipeline books into.
type Ledger interface {
	SnapshotProvider
	validate.AccountDirectory
	Reserve(accountID string, exposure, notional decimal.Decimal, at time.Time) error
	Release(accountID string, exposure decimal.Decimal) error
	Revert(accountID string, exposure, notional decimal.Decimal, at time.Time) error
	Apply(f ledger.Fill) (schema.Position, bool, error)
}

// PriceProvider returns the reference price used for notional calculations.
type PriceProvider interface {
	ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Auditor receives terminal orders. It must not block.
type Auditor interface {
	Record(ctx context.Context, o schema.Order)
}

// Router executes an order on some venue.
type Router interface {
	Route(ctx context.Context, order schema.VenueOrder, onSelect func(venue string) error) (router.Routed, error)
	CancelAtVenue(ctx context.Context, venueID, venueOrderID string) error
	Health() []router.VenueHealth
}

// Deps are the collaborators of a Usecase. Fills may be nil, in which case
// OnFillEvent books synchronously.
type Deps struct {
	Chain    *validate.Chain
	Risk     *risk.Engine
	Router   Router
	Breakers *breaker.Registry
	Ledger   Ledger
	Prices   PriceProvider
	Fills    *bus.FillQueue
}

// Option configures a Usecase.
type Option func(*Usecase)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(u *Usecase) { u.now = now }
}

// WithIDGenerator replaces the uuid order id generator.
func WithIDGenerator(fn func() string) Option {
	return func(u *Usecase) { u.newID = fn }
}

// WithAuditor sets the sink for terminal orders.
func WithAuditor(a Auditor) Option {
	return func(u *Usecase) { u.audit = a }
}

// WithRecorder sets the metrics collaborator.
func WithRecorder(r obs.Recorder) Option {
	return func(u *Usecase) { u.metrics = r }
}

// WithLedgerRetry bounds how often a conflicting ledger update is retried
// before the order is failed for reconciliation.
func WithLedgerRetry(attempts int, backoff time.Duration) Option {
	return func(u *Usecase) {
		u.ledgerRetries = attempts
		u.ledgerBackoff = backoff
	}
}

// WithOrderRetention sets how long terminal orders stay readable through
// Order. Fills redelivered after that are reported as unknown.
func WithOrderRetention(d time.Duration) Option {
	return func(u *Usecase) { u.retention = d }
}

// Accepted is the synchronous outcome of a submitted order.
type Accepted struct {
	OrderID      string
	Status       schema.OrderStatus
	Venue        string
	VenueOrderID string
	FilledQty    decimal.Decimal
	Risk         schema.RiskCheckResult
	SLAViolated  bool
	// Reason is set on an order that failed without an error being returned.
	Reason       string
}

// Cancelled confirms a local cancellation.
type Cancelled struct {
	OrderID string
	Status  schema.OrderStatus
	At      time.Time
}

type noAudit struct{}

func (noAudit) Record(context.Context, schema.Order) {}

// Usecase is the order pipeline orchestrator. It is safe for concurrent use:
// every SubmitOrder call runs on the caller's goroutine, fills are booked by
// the fill queue's workers.
type Usecase struct {
	chain    *validate.Chain
	risk     *risk.Engine
	router   Router
	breakers *breaker.Registry
	ledger   Ledger
	prices   PriceProvider
	fills    *bus.FillQueue
	orders   *og.StateMachine

	audit   Auditor
	metrics obs.Recorder
	now     func() time.Time
	newID   func() string

	ledgerRetries int
	ledgerBackoff time.Duration
	retention     time.Duration

	inflight sync.Map // order id -> context.CancelFunc
	running  atomic.Bool
}

// NewUsecase wires the pipeline.
func NewUsecase(deps Deps, opts ...Option) *Usecase {
	u := &Usecase{
		chain:         deps.Chain,
		risk:          deps.Risk,
		router:        deps.Router,
		breakers:      deps.Breakers,
		ledger:        deps.Ledger,
		prices:        deps.Prices,
		fills:         deps.Fills,
		audit:         noAudit{},
		metrics:       obs.Multi(nil),
		now:           time.Now,
		newID:         uuid.NewString,
		ledgerRetries: defaultLedgerRetries,
		ledgerBackoff: defaultLedgerBackoff,
		retention:     og.DefaultRetention,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.chain == nil {
		u.chain = validate.NewChain()
	}
	if u.ledgerRetries <= 0 {
		u.ledgerRetries = 1
	}
	u.orders = og.NewStateMachine(u.now, og.WithRetention(u.retention))
	return u
}

// Run books queued fills until ctx is done. It returns at once when the
// usecase has no fill queue or is already running.
func (u *Usecase) Run(ctx context.Context) {
	if u.fills == nil || u.running.Swap(true) {
		return
	}
	u.fills.Run(ctx, func(f schema.FillEvent) {
		if err := u.applyFill(f); err != nil {
			logs.Errorf("apply fill, fill: %s, order: %s, err: %+v", f.ID, f.OrderID, err)
		}
	})
}

// Order returns the current state of an order.
func (u *Usecase) Order(id string) (schema.Order, bool) {
	return u.orders.Order(id)
}

// ResetVenue forces the breaker of a venue back to CLOSED.
func (u *Usecase) ResetVenue(id string) error {
	if u.breakers == nil {
		return errors.Wrapf(breaker.ErrUnknownBreaker, "id: %s", id)
	}
	if err := u.breakers.Reset(id); err != nil {
		return err
	}
	logs.Infof("venue breaker reset by admin, venue: %s", id)
	return nil
}

// Health reports every venue with its breaker state.
func (u *Usecase) Health() []router.VenueHealth {
	return u.router.Health()
}

// SubmitOrder takes an intent through validation, risk and routing and
// returns once a venue acknowledged the order or the pipeline gave up.
//
// Errors are *exception.OrderError: ValidationError and RiskViolation carry
// every violated rule, NoVenueAvailable means no venue could take the order,
// VenueReject is the venue's final answer and CancellationError reports an
// order cancelled while in flight.
func (u *Usecase) SubmitOrder(ctx context.Context, intent schema.OrderIntent) (Accepted, error) {
	start := u.now()
	u.metrics.OrderReceived()

	o, err := u.orders.Create(schema.Order{
		ID:            u.newID(),
		CorrelationID: intent.CorrelationID,
		AccountID:     intent.AccountID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Quantity:      intent.Quantity,
		Params:        intent.Params,
	})
	if err != nil {
		return Accepted{}, errors.Wrap(err, "create order")
	}
	id := o.ID

	ctx, cancel := context.WithCancel(ctx)
	u.inflight.Store(id, cancel)
	defer func() {
		u.inflight.Delete(id)
		cancel()
	}()

	if violations := u.chain.Validate(intent, u.ledger); len(violations) != 0 {
		return u.reject(id, start, exception.KindValidation, "intent failed validation", ruleNames(violations), nil)
	}
	if _, err := u.advance(id, schema.StatusValidated, "", nil); err != nil {
		return Accepted{OrderID: id}, err
	}

	ref, err := u.prices.ReferencePrice(ctx, intent.Symbol)
	if err != nil {
		return u.reject(id, start, exception.KindValidation, "reference price unavailable", []string{string(ruleReferencePrice)}, err)
	}
	snap, err := u.ledger.Snapshot(intent.AccountID)
	if err != nil {
		return u.reject(id, start, exception.KindRiskViolation, "account snapshot unavailable", nil, err)
	}

	o, _ = u.orders.Order(id)
	result := u.risk.Evaluate(o, snap, ref)
	result.OrderID = id
	if _, err := u.orders.Update(id, func(o *schema.Order) { o.Risk = &result }); err != nil {
		return Accepted{OrderID: id}, err
	}
	if !result.Passed() {
		failed := result.Failed()
		rules := make([]string, len(failed))
		for i, r := range failed {
			u.metrics.RiskFailure(r)
			rules[i] = string(r)
		}
		acc, err := u.reject(id, start, exception.KindRiskViolation, result.String(), rules, nil)
		acc.Risk = result
		return acc, err
	}

	reservedAt := u.now()
	if err := u.retryLedger(ctx, func() error {
		return u.ledger.Reserve(intent.AccountID, result.Required, result.Notional, reservedAt)
	}); err != nil {
		return u.reserveFailed(ctx, id, start, result, err)
	}
	unreserve := func() {
		if err := u.ledger.Revert(intent.AccountID, result.Required, result.Notional, reservedAt); err != nil {
			logs.Errorf("revert reservation, order: %s, err: %+v", id, err)
		}
	}

	if _, err := u.advance(id, schema.StatusRiskApproved, "", func(o *schema.Order) { o.Reserved = result.Required }); err != nil {
		unreserve()
		return Accepted{OrderID: id, Risk: result}, err
	}

	vo := schema.VenueOrder{
		ClientOrderID: id,
		AccountID:     intent.AccountID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Quantity:      intent.Quantity,
		Params:        intent.Params,
	}
	if s, ok := strategy.For(intent.Type); ok {
		vo.Slices = s.Plan(intent)
	}

	routed, err := u.router.Route(ctx, vo, func(venue string) error {
		cur, ok := u.orders.Order(id)
		if ok && cur.Status == schema.StatusRouted {
			_, err := u.orders.Update(id, func(o *schema.Order) { o.Venue = venue })
			return err
		}
		_, err := u.advance(id, schema.StatusRouted, "routed to "+venue, func(o *schema.Order) { o.Venue = venue })
		return err
	})
	acc := Accepted{OrderID: id, Risk: result, Venue: routed.Venue, SLAViolated: routed.SLAViolated}
	if routed.SLAViolated {
		u.metrics.SLAViolation(routed.Venue)
	}

	if err != nil {
		return u.routeFailed(ctx, id, start, acc, routed, err, unreserve)
	}

	o, err = u.advance(id, schema.StatusSubmitted, "acknowledged by "+routed.Venue, func(o *schema.Order) {
		o.Venue = routed.Venue
		o.VenueOrderID = routed.Ack.VenueOrderID
	})
	if err != nil {
		switch cur := u.status(id); {
		case cur == schema.StatusCancelled:
			// the venue took an order that was cancelled while in flight
			u.cancelAtVenue(id, routed.Venue, routed.Ack.VenueOrderID)
			unreserve()
			return acc, err
		case cur.Acknowledged() || cur == schema.StatusRejected || cur == schema.StatusFailed:
			// an asynchronous report overtook the acknowledgment
			o, err = u.orders.Update(id, func(o *schema.Order) { o.VenueOrderID = routed.Ack.VenueOrderID })
			if err != nil {
				return acc, err
			}
		default:
			return acc, err
		}
	}
	acc.VenueOrderID = o.VenueOrderID

	for _, f := range routed.Ack.Fills {
		if f.OrderID == "" {
			f.OrderID = id
		}
		if f.Venue == "" {
			f.Venue = routed.Venue
		}
		if err := u.applyFill(f); err != nil {
			logs.Errorf("apply acknowledged fill, fill: %s, order: %s, err: %+v", f.ID, id, err)
		}
	}

	o, _ = u.orders.Order(id)
	acc.Status = o.Status
	acc.FilledQty = o.FilledQty
	u.metrics.ObserveOrderFlow(u.now().Sub(start))
	return acc, nil
}

func (u *Usecase) routeFailed(ctx context.Context, id string, start time.Time, acc Accepted, routed router.Routed, err error, unreserve func()) (Accepted, error) {
	switch {
	case u.status(id) == schema.StatusCancelled:
		unreserve()
		acc.Status = schema.StatusCancelled
		return acc, exception.NewOrderError(exception.KindCancellation, id, "order cancelled while routing", nil, exception.ErrOrderCancelled)

	case stderrors.Is(err, exception.ErrVenueReject):
		unreserve()
		reason := routed.Ack.Reason
		if reason == "" {
			reason = "rejected by " + routed.Venue
		}
		if _, e := u.advance(id, schema.StatusSubmitted, "acknowledged by "+routed.Venue, func(o *schema.Order) {
			o.VenueOrderID = routed.Ack.VenueOrderID
		}); e != nil {
			return acc, e
		}
		o, e := u.orders.Transition(id, schema.StatusRejected, reason, func(o *schema.Order) {
			o.ErrorKind = exception.KindVenueReject.String()
			o.Reserved = decimal.Zero
		})
		if e != nil {
			return acc, e
		}
		u.finish(o, start)
		acc.Status = o.Status
		return acc, exception.NewOrderError(exception.KindVenueReject, id, reason, nil, err)

	case exception.KindOf(err) == exception.KindCancellation:
		unreserve()
		return acc, err

	case ctx.Err() != nil:
		// the caller gave up on the order before any venue took it
		unreserve()
		o, e := u.orders.Transition(id, schema.StatusCancelled, "caller context done", func(o *schema.Order) {
			o.ErrorKind = exception.KindCancellation.String()
			o.Reserved = decimal.Zero
		})
		if e != nil {
			return acc, u.cancelled(id, e)
		}
		u.finish(o, start)
		acc.Status = o.Status
		return acc, exception.NewOrderError(exception.KindCancellation, id, "caller context done", nil, err)

	default:
		unreserve()
		kind := exception.KindOf(err)
		if kind == exception.KindUnknown {
			kind = exception.KindNoVenueAvailable
			err = exception.NewOrderError(kind, id, "routing failed", nil, err)
		}
		o, e := u.orders.Transition(id, schema.StatusFailed, err.Error(), func(o *schema.Order) {
			o.ErrorKind = kind.String()
			o.Reserved = decimal.Zero
		})
		if e != nil {
			return acc, u.cancelled(id, e)
		}
		u.finish(o, start)
		acc.Status = o.Status
		return acc, err
	}
}

// reserveFailed ends an order whose buying power could not be reserved. A
// reservation that lost every ledger retry fails the order for reconciliation
// instead of reporting the conflict to the caller.
func (u *Usecase) reserveFailed(ctx context.Context, id string, start time.Time, result schema.RiskCheckResult, err error) (Accepted, error) {
	switch {
	case stderrors.Is(err, exception.ErrInsufficientBuyingPower):
		u.metrics.RiskFailure(schema.RiskBuyingPower)
		acc, err := u.reject(id, start, exception.KindRiskViolation, "buying power reservation failed", []string{string(schema.RiskBuyingPower)}, err)
		acc.Risk = result
		return acc, err

	case stderrors.Is(err, exception.ErrLedgerConflict) && ctx.Err() == nil:
		logs.Errorf("reservation not booked, order needs reconciliation, order: %s, err: %+v", id, err)
		reason := "reservation not booked after " + strconv.Itoa(u.ledgerRetries) + " attempts, needs reconciliation"
		if _, e := u.advance(id, schema.StatusRiskApproved, "", nil); e != nil {
			return Accepted{OrderID: id, Risk: result}, e
		}
		o, e := u.orders.Transition(id, schema.StatusFailed, reason, func(o *schema.Order) {
			o.ErrorKind = exception.KindLedgerConflict.String()
		})
		if e != nil {
			return Accepted{OrderID: id, Risk: result}, u.cancelled(id, e)
		}
		u.finish(o, start)
		return Accepted{OrderID: id, Status: o.Status, Risk: result, Reason: reason}, nil

	case ctx.Err() != nil:
		o, e := u.orders.Transition(id, schema.StatusCancelled, "caller context done", func(o *schema.Order) {
			o.ErrorKind = exception.KindCancellation.String()
		})
		if e != nil {
			return Accepted{OrderID: id, Risk: result}, u.cancelled(id, e)
		}
		u.finish(o, start)
		return Accepted{OrderID: id, Status: o.Status, Risk: result}, exception.NewOrderError(exception.KindCancellation, id, "caller context done", nil, ctx.Err())

	default:
		acc, err := u.reject(id, start, exception.KindRiskViolation, "buying power reservation failed", nil, err)
		acc.Risk = result
		return acc, err
	}
}

// reject ends an order that never reached a venue.
func (u *Usecase) reject(id string, start time.Time, kind exception.Kind, reason string, rules []string, cause error) (Accepted, error) {
	oerr := exception.NewOrderError(kind, id, reason, rules, cause)
	o, err := u.orders.Transition(id, schema.StatusRejected, oerr.Error(), func(o *schema.Order) {
		o.ErrorKind = kind.String()
	})
	if err != nil {
		return Accepted{OrderID: id}, u.cancelled(id, err)
	}
	u.finish(o, start)
	return Accepted{OrderID: id, Status: o.Status}, oerr
}

// advance moves an in-flight order forward. A move refused because the order
// was cancelled meanwhile is reported as a cancellation.
func (u *Usecase) advance(id string, to schema.OrderStatus, reason string, fn func(*schema.Order)) (schema.Order, error) {
	o, err := u.orders.Transition(id, to, reason, fn)
	if err != nil {
		return o, u.cancelled(id, err)
	}
	return o, nil
}

func (u *Usecase) cancelled(id string, err error) error {
	if u.status(id) == schema.StatusCancelled {
		return exception.NewOrderError(exception.KindCancellation, id, "order cancelled", nil, exception.ErrOrderCancelled)
	}
	return err
}

func (u *Usecase) status(id string) schema.OrderStatus {
	o, ok := u.orders.Order(id)
	if !ok {
		return schema.StatusUnknown
	}
	return o.Status
}

func (u *Usecase) cancelAtVenue(id, venue, venueOrderID string) {
	logs.Warnf("venue acknowledged a cancelled order, cancelling at venue, order: %s, venue: %s", id, venue)
	ctx, cancel := context.WithTimeout(context.Background(), venueCancelTimeout)
	defer cancel()
	if err := u.router.CancelAtVenue(ctx, venue, venueOrderID); err != nil {
		logs.Errorf("venue cancel failed, order needs reconciliation, order: %s, venue: %s, err: %+v", id, venue, err)
	}
}

// finish reports a terminal order to the metrics and audit collaborators.
func (u *Usecase) finish(o schema.Order, start time.Time) {
	u.metrics.OrderTerminal(o.Status)
	if !start.IsZero() {
		u.metrics.ObserveOrderFlow(u.now().Sub(start))
	}
	u.audit.Record(context.Background(), o)
}

// CancelOrder cancels an order that no venue has acknowledged yet. Once a
// venue acknowledged it the order can only be cancelled at the venue, and a
// CancellationError is returned.
func (u *Usecase) CancelOrder(ctx context.Context, id string) (Cancelled, error) {
	o, ok := u.orders.Order(id)
	if !ok {
		return Cancelled{}, exception.NewOrderError(exception.KindCancellation, id, "unknown order", nil, exception.ErrOrderNotFound)
	}
	switch {
	case o.Status.Acknowledged():
		return Cancelled{}, exception.NewOrderError(exception.KindCancellation, id, "acknowledged by venue "+o.Venue+", cancel at the venue", nil, nil)
	case o.Status.Terminal():
		return Cancelled{}, exception.NewOrderError(exception.KindCancellation, id, "order already "+o.Status.String(), nil, nil)
	}

	o, err := u.orders.Transition(id, schema.StatusCancelled, "cancelled by request", func(o *schema.Order) {
		o.ErrorKind = exception.KindCancellation.String()
		o.Reserved = decimal.Zero
	})
	if err != nil {
		return Cancelled{}, exception.NewOrderError(exception.KindCancellation, id, "order moved to "+o.Status.String(), nil, err)
	}
	if cancel, ok := u.inflight.Load(id); ok {
		cancel.(context.CancelFunc)()
	}
	u.finish(o, time.Time{})
	return Cancelled{OrderID: id, Status: o.Status, At: o.UpdatedAt}, nil
}

// OnFillEvent accepts an execution report. Reports are idempotent per fill id
// and ordered per order id. With a fill queue the report is booked
// asynchronously; a full queue returns bus.ErrQueueFull and the caller should
// redeliver.
func (u *Usecase) OnFillEvent(f schema.FillEvent) error {
	if f.ID == "" || f.OrderID == "" {
		return errors.Wrap(og.ErrInvalidFill, "fill without id or order id")
	}
	if u.fills == nil {
		return u.applyFill(f)
	}
	if err := u.fills.TryPublish(f); err != nil {
		if stderrors.Is(err, bus.ErrQueueFull) {
			u.metrics.QueueDrop()
		}
		return err
	}
	return nil
}

// applyFill books one report onto the order and the ledger.
func (u *Usecase) applyFill(f schema.FillEvent) error {
	o, ok := u.orders.Order(f.OrderID)
	if !ok {
		return errors.Wrapf(og.ErrUnknownOrder, "fill %s", f.ID)
	}

	var ledgerErr error
	res, err := u.orders.ApplyFill(f, func(o *schema.Order) error {
		release := o.Reserved
		if rem := o.Remaining(); f.Quantity.LessThan(rem) {
			release = o.Reserved.Mul(f.Quantity).DivRound(rem, 8)
		}
		ledgerErr = u.retryLedger(context.Background(), func() error {
			_, _, err := u.ledger.Apply(ledger.Fill{
				ID:        f.ID,
				OrderID:   o.ID,
				AccountID: o.AccountID,
				Symbol:    o.Symbol,
				Side:      o.Side,
				Quantity:  f.Quantity,
				Price:     f.Price,
				Fee:       f.Fee,
				At:        f.At,
			})
			return err
		})
		if ledgerErr != nil {
			return ledgerErr
		}
		if err := u.ledger.Release(o.AccountID, release); err != nil {
			logs.Warnf("release reservation, order: %s, err: %+v", o.ID, err)
		}
		o.Reserved = o.Reserved.Sub(release)
		return nil
	})
	if ledgerErr != nil {
		return u.failForReconciliation(o, f, ledgerErr)
	}
	if err != nil {
		return err
	}
	if !res.Applied {
		return nil
	}

	if f.Kind == schema.FillKindReject {
		if res.Order.Reserved.IsPositive() {
			if err := u.ledger.Release(res.Order.AccountID, res.Order.Reserved); err != nil {
				logs.Warnf("release reservation, order: %s, err: %+v", res.Order.ID, err)
			}
			_, _ = u.orders.Update(res.Order.ID, func(o *schema.Order) { o.Reserved = decimal.Zero })
		}
		u.finish(res.Order, time.Time{})
		return nil
	}

	u.metrics.FillApplied(res.Order.Status == schema.StatusPartiallyFilled)
	if res.Order.Status.Terminal() {
		u.finish(res.Order, time.Time{})
	}
	return nil
}

// failForReconciliation fails an order whose fill could not be booked.
func (u *Usecase) failForReconciliation(o schema.Order, f schema.FillEvent, cause error) error {
	kind := exception.KindOf(cause)
	if kind == exception.KindUnknown {
		kind = exception.KindLedgerConflict
	}
	logs.Errorf("fill could not be booked, order needs reconciliation, order: %s, fill: %s, err: %+v", o.ID, f.ID, cause)
	failed, err := u.orders.Transition(o.ID, schema.StatusFailed, "fill "+f.ID+" not booked: "+cause.Error(), func(o *schema.Order) {
		o.ErrorKind = kind.String()
	})
	if err != nil {
		return errors.Wrapf(cause, "fail order %s", o.ID)
	}
	if failed.Reserved.IsPositive() {
		if err := u.ledger.Release(failed.AccountID, failed.Reserved); err != nil {
			logs.Warnf("release reservation, order: %s, err: %+v", failed.ID, err)
		}
	}
	u.finish(failed, time.Time{})
	return exception.NewOrderError(kind, o.ID, "fill not booked", nil, cause)
}

// retryLedger retries fn while it reports a ledger conflict, with capped
// exponential backoff.
func (u *Usecase) retryLedger(ctx context.Context, fn func() error) error {
	var err error
	for attempt := range u.ledgerRetries {
		if err = fn(); err == nil || !stderrors.Is(err, exception.ErrLedgerConflict) {
			return err
		}
		if attempt == u.ledgerRetries-1 {
			break
		}
		d := u.ledgerBackoff << attempt
		if d > maxLedgerBackoff || d <= 0 {
			d = maxLedgerBackoff
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

func ruleNames(ids []schema.RuleID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
