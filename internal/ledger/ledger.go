// Package ledger keeps account balances and positions. Position writes are
// serialized per (account, symbol); account balances are immutable values
// replaced by compare-and-swap.
package ledger

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"oms/internal/schema"
	"oms/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const defaultMaxCASRetries = 16

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMaxCASRetries bounds how often an account update is retried before it
// fails with a ledger conflict.
func WithMaxCASRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

// Ledger is safe for concurrent use.
type Ledger struct {
	instruments *schema.Registry
	now         func() time.Time
	maxRetries  int

	mu       sync.RWMutex
	accounts map[string]*account
}

type account struct {
	id    string
	state atomic.Pointer[balance]

	mu      sync.RWMutex
	entries map[string]*entry
}

// balance is never mutated after it is published.
type balance struct {
	Cash          decimal.Decimal
	MarginLimit   decimal.Decimal
	MarginUsed    decimal.Decimal
	OpenExposure  decimal.Decimal
	Day           string
	DailyOrders   int
	DailyNotional decimal.Decimal
	Version       uint64
}

func (b balance) buyingPower() decimal.Decimal {
	return b.Cash.Sub(b.MarginUsed)
}

// New creates an empty ledger. instruments may be nil.
func New(instruments *schema.Registry, opts ...Option) *Ledger {
	if instruments == nil {
		instruments = schema.NewRegistry()
	}
	l := &Ledger{
		instruments: instruments,
		now:         time.Now,
		maxRetries:  defaultMaxCASRetries,
		accounts:    make(map[string]*account),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenAccount registers an account with its starting cash and margin limit.
// Opening an existing account is a no-op.
func (l *Ledger) OpenAccount(id string, cash, marginLimit decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[id]; ok {
		return
	}
	a := &account{id: id, entries: make(map[string]*entry)}
	a.state.Store(&balance{Cash: cash, MarginLimit: marginLimit})
	l.accounts[id] = a
}

// Exists reports whether the account is known.
func (l *Ledger) Exists(id string) bool {
	_, ok := l.account(id)
	return ok
}

// Accounts returns every account id.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (l *Ledger) account(id string) (*account, bool) {
	l.mu.RLock()
	a, ok := l.accounts[id]
	l.mu.RUnlock()
	return a, ok
}

func (l *Ledger) day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// update applies fn to the account balance with a bounded compare-and-swap
// loop. fn must be pure; it may run several times.
func (l *Ledger) update(a *account, fn func(b balance) (balance, error)) (balance, error) {
	for range l.maxRetries {
		cur := a.state.Load()
		next, err := fn(*cur)
		if err != nil {
			return *cur, err
		}
		next.Version = cur.Version + 1
		if a.state.CompareAndSwap(cur, &next) {
			return next, nil
		}
	}
	logs.Warnf("ledger account update gave up after %d attempts, account: %s", l.maxRetries, a.id)
	return balance{}, errors.Wrapf(exception.ErrLedgerConflict, "account %s", a.id)
}

// Snapshot returns the read-only view the risk engine evaluates against.
func (l *Ledger) Snapshot(accountID string) (schema.AccountSnapshot, error) {
	a, ok := l.account(accountID)
	if !ok {
		return schema.AccountSnapshot{}, errors.Wrapf(exception.ErrAccountNotFound, "account %s", accountID)
	}
	now := l.now()
	b := *a.state.Load()
	snap := schema.AccountSnapshot{
		AccountID:       accountID,
		Cash:            b.Cash,
		BuyingPower:     b.buyingPower(),
		OpenExposure:    b.OpenExposure,
		MarginAvailable: decimal.Max(decimal.Zero, b.MarginLimit.Sub(b.MarginUsed)),
		Positions:       a.positions(),
		TakenAt:         now,
	}
	if b.Day == l.day(now) {
		snap.DailyOrderCount = b.DailyOrders
		snap.DailyNotional = b.DailyNotional
	}
	return snap, nil
}

// Reserve holds buying power for a risk-approved order and counts it toward
// the account's daily velocity. It fails when the exposure no longer fits,
// which closes the window between the risk check and the reservation.
func (l *Ledger) Reserve(accountID string, exposure, notional decimal.Decimal, at time.Time) error {
	a, ok := l.account(accountID)
	if !ok {
		return errors.Wrapf(exception.ErrAccountNotFound, "account %s", accountID)
	}
	today := l.day(at)
	_, err := l.update(a, func(b balance) (balance, error) {
		if exposure.IsPositive() && b.OpenExposure.Add(exposure).GreaterThan(b.buyingPower()) {
			return b, errors.Wrapf(exception.ErrInsufficientBuyingPower, "account %s", accountID)
		}
		if b.Day != today {
			b.Day = today
			b.DailyOrders = 0
			b.DailyNotional = decimal.Zero
		}
		b.DailyOrders++
		b.DailyNotional = b.DailyNotional.Add(notional)
		b.OpenExposure = b.OpenExposure.Add(exposure)
		return b, nil
	})
	return err
}

// Release returns reserved buying power. Exposure never goes below zero.
func (l *Ledger) Release(accountID string, exposure decimal.Decimal) error {
	if !exposure.IsPositive() {
		return nil
	}
	a, ok := l.account(accountID)
	if !ok {
		return errors.Wrapf(exception.ErrAccountNotFound, "account %s", accountID)
	}
	_, err := l.update(a, func(b balance) (balance, error) {
		b.OpenExposure = decimal.Max(decimal.Zero, b.OpenExposure.Sub(exposure))
		return b, nil
	})
	return err
}

// Revert undoes a reservation made at for an order that never reached a
// venue: the exposure is released and the order no longer counts toward the
// daily velocity of that day.
func (l *Ledger) Revert(accountID string, exposure, notional decimal.Decimal, at time.Time) error {
	a, ok := l.account(accountID)
	if !ok {
		return errors.Wrapf(exception.ErrAccountNotFound, "account %s", accountID)
	}
	day := l.day(at)
	_, err := l.update(a, func(b balance) (balance, error) {
		b.OpenExposure = decimal.Max(decimal.Zero, b.OpenExposure.Sub(exposure))
		if b.Day == day {
			if b.DailyOrders > 0 {
				b.DailyOrders--
			}
			b.DailyNotional = decimal.Max(decimal.Zero, b.DailyNotional.Sub(notional))
		}
		return b, nil
	})
	return err
}

// Deposit adds cash to an account. Negative amounts withdraw.
func (l *Ledger) Deposit(accountID string, amount decimal.Decimal) error {
	a, ok := l.account(accountID)
	if !ok {
		return errors.Wrapf(exception.ErrAccountNotFound, "account %s", accountID)
	}
	_, err := l.update(a, func(b balance) (balance, error) {
		b.Cash = b.Cash.Add(amount)
		return b, nil
	})
	return err
}
