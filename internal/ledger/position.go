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
)

// Fill is one execution to book against a position.
type Fill struct {
	ID        string
	OrderID   string
	AccountID string
	Symbol    string
	Side      schema.Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	At        time.Time
}

// entry owns one (account, symbol) position. mu serializes writers; readers
// load cur without locking and always see quantity and cost from one update.
type entry struct {
	mu      sync.Mutex
	cur     atomic.Pointer[schema.Position]
	applied map[string]struct{}
}

func (a *account) entry(symbol string, leveraged bool) *entry {
	a.mu.RLock()
	e, ok := a.entries[symbol]
	a.mu.RUnlock()
	if ok {
		return e
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[symbol]; ok {
		return e
	}
	e = &entry{applied: make(map[string]struct{})}
	e.cur.Store(&schema.Position{AccountID: a.id, Symbol: symbol, Leveraged: leveraged})
	a.entries[symbol] = e
	return e
}

func (a *account) positions() map[string]schema.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]schema.Position, len(a.entries))
	for symbol, e := range a.entries {
		out[symbol] = *e.cur.Load()
	}
	return out
}

// Apply books a fill. A fill id that was already applied is ignored and
// reported with applied=false. On error nothing is changed, so the caller may
// retry the same fill.
func (l *Ledger) Apply(f Fill) (pos schema.Position, applied bool, err error) {
	if f.ID == "" || !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return schema.Position{}, false, errors.Wrapf(exception.ErrOrderInvalidFill, "fill %q", f.ID)
	}
	if f.Side != schema.SideBuy && f.Side != schema.SideSell {
		return schema.Position{}, false, errors.Wrapf(exception.ErrOrderInvalidFill, "fill %s side %s", f.ID, f.Side)
	}
	a, ok := l.account(f.AccountID)
	if !ok {
		return schema.Position{}, false, errors.Wrapf(exception.ErrAccountNotFound, "account %s", f.AccountID)
	}

	inst := l.instruments.Instrument(f.Symbol)
	e := a.entry(f.Symbol, inst.Leveraged())

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.cur.Load()
	if _, dup := e.applied[f.ID]; dup {
		return *cur, false, nil
	}

	next, realized := book(*cur, f)
	next.Version = cur.Version + 1
	next.UpdatedAt = l.now()

	var cashDelta, marginDelta decimal.Decimal
	if inst.Leveraged() {
		next.Margin = next.Quantity.Abs().Mul(next.AvgCost).DivRound(inst.Leverage, 8)
		marginDelta = next.Margin.Sub(cur.Margin)
		cashDelta = realized.Sub(f.Fee)
	} else {
		cashDelta = f.Quantity.Mul(f.Price).Neg()
		if f.Side == schema.SideSell {
			cashDelta = cashDelta.Neg()
		}
		cashDelta = cashDelta.Sub(f.Fee)
	}

	if _, err := l.update(a, func(b balance) (balance, error) {
		b.Cash = b.Cash.Add(cashDelta)
		b.MarginUsed = b.MarginUsed.Add(marginDelta)
		return b, nil
	}); err != nil {
		return *cur, false, err
	}

	e.cur.Store(&next)
	e.applied[f.ID] = struct{}{}
	return next, true, nil
}

// book returns the position after the fill and the profit it realized before
// fees. Fees are charged to realized P&L.
func book(p schema.Position, f Fill) (schema.Position, decimal.Decimal) {
	q := f.Quantity
	if f.Side == schema.SideSell {
		q = q.Neg()
	}
	next := p
	next.MarkPrice = f.Price
	nextQty := p.Quantity.Add(q)

	var realized decimal.Decimal
	switch {
	case p.Quantity.IsZero() || p.Quantity.Sign() == q.Sign():
		cost := p.Quantity.Abs().Mul(p.AvgCost).Add(q.Abs().Mul(f.Price))
		next.AvgCost = cost.DivRound(nextQty.Abs(), 8)
	default:
		closing := decimal.Min(q.Abs(), p.Quantity.Abs())
		realized = closing.Mul(f.Price.Sub(p.AvgCost))
		if p.Quantity.IsNegative() {
			realized = realized.Neg()
		}
		switch {
		case nextQty.IsZero():
			next.AvgCost = decimal.Zero
		case nextQty.Sign() != p.Quantity.Sign():
			next.AvgCost = f.Price
		}
	}

	next.Quantity = nextQty
	next.RealizedPnL = p.RealizedPnL.Add(realized).Sub(f.Fee)
	next.UnrealizedPnL = next.Unrealized()
	return next, realized
}

// Position returns the current position, flat if none was booked.
func (l *Ledger) Position(accountID, symbol string) schema.Position {
	a, ok := l.account(accountID)
	if !ok {
		return schema.Position{AccountID: accountID, Symbol: symbol}
	}
	a.mu.RLock()
	e, ok := a.entries[symbol]
	a.mu.RUnlock()
	if !ok {
		return schema.Position{AccountID: accountID, Symbol: symbol}
	}
	return *e.cur.Load()
}

// Positions returns every booked position of the account sorted by symbol.
func (l *Ledger) Positions(accountID string) []schema.Position {
	a, ok := l.account(accountID)
	if !ok {
		return nil
	}
	m := a.positions()
	out := make([]schema.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Revalue marks every position in symbol to price and returns how many were
// updated.
func (l *Ledger) Revalue(symbol string, price decimal.Decimal) int {
	if !price.IsPositive() {
		return 0
	}
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	n := 0
	for _, a := range accounts {
		a.mu.RLock()
		e, ok := a.entries[symbol]
		a.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		next := *e.cur.Load()
		next.MarkPrice = price
		next.UnrealizedPnL = next.Unrealized()
		next.UpdatedAt = l.now()
		e.cur.Store(&next)
		e.mu.Unlock()
		n++
	}
	return n
}
