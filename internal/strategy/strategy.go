// Package strategy holds one pure function set per order type: which prices
// the type needs, which price the notional is computed on, and how the parent
// is sliced into children for the venue.
package strategy

import (
	"time"

	"oms/internal/schema"

	"github.com/shopspring/decimal"
)

// Param violations reported by Check.
const (
	ParamLimitPrice = "limit_price"
	ParamStopPrice  = "stop_price"
	ParamDisplayQty = "display_qty"
	ParamSlices     = "slices"
	ParamHorizon    = "horizon"
	ParamTakeProfit = "take_profit"
	ParamStopLoss   = "stop_loss"
)

// Strategy describes one order type.
type Strategy struct {
	Type       schema.OrderType
	NeedsLimit bool
	NeedsStop  bool

	check func(o schema.OrderIntent) []string
	basis func(o schema.OrderIntent, ref decimal.Decimal) decimal.Decimal
	plan  func(o schema.OrderIntent) []schema.Slice
}

var strategies = map[schema.OrderType]Strategy{
	schema.OrderTypeMarket: {
		Type:  schema.OrderTypeMarket,
		basis: referenceBasis,
		plan:  single,
	},
	schema.OrderTypeLimit: {
		Type:       schema.OrderTypeLimit,
		NeedsLimit: true,
		basis:      limitBasis,
		plan:       single,
	},
	schema.OrderTypeStop: {
		Type:      schema.OrderTypeStop,
		NeedsStop: true,
		basis:     stopBasis,
		plan:      single,
	},
	schema.OrderTypeIceberg: {
		Type:       schema.OrderTypeIceberg,
		NeedsLimit: true,
		check:      checkIceberg,
		basis:      limitBasis,
		plan:       icebergPlan,
	},
	schema.OrderTypeTWAP: {
		Type:  schema.OrderTypeTWAP,
		check: checkSchedule,
		basis: limitOrReference,
		plan:  twapPlan,
	},
	schema.OrderTypeVWAP: {
		Type:  schema.OrderTypeVWAP,
		check: checkSchedule,
		basis: limitOrReference,
		plan:  vwapPlan,
	},
	schema.OrderTypeBracket: {
		Type:  schema.OrderTypeBracket,
		check: checkBracket,
		basis: limitOrReference,
		plan:  single,
	},
}

// For returns the strategy of t.
func For(t schema.OrderType) (Strategy, bool) {
	s, ok := strategies[t]
	return s, ok
}

// Check returns the parameter names that are inconsistent for the order type.
// Price presence is not checked here; callers use NeedsLimit/NeedsStop.
func (s Strategy) Check(o schema.OrderIntent) []string {
	if s.check == nil {
		return nil
	}
	return s.check(o)
}

// Basis returns the per-unit price the order's notional is computed on.
func (s Strategy) Basis(o schema.OrderIntent, ref decimal.Decimal) decimal.Decimal {
	return s.basis(o, ref)
}

// Plan splits the order into the children a venue works.
func (s Strategy) Plan(o schema.OrderIntent) []schema.Slice {
	return s.plan(o)
}

func referenceBasis(_ schema.OrderIntent, ref decimal.Decimal) decimal.Decimal {
	return ref
}

func limitBasis(o schema.OrderIntent, ref decimal.Decimal) decimal.Decimal {
	if o.Params.LimitPrice.Valid {
		return o.Params.LimitPrice.Decimal
	}
	return ref
}

func stopBasis(o schema.OrderIntent, ref decimal.Decimal) decimal.Decimal {
	if o.Params.LimitPrice.Valid {
		return o.Params.LimitPrice.Decimal
	}
	if o.Params.StopPrice.Valid {
		if o.Side == schema.SideBuy {
			return decimal.Max(o.Params.StopPrice.Decimal, ref)
		}
		return o.Params.StopPrice.Decimal
	}
	return ref
}

func limitOrReference(o schema.OrderIntent, ref decimal.Decimal) decimal.Decimal {
	return limitBasis(o, ref)
}

func single(o schema.OrderIntent) []schema.Slice {
	return []schema.Slice{{Quantity: o.Quantity}}
}

func checkIceberg(o schema.OrderIntent) []string {
	d := o.Params.DisplayQty
	if !d.IsPositive() || d.GreaterThan(o.Quantity) {
		return []string{ParamDisplayQty}
	}
	return nil
}

func icebergPlan(o schema.OrderIntent) []schema.Slice {
	display := o.Params.DisplayQty
	if !display.IsPositive() {
		return single(o)
	}
	var out []schema.Slice
	left := o.Quantity
	for left.IsPositive() {
		q := decimal.Min(display, left)
		out = append(out, schema.Slice{Quantity: q})
		left = left.Sub(q)
	}
	return out
}

func checkSchedule(o schema.OrderIntent) []string {
	var out []string
	if o.Params.Slices <= 0 {
		out = append(out, ParamSlices)
	}
	if o.Params.Horizon <= 0 {
		out = append(out, ParamHorizon)
	}
	return out
}

func twapPlan(o schema.OrderIntent) []schema.Slice {
	n := o.Params.Slices
	if n <= 1 {
		return single(o)
	}
	weights := make([]decimal.Decimal, n)
	for i := range weights {
		weights[i] = decimal.NewFromInt(1)
	}
	return weighted(o, weights)
}

// intraday volume curve, open to close, used to shape VWAP children.
var volumeProfile = []float64{0.14, 0.09, 0.07, 0.06, 0.05, 0.05, 0.05, 0.06, 0.07, 0.09, 0.12, 0.15}

func vwapPlan(o schema.OrderIntent) []schema.Slice {
	n := o.Params.Slices
	if n <= 1 {
		return single(o)
	}
	weights := make([]decimal.Decimal, n)
	for i := range weights {
		pos := i * len(volumeProfile) / n
		weights[i] = decimal.NewFromFloat(volumeProfile[pos])
	}
	return weighted(o, weights)
}

// weighted splits the parent by weights spread evenly over the horizon. The
// last child takes the rounding remainder so children always sum to the parent.
func weighted(o schema.OrderIntent, weights []decimal.Decimal) []schema.Slice {
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	n := len(weights)
	step := o.Params.Horizon / time.Duration(n)
	out := make([]schema.Slice, n)
	left := o.Quantity
	for i, w := range weights {
		q := left
		if i < n-1 {
			q = o.Quantity.Mul(w).DivRound(total, 8)
			left = left.Sub(q)
		}
		out[i] = schema.Slice{Quantity: q, Offset: step * time.Duration(i)}
	}
	return out
}

func checkBracket(o schema.OrderIntent) []string {
	var out []string
	tp, sl := o.Params.TakeProfit, o.Params.StopLoss
	if !tp.Valid || !tp.Decimal.IsPositive() {
		out = append(out, ParamTakeProfit)
	}
	if !sl.Valid || !sl.Decimal.IsPositive() {
		out = append(out, ParamStopLoss)
	}
	if len(out) != 0 {
		return out
	}

	// the protective legs must straddle the entry
	entry := o.Params.LimitPrice
	switch o.Side {
	case schema.SideBuy:
		if !sl.Decimal.LessThan(tp.Decimal) {
			return []string{ParamTakeProfit, ParamStopLoss}
		}
		if entry.Valid && !(sl.Decimal.LessThan(entry.Decimal) && entry.Decimal.LessThan(tp.Decimal)) {
			return []string{ParamLimitPrice}
		}
	case schema.SideSell:
		if !tp.Decimal.LessThan(sl.Decimal) {
			return []string{ParamTakeProfit, ParamStopLoss}
		}
		if entry.Valid && !(tp.Decimal.LessThan(entry.Decimal) && entry.Decimal.LessThan(sl.Decimal)) {
			return []string{ParamLimitPrice}
		}
	}
	return nil
}
