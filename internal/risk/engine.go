package risk

import (
	"fmt"
	"sync/atomic"
	"time"

	"oms/internal/schema"
	"oms/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const defaultLatencyBudget = 25 * time.Millisecond

// Config defines the pre-trade limits. A zero limit disables its check.
type Config struct {
	MaxConcentration decimal.Decimal `json:"maxConcentration"`
	MaxDailyOrders   int             `json:"maxDailyOrders"`
	MaxDailyNotional decimal.Decimal `json:"maxDailyNotional"`
	LatencyBudget    time.Duration   `json:"latencyBudget"`
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxConcentration: decimal.RequireFromString("0.5"),
		LatencyBudget:    defaultLatencyBudget,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLatencyObserver reports every evaluation's duration and whether it
// exceeded the budget.
func WithLatencyObserver(fn func(d time.Duration, overBudget bool)) Option {
	return func(e *Engine) { e.observe = fn }
}

// Engine evaluates pre-trade risk. It performs no I/O: the account snapshot
// and reference price are fetched by the caller.
type Engine struct {
	cfg         atomic.Pointer[Config]
	instruments *schema.Registry
	observe     func(time.Duration, bool)
	overruns    atomic.Uint64
}

// NewEngine creates a risk engine. instruments may be nil, in which case every
// symbol is treated as unleveraged.
func NewEngine(cfg Config, instruments *schema.Registry, opts ...Option) *Engine {
	if instruments == nil {
		instruments = schema.NewRegistry()
	}
	e := &Engine{instruments: instruments}
	e.UpdateConfig(cfg)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UpdateConfig swaps the limits used by subsequent evaluations.
func (e *Engine) UpdateConfig(cfg Config) {
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = defaultLatencyBudget
	}
	e.cfg.Store(&cfg)
}

// Config returns the limits in effect.
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// Overruns returns how many evaluations exceeded the latency budget.
func (e *Engine) Overruns() uint64 {
	return e.overruns.Load()
}

// Evaluate runs every rule against the order and returns the full result.
// Rules never short-circuit: a rejected order carries all of its violations.
func (e *Engine) Evaluate(order schema.Order, snapshot schema.AccountSnapshot, ref decimal.Decimal) schema.RiskCheckResult {
	start := time.Now()
	cfg := e.cfg.Load()

	basis := ref
	if s, ok := strategy.For(order.Type); ok {
		basis = s.Basis(order.Intent(), ref)
	}

	current := snapshot.Position(order.Symbol).Quantity
	signed := order.Quantity
	if order.Side == schema.SideSell {
		signed = signed.Neg()
	}
	next := current.Add(signed)
	notional := order.Quantity.Mul(basis)
	increase := exposureIncrease(order.Side, order.Quantity, current)
	inst := e.instruments.Instrument(order.Symbol)
	required := increase.Mul(basis)
	if inst.Leveraged() {
		required = required.DivRound(inst.Leverage, 8)
	}

	result := schema.RiskCheckResult{
		OrderID:        order.ID,
		ReferencePrice: ref,
		Notional:       notional,
		Required:       required,
		Rules: []schema.RuleResult{
			buyingPower(snapshot, required),
			concentration(cfg, snapshot, current, next, ref),
			velocity(cfg, snapshot, notional),
			margin(snapshot, inst, required),
		},
	}

	d := time.Since(start)
	over := d > cfg.LatencyBudget
	if over {
		e.overruns.Add(1)
		logs.Warnf("risk evaluation over budget, order: %s, took: %s, budget: %s", order.ID, d, cfg.LatencyBudget)
	}
	if e.observe != nil {
		e.observe(d, over)
	}
	return result
}

// exposureIncrease is the quantity that opens or extends exposure. A buy uses
// cash for its full quantity; a sell only for the part that opens a short.
func exposureIncrease(side schema.Side, qty, current decimal.Decimal) decimal.Decimal {
	if side == schema.SideBuy {
		return qty
	}
	closing := decimal.Max(decimal.Zero, decimal.Min(qty, current))
	return qty.Sub(closing)
}

func buyingPower(s schema.AccountSnapshot, required decimal.Decimal) schema.RuleResult {
	value := required.Add(s.OpenExposure)
	return schema.RuleResult{
		Rule:   schema.RiskBuyingPower,
		Passed: value.LessThanOrEqual(s.BuyingPower),
		Value:  value,
		Limit:  s.BuyingPower,
		Detail: fmt.Sprintf("required %s + open exposure %s", required, s.OpenExposure),
	}
}

func concentration(cfg *Config, s schema.AccountSnapshot, current, next, ref decimal.Decimal) schema.RuleResult {
	res := schema.RuleResult{Rule: schema.RiskConcentration, Passed: true, Limit: cfg.MaxConcentration}
	if !cfg.MaxConcentration.IsPositive() {
		res.Detail = "disabled"
		return res
	}
	value := next.Abs().Mul(ref)
	equity := s.Equity()
	if !equity.IsPositive() {
		res.Passed = value.IsZero()
		res.Detail = "no equity"
		return res
	}
	res.Value = value.DivRound(equity, 8)
	if next.Abs().LessThanOrEqual(current.Abs()) {
		res.Detail = "reduces position"
		return res
	}
	res.Passed = res.Value.LessThanOrEqual(cfg.MaxConcentration)
	res.Detail = fmt.Sprintf("position value %s of equity %s", value, equity)
	return res
}

func velocity(cfg *Config, s schema.AccountSnapshot, notional decimal.Decimal) schema.RuleResult {
	count := s.DailyOrderCount + 1
	total := s.DailyNotional.Add(notional)
	res := schema.RuleResult{Rule: schema.RiskDailyVelocity, Passed: true, Value: decimal.NewFromInt(int64(count))}
	if cfg.MaxDailyOrders > 0 {
		res.Limit = decimal.NewFromInt(int64(cfg.MaxDailyOrders))
		if count > cfg.MaxDailyOrders {
			res.Passed = false
			res.Detail = fmt.Sprintf("order count %d over %d", count, cfg.MaxDailyOrders)
			return res
		}
	}
	if cfg.MaxDailyNotional.IsPositive() && total.GreaterThan(cfg.MaxDailyNotional) {
		res.Passed = false
		res.Value = total
		res.Limit = cfg.MaxDailyNotional
		res.Detail = fmt.Sprintf("daily notional %s over %s", total, cfg.MaxDailyNotional)
	}
	return res
}

func margin(s schema.AccountSnapshot, inst schema.Instrument, required decimal.Decimal) schema.RuleResult {
	res := schema.RuleResult{Rule: schema.RiskMargin, Passed: true, Limit: s.MarginAvailable}
	if !inst.Leveraged() {
		res.Detail = "not leveraged"
		return res
	}
	res.Value = required
	res.Passed = res.Value.LessThanOrEqual(s.MarginAvailable)
	res.Detail = fmt.Sprintf("leverage %s", inst.Leverage)
	return res
}
