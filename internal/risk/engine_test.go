package risk

import (
	"testing"
	"time"

	"oms/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshot(cash string) schema.AccountSnapshot {
	return schema.AccountSnapshot{
		AccountID:       "acc-1",
		Cash:            d(cash),
		BuyingPower:     d(cash),
		MarginAvailable: d(cash),
		Positions:       map[string]schema.Position{},
	}
}

func marketBuy(symbol string, qty int64) schema.Order {
	return schema.Order{
		ID:       "ord-1",
		Symbol:   symbol,
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeMarket,
		Quantity: decimal.NewFromInt(qty),
	}
}

func TestEvaluatePasses(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	res := e.Evaluate(marketBuy("AAPL", 100), snapshot("1000000"), d("150"))

	require.True(t, res.Passed(), res.String())
	assert.Len(t, res.Rules, 4)
	assert.Equal(t, "15000", res.Notional.String())
}

func TestBuyingPowerIncludesOpenExposure(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	snap := snapshot("100000")
	snap.OpenExposure = d("95000")

	res := e.Evaluate(marketBuy("AAPL", 100), snap, d("150"))
	assert.Equal(t, []schema.RiskRule{schema.RiskBuyingPower}, res.Failed())

	bp, ok := res.Rule(schema.RiskBuyingPower)
	require.True(t, ok)
	assert.Equal(t, "110000", bp.Value.String())
	assert.Equal(t, "100000", bp.Limit.String())
}

func TestLimitOrderUsesLimitPrice(t *testing.T) {
	e := NewEngine(Config{}, nil)
	o := marketBuy("AAPL", 10)
	o.Type = schema.OrderTypeLimit
	o.Params.LimitPrice = decimal.NewNullDecimal(d("90"))

	res := e.Evaluate(o, snapshot("950"), d("100"))
	assert.True(t, res.Passed(), res.String())
	assert.Equal(t, "900", res.Notional.String())
}

func TestSellClosingLongNeedsNoBuyingPower(t *testing.T) {
	e := NewEngine(Config{}, nil)
	snap := snapshot("0")
	snap.Positions["AAPL"] = schema.Position{Symbol: "AAPL", Quantity: d("50"), AvgCost: d("100")}

	o := marketBuy("AAPL", 50)
	o.Side = schema.SideSell
	assert.True(t, e.Evaluate(o, snap, d("100")).Passed())

	o.Quantity = d("60")
	res := e.Evaluate(o, snap, d("100"))
	bp, _ := res.Rule(schema.RiskBuyingPower)
	assert.False(t, bp.Passed)
	assert.Equal(t, "1000", bp.Value.String())
}

func TestAllViolationsReported(t *testing.T) {
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddInstrument(schema.Instrument{Symbol: "BTC-PERP", Leverage: d("5")}))

	cfg := DefaultConfig()
	cfg.MaxDailyOrders = 3
	e := NewEngine(cfg, reg)

	snap := snapshot("1000")
	snap.MarginAvailable = d("100")
	snap.DailyOrderCount = 3

	res := e.Evaluate(marketBuy("BTC-PERP", 1), snap, d("20000"))
	assert.Equal(t, []schema.RiskRule{
		schema.RiskBuyingPower,
		schema.RiskConcentration,
		schema.RiskDailyVelocity,
		schema.RiskMargin,
	}, res.Failed())

	m, _ := res.Rule(schema.RiskMargin)
	assert.Equal(t, "4000", m.Value.String())
}

func TestDailyNotional(t *testing.T) {
	e := NewEngine(Config{MaxDailyNotional: d("10000")}, nil)
	snap := snapshot("1000000")
	snap.DailyNotional = d("9000")

	res := e.Evaluate(marketBuy("AAPL", 10), snap, d("150"))
	assert.Equal(t, []schema.RiskRule{schema.RiskDailyVelocity}, res.Failed())
	v, _ := res.Rule(schema.RiskDailyVelocity)
	assert.Equal(t, "10500", v.Value.String())
}

func TestConcentrationReducingPasses(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	snap := snapshot("100")
	snap.Positions["AAPL"] = schema.Position{Symbol: "AAPL", Quantity: d("100"), MarkPrice: d("100")}

	o := marketBuy("AAPL", 10)
	o.Side = schema.SideSell
	res := e.Evaluate(o, snap, d("100"))
	assert.True(t, res.Passed(), res.String())
}

func TestUnleveragedMarginNotApplicable(t *testing.T) {
	e := NewEngine(Config{}, nil)
	snap := snapshot("100000")
	snap.MarginAvailable = decimal.Zero

	m, ok := e.Evaluate(marketBuy("AAPL", 1), snap, d("150")).Rule(schema.RiskMargin)
	require.True(t, ok)
	assert.True(t, m.Passed)
}

func TestUpdateConfig(t *testing.T) {
	e := NewEngine(Config{}, nil)
	snap := snapshot("1000000")
	snap.DailyOrderCount = 10
	require.True(t, e.Evaluate(marketBuy("AAPL", 1), snap, d("1")).Passed())

	e.UpdateConfig(Config{MaxDailyOrders: 10})
	assert.Equal(t, defaultLatencyBudget, e.Config().LatencyBudget)
	assert.False(t, e.Evaluate(marketBuy("AAPL", 1), snap, d("1")).Passed())
}

func TestLatencyObserver(t *testing.T) {
	var calls int
	e := NewEngine(Config{LatencyBudget: time.Hour}, nil, WithLatencyObserver(func(_ time.Duration, over bool) {
		calls++
		assert.False(t, over)
	}))
	e.Evaluate(marketBuy("AAPL", 1), snapshot("1000"), d("1"))
	assert.Equal(t, 1, calls)
	assert.Zero(t, e.Overruns())
}
