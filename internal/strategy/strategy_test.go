package strategy

import (
	"testing"
	"time"

	"oms/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func sum(slices []schema.Slice) decimal.Decimal {
	total := decimal.Zero
	for _, s := range slices {
		total = total.Add(s.Quantity)
	}
	return total
}

func TestEveryTypeHasStrategy(t *testing.T) {
	for typ := schema.OrderTypeMarket; typ <= schema.OrderTypeBracket; typ++ {
		s, ok := For(typ)
		require.Truef(t, ok, "missing strategy for %s", typ)
		assert.Equal(t, typ, s.Type)
	}
	_, ok := For(schema.OrderTypeUnknown)
	assert.False(t, ok)
}

func TestBasis(t *testing.T) {
	ref := decimal.NewFromInt(100)
	cases := []struct {
		name   string
		intent schema.OrderIntent
		want   string
	}{
		{"market uses reference", schema.OrderIntent{Type: schema.OrderTypeMarket}, "100"},
		{"limit uses limit", schema.OrderIntent{Type: schema.OrderTypeLimit, Params: schema.TypeParams{LimitPrice: price("101.5")}}, "101.5"},
		{"buy stop uses the higher of stop and reference", schema.OrderIntent{Type: schema.OrderTypeStop, Side: schema.SideBuy, Params: schema.TypeParams{StopPrice: price("105")}}, "105"},
		{"sell stop uses stop", schema.OrderIntent{Type: schema.OrderTypeStop, Side: schema.SideSell, Params: schema.TypeParams{StopPrice: price("95")}}, "95"},
		{"twap without limit uses reference", schema.OrderIntent{Type: schema.OrderTypeTWAP}, "100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := For(tc.intent.Type)
			assert.Equal(t, tc.want, s.Basis(tc.intent, ref).String())
		})
	}
}

func TestIcebergPlan(t *testing.T) {
	s, _ := For(schema.OrderTypeIceberg)
	intent := schema.OrderIntent{
		Type:     schema.OrderTypeIceberg,
		Quantity: decimal.NewFromInt(250),
		Params:   schema.TypeParams{LimitPrice: price("10"), DisplayQty: decimal.NewFromInt(100)},
	}
	require.Empty(t, s.Check(intent))

	plan := s.Plan(intent)
	require.Len(t, plan, 3)
	assert.Equal(t, "50", plan[2].Quantity.String())
	assert.True(t, sum(plan).Equal(intent.Quantity))

	intent.Params.DisplayQty = decimal.NewFromInt(300)
	assert.Equal(t, []string{ParamDisplayQty}, s.Check(intent))
}

func TestSchedulePlansSumToParent(t *testing.T) {
	for _, typ := range []schema.OrderType{schema.OrderTypeTWAP, schema.OrderTypeVWAP} {
		s, _ := For(typ)
		intent := schema.OrderIntent{
			Type:     typ,
			Quantity: decimal.NewFromInt(1000),
			Params:   schema.TypeParams{Slices: 7, Horizon: 70 * time.Minute},
		}
		require.Empty(t, s.Check(intent))

		plan := s.Plan(intent)
		require.Len(t, plan, 7, typ.String())
		assert.Truef(t, sum(plan).Equal(intent.Quantity), "%s children sum to %s", typ, sum(plan))
		assert.Equal(t, 10*time.Minute, plan[1].Offset)
	}
}

func TestScheduleCheck(t *testing.T) {
	s, _ := For(schema.OrderTypeTWAP)
	got := s.Check(schema.OrderIntent{Type: schema.OrderTypeTWAP, Quantity: decimal.NewFromInt(1)})
	assert.Equal(t, []string{ParamSlices, ParamHorizon}, got)
}

func TestBracketCheck(t *testing.T) {
	s, _ := For(schema.OrderTypeBracket)
	base := schema.OrderIntent{Type: schema.OrderTypeBracket, Side: schema.SideBuy, Quantity: decimal.NewFromInt(1)}

	assert.Equal(t, []string{ParamTakeProfit, ParamStopLoss}, s.Check(base))

	ok := base
	ok.Params = schema.TypeParams{LimitPrice: price("100"), TakeProfit: price("110"), StopLoss: price("95")}
	assert.Empty(t, s.Check(ok))

	inverted := ok
	inverted.Params.TakeProfit, inverted.Params.StopLoss = price("95"), price("110")
	assert.Equal(t, []string{ParamTakeProfit, ParamStopLoss}, s.Check(inverted))

	outside := ok
	outside.Params.LimitPrice = price("120")
	assert.Equal(t, []string{ParamLimitPrice}, s.Check(outside))
}
