// Package validate runs the structural checks an order intent must pass before
// it reaches the risk engine.
package validate

import (
	"regexp"

	"oms/internal/schema"
	"oms/internal/strategy"
)

// Rule names reported on failure.
const (
	RuleSymbol     schema.RuleID = "symbol"
	RuleQuantity   schema.RuleID = "quantity"
	RuleSide       schema.RuleID = "side"
	RuleOrderType  schema.RuleID = "order_type"
	RulePrice      schema.RuleID = "price"
	RuleTypeParams schema.RuleID = "type_params"
	RuleAccount    schema.RuleID = "account"
)

// AccountDirectory answers whether an account exists. It must be safe to read
// concurrently.
type AccountDirectory interface {
	Exists(accountID string) bool
}

// Rule is one independent check.
type Rule struct {
	ID    schema.RuleID
	Check func(intent schema.OrderIntent, accounts AccountDirectory) bool
}

// Chain is an ordered list of rules. Every rule runs; the chain never stops at
// the first failure.
type Chain struct {
	rules []Rule
}

// NewChain returns the built-in rules followed by extra.
func NewChain(extra ...Rule) *Chain {
	rules := []Rule{
		{ID: RuleSymbol, Check: checkSymbol},
		{ID: RuleQuantity, Check: checkQuantity},
		{ID: RuleSide, Check: checkSide},
		{ID: RuleOrderType, Check: checkOrderType},
		{ID: RulePrice, Check: checkPrice},
		{ID: RuleTypeParams, Check: checkTypeParams},
		{ID: RuleAccount, Check: checkAccount},
	}
	return &Chain{rules: append(rules, extra...)}
}

// Validate returns the ids of every failed rule, in chain order. An empty
// result means the intent is valid.
func (c *Chain) Validate(intent schema.OrderIntent, accounts AccountDirectory) []schema.RuleID {
	var failed []schema.RuleID
	for _, r := range c.rules {
		if !r.Check(intent, accounts) {
			failed = append(failed, r.ID)
		}
	}
	return failed
}

// Rules returns the rule ids in chain order.
func (c *Chain) Rules() []schema.RuleID {
	ids := make([]schema.RuleID, len(c.rules))
	for i, r := range c.rules {
		ids[i] = r.ID
	}
	return ids
}

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9./-]{0,15}$`)

func checkSymbol(intent schema.OrderIntent, _ AccountDirectory) bool {
	return symbolPattern.MatchString(intent.Symbol)
}

func checkQuantity(intent schema.OrderIntent, _ AccountDirectory) bool {
	return intent.Quantity.IsPositive()
}

func checkSide(intent schema.OrderIntent, _ AccountDirectory) bool {
	return intent.Side == schema.SideBuy || intent.Side == schema.SideSell
}

func checkOrderType(intent schema.OrderIntent, _ AccountDirectory) bool {
	_, ok := strategy.For(intent.Type)
	return ok
}

func checkPrice(intent schema.OrderIntent, _ AccountDirectory) bool {
	p := intent.Params
	if p.LimitPrice.Valid && !p.LimitPrice.Decimal.IsPositive() {
		return false
	}
	if p.StopPrice.Valid && !p.StopPrice.Decimal.IsPositive() {
		return false
	}
	s, ok := strategy.For(intent.Type)
	if !ok {
		// reported by order_type
		return true
	}
	if s.NeedsLimit && !p.LimitPrice.Valid {
		return false
	}
	if s.NeedsStop && !p.StopPrice.Valid {
		return false
	}
	return true
}

func checkTypeParams(intent schema.OrderIntent, _ AccountDirectory) bool {
	s, ok := strategy.For(intent.Type)
	if !ok {
		return true
	}
	return len(s.Check(intent)) == 0
}

func checkAccount(intent schema.OrderIntent, accounts AccountDirectory) bool {
	if intent.AccountID == "" || accounts == nil {
		return false
	}
	return accounts.Exists(intent.AccountID)
}
