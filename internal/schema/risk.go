package schema

import (
	"strings"

	"github.com/shopspring/decimal"
)

// RuleID names a validation rule.
type RuleID string

// RiskRule names a pre-trade risk check.
type RiskRule string

const (
	RiskBuyingPower   RiskRule = "BuyingPower"
	RiskConcentration RiskRule = "Concentration"
	RiskDailyVelocity RiskRule = "DailyVelocity"
	RiskMargin        RiskRule = "Margin"
)

// RuleResult is the outcome of one risk check.
type RuleResult struct {
	Rule   RiskRule        `json:"rule"`
	Passed bool            `json:"passed"`
	Value  decimal.Decimal `json:"value"`
	Limit  decimal.Decimal `json:"limit"`
	Detail string          `json:"detail,omitempty"`
}

// RiskCheckResult holds every rule's outcome for one order.
type RiskCheckResult struct {
	OrderID        string          `json:"orderId"`
	ReferencePrice decimal.Decimal `json:"referencePrice"`
	Notional       decimal.Decimal `json:"notional"`
	// Required is the buying power the order consumes if fully filled.
	Required decimal.Decimal `json:"required"`
	Rules          []RuleResult    `json:"rules"`
}

// Passed reports whether every rule passed.
func (r RiskCheckResult) Passed() bool {
	for _, rule := range r.Rules {
		if !rule.Passed {
			return false
		}
	}
	return true
}

// Failed returns the failed rules in evaluation order.
func (r RiskCheckResult) Failed() []RiskRule {
	var out []RiskRule
	for _, rule := range r.Rules {
		if !rule.Passed {
			out = append(out, rule.Rule)
		}
	}
	return out
}

// Rule returns the result of a single rule.
func (r RiskCheckResult) Rule(rule RiskRule) (RuleResult, bool) {
	for _, res := range r.Rules {
		if res.Rule == rule {
			return res, true
		}
	}
	return RuleResult{}, false
}

func (r RiskCheckResult) String() string {
	failed := r.Failed()
	if len(failed) == 0 {
		return "passed"
	}
	names := make([]string, len(failed))
	for i, f := range failed {
		names[i] = string(f)
	}
	return "failed: " + strings.Join(names, ",")
}
