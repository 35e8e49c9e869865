package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is an immutable value; the ledger replaces it as a whole on update.
type Position struct {
	AccountID     string          `json:"accountId"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avgCost"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	Margin        decimal.Decimal `json:"margin"`
	Leveraged     bool            `json:"leveraged,omitempty"`
	Version       uint64          `json:"version"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (p Position) mark() decimal.Decimal {
	if p.MarkPrice.IsZero() {
		return p.AvgCost
	}
	return p.MarkPrice
}

// MarketValue is the signed value of the position at its mark.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.mark())
}

// Unrealized is the open profit of the position at its mark.
func (p Position) Unrealized() decimal.Decimal {
	return p.Quantity.Mul(p.mark().Sub(p.AvgCost))
}

// EquityValue is what the position adds to account equity. A leveraged
// position was never paid for in cash, so only its open profit counts.
func (p Position) EquityValue() decimal.Decimal {
	if p.Leveraged {
		return p.Unrealized()
	}
	return p.MarketValue()
}

// AccountSnapshot is the read-only view handed to the risk engine.
type AccountSnapshot struct {
	AccountID       string              `json:"accountId"`
	Cash            decimal.Decimal     `json:"cash"`
	BuyingPower     decimal.Decimal     `json:"buyingPower"`
	OpenExposure    decimal.Decimal     `json:"openExposure"`
	MarginAvailable decimal.Decimal     `json:"marginAvailable"`
	DailyOrderCount int                 `json:"dailyOrderCount"`
	DailyNotional   decimal.Decimal     `json:"dailyNotional"`
	Positions       map[string]Position `json:"positions"`
	TakenAt         time.Time           `json:"takenAt"`
}

// Equity is cash plus what every position is worth at its mark.
func (s AccountSnapshot) Equity() decimal.Decimal {
	equity := s.Cash
	for _, p := range s.Positions {
		equity = equity.Add(p.EquityValue())
	}
	return equity
}

// Position returns the position for symbol, or a flat one.
func (s AccountSnapshot) Position(symbol string) Position {
	if p, ok := s.Positions[symbol]; ok {
		return p
	}
	return Position{AccountID: s.AccountID, Symbol: symbol}
}
