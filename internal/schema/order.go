package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TypeParams carries the parameters of every order variant. Which fields are
// meaningful is decided by Type; see internal/strategy.
type TypeParams struct {
	LimitPrice decimal.NullDecimal `json:"limitPrice"`
	StopPrice  decimal.NullDecimal `json:"stopPrice"`

	// Iceberg
	DisplayQty decimal.Decimal `json:"displayQty"`

	// TWAP / VWAP
	Slices  int           `json:"slices"`
	Horizon time.Duration `json:"horizon"`

	// Bracket
	TakeProfit decimal.NullDecimal `json:"takeProfit"`
	StopLoss   decimal.NullDecimal `json:"stopLoss"`
}

// OrderIntent is what a caller asks the pipeline to execute.
type OrderIntent struct {
	CorrelationID string          `json:"correlationId"`
	AccountID     string          `json:"accountId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Params        TypeParams      `json:"params"`
}

// Transition is one entry of an order's audit trail.
type Transition struct {
	From   OrderStatus `json:"from"`
	To     OrderStatus `json:"to"`
	At     time.Time   `json:"at"`
	Reason string      `json:"reason,omitempty"`
}

// Order is the pipeline's view of an order.
type Order struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	AccountID     string          `json:"accountId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Params        TypeParams      `json:"params"`

	Status       OrderStatus     `json:"status"`
	Venue        string          `json:"venue,omitempty"`
	VenueOrderID string          `json:"venueOrderId,omitempty"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`

	// Reserved is the buying power still held for the unfilled remainder.
	Reserved decimal.Decimal `json:"reserved"`

	Risk      *RiskCheckResult `json:"risk,omitempty"`
	ErrorKind string           `json:"errorKind,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	History   []Transition     `json:"history"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Intent returns the caller's request the order was created from.
func (o Order) Intent() OrderIntent {
	return OrderIntent{
		CorrelationID: o.CorrelationID,
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      o.Quantity,
		Params:        o.Params,
	}
}

// Clone returns a copy that shares no mutable slices with o.
func (o Order) Clone() Order {
	c := o
	if o.History != nil {
		c.History = make([]Transition, len(o.History))
		copy(c.History, o.History)
	}
	return c
}

// FillKind tells a fill apart from an asynchronous venue reject.
type FillKind uint8

const (
	FillKindFill FillKind = iota
	FillKindReject
)

// FillEvent is an execution report delivered by a venue, possibly more than once.
type FillEvent struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"orderId"`
	Venue    string          `json:"venue"`
	Kind     FillKind        `json:"kind"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	Reason   string          `json:"reason,omitempty"`
	At       time.Time       `json:"at"`
}

// VenueOrder is the request the execution adapter hands to a venue.
type VenueOrder struct {
	ClientOrderID string          `json:"clientOrderId"`
	AccountID     string          `json:"accountId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Params        TypeParams      `json:"params"`
	Slices        []Slice         `json:"slices,omitempty"`
}

// Slice is one child of a parent order as planned by its strategy.
type Slice struct {
	Quantity decimal.Decimal `json:"quantity"`
	Offset   time.Duration   `json:"offset"`
}

// AckStatus is the venue's answer to a submission.
type AckStatus uint8

const (
	AckUnknown AckStatus = iota
	AckAccepted
	AckRejected
)

// Ack is a venue acknowledgment, optionally carrying immediate fills.
type Ack struct {
	VenueOrderID string      `json:"venueOrderId"`
	Status       AckStatus   `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	Fills        []FillEvent `json:"fills,omitempty"`
}
