package schema

import (
	"fmt"
	"strings"
)

// Side describes order direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

var sideNames = [...]string{"UNKNOWN", "BUY", "SELL"}

func (s Side) String() string {
	if int(s) < len(sideNames) {
		return sideNames[s]
	}
	return sideNames[SideUnknown]
}

// Sign returns +1 for buys, -1 for sells and 0 otherwise.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, ok := lookup(sideNames[:], string(b))
	if !ok {
		return fmt.Errorf("unknown side: %s", b)
	}
	*s = Side(v)
	return nil
}

// OrderType is the tag of the order variant. Its parameters live in TypeParams.
type OrderType uint8

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStop
	OrderTypeIceberg
	OrderTypeTWAP
	OrderTypeVWAP
	OrderTypeBracket
)

var orderTypeNames = [...]string{"UNKNOWN", "MARKET", "LIMIT", "STOP", "ICEBERG", "TWAP", "VWAP", "BRACKET"}

func (t OrderType) String() string {
	if int(t) < len(orderTypeNames) {
		return orderTypeNames[t]
	}
	return orderTypeNames[OrderTypeUnknown]
}

func (t OrderType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(b []byte) error {
	v, ok := lookup(orderTypeNames[:], string(b))
	if !ok {
		return fmt.Errorf("unknown order type: %s", b)
	}
	*t = OrderType(v)
	return nil
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus uint8

const (
	StatusUnknown OrderStatus = iota
	StatusReceived
	StatusValidated
	StatusRiskApproved
	StatusRouted
	StatusSubmitted
	StatusPartiallyFilled
	StatusFilled
	StatusRejected
	StatusFailed
	StatusCancelled

	statusCount
)

var statusNames = [...]string{
	"UNKNOWN",
	"RECEIVED",
	"VALIDATED",
	"RISK_APPROVED",
	"ROUTED",
	"SUBMITTED",
	"PARTIALLY_FILLED",
	"FILLED",
	"REJECTED",
	"FAILED",
	"CANCELLED",
}

// StatusCount is the number of defined statuses, used to size counter arrays.
const StatusCount = int(statusCount)

func (s OrderStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return statusNames[StatusUnknown]
}

// Terminal reports whether no further transition may leave the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Acknowledged reports whether a venue has irreversibly accepted the order.
func (s OrderStatus) Acknowledged() bool {
	switch s {
	case StatusSubmitted, StatusPartiallyFilled, StatusFilled:
		return true
	default:
		return false
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	v, ok := lookup(statusNames[:], string(b))
	if !ok {
		return fmt.Errorf("unknown order status: %s", b)
	}
	*s = OrderStatus(v)
	return nil
}

func lookup(names []string, s string) (int, bool) {
	for i, name := range names {
		if strings.EqualFold(name, s) {
			return i, true
		}
	}
	return 0, false
}
