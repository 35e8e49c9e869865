package exception

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable, user-visible category of a pipeline error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindRiskViolation
	KindNoVenueAvailable
	KindExecutionTimeout
	KindVenueReject
	KindLedgerConflict
	KindCancellation
)

var kindNames = [...]string{
	"Unknown",
	"ValidationError",
	"RiskViolation",
	"NoVenueAvailable",
	"ExecutionTimeout",
	"VenueReject",
	"LedgerConflict",
	"CancellationError",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindRiskViolation:
		return ErrRiskViolation
	case KindNoVenueAvailable:
		return ErrNoVenueAvailable
	case KindExecutionTimeout:
		return ErrExecutionTimeout
	case KindVenueReject:
		return ErrVenueReject
	case KindLedgerConflict:
		return ErrLedgerConflict
	case KindCancellation:
		return ErrCancellation
	default:
		return nil
	}
}

// OrderError is the error surfaced by the pipeline. Rules holds the complete
// set of violated rule names for validation and risk failures.
type OrderError struct {
	Kind    Kind
	OrderID string
	Reason  string
	Rules   []string
	Err     error
}

// NewOrderError builds an OrderError.
func NewOrderError(kind Kind, orderID, reason string, rules []string, cause error) *OrderError {
	return &OrderError{Kind: kind, OrderID: orderID, Reason: reason, Rules: rules, Err: cause}
}

func (e *OrderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Rules) != 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Rules, ","))
	}
	if e.Err != nil {
		b.WriteString(", err: ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *OrderError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of the first OrderError in err's chain. Plain
// sentinels are recognised too.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	for k := KindValidation; k <= KindCancellation; k++ {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}
