package exception

import "errors"

// Kind sentinels. An *OrderError matches exactly one of them with errors.Is.
var (
	ErrValidation       = errors.New("order: validation failed")
	ErrRiskViolation    = errors.New("order: risk violation")
	ErrNoVenueAvailable = errors.New("order: no venue available")
	ErrExecutionTimeout = errors.New("order: execution timeout")
	ErrVenueReject      = errors.New("order: rejected by venue")
	ErrLedgerConflict   = errors.New("order: ledger conflict")
	ErrCancellation     = errors.New("order: cannot cancel")
)

var (
	ErrOrderNotFound     = errors.New("order: not found")
	ErrOrderInvalidFill  = errors.New("order: invalid fill")
	ErrOrderUnknownVenue = errors.New("order: unknown venue")
	ErrOrderCancelled    = errors.New("order: cancelled")
	ErrPriceUnavailable  = errors.New("order: reference price unavailable")
	ErrAccountNotFound   = errors.New("order: account not found")
	ErrInvalidTransition = errors.New("order: invalid state transition")

	ErrInsufficientBuyingPower = errors.New("ledger: insufficient buying power")
)
