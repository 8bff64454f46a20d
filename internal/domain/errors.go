package domain

import "errors"

// Generic storage and access errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrLockHeld          = errors.New("lock already held")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidRequest    = errors.New("invalid request")
)

// Settlement errors. Every one of them aborts the operation that raised it
// with no partial effect; callers fix the precondition and resubmit.
var (
	ErrInvalidWindow      = errors.New("bidding start must precede bidding end")
	ErrInvalidTarget      = errors.New("target bid must be positive")
	ErrNoDelegatedAmount  = errors.New("no delegated amount")
	ErrNotYetOpen         = errors.New("bidding not yet open")
	ErrWindowClosed       = errors.New("bidding window closed")
	ErrStillBidding       = errors.New("bidding still in progress")
	ErrHeirTimedOut       = errors.New("heir timeout elapsed")
	ErrWrongStatus        = errors.New("operation not allowed in current round status")
	ErrMissingConsent     = errors.New("user consent required before heir timeout")
	ErrZeroPool           = errors.New("round has no vouchers")
	ErrNonEmptyPool       = errors.New("round still has vouchers or wait not elapsed")
	ErrBiddingStarted     = errors.New("bidding already started")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
)
