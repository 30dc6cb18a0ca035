package core

import "errors"

// Every failure aborts the whole call with no partial state mutation.
// Venue-side failures are never surfaced here; they show up as queue entries
// that never reconcile, which is a monitoring concern.
var (
	// ErrPaused gates deposits, withdrawals, and claims independently.
	ErrPaused = errors.New("operation paused")

	// ErrUnknownPool rejects operations on unregistered pool ids.
	ErrUnknownPool = errors.New("unknown pool")

	// ErrTokenCountMismatch rejects amount arrays that do not match the
	// pool's token count.
	ErrTokenCountMismatch = errors.New("amounts do not match pool token count")

	// ErrImbalancedSpotDeposit rejects dual-asset deposits whose legs are
	// not value-equivalent within the caller's bounds.
	ErrImbalancedSpotDeposit = errors.New("imbalanced spot deposit")

	// ErrImbalancedSpotWithdraw rejects dual-asset withdrawals whose legs
	// are not value-equivalent at the current price.
	ErrImbalancedSpotWithdraw = errors.New("imbalanced spot withdraw")

	// ErrHardcapExceeded rejects deposits that would push a token's active
	// total past its liquidity cap.
	ErrHardcapExceeded = errors.New("hardcap exceeded")

	// ErrInsufficientBalance rejects withdrawals exceeding the sender's
	// active balance (including a fee larger than the withdrawn leg).
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrSlippageExceeded rejects balanced helpers whose computed paired
	// amount falls outside the caller's bounds.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrInvalidAmount rejects negative or missing amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnauthorized rejects privileged calls without the operator key.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrReentrant rejects nested entry into the engine from an external
	// call made mid-operation.
	ErrReentrant = errors.New("reentrant call")
)
