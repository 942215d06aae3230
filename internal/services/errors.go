package services

import "errors"

// Domain outcomes. Ledger and state-machine failures are converted to these
// locally; only infrastructure errors propagate as 5xx.
var (
	// ErrInsufficientFunds is a user-facing rejection, mapped to 402.
	ErrInsufficientFunds = errors.New("insufficient token balance")

	// ErrAccountNotFound means no account row exists for the user.
	ErrAccountNotFound = errors.New("account not found")

	// ErrUnknownJob means no job matches the callback's task id. It is
	// absorbed into a 404 without revealing whether the id ever existed.
	ErrUnknownJob = errors.New("unknown job")

	// ErrPublishFailure means the broker rejected or never confirmed a
	// publish; the caller's transaction rolls back the token debit.
	ErrPublishFailure = errors.New("task publish failed")
)
