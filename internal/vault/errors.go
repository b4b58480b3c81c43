package vault

import (
	"errors"
	"fmt"
)

// Error definitions for zero-tolerance error handling.
//
// Input errors reject the request and leave state untouched. State errors
// mean the operation is not valid in the vault's current state. Execution and
// bridge failures may be transient (see Transient). A consistency error is
// fatal: the vault halts and never auto-recovers.
var (
	// Input errors
	ErrInvalidAmount       = errors.New("amount is invalid")
	ErrDepositBelowMinimum = errors.New("deposit is below the vault minimum")
	ErrDepositAboveMaximum = errors.New("deposit is above the vault maximum")
	ErrUnknownOwner        = errors.New("owner has no position in the vault")
	ErrInsufficientShares  = errors.New("owner does not hold enough shares")

	// State errors
	ErrVaultHalted          = errors.New("vault is in emergency shutdown")
	ErrWithdrawalPending    = errors.New("owner already has a withdrawal in flight")
	ErrZeroYieldAvailable   = errors.New("no yield available for this harvest epoch")
	ErrRebalanceInProgress  = errors.New("a rebalance is already in progress")
	ErrPlanSuperseded       = errors.New("allocation plan was superseded")
	ErrWithdrawalNotFound   = errors.New("pending withdrawal not found")

	// Execution errors
	ErrExecutionFailed = errors.New("strategy execution failed")

	// Fatal
	ErrConsistency = errors.New("vault accounting consistency violation")
)

// transientError wraps failures a caller may retry: venue timeouts, transient
// bridge errors. Input, state, and consistency errors are never transient.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("transient: %v", e.err)
}

func (e *transientError) Unwrap() error {
	return e.err
}

// markTransient tags an error as retryable.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transient reports whether the error is safe to retry.
func Transient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
