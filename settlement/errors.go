package settlement

import (
	"errors"
	"fmt"
)

// Ledger-side claim rejections. Anything not wrapping one of these is treated
// as transient and retried.
var (
	ErrAlreadyClaimed = errors.New("escrow already claimed")
	ErrRefunded       = errors.New("escrow already refunded")
	ErrDeadlinePassed = errors.New("escrow deadline passed")
	ErrHashMismatch   = errors.New("secret does not match hashlock")
	ErrEscrowNotFound = errors.New("escrow not found")
	// ErrClaimPending means a claim was submitted but not confirmed in time.
	ErrClaimPending = errors.New("claim submitted, not confirmed")
)

// ClaimPendingError carries the submitted transaction of a pending claim.
type ClaimPendingError struct {
	TxID  string
	Cause error
}

func (e *ClaimPendingError) Error() string {
	return fmt.Sprintf("claim %s not confirmed: %v", e.TxID, e.Cause)
}

func (e *ClaimPendingError) Unwrap() error        { return e.Cause }
func (e *ClaimPendingError) Is(target error) bool { return target == ErrClaimPending }

// IsTerminal reports whether err means the escrow can never be claimed by
// this relayer again.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrRefunded) ||
		errors.Is(err, ErrDeadlinePassed)
}
