package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no escrow exists for the given id.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidState rejects an operation that is not lawful in the
	// record's current status.
	ErrInvalidState = errors.New("escrow: operation not valid in current status")
	// ErrExpired rejects an operation because the deadline has passed. The
	// record transitions to locked as a side effect.
	ErrExpired = errors.New("escrow: deadline passed, escrow locked")
	// ErrUnauthorized rejects identities outside the escrow's signer set.
	ErrUnauthorized = errors.New("escrow: identity is not an authorized party")
	// ErrDuplicateApproval rejects a second approval from the same identity.
	ErrDuplicateApproval = errors.New("escrow: identity has already approved")
	// ErrAlreadySigned rejects a duplicate disbursement co-signature.
	ErrAlreadySigned = errors.New("escrow: identity has already signed the disbursement")
	// ErrSignaturesPending means the disbursement envelope has not yet
	// collected a signature quorum.
	ErrSignaturesPending = errors.New("escrow: disbursement signature quorum not reached")
	// ErrVersionConflict is the store's optimistic-concurrency failure. The
	// engine retries it internally; it surfaces only when contention
	// persists.
	ErrVersionConflict = errors.New("escrow: concurrent update conflict")
)

// FundingIncompleteError reports a provisioned but unfunded escrow account:
// the multisig policy landed, the funding payment did not, and no record was
// persisted. The address is preserved so an operator can fund or abandon the
// orphan account.
type FundingIncompleteError struct {
	EscrowAddress string
	Err           error
}

func (e *FundingIncompleteError) Error() string {
	return fmt.Sprintf("escrow: account %s provisioned but funding failed: %v", e.EscrowAddress, e.Err)
}

func (e *FundingIncompleteError) Unwrap() error { return e.Err }

// DisbursementError reports a failed release submission. The escrow stays
// approved; retryable failures may be resubmitted via Release.
type DisbursementError struct {
	Retryable bool
	Err       error
}

func (e *DisbursementError) Error() string {
	return fmt.Sprintf("escrow: disbursement failed: %v", e.Err)
}

func (e *DisbursementError) Unwrap() error { return e.Err }
