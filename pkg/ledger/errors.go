package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed intents or addresses, before any network call
	ErrValidation = errors.New("validation error")
	// ErrNetwork is a transient transport failure; retryable per policy
	ErrNetwork = errors.New("network error")
	// ErrAccountNotFound is returned when the network has no usable state for an account
	ErrAccountNotFound = errors.New("account not found")
	// ErrRejectedByNetwork is a semantic rejection by the network
	ErrRejectedByNetwork = errors.New("rejected by network")
	// ErrInvalidKey is returned when key material cannot authorize the account
	ErrInvalidKey = errors.New("invalid key")
	// ErrTimeout marks an outcome that stayed ambiguous for the whole submission window
	ErrTimeout = errors.New("timeout")
)

// RejectionReason classifies a network rejection.
type RejectionReason string

const (
	ReasonSequenceConflict  RejectionReason = "sequence_conflict"
	ReasonFeeTooLow         RejectionReason = "fee_too_low"
	ReasonInsufficientFunds RejectionReason = "insufficient_funds"
	ReasonBadSignature      RejectionReason = "bad_signature"
	ReasonAlreadyKnown      RejectionReason = "already_known"
	ReasonReverted          RejectionReason = "reverted"
	ReasonOther             RejectionReason = "other"
)

// Remediable reports whether the rejection can be fixed by refreshing account
// state and rebuilding the transaction. Only a sequence conflict qualifies; a
// rebuild at unchanged fees would resend the rejected transaction verbatim.
func (r RejectionReason) Remediable() bool {
	return r == ReasonSequenceConflict
}

// RejectionError is a semantic rejection with its classified reason.
type RejectionError struct {
	Reason RejectionReason
	Err    error
}

func NewRejectionError(reason RejectionReason, err error) *RejectionError {
	return &RejectionError{Reason: reason, Err: err}
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rejected by network (%s)", e.Reason)
	}
	return fmt.Sprintf("rejected by network (%s): %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRejectedByNetwork}
	}
	return []error{ErrRejectedByNetwork, e.Err}
}

// RejectionReasonOf extracts the rejection reason from err, if any.
func RejectionReasonOf(err error) (RejectionReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// NetworkError wraps err so that it matches ErrNetwork.
func NetworkError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}

// ValidationErrorf builds an error matching ErrValidation.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
