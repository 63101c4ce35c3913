// Package record defines the SubmissionRecord that tracks one logical intent through
// its lifecycle and the stores that persist it between transitions.
package record

import (
	"context"
	"time"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// State is a lifecycle state of a SubmissionRecord.
type State string

const (
	StateCreated   State = "created"
	StateBuilding  State = "building"
	StateSigned    State = "signed"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateRejected  State = "rejected"
	StateTimedOut  State = "timed_out"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateRejected, StateTimedOut, StateAbandoned:
		return true
	}
	return false
}

// FailureKind is the cause attached to a Rejected, TimedOut or Abandoned record.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureValidation        FailureKind = "validation"
	FailureInvalidKey        FailureKind = "invalid_key"
	FailureRejected          FailureKind = "rejected"
	FailureAccountNotFound   FailureKind = "account_not_found"
	FailureNetwork           FailureKind = "network_unavailable"
	FailureTimeout           FailureKind = "timeout"
	FailureCancelled         FailureKind = "cancelled"
	FailureRebuildLimit      FailureKind = "rebuild_limit"
	FailureSignerUnavailable FailureKind = "signer_unavailable"
)

// PriorTransaction is a transaction that was handed to the network with an
// unknown outcome and later presumed lost. It may still settle.
type PriorTransaction struct {
	TransactionID common.Hash `json:"transactionId"`
	Sequence      uint64      `json:"sequence"`
	RawTx         []byte      `json:"rawTx"`
}

// SubmissionRecord is the single record kept per logical intent. TransactionID
// always names the most recent signed transaction; earlier ids abandoned by a
// rebuild are kept in PreviousTransactionIDs. Those of them that might still be
// held by the network are also listed in InDoubt and are polled before anything
// new is signed.
type SubmissionRecord struct {
	ID                     string                 `json:"id"`
	IntentKey              common.Hash            `json:"intentKey"`
	Account                common.Address         `json:"account"`
	TransactionID          common.Hash            `json:"transactionId"`
	PreviousTransactionIDs []common.Hash          `json:"previousTransactionIds,omitempty"`
	InDoubt                []PriorTransaction     `json:"inDoubt,omitempty"`
	State                  State                  `json:"state"`
	Attempts               int                    `json:"attempts"`
	RebuildCycles          int                    `json:"rebuildCycles"`
	Sequence               uint64                 `json:"sequence"`
	RawTx                  []byte                 `json:"rawTx,omitempty"`
	ExpiresAt              time.Time              `json:"expiresAt"`
	Ambiguous              bool                   `json:"ambiguous"`
	LedgerEntry            *ledger.LedgerEntry    `json:"ledgerEntry,omitempty"`
	Failure                FailureKind            `json:"failure,omitempty"`
	Reason                 ledger.RejectionReason `json:"reason,omitempty"`
	LastError              string                 `json:"lastError,omitempty"`
	CreatedAt              time.Time              `json:"createdAt"`
	UpdatedAt              time.Time              `json:"updatedAt"`
	ReportedAt             *time.Time             `json:"reportedAt,omitempty"`
}

// New creates a record in state Created.
func New(intentKey common.Hash, account common.Address, now time.Time) *SubmissionRecord {
	return &SubmissionRecord{
		ID:        uuid.NewString(),
		IntentKey: intentKey,
		Account:   account,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasTransaction reports whether a signed transaction is attached.
func (r *SubmissionRecord) HasTransaction() bool {
	return r.TransactionID != (common.Hash{}) && len(r.RawTx) > 0
}

// Expired reports whether the attached transaction's validity window has elapsed.
func (r *SubmissionRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// MarkInDoubt lists the current transaction as possibly held by the network.
func (r *SubmissionRecord) MarkInDoubt() {
	for _, p := range r.InDoubt {
		if p.TransactionID == r.TransactionID {
			return
		}
	}
	r.InDoubt = append(r.InDoubt, PriorTransaction{
		TransactionID: r.TransactionID,
		Sequence:      r.Sequence,
		RawTx:         append([]byte(nil), r.RawTx...),
	})
}

// Adopt makes the in-doubt transaction p current again. The replaced current
// transaction moves to PreviousTransactionIDs.
func (r *SubmissionRecord) Adopt(p PriorTransaction) {
	if r.TransactionID != p.TransactionID {
		r.PreviousTransactionIDs = append(r.PreviousTransactionIDs, r.TransactionID)
	}
	kept := r.InDoubt[:0]
	for _, q := range r.InDoubt {
		if q.TransactionID != p.TransactionID {
			kept = append(kept, q)
		}
	}
	r.InDoubt = kept
	r.TransactionID = p.TransactionID
	r.Sequence = p.Sequence
	r.RawTx = append([]byte(nil), p.RawTx...)
}

// Reported reports whether the record's terminal outcome was delivered.
func (r *SubmissionRecord) Reported() bool {
	return r.ReportedAt != nil
}

// Clone returns a deep copy.
func (r *SubmissionRecord) Clone() *SubmissionRecord {
	out := *r
	out.PreviousTransactionIDs = append([]common.Hash(nil), r.PreviousTransactionIDs...)
	out.RawTx = append([]byte(nil), r.RawTx...)
	if r.InDoubt != nil {
		out.InDoubt = make([]PriorTransaction, len(r.InDoubt))
		for i, p := range r.InDoubt {
			p.RawTx = append([]byte(nil), p.RawTx...)
			out.InDoubt[i] = p
		}
	}
	if r.LedgerEntry != nil {
		entry := *r.LedgerEntry
		out.LedgerEntry = &entry
	}
	if r.ReportedAt != nil {
		at := *r.ReportedAt
		out.ReportedAt = &at
	}
	return &out
}

// Store persists records keyed by intent key. Get returns nil, nil for a missing key.
type Store interface {
	Get(ctx context.Context, intentKey common.Hash) (*SubmissionRecord, error)
	Save(ctx context.Context, rec *SubmissionRecord) error
}

// TransactionIndex is implemented by stores that can look a record up by its
// latest transaction id.
type TransactionIndex interface {
	GetByTransactionID(ctx context.Context, txID common.Hash) (*SubmissionRecord, error)
}
