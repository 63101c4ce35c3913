// Package report maps terminal SubmissionRecords to the stable Outcome handed to
// callers. Reporting never retries; it only describes what happened, once.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/metrics"
	"github.com/Layr-Labs/txsubmitter-go/pkg/record"
	"github.com/Layr-Labs/txsubmitter-go/pkg/txSigner"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyReported is returned when a record's outcome was delivered before
	ErrAlreadyReported = errors.New("outcome already reported")
	// ErrNotTerminal is returned when asked to report a record that is still in flight
	ErrNotTerminal = errors.New("record is not terminal")
	// ErrRebuildLimit is the cause of an intent abandoned after too many rebuilds
	ErrRebuildLimit = errors.New("rebuild limit exceeded")
)

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusTimedOut  Status = "timed_out"
	StatusAbandoned Status = "abandoned"
)

// Outcome is the externally visible result of one intent. Every non-confirmed
// outcome carries a cause.
type Outcome struct {
	Status        Status                 `json:"status"`
	RecordID      string                 `json:"recordId"`
	IntentKey     common.Hash            `json:"intentKey"`
	TransactionID common.Hash            `json:"transactionId,omitempty"`
	Entry         *ledger.LedgerEntry    `json:"ledgerEntry,omitempty"`
	Reason        ledger.RejectionReason `json:"reason,omitempty"`
	Failure       record.FailureKind     `json:"failure,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Attempts      int                    `json:"attempts"`
	RebuildCycles int                    `json:"rebuildCycles"`
	Cause         error                  `json:"-"`
}

// Err returns the cause of a failed outcome, or nil when confirmed.
func (o *Outcome) Err() error {
	if o.Status == StatusConfirmed {
		return nil
	}
	return o.Cause
}

// IResultReporter delivers terminal outcomes.
type IResultReporter interface {
	// Report delivers rec's outcome to listeners. A record is reported at most
	// once; later calls return the outcome with ErrAlreadyReported.
	Report(rec *record.SubmissionRecord) (*Outcome, error)

	// Describe maps rec to its outcome without delivering it.
	Describe(rec *record.SubmissionRecord) *Outcome
}

// Listener receives each delivered outcome.
type Listener func(o *Outcome)

// Reporter is the default IResultReporter. It logs and counts every delivered outcome.
type Reporter struct {
	logger    *zap.Logger
	metrics   *metrics.Registry
	mu        sync.Mutex
	reported  map[string]struct{}
	listeners []Listener
}

var _ IResultReporter = (*Reporter)(nil)

func NewReporter(logger *zap.Logger, m *metrics.Registry, listeners ...Listener) *Reporter {
	return &Reporter{
		logger:    logger,
		metrics:   m,
		reported:  make(map[string]struct{}),
		listeners: listeners,
	}
}

func (r *Reporter) Report(rec *record.SubmissionRecord) (*Outcome, error) {
	if !rec.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotTerminal, rec.ID, rec.State)
	}
	out := r.Describe(rec)

	r.mu.Lock()
	_, seen := r.reported[rec.ID]
	if !seen && !rec.Reported() {
		r.reported[rec.ID] = struct{}{}
	}
	r.mu.Unlock()
	if seen || rec.Reported() {
		return out, ErrAlreadyReported
	}

	r.metrics.IncOutcome(string(out.Status))
	fields := []zap.Field{
		zap.String("recordId", out.RecordID),
		zap.String("status", string(out.Status)),
		zap.String("transactionId", out.TransactionID.Hex()),
		zap.Int("attempts", out.Attempts),
		zap.Int("rebuildCycles", out.RebuildCycles),
	}
	if out.Status == StatusConfirmed {
		if out.Entry != nil {
			fields = append(fields, zap.Uint64("blockNumber", out.Entry.BlockNumber))
		}
		r.logger.Info("Submission confirmed", fields...)
	} else {
		r.logger.Warn("Submission failed", append(fields, zap.String("failure", string(out.Failure)), zap.Error(out.Cause))...)
	}
	for _, l := range r.listeners {
		l(out)
	}
	return out, nil
}

func (r *Reporter) Describe(rec *record.SubmissionRecord) *Outcome {
	out := &Outcome{
		RecordID:      rec.ID,
		IntentKey:     rec.IntentKey,
		TransactionID: rec.TransactionID,
		Reason:        rec.Reason,
		Failure:       rec.Failure,
		Message:       rec.LastError,
		Attempts:      rec.Attempts,
		RebuildCycles: rec.RebuildCycles,
	}
	switch rec.State {
	case record.StateConfirmed:
		out.Status = StatusConfirmed
		out.Entry = rec.LedgerEntry
		return out
	case record.StateRejected:
		out.Status = StatusRejected
		out.Entry = rec.LedgerEntry
	case record.StateTimedOut:
		out.Status = StatusTimedOut
	default:
		out.Status = StatusAbandoned
	}
	out.Cause = causeOf(rec)
	return out
}

// causeOf rebuilds a matchable error from the persisted failure kind, so that
// outcomes of resumed records compare with errors.Is like fresh ones.
func causeOf(rec *record.SubmissionRecord) error {
	var sentinel error
	switch rec.Failure {
	case record.FailureValidation:
		sentinel = ledger.ErrValidation
	case record.FailureInvalidKey:
		sentinel = ledger.ErrInvalidKey
	case record.FailureRejected:
		reason := rec.Reason
		if reason == "" {
			reason = ledger.ReasonOther
		}
		var detail error
		if rec.LastError != "" {
			detail = errors.New(rec.LastError)
		}
		return ledger.NewRejectionError(reason, detail)
	case record.FailureAccountNotFound:
		sentinel = ledger.ErrAccountNotFound
	case record.FailureNetwork:
		sentinel = ledger.ErrNetwork
	case record.FailureTimeout:
		sentinel = ledger.ErrTimeout
	case record.FailureCancelled:
		sentinel = context.Canceled
	case record.FailureRebuildLimit:
		sentinel = ErrRebuildLimit
	case record.FailureSignerUnavailable:
		sentinel = txSigner.ErrKeyUnavailable
	default:
		sentinel = fmt.Errorf("submission %s", rec.State)
	}
	if rec.LastError == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, rec.LastError)
}
