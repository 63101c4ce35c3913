package report

import (
	"context"
	"testing"
	"time"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/metrics"
	"github.com/Layr-Labs/txsubmitter-go/pkg/record"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func terminalRecord(state record.State, failure record.FailureKind) *record.SubmissionRecord {
	rec := record.New(crypto.Keccak256Hash([]byte(string(state)+string(failure))), common.HexToAddress("0x1111111111111111111111111111111111111111"), time.Now())
	rec.State = state
	rec.Failure = failure
	rec.TransactionID = crypto.Keccak256Hash([]byte("tx"))
	return rec
}

func TestReporter_ExactlyOnce(t *testing.T) {
	var delivered []*Outcome
	r := NewReporter(zap.NewNop(), metrics.NewRegistry(), func(o *Outcome) { delivered = append(delivered, o) })

	rec := terminalRecord(record.StateConfirmed, record.FailureNone)
	rec.LedgerEntry = &ledger.LedgerEntry{TransactionID: rec.TransactionID, BlockNumber: 12}

	out, err := r.Report(rec)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	assert.Equal(t, uint64(12), out.Entry.BlockNumber)
	assert.NoError(t, out.Err())

	again, err := r.Report(rec)
	assert.ErrorIs(t, err, ErrAlreadyReported)
	assert.Equal(t, out.Status, again.Status)
	assert.Len(t, delivered, 1)
}

func TestReporter_PersistedReportIsNotRepeated(t *testing.T) {
	r := NewReporter(zap.NewNop(), nil)
	rec := terminalRecord(record.StateTimedOut, record.FailureTimeout)
	now := time.Now()
	rec.ReportedAt = &now

	_, err := r.Report(rec)
	assert.ErrorIs(t, err, ErrAlreadyReported)
}

func TestReporter_RejectsInFlightRecords(t *testing.T) {
	r := NewReporter(zap.NewNop(), nil)
	_, err := r.Report(terminalRecord(record.StateSubmitted, record.FailureNone))
	assert.ErrorIs(t, err, ErrNotTerminal)
}

func TestDescribe_Causes(t *testing.T) {
	r := NewReporter(zap.NewNop(), nil)
	tests := []struct {
		state   record.State
		failure record.FailureKind
		status  Status
		target  error
	}{
		{record.StateRejected, record.FailureValidation, StatusRejected, ledger.ErrValidation},
		{record.StateRejected, record.FailureInvalidKey, StatusRejected, ledger.ErrInvalidKey},
		{record.StateRejected, record.FailureRejected, StatusRejected, ledger.ErrRejectedByNetwork},
		{record.StateRejected, record.FailureAccountNotFound, StatusRejected, ledger.ErrAccountNotFound},
		{record.StateTimedOut, record.FailureTimeout, StatusTimedOut, ledger.ErrTimeout},
		{record.StateAbandoned, record.FailureNetwork, StatusAbandoned, ledger.ErrNetwork},
		{record.StateAbandoned, record.FailureCancelled, StatusAbandoned, context.Canceled},
		{record.StateAbandoned, record.FailureRebuildLimit, StatusAbandoned, ErrRebuildLimit},
	}
	for _, tt := range tests {
		t.Run(string(tt.failure), func(t *testing.T) {
			rec := terminalRecord(tt.state, tt.failure)
			rec.LastError = "details"
			out := r.Describe(rec)
			assert.Equal(t, tt.status, out.Status)
			assert.ErrorIs(t, out.Err(), tt.target)
		})
	}

	rec := terminalRecord(record.StateRejected, record.FailureRejected)
	rec.Reason = ledger.ReasonInsufficientFunds
	reason, ok := ledger.RejectionReasonOf(r.Describe(rec).Err())
	require.True(t, ok)
	assert.Equal(t, ledger.ReasonInsufficientFunds, reason)
}
