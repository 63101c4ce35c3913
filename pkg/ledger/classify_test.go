package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
)

type jsonRPCError struct {
	code int
	msg  string
}

func (e *jsonRPCError) Error() string  { return e.msg }
func (e *jsonRPCError) ErrorCode() int { return e.code }

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		reason  RejectionReason
		network bool
	}{
		{name: "nonce too low", err: errors.New("nonce too low: next nonce 7, tx nonce 5"), reason: ReasonSequenceConflict},
		{name: "replacement underpriced", err: errors.New("replacement transaction underpriced"), reason: ReasonSequenceConflict},
		{name: "already known", err: errors.New("already known"), reason: ReasonAlreadyKnown},
		{name: "insufficient funds", err: errors.New("insufficient funds for gas * price + value"), reason: ReasonInsufficientFunds},
		{name: "base fee", err: errors.New("max fee per gas less than block base fee: address 0x1"), reason: ReasonFeeTooLow},
		{name: "underpriced", err: errors.New("transaction underpriced: tip needed 1, tip permitted 0"), reason: ReasonFeeTooLow},
		{name: "bad chain", err: errors.New("invalid chain id for signer"), reason: ReasonBadSignature},
		{name: "other json-rpc error", err: &jsonRPCError{code: -32000, msg: "intrinsic gas too low"}, reason: ReasonOther},
		{name: "http 503", err: rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, network: true},
		{name: "http 429", err: rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, network: true},
		{name: "http 400", err: rpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"}, reason: ReasonOther},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), network: true},
		{name: "deadline", err: context.DeadlineExceeded, network: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyRPCError("op", tt.err)
			assert.Contains(t, got.Error(), tt.err.Error())
			if tt.network {
				assert.ErrorIs(t, got, ErrNetwork)
				_, ok := RejectionReasonOf(got)
				assert.False(t, ok)
				return
			}
			assert.ErrorIs(t, got, ErrRejectedByNetwork)
			reason, ok := RejectionReasonOf(got)
			assert.True(t, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestClassifyRPCError_PassesThroughCancellation(t *testing.T) {
	err := fmt.Errorf("post: %w", context.Canceled)
	got := ClassifyRPCError("op", err)
	assert.Equal(t, err, got)
	assert.NotErrorIs(t, got, ErrNetwork)
	assert.Nil(t, ClassifyRPCError("op", nil))
}

func TestRejectionError(t *testing.T) {
	err := fmt.Errorf("submit: %w", NewRejectionError(ReasonFeeTooLow, errors.New("underpriced")))
	assert.ErrorIs(t, err, ErrRejectedByNetwork)
	reason, ok := RejectionReasonOf(err)
	assert.True(t, ok)
	assert.Equal(t, ReasonFeeTooLow, reason)
	assert.False(t, reason.Remediable())
	assert.False(t, ReasonInsufficientFunds.Remediable())
	assert.True(t, ReasonSequenceConflict.Remediable())
	assert.Contains(t, err.Error(), "fee_too_low")

	assert.ErrorIs(t, NewRejectionError(ReasonOther, nil), ErrRejectedByNetwork)
	assert.ErrorIs(t, ValidationErrorf("bad %s", "thing"), ErrValidation)
}
