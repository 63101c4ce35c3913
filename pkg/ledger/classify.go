package ledger

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Layr-Labs/txsubmitter-go/pkg/util"
	"github.com/ethereum/go-ethereum/rpc"
)

type rejectionRule struct {
	fragment string
	reason   RejectionReason
}

// Order matters: the first matching fragment wins.
var rejectionRules = []*rejectionRule{
	{fragment: "nonce too low", reason: ReasonSequenceConflict},
	{fragment: "nonce too high", reason: ReasonSequenceConflict},
	{fragment: "replacement transaction underpriced", reason: ReasonSequenceConflict},
	{fragment: "already known", reason: ReasonAlreadyKnown},
	{fragment: "known transaction", reason: ReasonAlreadyKnown},
	{fragment: "insufficient funds", reason: ReasonInsufficientFunds},
	{fragment: "max fee per gas less than block base fee", reason: ReasonFeeTooLow},
	{fragment: "transaction underpriced", reason: ReasonFeeTooLow},
	{fragment: "fee cap less than block base fee", reason: ReasonFeeTooLow},
	{fragment: "invalid sender", reason: ReasonBadSignature},
	{fragment: "invalid signature", reason: ReasonBadSignature},
	{fragment: "invalid chain id", reason: ReasonBadSignature},
}

// ClassifyRPCError maps an error returned by the JSON-RPC client onto the module's
// error taxonomy. Errors whose message matches a known rejection become a
// *RejectionError, any other JSON-RPC error becomes a rejection with ReasonOther,
// and everything else (transport failures, HTTP 5xx, deadlines) is an ErrNetwork.
func ClassifyRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())
	rule := util.Find(rejectionRules, func(r *rejectionRule) bool {
		return strings.Contains(msg, r.fragment)
	})
	if rule != nil {
		return NewRejectionError(rule.reason, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= http.StatusInternalServerError || httpErr.StatusCode == http.StatusTooManyRequests {
			return NetworkError(op, err)
		}
		return NewRejectionError(ReasonOther, err)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return NewRejectionError(ReasonOther, err)
	}

	return NetworkError(op, err)
}
