// Package ledger defines the narrow boundary between the submission client and the
// ledger network. It carries the shared data model (account state, fee estimates,
// transaction status), the error taxonomy used across the module, and the gateway
// implementations that talk to an Ethereum-compatible JSON-RPC endpoint.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// AccountState is a snapshot of an account as seen by the network.
// Sequence is the next nonce the network will accept from the account.
type AccountState struct {
	Address  common.Address
	Sequence uint64
	Balance  *big.Int
}

// Copy returns a deep copy of the account state.
func (a *AccountState) Copy() *AccountState {
	out := &AccountState{
		Address:  a.Address,
		Sequence: a.Sequence,
		Balance:  new(big.Int),
	}
	if a.Balance != nil {
		out.Balance.Set(a.Balance)
	}
	return out
}

// FeeEstimate is the network-suggested cost of including a transaction.
type FeeEstimate struct {
	// BaseFee is the base fee per gas of the latest block
	BaseFee *big.Int
	// TipCap is the suggested priority fee per gas
	TipCap *big.Int
}

// SubmissionAck is returned when the network accepted a transaction into its pool.
type SubmissionAck struct {
	TransactionID common.Hash
	// AlreadyKnown is set when the network already held an identical transaction
	AlreadyKnown bool
}

// StatusKind enumerates what the network knows about a transaction id.
type StatusKind int

const (
	// StatusUnknown means the network has no record of the transaction
	StatusUnknown StatusKind = iota
	// StatusPending means the transaction was received but is not yet included
	StatusPending
	// StatusConfirmed means the transaction was included and succeeded
	StatusConfirmed
	// StatusFailed means the transaction was included but reverted
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LedgerEntry describes where a transaction settled.
type LedgerEntry struct {
	TransactionID     common.Hash `json:"transactionId"`
	BlockNumber       uint64      `json:"blockNumber"`
	BlockHash         common.Hash `json:"blockHash"`
	GasUsed           uint64      `json:"gasUsed"`
	EffectiveGasPrice *big.Int    `json:"effectiveGasPrice,omitempty"`
}

// TxStatus is the result of polling a transaction id.
type TxStatus struct {
	Kind   StatusKind
	Entry  *LedgerEntry
	Reason string
}

// ILedgerGateway is the typed boundary over the network RPC.
// Implementations keep no local state about submissions; every call is network I/O.
type ILedgerGateway interface {
	// FetchAccountState loads the current account state.
	// Fails with ErrNetwork or ErrAccountNotFound.
	FetchAccountState(ctx context.Context, address common.Address) (*AccountState, error)

	// EstimateFee returns the current fee estimate.
	EstimateFee(ctx context.Context) (*FeeEstimate, error)

	// Submit hands a signed transaction to the network.
	// Fails with ErrNetwork or a *RejectionError.
	Submit(ctx context.Context, tx *types.Transaction) (*SubmissionAck, error)

	// PollStatus reports what the network knows about a transaction id.
	PollStatus(ctx context.Context, txID common.Hash) (*TxStatus, error)
}
