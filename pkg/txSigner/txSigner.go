// Package txSigner signs unsigned transactions with key material that is only
// held for the duration of a signing operation. Signers surface ledger.ErrInvalidKey
// when the key cannot authorize the transaction's account; no caller should retry
// on that error.
package txSigner

import (
	"context"
	"errors"
	"fmt"

	"github.com/Layr-Labs/txsubmitter-go/pkg/txBuilder"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrKeyUnavailable is returned when key material could not be fetched, for example
// because a remote key store is unreachable. Unlike ledger.ErrInvalidKey it says
// nothing about the key itself.
var ErrKeyUnavailable = errors.New("key unavailable")

// SignedTransaction is an UnsignedTransaction plus its signature. ID is the hash
// of the signed envelope and is stable for a given unsigned transaction and key.
type SignedTransaction struct {
	Unsigned  *txBuilder.UnsignedTransaction
	Tx        *types.Transaction
	Signature []byte
	ID        common.Hash
}

// RawBytes returns the canonical binary encoding of the signed transaction.
func (s *SignedTransaction) RawBytes() ([]byte, error) {
	return s.Tx.MarshalBinary()
}

// ITransactionSigner signs transactions for a single account.
type ITransactionSigner interface {
	// Sign produces a SignedTransaction for u.
	//
	// Parameters:
	//   - ctx: Context for key acquisition and remote signing
	//   - u: The transaction to sign; u.From must be the signer's address
	//
	// Returns:
	//   - *SignedTransaction: The signed transaction and its id
	//   - error: ledger.ErrInvalidKey if the key does not match u.From, ErrKeyUnavailable
	//     if the key could not be obtained
	Sign(ctx context.Context, u *txBuilder.UnsignedTransaction) (*SignedTransaction, error)

	// Address returns the account this signer authorizes.
	Address() common.Address
}

func newSignedTransaction(u *txBuilder.UnsignedTransaction, tx *types.Transaction) *SignedTransaction {
	v, r, s := tx.RawSignatureValues()
	sig := make([]byte, 65)
	r.FillBytes(sig[0:32])
	s.FillBytes(sig[32:64])
	sig[64] = byte(v.Uint64())
	return &SignedTransaction{
		Unsigned:  u,
		Tx:        tx,
		Signature: sig,
		ID:        tx.Hash(),
	}
}

// DecodeTransaction parses a transaction previously produced by RawBytes.
func DecodeTransaction(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}
