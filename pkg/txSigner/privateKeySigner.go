package txSigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/txBuilder"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// PrivateKeySigner signs with a secp256k1 key obtained from a KeySource for each
// signature. The key is wiped before Sign returns, whatever the outcome.
type PrivateKeySigner struct {
	keys    KeySource
	address common.Address
	logger  *zap.Logger
}

var _ ITransactionSigner = (*PrivateKeySigner)(nil)

// NewPrivateKeySigner acquires the key once to derive the signer's address.
func NewPrivateKeySigner(ctx context.Context, keys KeySource, logger *zap.Logger) (*PrivateKeySigner, error) {
	address, err := withKey(ctx, keys, func(priv *ecdsa.PrivateKey) (common.Address, error) {
		return crypto.PubkeyToAddress(priv.PublicKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to derive signer address: %w", err)
	}
	return &PrivateKeySigner{
		keys:    keys,
		address: address,
		logger:  logger,
	}, nil
}

func (p *PrivateKeySigner) Address() common.Address {
	return p.address
}

// Sign signs u with the EIP-1559 signer for u.ChainID. Signatures are RFC 6979
// deterministic, so signing the same transaction twice yields the same id.
func (p *PrivateKeySigner) Sign(ctx context.Context, u *txBuilder.UnsignedTransaction) (*SignedTransaction, error) {
	tx, err := withKey(ctx, p.keys, func(priv *ecdsa.PrivateKey) (*types.Transaction, error) {
		if from := crypto.PubkeyToAddress(priv.PublicKey); from != u.From {
			return nil, fmt.Errorf("%w: key authorizes %s, transaction is from %s", ledger.ErrInvalidKey, from.Hex(), u.From.Hex())
		}
		return types.SignTx(u.Tx(), types.LatestSignerForChainID(u.ChainID), priv)
	})
	if err != nil {
		return nil, err
	}

	signed := newSignedTransaction(u, tx)
	p.logger.Sugar().Debugw("Signed transaction",
		zap.String("transactionId", signed.ID.Hex()),
		zap.Uint64("sequence", u.Sequence),
	)
	return signed, nil
}

// withKey acquires a key, parses it and runs fn. Both the raw buffer and the
// parsed scalar are wiped on every return path.
func withKey[T any](ctx context.Context, keys KeySource, fn func(priv *ecdsa.PrivateKey) (T, error)) (T, error) {
	var zero T
	key, err := keys.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer key.Release()

	priv, err := crypto.ToECDSA(key.Bytes())
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ledger.ErrInvalidKey, err)
	}
	defer wipePrivateKey(priv)

	return fn(priv)
}

func wipePrivateKey(priv *ecdsa.PrivateKey) {
	if priv == nil || priv.D == nil {
		return
	}
	clear(priv.D.Bits())
	priv.D.SetInt64(0)
}
