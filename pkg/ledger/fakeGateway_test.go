package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedTransfer(t *testing.T, key *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, feeCap int64, to common.Address) *types.Transaction {
	t.Helper()
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(feeCap),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(500),
	})
	require.NoError(t, err)
	return tx
}

func TestFakeGateway(t *testing.T) {
	ctx := context.Background()
	chainID := big.NewInt(1337)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	gw := NewFakeGateway(chainID)
	gw.ConfirmAfterPolls = 1
	gw.SetAccount(from, 3, big.NewInt(1e18))

	_, err = gw.FetchAccountState(ctx, to)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	state, err := gw.FetchAccountState(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.Sequence)

	_, err = gw.Submit(ctx, signedTransfer(t, key, chainID, 4, 3_000_000_000, to))
	reason, _ := RejectionReasonOf(err)
	assert.Equal(t, ReasonSequenceConflict, reason)

	_, err = gw.Submit(ctx, signedTransfer(t, key, chainID, 3, 10, to))
	reason, _ = RejectionReasonOf(err)
	assert.Equal(t, ReasonFeeTooLow, reason)

	tx := signedTransfer(t, key, chainID, 3, 3_000_000_000, to)
	ack, err := gw.Submit(ctx, tx)
	require.NoError(t, err)
	assert.False(t, ack.AlreadyKnown)

	ack, err = gw.Submit(ctx, tx)
	require.NoError(t, err)
	assert.True(t, ack.AlreadyKnown)

	state, err = gw.FetchAccountState(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), state.Sequence, "pending transactions count toward the next sequence")

	status, err := gw.PollStatus(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Kind)

	status, err = gw.PollStatus(ctx, tx.Hash())
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, status.Kind)
	assert.Equal(t, uint64(1), status.Entry.BlockNumber)
	assert.Equal(t, tx.Hash(), status.Entry.TransactionID)

	assert.Equal(t, uint64(4), gw.Nonce(from))
	assert.Equal(t, int64(500), gw.Balance(to).Int64())
	assert.Equal(t, 1, gw.Settled(from))
	assert.Equal(t, 4, gw.Calls(OpSubmit))

	status, err = gw.PollStatus(ctx, common.HexToHash("0xdead"))
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, status.Kind)
}

func TestFakeGateway_RevertKeepsValueButConsumesSequence(t *testing.T) {
	ctx := context.Background()
	chainID := big.NewInt(1337)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	gw := NewFakeGateway(chainID)
	gw.Reverting[to] = true
	gw.SetAccount(from, 0, big.NewInt(1e18))

	tx := signedTransfer(t, key, chainID, 0, 3_000_000_000, to)
	_, err = gw.Submit(ctx, tx)
	require.NoError(t, err)

	status, err := gw.PollStatus(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.Kind)
	assert.NotEmpty(t, status.Reason)
	assert.Equal(t, uint64(1), gw.Nonce(from))
	assert.Equal(t, int64(0), gw.Balance(to).Int64())
}

func TestFakeGateway_FaultInjection(t *testing.T) {
	ctx := context.Background()
	chainID := big.NewInt(1337)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	gw := NewFakeGateway(chainID)
	gw.SetAccount(from, 0, big.NewInt(1e18))
	gw.BeforeSubmit = func(n int, _ *types.Transaction) *SubmitFault {
		return &SubmitFault{Err: ErrFakeNetwork, Deliver: n == 1}
	}

	tx := signedTransfer(t, key, chainID, 0, 3_000_000_000, to)
	_, err = gw.Submit(ctx, tx)
	assert.ErrorIs(t, err, ErrNetwork)

	status, err := gw.PollStatus(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status.Kind, "the lost response still delivered the transaction")

	gw.BeforeFetch = func(n int) error { return ErrFakeNetwork }
	_, err = gw.FetchAccountState(ctx, from)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, 1, gw.Calls(OpFetchAccountState))
}
