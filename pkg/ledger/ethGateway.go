package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/txsubmitter-go/pkg/chainManager"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	// FallbackGasTipCap is used when the backend does not support eth_maxPriorityFeePerGas
	FallbackGasTipCap = big.NewInt(15000000000)
)

// EthGateway implements ILedgerGateway over an Ethereum-compatible JSON-RPC client.
type EthGateway struct {
	client chainManager.EthClientInterface
	logger *zap.Logger
}

var _ ILedgerGateway = (*EthGateway)(nil)

// NewEthGateway creates a gateway over a connected client.
func NewEthGateway(client chainManager.EthClientInterface, logger *zap.Logger) *EthGateway {
	return &EthGateway{
		client: client,
		logger: logger,
	}
}

// FetchAccountState loads the pending nonce and latest balance of address.
// An account with neither history nor funds is reported as ErrAccountNotFound,
// since it cannot authorize or pay for anything.
func (g *EthGateway) FetchAccountState(ctx context.Context, address common.Address) (*AccountState, error) {
	nonce, err := g.client.PendingNonceAt(ctx, address)
	if err != nil {
		return nil, ClassifyRPCError("fetch nonce", err)
	}
	balance, err := g.client.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, ClassifyRPCError("fetch balance", err)
	}
	if nonce == 0 && balance.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address.Hex())
	}
	return &AccountState{
		Address:  address,
		Sequence: nonce,
		Balance:  balance,
	}, nil
}

// EstimateFee returns the latest base fee and a suggested tip.
func (g *EthGateway) EstimateFee(ctx context.Context) (*FeeEstimate, error) {
	tipCap, err := g.client.SuggestGasTipCap(ctx)
	if err != nil {
		var rej *RejectionError
		if classified := ClassifyRPCError("suggest tip", err); errors.As(classified, &rej) {
			// Backends such as hardhat do not expose eth_maxPriorityFeePerGas; fall
			// back to a constant tip rather than failing the build.
			g.logger.Sugar().Debugw("EstimateFee: cannot get gasTipCap, using fallback",
				zap.String("error", err.Error()),
			)
			tipCap = new(big.Int).Set(FallbackGasTipCap)
		} else {
			return nil, classified
		}
	}

	header, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, ClassifyRPCError("fetch header", err)
	}
	baseFee := new(big.Int)
	if header.BaseFee != nil {
		baseFee.Set(header.BaseFee)
	}

	return &FeeEstimate{
		BaseFee: baseFee,
		TipCap:  tipCap,
	}, nil
}

// Submit sends a signed transaction. A transaction the pool already holds is
// acknowledged rather than rejected, which makes resubmission idempotent.
func (g *EthGateway) Submit(ctx context.Context, tx *types.Transaction) (*SubmissionAck, error) {
	err := g.client.SendTransaction(ctx, tx)
	if err == nil {
		return &SubmissionAck{TransactionID: tx.Hash()}, nil
	}

	classified := ClassifyRPCError("send transaction", err)
	if reason, ok := RejectionReasonOf(classified); ok && reason == ReasonAlreadyKnown {
		g.logger.Sugar().Debugw("Submit: transaction already known",
			zap.String("transactionId", tx.Hash().Hex()),
		)
		return &SubmissionAck{TransactionID: tx.Hash(), AlreadyKnown: true}, nil
	}
	return nil, classified
}

// PollStatus checks for a receipt and, absent one, whether the pool holds the transaction.
func (g *EthGateway) PollStatus(ctx context.Context, txID common.Hash) (*TxStatus, error) {
	receipt, err := g.client.TransactionReceipt(ctx, txID)
	switch {
	case err == nil && receipt != nil:
		return statusFromReceipt(txID, receipt), nil
	case err != nil && !errors.Is(err, ethereum.NotFound):
		return nil, ClassifyRPCError("fetch receipt", err)
	}

	_, isPending, err := g.client.TransactionByHash(ctx, txID)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &TxStatus{Kind: StatusUnknown}, nil
		}
		return nil, ClassifyRPCError("fetch transaction", err)
	}
	if !isPending {
		// Included but the receipt is not indexed yet.
		g.logger.Sugar().Debugw("PollStatus: transaction mined without receipt yet",
			zap.String("transactionId", txID.Hex()),
		)
	}
	return &TxStatus{Kind: StatusPending}, nil
}

func statusFromReceipt(txID common.Hash, receipt *types.Receipt) *TxStatus {
	entry := &LedgerEntry{
		TransactionID:     txID,
		BlockHash:         receipt.BlockHash,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}
	if receipt.BlockNumber != nil {
		entry.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &TxStatus{
			Kind:   StatusFailed,
			Entry:  entry,
			Reason: "execution reverted",
		}
	}
	return &TxStatus{Kind: StatusConfirmed, Entry: entry}
}
