// Package txBuilder turns a high-level TransactionIntent plus fresh account and fee
// data into an unsigned EIP-1559 transaction. Validation happens before any network
// access so that malformed intents are rejected without side effects.
package txBuilder

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

const (
	// PaymentGasLimit is the intrinsic gas of a plain value transfer
	PaymentGasLimit uint64 = 21000
	// DefaultContractCallGasLimit is used for calls that do not specify a limit
	DefaultContractCallGasLimit uint64 = 250000
	// gasBufferPercent is added on top of contract call gas limits
	gasBufferPercent = 20
)

func addGasBuffer(gas uint64) uint64 {
	return gas + gas*gasBufferPercent/100
}

// UnsignedTransaction is one concrete attempt at realising an intent. A new
// sequence or fee produces a different UnsignedTransaction.
type UnsignedTransaction struct {
	Intent    *PreparedIntent
	From      common.Address
	ChainID   *big.Int
	Sequence  uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	GasLimit  uint64
	To        common.Address
	Value     *big.Int
	Data      []byte
	BuiltAt   time.Time
	// ExpiresAt bounds how long the transaction may be submitted. After it passes,
	// the transaction must be rebuilt with a fresh sequence.
	ExpiresAt time.Time
}

// Tx returns the go-ethereum representation of the transaction.
func (u *UnsignedTransaction) Tx() *types.Transaction {
	to := u.To
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).Set(u.ChainID),
		Nonce:     u.Sequence,
		GasTipCap: new(big.Int).Set(u.GasTipCap),
		GasFeeCap: new(big.Int).Set(u.GasFeeCap),
		Gas:       u.GasLimit,
		To:        &to,
		Value:     new(big.Int).Set(u.Value),
		Data:      common.CopyBytes(u.Data),
	})
}

// Expired reports whether the validity window has elapsed at now.
func (u *UnsignedTransaction) Expired(now time.Time) bool {
	return !now.Before(u.ExpiresAt)
}

// SameAs reports whether o would serialize to the same transaction as u.
func (u *UnsignedTransaction) SameAs(o *UnsignedTransaction) bool {
	if u == nil || o == nil {
		return false
	}
	return u.From == o.From &&
		u.ChainID.Cmp(o.ChainID) == 0 &&
		u.Sequence == o.Sequence &&
		u.GasTipCap.Cmp(o.GasTipCap) == 0 &&
		u.GasFeeCap.Cmp(o.GasFeeCap) == 0 &&
		u.GasLimit == o.GasLimit &&
		u.To == o.To &&
		u.Value.Cmp(o.Value) == 0 &&
		bytes.Equal(u.Data, o.Data)
}

// Builder assembles unsigned transactions for one chain under a fee policy.
type Builder struct {
	chainID       *big.Int
	feeMultiplier float64
	minTipCap     *big.Int
	clock         func() time.Time
	logger        *zap.Logger
}

// NewBuilder creates a Builder.
//
// Parameters:
//   - chainID: chain the transactions are bound to
//   - feeMultiplier: scales the base fee headroom; values below 1 are treated as 1
//   - minTipCap: lower bound for the priority fee, may be nil
//   - logger: logger for fee decisions
func NewBuilder(chainID *big.Int, feeMultiplier float64, minTipCap *big.Int, logger *zap.Logger) *Builder {
	if feeMultiplier < 1 {
		feeMultiplier = 1
	}
	tip := new(big.Int)
	if minTipCap != nil {
		tip.Set(minTipCap)
	}
	return &Builder{
		chainID:       new(big.Int).Set(chainID),
		feeMultiplier: feeMultiplier,
		minTipCap:     tip,
		clock:         time.Now,
		logger:        logger,
	}
}

// WithClock replaces the time source, for tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// ChainID returns the chain the builder targets.
func (b *Builder) ChainID() *big.Int {
	return new(big.Int).Set(b.chainID)
}

// Build creates an UnsignedTransaction for intent using state.Sequence as its
// nonce. The result is valid for timeout from now.
//
// Returns an error matching ledger.ErrValidation when the account cannot cover
// the worst-case cost or the inputs are incomplete.
func (b *Builder) Build(intent *PreparedIntent, state *ledger.AccountState, fee *ledger.FeeEstimate, timeout time.Duration) (*UnsignedTransaction, error) {
	if intent == nil {
		return nil, ledger.ValidationErrorf("intent is required")
	}
	if state == nil || fee == nil || fee.BaseFee == nil || fee.TipCap == nil {
		return nil, ledger.ValidationErrorf("account state and fee estimate are required")
	}
	if timeout <= 0 {
		return nil, ledger.ValidationErrorf("timeout must be positive, got %s", timeout)
	}

	tipCap, feeCap := b.fees(fee)

	cost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(intent.GasLimit))
	cost.Add(cost, intent.Value)
	if state.Balance != nil && cost.Cmp(state.Balance) > 0 {
		return nil, ledger.ValidationErrorf("insufficient funds: balance %s below worst-case cost %s", state.Balance, cost)
	}

	now := b.clock()
	unsigned := &UnsignedTransaction{
		Intent:    intent,
		From:      state.Address,
		ChainID:   new(big.Int).Set(b.chainID),
		Sequence:  state.Sequence,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		GasLimit:  intent.GasLimit,
		To:        intent.To,
		Value:     new(big.Int).Set(intent.Value),
		Data:      common.CopyBytes(intent.Data),
		BuiltAt:   now,
		ExpiresAt: now.Add(timeout),
	}

	b.logger.Sugar().Debugw("Built transaction",
		zap.String("from", unsigned.From.Hex()),
		zap.Uint64("sequence", unsigned.Sequence),
		zap.String("value", FormatAmount(unsigned.Value, NativeAsset.Decimals)),
		zap.String("gasTipCap", tipCap.String()),
		zap.String("gasFeeCap", feeCap.String()),
		zap.Uint64("gasLimit", unsigned.GasLimit),
	)
	return unsigned, nil
}

// fees applies the fee policy: the tip is at least minTipCap and the fee cap
// leaves headroom of half a base fee, scaled by the multiplier, above the tip.
func (b *Builder) fees(fee *ledger.FeeEstimate) (*big.Int, *big.Int) {
	tipCap := new(big.Int).Set(fee.TipCap)
	if tipCap.Cmp(b.minTipCap) < 0 {
		tipCap.Set(b.minTipCap)
	}

	headroom := new(big.Int).Mul(fee.BaseFee, big.NewInt(3))
	headroom.Div(headroom, big.NewInt(2))
	if b.feeMultiplier != 1 {
		scaled, _ := new(big.Float).Mul(
			new(big.Float).SetInt(headroom),
			big.NewFloat(b.feeMultiplier),
		).Int(nil)
		headroom = scaled
	}

	feeCap := new(big.Int).Add(headroom, tipCap)
	if feeCap.Cmp(fee.BaseFee) < 0 {
		feeCap.Set(fee.BaseFee)
	}
	return tipCap, feeCap
}

func (u *UnsignedTransaction) String() string {
	return fmt.Sprintf("tx{from=%s seq=%d to=%s value=%s}", u.From.Hex(), u.Sequence, u.To.Hex(), u.Value)
}
