package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Operation names counted by FakeGateway.
const (
	OpFetchAccountState = "FetchAccountState"
	OpEstimateFee       = "EstimateFee"
	OpSubmit            = "Submit"
	OpPollStatus        = "PollStatus"
)

// SubmitFault injects a failure into FakeGateway.Submit. When Deliver is set
// the transaction is accepted before Err is returned, emulating a response lost
// after the network received the request.
type SubmitFault struct {
	Err     error
	Deliver bool
}

type fakeAccount struct {
	nonce   uint64
	balance *big.Int
}

type fakeTx struct {
	tx     *types.Transaction
	from   common.Address
	status StatusKind
	entry  *LedgerEntry
	polls  int
}

// FakeGateway is a deterministic in-memory ledger. It validates signatures,
// enforces sequence ordering, deduplicates by transaction id and settles a
// pending transaction after ConfirmAfterPolls polls.
type FakeGateway struct {
	// BeforeFetch, BeforeFee and BeforePoll may return an error to fail the n-th call (1-based)
	BeforeFetch func(n int) error
	BeforeFee   func(n int) error
	BeforePoll  func(n int, txID common.Hash) error
	// BeforeSubmit may inject a fault into the n-th Submit call (1-based)
	BeforeSubmit func(n int, tx *types.Transaction) *SubmitFault
	// ConfirmAfterPolls is the number of Pending answers before a transaction settles
	ConfirmAfterPolls int
	// Reverting lists destinations whose calls are included but fail
	Reverting map[common.Address]bool

	mu       sync.Mutex
	chainID  *big.Int
	signer   types.Signer
	baseFee  *big.Int
	tipCap   *big.Int
	accounts map[common.Address]*fakeAccount
	txs      map[common.Hash]*fakeTx
	pending  map[common.Address]int
	block    uint64
	calls    map[string]int
}

var _ ILedgerGateway = (*FakeGateway)(nil)

// NewFakeGateway creates an empty ledger for chainID.
func NewFakeGateway(chainID *big.Int) *FakeGateway {
	return &FakeGateway{
		Reverting: make(map[common.Address]bool),
		chainID:   new(big.Int).Set(chainID),
		signer:    types.LatestSignerForChainID(chainID),
		baseFee:   big.NewInt(1_000_000_000),
		tipCap:    big.NewInt(1_000_000_000),
		accounts:  make(map[common.Address]*fakeAccount),
		txs:       make(map[common.Hash]*fakeTx),
		pending:   make(map[common.Address]int),
		calls:     make(map[string]int),
	}
}

// SetAccount sets the committed nonce and balance of an account.
func (f *FakeGateway) SetAccount(addr common.Address, nonce uint64, balance *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr] = &fakeAccount{nonce: nonce, balance: new(big.Int).Set(balance)}
}

// SetNonce moves an account's committed nonce, as if another transaction settled.
func (f *FakeGateway) SetNonce(addr common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account(addr).nonce = nonce
}

// SetFees changes the fee estimate returned by EstimateFee.
func (f *FakeGateway) SetFees(baseFee, tipCap *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseFee = new(big.Int).Set(baseFee)
	f.tipCap = new(big.Int).Set(tipCap)
}

// Nonce returns the committed nonce of addr.
func (f *FakeGateway) Nonce(addr common.Address) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account(addr).nonce
}

// Balance returns the committed balance of addr.
func (f *FakeGateway) Balance(addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.account(addr).balance)
}

// Calls returns how many times op was invoked.
func (f *FakeGateway) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of gateway calls of any kind.
func (f *FakeGateway) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Settled returns the number of transactions from addr included in a block.
func (f *FakeGateway) Settled(addr common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.txs {
		if t.from == addr && (t.status == StatusConfirmed || t.status == StatusFailed) {
			n++
		}
	}
	return n
}

func (f *FakeGateway) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.calls[op]
}

func (f *FakeGateway) account(addr common.Address) *fakeAccount {
	acct, ok := f.accounts[addr]
	if !ok {
		acct = &fakeAccount{balance: new(big.Int)}
		f.accounts[addr] = acct
	}
	return acct
}

func (f *FakeGateway) FetchAccountState(ctx context.Context, address common.Address) (*AccountState, error) {
	n := f.count(OpFetchAccountState)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.BeforeFetch != nil {
		if err := f.BeforeFetch(n); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[address]
	if !ok || (acct.nonce == 0 && acct.balance.Sign() == 0 && f.pending[address] == 0) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address.Hex())
	}
	return &AccountState{
		Address:  address,
		Sequence: acct.nonce + uint64(f.pending[address]),
		Balance:  new(big.Int).Set(acct.balance),
	}, nil
}

func (f *FakeGateway) EstimateFee(ctx context.Context) (*FeeEstimate, error) {
	n := f.count(OpEstimateFee)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.BeforeFee != nil {
		if err := f.BeforeFee(n); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return &FeeEstimate{
		BaseFee: new(big.Int).Set(f.baseFee),
		TipCap:  new(big.Int).Set(f.tipCap),
	}, nil
}

func (f *FakeGateway) Submit(ctx context.Context, tx *types.Transaction) (*SubmissionAck, error) {
	n := f.count(OpSubmit)
	if err := ctx.Err(); err != nil {
		return nil, NetworkError("send transaction", err)
	}
	if f.BeforeSubmit != nil {
		if fault := f.BeforeSubmit(n, tx); fault != nil {
			if fault.Deliver {
				if _, err := f.accept(tx); err != nil {
					return nil, err
				}
			}
			return nil, fault.Err
		}
	}
	return f.accept(tx)
}

func (f *FakeGateway) accept(tx *types.Transaction) (*SubmissionAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := tx.Hash()
	if _, ok := f.txs[id]; ok {
		return &SubmissionAck{TransactionID: id, AlreadyKnown: true}, nil
	}

	from, err := types.Sender(f.signer, tx)
	if err != nil {
		return nil, NewRejectionError(ReasonBadSignature, fmt.Errorf("invalid sender: %w", err))
	}
	acct := f.account(from)
	next := acct.nonce + uint64(f.pending[from])
	switch {
	case tx.Nonce() < next:
		return nil, NewRejectionError(ReasonSequenceConflict,
			fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", next, tx.Nonce()))
	case tx.Nonce() > next:
		return nil, NewRejectionError(ReasonSequenceConflict,
			fmt.Errorf("nonce too high: next nonce %d, tx nonce %d", next, tx.Nonce()))
	}
	if tx.GasFeeCap().Cmp(f.baseFee) < 0 {
		return nil, NewRejectionError(ReasonFeeTooLow,
			fmt.Errorf("max fee per gas less than block base fee: maxFeePerGas %s baseFee %s", tx.GasFeeCap(), f.baseFee))
	}
	if tx.Cost().Cmp(acct.balance) > 0 {
		return nil, NewRejectionError(ReasonInsufficientFunds,
			fmt.Errorf("insufficient funds for gas * price + value: have %s want %s", acct.balance, tx.Cost()))
	}

	f.txs[id] = &fakeTx{tx: tx, from: from, status: StatusPending}
	f.pending[from]++
	return &SubmissionAck{TransactionID: id}, nil
}

func (f *FakeGateway) PollStatus(ctx context.Context, txID common.Hash) (*TxStatus, error) {
	n := f.count(OpPollStatus)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.BeforePoll != nil {
		if err := f.BeforePoll(n, txID); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txs[txID]
	if !ok {
		return &TxStatus{Kind: StatusUnknown}, nil
	}
	if t.status == StatusPending {
		if t.polls < f.ConfirmAfterPolls {
			t.polls++
			return &TxStatus{Kind: StatusPending}, nil
		}
		f.settle(t)
	}
	out := &TxStatus{Kind: t.status, Entry: t.entry}
	if t.status == StatusFailed {
		out.Reason = "execution reverted"
	}
	return out, nil
}

// settle includes t in a new block. The sequence and the fee are consumed even
// when the call reverts; the value moves only on success.
func (f *FakeGateway) settle(t *fakeTx) {
	f.block++
	price := new(big.Int).Add(f.baseFee, t.tx.GasTipCap())
	if price.Cmp(t.tx.GasFeeCap()) > 0 {
		price.Set(t.tx.GasFeeCap())
	}
	gasUsed := t.tx.Gas()
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(gasUsed))

	from := f.account(t.from)
	from.nonce++
	f.pending[t.from]--
	from.balance.Sub(from.balance, fee)

	t.status = StatusConfirmed
	if to := t.tx.To(); to != nil && f.Reverting[*to] {
		t.status = StatusFailed
	} else if to != nil {
		from.balance.Sub(from.balance, t.tx.Value())
		dest := f.account(*to)
		dest.balance.Add(dest.balance, t.tx.Value())
	}

	t.entry = &LedgerEntry{
		TransactionID:     t.tx.Hash(),
		BlockNumber:       f.block,
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(f.block)),
		GasUsed:           gasUsed,
		EffectiveGasPrice: price,
	}
}

// ErrFakeNetwork is a convenience transient failure for fault injection.
var ErrFakeNetwork = NetworkError("fake", errors.New("connection reset by peer"))
