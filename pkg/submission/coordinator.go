// Package submission drives an intent from building through confirmation. The
// Coordinator owns the retry policy, per-account sequence reservation and the
// idempotency guarantee: one logical intent maps to one SubmissionRecord, and a
// transaction whose submission outcome is unknown is always polled before any
// replacement is built.
//
// Cancelling the context passed to SubmitIntent abandons the record locally once
// no other caller is waiting on the same intent. It never retracts a transaction
// the network has already accepted.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/metrics"
	"github.com/Layr-Labs/txsubmitter-go/pkg/nonceTracker"
	"github.com/Layr-Labs/txsubmitter-go/pkg/record"
	"github.com/Layr-Labs/txsubmitter-go/pkg/report"
	"github.com/Layr-Labs/txsubmitter-go/pkg/txBuilder"
	"github.com/Layr-Labs/txsubmitter-go/pkg/txSigner"
	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Coordinator is safe for concurrent use. Intents for different accounts proceed
// in parallel; intents for one account serialize between fetching account state
// and handing the signed transaction to the network.
type Coordinator struct {
	cfg      *Config
	gateway  ledger.ILedgerGateway
	builder  *txBuilder.Builder
	signer   txSigner.ITransactionSigner
	store    record.Store
	reporter report.IResultReporter
	nonces   *nonceTracker.Tracker
	metrics  *metrics.Registry
	logger   *zap.Logger
	clock    func() time.Time

	flights   singleflight.Group
	flightsMu sync.Mutex
	inFlight  map[string]*flight
	locksMu   sync.Mutex
	locks   map[common.Address]chan struct{}
}

// NewCoordinator creates a coordinator. m may be nil.
func NewCoordinator(
	cfg *Config,
	gateway ledger.ILedgerGateway,
	builder *txBuilder.Builder,
	signer txSigner.ITransactionSigner,
	store record.Store,
	reporter report.IResultReporter,
	m *metrics.Registry,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		gateway:  gateway,
		builder:  builder,
		signer:   signer,
		store:    store,
		reporter: reporter,
		nonces:   nonceTracker.NewTracker(),
		metrics:  m,
		logger:   logger,
		clock:    time.Now,
		locks:    make(map[common.Address]chan struct{}),
		inFlight: make(map[string]*flight),
	}
}

// attempt is the in-memory working state of one process call.
type attempt struct {
	rec         *record.SubmissionRecord
	intent      *txBuilder.PreparedIntent
	signed      *txSigner.SignedTransaction
	tx          *types.Transaction
	locked      bool
	submittedAt time.Time
}

// SubmitIntent drives intent for account to a terminal Outcome. Every terminal
// state, including failures, is returned as an Outcome with a nil error; the
// outcome's Err carries the cause. A non-nil error means no outcome could be
// produced, for example because the record store failed.
//
// Submitting the same intent again, concurrently or later, joins or returns the
// existing record instead of creating a second transaction. A caller whose
// context ends while others still wait on the same intent gets an error and
// leaves the submission running for them.
func (c *Coordinator) SubmitIntent(ctx context.Context, intent txBuilder.TransactionIntent, account common.Address) (*report.Outcome, error) {
	prepared, err := txBuilder.Prepare(intent)
	if err != nil {
		return c.rejectInvalid(ctx, account, err)
	}

	key := prepared.Key(account)
	name := key.Hex()
	f := c.join(ctx, name)
	ch := c.flights.DoChan(name, func() (interface{}, error) {
		return c.process(f.ctx, prepared, key, account)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
		c.leave(name, f)
	case <-ctx.Done():
		if !c.leave(name, f) {
			return nil, fmt.Errorf("stopped waiting for submission %s: %w", name, ctx.Err())
		}
		res = <-ch
	}
	if res.Shared {
		c.logger.Sugar().Debugw("Joined in-flight submission",
			zap.String("intentKey", name),
		)
	}
	out, _ := res.Val.(*report.Outcome)
	return out, res.Err
}

// flight is the context shared by every caller coalesced onto one intent. It
// outlives any single caller and is cancelled when the last one leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (c *Coordinator) join(ctx context.Context, name string) *flight {
	c.flightsMu.Lock()
	defer c.flightsMu.Unlock()
	f, ok := c.inFlight[name]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.inFlight[name] = f
	}
	f.waiters++
	return f
}

// leave drops one waiter from f and reports whether it was the last, in which
// case the shared context is cancelled.
func (c *Coordinator) leave(name string, f *flight) bool {
	c.flightsMu.Lock()
	defer c.flightsMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return false
	}
	if c.inFlight[name] == f {
		delete(c.inFlight, name)
	}
	f.cancel()
	return true
}

// rejectInvalid reports a validation failure. Nothing is persisted and the
// network is never contacted.
func (c *Coordinator) rejectInvalid(ctx context.Context, account common.Address, cause error) (*report.Outcome, error) {
	rec := record.New(common.Hash{}, account, c.clock())
	c.fail(rec, record.StateRejected, record.FailureValidation, "", cause)
	out, err := c.reporter.Report(rec)
	if err != nil && !errors.Is(err, report.ErrAlreadyReported) {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) process(ctx context.Context, intent *txBuilder.PreparedIntent, key common.Hash, account common.Address) (*report.Outcome, error) {
	defer c.metrics.TrackInFlight()()

	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	a := &attempt{rec: rec, intent: intent}
	defer c.unlock(a)

	switch {
	case rec == nil:
		a.rec = record.New(key, account, c.clock())
		if err := c.save(ctx, a.rec); err != nil {
			return nil, err
		}
	case rec.State.Terminal():
		if rec.Reported() {
			return c.reporter.Describe(rec), nil
		}
	default:
		if err := c.resume(ctx, a); err != nil {
			return nil, err
		}
	}

	for !a.rec.State.Terminal() {
		var err error
		switch a.rec.State {
		case record.StateCreated, record.StateBuilding:
			err = c.build(ctx, a)
		case record.StateSigned:
			err = c.submit(ctx, a)
		case record.StateSubmitted:
			err = c.confirm(ctx, a)
		default:
			err = fmt.Errorf("record %s in unexpected state %s", a.rec.ID, a.rec.State)
		}
		if err != nil {
			return nil, err
		}
	}
	return c.finish(ctx, a)
}

// resume picks up a record left in flight by an earlier process. A stored
// transaction may or may not have reached the network, so it is polled before
// anything new is built.
func (c *Coordinator) resume(ctx context.Context, a *attempt) error {
	rec := a.rec
	c.logger.Sugar().Infow("Resuming submission",
		zap.String("recordId", rec.ID),
		zap.String("state", string(rec.State)),
		zap.String("transactionId", rec.TransactionID.Hex()),
	)
	if !rec.HasTransaction() {
		rec.State = record.StateBuilding
		return c.save(ctx, rec)
	}

	tx, err := txSigner.DecodeTransaction(rec.RawTx)
	if err != nil {
		c.logger.Sugar().Warnw("Stored transaction is unreadable, rebuilding",
			zap.String("recordId", rec.ID),
			zap.Error(err),
		)
		rec.State = record.StateBuilding
		return c.save(ctx, rec)
	}
	a.tx = tx
	a.submittedAt = c.clock()
	c.nonces.Claim(rec.Account, rec.Sequence)
	rec.State = record.StateSubmitted
	rec.Ambiguous = true
	return c.save(ctx, rec)
}

// finish persists the terminal record and reports it exactly once.
func (c *Coordinator) finish(ctx context.Context, a *attempt) (*report.Outcome, error) {
	c.unlock(a)
	if err := c.save(ctx, a.rec); err != nil {
		return nil, err
	}
	out, err := c.reporter.Report(a.rec)
	if errors.Is(err, report.ErrAlreadyReported) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to report record %s: %w", a.rec.ID, err)
	}
	now := c.clock()
	a.rec.ReportedAt = &now
	if err := c.save(ctx, a.rec); err != nil {
		return nil, err
	}
	return out, nil
}

// Status polls the network for a single transaction id, retrying transient failures.
func (c *Coordinator) Status(ctx context.Context, txID common.Hash) (*ledger.TxStatus, error) {
	return retry.DoWithData(func() (*ledger.TxStatus, error) {
		return c.gateway.PollStatus(ctx, txID)
	}, c.retryOptions(ctx, "PollStatus")...)
}

// save stamps and persists rec. Bookkeeping survives caller cancellation.
func (c *Coordinator) save(ctx context.Context, rec *record.SubmissionRecord) error {
	rec.UpdatedAt = c.clock()
	if err := c.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
	}
	return nil
}

func (c *Coordinator) fail(rec *record.SubmissionRecord, state record.State, kind record.FailureKind, reason ledger.RejectionReason, cause error) {
	rec.State = state
	rec.Failure = kind
	rec.Reason = reason
	if cause != nil {
		rec.LastError = cause.Error()
	}
}

func (c *Coordinator) retryOptions(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(c.cfg.MaxNetworkAttempts),
		retry.Delay(c.cfg.InitialBackoff),
		retry.MaxDelay(c.cfg.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ledger.ErrNetwork)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Sugar().Debugw("Retrying network call",
				zap.String("operation", op),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	}
}

func (c *Coordinator) accountLock(addr common.Address) chan struct{} {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	ch, ok := c.locks[addr]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[addr] = ch
	}
	return ch
}

func (c *Coordinator) lock(ctx context.Context, a *attempt) error {
	if a.locked {
		return nil
	}
	select {
	case c.accountLock(a.rec.Account) <- struct{}{}:
		a.locked = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) unlock(a *attempt) {
	if !a.locked {
		return
	}
	<-c.accountLock(a.rec.Account)
	a.locked = false
}
