package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Layr-Labs/txsubmitter-go/pkg/ledger"
	"github.com/Layr-Labs/txsubmitter-go/pkg/record"
	"github.com/Layr-Labs/txsubmitter-go/pkg/report"
	"github.com/Layr-Labs/txsubmitter-go/pkg/txSigner"
	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// errTransactionLost marks a transaction the network never received within the grace period.
var errTransactionLost = errors.New("transaction not known to the network")

// build fetches fresh state, reserves a sequence and signs. It takes the account
// lock and leaves it held for submit on success.
func (c *Coordinator) build(ctx context.Context, a *attempt) error {
	rec := a.rec
	if rec.State != record.StateBuilding {
		rec.State = record.StateBuilding
		if err := c.save(ctx, rec); err != nil {
			return err
		}
	}

	if err := c.lock(ctx, a); err != nil {
		c.fail(rec, record.StateAbandoned, record.FailureCancelled, "", err)
		return nil
	}

	state, fee, err := c.fetch(ctx, rec.Account)
	if err != nil {
		c.unlock(a)
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			c.fail(rec, record.StateRejected, record.FailureAccountNotFound, "", err)
		case ctx.Err() != nil:
			c.fail(rec, record.StateAbandoned, record.FailureCancelled, "", ctx.Err())
		default:
			c.fail(rec, record.StateAbandoned, record.FailureNetwork, "", err)
		}
		return nil
	}

	// An earlier transaction may have reached the network after all. Signing a
	// replacement before ruling that out could pay the intent twice.
	if len(rec.InDoubt) > 0 {
		prior, status, err := c.findInDoubt(ctx, rec, common.Hash{}, true)
		if err != nil {
			c.unlock(a)
			if ctx.Err() != nil {
				c.fail(rec, record.StateAbandoned, record.FailureCancelled, "", ctx.Err())
			} else {
				c.fail(rec, record.StateAbandoned, record.FailureNetwork, "", err)
			}
			return nil
		}
		if prior != nil {
			c.unlock(a)
			c.adopt(a, *prior, status)
			return c.save(ctx, rec)
		}
	}

	seq := c.nonces.Reserve(rec.Account, state.Sequence)
	reserved := state.Copy()
	reserved.Sequence = seq

	unsigned, err := c.builder.Build(a.intent, reserved, fee, c.cfg.TxValidity)
	if err != nil {
		c.nonces.Release(rec.Account, seq)
		c.unlock(a)
		c.fail(rec, record.StateRejected, record.FailureValidation, "", err)
		return nil
	}

	signed := a.signed
	if signed == nil || !signed.Unsigned.SameAs(unsigned) || signed.Unsigned.Expired(c.clock()) {
		signed, err = c.signer.Sign(ctx, unsigned)
		if err != nil {
			c.nonces.Release(rec.Account, seq)
			c.unlock(a)
			switch {
			case errors.Is(err, ledger.ErrInvalidKey):
				c.fail(rec, record.StateRejected, record.FailureInvalidKey, "", err)
			case ctx.Err() != nil:
				c.fail(rec, record.StateAbandoned, record.FailureCancelled, "", ctx.Err())
			default:
				c.fail(rec, record.StateAbandoned, record.FailureSignerUnavailable, "", err)
			}
			return nil
		}
	} else {
		c.logger.Sugar().Debugw("Reusing signed transaction",
			zap.String("transactionId", signed.ID.Hex()),
		)
	}

	raw, err := signed.RawBytes()
	if err != nil {
		c.nonces.Release(rec.Account, seq)
		return fmt.Errorf("failed to encode signed transaction: %w", err)
	}

	if rec.TransactionID != (common.Hash{}) && rec.TransactionID != signed.ID {
		rec.PreviousTransactionIDs = append(rec.PreviousTransactionIDs, rec.TransactionID)
	}
	a.signed = signed
	a.tx = signed.Tx
	rec.TransactionID = signed.ID
	rec.Sequence = seq
	rec.RawTx = raw
	rec.ExpiresAt = unsigned.ExpiresAt
	rec.Ambiguous = false
	rec.State = record.StateSigned

	c.logger.Sugar().Infow("Signed transaction",
		zap.String("recordId", rec.ID),
		zap.String("transactionId", rec.TransactionID.Hex()),
		zap.Uint64("sequence", seq),
		zap.Int("rebuildCycles", rec.RebuildCycles),
	)
	return c.save(ctx, rec)
}

// findInDoubt polls the in-doubt transactions of rec, except skip, and returns
// the first one the network holds. With retryPolls set, transient poll failures
// are retried and a persistent one is returned; otherwise the transaction is
// skipped.
func (c *Coordinator) findInDoubt(ctx context.Context, rec *record.SubmissionRecord, skip common.Hash, retryPolls bool) (*record.PriorTransaction, *ledger.TxStatus, error) {
	for _, prior := range rec.InDoubt {
		if prior.TransactionID == skip {
			continue
		}
		var (
			status *ledger.TxStatus
			err    error
		)
		if retryPolls {
			status, err = c.Status(ctx, prior.TransactionID)
		} else {
			status, err = c.gateway.PollStatus(ctx, prior.TransactionID)
		}
		if err != nil {
			c.metrics.IncPoll("error")
			if retryPolls {
				return nil, nil, err
			}
			continue
		}
		c.metrics.IncPoll(status.Kind.String())
		if status.Kind != ledger.StatusUnknown {
			prior := prior
			return &prior, status, nil
		}
	}
	return nil, nil, nil
}

// adopt makes an in-doubt transaction the network turned out to hold current
// again and returns the record to Submitted. The caller releases any sequence
// claimed for the transaction being replaced.
func (c *Coordinator) adopt(a *attempt, prior record.PriorTransaction, status *ledger.TxStatus) {
	rec := a.rec
	c.logger.Sugar().Warnw("Earlier transaction reached the network, following it instead",
		zap.String("recordId", rec.ID),
		zap.String("transactionId", prior.TransactionID.Hex()),
		zap.String("replacedTransactionId", rec.TransactionID.Hex()),
		zap.String("status", status.Kind.String()),
	)
	c.nonces.Claim(rec.Account, prior.Sequence)
	rec.Adopt(prior)
	a.signed = nil
	a.tx = nil
	if tx, err := txSigner.DecodeTransaction(prior.RawTx); err == nil {
		a.tx = tx
	}
	if a.submittedAt.IsZero() {
		a.submittedAt = c.clock()
	}
	rec.State = record.StateSubmitted
	rec.Ambiguous = false
}

// fetch loads account state and fees, retrying transient failures with
// exponential backoff.
func (c *Coordinator) fetch(ctx context.Context, account common.Address) (*ledger.AccountState, *ledger.FeeEstimate, error) {
	var (
		state *ledger.AccountState
		fee   *ledger.FeeEstimate
	)
	err := retry.Do(func() error {
		s, err := c.gateway.FetchAccountState(ctx, account)
		if err != nil {
			return err
		}
		f, err := c.gateway.EstimateFee(ctx)
		if err != nil {
			return err
		}
		state, fee = s, f
		return nil
	}, c.retryOptions(ctx, "FetchAccountState")...)
	if err != nil {
		return nil, nil, err
	}
	return state, fee, nil
}

// submit hands the signed transaction to the network and releases the account
// lock. A lost response leaves the record Submitted and ambiguous; it is never
// answered by building a new transaction.
func (c *Coordinator) submit(ctx context.Context, a *attempt) error {
	rec := a.rec
	if err := c.lock(ctx, a); err != nil {
		c.nonces.Release(rec.Account, rec.Sequence)
		c.fail(rec, record.StateAbandoned, record.FailureCancelled, "", err)
		return nil
	}
	if rec.Expired(c.clock()) {
		c.nonces.Release(rec.Account, rec.Sequence)
		c.unlock(a)
		return c.rebuild(ctx, a, fmt.Errorf("transaction %s expired before submission", rec.TransactionID.Hex()))
	}

	rec.Attempts++
	ack, err := c.gateway.Submit(ctx, a.tx)
	c.unlock(a)

	if err == nil {
		result := "accepted"
		if ack.AlreadyKnown {
			result = "already_known"
		}
		c.metrics.IncSubmit(result)
		c.logger.Sugar().Infow("Transaction submitted",
			zap.String("recordId", rec.ID),
			zap.String("transactionId", ack.TransactionID.Hex()),
			zap.Bool("alreadyKnown", ack.AlreadyKnown),
		)
		a.submittedAt = c.clock()
		rec.State = record.StateSubmitted
		rec.Ambiguous = false
		return c.save(ctx, rec)
	}

	if reason, ok := ledger.RejectionReasonOf(err); ok {
		c.metrics.IncSubmit("rejected")
		c.nonces.Release(rec.Account, rec.Sequence)
		c.logger.Sugar().Warnw("Transaction rejected",
			zap.String("recordId", rec.ID),
			zap.String("transactionId", rec.TransactionID.Hex()),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		if reason.Remediable() {
			return c.rebuild(ctx, a, err)
		}
		c.fail(rec, record.StateRejected, record.FailureRejected, reason, err)
		return nil
	}

	// The network may or may not hold the transaction now.
	c.metrics.IncSubmit("error")
	c.logger.Sugar().Warnw("Submit outcome unknown, polling before any resubmission",
		zap.String("recordId", rec.ID),
		zap.String("transactionId", rec.TransactionID.Hex()),
		zap.Error(err),
	)
	a.submittedAt = c.clock()
	rec.State = record.StateSubmitted
	rec.Ambiguous = true
	rec.LastError = err.Error()
	return c.save(ctx, rec)
}

// rebuild sends the record back to Building, or abandons it once the rebuild
// budget is spent. The caller must already have released the old sequence.
func (c *Coordinator) rebuild(ctx context.Context, a *attempt, cause error) error {
	rec := a.rec
	rec.RebuildCycles++
	rec.LastError = cause.Error()
	c.metrics.IncRebuild()

	if rec.RebuildCycles > c.cfg.MaxRebuildCycles {
		c.fail(rec, record.StateAbandoned, record.FailureRebuildLimit, "", fmt.Errorf("%w after %d cycles: %w", report.ErrRebuildLimit, c.cfg.MaxRebuildCycles, cause))
		return nil
	}
	delay := c.rebuildDelay(rec.RebuildCycles)
	c.logger.Sugar().Infow("Rebuilding transaction",
		zap.String("recordId", rec.ID),
		zap.Int("rebuildCycles", rec.RebuildCycles),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	rec.State = record.StateBuilding
	if err := c.save(ctx, rec); err != nil {
		return err
	}
	if !sleep(ctx, delay) {
		c.fail(rec, record.StateAbandoned, record.FailureCancelled, "", ctx.Err())
	}
	return nil
}

// rebuildDelay is the pause before rebuild cycle n (1-based). It doubles from
// InitialBackoff up to MaxBackoff, so that a lower in-flight sequence has time
// to settle before the next attempt.
func (c *Coordinator) rebuildDelay(n int) time.Duration {
	d := c.cfg.InitialBackoff
	for i := 1; i < n && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// confirm polls with bounded exponential backoff until the transaction settles,
// the submission window elapses or the caller cancels. A transaction unknown to
// the network for longer than the grace period is treated as lost and rebuilt.
func (c *Coordinator) confirm(ctx context.Context, a *attempt) error {
	rec := a.rec
	deadline := a.submittedAt.Add(c.cfg.SubmissionTimeout)
	backoff := c.cfg.InitialBackoff
	var unknownSince time.Time

	for {
		status, err := c.gateway.PollStatus(ctx, rec.TransactionID)
		if ctx.Err() != nil {
			c.nonces.Release(rec.Account, rec.Sequence)
			c.fail(rec, record.StateAbandoned, record.FailureCancelled, "", ctx.Err())
			return nil
		}

		if err == nil && status.Kind == ledger.StatusUnknown && len(rec.InDoubt) > 0 {
			prior, found, _ := c.findInDoubt(ctx, rec, rec.TransactionID, false)
			if prior != nil {
				if prior.Sequence != rec.Sequence {
					c.nonces.Release(rec.Account, rec.Sequence)
				}
				rec.MarkInDoubt()
				c.adopt(a, *prior, found)
				if err := c.save(ctx, rec); err != nil {
					return err
				}
				status = found
			}
		}

		if err != nil {
			c.metrics.IncPoll("error")
			c.logger.Sugar().Debugw("Poll failed",
				zap.String("transactionId", rec.TransactionID.Hex()),
				zap.Error(err),
			)
		} else {
			c.metrics.IncPoll(status.Kind.String())
			switch status.Kind {
			case ledger.StatusConfirmed:
				c.nonces.Confirm(rec.Account, rec.Sequence)
				rec.State = record.StateConfirmed
				rec.Ambiguous = false
				rec.LedgerEntry = status.Entry
				return nil
			case ledger.StatusFailed:
				c.nonces.Confirm(rec.Account, rec.Sequence)
				rec.LedgerEntry = status.Entry
				rec.Ambiguous = false
				c.fail(rec, record.StateRejected, record.FailureRejected, ledger.ReasonReverted, errors.New(status.Reason))
				return nil
			case ledger.StatusPending:
				unknownSince = time.Time{}
				if rec.Ambiguous {
					rec.Ambiguous = false
					if err := c.save(ctx, rec); err != nil {
						return err
					}
				}
			case ledger.StatusUnknown:
				now := c.clock()
				if unknownSince.IsZero() {
					unknownSince = now
				}
				if now.Sub(unknownSince) >= c.cfg.AmbiguousGrace {
					// A lagging node may still answer Unknown for a held transaction.
					rec.MarkInDoubt()
					c.nonces.Release(rec.Account, rec.Sequence)
					return c.rebuild(ctx, a, fmt.Errorf("%w: %s", errTransactionLost, rec.TransactionID.Hex()))
				}
			}
		}

		now := c.clock()
		if !now.Before(deadline) {
			c.nonces.Release(rec.Account, rec.Sequence)
			c.fail(rec, record.StateTimedOut, record.FailureTimeout, "",
				fmt.Errorf("%w: %s unsettled after %s", ledger.ErrTimeout, rec.TransactionID.Hex(), c.cfg.SubmissionTimeout))
			return nil
		}

		wait := backoff
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		if !sleep(ctx, wait) {
			c.nonces.Release(rec.Account, rec.Sequence)
			c.fail(rec, record.StateAbandoned, record.FailureCancelled, "", ctx.Err())
			return nil
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
