package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Layr-Labs/txsubmitter-go/pkg/util"
	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const badgerKeyPrefix = "record:"

// BadgerStore persists records in an embedded badger database, one JSON value per intent key.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens (or creates) a badger database under dir.
func NewBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) Get(_ context.Context, intentKey common.Hash) (*SubmissionRecord, error) {
	var rec *SubmissionRecord
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(intentKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = new(SubmissionRecord)
			return json.Unmarshal(val, rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", intentKey.Hex(), err)
	}
	return rec, nil
}

func (b *BadgerStore) Save(_ context.Context, rec *SubmissionRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(rec.IntentKey), blob)
	})
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", rec.IntentKey.Hex(), err)
	}
	b.logger.Sugar().Debugw("Saved record",
		zap.String("intentKey", rec.IntentKey.Hex()),
		zap.String("state", string(rec.State)),
	)
	return nil
}

// List returns every stored record, in key order.
func (b *BadgerStore) List(_ context.Context) ([]*SubmissionRecord, error) {
	var out []*SubmissionRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec := new(SubmissionRecord)
				if err := json.Unmarshal(val, rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// GetByTransactionID scans for the record whose latest transaction is txID.
func (b *BadgerStore) GetByTransactionID(ctx context.Context, txID common.Hash) (*SubmissionRecord, error) {
	all, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	return util.Find(all, func(r *SubmissionRecord) bool {
		return r.TransactionID == txID
	}), nil
}

func badgerKey(intentKey common.Hash) []byte {
	return []byte(badgerKeyPrefix + intentKey.Hex())
}
