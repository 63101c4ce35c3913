package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS submission_records (
    intent_key TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    state TEXT NOT NULL,
    record JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS submission_records_transaction_id ON submission_records (transaction_id);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create submission_records: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, intentKey common.Hash) (*SubmissionRecord, error) {
	return p.scanOne(ctx, `SELECT record FROM submission_records WHERE intent_key = $1`, intentKey.Hex())
}

// GetByTransactionID finds the record whose latest transaction is txID.
func (p *PostgresStore) GetByTransactionID(ctx context.Context, txID common.Hash) (*SubmissionRecord, error) {
	return p.scanOne(ctx, `SELECT record FROM submission_records WHERE transaction_id = $1`, txID.Hex())
}

func (p *PostgresStore) Save(ctx context.Context, rec *SubmissionRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO submission_records (intent_key, transaction_id, state, record, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (intent_key) DO UPDATE
SET transaction_id = EXCLUDED.transaction_id,
    state = EXCLUDED.state,
    record = EXCLUDED.record,
    updated_at = EXCLUDED.updated_at
`, rec.IntentKey.Hex(), rec.TransactionID.Hex(), string(rec.State), blob, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", rec.IntentKey.Hex(), err)
	}
	return nil
}

func (p *PostgresStore) scanOne(ctx context.Context, query string, arg string) (*SubmissionRecord, error) {
	var blob []byte
	if err := p.pool.QueryRow(ctx, query, arg).Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	rec := new(SubmissionRecord)
	if err := json.Unmarshal(blob, rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}
