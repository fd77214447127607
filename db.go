package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS transactions (
    id             BIGSERIAL PRIMARY KEY,
    hash           TEXT NOT NULL UNIQUE,
    from_addr      TEXT NOT NULL DEFAULT '',
    to_addr        TEXT NOT NULL DEFAULT '',
    value_eth      DOUBLE PRECISION NOT NULL DEFAULT 0,
    gas_price      DOUBLE PRECISION NOT NULL DEFAULT 0,
    classification TEXT NOT NULL,
    observed_at    TIMESTAMPTZ,
    features       JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_classification ON transactions(classification);
`

// PgStore implements Store using PostgreSQL via pgx.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore connects to PostgreSQL and creates tables if they don't exist.
func NewPgStore(connString string, logger zerolog.Logger) (*PgStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info().Str("component", "store").Msg("postgres connected and schema initialized")
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PgStore) InsertTransaction(ctx context.Context, rec TransactionRecord) (bool, error) {
	features, _, err := encodeRecordColumns(rec)
	if err != nil {
		return false, err
	}
	var observed *time.Time
	if !rec.Timestamp.IsZero() {
		t := rec.Timestamp.UTC()
		observed = &t
	}
	result, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (hash, from_addr, to_addr, value_eth, gas_price, classification, observed_at, features)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		 ON CONFLICT (hash) DO NOTHING`,
		rec.Hash, rec.From, rec.To, rec.ValueEth, rec.GasPrice, string(rec.Classification), observed, features,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (s *PgStore) RecentTransactions(ctx context.Context, n int) ([]TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hash, from_addr, to_addr, value_eth, gas_price, classification, observed_at, features::text
		 FROM transactions ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TransactionRecord, error) {
		var (
			rec      TransactionRecord
			class    string
			observed *time.Time
			features string
		)
		if err := row.Scan(&rec.Hash, &rec.From, &rec.To, &rec.ValueEth, &rec.GasPrice, &class, &observed, &features); err != nil {
			return rec, err
		}
		if err := decodeRecordColumns(&rec, class, "", features); err != nil {
			return rec, err
		}
		if observed != nil {
			rec.Timestamp = Timestamp{Time: observed.UTC()}
		}
		return rec, nil
	})
}

func (s *PgStore) CountTransactions(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count)
	return count, err
}
