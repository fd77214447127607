package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store is the feed server's record storage.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// InsertTransaction stores rec and reports whether it was new.
	InsertTransaction(ctx context.Context, rec TransactionRecord) (bool, error)
	// RecentTransactions returns up to n records, newest first.
	RecentTransactions(ctx context.Context, n int) ([]TransactionRecord, error)
	CountTransactions(ctx context.Context) (int, error)
	Close() error
}

// SqliteStore implements Store using SQLite via modernc.org/sqlite (pure Go, no CGO).
type SqliteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transactions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    hash           TEXT NOT NULL UNIQUE,
    from_addr      TEXT NOT NULL DEFAULT '',
    to_addr        TEXT NOT NULL DEFAULT '',
    value_eth      REAL NOT NULL DEFAULT 0,
    gas_price      REAL NOT NULL DEFAULT 0,
    classification TEXT NOT NULL,
    observed_at    TEXT,
    features       TEXT NOT NULL DEFAULT '{}',
    created_at     TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_transactions_classification ON transactions(classification);
`

// NewSqliteStore opens (or creates) a SQLite database at the given path.
func NewSqliteStore(path string, logger zerolog.Logger) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	logger.Info().Str("component", "store").Str("path", path).Msg("sqlite database opened")
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) InsertTransaction(ctx context.Context, rec TransactionRecord) (bool, error) {
	features, observed, err := encodeRecordColumns(rec)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (hash, from_addr, to_addr, value_eth, gas_price, classification, observed_at, features)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (hash) DO NOTHING`,
		rec.Hash, rec.From, rec.To, rec.ValueEth, rec.GasPrice, string(rec.Classification), observed, features,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SqliteStore) RecentTransactions(ctx context.Context, n int) ([]TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, from_addr, to_addr, value_eth, gas_price, classification, observed_at, features
		 FROM transactions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TransactionRecord
	for rows.Next() {
		var (
			rec      TransactionRecord
			class    string
			observed sql.NullString
			features string
		)
		if err := rows.Scan(&rec.Hash, &rec.From, &rec.To, &rec.ValueEth, &rec.GasPrice, &class, &observed, &features); err != nil {
			return nil, err
		}
		if err := decodeRecordColumns(&rec, class, observed.String, features); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SqliteStore) CountTransactions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count)
	return count, err
}

func encodeRecordColumns(rec TransactionRecord) (features string, observed *string, err error) {
	raw, err := json.Marshal(FillFeatureDefaults(rec.Features))
	if err != nil {
		return "", nil, fmt.Errorf("marshaling features: %w", err)
	}
	if !rec.Timestamp.IsZero() {
		ts := rec.Timestamp.UTC().Format(time.RFC3339Nano)
		observed = &ts
	}
	return string(raw), observed, nil
}

func decodeRecordColumns(rec *TransactionRecord, class, observed, features string) error {
	rec.Classification = ParseClassification(class)
	if observed != "" {
		t, err := ParseTimestamp(observed)
		if err != nil {
			return fmt.Errorf("parsing observed_at for %s: %w", truncHash(rec.Hash, 16), err)
		}
		rec.Timestamp = Timestamp{Time: t}
	}
	if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
		return fmt.Errorf("unmarshaling features for %s: %w", truncHash(rec.Hash, 16), err)
	}
	return nil
}

// initStore creates the appropriate Store based on config.
func initStore(cfg DatabaseConfig, logger zerolog.Logger) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	switch driver {
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "./txwatch.db"
		}
		return NewSqliteStore(path, logger)

	case "postgres":
		if cfg.Password == "" {
			logger.Warn().Msg("no database password set; prefer TXWATCH_DB_PASSWORD env var")
		}
		connURL := &url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:     cfg.Name,
			RawQuery: "sslmode=disable",
		}
		return NewPgStore(connURL.String(), logger)

	default:
		return nil, fmt.Errorf("unsupported database driver: %s (use 'sqlite' or 'postgres')", driver)
	}
}
