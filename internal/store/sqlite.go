package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteKV is the low-level embedded KV used by the persistent Storage
// Backend variant. Keys and values are raw bytes; no TTL or multi-tenant
// scoping is needed here (each cache tier gets its own table/DB file).
// Modeled on fazt-sh-fazt's internal/storage/kv.go SQLKVStore, trimmed to
// the byte-blob shape this spec's cache keys need.
type sqliteKV struct {
	db    *sql.DB
	table string
}

func openSQLiteKV(path, table string) (*sqliteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, avoid SQLITE_BUSY storms
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		k BLOB PRIMARY KEY,
		v BLOB NOT NULL
	)`, table)
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create table %s: %w", table, err)
	}
	return &sqliteKV{db: db, table: table}, nil
}

func (s *sqliteKV) get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var v []byte
	q := fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, s.table)
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, q, key).Scan(&v)
	})
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqliteKV) put(ctx context.Context, key, value []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v`, s.table)
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, key, value)
		return err
	})
}

func (s *sqliteKV) remove(ctx context.Context, key []byte) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, s.table)
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, key)
		return err
	})
}

func (s *sqliteKV) iterKeys(ctx context.Context) ([][]byte, error) {
	q := fmt.Sprintf(`SELECT k FROM %s`, s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqliteKV) close() error { return s.db.Close() }

// withRetry retries a SQLite operation on transient "database is locked"
// errors with exponential backoff, exactly as fazt-sh-fazt's
// internal/storage/retry.go does for its SQLite-backed KV store.
func withRetry(ctx context.Context, op func() error) error {
	const (
		maxAttempts    = 5
		initialBackoff = 20 * time.Millisecond
	)
	backoff := initialBackoff
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		err := op()
		if err == nil || err == sql.ErrNoRows {
			return err
		}
		if !isRetryableSQLiteErr(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return lastErr
}

func isRetryableSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
