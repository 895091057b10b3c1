package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteKV implements KV over a single kv(key, value, expires_at) table,
// guarded by an in-process mutex so the atomic-add primitive is race-free
// even though SQLite itself does not offer row-level locking.
type SQLiteKV struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteKV opens (creating if absent) the SQLite-backed store at dbPath.
func NewSQLiteKV(dbPath string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open kv database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping kv database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create kv schema: %w", err)
	}
	return &SQLiteKV{db: db}, nil
}

func expiresAtUnix(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}

func rowExpired(expiresAt int64) bool {
	return expiresAt != 0 && time.Now().UnixNano() > expiresAt
}

func (s *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	if rowExpired(expiresAt) {
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAtUnix(ttl))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin setnx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("setnx lookup %s: %w", key, err)
	}
	if err == nil && !rowExpired(expiresAt) {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAtUnix(ttl)); err != nil {
		return false, fmt.Errorf("setnx write %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit setnx %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) AddDecimal(ctx context.Context, key string, delta decimal.Decimal, ttl time.Duration) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin add: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current := decimal.Zero
	var value string
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// current stays zero
	case err != nil:
		return decimal.Zero, fmt.Errorf("add lookup %s: %w", key, err)
	case rowExpired(expiresAt):
		// treat as absent
	default:
		parsed, perr := decimal.NewFromString(value)
		if perr != nil {
			return decimal.Zero, fmt.Errorf("add parse %s: %w", key, perr)
		}
		current = parsed
	}

	next := current.Add(delta)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, next.String(), expiresAtUnix(ttl)); err != nil {
		return decimal.Zero, fmt.Errorf("add write %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit add %s: %w", key, err)
	}
	return next, nil
}

func (s *SQLiteKV) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value, expires_at FROM kv WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		var expiresAt int64
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if rowExpired(expiresAt) {
			continue
		}
		out[key] = value
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
