// Package sqlitestore implements storage.Adapter on an embedded SQLite file.
// It is the alternative local backend to the WAL+snapshot store.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/mediaqueue/internal/storage"
)

// Compile-time interface check.
var _ storage.Adapter = (*Store)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS lists (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	name  TEXT NOT NULL,
	value BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lists_name_seq ON lists(name, seq);
`

// Store is a SQLite-backed adapter.
type Store struct {
	db *sql.DB
}

// Open connects to the database file at path and initializes the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps pop/cas serialized without SQLITE_BUSY storms
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Name() string { return "sqlite" }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, nonNil(value))
	if err != nil {
		return fmt.Errorf("sqlite: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListPush(ctx context.Context, list string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO lists(name, value) VALUES(?, ?)`, list, nonNil(value)); err != nil {
		return fmt.Errorf("sqlite: push %s: %w", list, err)
	}
	return nil
}

func (s *Store) ListPop(ctx context.Context, list string) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pop %s: %w", list, err)
	}
	defer tx.Rollback()

	var (
		seq int64
		v   []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, value FROM lists WHERE name = ? ORDER BY seq LIMIT 1`, list).Scan(&seq, &v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEmpty
		}
		return nil, fmt.Errorf("sqlite: pop %s: %w", list, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE seq = ?`, seq); err != nil {
		return nil, fmt.Errorf("sqlite: pop %s: %w", list, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: pop %s: %w", list, err)
	}
	return v, nil
}

func (s *Store) ListLen(ctx context.Context, list string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE name = ?`, list).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: len %s: %w", list, err)
	}
	return n, nil
}

func (s *Store) ListContains(ctx context.Context, list string, value []byte) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lists WHERE name = ? AND value = ?`, list, nonNil(value)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: contains %s: %w", list, err)
	}
	return n > 0, nil
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if prev == nil {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO kv(key, value) VALUES(?, ?) ON CONFLICT(key) DO NOTHING`, key, nonNil(next))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE kv SET value = ? WHERE key = ? AND value = ?`, nonNil(next), key, prev)
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: cas %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: cas %s: %w", key, err)
	}
	return n == 1, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
