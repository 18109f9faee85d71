// Package sqlitekv implements the kv.Store contract (see package kv) on
// top of database/sql + github.com/mattn/go-sqlite3, storing every
// logical tuple key as a BLOB primary key in one table and using
// SQLite's native byte-wise BLOB ordering to satisfy range scans. It
// exists to prove the document store's mapping layer (kv.Store
// consumers) is storage-agnostic, and to exercise the SQL stack the
// teacher repo pulls in for its own indexer. The Options/Open/pragma
// shape mirrors the teacher's sqlite.Database wrapper.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"docstore/kv"
)

// Options mirrors the teacher's sqlite.Options, trimmed to what a
// single-table KV engine needs.
type Options struct {
	JournalMode string        // default WAL
	Synchronous string        // default NORMAL
	BusyTimeout time.Duration // default 5s
}

const schema = `CREATE TABLE IF NOT EXISTS kv_entries (
	key   BLOB PRIMARY KEY,
	value BLOB NOT NULL
)`

// Store is a kv.Store backed by a single SQLite database file.
type Store struct {
	db *sql.DB
}

var _ kv.Store = (*Store)(nil)

// Open opens (creating if necessary) a SQLite-backed store at path.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlitekv: empty path")
	}
	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	syncMode := opts.Synchronous
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver + WAL: one writer at a time keeps this simple

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", syncMode),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitekv: apply %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitekv: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Get(ctx context.Context, key kv.Tuple, opts kv.GetOptions) ([]byte, bool, error) {
	return execGet(ctx, s.db, key, opts)
}

func (s *Store) Put(ctx context.Context, key kv.Tuple, value []byte, opts kv.PutOptions) error {
	return execPut(ctx, s.db, key, value, opts)
}

func (s *Store) Delete(ctx context.Context, key kv.Tuple, opts kv.DeleteOptions) (bool, error) {
	return execDelete(ctx, s.db, key, opts)
}

func (s *Store) GetMany(ctx context.Context, keys []kv.Tuple, opts kv.ManyOptions) ([]kv.Entry, error) {
	return execGetMany(ctx, s.db, keys, opts)
}

func (s *Store) Find(ctx context.Context, q kv.Query) ([]kv.Entry, error) {
	return execFind(ctx, s.db, q)
}

func (s *Store) Count(ctx context.Context, q kv.Query) (int, error) {
	return execCount(ctx, s.db, q)
}

func (s *Store) FindAndDelete(ctx context.Context, q kv.Query) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := execFindAndDelete(ctx, tx, q)
		n = c
		return err
	})
	return n, err
}

func (s *Store) Transaction(ctx context.Context, fn func(kv.Txn) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&txnView{tx: tx})
	})
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type txnView struct {
	tx *sql.Tx
}

func (t *txnView) Get(ctx context.Context, key kv.Tuple, opts kv.GetOptions) ([]byte, bool, error) {
	return execGet(ctx, t.tx, key, opts)
}

func (t *txnView) Put(ctx context.Context, key kv.Tuple, value []byte, opts kv.PutOptions) error {
	return execPut(ctx, t.tx, key, value, opts)
}

func (t *txnView) Delete(ctx context.Context, key kv.Tuple, opts kv.DeleteOptions) (bool, error) {
	return execDelete(ctx, t.tx, key, opts)
}

func (t *txnView) GetMany(ctx context.Context, keys []kv.Tuple, opts kv.ManyOptions) ([]kv.Entry, error) {
	return execGetMany(ctx, t.tx, keys, opts)
}

func (t *txnView) Find(ctx context.Context, q kv.Query) ([]kv.Entry, error) {
	return execFind(ctx, t.tx, q)
}

func (t *txnView) Count(ctx context.Context, q kv.Query) (int, error) {
	return execCount(ctx, t.tx, q)
}

func (t *txnView) FindAndDelete(ctx context.Context, q kv.Query) (int, error) {
	return execFindAndDelete(ctx, t.tx, q)
}

func execGet(ctx context.Context, e execer, key kv.Tuple, opts kv.GetOptions) ([]byte, bool, error) {
	row := e.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, kv.EncodeTuple(key))
	var value []byte
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if opts.ErrorIfMissing {
			return nil, false, kv.ErrNotFound
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func execPut(ctx context.Context, e execer, key kv.Tuple, value []byte, opts kv.PutOptions) error {
	_, exists, err := execGet(ctx, e, key, kv.GetOptions{})
	if err != nil {
		return err
	}
	if exists && opts.ErrorIfExists {
		return kv.ErrExists
	}
	if !exists && !opts.CreateIfMissing {
		return kv.ErrNotFound
	}
	if value == nil {
		// A nil []byte binds as SQL NULL, which the NOT NULL value column
		// rejects; store an absent value as zero-length instead.
		value = []byte{}
	}
	_, err = e.ExecContext(ctx, `INSERT INTO kv_entries(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, kv.EncodeTuple(key), value)
	return err
}

func execDelete(ctx context.Context, e execer, key kv.Tuple, opts kv.DeleteOptions) (bool, error) {
	_, exists, err := execGet(ctx, e, key, kv.GetOptions{})
	if err != nil {
		return false, err
	}
	if !exists {
		if opts.ErrorIfMissing {
			return false, kv.ErrNotFound
		}
		return false, nil
	}
	if _, err := e.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, kv.EncodeTuple(key)); err != nil {
		return false, err
	}
	return true, nil
}

func execGetMany(ctx context.Context, e execer, keys []kv.Tuple, opts kv.ManyOptions) ([]kv.Entry, error) {
	out := make([]kv.Entry, 0, len(keys))
	for _, key := range keys {
		value, found, err := execGet(ctx, e, key, kv.GetOptions{})
		if err != nil {
			return nil, err
		}
		if !found {
			if opts.ErrorIfMissing {
				return nil, kv.ErrNotFound
			}
			continue
		}
		entry := kv.Entry{Key: key}
		if opts.ReturnValues {
			entry.Value = value
		}
		out = append(out, entry)
	}
	return out, nil
}

func execFind(ctx context.Context, e execer, q kv.Query) ([]kv.Entry, error) {
	lower, upper := kv.ScanBounds(q)

	query := `SELECT key, value FROM kv_entries WHERE 1=1`
	var args []any
	if lower != nil {
		query += ` AND key >= ?`
		args = append(args, lower)
	}
	if upper != nil {
		query += ` AND key < ?`
		args = append(args, upper)
	}
	if q.Reverse {
		query += ` ORDER BY key DESC`
	} else {
		query += ` ORDER BY key ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := e.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kv.Entry
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var rawKey, value []byte
		if err := rows.Scan(&rawKey, &value); err != nil {
			return nil, err
		}
		decoded, err := kv.DecodeTuple(rawKey)
		if err != nil {
			return nil, err
		}
		entry := kv.Entry{Key: decoded}
		if q.ReturnValues {
			entry.Value = value
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func execCount(ctx context.Context, e execer, q kv.Query) (int, error) {
	lower, upper := kv.ScanBounds(q)

	query := `SELECT COUNT(*) FROM kv_entries WHERE 1=1`
	var args []any
	if lower != nil {
		query += ` AND key >= ?`
		args = append(args, lower)
	}
	if upper != nil {
		query += ` AND key < ?`
		args = append(args, upper)
	}
	var n int
	if err := e.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func execFindAndDelete(ctx context.Context, tx *sql.Tx, q kv.Query) (int, error) {
	entries, err := execFind(ctx, tx, kv.Query{
		Prefix: q.Prefix, Start: q.Start, StartAfter: q.StartAfter,
		End: q.End, EndBefore: q.EndBefore, Reverse: q.Reverse, Limit: q.Limit,
	})
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, kv.EncodeTuple(entry.Key)); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
