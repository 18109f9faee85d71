// Package badgerkv implements the kv.Store contract (see package kv) as an
// embedded, transactional, LSM-backed engine on top of
// github.com/dgraph-io/badger/v4. Badger already stores raw []byte keys
// in byte order, which is exactly what kv.EncodeTuple produces, so this
// backend is a thin adapter: encode/decode tuples, translate kv.Query
// into badger iterator bounds, and map badger transactions onto kv.Txn.
//
// The teacher's own datastore package fronts badger with
// github.com/ipfs/go-datastore, whose ds.Key is a "/"-delimited path of
// printable segments — a poor fit for arbitrary binary tuple encodings
// (a 0x00 or 0x2f byte inside an encoded string element would corrupt a
// ds.Key path). This backend talks to badger directly instead, which
// badger supports as a first-class mode (raw []byte keys, no path
// parsing) and is the same dependency the teacher already vendors.
package badgerkv

import (
	"bytes"
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"docstore/kv"
)

// Store is a kv.Store backed by a single badger.DB.
type Store struct {
	db *badger.DB
}

var _ kv.Store = (*Store)(nil)

// Open opens (creating if necessary) a badger database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a memory-only badger database, useful for tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: open in-memory: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key kv.Tuple, opts kv.GetOptions) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		v, ok, err := txnGet(txn, key)
		value, found = v, ok
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !found && opts.ErrorIfMissing {
		return nil, false, kv.ErrNotFound
	}
	return value, found, nil
}

func (s *Store) Put(ctx context.Context, key kv.Tuple, value []byte, opts kv.PutOptions) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txnPut(txn, key, value, opts)
	})
}

func (s *Store) Delete(ctx context.Context, key kv.Tuple, opts kv.DeleteOptions) (bool, error) {
	var deleted bool
	err := s.db.Update(func(txn *badger.Txn) error {
		d, err := txnDelete(txn, key, opts)
		deleted = d
		return err
	})
	return deleted, err
}

func (s *Store) GetMany(ctx context.Context, keys []kv.Tuple, opts kv.ManyOptions) ([]kv.Entry, error) {
	var out []kv.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		entries, err := txnGetMany(txn, keys, opts)
		out = entries
		return err
	})
	return out, err
}

func (s *Store) Find(ctx context.Context, q kv.Query) ([]kv.Entry, error) {
	var out []kv.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		entries, err := txnFind(ctx, txn, q)
		out = entries
		return err
	})
	return out, err
}

func (s *Store) Count(ctx context.Context, q kv.Query) (int, error) {
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		c, err := txnCount(ctx, txn, q)
		n = c
		return err
	})
	return n, err
}

func (s *Store) FindAndDelete(ctx context.Context, q kv.Query) (int, error) {
	var n int
	err := s.db.Update(func(txn *badger.Txn) error {
		c, err := txnFindAndDelete(ctx, txn, q)
		n = c
		return err
	})
	return n, err
}

func (s *Store) Transaction(ctx context.Context, fn func(kv.Txn) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&txnView{txn: txn})
	})
}

// txnView adapts a live *badger.Txn to kv.Txn for use inside Transaction.
type txnView struct {
	txn *badger.Txn
}

func (t *txnView) Get(ctx context.Context, key kv.Tuple, opts kv.GetOptions) ([]byte, bool, error) {
	v, ok, err := txnGet(t.txn, key)
	if err != nil {
		return nil, false, err
	}
	if !ok && opts.ErrorIfMissing {
		return nil, false, kv.ErrNotFound
	}
	return v, ok, nil
}

func (t *txnView) Put(ctx context.Context, key kv.Tuple, value []byte, opts kv.PutOptions) error {
	return txnPut(t.txn, key, value, opts)
}

func (t *txnView) Delete(ctx context.Context, key kv.Tuple, opts kv.DeleteOptions) (bool, error) {
	return txnDelete(t.txn, key, opts)
}

func (t *txnView) GetMany(ctx context.Context, keys []kv.Tuple, opts kv.ManyOptions) ([]kv.Entry, error) {
	return txnGetMany(t.txn, keys, opts)
}

func (t *txnView) Find(ctx context.Context, q kv.Query) ([]kv.Entry, error) {
	return txnFind(ctx, t.txn, q)
}

func (t *txnView) Count(ctx context.Context, q kv.Query) (int, error) {
	return txnCount(ctx, t.txn, q)
}

func (t *txnView) FindAndDelete(ctx context.Context, q kv.Query) (int, error) {
	return txnFindAndDelete(ctx, t.txn, q)
}

func txnGet(txn *badger.Txn, key kv.Tuple) ([]byte, bool, error) {
	item, err := txn.Get(kv.EncodeTuple(key))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func txnPut(txn *badger.Txn, key kv.Tuple, value []byte, opts kv.PutOptions) error {
	encoded := kv.EncodeTuple(key)
	_, exists, err := txnGet(txn, key)
	if err != nil {
		return err
	}
	if exists && opts.ErrorIfExists {
		return kv.ErrExists
	}
	if !exists && !opts.CreateIfMissing {
		return kv.ErrNotFound
	}
	return txn.Set(encoded, value)
}

func txnDelete(txn *badger.Txn, key kv.Tuple, opts kv.DeleteOptions) (bool, error) {
	_, exists, err := txnGet(txn, key)
	if err != nil {
		return false, err
	}
	if !exists {
		if opts.ErrorIfMissing {
			return false, kv.ErrNotFound
		}
		return false, nil
	}
	if err := txn.Delete(kv.EncodeTuple(key)); err != nil {
		return false, err
	}
	return true, nil
}

func txnGetMany(txn *badger.Txn, keys []kv.Tuple, opts kv.ManyOptions) ([]kv.Entry, error) {
	out := make([]kv.Entry, 0, len(keys))
	for _, key := range keys {
		value, found, err := txnGet(txn, key)
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

func txnFind(ctx context.Context, txn *badger.Txn, q kv.Query) ([]kv.Entry, error) {
	lower, upper := kv.ScanBounds(q)

	iopts := badger.DefaultIteratorOptions
	iopts.PrefetchValues = q.ReturnValues
	iopts.Reverse = q.Reverse
	it := txn.NewIterator(iopts)
	defer it.Close()

	var out []kv.Entry
	seek := lower
	if q.Reverse {
		seek = upper
	}
	if seek != nil {
		it.Seek(seek)
	} else {
		it.Rewind()
	}

	for ; it.Valid(); it.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		if q.Reverse {
			if upper != nil && bytes.Compare(key, upper) >= 0 {
				continue
			}
			if lower != nil && bytes.Compare(key, lower) < 0 {
				break
			}
		} else {
			if upper != nil && bytes.Compare(key, upper) >= 0 {
				break
			}
		}
		decoded, err := kv.DecodeTuple(key)
		if err != nil {
			return nil, err
		}
		entry := kv.Entry{Key: decoded}
		if q.ReturnValues {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return nil, err
			}
			entry.Value = v
		}
		out = append(out, entry)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func txnCount(ctx context.Context, txn *badger.Txn, q kv.Query) (int, error) {
	q.ReturnValues = false
	q.Limit = 0
	entries, err := txnFind(ctx, txn, q)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func txnFindAndDelete(ctx context.Context, txn *badger.Txn, q kv.Query) (int, error) {
	entries, err := txnFind(ctx, txn, kv.Query{
		Prefix: q.Prefix, Start: q.Start, StartAfter: q.StartAfter,
		End: q.End, EndBefore: q.EndBefore, Reverse: q.Reverse, Limit: q.Limit,
	})
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := txn.Delete(kv.EncodeTuple(e.Key)); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

