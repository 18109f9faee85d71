// Package docstore is a collection-oriented document store overlaid on an
// ordered key-value engine (see package kv and its backends
// kv/badgerkv, kv/sqlitekv). It provides get/put/delete/find/count/
// forEach over named collections, secondary indexes maintained
// automatically on every write, and schema versioning backed by a
// persisted descriptor record.
package docstore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"docstore/kv"
)

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the store's logger. Defaults to zap.NewNop(),
// matching the teacher's "silent unless asked" default — libp2p, one of
// the teacher's own transitive dependencies, already standardizes on zap
// for exactly this reason.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithEventListener subscribes l to every lifecycle event this store
// publishes (SPEC_FULL.md §4.7).
func WithEventListener(l Listener) Option {
	return func(s *Store) { s.events.subscribe(l) }
}

// Store is a document store bound to one named collection set and one KV
// backend. The zero value is not usable; construct with New.
type Store struct {
	name    string
	backend kv.Store
	codec   keyCodec
	reg     *registry
	idx     indexMaintainer
	events  *eventBus
	log     *zap.Logger

	declared []Collection

	initMu    sync.Mutex
	initState initState
}

type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateInitialized
)

// schemaVersion is the current on-disk descriptor version this build
// writes and upgrades to (SPEC_FULL.md §6, "VERSION = 3").
const schemaVersion = 3

// New constructs a Store bound to backend. collections is the full
// declared schema; Initialize reconciles it against whatever descriptor
// (if any) is already persisted in backend.
func New(name string, backend kv.Store, collections []Collection, opts ...Option) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: store name is required", ErrConfiguration)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: kv backend is required", ErrConfiguration)
	}
	seen := make(map[string]bool, len(collections))
	for _, c := range collections {
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: duplicate collection %q", ErrConfiguration, c.Name)
		}
		seen[c.Name] = true
	}

	reg := newRegistry()
	for _, c := range collections {
		reg.set(c)
	}

	s := &Store{
		name:     name,
		backend:  backend,
		codec:    keyCodec{storeName: name},
		reg:      reg,
		events:   newEventBus(),
		declared: collections,
		log:      zap.NewNop(),
	}
	s.idx = indexMaintainer{codec: s.codec, registry: reg}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// txnContext is a scoped view of a Store whose KV handle is either the
// root backend (ambient, auto-committing calls) or an open transaction
// (SPEC_FULL.md §4.6, C6). insideTransaction compares the handle itself
// rather than tracking a separate flag, so a view copied out of an open
// kv.Txn is self-evidently nested.
type txnContext struct {
	store *Store
	txn   kv.Txn
	// pending, when non-nil, collects events raised during this view's
	// writes instead of publishing them immediately. It is shared by every
	// nested view of the same open transaction and flushed by whichever
	// call actually opened the backend.Transaction, once it commits — so a
	// listener never observes an event for a write that was later rolled
	// back (SPEC_FULL.md §4.7).
	pending *[]Event
}

func (s *Store) rootView() *txnContext {
	return &txnContext{store: s, txn: s.backend}
}

func (tc *txnContext) insideTransaction() bool {
	return tc.txn != tc.store.backend
}

func (tc *txnContext) publish(ev Event) {
	if tc.pending != nil {
		*tc.pending = append(*tc.pending, ev)
		return
	}
	tc.store.events.publish(ev)
}

// txnCtxKey threads the active txnContext through context.Context so a
// Transaction call made anywhere during fn's execution — even indirectly,
// not just through the *Tx it was handed — finds and reuses the same open
// kv.Txn instead of opening a second one. Badger's writer is exclusive
// per-DB, so a genuinely nested backend.Transaction call from the same
// goroutine would deadlock; this is what SPEC_FULL.md §4.6 calls flattening.
type txnCtxKey struct{}

// Transaction runs fn against a scoped view of the store. If ctx already
// carries an open transaction for this store, fn runs directly against it
// (flattened); otherwise a new KV transaction is opened and committed or
// rolled back per fn's return (SPEC_FULL.md §4.6).
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if tc, ok := ctx.Value(txnCtxKey{}).(*txnContext); ok && tc.store == s {
		return fn(ctx, &Tx{store: s, view: tc})
	}
	if err := s.ensureInitialized(ctx); err != nil {
		return err
	}
	var pending []Event
	err := s.backend.Transaction(ctx, func(kvTxn kv.Txn) error {
		tc := &txnContext{store: s, txn: kvTxn, pending: &pending}
		return fn(context.WithValue(ctx, txnCtxKey{}, tc), &Tx{store: s, view: tc})
	})
	if err != nil {
		return err
	}
	for _, ev := range pending {
		s.events.publish(ev)
	}
	return nil
}

// Tx is the view of a Store passed into a Transaction callback; every
// QueryEngine method is also available directly on *Store for ambient
// (auto-committing) single-operation use.
type Tx struct {
	store *Store
	view  *txnContext
}

// Transaction runs fn directly against the transaction tx already belongs
// to — calling it from inside an enclosing Transaction never opens a
// second KV transaction.
func (tx *Tx) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return fn(ctx, tx)
}

// transact is the shared wrapping logic behind put and delete: tc may
// already be a nested view (reached via Tx.Put/Tx.Delete), in which case
// fn runs directly against it, or it may be a Store's root view, in which
// case a new KV transaction is opened around fn.
func (tc *txnContext) transact(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if tc.insideTransaction() {
		return fn(ctx, &Tx{store: tc.store, view: tc})
	}
	s := tc.store
	if err := s.ensureInitialized(ctx); err != nil {
		return err
	}
	var pending []Event
	err := s.backend.Transaction(ctx, func(kvTxn kv.Txn) error {
		child := &txnContext{store: s, txn: kvTxn, pending: &pending}
		return fn(context.WithValue(ctx, txnCtxKey{}, child), &Tx{store: s, view: child})
	})
	if err != nil {
		return err
	}
	for _, ev := range pending {
		s.events.publish(ev)
	}
	return nil
}

// Close releases the underlying KV backend. It does not erase any data.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Name returns the store's configured name.
func (s *Store) Name() string { return s.name }
