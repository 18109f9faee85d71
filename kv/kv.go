// Package kv defines the ordered key-value contract the document store
// layer is built on (see docstore, which is the actual mapping layer).
// Keys are ordered byte-tuples: lexicographic comparison of the encoded
// form matches the natural ordering of the logical tuple. Two concrete
// backends implement this contract: kv/badgerkv (embedded, LSM-backed)
// and kv/sqlitekv (SQL-backed).
package kv

import (
	"context"
	"errors"
)

// Element is one component of an ordered Tuple key. Only string and
// numbers (float64, or int/int64, which are encoded as float64) are valid;
// anything else is a programmer error caught by EncodeTuple.
type Element = any

// Tuple is an ordered key. Store descriptor keys, item keys, and index
// entry keys are all Tuples (see docstore/keycodec.go for how the
// document store builds them).
type Tuple []Element

// Entry is one result row from Get/GetMany/Find.
type Entry struct {
	Key   Tuple
	Value []byte // nil when the query asked to skip values
}

// ErrNotFound is returned by Get/Delete when ErrorIfMissing is set and the
// key is absent.
var ErrNotFound = errors.New("kv: key not found")

// ErrExists is returned by Put when ErrorIfExists is set and the key is
// already present.
var ErrExists = errors.New("kv: key already exists")

// GetOptions controls Get.
type GetOptions struct {
	// ErrorIfMissing makes Get return ErrNotFound instead of (nil, false, nil).
	ErrorIfMissing bool
}

// PutOptions controls Put.
type PutOptions struct {
	// ErrorIfExists makes Put return ErrExists instead of overwriting.
	ErrorIfExists bool
	// CreateIfMissing, when false, makes Put fail with ErrNotFound if the
	// key does not already exist (pure-update semantics). Defaults to true
	// via NewPutOptions.
	CreateIfMissing bool
}

// NewPutOptions returns the normal-put defaults: overwrite allowed,
// creation allowed.
func NewPutOptions() PutOptions {
	return PutOptions{CreateIfMissing: true}
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	ErrorIfMissing bool
}

// ManyOptions controls GetMany.
type ManyOptions struct {
	ErrorIfMissing bool
	ReturnValues   bool
}

// Query describes a range scan for Find/Count/FindAndDelete. Prefix
// narrows the scan to keys sharing that tuple prefix; Start/StartAfter/
// End/EndBefore further bound it within the prefix. At most one of
// Start/StartAfter and one of End/EndBefore should be set.
type Query struct {
	Prefix       Tuple
	Start        Tuple
	StartAfter   Tuple
	End          Tuple
	EndBefore    Tuple
	Reverse      bool
	Limit        int
	ReturnValues bool
}

// Txn is the subset of the contract available both on the root Store and
// inside a Transaction callback.
type Txn interface {
	Get(ctx context.Context, key Tuple, opts GetOptions) (value []byte, found bool, err error)
	Put(ctx context.Context, key Tuple, value []byte, opts PutOptions) error
	Delete(ctx context.Context, key Tuple, opts DeleteOptions) (deleted bool, err error)
	GetMany(ctx context.Context, keys []Tuple, opts ManyOptions) ([]Entry, error)
	Find(ctx context.Context, q Query) ([]Entry, error)
	Count(ctx context.Context, q Query) (int, error)
	FindAndDelete(ctx context.Context, q Query) (int, error)
}

// Store is a Txn plus transaction management and lifecycle. Backends
// implement Store; docstore.Store never talks to a backend directly
// except through this interface.
type Store interface {
	Txn
	// Transaction opens a scoped transaction: fn receives a Txn view whose
	// writes commit atomically on a nil return and roll back otherwise (an
	// error return or a panic propagated after rollback).
	Transaction(ctx context.Context, fn func(Txn) error) error
	Close() error
}
