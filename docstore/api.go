package docstore

import (
	"context"

	"github.com/google/uuid"
)

// Get reads one item. ensureInitialized runs first, matching every other
// public entry point (SPEC_FULL.md §4.5).
func (s *Store) Get(ctx context.Context, collection string, key any, opts GetOptions) (Item, bool, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return Item{}, false, err
	}
	return s.rootView().get(ctx, collection, key, opts)
}

// Put creates or updates one item and its index entries atomically.
func (s *Store) Put(ctx context.Context, collection string, key any, body map[string]any, opts PutOptions) error {
	return s.rootView().put(ctx, collection, key, body, opts)
}

// PutAuto creates an item under a generated key, for callers with no
// natural key of their own. The key is a random UUID, the same scheme the
// teacher uses to mint OperationIDs for untracked operations.
func (s *Store) PutAuto(ctx context.Context, collection string, body map[string]any) (string, error) {
	key := uuid.NewString()
	if err := s.Put(ctx, collection, key, body, NewPutOptions()); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes one item and its index entries atomically, reporting
// whether an item was actually present.
func (s *Store) Delete(ctx context.Context, collection string, key any, opts DeleteOptions) (bool, error) {
	return s.rootView().delete(ctx, collection, key, opts)
}

// GetMany reads a batch of items by key in one call.
func (s *Store) GetMany(ctx context.Context, collection string, keys []any, opts ManyOptions) ([]Item, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return s.rootView().getMany(ctx, collection, keys, opts)
}

// Find runs a scan or index query over collection.
func (s *Store) Find(ctx context.Context, collection string, opts FindOptions) ([]Item, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return s.rootView().find(ctx, collection, opts)
}

// Count mirrors Find's index selection but returns only a count.
func (s *Store) Count(ctx context.Context, collection string, opts FindOptions) (int, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return 0, err
	}
	return s.rootView().count(ctx, collection, opts)
}

// ForEach visits every matching item in order, batching internally.
func (s *Store) ForEach(ctx context.Context, collection string, opts FindOptions, fn func(Item) error) error {
	if err := s.ensureInitialized(ctx); err != nil {
		return err
	}
	return s.rootView().forEach(ctx, collection, opts, fn)
}

// FindAndDelete deletes every item matching opts, returning the count
// removed.
func (s *Store) FindAndDelete(ctx context.Context, collection string, opts FindOptions) (int, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return 0, err
	}
	return s.rootView().findAndDelete(ctx, collection, opts)
}

// Get reads one item within the enclosing transaction.
func (tx *Tx) Get(ctx context.Context, collection string, key any, opts GetOptions) (Item, bool, error) {
	return tx.view.get(ctx, collection, key, opts)
}

// Put creates or updates one item within the enclosing transaction.
func (tx *Tx) Put(ctx context.Context, collection string, key any, body map[string]any, opts PutOptions) error {
	return tx.view.put(ctx, collection, key, body, opts)
}

// PutAuto creates an item under a generated key within the enclosing
// transaction. See Store.PutAuto.
func (tx *Tx) PutAuto(ctx context.Context, collection string, body map[string]any) (string, error) {
	key := uuid.NewString()
	if err := tx.Put(ctx, collection, key, body, NewPutOptions()); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes one item within the enclosing transaction.
func (tx *Tx) Delete(ctx context.Context, collection string, key any, opts DeleteOptions) (bool, error) {
	return tx.view.delete(ctx, collection, key, opts)
}

// GetMany reads a batch of items within the enclosing transaction.
func (tx *Tx) GetMany(ctx context.Context, collection string, keys []any, opts ManyOptions) ([]Item, error) {
	return tx.view.getMany(ctx, collection, keys, opts)
}

// Find runs a scan or index query within the enclosing transaction.
func (tx *Tx) Find(ctx context.Context, collection string, opts FindOptions) ([]Item, error) {
	return tx.view.find(ctx, collection, opts)
}

// Count mirrors Find within the enclosing transaction.
func (tx *Tx) Count(ctx context.Context, collection string, opts FindOptions) (int, error) {
	return tx.view.count(ctx, collection, opts)
}

// ForEach visits every matching item within the enclosing transaction.
func (tx *Tx) ForEach(ctx context.Context, collection string, opts FindOptions, fn func(Item) error) error {
	return tx.view.forEach(ctx, collection, opts, fn)
}

// FindAndDelete deletes matching items within the enclosing transaction.
func (tx *Tx) FindAndDelete(ctx context.Context, collection string, opts FindOptions) (int, error) {
	return tx.view.findAndDelete(ctx, collection, opts)
}
