package sqlitekv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	key := kv.Tuple{"store", "widgets", "1"}
	_, found, err := store.Get(ctx, key, kv.GetOptions{})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, key, []byte("payload"), kv.NewPutOptions()))

	value, found, err := store.Get(ctx, key, kv.GetOptions{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("payload"), value)

	deleted, err := store.Delete(ctx, key, kv.DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, deleted)

	_, found, err = store.Get(ctx, key, kv.GetOptions{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStorePutErrorIfExists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	key := kv.Tuple{"s", "c", "k"}

	require.NoError(t, store.Put(ctx, key, []byte("a"), kv.NewPutOptions()))
	err := store.Put(ctx, key, []byte("b"), kv.PutOptions{ErrorIfExists: true, CreateIfMissing: true})
	assert.ErrorIs(t, err, kv.ErrExists)
}

func TestStoreFindPrefixOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"b", "a", "c"} {
		key := kv.Tuple{"s", "widgets", id}
		require.NoError(t, store.Put(ctx, key, []byte(id), kv.NewPutOptions()))
	}
	require.NoError(t, store.Put(ctx, kv.Tuple{"s", "other", "z"}, []byte("z"), kv.NewPutOptions()))

	entries, err := store.Find(ctx, kv.Query{Prefix: kv.Tuple{"s", "widgets"}, ReturnValues: true})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.Key[len(e.Key)-1].(string))
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestStoreFindAndDeleteCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		key := kv.Tuple{"s", "widgets", float64(i)}
		require.NoError(t, store.Put(ctx, key, nil, kv.NewPutOptions()))
	}

	n, err := store.Count(ctx, kv.Query{Prefix: kv.Tuple{"s", "widgets"}})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	deleted, err := store.FindAndDelete(ctx, kv.Query{Prefix: kv.Tuple{"s", "widgets"}})
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)

	n, err = store.Count(ctx, kv.Query{Prefix: kv.Tuple{"s", "widgets"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStoreTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	key := kv.Tuple{"s", "c", "k"}

	err := store.Transaction(ctx, func(txn kv.Txn) error {
		if putErr := txn.Put(ctx, key, []byte("v"), kv.NewPutOptions()); putErr != nil {
			return putErr
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, found, err := store.Get(ctx, key, kv.GetOptions{})
	require.NoError(t, err)
	assert.False(t, found, "a failed transaction must not leave its writes visible")
}
