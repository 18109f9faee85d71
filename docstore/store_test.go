package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/kv"
	"docstore/kv/badgerkv"
)

func newTestBackend(t *testing.T) kv.Store {
	t.Helper()
	backend, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func widgetCollection() Collection {
	return Collection{
		Name: "widgets",
		Indexes: []Index{
			SimpleIndex("color").WithProjection("color", "weight"),
			SimpleIndex("color", "weight"),
		},
	}
}

func newTestStore(t *testing.T, collections []Collection) *Store {
	t.Helper()
	backend := newTestBackend(t)
	store, err := New("widgets-store", backend, collections)
	require.NoError(t, err)
	return store
}

func TestPutThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	body := map[string]any{"color": "red", "weight": 3.0}
	require.NoError(t, store.Put(ctx, "widgets", "w1", body, NewPutOptions()))

	item, found, err := store.Get(ctx, "widgets", "w1", GetOptions{Properties: AllProperties()})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, body, item.Value)
}

func TestDeleteThenGetReportsAbsent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	require.NoError(t, store.Put(ctx, "widgets", "w1", map[string]any{"color": "red"}, NewPutOptions()))
	deleted, err := store.Delete(ctx, "widgets", "w1", DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, deleted)

	_, found, err := store.Get(ctx, "widgets", "w1", GetOptions{})
	require.NoError(t, err)
	assert.False(t, found)

	deletedAgain, err := store.Delete(ctx, "widgets", "w1", DeleteOptions{})
	require.NoError(t, err)
	assert.False(t, deletedAgain)
}

func TestGetUnknownCollectionIsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})
	_, _, err := store.Get(ctx, "gadgets", "g1", GetOptions{})
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestPutBuildsIndexEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	require.NoError(t, store.Put(ctx, "widgets", "w1", map[string]any{"color": "red", "weight": 3.0}, NewPutOptions()))
	require.NoError(t, store.Put(ctx, "widgets", "w2", map[string]any{"color": "red", "weight": 1.0}, NewPutOptions()))
	require.NoError(t, store.Put(ctx, "widgets", "w3", map[string]any{"color": "blue", "weight": 2.0}, NewPutOptions()))

	items, err := store.Find(ctx, "widgets", FindOptions{
		QueryKeys:  []string{"color"},
		QueryVals:  []any{"red"},
		Properties: AllProperties(),
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	var keys []string
	for _, it := range items {
		keys = append(keys, it.Key.(string))
	}
	assert.ElementsMatch(t, []string{"w1", "w2"}, keys)
}

func TestFindProjectionFastPathMatchesFullFetch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	require.NoError(t, store.Put(ctx, "widgets", "w1", map[string]any{"color": "red", "weight": 3.0}, NewPutOptions()))
	require.NoError(t, store.Put(ctx, "widgets", "w2", map[string]any{"color": "red", "weight": 1.0}, NewPutOptions()))

	projected, err := store.Find(ctx, "widgets", FindOptions{
		QueryKeys:  []string{"color"},
		QueryVals:  []any{"red"},
		Properties: PathProperties("color", "weight"),
	})
	require.NoError(t, err)

	full, err := store.Find(ctx, "widgets", FindOptions{
		QueryKeys:  []string{"color"},
		QueryVals:  []any{"red"},
		Properties: AllProperties(),
	})
	require.NoError(t, err)

	require.Len(t, projected, len(full))
	for i := range projected {
		assert.Equal(t, full[i].Key, projected[i].Key)
		assert.Equal(t, full[i].Value["color"], projected[i].Value["color"])
		assert.Equal(t, full[i].Value["weight"], projected[i].Value["weight"])
	}
}

func TestUpdateThatChangesIndexedFieldMovesIndexEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	require.NoError(t, store.Put(ctx, "widgets", "w1", map[string]any{"color": "red", "weight": 1.0}, NewPutOptions()))
	require.NoError(t, store.Put(ctx, "widgets", "w1", map[string]any{"color": "blue", "weight": 1.0}, NewPutOptions()))

	red, err := store.Find(ctx, "widgets", FindOptions{QueryKeys: []string{"color"}, QueryVals: []any{"red"}})
	require.NoError(t, err)
	assert.Empty(t, red)

	blue, err := store.Find(ctx, "widgets", FindOptions{QueryKeys: []string{"color"}, QueryVals: []any{"blue"}})
	require.NoError(t, err)
	require.Len(t, blue, 1)
}

func TestForEachVisitsEveryItemOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		require.NoError(t, store.Put(ctx, "widgets", key, map[string]any{"color": "red", "weight": float64(i)}, NewPutOptions()))
	}

	seen := map[string]bool{}
	err := store.ForEach(ctx, "widgets", FindOptions{Properties: NoProperties()}, func(it Item) error {
		seen[it.Key.(string)] = true
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 10)
}

func TestFindAndDeleteRemovesMatchingItemsAndIndexEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	require.NoError(t, store.Put(ctx, "widgets", "w1", map[string]any{"color": "red", "weight": 1.0}, NewPutOptions()))
	require.NoError(t, store.Put(ctx, "widgets", "w2", map[string]any{"color": "red", "weight": 2.0}, NewPutOptions()))
	require.NoError(t, store.Put(ctx, "widgets", "w3", map[string]any{"color": "blue", "weight": 3.0}, NewPutOptions()))

	n, err := store.FindAndDelete(ctx, "widgets", FindOptions{QueryKeys: []string{"color"}, QueryVals: []any{"red"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := store.Count(ctx, "widgets", FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].ItemCount)
	assert.Equal(t, 1, stats[0].IndexCounts["color"])
}

func TestTransactionRollsBackPutAndIndexes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	err := store.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		require.NoError(t, tx.Put(ctx, "widgets", "w1", map[string]any{"color": "red", "weight": 1.0}, NewPutOptions()))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, found, err := store.Get(ctx, "widgets", "w1", GetOptions{})
	require.NoError(t, err)
	assert.False(t, found)

	items, err := store.Find(ctx, "widgets", FindOptions{QueryKeys: []string{"color"}, QueryVals: []any{"red"}})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestComputedIndexExtractsDerivedValue(t *testing.T) {
	ctx := context.Background()
	collection := Collection{
		Name: "widgets",
		Indexes: []Index{
			ComputedIndex("isHeavy", func(body map[string]any) (any, bool) {
				weight, ok := body["weight"].(float64)
				if !ok {
					return nil, false
				}
				if weight > 2.0 {
					return 1.0, true
				}
				return 0.0, true
			}),
		},
	}
	store := newTestStore(t, []Collection{collection})

	require.NoError(t, store.Put(ctx, "widgets", "w1", map[string]any{"weight": 5.0}, NewPutOptions()))
	require.NoError(t, store.Put(ctx, "widgets", "w2", map[string]any{"weight": 1.0}, NewPutOptions()))

	heavy, err := store.Find(ctx, "widgets", FindOptions{QueryKeys: []string{"isHeavy"}, QueryVals: []any{1.0}})
	require.NoError(t, err)
	require.Len(t, heavy, 1)
	assert.Equal(t, "w1", heavy[0].Key)
}

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	collections := []Collection{widgetCollection()}

	store, err := New("widgets-store", backend, collections)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx))

	desc, err := store.CurrentDescriptor(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Initialize(ctx))
	descAgain, err := store.CurrentDescriptor(ctx)
	require.NoError(t, err)
	assert.Equal(t, desc, descAgain)
}

func TestReopenWithExtraIndexRebuildsIt(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)

	store1, err := New("widgets-store", backend, []Collection{
		{Name: "widgets", Indexes: []Index{SimpleIndex("color")}},
	})
	require.NoError(t, err)
	require.NoError(t, store1.Put(ctx, "widgets", "w1", map[string]any{"color": "red", "weight": 3.0}, NewPutOptions()))

	store2, err := New("widgets-store", backend, []Collection{
		{Name: "widgets", Indexes: []Index{SimpleIndex("color", "weight")}},
	})
	require.NoError(t, err)
	require.NoError(t, store2.Initialize(ctx))

	items, err := store2.Find(ctx, "widgets", FindOptions{QueryKeys: []string{"color", "weight"}, QueryVals: []any{"red", 3.0}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "w1", items[0].Key)

	stats, err := store2.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	droppedColor, err := backend.Count(ctx, kv.Query{Prefix: store2.codec.IndexEntryPrefix(indexNamespace("widgets", "color"))})
	require.NoError(t, err)
	assert.Equal(t, 0, droppedColor, "the dropped index's entries must be gone")
	assert.Equal(t, 1, stats[0].IndexCounts["color+weight"])
}

// TestReopenDroppingNonLastIndexDropsOnlyThatOne guards against an
// aliasing bug in reconcileIndexes: removing an index that isn't last
// among several declared on the same collection must not skip whichever
// index happens to land at the removed one's old slice position.
func TestReopenDroppingNonLastIndexDropsOnlyThatOne(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)

	store1, err := New("widgets-store", backend, []Collection{
		{Name: "widgets", Indexes: []Index{
			SimpleIndex("color"),
			SimpleIndex("weight"),
			SimpleIndex("size"),
		}},
	})
	require.NoError(t, err)
	require.NoError(t, store1.Put(ctx, "widgets", "w1", map[string]any{"color": "red", "weight": 1.0, "size": "m"}, NewPutOptions()))

	// Keep only the middle-declared index; "color" and "size" must both be
	// torn down, including "size", which a naive in-place compaction of
	// the aliased slice would skip.
	store2, err := New("widgets-store", backend, []Collection{
		{Name: "widgets", Indexes: []Index{SimpleIndex("weight")}},
	})
	require.NoError(t, err)
	require.NoError(t, store2.Initialize(ctx))

	stats, err := store2.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	droppedColor, err := backend.Count(ctx, kv.Query{Prefix: store2.codec.IndexEntryPrefix(indexNamespace("widgets", "color"))})
	require.NoError(t, err)
	assert.Equal(t, 0, droppedColor)
	droppedSize, err := backend.Count(ctx, kv.Query{Prefix: store2.codec.IndexEntryPrefix(indexNamespace("widgets", "size"))})
	require.NoError(t, err)
	assert.Equal(t, 0, droppedSize)
	assert.Equal(t, 1, stats[0].IndexCounts["weight"])

	desc, err := store2.CurrentDescriptor(ctx)
	require.NoError(t, err)
	require.Len(t, desc.Collections, 1)
	var names []string
	for _, idx := range desc.Collections[0].Indexes {
		names = append(names, idx.name())
	}
	assert.Equal(t, []string{"weight"}, names, "dropped indexes must not survive in the descriptor")
}

func TestFindProjectionFastPathRestrictsToRequestedProperties(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	require.NoError(t, store.Put(ctx, "widgets", "w1", map[string]any{"color": "red", "weight": 3.0}, NewPutOptions()))

	items, err := store.Find(ctx, "widgets", FindOptions{
		QueryKeys:  []string{"color"},
		QueryVals:  []any{"red"},
		Properties: PathProperties("color"),
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, map[string]any{"color": "red"}, items[0].Value, "requesting a strict subset of the index projection must not leak the rest of it")
}

func TestNestedTransactionFlattens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, []Collection{widgetCollection()})

	err := store.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		return store.Transaction(ctx, func(ctx context.Context, inner *Tx) error {
			return inner.Put(ctx, "widgets", "w1", map[string]any{"color": "red", "weight": 1.0}, NewPutOptions())
		})
	})
	require.NoError(t, err)

	_, found, err := store.Get(ctx, "widgets", "w1", GetOptions{})
	require.NoError(t, err)
	assert.True(t, found)
}
