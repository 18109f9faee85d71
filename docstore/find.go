package docstore

import (
	"context"
	"fmt"
	"sort"

	"docstore/kv"
)

// Item is one (key, properties) pair returned from Get/Find/GetMany.
// Value is an empty map when the caller asked Get/Find/ForEach for
// NoProperties(), and nil from GetMany when no properties were requested
// (GetMany then only confirms existence).
type Item struct {
	Key   any
	Value map[string]any
}

// GetOptions controls Get. The zero Properties value (the NoProperties()
// selection) returns the item's key with no properties — callers who want
// the full body must pass AllProperties() explicitly (SPEC_FULL.md §4.5).
type GetOptions struct {
	ErrorIfMissing bool
	Properties     Properties
}

// PutOptions controls Put.
type PutOptions struct {
	ErrorIfExists   bool
	CreateIfMissing bool
}

// NewPutOptions returns normal-put defaults: overwrite and create allowed.
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
	Properties     Properties
}

// FindOptions controls Find/Count/ForEach/FindAndDelete.
//
// QueryKeys/QueryVals are an equality constraint set: QueryKeys[i] pins
// one property path to the value QueryVals[i]. OrderBy names a property
// path the results should be sorted by, after the query paths. QueryKeys
// (in the index's declared order) followed by OrderBy[0] must be a prefix
// of some declared index's keys, or Find returns ErrInvariantViolation.
// Only OrderBy[0] takes part in index selection; further OrderBy paths are
// ignored, and results come back in the selected index's key order.
type FindOptions struct {
	QueryKeys  []string
	QueryVals  []any
	OrderBy    []string
	Start      any
	StartAfter any
	End        any
	EndBefore  any
	Reverse    bool
	Limit      int
	Properties Properties
}

// normalizeKey validates a logical item key: non-empty string or a
// float64-range number.
func normalizeKey(k any) (any, error) {
	switch v := k.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("%w: item key must not be empty", ErrConfiguration)
		}
		return v, nil
	case float64, int, int64:
		return toElement(v), nil
	default:
		return nil, fmt.Errorf("%w: item key must be a string or number, got %T", ErrConfiguration, k)
	}
}

func (tc *txnContext) requireCollection(name string) (Collection, error) {
	c, ok := tc.store.reg.get(name)
	if !ok {
		return Collection{}, fmt.Errorf("%w: unknown collection %q", ErrInvariantViolation, name)
	}
	return c, nil
}

func (tc *txnContext) get(ctx context.Context, collection string, key any, opts GetOptions) (Item, bool, error) {
	if _, err := tc.requireCollection(collection); err != nil {
		return Item{}, false, err
	}
	key, err := normalizeKey(key)
	if err != nil {
		return Item{}, false, err
	}
	value, found, err := tc.txn.Get(ctx, tc.store.codec.ItemKey(collection, key), kv.GetOptions{ErrorIfMissing: opts.ErrorIfMissing})
	if err != nil {
		return Item{}, false, fmt.Errorf("docstore: get item: %w", err)
	}
	if !found {
		return Item{}, false, nil
	}
	body, err := decodeItem(value)
	if err != nil {
		return Item{}, false, err
	}
	return Item{Key: key, Value: opts.Properties.apply(body)}, true, nil
}

func (tc *txnContext) put(ctx context.Context, collection string, key any, body map[string]any, opts PutOptions) error {
	c, err := tc.requireCollection(collection)
	if err != nil {
		return err
	}
	key, err = normalizeKey(key)
	if err != nil {
		return err
	}
	if body == nil {
		return fmt.Errorf("%w: item must be a non-nil map", ErrConfiguration)
	}

	return tc.transact(ctx, func(ctx context.Context, tx *Tx) error {
		itemKey := tc.store.codec.ItemKey(collection, key)
		oldValue, found, err := tx.view.txn.Get(ctx, itemKey, kv.GetOptions{})
		if err != nil {
			return fmt.Errorf("docstore: read old item: %w", err)
		}
		var oldBody map[string]any
		if found {
			oldBody, err = decodeItem(oldValue)
			if err != nil {
				return err
			}
		}

		encoded, err := encodeValue(body)
		if err != nil {
			return fmt.Errorf("docstore: encode item: %w", err)
		}
		putOpts := kv.PutOptions{ErrorIfExists: opts.ErrorIfExists, CreateIfMissing: opts.CreateIfMissing}
		if err := tx.view.txn.Put(ctx, itemKey, encoded, putOpts); err != nil {
			return fmt.Errorf("docstore: put item: %w", err)
		}
		if err := tc.store.idx.applyPut(ctx, tx.view.txn, collection, c.Indexes, key, oldBody, body); err != nil {
			return err
		}
		tx.view.publish(Event{Kind: EventPut, Collection: collection, Key: key, Body: body, PutOptions: opts})
		return nil
	})
}

func (tc *txnContext) delete(ctx context.Context, collection string, key any, opts DeleteOptions) (bool, error) {
	c, err := tc.requireCollection(collection)
	if err != nil {
		return false, err
	}
	key, err = normalizeKey(key)
	if err != nil {
		return false, err
	}

	var deleted bool
	err = tc.transact(ctx, func(ctx context.Context, tx *Tx) error {
		itemKey := tc.store.codec.ItemKey(collection, key)
		oldValue, found, err := tx.view.txn.Get(ctx, itemKey, kv.GetOptions{ErrorIfMissing: opts.ErrorIfMissing})
		if err != nil {
			return fmt.Errorf("docstore: read item for delete: %w", err)
		}
		if !found {
			return nil
		}
		oldBody, err := decodeItem(oldValue)
		if err != nil {
			return err
		}
		if _, err := tx.view.txn.Delete(ctx, itemKey, kv.DeleteOptions{}); err != nil {
			return fmt.Errorf("docstore: delete item: %w", err)
		}
		if err := tc.store.idx.applyDelete(ctx, tx.view.txn, collection, c.Indexes, key, oldBody); err != nil {
			return err
		}
		deleted = true
		tx.view.publish(Event{Kind: EventDelete, Collection: collection, Key: key})
		return nil
	})
	return deleted, err
}

func (tc *txnContext) getMany(ctx context.Context, collection string, keys []any, opts ManyOptions) ([]Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if _, err := tc.requireCollection(collection); err != nil {
		return nil, err
	}
	returnValues := opts.Properties.all || len(opts.Properties.paths) > 0

	kvKeys := make([]kv.Tuple, 0, len(keys))
	normKeys := make([]any, 0, len(keys))
	for _, k := range keys {
		nk, err := normalizeKey(k)
		if err != nil {
			return nil, err
		}
		normKeys = append(normKeys, nk)
		kvKeys = append(kvKeys, tc.store.codec.ItemKey(collection, nk))
	}

	pace := newPacer()
	out := make([]Item, 0, len(keys))
	entries, err := tc.txn.GetMany(ctx, kvKeys, kv.ManyOptions{ErrorIfMissing: opts.ErrorIfMissing, ReturnValues: returnValues})
	if err != nil {
		return nil, fmt.Errorf("docstore: get many: %w", err)
	}
	for _, entry := range entries {
		if err := pace.step(ctx); err != nil {
			return nil, err
		}
		item := Item{Key: lastElement(entry.Key)}
		if returnValues {
			body, err := decodeItem(entry.Value)
			if err != nil {
				return nil, err
			}
			item.Value = opts.Properties.apply(body)
		}
		out = append(out, item)
	}
	return out, nil
}

// find runs FindOptions against collection, selecting an index when
// QueryKeys/OrderBy are given and one matches, otherwise falling back to
// a full collection scan (SPEC_FULL.md §4.5).
func (tc *txnContext) find(ctx context.Context, collection string, opts FindOptions) ([]Item, error) {
	c, err := tc.requireCollection(collection)
	if err != nil {
		return nil, err
	}
	if len(opts.QueryKeys) == 0 && len(opts.OrderBy) == 0 {
		return tc.findByPrefix(ctx, tc.store.codec.CollectionPrefix(collection), collection, opts)
	}

	idx, ok := c.findIndexForQuery(opts.QueryKeys, soleOrderKey(opts.OrderBy))
	if !ok {
		return nil, fmt.Errorf("%w: no index matches query keys %v order %v", ErrInvariantViolation, opts.QueryKeys, opts.OrderBy)
	}
	return tc.findByIndex(ctx, collection, idx, opts)
}

// soleOrderKey supports the single-column ORDER BY case the index
// matching in registry.go models. OrderBy paths after the first are
// ignored: findByIndex does no sorting of its own, so results keep the
// selected index's key order.
func soleOrderKey(orderBy []string) string {
	if len(orderBy) == 0 {
		return ""
	}
	return orderBy[0]
}

func (tc *txnContext) findByPrefix(ctx context.Context, prefix kv.Tuple, collection string, opts FindOptions) ([]Item, error) {
	q := kv.Query{
		Prefix:       prefix,
		Reverse:      opts.Reverse,
		Limit:        opts.Limit,
		ReturnValues: true,
	}
	applyItemCursor(&q, prefix, opts.Start, opts.StartAfter, opts.End, opts.EndBefore)

	entries, err := tc.txn.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("docstore: find: %w", err)
	}
	pace := newPacer()
	out := make([]Item, 0, len(entries))
	for _, entry := range entries {
		if err := pace.step(ctx); err != nil {
			return nil, err
		}
		body, err := decodeItem(entry.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, Item{Key: lastElement(entry.Key), Value: opts.Properties.apply(body)})
	}
	return out, nil
}

func applyItemCursor(q *kv.Query, prefix kv.Tuple, start, startAfter, end, endBefore any) {
	if start != nil {
		q.Start = append(append(kv.Tuple{}, prefix...), toElement(start))
	}
	if startAfter != nil {
		q.StartAfter = append(append(kv.Tuple{}, prefix...), toElement(startAfter))
	}
	if end != nil {
		q.End = append(append(kv.Tuple{}, prefix...), toElement(end))
	}
	if endBefore != nil {
		q.EndBefore = append(append(kv.Tuple{}, prefix...), toElement(endBefore))
	}
}

// findByIndex implements the index path of find, including the
// projection fast-path decision (SPEC_FULL.md §4.5, "Index path for
// find").
func (tc *txnContext) findByIndex(ctx context.Context, collection string, idx Index, opts FindOptions) ([]Item, error) {
	wantAll := opts.Properties.all
	useProjection := !wantAll && idx.projectionSubsetOf(wantedPaths(opts.Properties))

	namespace := tc.store.reg.namespaceFor(collection, idx)
	prefix := tc.store.codec.IndexQueryPrefix(namespace, opts.QueryVals)
	q := kv.Query{
		Prefix:       prefix,
		Reverse:      opts.Reverse,
		Limit:        opts.Limit,
		ReturnValues: useProjection,
	}
	applyItemCursor(&q, prefix, opts.Start, opts.StartAfter, opts.End, opts.EndBefore)

	entries, err := tc.txn.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("docstore: find via index %q: %w", idx.Name(), err)
	}

	pace := newPacer()
	out := make([]Item, 0, len(entries))
	var needFullFetch []any
	fetchPos := make(map[any]int)
	for _, entry := range entries {
		if err := pace.step(ctx); err != nil {
			return nil, err
		}
		key := lastElement(entry.Key)
		item := Item{Key: key}
		if useProjection {
			if len(entry.Value) > 0 {
				proj, err := decodeItem(entry.Value)
				if err != nil {
					return nil, err
				}
				item.Value = opts.Properties.apply(proj)
			} else {
				item.Value = map[string]any{}
			}
		} else {
			fetchPos[key] = len(out)
			needFullFetch = append(needFullFetch, key)
		}
		out = append(out, item)
	}

	if !useProjection && len(needFullFetch) > 0 {
		tc.store.log.Debug("docstore: index projection insufficient for requested properties, fetching full items")
		items, err := tc.getMany(ctx, collection, needFullFetch, ManyOptions{Properties: opts.Properties})
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if pos, ok := fetchPos[it.Key]; ok {
				out[pos].Value = it.Value
			}
		}
	}
	return out, nil
}

func wantedPaths(p Properties) []string {
	if p.all {
		return nil
	}
	paths := make([]string, 0, len(p.paths))
	for path := range p.paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// count mirrors find's index-selection logic but only asks the KV engine
// for a count at the chosen prefix (SPEC_FULL.md §4.5, "count").
func (tc *txnContext) count(ctx context.Context, collection string, opts FindOptions) (int, error) {
	c, err := tc.requireCollection(collection)
	if err != nil {
		return 0, err
	}
	var prefix kv.Tuple
	if len(opts.QueryKeys) == 0 {
		prefix = tc.store.codec.CollectionPrefix(collection)
	} else {
		idx, ok := c.findIndexForQuery(opts.QueryKeys, "")
		if !ok {
			return 0, fmt.Errorf("%w: no index matches query keys %v", ErrInvariantViolation, opts.QueryKeys)
		}
		namespace := tc.store.reg.namespaceFor(collection, idx)
		prefix = tc.store.codec.IndexQueryPrefix(namespace, opts.QueryVals)
	}
	n, err := tc.txn.Count(ctx, kv.Query{Prefix: prefix})
	if err != nil {
		return 0, fmt.Errorf("docstore: count: %w", err)
	}
	return n, nil
}

// forEachBatchSize is the default per-batch scan size for ForEach, also
// the cooperative-pacing boundary the spec calls out for this operation
// (SPEC_FULL.md §4.5, "forEach").
const forEachBatchSize = 250

// forEach visits every matching item in order, fetching forEachBatchSize
// at a time and resuming with StartAfter so a long ForEach never holds a
// single giant result set in memory.
func (tc *txnContext) forEach(ctx context.Context, collection string, opts FindOptions, fn func(Item) error) error {
	batch := opts
	batch.Limit = forEachBatchSize
	batch.Start = opts.Start
	batch.StartAfter = opts.StartAfter

	for {
		items, err := tc.find(ctx, collection, batch)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			if err := fn(item); err != nil {
				return err
			}
		}
		last := items[len(items)-1]
		batch.Start = nil
		batch.StartAfter = last.Key
	}
}

// findAndDelete deletes every item matching opts and returns the count
// deleted. It forces Properties to NoProperties since only keys are
// needed (SPEC_FULL.md §4.5, "findAndDelete").
func (tc *txnContext) findAndDelete(ctx context.Context, collection string, opts FindOptions) (int, error) {
	opts.Properties = NoProperties()
	var n int
	err := tc.forEach(ctx, collection, opts, func(item Item) error {
		_, err := tc.delete(ctx, collection, item.Key, DeleteOptions{})
		if err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}
