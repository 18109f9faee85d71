package docstore

import (
	"context"
	"fmt"

	"docstore/kv"
)

// indexMaintainer keeps every declared index of a collection consistent
// with its items: one index entry per (item, index) pair where the index
// can extract a value, keyed so that range scans over the entry prefix
// return item keys in index order (SPEC_FULL.md §4.3).
type indexMaintainer struct {
	codec    keyCodec
	registry *registry
}

// applyPut writes the index entries for newBody and removes whichever
// entries oldBody (nil on first insert) had that newBody no longer
// produces. Both states are diffed per index — on both the key values and
// the projection — so that a put which doesn't change anything an index
// cares about touches no KV keys for that index at all (SPEC_FULL.md
// §4.3, steps 4-6).
func (m indexMaintainer) applyPut(ctx context.Context, txn kv.Txn, collection string, idxSet []Index, itemKey any, oldBody, newBody map[string]any) error {
	for _, idx := range idxSet {
		namespace := m.registry.namespaceFor(collection, idx)
		newValues, newOK := idx.extract(newBody)
		newProj, _ := idx.extractProjection(newBody)
		var oldValues []any
		var oldOK bool
		var oldProj map[string]any
		if oldBody != nil {
			oldValues, oldOK = idx.extract(oldBody)
			oldProj, _ = idx.extractProjection(oldBody)
		}

		valuesDiffer := !oldOK || !newOK || !sameValues(oldValues, newValues)
		projDiffer := !sameProjection(oldProj, newProj)

		if oldOK && valuesDiffer {
			oldKey := m.codec.IndexEntryKey(namespace, oldValues, itemKey)
			if _, err := txn.Delete(ctx, oldKey, kv.DeleteOptions{}); err != nil {
				return fmt.Errorf("docstore: remove stale index entry: %w", err)
			}
		}
		if newOK && (valuesDiffer || projDiffer) {
			newKey := m.codec.IndexEntryKey(namespace, newValues, itemKey)
			value, err := encodeProjectionValue(newProj)
			if err != nil {
				return fmt.Errorf("docstore: encode index projection: %w", err)
			}
			if err := txn.Put(ctx, newKey, value, kv.NewPutOptions()); err != nil {
				return fmt.Errorf("docstore: write index entry: %w", err)
			}
		}
	}
	return nil
}

// encodeProjectionValue encodes a possibly-absent projection to the bytes
// stored as an index entry's value: nil (zero-length) when absent, CBOR
// otherwise. A zero-length value is distinguished from an actually-empty
// map because extractProjection never returns an empty, non-nil map
// (SPEC_FULL.md §6, "Wire/on-disk format").
func encodeProjectionValue(proj map[string]any) ([]byte, error) {
	if proj == nil {
		return nil, nil
	}
	return encodeValue(proj)
}

func sameProjection(a, b map[string]any) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	encA, err := encodeValue(a)
	if err != nil {
		return false
	}
	encB, err := encodeValue(b)
	if err != nil {
		return false
	}
	return string(encA) == string(encB)
}

// applyDelete removes every index entry oldBody produced.
func (m indexMaintainer) applyDelete(ctx context.Context, txn kv.Txn, collection string, idxSet []Index, itemKey any, oldBody map[string]any) error {
	for _, idx := range idxSet {
		values, ok := idx.extract(oldBody)
		if !ok {
			continue
		}
		namespace := m.registry.namespaceFor(collection, idx)
		key := m.codec.IndexEntryKey(namespace, values, itemKey)
		if _, err := txn.Delete(ctx, key, kv.DeleteOptions{}); err != nil {
			return fmt.Errorf("docstore: remove index entry: %w", err)
		}
	}
	return nil
}

// rebuildIndex drops and rewrites one index's entries from scratch by
// scanning the collection's items — used by migration (addIndex) when a
// declared index, identified by its key paths, is missing from the
// persisted descriptor (SPEC_FULL.md §4.4, "_addIndex").
func (m indexMaintainer) rebuildIndex(ctx context.Context, txn kv.Txn, collection string, idx Index, pace *pacer) error {
	namespace := m.registry.namespaceFor(collection, idx)
	oldPrefix := m.codec.IndexEntryPrefix(namespace)
	if _, err := txn.FindAndDelete(ctx, kv.Query{Prefix: oldPrefix}); err != nil {
		return fmt.Errorf("docstore: clear index for rebuild: %w", err)
	}

	itemPrefix := m.codec.CollectionPrefix(collection)
	entries, err := txn.Find(ctx, kv.Query{Prefix: itemPrefix, ReturnValues: true})
	if err != nil {
		return fmt.Errorf("docstore: scan collection for index rebuild: %w", err)
	}
	for _, entry := range entries {
		if err := pace.step(ctx); err != nil {
			return err
		}
		body, err := decodeItem(entry.Value)
		if err != nil {
			return fmt.Errorf("docstore: decode item during index rebuild: %w", err)
		}
		values, ok := idx.extract(body)
		if !ok {
			continue
		}
		itemKey := lastElement(entry.Key)
		key := m.codec.IndexEntryKey(namespace, values, itemKey)
		proj, _ := idx.extractProjection(body)
		value, err := encodeProjectionValue(proj)
		if err != nil {
			return fmt.Errorf("docstore: encode index projection: %w", err)
		}
		if err := txn.Put(ctx, key, value, kv.NewPutOptions()); err != nil {
			return fmt.Errorf("docstore: write rebuilt index entry: %w", err)
		}
	}
	return nil
}

func sameValues(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
