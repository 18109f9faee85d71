package docstore

import (
	"fmt"
	"strings"

	"docstore/kv"
)

// keyCodec builds the structured keys every component in this package
// agrees on. All KV keys share the store's namespace: the store
// descriptor, every item, and every index entry live under the same flat
// ordered keyspace, disambiguated entirely by tuple shape (see
// SPEC_FULL.md §4.1).
type keyCodec struct {
	storeName string
}

// toElement converts a logical item key or property value into the
// string-or-number element EncodeTuple understands. Item keys are validated
// earlier (normalizeKey) and index values are filtered by Index.extract;
// any other type panics, which only a caller-supplied query or cursor value
// can reach.
func toElement(v any) kv.Element {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		panic(fmt.Sprintf("docstore: key element of unsupported type %T", v))
	}
}

// DescriptorKey is the store-wide metadata record's key: [ storeName ].
func (c keyCodec) DescriptorKey() kv.Tuple {
	return kv.Tuple{c.storeName}
}

// ItemKey is [ storeName, collectionName, itemKey ].
func (c keyCodec) ItemKey(collection string, itemKey any) kv.Tuple {
	return kv.Tuple{c.storeName, collection, toElement(itemKey)}
}

// CollectionPrefix is [ storeName, collectionName ], the prefix every item
// key in the collection shares.
func (c keyCodec) CollectionPrefix(collection string) kv.Tuple {
	return kv.Tuple{c.storeName, collection}
}

// indexName is the wire-format name of a declared index: its key paths
// joined with "+". This joiner and the ":" separator below are part of
// the persisted keyspace (SPEC_FULL.md §6) and must never change without
// a migration.
func indexName(keys []string) string {
	return strings.Join(keys, "+")
}

// indexNamespace is the collection-scoped namespace an index's entries
// live under: "collectionName:indexName". registry.namespaceFor caches
// this; callers outside the hot write path may call it directly.
func indexNamespace(collection, idxName string) string {
	return collection + ":" + idxName
}

// IndexEntryPrefix is [ storeName, namespace ], the prefix every entry of
// one index shares. namespace is indexNamespace(collection, idx.Name()),
// normally obtained from registry.namespaceFor.
func (c keyCodec) IndexEntryPrefix(namespace string) kv.Tuple {
	return kv.Tuple{c.storeName, namespace}
}

// IndexEntryKey is [ storeName, namespace, v1..vN, itemKey ].
func (c keyCodec) IndexEntryKey(namespace string, values []any, itemKey any) kv.Tuple {
	t := c.IndexEntryPrefix(namespace)
	for _, v := range values {
		t = append(t, toElement(v))
	}
	return append(t, toElement(itemKey))
}

// IndexQueryPrefix is [ storeName, namespace, q1..qK ], the scan prefix
// for a query that provides K of the index's declared keys, always in the
// index's declaration order (SPEC_FULL.md §9, "Open questions").
func (c keyCodec) IndexQueryPrefix(namespace string, queryValues []any) kv.Tuple {
	t := c.IndexEntryPrefix(namespace)
	for _, v := range queryValues {
		t = append(t, toElement(v))
	}
	return t
}

// lastElement returns the final element of a tuple returned from a KV
// scan — the item key, for both plain collection scans and index scans.
func lastElement(t kv.Tuple) any {
	if len(t) == 0 {
		return nil
	}
	return t[len(t)-1]
}
