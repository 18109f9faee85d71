package docstore

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ComputeFunc derives a computed index's indexed value from an item's
// decoded body. There is no separate registration step: a process
// "registers" a computed index simply by including it in the Collection
// slice passed to New, the same way every other index is declared
// (SPEC_FULL.md §4.4).
type ComputeFunc func(body map[string]any) (any, bool)

// Index is a declared secondary index on a collection: either a simple
// index over one or more property paths, or a computed index whose value
// comes from a ComputeFunc. An index may additionally declare a
// projection: a set of property paths stored alongside the index entry so
// some queries can be answered without fetching the item at all.
type Index struct {
	keys       []string
	computed   bool
	compute    ComputeFunc
	exprName   string
	projection []string
}

// SimpleIndex declares an index over one or more property paths, in the
// given order. An item is indexed only when every path resolves to a
// present string or number value (SPEC_FULL.md §4.5).
func SimpleIndex(paths ...string) Index {
	return Index{keys: append([]string(nil), paths...)}
}

// ComputedIndex declares an index whose single key is derived by fn,
// registered under exprName so it can be recovered after a process
// restart (the function value itself is never persisted).
func ComputedIndex(exprName string, fn ComputeFunc) Index {
	return Index{keys: []string{exprName}, computed: true, compute: fn, exprName: exprName}
}

// WithProjection attaches a projection to idx: the named property paths
// are stored in every index entry's value, so a find() asking for exactly
// those properties can be answered straight from the index scan
// (SPEC_FULL.md §4.5, "projection fast-path").
func (idx Index) WithProjection(paths ...string) Index {
	idx.projection = append([]string(nil), paths...)
	return idx
}

// Name is this index's wire-format identifier.
func (idx Index) Name() string { return indexName(idx.keys) }

// Projection returns this index's declared projection paths, or nil if
// none was declared.
func (idx Index) Projection() []string { return idx.projection }

// projectionSubsetOf reports whether every path in want is covered by this
// index's declared projection — the condition the query engine's
// projection fast-path checks (SPEC_FULL.md §4.5, step 2).
func (idx Index) projectionSubsetOf(want []string) bool {
	if len(idx.projection) == 0 {
		return len(want) == 0
	}
	have := make(map[string]bool, len(idx.projection))
	for _, p := range idx.projection {
		have[p] = true
	}
	for _, p := range want {
		if !have[p] {
			return false
		}
	}
	return true
}

// extractProjection builds this index's projection value for body: the
// declared paths present in the flattened item. Returns (nil, false) when
// no projection is declared or none of its paths produced a value — an
// empty projection is never written as {} (SPEC_FULL.md §4.3.3).
func (idx Index) extractProjection(body map[string]any) (map[string]any, bool) {
	if len(idx.projection) == 0 {
		return nil, false
	}
	flat := flatten(body)
	proj := make(map[string]any)
	for _, p := range idx.projection {
		if v, ok := flat[p]; ok {
			setPath(proj, p, v)
		}
	}
	if len(proj) == 0 {
		return nil, false
	}
	return proj, true
}

// extract computes this index's ordered key values for one item, or
// reports !ok when the item lacks a required property (simple index), the
// compute function declines to index it (computed index), or a value is
// not a string or number (the only types a key tuple can hold).
func (idx Index) extract(body map[string]any) (values []any, ok bool) {
	if idx.computed {
		v, ok := idx.compute(body)
		if !ok {
			return nil, false
		}
		switch v.(type) {
		case string, float64, int, int64:
		default:
			return nil, false
		}
		return []any{v}, true
	}
	flat := flatten(body)
	values = make([]any, 0, len(idx.keys))
	for _, path := range idx.keys {
		v, present := flat[path]
		if !present {
			return nil, false
		}
		switch v.(type) {
		case string, float64, int, int64:
		default:
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

// matchesQuery reports whether this index can serve a query that supplies
// queryKeys (in order) and, if orderBy is non-empty, can also satisfy that
// ordering as a side effect of its own key order — an index whose keys are
// exactly queryKeys followed by orderBy's own path satisfies both in one
// scan (SPEC_FULL.md §4.2).
func (idx Index) matchesQuery(queryKeys []string, orderBy string) bool {
	if len(queryKeys) > len(idx.keys) {
		return false
	}
	for i, k := range queryKeys {
		if idx.keys[i] != k {
			return false
		}
	}
	if orderBy == "" {
		return true
	}
	return len(idx.keys) > len(queryKeys) && idx.keys[len(queryKeys)] == orderBy
}

// Collection is one collection's live (in-memory) declaration: its name
// and the indexes maintained for it. It mirrors a PersistedCollection but
// carries the actual ComputeFuncs, which are never serialized.
type Collection struct {
	Name    string
	Indexes []Index
}

// registry is the Store's in-memory view of every declared collection,
// filled once by New from the collections it is given; the persisted
// StoreDescriptor is never loaded into it. It also owns a small LRU cache of derived
// index-namespace strings — a pure performance aid (indexNamespace is
// cheap, but it runs on every single index write) that never affects
// correctness: evicting an entry only costs a recompute (SPEC_FULL.md
// §4.2).
type registry struct {
	mu          sync.RWMutex
	collections map[string]Collection
	namespaces  *lru.Cache[string, string]
}

func newRegistry() *registry {
	cache, err := lru.New[string, string](256)
	if err != nil {
		// Only returns an error for a non-positive size, which 256 never is.
		panic(fmt.Sprintf("docstore: building namespace cache: %v", err))
	}
	return &registry{
		collections: make(map[string]Collection),
		namespaces:  cache,
	}
}

func (r *registry) set(c Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[c.Name] = c
}

func (r *registry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collections, name)
}

func (r *registry) get(name string) (Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[name]
	return c, ok
}

func (r *registry) namespaceFor(collection string, idx Index) string {
	cacheKey := collection + "\x00" + idx.Name()
	if v, ok := r.namespaces.Get(cacheKey); ok {
		return v
	}
	v := indexNamespace(collection, idx.Name())
	r.namespaces.Add(cacheKey, v)
	return v
}

// findIndexForQuery returns the first declared index (in declaration
// order) able to serve queryKeys/orderBy, or !ok if none can — callers
// then fail with ErrInvariantViolation.
func (c Collection) findIndexForQuery(queryKeys []string, orderBy string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.matchesQuery(queryKeys, orderBy) {
			return idx, true
		}
	}
	return Index{}, false
}
