package docstore

// StoreDescriptor is the single persisted metadata record describing a
// store's schema: its collections, their indexes, and the descriptor
// format version (schemaVersion; migrations do not change it)
// (SPEC_FULL.md §3, §4.4). It is stored CBOR-encoded at
// keyCodec.DescriptorKey(), written through encodeValue and read back
// through decodeDescriptorRaw/decodeDescriptorMap.
//
// The "tables" field name survives from an earlier revision of this
// format; decodeDescriptorMap below accepts either key directly, so
// stores written before the collections/tables rename still load cleanly.
type StoreDescriptor struct {
	Version     int                   `cbor:"version"`
	Collections []PersistedCollection `cbor:"collections"`
}

// PersistedCollection is one collection's declaration within the store
// descriptor: its name and the indexes declared on it.
type PersistedCollection struct {
	Name    string           `cbor:"name"`
	Removed bool             `cbor:"removed,omitempty"`
	Indexes []PersistedIndex `cbor:"indexes"`
}

// PersistedIndex is one declared index: the property paths it is keyed on
// (in declaration order — order is significant for prefix queries, see
// SPEC_FULL.md §9) and whether it is a computed (expression) index.
type PersistedIndex struct {
	Keys       []string `cbor:"keys"`
	Computed   bool     `cbor:"computed,omitempty"`
	Projection []string `cbor:"projection,omitempty"`
	// Expr names the compute function for a computed index. It is never
	// persisted as executable code; the function itself must be supplied
	// again via ComputedIndex in the declared Collection at every process
	// start. A persisted computed index no longer present among the
	// declared indexes is torn down like any other dropped index.
	Expr string `cbor:"expr,omitempty"`
}

// name is the PersistedIndex's wire-format index name, matching what
// Index.Name returns for a live Index.
func (p PersistedIndex) name() string {
	return indexName(p.Keys)
}

// decodeDescriptorMap tolerates a legacy "tables" field in place of
// "collections", since older stores were written under that name before
// the concepts were renamed in this port (SPEC_FULL.md §4.4).
func decodeDescriptorMap(raw map[string]any) StoreDescriptor {
	var d StoreDescriptor
	if v, ok := raw["version"].(float64); ok {
		d.Version = int(v)
	}
	collectionsRaw, ok := raw["collections"].([]any)
	if !ok {
		collectionsRaw, _ = raw["tables"].([]any)
	}
	for _, cRaw := range collectionsRaw {
		cMap, ok := cRaw.(map[string]any)
		if !ok {
			continue
		}
		pc := PersistedCollection{}
		pc.Name, _ = cMap["name"].(string)
		pc.Removed, _ = cMap["removed"].(bool)
		idxRaw, _ := cMap["indexes"].([]any)
		for _, iRaw := range idxRaw {
			iMap, ok := iRaw.(map[string]any)
			if !ok {
				continue
			}
			pi := PersistedIndex{}
			if keysRaw, ok := iMap["keys"].([]any); ok {
				for _, k := range keysRaw {
					if ks, ok := k.(string); ok {
						pi.Keys = append(pi.Keys, ks)
					}
				}
			}
			pi.Computed, _ = iMap["computed"].(bool)
			pi.Expr, _ = iMap["expr"].(string)
			if projRaw, ok := iMap["projection"].([]any); ok {
				for _, p := range projRaw {
					if ps, ok := p.(string); ok {
						pi.Projection = append(pi.Projection, ps)
					}
				}
			}
			pc.Indexes = append(pc.Indexes, pi)
		}
		d.Collections = append(d.Collections, pc)
	}
	return d
}

// toPersistedIndex renders a live Index declaration to its persisted
// form. Computed-value functions are never persisted; only the expression
// name is, so schema.go can re-bind it against whatever ComputeFuncs the
// current process registered (SPEC_FULL.md §3, "Computed-value metadata
// is NOT persisted").
func toPersistedIndex(idx Index) PersistedIndex {
	return PersistedIndex{
		Keys:       append([]string(nil), idx.keys...),
		Computed:   idx.computed,
		Projection: append([]string(nil), idx.projection...),
		Expr:       idx.exprName,
	}
}

// toPersistedCollection renders a live Collection declaration.
func toPersistedCollection(c Collection) PersistedCollection {
	pc := PersistedCollection{Name: c.Name}
	for _, idx := range c.Indexes {
		pc.Indexes = append(pc.Indexes, toPersistedIndex(idx))
	}
	return pc
}

// findCollection returns the persisted declaration for name, including
// tombstoned (Removed) ones, so callers can distinguish "never existed"
// from "was removed" (SPEC_FULL.md §4.4, collection removal).
func (d StoreDescriptor) findCollection(name string) (PersistedCollection, bool) {
	for _, c := range d.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return PersistedCollection{}, false
}
