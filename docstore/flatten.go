package docstore

// flatten walks a decoded item body and produces dot-joined property paths
// for every leaf value, plus an entry for every intermediate map path whose
// value is an *empty* nested map (so "address" is still addressable by
// path when it happens to hold {} on some item, even though non-empty
// nested maps are addressed only through their leaves, not the map itself).
//
// Arrays are not descended into: an index keyed on a path that resolves to
// a []any is simply absent from the flattened set for that item, the same
// as a property missing from an item's body (see SPEC_FULL.md §4.5).
func flatten(body map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", body)
	return out
}

func flattenInto(out map[string]any, prefix string, body map[string]any) {
	for k, v := range body {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			if len(nested) == 0 {
				out[path] = nested
				continue
			}
			flattenInto(out, path, nested)
			continue
		}
		out[path] = v
	}
}

