package docstore

// Properties selects which properties of an item a read operation
// returns, per SPEC_FULL.md §4.5. The zero value is the empty selection
// (no properties, key/existence only); use AllProperties or PathProperties
// to build a useful one.
type Properties struct {
	all   bool
	paths map[string]bool
}

// AllProperties selects every property of the item. The zero Properties
// value is NoProperties, not this — callers who want the full body must
// ask for it explicitly.
func AllProperties() Properties {
	return Properties{all: true}
}

// NoProperties selects nothing: callers learn only that the item exists.
func NoProperties() Properties {
	return Properties{}
}

// PathProperties selects exactly the named dot-joined paths.
func PathProperties(paths ...string) Properties {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return Properties{paths: set}
}

// IsAll reports whether this selection is the "every property" variant.
func (p Properties) IsAll() bool { return p.all }

// apply projects body down to this selection. Paths not present in body
// are silently omitted, matching Get's "missing property" semantics.
func (p Properties) apply(body map[string]any) map[string]any {
	if p.all {
		return body
	}
	if len(p.paths) == 0 {
		return map[string]any{}
	}
	flat := flatten(body)
	out := make(map[string]any, len(p.paths))
	for path := range p.paths {
		if v, ok := flat[path]; ok {
			setPath(out, path, v)
		}
	}
	return out
}

// setPath writes v into out at a dot-joined path, creating intermediate
// maps as needed — the inverse of flatten, used to reconstruct a nested
// projection from a flat selection.
func setPath(out map[string]any, path string, v any) {
	cur := out
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		seg := path[start:i]
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
		start = i + 1
	}
	cur[path[start:]] = v
}
