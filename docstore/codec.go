package docstore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// valueEncMode is the canonical CBOR encoding mode used for every value
// this package writes: item bodies, the store descriptor, and non-absent
// index projections. Canonical CBOR mode (cbor.CanonicalEncOptions, the
// RFC 7049 canonical rules) gives deterministic map-key ordering, so two
// encodes of an equal item always produce the same bytes — useful for tests and for anyone diffing raw KV dumps.
var valueEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("docstore: building cbor encode mode: %v", err))
	}
	valueEncMode = mode
}

func encodeValue(v any) ([]byte, error) {
	b, err := valueEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode value: %w", err)
	}
	return b, nil
}

func decodeItem(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("docstore: decode item: %w", err)
	}
	return normalizeDecoded(m).(map[string]any), nil
}

// normalizeDecoded folds CBOR's distinct integer types (uint64/int64) down
// to float64 everywhere, mirroring the single numeric type of the
// document model this store was ported from (see SPEC_FULL.md §4.10).
// Without this, an index declared on an integer-valued field would
// compare a freshly-put float64 against a round-tripped int64 and never
// match, silently breaking the index invariant.
func normalizeDecoded(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, vv := range val {
			val[k] = normalizeDecoded(vv)
		}
		return val
	case []any:
		for i, vv := range val {
			val[i] = normalizeDecoded(vv)
		}
		return val
	case uint64:
		return float64(val)
	case int64:
		return float64(val)
	case int:
		return float64(val)
	default:
		return v
	}
}
