package kv

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTupleRoundTrip(t *testing.T) {
	cases := []Tuple{
		{"a"},
		{"store", "collection", "item-1"},
		{"store", "collection", 42.0},
		{"store", "collection", -42.0},
		{"store", "collection", 0.0},
		{"with\x00embedded\x00nul", 1.5},
	}
	for _, tup := range cases {
		encoded := EncodeTuple(tup)
		decoded, err := DecodeTuple(encoded)
		require.NoError(t, err)
		assert.Equal(t, []Element(tup), []Element(decoded))
	}
}

func TestEncodeTupleOrderingMatchesNaturalOrder(t *testing.T) {
	numbers := []float64{-100, -1.5, -0.001, 0, 0.001, 1.5, 100, math.MaxFloat64}
	var encoded [][]byte
	for _, n := range numbers {
		encoded = append(encoded, EncodeTuple(Tuple{n}))
	}
	sorted := append([][]byte(nil), encoded...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	assert.Equal(t, encoded, sorted, "byte order of encoded numbers must match numeric order")
}

func TestEncodeTupleNumbersSortBeforeStrings(t *testing.T) {
	num := EncodeTuple(Tuple{1.0})
	str := EncodeTuple(Tuple{"a"})
	assert.Less(t, bytes.Compare(num, str), 0)
}

func TestEncodeTuplePrefixOrdering(t *testing.T) {
	parent := EncodeTuple(Tuple{"store", "collection"})
	child := EncodeTuple(Tuple{"store", "collection", "item"})
	assert.Less(t, bytes.Compare(parent, child), 0)
}

func TestPrefixUpperBound(t *testing.T) {
	prefix := EncodeTuple(Tuple{"store", "collection"})
	upper := PrefixUpperBound(prefix)
	require.NotNil(t, upper)
	child := EncodeTuple(Tuple{"store", "collection", "zzzz"})
	assert.True(t, bytes.Compare(child, upper) < 0)
	sibling := EncodeTuple(Tuple{"store", "collectionz"})
	assert.True(t, bytes.Compare(sibling, upper) >= 0)
}

func TestScanBoundsPrefix(t *testing.T) {
	lower, upper := ScanBounds(Query{Prefix: Tuple{"store", "c"}})
	assert.Equal(t, EncodeTuple(Tuple{"store", "c"}), lower)
	assert.NotNil(t, upper)
}

func TestEncodeTuplePanicsOnUnsupportedElement(t *testing.T) {
	assert.Panics(t, func() {
		EncodeTuple(Tuple{struct{}{}})
	})
}
