package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDeterminism(t *testing.T) {
	build := func() Hash {
		return NewBuilder().
			WriteString("kind").
			WriteUint64(3).
			WriteStrings([]string{"a", "b"}).
			Sum()
	}
	assert.Equal(t, build(), build())
}

func TestWriteSortedMapIgnoresIterationOrder(t *testing.T) {
	m1 := map[string]string{"a": "1", "b": "2", "c": "3"}
	m2 := map[string]string{"c": "3", "a": "1", "b": "2"}
	h1 := NewBuilder().WriteSortedMap(m1).Sum()
	h2 := NewBuilder().WriteSortedMap(m2).Sum()
	assert.Equal(t, h1, h2)
}

func TestWriteSortedHashMapIgnoresIterationOrder(t *testing.T) {
	a := Hash{1}
	b := Hash{2}
	m1 := map[string]Hash{"x": a, "y": b}
	m2 := map[string]Hash{"y": b, "x": a}
	h1 := NewBuilder().WriteSortedHashMap(m1).Sum()
	h2 := NewBuilder().WriteSortedHashMap(m2).Sum()
	assert.Equal(t, h1, h2)
}

func TestDifferentCommandOrderChangesHash(t *testing.T) {
	h1 := NewBuilder().WriteStrings([]string{"echo a", "echo b"}).Sum()
	h2 := NewBuilder().WriteStrings([]string{"echo b", "echo a"}).Sum()
	assert.NotEqual(t, h1, h2, "reordering commands must change identity (spec.md open question (a))")
}

func TestParseHashRoundTrip(t *testing.T) {
	h := NewBuilder().WriteString("anything").Sum()
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHashRejectsWrongLength(t *testing.T) {
	_, err := ParseHash("ab12")
	assert.Error(t, err)
}

func TestHashJSONRoundTrip(t *testing.T) {
	h := NewBuilder().WriteString("json-me").Sum()
	data, err := h.MarshalJSON()
	require.NoError(t, err)

	var out Hash
	require.NoError(t, out.UnmarshalJSON(data))
	assert.Equal(t, h, out)
}

func TestZeroHashIsZero(t *testing.T) {
	var h Hash
	assert.True(t, h.IsZero())
	h[0] = 1
	assert.False(t, h.IsZero())
}
