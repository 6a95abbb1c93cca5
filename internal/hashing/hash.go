// Package hashing implements the canonical serialization and content
// addressing scheme shared by every entity in the provenance graph.
//
// Description:
//
//	Every Funsie, Artifact, and Operation is identified by a Hash: the
//	first 20 bytes of the SHA-256 digest of a canonical, length-prefixed
//	encoding of its fields. Canonicalization guarantees that two callers
//	building logically identical entities — possibly on different
//	machines, at different times — derive the same identity, which is
//	the property the rest of the engine (caching, deduplication,
//	lock-free writes) depends on.
//
// Thread Safety: all functions in this package are pure and safe for
// concurrent use.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
)

// Size is the width, in bytes, of a Hash.
const Size = 20

// Hash is a content-addressed identity. The zero Hash is never a valid
// identity for a real entity; it is used as a sentinel for "no parent".
type Hash [Size]byte

// String renders the hash in the hex form used for display and KV keys.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalJSON renders the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON parses a hex string hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return errors.New("hashing: invalid hash JSON")
	}
	s := string(data[1 : len(data)-1])
	if s == "" {
		*h = Hash{}
		return nil
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// IsZero reports whether h is the all-zero sentinel hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a full hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != Size {
		return h, errors.New("hashing: wrong length for a hash")
	}
	copy(h[:], b)
	return h, nil
}

// ErrAmbiguousPrefix is returned by resolvers when a hex prefix matches
// more than one stored hash.
var ErrAmbiguousPrefix = errors.New("hashing: ambiguous hash prefix")

// ErrPrefixTooShort is returned when a caller supplies a prefix shorter
// than MinPrefixLen hex characters.
var ErrPrefixTooShort = errors.New("hashing: prefix must be at least 4 hex characters")

// MinPrefixLen is the shortest hex prefix accepted by prefix lookups
// (spec: "Identity lookup by hash prefix (>= 4 hex chars, unambiguous)").
const MinPrefixLen = 4

// Builder accumulates a canonical, length-prefixed byte stream and
// hashes it on Sum. It is the single place that defines "canonical
// form" for every entity kind in the graph package.
//
// Canonicalization rules (spec.md §4.1):
//   - mappings are serialized in ascending key order
//   - sequences preserve order
//   - integers are fixed-width big-endian
//   - strings are length-prefixed UTF-8
type Builder struct {
	h []byte
}

// NewBuilder returns an empty canonical-form builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WriteBytes appends a length-prefixed byte field.
func (b *Builder) WriteBytes(data []byte) *Builder {
	var lenBytes [8]byte
	putUint64(lenBytes[:], uint64(len(data)))
	b.h = append(b.h, lenBytes[:]...)
	b.h = append(b.h, data...)
	return b
}

// WriteString appends a length-prefixed UTF-8 string field.
func (b *Builder) WriteString(s string) *Builder {
	return b.WriteBytes([]byte(s))
}

// WriteUint64 appends a fixed-width big-endian integer field.
func (b *Builder) WriteUint64(v uint64) *Builder {
	var buf [8]byte
	putUint64(buf[:], v)
	b.h = append(b.h, buf[:]...)
	return b
}

// WriteStrings appends an ordered sequence of strings, preserving order.
func (b *Builder) WriteStrings(ss []string) *Builder {
	b.WriteUint64(uint64(len(ss)))
	for _, s := range ss {
		b.WriteString(s)
	}
	return b
}

// WriteSortedMap appends a string-to-string mapping, sorted by key
// ascending so that map iteration order never leaks into the hash.
func (b *Builder) WriteSortedMap(m map[string]string) *Builder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteUint64(uint64(len(keys)))
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(m[k])
	}
	return b
}

// WriteSortedHashMap appends a string-to-Hash mapping, sorted by key
// ascending, e.g. an operation's input or output bindings.
func (b *Builder) WriteSortedHashMap(m map[string]Hash) *Builder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteUint64(uint64(len(keys)))
	for _, k := range keys {
		v := m[k]
		b.WriteString(k)
		b.WriteBytes(v[:])
	}
	return b
}

// Sum finalizes the canonical stream and returns its content hash.
func (b *Builder) Sum() Hash {
	digest := sha256.Sum256(b.h)
	var h Hash
	copy(h[:], digest[:Size])
	return h
}

// Bytes returns the accumulated canonical byte stream, mainly for tests
// that want to assert on the exact wire form.
func (b *Builder) Bytes() []byte {
	return append([]byte(nil), b.h...)
}

func putUint64(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

// SumBytes hashes an opaque blob directly — used for const-artifact
// identity and for the write-back content-dedup check, where the
// "canonical form" is just the raw bytes plus a discriminator.
func SumBytes(discriminator string, data []byte) Hash {
	return NewBuilder().WriteString(discriminator).WriteBytes(data).Sum()
}
