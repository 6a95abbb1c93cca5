// Package codec is the boundary interface to "the serialization of
// user-defined callables" that spec.md §1 treats as an external
// collaborator: only its interface matters to the engine, not its
// implementation. RawBytes artifacts never touch it; StructuredValue
// artifacts are decoded before a callable sees them and encoded again
// after it returns.
//
// The default implementation below is a thin encoding/json wrapper.
// JSON was chosen over a third-party serializer because every example
// in the retrieval pack that needs a structured, language-agnostic
// value format (checkpoints, HTTP payloads, config) reaches for
// encoding/json rather than a binary codec — there is no ecosystem
// library in the pack whose job is specifically "serialize an
// arbitrary structured Go value for a workflow artifact", so this one
// boundary point is intentionally left on the standard library and
// pluggable via the Codec interface for anyone who wants msgpack, cbor,
// or protobuf instead.
package codec

import "encoding/json"

// Codec converts between an in-memory value and the bytes stored for a
// StructuredValue artifact.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
}

// JSON is the default Codec.
type JSON struct{}

// Encode marshals v to JSON.
func (JSON) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals data into out.
func (JSON) Decode(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

// Default is the package-level Codec used when callers don't supply
// their own.
var Default Codec = JSON{}
