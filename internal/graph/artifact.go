package graph

import "github.com/aspuru-guzik-group/funsies/internal/hashing"

// Parent records who will make an artifact: either the literal `const`
// tag (the user supplied the bytes directly) or a specific output slot
// of a specific operation.
type Parent struct {
	Const     bool
	Operation Hash
	Slot      string
}

// ConstParent is the Parent value for user-supplied artifacts.
func ConstParent() Parent {
	return Parent{Const: true}
}

// ProducedParent is the Parent value for an artifact that some
// operation's output slot will eventually populate.
func ProducedParent(op Hash, slot string) Parent {
	return Parent{Operation: op, Slot: slot}
}

// Artifact is a named handle to a (possibly not-yet-computed) byte
// blob (spec.md §3).
type Artifact struct {
	Hash     Hash
	Encoding Encoding
	Parent   Parent
}

// ConstArtifactIdentity implements the causal-hashing rule for
// user-supplied artifacts: hash of (encoding, blob bytes). Identical
// content always yields the identical identity, which is what makes
// put_const idempotent and what lets two byte-identical consts share
// one KV entry (spec.md §3, §8 "Dedup").
func ConstArtifactIdentity(enc Encoding, data []byte) Hash {
	return hashing.NewBuilder().
		WriteString("const").
		WriteUint64(uint64(enc)).
		WriteBytes(data).
		Sum()
}

// ProducedArtifactIdentity implements the causal-hashing rule for an
// operation's output: hash of (operation-id, slot-name). The identity
// is determined by who will make it, not by its future bytes — this is
// the design choice that makes memoization deterministic before any
// work happens (spec.md §3, "causal hash").
func ProducedArtifactIdentity(op Hash, slot string) Hash {
	return hashing.NewBuilder().
		WriteString("produced").
		WriteBytes(op[:]).
		WriteString(slot).
		Sum()
}

// NewConstArtifact builds the Artifact record for a user-supplied blob.
// The caller (internal/store) is responsible for actually writing the
// bytes; this only computes the record.
func NewConstArtifact(enc Encoding, data []byte) Artifact {
	return Artifact{
		Hash:     ConstArtifactIdentity(enc, data),
		Encoding: enc,
		Parent:   ConstParent(),
	}
}

// NewProducedArtifact builds the Artifact record for an operation's
// declared output slot.
func NewProducedArtifact(op Hash, slot string, enc Encoding) Artifact {
	return Artifact{
		Hash:     ProducedArtifactIdentity(op, slot),
		Encoding: enc,
		Parent:   ProducedParent(op, slot),
	}
}
