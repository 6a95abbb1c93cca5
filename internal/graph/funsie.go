package graph

import (
	"time"

	"github.com/aspuru-guzik-group/funsies/internal/hashing"
)

// Slot names a single named input or output on a Funsie, along with
// the Encoding its bound artifact must carry.
type Slot struct {
	Name     string
	Encoding Encoding
	// Strict controls, for input slots only, whether an Error-status
	// binding short-circuits the operation (Strict=true, the default)
	// or is delivered to the callable as a Result value (Strict=false).
	// Meaningless on output slots.
	Strict bool
}

// Funsie is an immutable operation descriptor: what to compute,
// independent of any specific inputs (spec.md §3).
//
// Identity: hash of a canonical serialization of every field below.
// Two funsies with identical canonical form share an identity.
type Funsie struct {
	Kind Kind

	// Command is the ordered sequence of shell command strings. Only
	// meaningful when Kind == Shell.
	Command []string

	// CallableName is the stable, user-assigned name resolved through
	// internal/registry at execution time. Only meaningful when
	// Kind == Callable or Kind == Subdag. Because the name — not the
	// function pointer — participates in the hash, a workflow built on
	// one machine cache-hits against a run on another (spec.md §9,
	// "Callable identity").
	CallableName string

	Inputs  []Slot
	Outputs []Slot

	// Extra is opaque bytes that participate in the hash. Used both to
	// force a recompute (bump a nonce) and, via EncodeOptions, to carry
	// this funsie's Options.
	Extra []byte
}

// Options are per-operation execution controls, encoded into a
// Funsie's Extra field (spec.md §5, §9: "a funsie carries ... in its
// funsie's extra"). Encoding Options into Extra keeps Funsie itself
// free of a special-cased field while still letting the hash change
// when the timeout changes, which is required: a longer timeout is a
// materially different operation.
type Options struct {
	// Timeout is the wall-clock budget for one execution attempt. Zero
	// means no explicit timeout (the store-level staleness threshold
	// still applies).
	Timeout time.Duration
}

// EncodeOptions renders o into the opaque bytes expected in
// Funsie.Extra.
func EncodeOptions(o Options) []byte {
	return hashing.NewBuilder().WriteString("funsies-options/v1").WriteUint64(uint64(o.Timeout)).Bytes()
}

// DecodeOptions is best-effort: funsies built without EncodeOptions
// (or by another language binding) simply report the zero Options.
func DecodeOptions(extra []byte) Options {
	const prefix = "funsies-options/v1"
	// Layout matches Builder.WriteString+WriteUint64: 8-byte length,
	// prefix bytes, 8-byte big-endian timeout.
	if len(extra) < 8 {
		return Options{}
	}
	n := beUint64(extra[:8])
	if uint64(len(extra)) < 8+n+8 || string(extra[8:8+n]) != prefix {
		return Options{}
	}
	rest := extra[8+n:]
	return Options{Timeout: time.Duration(beUint64(rest))}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Identity computes this funsie's content hash.
func (f Funsie) Identity() Hash {
	b := hashing.NewBuilder().
		WriteUint64(uint64(f.Kind)).
		WriteStrings(f.Command).
		WriteString(f.CallableName)

	b.WriteUint64(uint64(len(f.Inputs)))
	for _, s := range f.Inputs {
		b.WriteString(s.Name).WriteUint64(uint64(s.Encoding))
		strict := uint64(0)
		if s.Strict {
			strict = 1
		}
		b.WriteUint64(strict)
	}

	b.WriteUint64(uint64(len(f.Outputs)))
	for _, s := range f.Outputs {
		b.WriteString(s.Name).WriteUint64(uint64(s.Encoding))
	}

	b.WriteBytes(f.Extra)
	return b.Sum()
}

// InputSlot returns the slot descriptor for name, and whether it exists.
func (f Funsie) InputSlot(name string) (Slot, bool) {
	for _, s := range f.Inputs {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}

// OutputSlot returns the slot descriptor for name, and whether it exists.
func (f Funsie) OutputSlot(name string) (Slot, bool) {
	for _, s := range f.Outputs {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}
