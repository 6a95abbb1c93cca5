package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an operation or artifact ended in the Error
// status. The set is closed and matches spec.md §7 exactly.
type ErrorKind uint8

const (
	// ErrMissingOutput means a shell operation did not produce a
	// declared output file.
	ErrMissingOutput ErrorKind = iota
	// ErrNonzeroExit means a shell command returned a nonzero exit code.
	ErrNonzeroExit
	// ErrTimeout means the operation exceeded its declared wall-clock
	// timeout.
	ErrTimeout
	// ErrCallableRaised means a user callable raised/returned an error.
	ErrCallableRaised
	// ErrDecodeError means an input's bytes did not match its declared
	// Encoding.
	ErrDecodeError
	// ErrUpstream means a strict operation received an input that was
	// itself in Error status.
	ErrUpstream
	// ErrHashCollision is fatal: two writers disagreed on the bytes for
	// the same content-addressed key.
	ErrHashCollision
	// ErrStoreFailure is a transient store error; callers may retry.
	ErrStoreFailure
	// ErrSubdagArity means a subdag generator returned outputs with the
	// wrong arity relative to the subdag operation's declared outputs.
	ErrSubdagArity
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case ErrMissingOutput:
		return "missing-output"
	case ErrNonzeroExit:
		return "nonzero-exit"
	case ErrTimeout:
		return "timeout"
	case ErrCallableRaised:
		return "callable-raised"
	case ErrDecodeError:
		return "decode-error"
	case ErrUpstream:
		return "upstream"
	case ErrHashCollision:
		return "hash-collision"
	case ErrStoreFailure:
		return "store-failure"
	case ErrSubdagArity:
		return "subdag-arity"
	default:
		return "unknown-error-kind"
	}
}

// ErrorRecord is the value stored at art:err:{hash} when an artifact's
// status is Error. It preserves the origin operation so that the
// earliest failure in a chain remains visible after propagation
// (spec.md §7: "origin preserved").
type ErrorRecord struct {
	Kind    ErrorKind
	Origin  Hash // the operation whose execution first produced this error
	Message string
}

// Error implements the error interface so an ErrorRecord can be
// returned/wrapped like any other Go error.
func (e *ErrorRecord) Error() string {
	return fmt.Sprintf("%s: %s (origin %s)", e.Kind, e.Message, e.Origin)
}

// Sentinel errors returned by graph-level validation, independent of
// any particular ErrorRecord flowing through the DAG.
var (
	// ErrCyclicInput is returned when accepting an input binding would
	// require an operation to depend on itself transitively (spec.md §9).
	ErrCyclicInput = errors.New("graph: input binding would introduce a cycle")
	// ErrArityMismatch is returned when a caller supplies a different
	// number of bindings than the funsie declares slots for.
	ErrArityMismatch = errors.New("graph: input/output arity mismatch")
	// ErrUnknownSlot is returned when a binding names a slot the funsie
	// does not declare.
	ErrUnknownSlot = errors.New("graph: unknown input or output slot")
	// ErrSubdagArityMismatch is returned when a subdag generator's
	// output bindings don't exactly cover the subdag operation's
	// declared output slots.
	ErrSubdagArityMismatch = errors.New("graph: subdag output bindings do not match declared arity")
)
