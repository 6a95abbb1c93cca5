// Package store implements the graph & addressing layer's persisted
// side (spec.md §4.1): atomic creation, linkage, and status transitions
// for Funsie, Artifact, and Operation records, plus the job queue and
// wake-up channel the executor and runtime depend on.
//
// Description:
//
//	The business logic — canonical key layout, compare-and-set status
//	transitions, write-once enforcement, queue claim semantics — is
//	written once in this package against a small Backend primitive.
//	Two real backends (internal/store/badger, internal/store/postgres)
//	and one in-memory fake (internal/store/memstore) each implement
//	just Backend/Txn; none of them re-implements graph semantics. This
//	is what spec.md §6 means by "no specific product is required."
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Txn.Get and by Store lookups when a key
// is absent.
var ErrNotFound = errors.New("store: key not found")

// ErrConflict is returned when a compare-and-set style write loses a
// race — the caller should treat this as "someone else already did it"
// rather than as a failure, per the write-once invariant (spec.md §3).
var ErrConflict = errors.New("store: conflicting concurrent write")

// ErrHashCollision is fatal: two writers disagreed on the bytes stored
// under the same content-addressed key. Under SHA-256 this should
// never happen from honest input; seeing it means a bug, not bad luck.
var ErrHashCollision = errors.New("store: hash collision on content-addressed key")

// Backend is the minimal transactional primitive a physical store must
// provide. Everything else — funsie/artifact/operation semantics, the
// queue, prefix resolution — is implemented once in this package
// against these four methods.
type Backend interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Txn) error) error
	// Update runs fn in a read-write transaction. fn may be retried by
	// the backend on a serialization conflict; it must be idempotent.
	// Any Notify calls made during fn only fire if fn returns nil and
	// the transaction commits.
	Update(ctx context.Context, fn func(Txn) error) error
	// Subscribe returns a channel of Notifications for keys written
	// under any of the given prefixes, and an unsubscribe func. The
	// channel is closed when ctx is done or Close is called.
	Subscribe(ctx context.Context, prefixes []string) (<-chan Notification, func(), error)
	// Close releases the backend's resources.
	Close() error
}

// Txn is a single atomic unit of work against the store. All key
// comparisons are exact-byte; all keys are opaque strings built by the
// key* helpers in keys.go.
type Txn interface {
	Get(key string) ([]byte, error) // ErrNotFound if absent
	Set(key string, value []byte) error
	Delete(key string) error
	Exists(key string) (bool, error)
	// ScanPrefix calls fn for every key with the given prefix, in
	// ascending key order, stopping early if fn returns a non-nil error.
	ScanPrefix(prefix string, fn func(key string, value []byte) error) error
	// Notify arranges for a Notification on key to be published once
	// this transaction commits successfully.
	Notify(key string)
}

// Notification is delivered to Subscribe callers when a watched key is
// written. It carries just enough for a waiter to decide whether to
// re-check its own state.
type Notification struct {
	Key string
}
