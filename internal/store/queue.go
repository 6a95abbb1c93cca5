package store

import (
	"context"
	"time"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/hashing"
)

// enqueue is the internal, transaction-scoped half of Enqueue, used
// both by the public API and by wakeDependents' push-on-completion path.
func (s *Store) enqueue(txn Txn, op hashing.Hash) error {
	if err := txn.Set(keyQueuePending(op), []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
		return err
	}
	txn.Notify(keyQueuePending(op))
	return nil
}

// Enqueue marks op as runnable. Idempotent: enqueuing an
// already-pending operation is a no-op, not an error.
func (s *Store) Enqueue(ctx context.Context, op hashing.Hash) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		return s.enqueue(txn, op)
	})
}

// Claim atomically pops one pending operation off the queue and marks
// it OpRunning with a fresh heartbeat, but only if its op:status is
// still OpPending. It returns ok=false when the queue is empty, or when
// the popped operation was no longer pending (its queue entry is then
// dropped) — callers should then block on Subscribe rather than poll.
func (s *Store) Claim(ctx context.Context) (hashing.Hash, bool, error) {
	var claimed hashing.Hash
	var ok bool
	err := s.backend.Update(ctx, func(txn Txn) error {
		var candidate string
		scanErr := txn.ScanPrefix(prefixQueuePending, func(key string, _ []byte) error {
			candidate = key[len(prefixQueuePending):]
			return errStopScan
		})
		if scanErr != nil && scanErr != errStopScan {
			return scanErr
		}
		if candidate == "" {
			return nil
		}
		h, err := hashing.ParseHash(candidate)
		if err != nil {
			return err
		}
		if err := txn.Delete(keyQueuePending(h)); err != nil {
			return err
		}
		statusData, err := txn.Get(keyOpStatus(h))
		if err != nil {
			return err
		}
		if graph.OpStatus(statusData[0]) != graph.OpPending {
			// Another worker already claimed it: drop the stale entry.
			return nil
		}
		if err := txn.Set(keyOpStatus(h), []byte{byte(graph.OpRunning)}); err != nil {
			return err
		}
		if err := s.touchHeartbeat(txn, h); err != nil {
			return err
		}
		claimed = h
		ok = true
		return nil
	})
	return claimed, ok, err
}

// errStopScan is a sentinel used to short-circuit ScanPrefix after the
// first match; never surfaced to callers.
var errStopScan = &stopScanError{}

type stopScanError struct{}

func (*stopScanError) Error() string { return "store: scan stopped early" }

func (s *Store) touchHeartbeat(txn Txn, op hashing.Hash) error {
	return txn.Set(keyOpHeartbeat(op), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
}

// Heartbeat refreshes a running operation's liveness timestamp. Workers
// call this periodically while executing so ReclaimStale can tell a
// slow-but-alive operation from a crashed one (spec.md §5, "graceful
// drain").
func (s *Store) Heartbeat(ctx context.Context, op hashing.Hash) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		return s.touchHeartbeat(txn, op)
	})
}

// ReclaimStale re-enqueues every OpRunning operation whose heartbeat is
// older than staleness, returning the reclaimed operation hashes. This
// is what lets the engine tolerate a worker that crashes mid-execution
// without a central scheduler noticing the crash directly.
func (s *Store) ReclaimStale(ctx context.Context, staleness time.Duration) ([]hashing.Hash, error) {
	var reclaimed []hashing.Hash
	err := s.backend.Update(ctx, func(txn Txn) error {
		cutoff := time.Now().UTC().Add(-staleness)
		var stale []hashing.Hash
		scanErr := txn.ScanPrefix(prefixOpHeartbeat, func(key string, value []byte) error {
			ts, err := time.Parse(time.RFC3339Nano, string(value))
			if err != nil {
				return err
			}
			if ts.Before(cutoff) {
				h, err := hashing.ParseHash(key[len(prefixOpHeartbeat):])
				if err != nil {
					return err
				}
				stale = append(stale, h)
			}
			return nil
		})
		if scanErr != nil {
			return scanErr
		}
		for _, h := range stale {
			statusData, err := txn.Get(keyOpStatus(h))
			if err != nil {
				return err
			}
			if graph.OpStatus(statusData[0]) != graph.OpRunning {
				// already completed or reclaimed by a racing call
				if err := txn.Delete(keyOpHeartbeat(h)); err != nil && err != ErrNotFound {
					return err
				}
				continue
			}
			if err := txn.Set(keyOpStatus(h), []byte{byte(graph.OpPending)}); err != nil {
				return err
			}
			if err := txn.Delete(keyOpHeartbeat(h)); err != nil && err != ErrNotFound {
				return err
			}
			if err := s.enqueue(txn, h); err != nil {
				return err
			}
			reclaimed = append(reclaimed, h)
		}
		return nil
	})
	return reclaimed, err
}

// Subscribe exposes the backend's pub/sub channel directly: the
// executor and worker pool block on this instead of polling Claim in a
// tight loop (spec.md §5, modeled on Badger's native Subscribe and
// Postgres LISTEN/NOTIFY).
func (s *Store) Subscribe(ctx context.Context, prefixes []string) (<-chan Notification, func(), error) {
	return s.backend.Subscribe(ctx, prefixes)
}
