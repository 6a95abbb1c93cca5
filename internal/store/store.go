package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/hashing"
)

// Store implements the graph & addressing layer's atomic operations
// (spec.md §4.1) on top of any Backend. All exported methods are safe
// for concurrent use from many goroutines and many processes, provided
// the Backend itself is.
type Store struct {
	backend Backend
}

// New wraps a Backend with the graph-level atomic operations. It
// stamps meta:version on first use.
func New(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{backend: backend}
	err := backend.Update(ctx, func(txn Txn) error {
		if _, err := txn.Get(keyMetaVersion); err == ErrNotFound {
			return txn.Set(keyMetaVersion, []byte(CurrentVersion))
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: stamping version: %w", err)
	}
	return s, nil
}

// Close releases the underlying backend.
func (s *Store) Close() error { return s.backend.Close() }

// record wrappers — stable JSON shapes for values persisted in the KV
// store. These are independent of the canonical hashing form: hashing
// defines identity, these define at-rest representation.

type funsieRecord struct {
	Kind         graph.Kind    `json:"kind"`
	Command      []string      `json:"command,omitempty"`
	CallableName string        `json:"callable_name,omitempty"`
	Inputs       []graph.Slot  `json:"inputs"`
	Outputs      []graph.Slot  `json:"outputs"`
	Extra        []byte        `json:"extra,omitempty"`
}

func toFunsieRecord(f graph.Funsie) funsieRecord {
	return funsieRecord{f.Kind, f.Command, f.CallableName, f.Inputs, f.Outputs, f.Extra}
}

func (r funsieRecord) toFunsie() graph.Funsie {
	return graph.Funsie{Kind: r.Kind, Command: r.Command, CallableName: r.CallableName, Inputs: r.Inputs, Outputs: r.Outputs, Extra: r.Extra}
}

type artifactRecord struct {
	Encoding      graph.Encoding `json:"encoding"`
	ParentConst   bool           `json:"parent_const"`
	ParentOp      hashing.Hash   `json:"parent_op,omitempty"`
	ParentSlot    string         `json:"parent_slot,omitempty"`
}

func toArtifactRecord(a graph.Artifact) artifactRecord {
	return artifactRecord{a.Encoding, a.Parent.Const, a.Parent.Operation, a.Parent.Slot}
}

func (r artifactRecord) toArtifact(h hashing.Hash) graph.Artifact {
	return graph.Artifact{
		Hash:     h,
		Encoding: r.Encoding,
		Parent:   graph.Parent{Const: r.ParentConst, Operation: r.ParentOp, Slot: r.ParentSlot},
	}
}

type operationRecord struct {
	Funsie  hashing.Hash            `json:"funsie"`
	Inputs  map[string]hashing.Hash `json:"inputs"`
	Outputs map[string]hashing.Hash `json:"outputs"`
}

func toOperationRecord(o graph.Operation) operationRecord {
	return operationRecord{o.Funsie, o.Inputs, o.Outputs}
}

func (r operationRecord) toOperation() graph.Operation {
	return graph.Operation{Funsie: r.Funsie, Inputs: r.Inputs, Outputs: r.Outputs}
}

type errorRecordJSON struct {
	Kind    graph.ErrorKind `json:"kind"`
	Origin  hashing.Hash    `json:"origin"`
	Message string          `json:"message"`
}

// PutFunsie idempotently stores f and returns its identity.
func (s *Store) PutFunsie(ctx context.Context, f graph.Funsie) (hashing.Hash, error) {
	h := f.Identity()
	err := s.backend.Update(ctx, func(txn Txn) error {
		key := keyFunsie(h)
		if ok, err := txn.Exists(key); err != nil {
			return err
		} else if ok {
			return nil // idempotent
		}
		data, err := json.Marshal(toFunsieRecord(f))
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	return h, err
}

// GetFunsie loads a previously stored funsie.
func (s *Store) GetFunsie(ctx context.Context, h hashing.Hash) (graph.Funsie, error) {
	var f graph.Funsie
	err := s.backend.View(ctx, func(txn Txn) error {
		data, err := txn.Get(keyFunsie(h))
		if err != nil {
			return err
		}
		var rec funsieRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		f = rec.toFunsie()
		return nil
	})
	return f, err
}

// PutConstArtifact hashes data, and if absent, atomically writes
// metadata, bytes, and status=Ready. Idempotent; a second writer
// supplying different bytes for the same hash is a hash collision.
func (s *Store) PutConstArtifact(ctx context.Context, enc graph.Encoding, data []byte) (hashing.Hash, error) {
	art := graph.NewConstArtifact(enc, data)
	err := s.backend.Update(ctx, func(txn Txn) error {
		return s.writeReadyArtifact(txn, art.Hash, enc, data, true)
	})
	return art.Hash, err
}

// writeReadyArtifact is the shared write-once + content-dedup path used
// by both PutConstArtifact and CompleteOperation's write-back step
// (spec.md §4.1 "write-once invariant", §4.3 step 3 "content hash ...
// dedup").
func (s *Store) writeReadyArtifact(txn Txn, declared hashing.Hash, enc graph.Encoding, data []byte, isConstCaller bool) error {
	metaKey := keyArt(declared)
	if exists, err := txn.Exists(metaKey); err != nil {
		return err
	} else if !exists {
		rec := artifactRecord{Encoding: enc, ParentConst: isConstCaller}
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(metaKey, buf); err != nil {
			return err
		}
	}

	contentHash := graph.ConstArtifactIdentity(enc, data)
	byContentKey := prefixArt + "bycontent:" + contentHash.String()

	existing, err := txn.Get(byContentKey)
	switch {
	case err == ErrNotFound:
		if err := txn.Set(keyArtData(declared), data); err != nil {
			return err
		}
		if err := txn.Set(byContentKey, []byte(declared.String())); err != nil {
			return err
		}
		return s.setArtifactStatus(txn, declared, graph.Ready)
	case err != nil:
		return err
	default:
		canonical, perr := hashing.ParseHash(string(existing))
		if perr != nil {
			return perr
		}
		if canonical == declared {
			// Re-storing identical content under its own canonical
			// hash (e.g. a duplicate put_const call): no-op besides
			// confirming status.
			return s.setArtifactStatus(txn, declared, graph.Ready)
		}
		// Verify the canonical holder really has identical bytes; a
		// mismatch here would mean two different byte strings hashed
		// to the same contentHash, the fatal collision case.
		existingBytes, gerr := txn.Get(keyArtData(canonical))
		if gerr != nil {
			return gerr
		}
		if string(existingBytes) != string(data) {
			return fmt.Errorf("%w: content hash %s", ErrHashCollision, contentHash)
		}
		return s.linkArtifact(txn, declared, canonical)
	}
}

func (s *Store) linkArtifact(txn Txn, declared, target hashing.Hash) error {
	if err := txn.Set(keyArtLink(declared), []byte(target.String())); err != nil {
		return err
	}
	return s.setArtifactStatus(txn, declared, graph.Linked)
}

func (s *Store) setArtifactStatus(txn Txn, h hashing.Hash, status graph.Status) error {
	if err := txn.Set(keyArtStatus(h), []byte{byte(status)}); err != nil {
		return err
	}
	txn.Notify(keyArtStatus(h))
	return nil
}

// resolveArtifactTxn is ResolveArtifact's link-following logic reused
// inside an already-open transaction (wakeDependents, subdag readiness
// checks): a Linked artifact is Terminal() but not itself Ready/Error,
// so callers that gate on terminality must resolve through the link
// first or they'll treat a subdag's still-Unresolved generated output
// as done the moment its parent's declared output is redirected.
func (s *Store) resolveArtifactTxn(txn Txn, h hashing.Hash) (hashing.Hash, graph.Status, error) {
	current := h
	for i := 0; i < 64; i++ { // bounded: link chains are never expected to be long
		data, err := txn.Get(keyArtStatus(current))
		if err != nil {
			return current, 0, err
		}
		status := graph.Status(data[0])
		if status != graph.Linked {
			return current, status, nil
		}
		target, err := txn.Get(keyArtLink(current))
		if err != nil {
			return current, status, err
		}
		next, err := hashing.ParseHash(string(target))
		if err != nil {
			return current, status, err
		}
		current = next
	}
	return current, 0, fmt.Errorf("store: link chain too deep resolving %s", h)
}

// PutOperation idempotently stores an operation bound from f and
// inputs, minting fresh Unresolved output artifacts and the reverse
// indexes (op:deps, art:prod, art:consumers) in the same transaction.
func (s *Store) PutOperation(ctx context.Context, f graph.Funsie, inputs map[string]hashing.Hash) (hashing.Hash, map[string]hashing.Hash, error) {
	op, artifacts, err := graph.NewOperation(f, inputs)
	if err != nil {
		return hashing.Hash{}, nil, err
	}
	opHash := op.Identity()

	err = s.backend.Update(ctx, func(txn Txn) error {
		if ok, err := txn.Exists(keyOp(opHash)); err != nil {
			return err
		} else if ok {
			return nil // idempotent: identical funsie+inputs already registered
		}

		if _, err := s.ensureFunsieStored(txn, f); err != nil {
			return err
		}

		rec := toOperationRecord(op)
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(keyOp(opHash), buf); err != nil {
			return err
		}
		if err := txn.Set(keyOpStatus(opHash), []byte{byte(graph.OpPending)}); err != nil {
			return err
		}

		depSet := make([]string, 0, len(inputs))
		for _, h := range inputs {
			depSet = append(depSet, h.String())
		}
		depsBuf, _ := json.Marshal(depSet)
		if err := txn.Set(keyOpDeps(opHash), depsBuf); err != nil {
			return err
		}

		for _, h := range inputs {
			if err := s.addConsumer(txn, h, opHash); err != nil {
				return err
			}
		}

		for slot, art := range artifacts {
			buf, err := json.Marshal(toArtifactRecord(art))
			if err != nil {
				return err
			}
			if err := txn.Set(keyArt(art.Hash), buf); err != nil {
				return err
			}
			if err := s.setArtifactStatus(txn, art.Hash, graph.Unresolved); err != nil {
				return err
			}
			if err := txn.Set(keyArtProd(art.Hash), []byte(opHash.String())); err != nil {
				return err
			}
			_ = slot
		}
		return nil
	})
	if err != nil {
		return hashing.Hash{}, nil, err
	}
	return opHash, op.Outputs, nil
}

func (s *Store) ensureFunsieStored(txn Txn, f graph.Funsie) (hashing.Hash, error) {
	h := f.Identity()
	key := keyFunsie(h)
	if ok, err := txn.Exists(key); err != nil {
		return h, err
	} else if ok {
		return h, nil
	}
	data, err := json.Marshal(toFunsieRecord(f))
	if err != nil {
		return h, err
	}
	return h, txn.Set(key, data)
}

const prefixArtConsumers = "art:consumers:"

func (s *Store) addConsumer(txn Txn, artifact, op hashing.Hash) error {
	key := prefixArtConsumers + artifact.String()
	var set []string
	if data, err := txn.Get(key); err == nil {
		_ = json.Unmarshal(data, &set)
	} else if err != ErrNotFound {
		return err
	}
	opStr := op.String()
	for _, existing := range set {
		if existing == opStr {
			return nil
		}
	}
	set = append(set, opStr)
	buf, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return txn.Set(key, buf)
}

func (s *Store) consumers(txn Txn, artifact hashing.Hash) ([]hashing.Hash, error) {
	data, err := txn.Get(prefixArtConsumers + artifact.String())
	if err == ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var set []string
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, err
	}
	out := make([]hashing.Hash, 0, len(set))
	for _, s2 := range set {
		h, err := hashing.ParseHash(s2)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// GetOperation loads a previously stored operation.
func (s *Store) GetOperation(ctx context.Context, h hashing.Hash) (graph.Operation, error) {
	var op graph.Operation
	err := s.backend.View(ctx, func(txn Txn) error {
		data, err := txn.Get(keyOp(h))
		if err != nil {
			return err
		}
		var rec operationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		op = rec.toOperation()
		return nil
	})
	return op, err
}

// GetArtifact loads artifact metadata (not its bytes).
func (s *Store) GetArtifact(ctx context.Context, h hashing.Hash) (graph.Artifact, error) {
	var art graph.Artifact
	err := s.backend.View(ctx, func(txn Txn) error {
		data, err := txn.Get(keyArt(h))
		if err != nil {
			return err
		}
		var rec artifactRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		art = rec.toArtifact(h)
		return nil
	})
	return art, err
}

// ArtifactStatus returns the raw (non-link-resolved) status of h.
func (s *Store) ArtifactStatus(ctx context.Context, h hashing.Hash) (graph.Status, error) {
	var status graph.Status
	err := s.backend.View(ctx, func(txn Txn) error {
		data, err := txn.Get(keyArtStatus(h))
		if err != nil {
			return err
		}
		status = graph.Status(data[0])
		return nil
	})
	return status, err
}

// OperationStatus returns op's lifecycle status.
func (s *Store) OperationStatus(ctx context.Context, h hashing.Hash) (graph.OpStatus, error) {
	var status graph.OpStatus
	err := s.backend.View(ctx, func(txn Txn) error {
		data, err := txn.Get(keyOpStatus(h))
		if err != nil {
			return err
		}
		status = graph.OpStatus(data[0])
		return nil
	})
	return status, err
}

// ResolveArtifact follows Linked redirects until it reaches a
// non-Linked status, returning the final hash and its status.
func (s *Store) ResolveArtifact(ctx context.Context, h hashing.Hash) (hashing.Hash, graph.Status, error) {
	var (
		resolved hashing.Hash
		status   graph.Status
	)
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		resolved, status, err = s.resolveArtifactTxn(txn, h)
		return err
	})
	return resolved, status, err
}

// ArtifactBytes returns the bytes of a Ready artifact, resolving links.
func (s *Store) ArtifactBytes(ctx context.Context, h hashing.Hash) ([]byte, error) {
	resolved, status, err := s.ResolveArtifact(ctx, h)
	if err != nil {
		return nil, err
	}
	if status != graph.Ready {
		return nil, fmt.Errorf("store: artifact %s is not ready (status=%s)", h, status)
	}
	var data []byte
	err = s.backend.View(ctx, func(txn Txn) error {
		d, err := txn.Get(keyArtData(resolved))
		if err != nil {
			return err
		}
		data = append([]byte(nil), d...)
		return nil
	})
	return data, err
}

// ArtifactError returns the ErrorRecord of an Error-status artifact,
// resolving links.
func (s *Store) ArtifactError(ctx context.Context, h hashing.Hash) (*graph.ErrorRecord, error) {
	resolved, status, err := s.ResolveArtifact(ctx, h)
	if err != nil {
		return nil, err
	}
	if status != graph.Error {
		return nil, fmt.Errorf("store: artifact %s is not in error (status=%s)", h, status)
	}
	var rec errorRecordJSON
	err = s.backend.View(ctx, func(txn Txn) error {
		data, err := txn.Get(keyArtErr(resolved))
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &graph.ErrorRecord{Kind: rec.Kind, Origin: rec.Origin, Message: rec.Message}, nil
}

// Producer returns the operation hash that produces artifact h, and
// whether h is instead a `const` artifact.
func (s *Store) Producer(ctx context.Context, h hashing.Hash) (hashing.Hash, bool, error) {
	var op hashing.Hash
	var isConst bool
	err := s.backend.View(ctx, func(txn Txn) error {
		data, err := txn.Get(keyArt(h))
		if err != nil {
			return err
		}
		var rec artifactRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		isConst = rec.ParentConst
		op = rec.ParentOp
		return nil
	})
	return op, isConst, err
}

// ResolvePrefix finds the unique hash (of any entity kind) whose hex
// form starts with prefix. spec.md §6: "at least 4 hex chars,
// unambiguous; on ambiguity return an error."
func (s *Store) ResolvePrefix(ctx context.Context, prefix string) (hashing.Hash, error) {
	if len(prefix) < hashing.MinPrefixLen {
		return hashing.Hash{}, hashing.ErrPrefixTooShort
	}
	var matches []string
	err := s.backend.View(ctx, func(txn Txn) error {
		scan := func(ns string) error {
			return txn.ScanPrefix(ns+prefix, func(key string, _ []byte) error {
				matches = append(matches, key[len(ns):])
				return nil
			})
		}
		for _, ns := range []string{prefixArt, prefixOp, prefixFunsie} {
			if err := scan(ns); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return hashing.Hash{}, err
	}
	unique := map[string]bool{}
	for _, m := range matches {
		unique[m] = true
	}
	switch len(unique) {
	case 0:
		return hashing.Hash{}, ErrNotFound
	case 1:
		for m := range unique {
			return hashing.ParseHash(m)
		}
	}
	return hashing.Hash{}, hashing.ErrAmbiguousPrefix
}

// ListOperations returns every operation hash in the store. Intended
// for the `graph` CLI command's full-graph dump, not for anything on
// the hot execution path.
func (s *Store) ListOperations(ctx context.Context) ([]hashing.Hash, error) {
	return s.listHashes(ctx, prefixOp)
}

// ListArtifacts returns every artifact hash in the store, for the same
// whole-graph-dump use case as ListOperations.
func (s *Store) ListArtifacts(ctx context.Context) ([]hashing.Hash, error) {
	return s.listHashes(ctx, prefixArt)
}

// listHashes scans every key under ns, keeping only the ones whose
// remainder parses as a bare hash — ns itself is also a prefix of
// several namespaced sub-keys (ns+"status:...", ns+"deps:...", etc.)
// which ParseHash rejects.
func (s *Store) listHashes(ctx context.Context, ns string) ([]hashing.Hash, error) {
	var out []hashing.Hash
	err := s.backend.View(ctx, func(txn Txn) error {
		return txn.ScanPrefix(ns, func(key string, _ []byte) error {
			h, err := hashing.ParseHash(key[len(ns):])
			if err != nil {
				return nil
			}
			out = append(out, h)
			return nil
		})
	})
	return out, err
}

// RequestShutdown records a drain request for worker processes sharing
// this store to notice between claims (spec.md §5). all is currently
// advisory only — every worker watches the same key regardless — and
// exists so a future per-worker-id shutdown scheme has somewhere to go
// without changing this method's signature.
func (s *Store) RequestShutdown(ctx context.Context, all bool) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		if err := txn.Set(keyControlShutdown, []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}
		txn.Notify(keyControlShutdown)
		return nil
	})
}

// ShutdownRequested reports whether RequestShutdown has been called
// and not yet cleared.
func (s *Store) ShutdownRequested(ctx context.Context) (bool, error) {
	var requested bool
	err := s.backend.View(ctx, func(txn Txn) error {
		ok, err := txn.Exists(keyControlShutdown)
		if err != nil {
			return err
		}
		requested = ok
		return nil
	})
	return requested, err
}

// staleness/reclaim and queue operations live in queue.go; subdag
// attachment lives in subdag.go; CompleteOperation lives in complete.go.
