package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/hashing"
)

// GeneratedOperation is one operation produced by a subdag generator at
// execution time, not known until the parent Subdag funsie actually runs.
type GeneratedOperation struct {
	Funsie graph.Funsie
	Inputs map[string]hashing.Hash
}

// GeneratedRef names which generated operation's output slot backs one
// of the parent subdag operation's declared output slots.
type GeneratedRef struct {
	OperationIndex int
	Slot           string
}

// GeneratedGraph is what a subdag generator callable returns: a batch
// of new operations plus the binding from the parent's declared output
// slots onto slots of those new operations (spec.md §3, "dynamic
// sub-graphs").
type GeneratedGraph struct {
	Operations     []GeneratedOperation
	OutputBindings map[string]GeneratedRef
}

// AttachSubdag splices a generated sub-graph underneath parentOp:
// every generated operation is persisted (idempotently, exactly as
// PutOperation would), the parent's declared output artifacts are
// redirected (Linked) onto the bound generated outputs, and the whole
// thing commits atomically so no waiter ever observes the parent done
// with some outputs still unresolved.
func (s *Store) AttachSubdag(ctx context.Context, parentOp hashing.Hash, gen GeneratedGraph) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		parentData, err := txn.Get(keyOp(parentOp))
		if err != nil {
			return err
		}
		var parentRec operationRecord
		if err := json.Unmarshal(parentData, &parentRec); err != nil {
			return err
		}
		if len(gen.OutputBindings) != len(parentRec.Outputs) {
			return fmt.Errorf("%w: subdag has %d output bindings for %d declared outputs", graph.ErrSubdagArityMismatch, len(gen.OutputBindings), len(parentRec.Outputs))
		}

		opHashes := make([]hashing.Hash, len(gen.Operations))
		outputHashes := make([]map[string]hashing.Hash, len(gen.Operations))
		var generatedOpStrs, generatedArtStrs []string

		for i, genOp := range gen.Operations {
			op, artifacts, err := graph.NewOperation(genOp.Funsie, genOp.Inputs)
			if err != nil {
				return err
			}
			opHash := op.Identity()

			if err := s.producerClosureExcludes(txn, genOp.Inputs, parentOp); err != nil {
				return err
			}

			if ok, err := txn.Exists(keyOp(opHash)); err != nil {
				return err
			} else if !ok {
				if _, err := s.ensureFunsieStored(txn, genOp.Funsie); err != nil {
					return err
				}
				buf, err := json.Marshal(toOperationRecord(op))
				if err != nil {
					return err
				}
				if err := txn.Set(keyOp(opHash), buf); err != nil {
					return err
				}
				if err := txn.Set(keyOpStatus(opHash), []byte{byte(graph.OpPending)}); err != nil {
					return err
				}
				depSet := make([]string, 0, len(genOp.Inputs))
				for _, h := range genOp.Inputs {
					depSet = append(depSet, h.String())
				}
				depsBuf, _ := json.Marshal(depSet)
				if err := txn.Set(keyOpDeps(opHash), depsBuf); err != nil {
					return err
				}
				for _, h := range genOp.Inputs {
					if err := s.addConsumer(txn, h, opHash); err != nil {
						return err
					}
				}
				for _, art := range artifacts {
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
				}

				ready := true
				for _, h := range genOp.Inputs {
					_, status, err := s.resolveArtifactTxn(txn, h)
					if err != nil {
						return err
					}
					if !status.Terminal() {
						ready = false
						break
					}
				}
				if ready {
					if err := s.enqueue(txn, opHash); err != nil {
						return err
					}
				}
			}

			opHashes[i] = opHash
			outputHashes[i] = op.Outputs
			generatedOpStrs = append(generatedOpStrs, opHash.String())
			for _, a := range op.Outputs {
				generatedArtStrs = append(generatedArtStrs, a.String())
			}
		}

		for slot, parentOutHash := range parentRec.Outputs {
			ref, ok := gen.OutputBindings[slot]
			if !ok {
				return fmt.Errorf("%w: subdag missing binding for output slot %q", graph.ErrSubdagArityMismatch, slot)
			}
			if ref.OperationIndex < 0 || ref.OperationIndex >= len(outputHashes) {
				return fmt.Errorf("%w: subdag binding references out-of-range operation %d", graph.ErrSubdagArityMismatch, ref.OperationIndex)
			}
			target, ok := outputHashes[ref.OperationIndex][ref.Slot]
			if !ok {
				return fmt.Errorf("%w: generated operation %d has no slot %q", graph.ErrSubdagArityMismatch, ref.OperationIndex, ref.Slot)
			}
			// Consumers of the parent's output are also woken when the
			// generated target itself completes.
			parentConsumers, err := s.consumers(txn, parentOutHash)
			if err != nil {
				return err
			}
			for _, c := range parentConsumers {
				if err := s.addConsumer(txn, target, c); err != nil {
					return err
				}
			}
			if err := s.linkArtifact(txn, parentOutHash, target); err != nil {
				return err
			}
		}

		opsBuf, _ := json.Marshal(generatedOpStrs)
		if err := txn.Set(keyOpSubdagOps(parentOp), opsBuf); err != nil {
			return err
		}
		artsBuf, _ := json.Marshal(generatedArtStrs)
		if err := txn.Set(keyOpSubdagArts(parentOp), artsBuf); err != nil {
			return err
		}
		return nil
	})
}

// producerClosureExcludes walks backward from each of inputs through
// art:prod -> op:deps chains, bounded, to guard against a subdag
// generator (buggy or adversarial) wiring a new operation's input back
// onto an artifact that the parent subdag op itself will produce — the
// one place a cycle could otherwise sneak past the causal-hash scheme
// (spec.md §9, "dynamic sub-graphs must not introduce cycles").
func (s *Store) producerClosureExcludes(txn Txn, inputs map[string]hashing.Hash, forbidden hashing.Hash) error {
	visited := map[hashing.Hash]bool{}
	var walk func(h hashing.Hash, depth int) error
	walk = func(h hashing.Hash, depth int) error {
		if depth > 4096 {
			return fmt.Errorf("store: producer chain exceeds safety bound resolving %s", h)
		}
		artData, err := txn.Get(keyArt(h))
		if err == ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		var rec artifactRecord
		if err := json.Unmarshal(artData, &rec); err != nil {
			return err
		}
		if rec.ParentConst {
			return nil
		}
		if rec.ParentOp == forbidden {
			return graph.ErrCyclicInput
		}
		if visited[rec.ParentOp] {
			return nil
		}
		visited[rec.ParentOp] = true

		depsData, err := txn.Get(keyOpDeps(rec.ParentOp))
		if err == ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		var deps []string
		if err := json.Unmarshal(depsData, &deps); err != nil {
			return err
		}
		for _, d := range deps {
			dh, err := hashing.ParseHash(d)
			if err != nil {
				return err
			}
			if err := walk(dh, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	for _, h := range inputs {
		if err := walk(h, 0); err != nil {
			return err
		}
	}
	return nil
}

// SubdagLinks returns the generated operation and artifact hashes
// previously attached under parentOp by AttachSubdag.
func (s *Store) SubdagLinks(ctx context.Context, parentOp hashing.Hash) ([]hashing.Hash, []hashing.Hash, error) {
	var ops, arts []hashing.Hash
	err := s.backend.View(ctx, func(txn Txn) error {
		if err := readHashList(txn, keyOpSubdagOps(parentOp), &ops); err != nil {
			return err
		}
		return readHashList(txn, keyOpSubdagArts(parentOp), &arts)
	})
	return ops, arts, err
}

func readHashList(txn Txn, key string, out *[]hashing.Hash) error {
	data, err := txn.Get(key)
	if err == ErrNotFound {
		return nil
	} else if err != nil {
		return err
	}
	var strs []string
	if err := json.Unmarshal(data, &strs); err != nil {
		return err
	}
	for _, s := range strs {
		h, err := hashing.ParseHash(s)
		if err != nil {
			return err
		}
		*out = append(*out, h)
	}
	return nil
}
