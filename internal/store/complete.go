package store

import (
	"context"
	"encoding/json"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/hashing"
)

// OutputResult is one declared output slot's outcome from executing an
// operation: either bytes to write back, or an error to record. Exactly
// one of Bytes/Err is meaningful, selected by Err being non-nil.
type OutputResult struct {
	Encoding graph.Encoding
	Bytes    []byte
	Err      *graph.ErrorRecord
	// AlreadyLinked is set by subdag dispatch, whose own AttachSubdag
	// call already redirected this output's status to Linked in a
	// prior transaction; CompleteOperation must not overwrite it.
	AlreadyLinked bool
}

// CompleteOperation atomically commits an operation's outcome
// (spec.md §4.3 step 4, "Commit"): every declared output's status
// moves to a terminal state (Ready/Linked via content dedup, or
// Error), the operation's own status moves to OpDone or OpError, and
// every dependent operation that is now ready is pushed onto the
// queue — all in one transaction, so no external scheduler ever
// observes a partially-committed operation.
func (s *Store) CompleteOperation(ctx context.Context, opHash hashing.Hash, results map[string]OutputResult) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		data, err := txn.Get(keyOp(opHash))
		if err != nil {
			return err
		}
		var rec operationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}

		anyError := false
		for slot, outHash := range rec.Outputs {
			result, ok := results[slot]
			if !ok {
				result = OutputResult{Err: &graph.ErrorRecord{
					Kind:    graph.ErrMissingOutput,
					Origin:  opHash,
					Message: "execution finished without producing slot " + slot,
				}}
			}
			if result.AlreadyLinked {
				continue
			}
			if result.Err != nil {
				anyError = true
				if err := s.writeErrorArtifact(txn, outHash, result.Err); err != nil {
					return err
				}
				continue
			}
			if err := s.writeReadyArtifact(txn, outHash, result.Encoding, result.Bytes, false); err != nil {
				return err
			}
		}

		finalStatus := graph.OpDone
		if anyError {
			finalStatus = graph.OpError
		}
		if err := txn.Set(keyOpStatus(opHash), []byte{byte(finalStatus)}); err != nil {
			return err
		}
		txn.Notify(keyOpStatus(opHash))
		if err := txn.Delete(keyOpHeartbeat(opHash)); err != nil && err != ErrNotFound {
			return err
		}

		return s.wakeDependents(txn, rec.Outputs)
	})
}

func (s *Store) writeErrorArtifact(txn Txn, h hashing.Hash, rec *graph.ErrorRecord) error {
	buf, err := json.Marshal(errorRecordJSON{Kind: rec.Kind, Origin: rec.Origin, Message: rec.Message})
	if err != nil {
		return err
	}
	if err := txn.Set(keyArtErr(h), buf); err != nil {
		return err
	}
	return s.setArtifactStatus(txn, h, graph.Error)
}

// wakeDependents finds every operation consuming any of the
// just-completed outputs and, if all of that operation's inputs are now
// terminal, enqueues it — the push side of the "no central scheduler"
// design (spec.md §1, §4.3).
func (s *Store) wakeDependents(txn Txn, outputs map[string]hashing.Hash) error {
	seen := map[hashing.Hash]bool{}
	for _, outHash := range outputs {
		consumers, err := s.consumers(txn, outHash)
		if err != nil {
			return err
		}
		for _, depOp := range consumers {
			if seen[depOp] {
				continue
			}
			seen[depOp] = true

			statusData, err := txn.Get(keyOpStatus(depOp))
			if err != nil {
				return err
			}
			if graph.OpStatus(statusData[0]) != graph.OpPending {
				continue
			}

			opData, err := txn.Get(keyOp(depOp))
			if err != nil {
				return err
			}
			var depRec operationRecord
			if err := json.Unmarshal(opData, &depRec); err != nil {
				return err
			}

			ready := true
			for _, inputHash := range depRec.Inputs {
				_, status, err := s.resolveArtifactTxn(txn, inputHash)
				if err != nil {
					return err
				}
				if !status.Terminal() {
					ready = false
					break
				}
			}
			if ready {
				if err := s.enqueue(txn, depOp); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
