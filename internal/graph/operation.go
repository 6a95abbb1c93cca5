package graph

import "github.com/aspuru-guzik-group/funsies/internal/hashing"

// Operation is a Funsie bound to concrete input artifacts (spec.md §3).
//
// Identity: hash of (funsie identity, canonical form of input bindings).
// Same funsie + same inputs implies the same operation identity implies
// the same output identities implies a cache hit everywhere.
type Operation struct {
	Funsie  Hash
	Inputs  map[string]Hash // input slot name -> bound artifact hash
	Outputs map[string]Hash // output slot name -> minted artifact hash
}

// OperationIdentity computes the identity of an operation from its
// funsie and input bindings, without needing the (already-deterministic)
// output bindings — those are a function of this identity, not an
// input to it.
func OperationIdentity(funsie Hash, inputs map[string]Hash) Hash {
	return hashing.NewBuilder().
		WriteBytes(funsie[:]).
		WriteSortedHashMap(inputs).
		Sum()
}

// NewOperation builds the full Operation record for a funsie bound to
// inputs, minting output artifact identities deterministically via
// ProducedArtifactIdentity. It does not touch the store; callers use
// internal/store.PutOperation to persist it atomically.
func NewOperation(f Funsie, inputs map[string]Hash) (Operation, map[string]Artifact, error) {
	if len(inputs) != len(f.Inputs) {
		return Operation{}, nil, ErrArityMismatch
	}
	for _, slot := range f.Inputs {
		if _, ok := inputs[slot.Name]; !ok {
			return Operation{}, nil, ErrUnknownSlot
		}
	}

	funsieHash := f.Identity()
	opHash := OperationIdentity(funsieHash, inputs)

	outputs := make(map[string]Hash, len(f.Outputs))
	artifacts := make(map[string]Artifact, len(f.Outputs))
	for _, slot := range f.Outputs {
		art := NewProducedArtifact(opHash, slot.Name, slot.Encoding)
		outputs[slot.Name] = art.Hash
		artifacts[slot.Name] = art
	}

	return Operation{
		Funsie:  funsieHash,
		Inputs:  inputs,
		Outputs: outputs,
	}, artifacts, nil
}

// Identity recomputes this operation's own identity; used by property
// tests (spec.md §8) to check that stored operations are self-consistent.
func (o Operation) Identity() Hash {
	return OperationIdentity(o.Funsie, o.Inputs)
}
