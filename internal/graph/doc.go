// Package graph implements the provenance graph's data model: the
// three entity kinds (Funsie, Artifact, Operation), their content
// identities, and the canonical serialization that makes those
// identities reproducible across machines.
//
// Description:
//
//	This package defines *what* the entities are and how they hash;
//	it does not talk to a KV store. Persistence and atomic creation
//	live in internal/store, which stores exactly these types. Keeping
//	the split lets internal/graph be tested as pure, deterministic
//	functions of its inputs (see spec.md §8's property tests).
package graph
