package graph

import "github.com/aspuru-guzik-group/funsies/internal/hashing"

// Hash is the graph package's alias for hashing.Hash, re-exported so
// callers rarely need to import internal/hashing directly for the
// common case of naming an entity identity.
type Hash = hashing.Hash

// ZeroHash is the sentinel identity used where "no parent"/"no origin"
// must be represented explicitly (e.g. a data-source funsie's absent
// producing operation).
var ZeroHash Hash
