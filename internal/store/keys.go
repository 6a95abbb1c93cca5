package store

import "github.com/aspuru-guzik-group/funsies/internal/hashing"

// Key schema (spec.md §4.1). Exact key names are an implementation
// detail, but keeping them centralized here is what lets every backend
// (badger, postgres, the in-memory test fake) share one definition of
// "where does X live".
const (
	prefixFunsie       = "funsie:"
	prefixOp           = "op:"
	prefixArt          = "art:"
	prefixArtData      = "art:data:"
	prefixArtStatus    = "art:status:"
	prefixArtErr       = "art:err:"
	prefixOpDeps       = "op:deps:"
	prefixArtProd      = "art:prod:"
	prefixOpSubdagOps  = "op:subdag:ops:"
	prefixOpSubdagArts = "op:subdag:arts:"
	prefixOpStatus     = "op:status:"
	prefixOpHeartbeat  = "op:heartbeat:"
	prefixQueuePending = "queue:pending:"
	prefixArtLink      = "art:link:" // redirect target for Linked artifacts

	keyMetaVersion     = "meta:version"
	keyControlShutdown = "control:shutdown"
)

// CurrentVersion is the schema version stamped at meta:version. Forward
// compatibility across versions is explicitly not guaranteed
// (spec.md §6).
const CurrentVersion = "1"

func keyFunsie(h hashing.Hash) string    { return prefixFunsie + h.String() }
func keyOp(h hashing.Hash) string        { return prefixOp + h.String() }
func keyArt(h hashing.Hash) string       { return prefixArt + h.String() }
func keyArtData(h hashing.Hash) string   { return prefixArtData + h.String() }
func keyArtStatus(h hashing.Hash) string { return prefixArtStatus + h.String() }
func keyArtErr(h hashing.Hash) string    { return prefixArtErr + h.String() }
func keyArtLink(h hashing.Hash) string   { return prefixArtLink + h.String() }
func keyOpDeps(h hashing.Hash) string    { return prefixOpDeps + h.String() }
func keyArtProd(h hashing.Hash) string   { return prefixArtProd + h.String() }
func keyOpSubdagOps(h hashing.Hash) string  { return prefixOpSubdagOps + h.String() }
func keyOpSubdagArts(h hashing.Hash) string { return prefixOpSubdagArts + h.String() }
func keyOpStatus(h hashing.Hash) string     { return prefixOpStatus + h.String() }
func keyOpHeartbeat(h hashing.Hash) string  { return prefixOpHeartbeat + h.String() }
func keyQueuePending(h hashing.Hash) string { return prefixQueuePending + h.String() }
