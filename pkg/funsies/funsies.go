// Package funsies is the user-facing workflow construction API: build
// a DAG out of `const` data and shell/callable/subdag funsies, submit
// it for execution, and fetch results — the thin, ergonomic wrapper
// around internal/graph, internal/store, and internal/executor that an
// application actually imports (spec.md §6).
package funsies

import (
	"context"
	"time"

	"github.com/aspuru-guzik-group/funsies/internal/codec"
	"github.com/aspuru-guzik-group/funsies/internal/executor"
	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/registry"
	"github.com/aspuru-guzik-group/funsies/internal/store"
)

// Artifact is a user-facing handle to a (possibly not-yet-computed)
// byte blob, identified by its content hash.
type Artifact struct {
	Hash     graph.Hash
	Encoding graph.Encoding
}

// Session is the entry point for building and running workflows
// against one store.
type Session struct {
	store    *store.Store
	exec     *executor.Executor
	registry *registry.Registry
	codec    codec.Codec
}

// New wraps s with the workflow-construction API. reg may be nil if
// the session never builds Callable or Subdag funsies.
func New(s *store.Store, reg *registry.Registry) *Session {
	if reg == nil {
		reg = registry.New()
	}
	return &Session{store: s, exec: executor.New(s, nil), registry: reg, codec: codec.Default}
}

// Registry exposes the session's callable/generator registry so a
// caller can register functions before building funsies that
// reference them by name.
func (s *Session) Registry() *registry.Registry { return s.registry }

// PutConst stores raw bytes as a `const` artifact (spec.md §3). It is
// idempotent: identical bytes always yield the identical Artifact.
func (s *Session) PutConst(ctx context.Context, data []byte) (Artifact, error) {
	h, err := s.store.PutConstArtifact(ctx, graph.RawBytes, data)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Hash: h, Encoding: graph.RawBytes}, nil
}

// PutConstValue encodes v with the session's codec and stores it as a
// `const` StructuredValue artifact.
func (s *Session) PutConstValue(ctx context.Context, v any) (Artifact, error) {
	data, err := s.codec.Encode(v)
	if err != nil {
		return Artifact{}, err
	}
	h, err := s.store.PutConstArtifact(ctx, graph.StructuredValue, data)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Hash: h, Encoding: graph.StructuredValue}, nil
}

// ShellSpec describes a Shell funsie to bind and register.
type ShellSpec struct {
	Command []string
	Inputs  []graph.Slot
	Outputs []graph.Slot
	Options graph.Options
}

// PutShell registers a Shell funsie bound to inputs and returns one
// Artifact handle per declared output slot, keyed by slot name.
func (s *Session) PutShell(ctx context.Context, spec ShellSpec, inputs map[string]Artifact) (map[string]Artifact, error) {
	f := graph.Funsie{
		Kind:    graph.Shell,
		Command: spec.Command,
		Inputs:  spec.Inputs,
		Outputs: spec.Outputs,
		Extra:   graph.EncodeOptions(spec.Options),
	}
	return s.putOperation(ctx, f, inputs)
}

// CallableSpec describes a Callable funsie bound to a registered name.
type CallableSpec struct {
	Name    string
	Inputs  []graph.Slot
	Outputs []graph.Slot
	Options graph.Options
}

// PutCallable registers a Callable funsie and returns one Artifact
// handle per declared output slot.
func (s *Session) PutCallable(ctx context.Context, spec CallableSpec, inputs map[string]Artifact) (map[string]Artifact, error) {
	f := graph.Funsie{
		Kind:         graph.Callable,
		CallableName: spec.Name,
		Inputs:       spec.Inputs,
		Outputs:      spec.Outputs,
		Extra:        graph.EncodeOptions(spec.Options),
	}
	return s.putOperation(ctx, f, inputs)
}

// SubdagSpec describes a Subdag funsie bound to a registered generator
// name.
type SubdagSpec struct {
	Name    string
	Inputs  []graph.Slot
	Outputs []graph.Slot
	Options graph.Options
}

// PutSubdag registers a Subdag funsie and returns one Artifact handle
// per declared output slot; those artifacts stay Unresolved until the
// generator actually runs and internal/runtime attaches its sub-graph.
func (s *Session) PutSubdag(ctx context.Context, spec SubdagSpec, inputs map[string]Artifact) (map[string]Artifact, error) {
	f := graph.Funsie{
		Kind:         graph.Subdag,
		CallableName: spec.Name,
		Inputs:       spec.Inputs,
		Outputs:      spec.Outputs,
		Extra:        graph.EncodeOptions(spec.Options),
	}
	return s.putOperation(ctx, f, inputs)
}

func (s *Session) putOperation(ctx context.Context, f graph.Funsie, inputs map[string]Artifact) (map[string]Artifact, error) {
	boundInputs := make(map[string]graph.Hash, len(inputs))
	for name, art := range inputs {
		boundInputs[name] = art.Hash
	}
	_, outputs, err := s.store.PutOperation(ctx, f, boundInputs)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Artifact, len(outputs))
	for _, slot := range f.Outputs {
		result[slot.Name] = Artifact{Hash: outputs[slot.Name], Encoding: slot.Encoding}
	}
	return result, nil
}

// Execute submits every operation needed to resolve targets and blocks
// until all of them reach a terminal status, or ctx is done.
func (s *Session) Execute(ctx context.Context, targets ...Artifact) error {
	hashes := make([]graph.Hash, len(targets))
	for i, t := range targets {
		hashes[i] = t.Hash
	}
	return s.exec.WaitFor(ctx, hashes)
}

// Fetch returns an artifact's raw bytes, following Linked redirects.
// The artifact must be in Ready status; use Status first if the
// caller isn't sure execution has finished.
func (s *Session) Fetch(ctx context.Context, a Artifact) ([]byte, error) {
	return s.store.ArtifactBytes(ctx, a.Hash)
}

// FetchValue decodes a StructuredValue artifact's bytes into out.
func (s *Session) FetchValue(ctx context.Context, a Artifact, out any) error {
	data, err := s.store.ArtifactBytes(ctx, a.Hash)
	if err != nil {
		return err
	}
	return s.codec.Decode(data, out)
}

// Status returns an artifact's current lifecycle status, resolving
// Linked redirects.
func (s *Session) Status(ctx context.Context, a Artifact) (graph.Status, error) {
	_, status, err := s.store.ResolveArtifact(ctx, a.Hash)
	return status, err
}

// Error returns the ErrorRecord for an artifact in Error status.
func (s *Session) Error(ctx context.Context, a Artifact) (*graph.ErrorRecord, error) {
	return s.store.ArtifactError(ctx, a.Hash)
}

// ResolveHashPrefix resolves a hex prefix (>= 4 characters) of any
// entity's hash to its full Hash, erroring on ambiguity (spec.md §6).
func (s *Session) ResolveHashPrefix(ctx context.Context, prefix string) (graph.Hash, error) {
	return s.store.ResolvePrefix(ctx, prefix)
}

// WaitTimeout is the bound cmd/funsies applies to a blocking `execute`
// invocation; no flag overrides it.
const WaitTimeout = 10 * time.Minute
