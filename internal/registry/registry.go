// Package registry is the process-local map from a stable callable
// name to the Go function (or subdag generator) it refers to. Funsie
// identity is built from CallableName, not a function pointer, so two
// processes — possibly on different machines — that register the same
// name under the same inputs derive the same operation hash and share
// a cache hit (spec.md §9, "Callable identity"). Registration has to
// happen again in every process that might execute such a funsie;
// there is no way to ship a function value through the store.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
)

// Callable is a registered in-process function. It receives decoded
// input values keyed by input slot name and returns output values
// keyed by output slot name; internal/runtime handles the codec
// round-trip around it.
type Callable func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// SubdagGenerator is a registered in-process function that inspects
// its decoded inputs and returns the sub-graph to splice under a
// Subdag operation (internal/store.GeneratedGraph), without itself
// producing the declared outputs directly.
type SubdagGenerator func(ctx context.Context, inputs map[string]any) (SubdagPlan, error)

// SubdagPlan is the generator-facing shape of internal/store.GeneratedGraph.
// This package does not import internal/store; inputs are still typed
// as real artifact hashes rather than opaque strings.
type SubdagPlan struct {
	Operations     []SubdagOperation
	OutputBindings map[string]SubdagRef
}

// SubdagOperation names a funsie-shaped operation for a generator to
// create; graph.Funsie is reused directly since it's already a
// store-free value type.
type SubdagOperation struct {
	Funsie graph.Funsie
	Inputs map[string]graph.Hash
}

// SubdagRef names which generated operation (by its index in
// SubdagPlan.Operations) and slot backs a declared output.
type SubdagRef struct {
	OperationIndex int
	Slot           string
}

// Registry is a concurrency-safe name -> Callable/SubdagGenerator map.
type Registry struct {
	mu         sync.RWMutex
	callables  map[string]Callable
	generators map[string]SubdagGenerator
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		callables:  make(map[string]Callable),
		generators: make(map[string]SubdagGenerator),
	}
}

var (
	builtinMu         sync.RWMutex
	builtinCallables  = map[string]Callable{}
	builtinGenerators = map[string]SubdagGenerator{}
)

// RegisterBuiltinCallable adds name to the process-wide builtin table
// that NewWithBuiltins populates a fresh Registry from. Meant to be
// called from an init() in a package imported for its side effects
// only (the same registration-by-blank-import seam database/sql
// drivers and image decoders use), so a production binary wires up its
// callable set just by importing the packages that define them.
func RegisterBuiltinCallable(name string, fn Callable) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtinCallables[name] = fn
}

// RegisterBuiltinSubdagGenerator is RegisterBuiltinCallable's
// subdag-generator counterpart.
func RegisterBuiltinSubdagGenerator(name string, fn SubdagGenerator) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtinGenerators[name] = fn
}

// NewWithBuiltins returns a Registry pre-populated with every
// callable and subdag generator registered so far via
// RegisterBuiltinCallable / RegisterBuiltinSubdagGenerator.
func NewWithBuiltins() *Registry {
	r := New()
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	for name, fn := range builtinCallables {
		r.callables[name] = fn
	}
	for name, fn := range builtinGenerators {
		r.generators[name] = fn
	}
	return r
}

// RegisterCallable binds name to fn. Re-registering the same name with
// a different function is allowed (e.g. across a process restart) but
// logged as a caller concern, not enforced here.
func (r *Registry) RegisterCallable(name string, fn Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callables[name] = fn
}

// RegisterSubdagGenerator binds name to a subdag generator function.
func (r *Registry) RegisterSubdagGenerator(name string, fn SubdagGenerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[name] = fn
}

// Callable looks up a previously registered callable by name.
func (r *Registry) Callable(name string) (Callable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.callables[name]
	if !ok {
		return nil, fmt.Errorf("registry: no callable registered under name %q", name)
	}
	return fn, nil
}

// SubdagGenerator looks up a previously registered subdag generator by name.
func (r *Registry) SubdagGenerator(name string) (SubdagGenerator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("registry: no subdag generator registered under name %q", name)
	}
	return fn, nil
}
