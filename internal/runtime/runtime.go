// Package runtime is the worker-side half of the engine: given an
// operation hash claimed off the queue, it resolves that operation's
// inputs, dispatches by Funsie.Kind, writes the results back through
// the store's content-addressed dedup path, and commits — the
// execute(op_hash) contract of spec.md §4.3.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aspuru-guzik-group/funsies/internal/codec"
	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/registry"
	"github.com/aspuru-guzik-group/funsies/internal/store"
)

var tracer = otel.Tracer("funsies.runtime")

// Runtime executes claimed operations on behalf of a worker process.
type Runtime struct {
	Store       *store.Store
	Registry    *registry.Registry
	Codec       codec.Codec
	SandboxBase string
	Logger      *slog.Logger
}

// New returns a Runtime. codec may be nil, in which case codec.Default
// (JSON) is used.
func New(s *store.Store, reg *registry.Registry, c codec.Codec, sandboxBase string, logger *slog.Logger) *Runtime {
	if c == nil {
		c = codec.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{Store: s, Registry: reg, Codec: c, SandboxBase: sandboxBase, Logger: logger}
}

// Execute runs the execute(op_hash) contract for one claimed
// operation and commits its result, including the dependent-wakeup
// push, via Store.CompleteOperation.
func (r *Runtime) Execute(ctx context.Context, opHash graph.Hash) error {
	ctx, span := tracer.Start(ctx, "runtime.Execute", trace.WithAttributes(
		attribute.String("funsies.operation", opHash.String()),
	))
	defer span.End()

	op, err := r.Store.GetOperation(ctx, opHash)
	if err != nil {
		return r.fail(ctx, span, fmt.Errorf("runtime: loading operation %s: %w", opHash, err))
	}
	funsie, err := r.Store.GetFunsie(ctx, op.Funsie)
	if err != nil {
		return r.fail(ctx, span, fmt.Errorf("runtime: loading funsie %s: %w", op.Funsie, err))
	}

	opts := graph.DecodeOptions(funsie.Extra)
	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	inherited, err := r.resolveInheritedError(ctx, funsie, op.Inputs)
	if err != nil {
		return r.fail(ctx, span, err)
	}

	var results map[string]store.OutputResult
	if inherited != nil {
		results = allOutputsError(funsie, inherited)
	} else {
		results, err = r.dispatch(execCtx, opHash, funsie, op.Inputs)
		if err != nil {
			if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				results = allOutputsError(funsie, &graph.ErrorRecord{
					Kind:    graph.ErrTimeout,
					Origin:  opHash,
					Message: fmt.Sprintf("exceeded timeout %s", opts.Timeout),
				})
			} else {
				return r.fail(ctx, span, fmt.Errorf("runtime: dispatching %s: %w", opHash, err))
			}
		}
	}

	if err := r.Store.CompleteOperation(ctx, opHash, results); err != nil {
		return r.fail(ctx, span, fmt.Errorf("runtime: committing %s: %w", opHash, err))
	}
	return nil
}

func (r *Runtime) fail(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.Logger.Error("runtime: execution failed", slog.String("error", err.Error()))
	return err
}

// resolveInheritedError implements readiness's strict/non-strict split
// (spec.md §4.2, §9): a Strict input that is itself Error short-
// circuits the whole operation, preserving the earliest ErrorRecord's
// Origin rather than stamping this operation as the origin.
func (r *Runtime) resolveInheritedError(ctx context.Context, f graph.Funsie, inputs map[string]graph.Hash) (*graph.ErrorRecord, error) {
	for _, slot := range f.Inputs {
		h, ok := inputs[slot.Name]
		if !ok {
			continue
		}
		_, status, err := r.Store.ResolveArtifact(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("runtime: resolving input %q: %w", slot.Name, err)
		}
		if status != graph.Error {
			continue
		}
		if !slot.Strict {
			continue
		}
		rec, err := r.Store.ArtifactError(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("runtime: loading error for input %q: %w", slot.Name, err)
		}
		return &graph.ErrorRecord{Kind: graph.ErrUpstream, Origin: rec.Origin, Message: rec.Message}, nil
	}
	return nil, nil
}

func allOutputsError(f graph.Funsie, rec *graph.ErrorRecord) map[string]store.OutputResult {
	out := make(map[string]store.OutputResult, len(f.Outputs))
	for _, slot := range f.Outputs {
		out[slot.Name] = store.OutputResult{Err: rec}
	}
	return out
}

func (r *Runtime) dispatch(ctx context.Context, opHash graph.Hash, f graph.Funsie, inputs map[string]graph.Hash) (map[string]store.OutputResult, error) {
	switch f.Kind {
	case graph.Shell:
		return r.runShell(ctx, opHash, f, inputs)
	case graph.Callable:
		return r.runCallable(ctx, opHash, f, inputs)
	case graph.Subdag:
		return r.runSubdag(ctx, opHash, f, inputs)
	case graph.DataSource:
		// DataSource funsies never execute; their artifact is always a
		// `const`. Reaching dispatch for one is a caller error.
		return nil, fmt.Errorf("runtime: data-source funsie %s has no execution path", f.Identity())
	default:
		return nil, fmt.Errorf("runtime: unknown funsie kind %v", f.Kind)
	}
}

func (r *Runtime) runShell(ctx context.Context, opHash graph.Hash, f graph.Funsie, inputs map[string]graph.Hash) (map[string]store.OutputResult, error) {
	sb, err := newSandbox(r.SandboxBase)
	if err != nil {
		return nil, err
	}
	defer sb.cleanup()

	// Each input slot is an independent store read + file write, so
	// materializing them fans out across goroutines rather than paying
	// their latency serially.
	group, groupCtx := errgroup.WithContext(ctx)
	for _, slot := range f.Inputs {
		slot := slot
		h, ok := inputs[slot.Name]
		if !ok {
			continue
		}
		group.Go(func() error {
			data, err := r.Store.ArtifactBytes(groupCtx, h)
			if err != nil {
				// Non-strict input that is in error (or otherwise not
				// ready) has no bytes to materialize; the command will
				// see a missing file if it actually needed them.
				return nil
			}
			return sb.writeInput(slot.Name, data)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	for i, command := range f.Command {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = sb.dir
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()

		// Captured regardless of outcome, so a funsie that declares
		// stdout{i}/stderr{i}/returncode{i} as an output slot resolves
		// it whether or not the command also wrote a same-named file.
		var exitErr *exec.ExitError
		returncode := 0
		switch {
		case errors.As(runErr, &exitErr):
			returncode = exitErr.ExitCode()
		case runErr != nil:
			returncode = -1
		}
		if err := sb.writeCapture(i, stdout.Bytes(), stderr.Bytes(), returncode); err != nil {
			return nil, err
		}

		if runErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if exitErr != nil {
				return allOutputsError(f, &graph.ErrorRecord{
					Kind:    graph.ErrNonzeroExit,
					Origin:  opHash,
					Message: fmt.Sprintf("command %d (%q) exited %d: %s", i, command, exitErr.ExitCode(), stderr.String()),
				}), nil
			}
			return allOutputsError(f, &graph.ErrorRecord{
				Kind:    graph.ErrNonzeroExit,
				Origin:  opHash,
				Message: fmt.Sprintf("command %d (%q) failed to start: %s", i, command, runErr),
			}), nil
		}
	}

	results := make(map[string]store.OutputResult, len(f.Outputs))
	for _, slot := range f.Outputs {
		data, found, err := sb.readOutput(slot.Name)
		if err != nil {
			return nil, err
		}
		if !found {
			results[slot.Name] = store.OutputResult{Err: &graph.ErrorRecord{
				Kind:    graph.ErrMissingOutput,
				Origin:  opHash,
				Message: fmt.Sprintf("declared output %q was not written to %s", slot.Name, filepath.Join(sb.dir, slot.Name)),
			}}
			continue
		}
		results[slot.Name] = store.OutputResult{Encoding: slot.Encoding, Bytes: data}
	}
	return results, nil
}

func (r *Runtime) runCallable(ctx context.Context, opHash graph.Hash, f graph.Funsie, inputs map[string]graph.Hash) (map[string]store.OutputResult, error) {
	fn, err := r.Registry.Callable(f.CallableName)
	if err != nil {
		return allOutputsError(f, &graph.ErrorRecord{
			Kind:    graph.ErrCallableRaised,
			Origin:  opHash,
			Message: err.Error(),
		}), nil
	}

	decoded, err := r.decodeInputs(ctx, f, inputs)
	if err != nil {
		return allOutputsError(f, &graph.ErrorRecord{
			Kind:    graph.ErrDecodeError,
			Origin:  opHash,
			Message: err.Error(),
		}), nil
	}

	outputs, err := fn(ctx, decoded)
	if err != nil {
		return allOutputsError(f, &graph.ErrorRecord{
			Kind:    graph.ErrCallableRaised,
			Origin:  opHash,
			Message: err.Error(),
		}), nil
	}

	results := make(map[string]store.OutputResult, len(f.Outputs))
	for _, slot := range f.Outputs {
		value, ok := outputs[slot.Name]
		if !ok {
			results[slot.Name] = store.OutputResult{Err: &graph.ErrorRecord{
				Kind:    graph.ErrMissingOutput,
				Origin:  opHash,
				Message: fmt.Sprintf("callable %q did not return output %q", f.CallableName, slot.Name),
			}}
			continue
		}
		data, err := r.encodeValue(value, slot)
		if err != nil {
			results[slot.Name] = store.OutputResult{Err: &graph.ErrorRecord{
				Kind:    graph.ErrDecodeError,
				Origin:  opHash,
				Message: fmt.Sprintf("encoding output %q: %s", slot.Name, err),
			}}
			continue
		}
		results[slot.Name] = store.OutputResult{Encoding: slot.Encoding, Bytes: data}
	}
	return results, nil
}

func (r *Runtime) runSubdag(ctx context.Context, opHash graph.Hash, f graph.Funsie, inputs map[string]graph.Hash) (map[string]store.OutputResult, error) {
	gen, err := r.Registry.SubdagGenerator(f.CallableName)
	if err != nil {
		return allOutputsError(f, &graph.ErrorRecord{
			Kind:    graph.ErrCallableRaised,
			Origin:  opHash,
			Message: err.Error(),
		}), nil
	}

	decoded, err := r.decodeInputs(ctx, f, inputs)
	if err != nil {
		return allOutputsError(f, &graph.ErrorRecord{
			Kind:    graph.ErrDecodeError,
			Origin:  opHash,
			Message: err.Error(),
		}), nil
	}

	plan, err := gen(ctx, decoded)
	if err != nil {
		return allOutputsError(f, &graph.ErrorRecord{
			Kind:    graph.ErrCallableRaised,
			Origin:  opHash,
			Message: err.Error(),
		}), nil
	}

	generated := store.GeneratedGraph{
		Operations:     make([]store.GeneratedOperation, len(plan.Operations)),
		OutputBindings: make(map[string]store.GeneratedRef, len(plan.OutputBindings)),
	}
	for i, genOp := range plan.Operations {
		generated.Operations[i] = store.GeneratedOperation{Funsie: genOp.Funsie, Inputs: genOp.Inputs}
	}
	for slot, ref := range plan.OutputBindings {
		generated.OutputBindings[slot] = store.GeneratedRef{OperationIndex: ref.OperationIndex, Slot: ref.Slot}
	}

	if err := r.Store.AttachSubdag(ctx, opHash, generated); err != nil {
		return allOutputsError(f, &graph.ErrorRecord{
			Kind:    graph.ErrSubdagArity,
			Origin:  opHash,
			Message: err.Error(),
		}), nil
	}

	results := make(map[string]store.OutputResult, len(f.Outputs))
	for _, slot := range f.Outputs {
		results[slot.Name] = store.OutputResult{AlreadyLinked: true}
	}
	return results, nil
}

// Result is the value callables see for a non-strict (Strict=false)
// input slot whose bound artifact ended up in Error status — spec.md
// §9's non-strict delivery mode, carried through the registry.Callable
// signature as a plain decoded value rather than a distinguished Go type.
type Result struct {
	Ok    bool
	Value any
	Error *graph.ErrorRecord
}

// decodeInputs resolves and decodes every bound input slot of f
// concurrently: each slot is an independent store read plus a codec
// decode, so there's no reason to pay their latency one at a time.
func (r *Runtime) decodeInputs(ctx context.Context, f graph.Funsie, inputs map[string]graph.Hash) (map[string]any, error) {
	decoded := make(map[string]any, len(f.Inputs))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for _, slot := range f.Inputs {
		slot := slot
		h, ok := inputs[slot.Name]
		if !ok {
			continue
		}
		group.Go(func() error {
			value, err := r.decodeArtifact(groupCtx, h, slot)
			if err != nil {
				return fmt.Errorf("decoding input %q: %w", slot.Name, err)
			}
			mu.Lock()
			decoded[slot.Name] = value
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return decoded, nil
}

func (r *Runtime) decodeArtifact(ctx context.Context, h graph.Hash, slot graph.Slot) (any, error) {
	_, status, err := r.Store.ResolveArtifact(ctx, h)
	if err != nil {
		return nil, err
	}
	if status == graph.Error {
		rec, err := r.Store.ArtifactError(ctx, h)
		if err != nil {
			return nil, err
		}
		if slot.Strict {
			// Should already have been caught by resolveInheritedError.
			return nil, rec
		}
		return Result{Ok: false, Error: rec}, nil
	}

	data, err := r.Store.ArtifactBytes(ctx, h)
	if err != nil {
		return nil, err
	}
	var decoded any
	switch slot.Encoding {
	case graph.RawBytes:
		decoded = data
	case graph.StructuredValue:
		if err := r.Codec.Decode(data, &decoded); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown encoding %v", slot.Encoding)
	}
	if !slot.Strict {
		return Result{Ok: true, Value: decoded}, nil
	}
	return decoded, nil
}

func (r *Runtime) encodeValue(value any, slot graph.Slot) ([]byte, error) {
	switch slot.Encoding {
	case graph.RawBytes:
		data, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("expected []byte for raw-bytes output %q, got %T", slot.Name, value)
		}
		return data, nil
	case graph.StructuredValue:
		return r.Codec.Encode(value)
	default:
		return nil, fmt.Errorf("unknown encoding %v", slot.Encoding)
	}
}
