// Package builtins registers a small set of generic Callable and
// Subdag functions into internal/registry's process-wide builtin
// table on import, so a production `worker` binary has a non-empty
// callable set to dispatch into without any application-specific
// registration step of its own. Import it for its side effects:
//
//	import _ "github.com/aspuru-guzik-group/funsies/internal/builtins"
package builtins

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/registry"
)

func init() {
	registry.RegisterBuiltinCallable("builtin.identity", identity)
	registry.RegisterBuiltinCallable("builtin.concat", concat)
	registry.RegisterBuiltinSubdagGenerator("builtin.echo_subdag", echoSubdag)
}

// identity passes its "in" input through to "out" unchanged.
func identity(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	data, ok := inputs["in"].([]byte)
	if !ok {
		return nil, fmt.Errorf("builtin.identity: expected []byte input %q, got %T", "in", inputs["in"])
	}
	return map[string]any{"out": data}, nil
}

// concat joins the "a" and "b" raw-bytes inputs, in order.
func concat(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	a, ok := inputs["a"].([]byte)
	if !ok {
		return nil, fmt.Errorf("builtin.concat: expected []byte input %q, got %T", "a", inputs["a"])
	}
	b, ok := inputs["b"].([]byte)
	if !ok {
		return nil, fmt.Errorf("builtin.concat: expected []byte input %q, got %T", "b", inputs["b"])
	}
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return map[string]any{"out": out}, nil
}

// echoSubdag splices in a single generated Shell operation that
// materializes the "value" input as its declared "out" output. It
// exists to give a production worker a concrete, working Subdag path
// without requiring an application to register one of its own; the
// value is embedded directly in the generated command (base64-encoded
// to survive shell quoting) since a generator only sees decoded values,
// not store handles it could use to mint a fresh input artifact.
func echoSubdag(ctx context.Context, inputs map[string]any) (registry.SubdagPlan, error) {
	value, ok := inputs["value"].([]byte)
	if !ok {
		return registry.SubdagPlan{}, fmt.Errorf("builtin.echo_subdag: expected []byte input %q, got %T", "value", inputs["value"])
	}

	encoded := base64.StdEncoding.EncodeToString(value)
	child := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{fmt.Sprintf("printf '%s' | base64 -d > result", encoded)},
		Outputs: []graph.Slot{{Name: "result", Encoding: graph.RawBytes}},
	}

	return registry.SubdagPlan{
		Operations: []registry.SubdagOperation{{Funsie: child}},
		OutputBindings: map[string]registry.SubdagRef{
			"out": {OperationIndex: 0, Slot: "result"},
		},
	}, nil
}
