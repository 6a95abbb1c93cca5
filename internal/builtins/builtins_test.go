package builtins_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/aspuru-guzik-group/funsies/internal/builtins"
	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/registry"
	"github.com/aspuru-guzik-group/funsies/internal/runtime"
	"github.com/aspuru-guzik-group/funsies/internal/store"
	"github.com/aspuru-guzik-group/funsies/internal/store/memstore"
)

func TestNewWithBuiltinsRegistersTheBuiltinSet(t *testing.T) {
	reg := registry.NewWithBuiltins()

	_, err := reg.Callable("builtin.identity")
	require.NoError(t, err)
	_, err = reg.Callable("builtin.concat")
	require.NoError(t, err)
	_, err = reg.SubdagGenerator("builtin.echo_subdag")
	require.NoError(t, err)
}

func TestBuiltinIdentityViaRuntime(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(ctx, memstore.New())
	require.NoError(t, err)
	rt := runtime.New(s, registry.NewWithBuiltins(), nil, t.TempDir(), nil)

	in, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("payload"))
	require.NoError(t, err)

	f := graph.Funsie{
		Kind:         graph.Callable,
		CallableName: "builtin.identity",
		Inputs:       []graph.Slot{{Name: "in", Encoding: graph.RawBytes, Strict: true}},
		Outputs:      []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, map[string]graph.Hash{"in": in})
	require.NoError(t, err)
	require.NoError(t, rt.Execute(ctx, opHash))

	data, err := s.ArtifactBytes(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestBuiltinConcatViaRuntime(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(ctx, memstore.New())
	require.NoError(t, err)
	rt := runtime.New(s, registry.NewWithBuiltins(), nil, t.TempDir(), nil)

	a, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("foo"))
	require.NoError(t, err)
	b, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("bar"))
	require.NoError(t, err)

	f := graph.Funsie{
		Kind:         graph.Callable,
		CallableName: "builtin.concat",
		Inputs:       []graph.Slot{{Name: "a", Encoding: graph.RawBytes, Strict: true}, {Name: "b", Encoding: graph.RawBytes, Strict: true}},
		Outputs:      []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, map[string]graph.Hash{"a": a, "b": b})
	require.NoError(t, err)
	require.NoError(t, rt.Execute(ctx, opHash))

	data, err := s.ArtifactBytes(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, []byte("foobar"), data)
}

func TestBuiltinEchoSubdagViaRuntime(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(ctx, memstore.New())
	require.NoError(t, err)
	rt := runtime.New(s, registry.NewWithBuiltins(), nil, t.TempDir(), nil)

	value, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("dynamic"))
	require.NoError(t, err)

	f := graph.Funsie{
		Kind:         graph.Subdag,
		CallableName: "builtin.echo_subdag",
		Inputs:       []graph.Slot{{Name: "value", Encoding: graph.RawBytes, Strict: true}},
		Outputs:      []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, map[string]graph.Hash{"value": value})
	require.NoError(t, err)
	require.NoError(t, rt.Execute(ctx, opHash))

	status, err := s.ArtifactStatus(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.Linked, status)

	genOps, _, err := s.SubdagLinks(ctx, opHash)
	require.NoError(t, err)
	require.Len(t, genOps, 1)
	require.NoError(t, rt.Execute(ctx, genOps[0]))

	data, err := s.ArtifactBytes(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, []byte("dynamic"), data)
}
