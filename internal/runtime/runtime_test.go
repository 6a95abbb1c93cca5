package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/registry"
	"github.com/aspuru-guzik-group/funsies/internal/runtime"
	"github.com/aspuru-guzik-group/funsies/internal/store"
	"github.com/aspuru-guzik-group/funsies/internal/store/memstore"
)

func newTestRuntime(t *testing.T) (*runtime.Runtime, *store.Store) {
	t.Helper()
	s, err := store.New(context.Background(), memstore.New())
	require.NoError(t, err)
	reg := registry.New()
	sandboxBase := t.TempDir()
	return runtime.New(s, reg, nil, sandboxBase, nil), s
}

func TestExecuteShellHappyPath(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestRuntime(t)

	in, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("hello"))
	require.NoError(t, err)

	f := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"cp in out"},
		Inputs:  []graph.Slot{{Name: "in", Encoding: graph.RawBytes, Strict: true}},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, map[string]graph.Hash{"in": in})
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, opHash))

	status, err := s.ArtifactStatus(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.Ready, status)

	data, err := s.ArtifactBytes(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestExecuteShellCapturesStdoutAsDeclaredOutput(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestRuntime(t)

	in, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("hi"))
	require.NoError(t, err)

	f := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"cat in.txt"},
		Inputs:  []graph.Slot{{Name: "in.txt", Encoding: graph.RawBytes, Strict: true}},
		Outputs: []graph.Slot{{Name: "stdout0", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, map[string]graph.Hash{"in.txt": in})
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, opHash))

	status, err := s.ArtifactStatus(ctx, outputs["stdout0"])
	require.NoError(t, err)
	assert.Equal(t, graph.Ready, status)

	data, err := s.ArtifactBytes(ctx, outputs["stdout0"])
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)
}

func TestExecuteShellCapturesStderrAndReturncodePerCommand(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestRuntime(t)

	f := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"true", "printf oops 1>&2"},
		Outputs: []graph.Slot{
			{Name: "returncode0", Encoding: graph.RawBytes},
			{Name: "stderr1", Encoding: graph.RawBytes},
			{Name: "returncode1", Encoding: graph.RawBytes},
		},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, nil)
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, opHash))

	rc0, err := s.ArtifactBytes(ctx, outputs["returncode0"])
	require.NoError(t, err)
	assert.Equal(t, []byte("0"), rc0)

	stderr1, err := s.ArtifactBytes(ctx, outputs["stderr1"])
	require.NoError(t, err)
	assert.Equal(t, []byte("oops"), stderr1)

	rc1, err := s.ArtifactBytes(ctx, outputs["returncode1"])
	require.NoError(t, err)
	assert.Equal(t, []byte("0"), rc1)
}

func TestExecuteShellMissingOutputRecordsError(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestRuntime(t)

	f := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"true"},
		Outputs: []graph.Slot{{Name: "never_written", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, nil)
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, opHash))

	status, err := s.ArtifactStatus(ctx, outputs["never_written"])
	require.NoError(t, err)
	assert.Equal(t, graph.Error, status)

	rec, err := s.ArtifactError(ctx, outputs["never_written"])
	require.NoError(t, err)
	assert.Equal(t, graph.ErrMissingOutput, rec.Kind)
}

func TestExecuteShellNonzeroExitRecordsError(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestRuntime(t)

	f := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"exit 7"},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, nil)
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, opHash))

	rec, err := s.ArtifactError(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.ErrNonzeroExit, rec.Kind)
	assert.Equal(t, opHash, rec.Origin)
}

func TestExecuteStrictInputShortCircuitsPreservingOriginalOrigin(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestRuntime(t)

	failing := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"exit 1"},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	failingOp, failingOutputs, err := s.PutOperation(ctx, failing, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Execute(ctx, failingOp))

	downstream := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"true"},
		Inputs:  []graph.Slot{{Name: "in", Encoding: graph.RawBytes, Strict: true}},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	downstreamOp, downstreamOutputs, err := s.PutOperation(ctx, downstream, map[string]graph.Hash{"in": failingOutputs["out"]})
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, downstreamOp))

	rec, err := s.ArtifactError(ctx, downstreamOutputs["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.ErrUpstream, rec.Kind)
	assert.Equal(t, failingOp, rec.Origin, "the inherited error must keep the failing operation as Origin, not the downstream op")
}

func TestExecuteNonStrictInputDeliversResultWrapper(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestRuntime(t)
	reg := registry.New()
	rt = runtime.New(s, reg, nil, t.TempDir(), nil)

	failing := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"exit 1"},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	failingOp, failingOutputs, err := s.PutOperation(ctx, failing, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Execute(ctx, failingOp))

	var seen map[string]any
	reg.RegisterCallable("inspect", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		seen = inputs
		return map[string]any{"ok": []byte("ran")}, nil
	})

	downstream := graph.Funsie{
		Kind:         graph.Callable,
		CallableName: "inspect",
		Inputs:       []graph.Slot{{Name: "maybe", Encoding: graph.RawBytes, Strict: false}},
		Outputs:      []graph.Slot{{Name: "ok", Encoding: graph.RawBytes}},
	}
	downstreamOp, downstreamOutputs, err := s.PutOperation(ctx, downstream, map[string]graph.Hash{"maybe": failingOutputs["out"]})
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, downstreamOp))

	require.NotNil(t, seen)
	result, ok := seen["maybe"].(runtime.Result)
	require.True(t, ok, "non-strict input must arrive wrapped as runtime.Result")
	assert.False(t, result.Ok)
	require.NotNil(t, result.Error)
	assert.Equal(t, failingOp, result.Error.Origin)

	status, err := s.ArtifactStatus(ctx, downstreamOutputs["ok"])
	require.NoError(t, err)
	assert.Equal(t, graph.Ready, status)
}

func TestExecuteCallableDispatch(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(ctx, memstore.New())
	require.NoError(t, err)
	reg := registry.New()
	reg.RegisterCallable("double", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		data := inputs["n"].([]byte)
		return map[string]any{"doubled": append(append([]byte{}, data...), data...)}, nil
	})
	rt := runtime.New(s, reg, nil, t.TempDir(), nil)

	in, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("ab"))
	require.NoError(t, err)

	f := graph.Funsie{
		Kind:         graph.Callable,
		CallableName: "double",
		Inputs:       []graph.Slot{{Name: "n", Encoding: graph.RawBytes, Strict: true}},
		Outputs:      []graph.Slot{{Name: "doubled", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, map[string]graph.Hash{"n": in})
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, opHash))

	data, err := s.ArtifactBytes(ctx, outputs["doubled"])
	require.NoError(t, err)
	assert.Equal(t, []byte("abab"), data)
}

func TestExecuteSubdagAttachesGeneratedGraph(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(ctx, memstore.New())
	require.NoError(t, err)
	reg := registry.New()
	reg.RegisterSubdagGenerator("fanout", func(ctx context.Context, inputs map[string]any) (registry.SubdagPlan, error) {
		return registry.SubdagPlan{
			Operations: []registry.SubdagOperation{
				{Funsie: graph.Funsie{Kind: graph.Shell, Command: []string{"echo -n child > out"}, Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}}}},
			},
			OutputBindings: map[string]registry.SubdagRef{"result": {OperationIndex: 0, Slot: "out"}},
		}, nil
	})
	rt := runtime.New(s, reg, nil, t.TempDir(), nil)

	f := graph.Funsie{
		Kind:         graph.Subdag,
		CallableName: "fanout",
		Outputs:      []graph.Slot{{Name: "result", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, nil)
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, opHash))

	status, err := s.ArtifactStatus(ctx, outputs["result"])
	require.NoError(t, err)
	assert.Equal(t, graph.Linked, status)
}

func TestExecuteTimeoutRecordsErrTimeout(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestRuntime(t)

	opts := graph.Options{Timeout: 10 * time.Millisecond}
	f := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"sleep 5"},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
		Extra:   graph.EncodeOptions(opts),
	}
	opHash, outputs, err := s.PutOperation(ctx, f, nil)
	require.NoError(t, err)

	require.NoError(t, rt.Execute(ctx, opHash))

	rec, err := s.ArtifactError(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.ErrTimeout, rec.Kind)
}

func TestExecuteUnknownFunsieKindErrors(t *testing.T) {
	ctx := context.Background()
	rt, s := newTestRuntime(t)

	f := graph.Funsie{Kind: graph.Kind(99)}
	opHash, _, err := s.PutOperation(ctx, f, nil)
	require.NoError(t, err)

	err = rt.Execute(ctx, opHash)
	assert.Error(t, err)
}
