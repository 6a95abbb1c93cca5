package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspuru-guzik-group/funsies/internal/executor"
	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/store"
	"github.com/aspuru-guzik-group/funsies/internal/store/memstore"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(context.Background(), memstore.New())
	require.NoError(t, err)
	return s
}

// buildChain builds a const root input -> middle -> leaf, the last two
// each a Shell op with one input/output slot, and returns the three artifact hashes in
// dependency order: root input artifact, middle output, leaf output.
func buildChain(t *testing.T, s *store.Store) (rootInput, middleOut, leafOut graph.Hash) {
	t.Helper()
	ctx := context.Background()

	rootInput, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("seed"))
	require.NoError(t, err)

	middleFunsie := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"cp in out"},
		Inputs:  []graph.Slot{{Name: "in", Encoding: graph.RawBytes, Strict: true}},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	_, middleOutputs, err := s.PutOperation(ctx, middleFunsie, map[string]graph.Hash{"in": rootInput})
	require.NoError(t, err)
	middleOut = middleOutputs["out"]

	leafFunsie := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"cp in out"},
		Inputs:  []graph.Slot{{Name: "in", Encoding: graph.RawBytes, Strict: true}},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	_, leafOutputs, err := s.PutOperation(ctx, leafFunsie, map[string]graph.Hash{"in": middleOut})
	require.NoError(t, err)
	leafOut = leafOutputs["out"]

	return rootInput, middleOut, leafOut
}

func TestSubmitDiscoversMultiLevelChainAndEnqueuesOnlyTheReadyOp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, leafOut := buildChain(t, s)

	exec := executor.New(s, nil)
	require.NoError(t, exec.Submit(ctx, []graph.Hash{leafOut}))

	// Only the middle op (whose single input, rootInput, is already
	// Ready) should have been enqueued; the leaf op depends on the
	// still-Unresolved middle output and must not be ready yet.
	claimed, ok, err := s.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok, "the reverse-BFS should have discovered and enqueued the middle operation")

	_, more, err := s.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, more, "the leaf operation must not be enqueued before its input resolves")

	_ = claimed
}

func TestSubmitSkipsAlreadyTerminalTargets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("already-ready"))
	require.NoError(t, err)

	exec := executor.New(s, nil)
	require.NoError(t, exec.Submit(ctx, []graph.Hash{h}))

	_, ok, err := s.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a target that's already terminal has no producer to enqueue")
}

func TestWaitForUnblocksOnCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s := newTestStore(t)

	f := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"true"},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, f, nil)
	require.NoError(t, err)

	exec := executor.New(s, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		claimed, ok, err := s.Claim(ctx)
		if err != nil || !ok {
			return
		}
		_ = claimed
		_ = s.CompleteOperation(ctx, opHash, map[string]store.OutputResult{
			"out": {Encoding: graph.RawBytes, Bytes: []byte("done")},
		})
	}()

	err = exec.WaitFor(ctx, []graph.Hash{outputs["out"]})
	require.NoError(t, err)
	wg.Wait()

	status, err := s.ArtifactStatus(context.Background(), outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.Ready, status)
}

func TestConcurrentIdenticalSubmitsCollapseViaSingleflight(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, leafOut := buildChain(t, s)

	exec := executor.New(s, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = exec.Submit(ctx, []graph.Hash{leafOut})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	// Regardless of how many callers raced in, only one operation
	// (the ready middle op) should have landed on the queue.
	count := 0
	for {
		_, ok, err := s.Claim(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 1, count)
}
