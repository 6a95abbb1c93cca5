package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestPutConstArtifactIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h1, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("hello"))
	require.NoError(t, err)
	h2, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	status, err := s.ArtifactStatus(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, graph.Ready, status)

	data, err := s.ArtifactBytes(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestPutOperationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	f := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"cat in > out"},
		Inputs:  []graph.Slot{{Name: "in", Encoding: graph.RawBytes, Strict: true}},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	inHash, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("payload"))
	require.NoError(t, err)

	op1, outputs1, err := s.PutOperation(ctx, f, map[string]graph.Hash{"in": inHash})
	require.NoError(t, err)
	op2, outputs2, err := s.PutOperation(ctx, f, map[string]graph.Hash{"in": inHash})
	require.NoError(t, err)

	assert.Equal(t, op1, op2)
	assert.Equal(t, outputs1, outputs2)

	status, err := s.ArtifactStatus(ctx, outputs1["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.Unresolved, status)
}

func TestCompleteOperationWritesOutputsAndWakesDependents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	produce := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"true"},
		Outputs: []graph.Slot{{Name: "value", Encoding: graph.RawBytes}},
	}
	opHash, outputs, err := s.PutOperation(ctx, produce, nil)
	require.NoError(t, err)

	consume := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"true"},
		Inputs:  []graph.Slot{{Name: "value", Encoding: graph.RawBytes, Strict: true}},
		Outputs: []graph.Slot{{Name: "doubled", Encoding: graph.RawBytes}},
	}
	consumeOp, _, err := s.PutOperation(ctx, consume, map[string]graph.Hash{"value": outputs["value"]})
	require.NoError(t, err)

	require.NoError(t, s.CompleteOperation(ctx, opHash, map[string]store.OutputResult{
		"value": {Encoding: graph.RawBytes, Bytes: []byte("42")},
	}))

	status, err := s.ArtifactStatus(ctx, outputs["value"])
	require.NoError(t, err)
	assert.Equal(t, graph.Ready, status)

	opStatus, err := s.OperationStatus(ctx, opHash)
	require.NoError(t, err)
	assert.Equal(t, graph.OpDone, opStatus)

	consumeStatus, err := s.OperationStatus(ctx, consumeOp)
	require.NoError(t, err)
	assert.Equal(t, graph.OpPending, consumeStatus)

	claimed, ok, err := s.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok, "wakeDependents should have enqueued the now-ready consumer")
	assert.Equal(t, consumeOp, claimed)
}

func TestCompleteOperationRecordsErrorArtifact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	f := graph.Funsie{Kind: graph.Shell, Command: []string{"false"}, Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}}}
	opHash, outputs, err := s.PutOperation(ctx, f, nil)
	require.NoError(t, err)

	rec := &graph.ErrorRecord{Kind: graph.ErrNonzeroExit, Origin: opHash, Message: "boom"}
	require.NoError(t, s.CompleteOperation(ctx, opHash, map[string]store.OutputResult{
		"out": {Err: rec},
	}))

	status, err := s.ArtifactStatus(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.Error, status)

	got, err := s.ArtifactError(ctx, outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Origin, got.Origin)

	opStatus, err := s.OperationStatus(ctx, opHash)
	require.NoError(t, err)
	assert.Equal(t, graph.OpError, opStatus)
}

func TestContentDedupLinksSecondProducer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mint := func(nonce string) graph.Hash {
		f := graph.Funsie{Kind: graph.Shell, Command: []string{"true"}, Extra: []byte(nonce), Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}}}
		opHash, outputs, err := s.PutOperation(ctx, f, nil)
		require.NoError(t, err)
		require.NoError(t, s.CompleteOperation(ctx, opHash, map[string]store.OutputResult{
			"out": {Encoding: graph.RawBytes, Bytes: []byte("same content")},
		}))
		return outputs["out"]
	}

	first := mint("a")
	second := mint("b")
	assert.NotEqual(t, first, second, "two different funsies mint distinct causal-hash artifacts")

	firstStatus, err := s.ArtifactStatus(ctx, first)
	require.NoError(t, err)
	secondStatus, err := s.ArtifactStatus(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, graph.Ready, firstStatus)
	assert.Equal(t, graph.Linked, secondStatus, "second writer of identical bytes should be deduped via Linked")

	resolvedFirst, _, err := s.ResolveArtifact(ctx, first)
	require.NoError(t, err)
	resolvedSecond, _, err := s.ResolveArtifact(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, resolvedFirst, resolvedSecond)

	data, err := s.ArtifactBytes(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []byte("same content"), data)
}

func TestAttachSubdagCyclePrevention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	parentFunsie := graph.Funsie{Kind: graph.Subdag, CallableName: "gen", Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}}}
	parentOp, parentOutputs, err := s.PutOperation(ctx, parentFunsie, nil)
	require.NoError(t, err)

	cyclic := store.GeneratedGraph{
		Operations: []store.GeneratedOperation{
			{
				Funsie: graph.Funsie{Kind: graph.Shell, Command: []string{"true"}, Inputs: []graph.Slot{{Name: "self", Encoding: graph.RawBytes, Strict: true}}, Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}}},
				Inputs: map[string]graph.Hash{"self": parentOutputs["out"]},
			},
		},
		OutputBindings: map[string]store.GeneratedRef{"out": {OperationIndex: 0, Slot: "out"}},
	}
	err = s.AttachSubdag(ctx, parentOp, cyclic)
	assert.ErrorIs(t, err, graph.ErrCyclicInput, "a generated operation whose input traces back to the parent must be rejected")
}

func TestAttachSubdagLinksParentOutputs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	parentFunsie := graph.Funsie{Kind: graph.Subdag, CallableName: "gen", Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}}}
	parentOp, parentOutputs, err := s.PutOperation(ctx, parentFunsie, nil)
	require.NoError(t, err)

	genGraph := store.GeneratedGraph{
		Operations: []store.GeneratedOperation{
			{Funsie: graph.Funsie{Kind: graph.Shell, Command: []string{"true"}, Outputs: []graph.Slot{{Name: "generated_out", Encoding: graph.RawBytes}}}},
		},
		OutputBindings: map[string]store.GeneratedRef{"out": {OperationIndex: 0, Slot: "generated_out"}},
	}
	require.NoError(t, s.AttachSubdag(ctx, parentOp, genGraph))

	status, err := s.ArtifactStatus(ctx, parentOutputs["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.Linked, status)
}

func TestWakeDependentsFollowsLinkedSubdagOutputBeforeEnqueuing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	parentFunsie := graph.Funsie{Kind: graph.Subdag, CallableName: "gen", Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}}}
	parentOp, parentOutputs, err := s.PutOperation(ctx, parentFunsie, nil)
	require.NoError(t, err)

	consumer := graph.Funsie{
		Kind:    graph.Shell,
		Command: []string{"true"},
		Inputs:  []graph.Slot{{Name: "in", Encoding: graph.RawBytes, Strict: true}},
		Outputs: []graph.Slot{{Name: "out", Encoding: graph.RawBytes}},
	}
	consumerOp, _, err := s.PutOperation(ctx, consumer, map[string]graph.Hash{"in": parentOutputs["out"]})
	require.NoError(t, err)

	genGraph := store.GeneratedGraph{
		Operations: []store.GeneratedOperation{
			{Funsie: graph.Funsie{Kind: graph.Shell, Command: []string{"true"}, Outputs: []graph.Slot{{Name: "generated_out", Encoding: graph.RawBytes}}}},
		},
		OutputBindings: map[string]store.GeneratedRef{"out": {OperationIndex: 0, Slot: "generated_out"}},
	}
	require.NoError(t, s.AttachSubdag(ctx, parentOp, genGraph))

	// Mirrors what runtime.runSubdag does: the subdag op itself commits
	// with its declared output already redirected by AttachSubdag.
	require.NoError(t, s.CompleteOperation(ctx, parentOp, map[string]store.OutputResult{
		"out": {AlreadyLinked: true},
	}))

	status, err := s.ArtifactStatus(ctx, parentOutputs["out"])
	require.NoError(t, err)
	assert.Equal(t, graph.Linked, status)

	consumerStatus, err := s.OperationStatus(ctx, consumerOp)
	require.NoError(t, err)
	assert.Equal(t, graph.OpPending, consumerStatus, "consumer must not be marked ready while the linked generated output is still Unresolved")

	genOps, _, err := s.SubdagLinks(ctx, parentOp)
	require.NoError(t, err)
	require.Len(t, genOps, 1)

	// AttachSubdag enqueued the input-less generated operation; the
	// consumer must not be on the queue beside it.
	claimedGen, ok, err := s.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, genOps[0], claimedGen)
	_, ok, err = s.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "wakeDependents must resolve the Linked redirect before judging readiness")

	require.NoError(t, s.CompleteOperation(ctx, genOps[0], map[string]store.OutputResult{
		"generated_out": {Encoding: graph.RawBytes, Bytes: []byte("child result")},
	}))

	claimed, ok, err := s.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok, "completing the generated operation should wake the consumer via its own wakeDependents pass")
	assert.Equal(t, consumerOp, claimed)
}

func TestClaimHeartbeatReclaimStale(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	f := graph.Funsie{Kind: graph.Shell, Command: []string{"true"}}
	opHash, _, err := s.PutOperation(ctx, f, nil)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, opHash))

	claimed, ok, err := s.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, opHash, claimed)

	_, ok, err = s.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "queue should be empty after the only pending op is claimed")

	reclaimed, err := s.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, reclaimed, opHash)

	opStatus, err := s.OperationStatus(ctx, opHash)
	require.NoError(t, err)
	assert.Equal(t, graph.OpPending, opStatus)
}

func TestResolvePrefixTooShortAndUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h, err := s.PutConstArtifact(ctx, graph.RawBytes, []byte("prefix-target"))
	require.NoError(t, err)

	_, err = s.ResolvePrefix(ctx, "ab")
	assert.Error(t, err, "a prefix shorter than 4 hex chars must be rejected")

	resolved, err := s.ResolvePrefix(ctx, h.String()[:8])
	require.NoError(t, err)
	assert.Equal(t, h, resolved)
}
