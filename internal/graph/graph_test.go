package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFunsieIdentityDeterministic(t *testing.T) {
	f := Funsie{
		Kind:    Shell,
		Command: []string{"echo hi"},
		Inputs:  []Slot{{Name: "in", Encoding: RawBytes, Strict: true}},
		Outputs: []Slot{{Name: "out", Encoding: RawBytes}},
	}
	assert.Equal(t, f.Identity(), f.Identity())
}

func TestFunsieIdentityChangesWithExtra(t *testing.T) {
	base := Funsie{Kind: Shell, Command: []string{"echo hi"}}
	bumped := base
	bumped.Extra = []byte("nonce")
	assert.NotEqual(t, base.Identity(), bumped.Identity())
}

func TestFunsieIdentityDependsOnInputSlotOrder(t *testing.T) {
	f1 := Funsie{Inputs: []Slot{{Name: "a"}, {Name: "b"}}}
	f2 := Funsie{Inputs: []Slot{{Name: "b"}, {Name: "a"}}}
	assert.NotEqual(t, f1.Identity(), f2.Identity(), "input slot order is significant, unlike map ordering")
}

func TestOptionsRoundTrip(t *testing.T) {
	o := Options{Timeout: 30 * time.Second}
	got := DecodeOptions(EncodeOptions(o))
	assert.Equal(t, o, got)
}

func TestDecodeOptionsZeroValueForForeignExtra(t *testing.T) {
	got := DecodeOptions([]byte("not-an-options-blob"))
	assert.Equal(t, Options{}, got)
}

func TestConstArtifactIdentitySameBytesSameHash(t *testing.T) {
	a := ConstArtifactIdentity(RawBytes, []byte("hello"))
	b := ConstArtifactIdentity(RawBytes, []byte("hello"))
	assert.Equal(t, a, b)
}

func TestConstArtifactIdentityDifferentEncodingDifferentHash(t *testing.T) {
	a := ConstArtifactIdentity(RawBytes, []byte("hello"))
	b := ConstArtifactIdentity(StructuredValue, []byte("hello"))
	assert.NotEqual(t, a, b)
}

func TestOperationIdentitySameInputsSameHash(t *testing.T) {
	funsie := Funsie{Kind: Shell, Command: []string{"echo hi"}}.Identity()
	inputs := map[string]Hash{"x": ConstArtifactIdentity(RawBytes, []byte("1"))}
	assert.Equal(t, OperationIdentity(funsie, inputs), OperationIdentity(funsie, inputs))
}

func TestOperationIdentityDifferentInputsDifferentHash(t *testing.T) {
	funsie := Funsie{Kind: Shell, Command: []string{"echo hi"}}.Identity()
	inputs1 := map[string]Hash{"x": ConstArtifactIdentity(RawBytes, []byte("1"))}
	inputs2 := map[string]Hash{"x": ConstArtifactIdentity(RawBytes, []byte("2"))}
	assert.NotEqual(t, OperationIdentity(funsie, inputs1), OperationIdentity(funsie, inputs2))
}

func TestErrorKindStringCoversAllKinds(t *testing.T) {
	kinds := []ErrorKind{
		ErrMissingOutput, ErrNonzeroExit, ErrTimeout, ErrCallableRaised,
		ErrDecodeError, ErrUpstream, ErrHashCollision, ErrStoreFailure, ErrSubdagArity,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		assert.NotEqual(t, "", s)
		assert.False(t, seen[s], "duplicate ErrorKind string %q", s)
		seen[s] = true
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, Unresolved.Terminal())
	assert.True(t, Ready.Terminal())
	assert.True(t, Error.Terminal())
	assert.True(t, Linked.Terminal())
}

func TestOpStatusTerminal(t *testing.T) {
	assert.False(t, OpPending.Terminal())
	assert.False(t, OpRunning.Terminal())
	assert.True(t, OpDone.Terminal())
	assert.True(t, OpError.Terminal())
}
