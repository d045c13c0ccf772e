package daqkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyLayoutOffsets(t *testing.T) {
	layout, err := NewKeyLayout([]KeyField{
		{Size: 4},
		{Size: 8, Primary: true},
		{Size: 4},
	})
	require.NoError(t, err)
	require.Equal(t, 16, layout.Size())
	require.Equal(t, 4, layout.PrimaryOffset())
	require.Equal(t, 8, layout.PrimarySize())
}

func TestKeyLayoutRejectsBadFieldSets(t *testing.T) {
	_, err := NewKeyLayout(nil)
	require.Error(t, err)

	_, err = NewKeyLayout([]KeyField{{Size: 8}})
	require.Error(t, err, "no primary field")

	_, err = NewKeyLayout([]KeyField{{Size: 8, Primary: true}, {Size: 4, Primary: true}})
	require.Error(t, err, "two primary fields")

	_, err = NewKeyLayout([]KeyField{{Size: 0, Primary: true}})
	require.Error(t, err, "zero-size field")
}

func TestZeroKeyWithPrimary(t *testing.T) {
	layout, err := NewKeyLayout([]KeyField{
		{Size: 4},
		{Size: 4, Primary: true},
	})
	require.NoError(t, err)

	k, err := ZeroKeyWithPrimary(layout, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0xAA, 0xBB, 0xCC, 0xDD}, k.Bytes())
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, k.Primary())

	_, err = ZeroKeyWithPrimary(layout, []byte{1})
	require.Error(t, err)
}

func TestKeyOwnershipRelease(t *testing.T) {
	layout, err := NewKeyLayout([]KeyField{{Size: 2, Primary: true}})
	require.NoError(t, err)

	released := false
	ek := newEngineKey(layout, []byte{1, 2}, func([]byte) { released = true })
	require.Equal(t, EngineOwned, ek.Owner())
	ek.Free()
	require.True(t, released)

	ck, err := NewCallerKey(layout, []byte{3, 4})
	require.NoError(t, err)
	require.Equal(t, CallerOwned, ck.Owner())
	ck.Free() // no-op
}
