package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sofs21/sofs21/engine"
)

func TestAllocInode(t *testing.T) {
	v := formatAndOpen(t, 256, 32)

	in, err := v.AllocInode()
	require.NoError(t, err)
	require.NotEqual(t, engine.NullInode, in)
	require.NotEqual(t, uint16(0), in) // inode 0 is the root, already taken

	in2, err := v.AllocInode()
	require.NoError(t, err)
	require.NotEqual(t, in, in2)
}

func TestAllocInodeExhaustion(t *testing.T) {
	v := formatAndOpen(t, 256, 16) // itotal rounds to IPB=16, so 15 free after root

	seen := map[uint16]bool{}
	for i := 0; i < 15; i++ {
		in, err := v.AllocInode()
		require.NoError(t, err)
		require.NotEqual(t, engine.NullInode, in)
		require.False(t, seen[in])
		seen[in] = true
	}

	in, err := v.AllocInode()
	require.NoError(t, err)
	require.Equal(t, engine.NullInode, in)
}

func TestHideAndReclaimInode(t *testing.T) {
	v := formatAndOpen(t, 256, 32)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)

	require.NoError(t, v.RemoveInode(in))

	reclaimed, err := v.UnqueueHiddenInode()
	require.NoError(t, err)
	require.Equal(t, in, reclaimed)

	// the queue is now empty
	next, err := v.UnqueueHiddenInode()
	require.NoError(t, err)
	require.Equal(t, engine.NullInode, next)

	require.NoError(t, v.FreeInode(reclaimed))
}

func TestHideInodeRefusesWhenOpen(t *testing.T) {
	v := formatAndOpen(t, 256, 32)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)

	h, err := v.OpenInode(in)
	require.NoError(t, err)
	defer v.CloseInode(h)

	_, err = v.HideInode(in)
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.EINVAL))
}

func TestHideInodeFIFOFull(t *testing.T) {
	v := formatAndOpen(t, 512, 64)

	var ins []uint16
	for i := 0; i < engine.DeletedQSize; i++ {
		in, err := v.NewInode(engine.ModeRegular, 0o644)
		require.NoError(t, err)
		ins = append(ins, in)
		ok, err := v.HideInode(in)
		require.NoError(t, err)
		require.True(t, ok)
	}

	extra, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)

	ok, err := v.HideInode(extra)
	require.NoError(t, err)
	require.False(t, ok) // FIFO already holds DeletedQSize entries
}
