package engine_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sofs21/sofs21/engine"
)

func TestAllocInodeBlockDirectAndIndirect(t *testing.T) {
	v := formatAndOpen(t, 3000, 32)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	h, err := v.OpenInode(in)
	require.NoError(t, err)
	defer v.CloseInode(h)

	bn, err := v.AllocInodeBlock(h, 0)
	require.NoError(t, err)
	require.NotEqual(t, engine.NullBlock, bn)

	_, err = v.AllocInodeBlock(h, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.ESTALE))

	// NDirect is the boundary into the single-indirect range.
	ibn := uint32(engine.NDirect)
	bn, err = v.AllocInodeBlock(h, ibn)
	require.NoError(t, err)
	require.NotEqual(t, engine.NullBlock, bn)

	got, err := v.GetInodeBlock(h, ibn)
	require.NoError(t, err)
	require.Equal(t, bn, got)
}

// TestDoubleIndirectSpan writes enough blocks to engage the double-indirect
// range and then frees from ibn=0, checking the inode's references are all
// cleared. The threshold is derived from this implementation's RPB rather
// than the illustrative literal in the written design (which assumed a
// much smaller RPB).
func TestDoubleIndirectSpan(t *testing.T) {
	v := formatAndOpen(t, 3000, 32)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	h, err := v.OpenInode(in)
	require.NoError(t, err)
	defer v.CloseInode(h)

	lastDirect := uint32(engine.NDirect + engine.RPB) // first double-indirect position
	block := make([]byte, engine.BlockSize)
	for ibn := uint32(0); ibn <= lastDirect; ibn++ {
		require.NoError(t, v.WriteInodeBlock(h, ibn, block))
	}

	rec, err := v.GetInodePointer(h)
	require.NoError(t, err)
	require.NotEqual(t, engine.NullBlock, rec.I1)
	require.NotEqual(t, engine.NullBlock, rec.I2)

	require.NoError(t, v.FreeInodeBlocks(h, 0))

	rec, err = v.GetInodePointer(h)
	require.NoError(t, err)
	for _, d := range rec.D {
		require.Equal(t, engine.NullBlock, d)
	}
	require.Equal(t, engine.NullBlock, rec.I1)
	require.Equal(t, engine.NullBlock, rec.I2)
}

// TestFreeInodeBlocksBoundary exercises "free_inode_blocks(h, N_DIRECT +
// RPB) leaves d[] and the indirect subtree intact iff that subtree exists;
// releases the double-indirect subtree only."
func TestFreeInodeBlocksBoundary(t *testing.T) {
	v := formatAndOpen(t, 3000, 32)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	h, err := v.OpenInode(in)
	require.NoError(t, err)
	defer v.CloseInode(h)

	block := make([]byte, engine.BlockSize)
	boundary := uint32(engine.NDirect + engine.RPB)
	for ibn := uint32(0); ibn <= boundary; ibn++ {
		require.NoError(t, v.WriteInodeBlock(h, ibn, block))
	}

	require.NoError(t, v.FreeInodeBlocks(h, boundary))

	rec, err := v.GetInodePointer(h)
	require.NoError(t, err)
	for _, d := range rec.D {
		require.NotEqual(t, engine.NullBlock, d)
	}
	require.NotEqual(t, engine.NullBlock, rec.I1)
	require.Equal(t, engine.NullBlock, rec.I2)
}

func TestReadInodeBlockZeroFillsUnallocated(t *testing.T) {
	v := formatAndOpen(t, 256, 32)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	h, err := v.OpenInode(in)
	require.NoError(t, err)
	defer v.CloseInode(h)

	buf := make([]byte, engine.BlockSize)
	require.NoError(t, v.ReadInodeBlock(h, 3, buf))
	require.True(t, bytes.Equal(buf, make([]byte, engine.BlockSize)))

	bn, err := v.GetInodeBlock(h, 3)
	require.NoError(t, err)
	require.Equal(t, engine.NullBlock, bn) // reading never allocates
}
