package engine_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sofs21/sofs21/engine"
)

func rootHandle(t *testing.T, v *engine.Volume) engine.InodeHandle {
	t.Helper()
	h, err := v.OpenInode(0)
	require.NoError(t, err)
	t.Cleanup(func() { v.CloseInode(h) })
	return h
}

// TestAddGetDeleteDirEntry exercises the concrete scenario: add a regular
// file entry, look it up, then delete it and confirm it is gone.
func TestAddGetDeleteDirEntry(t *testing.T) {
	v := formatAndOpen(t, 256, 32)
	root := rootHandle(t, v)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)

	require.NoError(t, v.AddDirEntry(root, "f", in))

	got, err := v.GetDirEntry(root, "f")
	require.NoError(t, err)
	require.Equal(t, in, got)

	deleted, err := v.DeleteDirEntry(root, "f")
	require.NoError(t, err)
	require.Equal(t, in, deleted)

	got, err = v.GetDirEntry(root, "f")
	require.NoError(t, err)
	require.Equal(t, engine.NullInode, got)
}

func TestAddDirEntryRejectsDuplicate(t *testing.T) {
	v := formatAndOpen(t, 256, 32)
	root := rootHandle(t, v)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	require.NoError(t, v.AddDirEntry(root, "dup", in))

	in2, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	err = v.AddDirEntry(root, "dup", in2)
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.EEXIST))
}

func TestDeleteDirEntryMissing(t *testing.T) {
	v := formatAndOpen(t, 256, 32)
	root := rootHandle(t, v)

	_, err := v.DeleteDirEntry(root, "ghost")
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.ENOENT))
}

// TestTwoSlotNameBoundary exercises "two-slot entry name at exactly L+1
// bytes occupies 2 slots; at exactly L bytes, 1 slot" by round-tripping
// names at both lengths through add/get.
func TestTwoSlotNameBoundary(t *testing.T) {
	v := formatAndOpen(t, 256, 32)
	root := rootHandle(t, v)

	short := strings.Repeat("a", engine.SlotNameLen)
	long := strings.Repeat("b", engine.SlotNameLen+1)

	inShort, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	require.NoError(t, v.AddDirEntry(root, short, inShort))

	inLong, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	require.NoError(t, v.AddDirEntry(root, long, inLong))

	got, err := v.GetDirEntry(root, short)
	require.NoError(t, err)
	require.Equal(t, inShort, got)

	got, err = v.GetDirEntry(root, long)
	require.NoError(t, err)
	require.Equal(t, inLong, got)
}

// TestRenameRelocatesOnCollision exercises the concrete scenario: renaming
// a short name to a long one whose following slot is occupied must relocate
// to the first fitting hole, preserving the inode number.
func TestRenameRelocatesOnCollision(t *testing.T) {
	v := formatAndOpen(t, 256, 32)
	root := rootHandle(t, v)

	target, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	require.NoError(t, v.AddDirEntry(root, "short", target))

	blocker, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	require.NoError(t, v.AddDirEntry(root, "blocker", blocker))

	longName := strings.Repeat("m", engine.SlotNameLen+1) // needs two slots
	require.NoError(t, v.RenameDirEntry(root, "short", longName))

	got, err := v.GetDirEntry(root, longName)
	require.NoError(t, err)
	require.Equal(t, target, got)

	gone, err := v.GetDirEntry(root, "short")
	require.NoError(t, err)
	require.Equal(t, engine.NullInode, gone)
}

func TestRenameToSelfIsNoop(t *testing.T) {
	v := formatAndOpen(t, 256, 32)
	root := rootHandle(t, v)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	require.NoError(t, v.AddDirEntry(root, "same", in))

	require.NoError(t, v.RenameDirEntry(root, "same", "same"))

	got, err := v.GetDirEntry(root, "same")
	require.NoError(t, err)
	require.Equal(t, in, got)
}

func TestCheckDirEmpty(t *testing.T) {
	v := formatAndOpen(t, 256, 32)
	root := rootHandle(t, v)

	empty, err := v.CheckDirEmpty(root)
	require.NoError(t, err)
	require.True(t, empty)

	in, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)
	require.NoError(t, v.AddDirEntry(root, "f", in))

	empty, err = v.CheckDirEmpty(root)
	require.NoError(t, err)
	require.False(t, empty)
}

func TestTraversePath(t *testing.T) {
	v := formatAndOpen(t, 256, 32)
	root := rootHandle(t, v)

	dirIn, err := v.NewInode(engine.ModeDir, 0o755)
	require.NoError(t, err)
	require.NoError(t, v.AddDirEntry(root, "sub", dirIn))

	fileIn, err := v.NewInode(engine.ModeRegular, 0o644)
	require.NoError(t, err)

	subH, err := v.OpenInode(dirIn)
	require.NoError(t, err)
	require.NoError(t, v.AddDirEntry(subH, "leaf", fileIn))
	require.NoError(t, v.CloseInode(subH))

	got, err := v.TraversePath("/sub/leaf")
	require.NoError(t, err)
	require.Equal(t, fileIn, got)

	rootAgain, err := v.TraversePath("/")
	require.NoError(t, err)
	require.Equal(t, uint16(0), rootAgain)

	_, err = v.TraversePath("/nope/leaf")
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.ENOENT))

	_, err = v.TraversePath("not-absolute")
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.EINVAL))
}
