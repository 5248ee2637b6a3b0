package engine_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sofs21/sofs21/engine"
)

func TestOpenInodeUseCount(t *testing.T) {
	v := formatAndOpen(t, 256, 32)

	h1, err := v.OpenInode(0)
	require.NoError(t, err)
	h2, err := v.OpenInode(0)
	require.NoError(t, err)
	require.Equal(t, h1, h2) // same inode, same handle, use-count bumped

	require.NoError(t, v.CloseInode(h2))
	require.NoError(t, v.CheckInodeHandle(h1)) // still open, one reference remains

	require.NoError(t, v.CloseInode(h1))
	require.Error(t, v.CheckInodeHandle(h1)) // fully released
}

func TestOpenInodeOutOfRange(t *testing.T) {
	v := formatAndOpen(t, 256, 16)

	sb, err := v.Superblock()
	require.NoError(t, err)

	_, err = v.OpenInode(uint16(sb.Itotal))
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.EINVAL))
}

func TestCloseInodeIdempotent(t *testing.T) {
	v := formatAndOpen(t, 256, 16)

	h, err := v.OpenInode(0)
	require.NoError(t, err)
	require.NoError(t, v.CloseInode(h))
	require.NoError(t, v.CloseInode(h)) // second close on a released handle is a no-op
}

// TestSuperblockPersistsAcrossReopen exercises the lazy-load / flush-on-
// close lifecycle: a change made before CloseDisk is visible after
// reopening the same device.
func TestSuperblockPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	dev, err := engine.CreateFileDevice(path, 256)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dev.Close()) })

	identity := engine.FixedIdentity{Uid: 1000, Gid: 1000}
	_, err = engine.Format(dev, 16, "testvol", false, identity)
	require.NoError(t, err)

	v := engine.OpenDisk(dev, identity)
	bn, err := v.AllocDataBlock()
	require.NoError(t, err)
	require.NoError(t, v.CloseDisk())

	v2 := engine.OpenDisk(dev, identity)
	t.Cleanup(func() { require.NoError(t, v2.CloseDisk()) })

	bn2, err := v2.AllocDataBlock()
	require.NoError(t, err)
	require.NotEqual(t, bn, bn2) // bn was already handed out before the reopen
}
