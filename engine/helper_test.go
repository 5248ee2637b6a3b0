package engine_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sofs21/sofs21/engine"
)

// formatAndOpen formats a fresh file-backed device of ntotal blocks with
// itotal inodes and returns it already open, cleaned up at test end.
func formatAndOpen(t *testing.T, ntotal, itotal uint32) *engine.Volume {
	t.Helper()

	path := filepath.Join(t.TempDir(), "volume.img")
	dev, err := engine.CreateFileDevice(path, ntotal)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dev.Close()) })

	identity := engine.FixedIdentity{Uid: 1000, Gid: 1000}
	_, err = engine.Format(dev, itotal, "testvol", false, identity)
	require.NoError(t, err)

	v := engine.OpenDisk(dev, identity)
	t.Cleanup(func() { require.NoError(t, v.CloseDisk()) })
	return v
}
