package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sofs21/sofs21/engine"
)

// TestAllocDataBlockAscendingFromBitmap exercises the concrete scenario
// "alloc_data_block() REF_CACHE_SIZE+1 times on a fresh volume returns
// REF_CACHE_SIZE+1 distinct block numbers, in ascending order from the low
// end of the bitmap, skipping block 0 (reserved for root)".
func TestAllocDataBlockAscendingFromBitmap(t *testing.T) {
	v := formatAndOpen(t, 512, 32)

	const n = engine.RefCacheSize + 1
	var got []uint32
	for i := 0; i < n; i++ {
		bn, err := v.AllocDataBlock()
		require.NoError(t, err)
		require.NotEqual(t, engine.NullBlock, bn)
		got = append(got, bn)
	}

	require.NotContains(t, got, uint32(0))
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}

// TestFreeThenAllocEventuallyReturnsSameBlock exercises the round-trip law:
// free_data_block(bn) followed by enough alloc_data_block cycles must
// eventually return bn.
func TestFreeThenAllocEventuallyReturnsSameBlock(t *testing.T) {
	v := formatAndOpen(t, 512, 32)

	bn, err := v.AllocDataBlock()
	require.NoError(t, err)
	require.NoError(t, v.FreeDataBlock(bn))

	sb, err := v.Superblock()
	require.NoError(t, err)
	budget := sb.Dbtotal + 1

	found := false
	for i := uint32(0); i < budget; i++ {
		got, err := v.AllocDataBlock()
		require.NoError(t, err)
		if got == bn {
			found = true
			break
		}
	}
	require.True(t, found, "freed block %d never returned by alloc_data_block", bn)
}

func TestFreeDataBlockOutOfRange(t *testing.T) {
	v := formatAndOpen(t, 256, 32)

	sb, err := v.Superblock()
	require.NoError(t, err)

	err = v.FreeDataBlock(sb.Dbtotal)
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.EINVAL))
}

// TestDbfreeInvariant exercises "dbfree == popcount(bitmap) +
// (REF_CACHE_SIZE - retrieval.idx) + insertion.idx" after a mixed sequence
// of allocations and frees.
func TestDbfreeInvariant(t *testing.T) {
	v := formatAndOpen(t, 1024, 32)

	var allocated []uint32
	for i := 0; i < 40; i++ {
		bn, err := v.AllocDataBlock()
		require.NoError(t, err)
		allocated = append(allocated, bn)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, v.FreeDataBlock(allocated[i]))
	}

	sb, err := v.Superblock()
	require.NoError(t, err)

	popcount := func(words []uint32) uint32 {
		var n uint32
		for _, w := range words {
			for w != 0 {
				n += w & 1
				w >>= 1
			}
		}
		return n
	}

	var bitmapBits uint32
	for bi := uint32(0); bi < sb.RbmSize; bi++ {
		words, err := v.GetBitmapBlockPointer(bi)
		require.NoError(t, err)
		bitmapBits += popcount(words[:])
	}

	expected := bitmapBits + (engine.RefCacheSize - sb.RetrievalIdx) + sb.InsertionIdx
	require.Equal(t, expected, sb.Dbfree)
}
