package engine

import "github.com/sirupsen/logrus"

// AllocDataBlock hands out one free data-block number: refilling the
// retrieval cache from the bitmap and then from the insertion cache as
// needed, failing with ENOSPC only once both sources are exhausted.
func (v *Volume) AllocDataBlock() (uint32, error) {
	v.log.Enter(nil)

	sb, err := v.Superblock()
	if err != nil {
		return NullBlock, err
	}

	if sb.RetrievalIdx == RefCacheSize {
		if err := v.replenishFromBitmap(); err != nil {
			return NullBlock, err
		}
	}
	if sb.RetrievalIdx == RefCacheSize {
		if err := v.replenishFromCache(); err != nil {
			return NullBlock, err
		}
	}
	if sb.RetrievalIdx == RefCacheSize {
		err := wrap(ENOSPC, "alloc_data_block: no free data blocks")
		v.log.Fail(err, nil)
		return NullBlock, err
	}

	idx := sb.RetrievalIdx
	bn := sb.RetrievalRef[idx]
	sb.RetrievalRef[idx] = NullBlock
	sb.RetrievalIdx++
	sb.Dbfree--
	v.markSuperblockDirty()
	if err := v.SaveSuperblock(); err != nil {
		return NullBlock, err
	}
	return bn, nil
}

// FreeDataBlock returns bn to the insertion cache, depleting it into the
// bitmap first if it is already full.
func (v *Volume) FreeDataBlock(bn uint32) error {
	v.log.Enter(logrus.Fields{"block": bn})

	sb, err := v.Superblock()
	if err != nil {
		return err
	}
	if bn >= sb.Dbtotal {
		return wrap(EINVAL, "free_data_block: %d out of range (dbtotal=%d)", bn, sb.Dbtotal)
	}

	if sb.InsertionIdx == RefCacheSize {
		if err := v.deplete(); err != nil {
			return err
		}
	}

	sb.InsertionRef[sb.InsertionIdx] = bn
	sb.InsertionIdx++
	sb.Dbfree++
	v.markSuperblockDirty()
	return v.SaveSuperblock()
}

// replenishFromCache moves every valid insertion-cache entry to the
// retrieval cache's tail, leaving the insertion cache empty. No-op if the
// retrieval cache is not empty or the insertion cache has nothing to give.
func (v *Volume) replenishFromCache() error {
	sb, err := v.Superblock()
	if err != nil {
		return err
	}
	if sb.RetrievalIdx != RefCacheSize {
		return nil
	}
	count := sb.InsertionIdx
	if count == 0 {
		return nil
	}

	newIdx := RefCacheSize - count
	for i := uint32(0); i < count; i++ {
		sb.RetrievalRef[newIdx+i] = sb.InsertionRef[i]
		sb.InsertionRef[i] = NullBlock
	}
	sb.InsertionIdx = 0
	sb.RetrievalIdx = newIdx
	v.markSuperblockDirty()
	return v.SaveSuperblock()
}

// replenishFromBitmap walks the reference bitmap linearly from the
// word-level cursor rbm_idx, wrapping at most once, collecting up to
// RefCacheSize free block numbers (clearing their bits as it goes) and
// loading them tail-aligned into the retrieval cache. No-op if the
// retrieval cache is not empty or the bitmap is already exhausted
// (rbm_idx == NullBlock).
func (v *Volume) replenishFromBitmap() error {
	sb, err := v.Superblock()
	if err != nil {
		return err
	}
	if sb.RetrievalIdx != RefCacheSize {
		return nil
	}
	if sb.RbmIdx == NullBlock {
		return nil
	}

	totalWords := sb.RbmSize * RPB
	if totalWords == 0 {
		sb.RbmIdx = NullBlock
		return nil
	}

	var collected []uint32
	startWord := sb.RbmIdx
	w := startWord
	wrapped := false

	for {
		blockIdx, wordInBlock := w/RPB, w%RPB
		words, err := v.GetBitmapBlockPointer(blockIdx)
		if err != nil {
			return err
		}
		word := words[wordInBlock]
		if word != 0 {
			for bit := uint32(0); bit < 32 && len(collected) < RefCacheSize; bit++ {
				if word&(1<<bit) == 0 {
					continue
				}
				bn := w*32 + bit
				if bn >= sb.Dbtotal {
					continue
				}
				collected = append(collected, bn)
				word &^= 1 << bit
			}
			words[wordInBlock] = word
			v.markBitmapDirty()
		}

		w++
		if len(collected) == RefCacheSize {
			break
		}
		if w == totalWords {
			if wrapped {
				break
			}
			wrapped = true
			w = 0
		}
		if wrapped && w == startWord {
			break
		}
	}

	if err := v.SaveBitmapBlock(); err != nil {
		return err
	}

	if len(collected) < RefCacheSize {
		sb.RbmIdx = NullBlock
	} else {
		sb.RbmIdx = w % totalWords
	}

	idx := RefCacheSize - uint32(len(collected))
	for i, bn := range collected {
		sb.RetrievalRef[int(idx)+i] = bn
	}
	sb.RetrievalIdx = idx

	v.markSuperblockDirty()
	return v.SaveSuperblock()
}

// deplete transfers every insertion-cache entry to the reference bitmap,
// setting each block's own bit directly (the external bit-addressing
// invariant fixes bit k of word w to data-block index w*32+k, so there is
// no freedom to place an entry elsewhere). If the bitmap scan cursor was
// exhausted (NullBlock), it is reset to 0 so a later replenish can
// discover the blocks just freed.
func (v *Volume) deplete() error {
	sb, err := v.Superblock()
	if err != nil {
		return err
	}
	if sb.InsertionIdx != RefCacheSize {
		return nil
	}
	if sb.RbmIdx == NullBlock {
		sb.RbmIdx = 0
	}

	for i := uint32(0); i < sb.InsertionIdx; i++ {
		bn := sb.InsertionRef[i]
		blockIdx, wordInBlock, bit := bn/32/RPB, (bn/32)%RPB, bn%32
		words, err := v.GetBitmapBlockPointer(blockIdx)
		if err != nil {
			return err
		}
		words[wordInBlock] |= 1 << bit
		v.markBitmapDirty()
		sb.InsertionRef[i] = NullBlock
	}
	sb.InsertionIdx = 0

	if err := v.SaveBitmapBlock(); err != nil {
		return err
	}
	v.markSuperblockDirty()
	return v.SaveSuperblock()
}
