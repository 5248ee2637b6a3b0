package engine

import (
	"time"

	"github.com/sirupsen/logrus"
)

func (v *Volume) readIndexBlock(bn uint32) ([RPB]uint32, error) {
	var refs [RPB]uint32
	buf := make([]byte, BlockSize)
	if err := v.ReadDataBlock(bn, buf); err != nil {
		return refs, err
	}
	for i := 0; i < RPB; i++ {
		refs[i] = leUint32(buf[i*4 : i*4+4])
	}
	return refs, nil
}

func (v *Volume) writeIndexBlock(bn uint32, refs [RPB]uint32) error {
	buf := make([]byte, BlockSize)
	for i := 0; i < RPB; i++ {
		putLeUint32(buf[i*4:i*4+4], refs[i])
	}
	return v.WriteDataBlock(bn, buf)
}

// allocIndexBlock allocates one data block to serve as an index block and
// initializes it to RPB copies of NullBlock.
func (v *Volume) allocIndexBlock() (uint32, [RPB]uint32, error) {
	var refs [RPB]uint32
	bn, err := v.AllocDataBlock()
	if err != nil {
		return NullBlock, refs, err
	}
	for i := range refs {
		refs[i] = NullBlock
	}
	if err := v.writeIndexBlock(bn, refs); err != nil {
		return NullBlock, refs, err
	}
	return bn, refs, nil
}

// GetInodeBlock translates a file-relative block index to the pool-
// relative data-block number currently assigned to it, or NullBlock if
// that position has never been allocated.
func (v *Volume) GetInodeBlock(h InodeHandle, ibn uint32) (uint32, error) {
	rec, err := v.GetInodePointer(h)
	if err != nil {
		return NullBlock, err
	}
	if ibn >= MaxFileBlocks {
		return NullBlock, wrap(EINVAL, "get_inode_block: ibn %d out of range", ibn)
	}

	if ibn < NDirect {
		return rec.D[ibn], nil
	}
	if ibn < NDirect+RPB {
		if rec.I1 == NullBlock {
			return NullBlock, nil
		}
		refs, err := v.readIndexBlock(rec.I1)
		if err != nil {
			return NullBlock, err
		}
		return refs[ibn-NDirect], nil
	}

	if rec.I2 == NullBlock {
		return NullBlock, nil
	}
	refs2, err := v.readIndexBlock(rec.I2)
	if err != nil {
		return NullBlock, err
	}
	q := (ibn - NDirect - RPB) / RPB
	r := (ibn - NDirect - RPB) % RPB
	if refs2[q] == NullBlock {
		return NullBlock, nil
	}
	refs3, err := v.readIndexBlock(refs2[q])
	if err != nil {
		return NullBlock, err
	}
	return refs3[r], nil
}

// AllocInodeBlock associates a freshly allocated data block with file-
// relative block index ibn, creating any missing index block on the path
// first and linking the leaf block last.
func (v *Volume) AllocInodeBlock(h InodeHandle, ibn uint32) (uint32, error) {
	v.log.Enter(logrus.Fields{"ibn": ibn})

	rec, err := v.GetInodePointer(h)
	if err != nil {
		return NullBlock, err
	}
	if ibn >= MaxFileBlocks {
		return NullBlock, wrap(EINVAL, "alloc_inode_block: ibn %d out of range", ibn)
	}

	switch {
	case ibn < NDirect:
		if rec.D[ibn] != NullBlock {
			return NullBlock, wrap(ESTALE, "alloc_inode_block: ibn %d already assigned", ibn)
		}
		bn, err := v.AllocDataBlock()
		if err != nil {
			return NullBlock, err
		}
		rec.D[ibn] = bn
		v.markInodeDirty(h)
		if err := v.SaveInode(h); err != nil {
			return NullBlock, err
		}
		return bn, nil

	case ibn < NDirect+RPB:
		slot := ibn - NDirect
		var refs [RPB]uint32
		if rec.I1 == NullBlock {
			i1bn, r, err := v.allocIndexBlock()
			if err != nil {
				return NullBlock, err
			}
			rec.I1, refs = i1bn, r
		} else {
			refs, err = v.readIndexBlock(rec.I1)
			if err != nil {
				return NullBlock, err
			}
		}
		if refs[slot] != NullBlock {
			return NullBlock, wrap(ESTALE, "alloc_inode_block: ibn %d already assigned", ibn)
		}
		bn, err := v.AllocDataBlock()
		if err != nil {
			return NullBlock, err
		}
		refs[slot] = bn
		if err := v.writeIndexBlock(rec.I1, refs); err != nil {
			return NullBlock, err
		}
		v.markInodeDirty(h)
		if err := v.SaveInode(h); err != nil {
			return NullBlock, err
		}
		return bn, nil

	default:
		q := (ibn - NDirect - RPB) / RPB
		r := (ibn - NDirect - RPB) % RPB

		var refs2 [RPB]uint32
		if rec.I2 == NullBlock {
			i2bn, rs, err := v.allocIndexBlock()
			if err != nil {
				return NullBlock, err
			}
			rec.I2, refs2 = i2bn, rs
		} else {
			refs2, err = v.readIndexBlock(rec.I2)
			if err != nil {
				return NullBlock, err
			}
		}

		var secondBn uint32
		var refs3 [RPB]uint32
		if refs2[q] == NullBlock {
			sbn, rs, err := v.allocIndexBlock()
			if err != nil {
				return NullBlock, err
			}
			secondBn, refs3 = sbn, rs
			refs2[q] = secondBn
			if err := v.writeIndexBlock(rec.I2, refs2); err != nil {
				return NullBlock, err
			}
		} else {
			secondBn = refs2[q]
			refs3, err = v.readIndexBlock(secondBn)
			if err != nil {
				return NullBlock, err
			}
		}

		if refs3[r] != NullBlock {
			return NullBlock, wrap(ESTALE, "alloc_inode_block: ibn %d already assigned", ibn)
		}
		bn, err := v.AllocDataBlock()
		if err != nil {
			return NullBlock, err
		}
		refs3[r] = bn
		if err := v.writeIndexBlock(secondBn, refs3); err != nil {
			return NullBlock, err
		}
		v.markInodeDirty(h)
		if err := v.SaveInode(h); err != nil {
			return NullBlock, err
		}
		return bn, nil
	}
}

// FreeInodeBlocks releases every block at a file-relative position >=
// ffbn, skipping holes, walking direct slots, then the single-indirect
// range, then the double-indirect range. An index block whose entries all
// become NullBlock is itself freed and its parent reference cleared;
// index blocks are saved iteratively, never via recursion, to bound stack
// depth. Idempotent and total: it never fails on already-free positions.
func (v *Volume) FreeInodeBlocks(h InodeHandle, ffbn uint32) error {
	v.log.Enter(logrus.Fields{"ffbn": ffbn})

	rec, err := v.GetInodePointer(h)
	if err != nil {
		return err
	}

	for i := ffbn; i < NDirect; i++ {
		if rec.D[i] != NullBlock {
			if err := v.FreeDataBlock(rec.D[i]); err != nil {
				return err
			}
			rec.D[i] = NullBlock
		}
	}

	if rec.I1 != NullBlock && ffbn < NDirect+RPB {
		refs, err := v.readIndexBlock(rec.I1)
		if err != nil {
			return err
		}
		start := uint32(0)
		if ffbn > NDirect {
			start = ffbn - NDirect
		}
		for i := start; i < RPB; i++ {
			if refs[i] != NullBlock {
				if err := v.FreeDataBlock(refs[i]); err != nil {
					return err
				}
				refs[i] = NullBlock
			}
		}
		if allRefsNull(refs) {
			if err := v.FreeDataBlock(rec.I1); err != nil {
				return err
			}
			rec.I1 = NullBlock
		} else if err := v.writeIndexBlock(rec.I1, refs); err != nil {
			return err
		}
	}

	if rec.I2 != NullBlock {
		ddStart := uint32(0)
		if ffbn > NDirect+RPB {
			ddStart = ffbn - NDirect - RPB
		}
		qStart, rStartAtQStart := ddStart/RPB, ddStart%RPB

		refs2, err := v.readIndexBlock(rec.I2)
		if err != nil {
			return err
		}
		changed2 := false

		for q := qStart; q < RPB; q++ {
			if refs2[q] == NullBlock {
				continue
			}
			origBlock := refs2[q]
			refs3, err := v.readIndexBlock(origBlock)
			if err != nil {
				return err
			}
			rStart := uint32(0)
			if q == qStart {
				rStart = rStartAtQStart
			}
			changed3 := false
			for r := rStart; r < RPB; r++ {
				if refs3[r] != NullBlock {
					if err := v.FreeDataBlock(refs3[r]); err != nil {
						return err
					}
					refs3[r] = NullBlock
					changed3 = true
				}
			}
			if allRefsNull(refs3) {
				if err := v.FreeDataBlock(origBlock); err != nil {
					return err
				}
				refs2[q] = NullBlock
				changed2 = true
			} else if changed3 {
				if err := v.writeIndexBlock(origBlock, refs3); err != nil {
					return err
				}
			}
		}

		if allRefsNull(refs2) {
			if err := v.FreeDataBlock(rec.I2); err != nil {
				return err
			}
			rec.I2 = NullBlock
		} else if changed2 {
			if err := v.writeIndexBlock(rec.I2, refs2); err != nil {
				return err
			}
		}
	}

	v.markInodeDirty(h)
	return v.SaveInode(h)
}

func allRefsNull(refs [RPB]uint32) bool {
	for _, r := range refs {
		if r != NullBlock {
			return false
		}
	}
	return true
}

// ReadInodeBlock reads exactly one block of a file's content by file-
// relative block number. An unallocated position reads back as a zero-
// filled block, never allocating.
func (v *Volume) ReadInodeBlock(h InodeHandle, ibn uint32, buf []byte) error {
	bn, err := v.GetInodeBlock(h, ibn)
	if err != nil {
		return err
	}
	if bn == NullBlock {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	return v.ReadDataBlock(bn, buf)
}

// WriteInodeBlock writes exactly one block of a file's content by file-
// relative block number, allocating the position on demand if it is
// currently unassigned.
func (v *Volume) WriteInodeBlock(h InodeHandle, ibn uint32, buf []byte) error {
	bn, err := v.GetInodeBlock(h, ibn)
	if err != nil {
		return err
	}
	if bn == NullBlock {
		bn, err = v.AllocInodeBlock(h, ibn)
		if err != nil {
			return err
		}
	}
	return v.WriteDataBlock(bn, buf)
}

// NewInode allocates an inode number (preferring the free bitmap, falling
// back to reclaiming the oldest deleted inode) and initializes it as a
// clean inode of the given type and permissions.
func (v *Volume) NewInode(typ uint16, perm uint16) (uint16, error) {
	v.log.Enter(logrus.Fields{"type": typ, "perm": perm})

	if typ != ModeRegular && typ != ModeDir && typ != ModeSymlink {
		return NullInode, wrap(EINVAL, "new_inode: invalid type %#x", typ)
	}
	if perm > 0o777 {
		return NullInode, wrap(EINVAL, "new_inode: invalid permissions %#o", perm)
	}

	in, err := v.AllocInode()
	if err != nil {
		return NullInode, err
	}
	if in == NullInode {
		reclaimed, err := v.UnqueueHiddenInode()
		if err != nil {
			return NullInode, err
		}
		if reclaimed == NullInode {
			return NullInode, wrap(ENOSPC, "new_inode: no free or deleted inodes")
		}
		rh, err := v.OpenInode(reclaimed)
		if err != nil {
			return NullInode, err
		}
		if err := v.FreeInodeBlocks(rh, 0); err != nil {
			v.CloseInode(rh)
			return NullInode, err
		}
		if err := v.CloseInode(rh); err != nil {
			return NullInode, err
		}
		in = reclaimed
	}

	h, err := v.OpenInode(in)
	if err != nil {
		return NullInode, err
	}
	rec, err := v.GetInodePointer(h)
	if err != nil {
		v.CloseInode(h)
		return NullInode, err
	}

	now := uint32(time.Now().Unix())
	rec.Mode = typ | perm
	rec.Owner = v.identity.UID()
	rec.Group = v.identity.GID()
	rec.Lnkcnt = 0
	rec.Size = 0
	rec.Atime, rec.Ctime, rec.Mtime = now, now, now
	for i := range rec.D {
		rec.D[i] = NullBlock
	}
	rec.I1, rec.I2 = NullBlock, NullBlock

	v.markInodeDirty(h)
	if err := v.SaveInode(h); err != nil {
		v.CloseInode(h)
		return NullInode, err
	}
	if err := v.CloseInode(h); err != nil {
		return NullInode, err
	}
	return in, nil
}

// RemoveInode transfers in to the deleted-inode FIFO, evicting and
// reclaiming the oldest entry first if the FIFO was already full.
func (v *Volume) RemoveInode(in uint16) error {
	v.log.Enter(logrus.Fields{"inode": in})

	ok, err := v.HideInode(in)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	oldest, err := v.UnqueueHiddenInode()
	if err != nil {
		return err
	}
	if oldest != NullInode {
		h, err := v.OpenInode(oldest)
		if err != nil {
			return err
		}
		if err := v.FreeInodeBlocks(h, 0); err != nil {
			v.CloseInode(h)
			return err
		}
		if err := v.CloseInode(h); err != nil {
			return err
		}
		if err := v.FreeInode(oldest); err != nil {
			return err
		}
	}

	ok, err = v.HideInode(in)
	if err != nil {
		return err
	}
	if !ok {
		return wrap(EINVAL, "remove_inode: deleted queue still full after eviction")
	}
	return nil
}
