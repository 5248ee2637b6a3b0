package engine

import "github.com/sirupsen/logrus"

// AllocInode circularly scans the inode bitmap from iidx and returns the
// first free inode number, clearing its bit and advancing the cursor. It
// returns NullInode (with a nil error) when no bit is set; the deleted
// queue is not consulted here.
func (v *Volume) AllocInode() (uint16, error) {
	v.log.Enter(nil)

	sb, err := v.Superblock()
	if err != nil {
		return NullInode, err
	}
	for i := uint32(0); i < sb.Itotal; i++ {
		idx := (sb.Iidx + i) % sb.Itotal
		word, bit := idx/32, idx%32
		if sb.IBitmap[word]&(1<<bit) != 0 {
			sb.IBitmap[word] &^= 1 << bit
			sb.Iidx = (idx + 1) % sb.Itotal
			sb.Ifree--
			v.markSuperblockDirty()
			if err := v.SaveSuperblock(); err != nil {
				return NullInode, err
			}
			return uint16(idx), nil
		}
	}
	return NullInode, nil
}

// HideInode transfers in to the deleted-inode FIFO, flipping its mode
// type bits (permission bits are preserved) so a stat-by-number of a
// hidden inode is visibly distinct from a live one. Returns false without
// error if the FIFO is already full; the caller is expected to evict the
// oldest entry and retry. Refuses with EINVAL if in is already held open
// by another handle, since flipping its type bits out from under a live
// borrow would corrupt that caller's view.
func (v *Volume) HideInode(in uint16) (bool, error) {
	v.log.Enter(logrus.Fields{"inode": in})

	sb, err := v.Superblock()
	if err != nil {
		return false, err
	}
	if uint32(in) >= sb.Itotal {
		return false, wrap(EINVAL, "hide_inode: inode %d out of range (itotal=%d)", in, sb.Itotal)
	}
	if sb.Iqcount == DeletedQSize {
		return false, nil
	}
	if v.openIndex.Get(inodeHandleItem{ino: in}) != nil {
		return false, wrap(EINVAL, "hide_inode: inode %d is currently open", in)
	}

	h, err := v.OpenInode(in)
	if err != nil {
		return false, err
	}
	rec, err := v.GetInodePointer(h)
	if err != nil {
		v.CloseInode(h)
		return false, err
	}
	rec.Mode ^= ModeTypeMask
	v.markInodeDirty(h)
	if err := v.SaveInode(h); err != nil {
		v.CloseInode(h)
		return false, err
	}
	if err := v.CloseInode(h); err != nil {
		return false, err
	}

	sb.IQueue[(sb.Iqhead+sb.Iqcount)%DeletedQSize] = in
	sb.Iqcount++
	v.markSuperblockDirty()
	if err := v.SaveSuperblock(); err != nil {
		return false, err
	}
	return true, nil
}

// UnqueueHiddenInode removes and returns the oldest entry in the deleted
// FIFO, or NullInode if it is empty.
func (v *Volume) UnqueueHiddenInode() (uint16, error) {
	v.log.Enter(nil)

	sb, err := v.Superblock()
	if err != nil {
		return NullInode, err
	}
	if sb.Iqcount == 0 {
		return NullInode, nil
	}
	in := sb.IQueue[sb.Iqhead]
	sb.IQueue[sb.Iqhead] = NullInode
	sb.Iqhead = (sb.Iqhead + 1) % DeletedQSize
	sb.Iqcount--
	v.markSuperblockDirty()
	if err := v.SaveSuperblock(); err != nil {
		return NullInode, err
	}
	return in, nil
}

// FreeInode clears in's record to a clean state and marks its bit free in
// the inode bitmap. Block references must already be NullBlock; callers
// are expected to have called FreeInodeBlocks first.
func (v *Volume) FreeInode(in uint16) error {
	v.log.Enter(logrus.Fields{"inode": in})

	sb, err := v.Superblock()
	if err != nil {
		return err
	}
	if uint32(in) >= sb.Itotal {
		return wrap(EINVAL, "free_inode: inode %d out of range (itotal=%d)", in, sb.Itotal)
	}

	h, err := v.OpenInode(in)
	if err != nil {
		return err
	}
	rec, err := v.GetInodePointer(h)
	if err != nil {
		v.CloseInode(h)
		return err
	}
	rec.Mode, rec.Owner, rec.Group = 0, 0, 0
	v.markInodeDirty(h)
	if err := v.SaveInode(h); err != nil {
		v.CloseInode(h)
		return err
	}
	if err := v.CloseInode(h); err != nil {
		return err
	}

	word, bit := uint32(in)/32, uint32(in)%32
	sb.IBitmap[word] |= 1 << bit
	sb.Ifree++
	v.markSuperblockDirty()
	return v.SaveSuperblock()
}
