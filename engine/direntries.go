package engine

import (
	"bytes"
	"strings"

	"github.com/sirupsen/logrus"
)

// slotCache is a single-block window over a directory's slot array,
// mirroring the DAAL bitmap dealer's save-before-swap discipline: at most
// one block of decoded slots is held at a time, flushed whenever the
// cache moves to a different block or is explicitly closed.
type slotCache struct {
	v       *Volume
	h       InodeHandle
	blockNo uint32
	loaded  bool
	dirty   bool
	slots   []DirSlot
}

func newSlotCache(v *Volume, h InodeHandle) *slotCache {
	return &slotCache{v: v, h: h, slots: make([]DirSlot, DPB)}
}

func (c *slotCache) load(block uint32) error {
	if c.loaded && c.blockNo == block {
		return nil
	}
	if err := c.flush(); err != nil {
		return err
	}
	buf := make([]byte, BlockSize)
	if err := c.v.ReadInodeBlock(c.h, block, buf); err != nil {
		return err
	}
	for i := 0; i < DPB; i++ {
		off := i * DirSlotSize
		var s DirSlot
		if err := s.unmarshalFrom(bytesReader(buf[off : off+DirSlotSize])); err != nil {
			return err
		}
		c.slots[i] = s
	}
	c.blockNo, c.loaded, c.dirty = block, true, false
	return nil
}

func (c *slotCache) flush() error {
	if !c.loaded || !c.dirty {
		return nil
	}
	buf := make([]byte, BlockSize)
	for i := 0; i < DPB; i++ {
		w := bytesWriter(buf[i*DirSlotSize : (i+1)*DirSlotSize])
		if err := c.slots[i].marshalInto(w); err != nil {
			return err
		}
	}
	if err := c.v.WriteInodeBlock(c.h, c.blockNo, buf); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

func (c *slotCache) get(flat uint32) (DirSlot, error) {
	block, idx := flat/uint32(DPB), flat%uint32(DPB)
	if err := c.load(block); err != nil {
		return DirSlot{}, err
	}
	return c.slots[idx], nil
}

func (c *slotCache) set(flat uint32, s DirSlot) error {
	block, idx := flat/uint32(DPB), flat%uint32(DPB)
	if err := c.load(block); err != nil {
		return err
	}
	c.slots[idx] = s
	c.dirty = true
	return nil
}

func (c *slotCache) close() error {
	return c.flush()
}

// nameLen returns the length of a name stored in a slot's raw buffer: the
// position of the first zero byte, or the full buffer length if the name
// fills it exactly (no trailing NUL in that case).
func nameLen(buf []byte) int {
	for i, b := range buf {
		if b == 0 {
			return i
		}
	}
	return len(buf)
}

func neededSlots(name []byte) uint32 {
	if len(name) <= SlotNameLen {
		return 1
	}
	return 2
}

// findEntry scans the flat slot array for name, returning its start
// index, slot count (1 or 2), and inode number.
func (v *Volume) findEntry(c *slotCache, total uint32, name []byte) (found bool, start, slots uint32, in uint16, err error) {
	var i uint32
	for i < total {
		s, err := c.get(i)
		if err != nil {
			return false, 0, 0, 0, err
		}
		if s.empty() {
			i++
			continue
		}
		if s.In == NullInode && i+1 < total {
			s2, err := c.get(i + 1)
			if err != nil {
				return false, 0, 0, 0, err
			}
			full := append(append([]byte{}, s.Name[:]...), s2.Name[:nameLen(s2.Name[:])]...)
			if bytes.Equal(full, name) {
				return true, i, 2, s2.In, nil
			}
			i += 2
		} else {
			full := s.Name[:nameLen(s.Name[:])]
			if bytes.Equal(full, name) {
				return true, i, 1, s.In, nil
			}
			i++
		}
	}
	return false, 0, 0, 0, nil
}

// findHole scans the flat slot array for the first run of needed
// consecutive empty slots.
func (v *Volume) findHole(c *slotCache, total, needed uint32) (start uint32, ok bool, err error) {
	var run uint32
	for i := uint32(0); i < total; i++ {
		s, err := c.get(i)
		if err != nil {
			return 0, false, err
		}
		if s.empty() {
			if run == 0 {
				start = i
			}
			run++
			if run >= needed {
				return start, true, nil
			}
		} else {
			run = 0
		}
	}
	return 0, false, nil
}

// writeEntryAt encodes name/cin into one slot at flat, or two contiguous
// slots (prefix with NullInode, suffix with cin) when name exceeds
// SlotNameLen.
func (v *Volume) writeEntryAt(c *slotCache, flat uint32, name []byte, cin uint16) error {
	if len(name) <= SlotNameLen {
		var s DirSlot
		copy(s.Name[:], name)
		s.In = cin
		return c.set(flat, s)
	}
	var s1, s2 DirSlot
	copy(s1.Name[:], name[:SlotNameLen])
	s1.In = NullInode
	copy(s2.Name[:], name[SlotNameLen:])
	s2.In = cin
	if err := c.set(flat, s1); err != nil {
		return err
	}
	return c.set(flat+1, s2)
}

// placeEntryOrExtend writes name/cin into the first fitting hole, or
// extends the directory by one freshly zeroed block when no hole fits.
func (v *Volume) placeEntryOrExtend(pih InodeHandle, c *slotCache, rec *Inode, total uint32, name []byte, cin uint16) error {
	if start, ok, err := v.findHole(c, total, neededSlots(name)); err != nil {
		return err
	} else if ok {
		return v.writeEntryAt(c, start, name, cin)
	}

	newBlockIdx := rec.Size / BlockSize
	if err := c.close(); err != nil {
		return err
	}
	if _, err := v.AllocInodeBlock(pih, newBlockIdx); err != nil {
		return err
	}
	rec.Size += BlockSize
	v.markInodeDirty(pih)
	if err := v.SaveInode(pih); err != nil {
		return err
	}
	if err := v.WriteInodeBlock(pih, newBlockIdx, make([]byte, BlockSize)); err != nil {
		return err
	}
	return v.writeEntryAt(c, newBlockIdx*uint32(DPB), name, cin)
}

func (v *Volume) dirTotalSlots(pih InodeHandle) (*Inode, uint32, error) {
	rec, err := v.GetInodePointer(pih)
	if err != nil {
		return nil, 0, err
	}
	return rec, rec.Size / BlockSize * uint32(DPB), nil
}

// GetDirEntry scans pih's directory content for name and returns its
// inode number, or NullInode if absent.
func (v *Volume) GetDirEntry(pih InodeHandle, name string) (uint16, error) {
	v.log.Enter(logrus.Fields{"name": name})

	_, total, err := v.dirTotalSlots(pih)
	if err != nil {
		return NullInode, err
	}
	c := newSlotCache(v, pih)
	found, _, _, in, err := v.findEntry(c, total, []byte(name))
	if err != nil {
		return NullInode, err
	}
	if !found {
		return NullInode, nil
	}
	return in, nil
}

// AddDirEntry inserts a directory entry for name -> cin into the first
// fitting hole, or extends the directory with a new block if none fits.
// Fails with EEXIST if name is already present.
func (v *Volume) AddDirEntry(pih InodeHandle, name string, cin uint16) error {
	v.log.Enter(logrus.Fields{"name": name, "inode": cin})

	nameBytes := []byte(name)
	if len(nameBytes) == 0 || len(nameBytes) > MaxNameLen {
		return wrap(EINVAL, "add_direntry: invalid name length %d", len(nameBytes))
	}

	rec, total, err := v.dirTotalSlots(pih)
	if err != nil {
		return err
	}
	c := newSlotCache(v, pih)

	found, _, _, _, err := v.findEntry(c, total, nameBytes)
	if err != nil {
		return err
	}
	if found {
		return wrap(EEXIST, "add_direntry: %q exists", name)
	}
	if err := v.placeEntryOrExtend(pih, c, rec, total, nameBytes, cin); err != nil {
		return err
	}
	return c.close()
}

// DeleteDirEntry locates name, clears its slot(s), and returns its inode
// number. Fails with ENOENT if absent. lnkcnt is the caller's
// responsibility.
func (v *Volume) DeleteDirEntry(pih InodeHandle, name string) (uint16, error) {
	v.log.Enter(logrus.Fields{"name": name})

	_, total, err := v.dirTotalSlots(pih)
	if err != nil {
		return NullInode, err
	}
	c := newSlotCache(v, pih)

	found, start, slots, in, err := v.findEntry(c, total, []byte(name))
	if err != nil {
		return NullInode, err
	}
	if !found {
		return NullInode, wrap(ENOENT, "delete_direntry: %q not found", name)
	}
	var empty DirSlot
	for k := uint32(0); k < slots; k++ {
		if err := c.set(start+k, empty); err != nil {
			return NullInode, err
		}
	}
	if err := c.close(); err != nil {
		return NullInode, err
	}
	return in, nil
}

// RenameDirEntry renames name to newName in place where possible,
// relocating only when necessary, preserving the entry's inode number
// throughout. It is never implemented as delete-then-add. Renaming a name
// to itself is a no-op.
func (v *Volume) RenameDirEntry(pih InodeHandle, name, newName string) error {
	v.log.Enter(logrus.Fields{"name": name, "new_name": newName})

	if name == newName {
		return nil
	}
	oldBytes, newBytes := []byte(name), []byte(newName)
	if len(newBytes) == 0 || len(newBytes) > MaxNameLen {
		return wrap(EINVAL, "rename_direntry: invalid name length %d", len(newBytes))
	}

	rec, total, err := v.dirTotalSlots(pih)
	if err != nil {
		return err
	}
	c := newSlotCache(v, pih)

	found, oldStart, oldSlots, cin, err := v.findEntry(c, total, oldBytes)
	if err != nil {
		return err
	}
	if !found {
		return wrap(ENOENT, "rename_direntry: %q not found", name)
	}

	collision, _, _, _, err := v.findEntry(c, total, newBytes)
	if err != nil {
		return err
	}
	if collision {
		return wrap(EEXIST, "rename_direntry: %q exists", newName)
	}

	newSlots := neededSlots(newBytes)

	switch {
	case newSlots == oldSlots:
		if err := v.writeEntryAt(c, oldStart, newBytes, cin); err != nil {
			return err
		}

	case newSlots < oldSlots:
		if err := v.writeEntryAt(c, oldStart, newBytes, cin); err != nil {
			return err
		}
		var empty DirSlot
		for k := newSlots; k < oldSlots; k++ {
			if err := c.set(oldStart+k, empty); err != nil {
				return err
			}
		}

	default:
		nextIdx := oldStart + oldSlots
		nextEmpty := false
		if nextIdx < total {
			s, err := c.get(nextIdx)
			if err != nil {
				return err
			}
			nextEmpty = s.empty()
		}
		if nextEmpty {
			if err := v.writeEntryAt(c, oldStart, newBytes, cin); err != nil {
				return err
			}
		} else {
			if err := v.placeEntryOrExtend(pih, c, rec, total, newBytes, cin); err != nil {
				return err
			}
			var empty DirSlot
			for k := uint32(0); k < oldSlots; k++ {
				if err := c.set(oldStart+k, empty); err != nil {
					return err
				}
			}
		}
	}
	return c.close()
}

// CheckDirEmpty reports whether pih's directory holds only "." and "..".
func (v *Volume) CheckDirEmpty(pih InodeHandle) (bool, error) {
	_, total, err := v.dirTotalSlots(pih)
	if err != nil {
		return false, err
	}
	c := newSlotCache(v, pih)
	defer c.close()

	var i uint32
	for i < total {
		s, err := c.get(i)
		if err != nil {
			return false, err
		}
		if s.empty() {
			i++
			continue
		}
		var full []byte
		step := uint32(1)
		if s.In == NullInode && i+1 < total {
			s2, err := c.get(i + 1)
			if err != nil {
				return false, err
			}
			full = append(append([]byte{}, s.Name[:]...), s2.Name[:nameLen(s2.Name[:])]...)
			step = 2
		} else {
			full = s.Name[:nameLen(s.Name[:])]
		}
		if string(full) != "." && string(full) != ".." {
			return false, nil
		}
		i += step
	}
	return true, nil
}

// TraversePath resolves an absolute path to an inode number, descending
// directory by directory with no symlink resolution. Every non-final
// component must be a directory with traverse (X) permission. The final
// component's lookup result may legally be NullInode.
func (v *Volume) TraversePath(path string) (uint16, error) {
	v.log.Enter(logrus.Fields{"path": path})

	if !strings.HasPrefix(path, "/") {
		return NullInode, wrap(EINVAL, "traverse_path: not an absolute path: %q", path)
	}
	var comps []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			comps = append(comps, p)
		}
	}

	cur := uint16(0)
	curName := "/"
	for idx, comp := range comps {
		isLast := idx == len(comps)-1
		h, err := v.OpenInode(cur)
		if err != nil {
			return NullInode, err
		}
		rec, err := v.GetInodePointer(h)
		if err != nil {
			v.CloseInode(h)
			return NullInode, err
		}
		if rec.Mode&ModeTypeMask != ModeDir {
			v.CloseInode(h)
			return NullInode, wrap(ENOTDIR, "traverse_path: %q is not a directory", curName)
		}
		if err := v.CheckInodeAccess(h, ExecuteOK); err != nil {
			v.CloseInode(h)
			return NullInode, err
		}
		next, err := v.GetDirEntry(h, comp)
		if cerr := v.CloseInode(h); cerr != nil && err == nil {
			err = cerr
		}
		if isLast {
			return next, err
		}
		if err != nil {
			return NullInode, err
		}
		if next == NullInode {
			return NullInode, wrap(ENOENT, "traverse_path: %q not found", comp)
		}
		cur = next
		curName = comp
	}
	return cur, nil
}
