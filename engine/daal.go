package engine

import (
	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/sofs21/sofs21/internal/probe"
)

// inodeHandleItem orders open-inode handles by inode number so the
// open-inode index can answer "is this inode already open?" and so
// CloseDisk can flush dirty inodes in a deterministic, ascending order.
type inodeHandleItem struct {
	ino    uint16
	handle InodeHandle
}

func (i inodeHandleItem) Less(than btree.Item) bool {
	return i.ino < than.(inodeHandleItem).ino
}

// openInode is the cached copy of one open inode, keyed by handle.
type openInode struct {
	ino      uint16
	rec      Inode
	useCount int
	dirty    bool
}

// Volume is the Disk Access Abstraction Layer: the process-wide owner of
// the in-memory superblock mirror, the open-inode table, and the
// single-slot bitmap-block cache. Every accessor returns a borrowed view
// into state Volume itself owns; views are invalidated by the matching
// close call.
type Volume struct {
	dev      Device
	identity Identity
	log      *probe.Tap

	sb       Superblock
	sbLoaded bool
	sbDirty  bool

	inodes     map[InodeHandle]*openInode
	openIndex  *btree.BTree // inodeHandleItem ordered by ino
	nextHandle InodeHandle

	bbLoaded bool
	bbBlock  uint32
	bbWords  [RPB]uint32
	bbDirty  bool
}

// OpenDisk brackets all other Volume operations. The superblock itself is
// not read yet; it loads lazily on first Superblock() call.
func OpenDisk(dev Device, identity Identity) *Volume {
	return &Volume{
		dev:       dev,
		identity:  identity,
		log:       probe.New("daal"),
		inodes:    make(map[InodeHandle]*openInode),
		openIndex: btree.New(8),
	}
}

// CloseDisk flushes every still-open dirty inode (regardless of use-count,
// in ascending inode-number order), any pending bitmap block, and the
// superblock, in that order. It is
// idempotent: calling it again on an already-closed Volume is a no-op.
func (v *Volume) CloseDisk() error {
	v.log.Enter(nil)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	v.openIndex.Ascend(func(item btree.Item) bool {
		h := item.(inodeHandleItem).handle
		entry := v.inodes[h]
		if entry != nil && entry.dirty {
			record(v.flushInode(h, entry))
		}
		return true
	})
	v.inodes = make(map[InodeHandle]*openInode)
	v.openIndex = btree.New(8)

	if v.bbLoaded && v.bbDirty {
		record(v.SaveBitmapBlock())
	}
	v.bbLoaded = false

	if v.sbLoaded && v.sbDirty {
		record(v.SaveSuperblock())
	}
	v.sbLoaded = false

	if firstErr != nil {
		v.log.Fail(firstErr, nil)
	}
	return firstErr
}

// Superblock returns the borrowed, mutable superblock mirror, loading it
// from block 0 on first use.
func (v *Volume) Superblock() (*Superblock, error) {
	if !v.sbLoaded {
		buf := make([]byte, BlockSize)
		if err := readBlock(v.dev, 0, buf); err != nil {
			return nil, wrap(EINVAL, "load superblock: %v", err)
		}
		if err := v.sb.UnmarshalBinary(buf); err != nil {
			return nil, wrap(EINVAL, "decode superblock: %v", err)
		}
		v.sbLoaded = true
	}
	return &v.sb, nil
}

// SaveSuperblock writes the cached superblock back to block 0. It is a
// no-op if the superblock was never loaded.
func (v *Volume) SaveSuperblock() error {
	if !v.sbLoaded {
		return nil
	}
	buf, err := v.sb.MarshalBinary()
	if err != nil {
		return err
	}
	if err := writeBlock(v.dev, 0, buf); err != nil {
		return err
	}
	v.sbDirty = false
	return nil
}

func (v *Volume) markSuperblockDirty() {
	v.sbDirty = true
}

// inodeBlockLocation returns the absolute device block number holding
// inode in's record, and its offset (in records) within that block.
func (v *Volume) inodeBlockLocation(in uint16) (blockNo uint32, slot int) {
	return 1 + uint32(in)/uint32(IPB), int(in) % IPB
}

// OpenInode returns a handle for inode in, loading its record from disk on
// first reference and bumping its use-count on every subsequent call.
// Fails with EINVAL if in is out of range.
func (v *Volume) OpenInode(in uint16) (InodeHandle, error) {
	v.log.Enter(logrus.Fields{"inode": in})

	sb, err := v.Superblock()
	if err != nil {
		return 0, err
	}
	if uint32(in) >= sb.Itotal {
		err := wrap(EINVAL, "open_inode: inode %d out of range (itotal=%d)", in, sb.Itotal)
		v.log.Fail(err, nil)
		return 0, err
	}

	if item := v.openIndex.Get(inodeHandleItem{ino: in}); item != nil {
		h := item.(inodeHandleItem).handle
		v.inodes[h].useCount++
		return h, nil
	}

	blockNo, slot := v.inodeBlockLocation(in)
	buf := make([]byte, BlockSize)
	if err := readBlock(v.dev, blockNo, buf); err != nil {
		return 0, wrap(EINVAL, "open_inode %d: %v", in, err)
	}
	var rec Inode
	off := slot * InodeSize
	if err := rec.unmarshalFrom(bytesReader(buf[off : off+InodeSize])); err != nil {
		return 0, wrap(EINVAL, "open_inode %d: decode: %v", in, err)
	}

	v.nextHandle++
	h := v.nextHandle
	v.inodes[h] = &openInode{ino: in, rec: rec, useCount: 1}
	v.openIndex.ReplaceOrInsert(inodeHandleItem{ino: in, handle: h})
	return h, nil
}

// CheckInodeHandle reports whether h currently refers to an open inode.
func (v *Volume) CheckInodeHandle(h InodeHandle) error {
	entry, ok := v.inodes[h]
	if !ok || entry.useCount <= 0 {
		return wrap(EINVAL, "invalid inode handle %d", h)
	}
	return nil
}

// GetInodePointer returns the borrowed, mutable inode record for h.
func (v *Volume) GetInodePointer(h InodeHandle) (*Inode, error) {
	if err := v.CheckInodeHandle(h); err != nil {
		return nil, err
	}
	return &v.inodes[h].rec, nil
}

// GetInodeNumber returns the inode number backing handle h.
func (v *Volume) GetInodeNumber(h InodeHandle) (uint16, error) {
	if err := v.CheckInodeHandle(h); err != nil {
		return 0, err
	}
	return v.inodes[h].ino, nil
}

// SaveInode writes the cached record for h back to its inode block,
// read-modify-write at IPB granularity so sibling records in the same
// block are preserved.
func (v *Volume) SaveInode(h InodeHandle) error {
	if err := v.CheckInodeHandle(h); err != nil {
		return err
	}
	entry := v.inodes[h]
	entry.dirty = true
	return v.flushInode(h, entry)
}

func (v *Volume) flushInode(h InodeHandle, entry *openInode) error {
	blockNo, slot := v.inodeBlockLocation(entry.ino)
	buf := make([]byte, BlockSize)
	if err := readBlock(v.dev, blockNo, buf); err != nil {
		return wrap(EINVAL, "save_inode %d: %v", entry.ino, err)
	}
	off := slot * InodeSize
	w := bytesWriter(buf[off : off+InodeSize])
	if err := entry.rec.marshalInto(w); err != nil {
		return wrap(EINVAL, "save_inode %d: encode: %v", entry.ino, err)
	}
	if err := writeBlock(v.dev, blockNo, buf); err != nil {
		return wrap(EINVAL, "save_inode %d: %v", entry.ino, err)
	}
	entry.dirty = false
	return nil
}

// CloseInode decrements h's use-count; at zero, it flushes the record if
// dirty and releases the slot. It is idempotent on an already-closed or
// unknown handle.
func (v *Volume) CloseInode(h InodeHandle) error {
	entry, ok := v.inodes[h]
	if !ok {
		return nil
	}
	entry.useCount--
	if entry.useCount > 0 {
		return nil
	}
	var err error
	if entry.dirty {
		err = v.flushInode(h, entry)
	}
	delete(v.inodes, h)
	v.openIndex.Delete(inodeHandleItem{ino: entry.ino})
	return err
}

// markInodeDirty flags handle h's record as needing a flush on close or
// on an explicit SaveInode.
func (v *Volume) markInodeDirty(h InodeHandle) {
	if entry, ok := v.inodes[h]; ok {
		entry.dirty = true
	}
}

// CheckInodeAccess evaluates mask against the inode's owner/group/other
// permission bits for the volume's configured Identity.
func (v *Volume) CheckInodeAccess(h InodeHandle, mask AccessMask) error {
	rec, err := v.GetInodePointer(h)
	if err != nil {
		return err
	}
	if !checkAccess(rec, v.identity.UID(), v.identity.GID(), mask) {
		return wrap(EACCES, "inode %d: access denied", v.inodes[h].ino)
	}
	return nil
}

// GetBitmapBlockPointer returns the borrowed word array for reference
// bitmap block rbn (a block index relative to rbm_start). If a different
// bitmap block is currently cached, it is saved first.
func (v *Volume) GetBitmapBlockPointer(rbn uint32) (*[RPB]uint32, error) {
	sb, err := v.Superblock()
	if err != nil {
		return nil, err
	}
	if rbn >= sb.RbmSize {
		return nil, wrap(EINVAL, "bitmap block %d out of range (rbm_size=%d)", rbn, sb.RbmSize)
	}
	if v.bbLoaded && v.bbBlock == rbn {
		return &v.bbWords, nil
	}
	if v.bbLoaded && v.bbDirty {
		if err := v.SaveBitmapBlock(); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, BlockSize)
	if err := readBlock(v.dev, sb.RbmStart+rbn, buf); err != nil {
		return nil, wrap(EINVAL, "load bitmap block %d: %v", rbn, err)
	}
	var words [RPB]uint32
	for i := 0; i < RPB; i++ {
		words[i] = leUint32(buf[i*4 : i*4+4])
	}
	v.bbWords = words
	v.bbBlock = rbn
	v.bbLoaded = true
	v.bbDirty = false
	return &v.bbWords, nil
}

// markBitmapDirty flags the currently cached bitmap block as needing a
// flush; callers that mutate the slice returned by GetBitmapBlockPointer
// must call this before the next GetBitmapBlockPointer/SaveBitmapBlock.
func (v *Volume) markBitmapDirty() {
	v.bbDirty = true
}

// SaveBitmapBlock writes the currently cached reference-bitmap block back
// to disk. No-op if no bitmap block is cached.
func (v *Volume) SaveBitmapBlock() error {
	if !v.bbLoaded {
		return nil
	}
	sb, err := v.Superblock()
	if err != nil {
		return err
	}
	buf := make([]byte, BlockSize)
	for i := 0; i < RPB; i++ {
		putLeUint32(buf[i*4:i*4+4], v.bbWords[i])
	}
	if err := writeBlock(v.dev, sb.RbmStart+v.bbBlock, buf); err != nil {
		return err
	}
	v.bbDirty = false
	return nil
}

// ReadDataBlock reads pool-relative data block bn (offset by dbp_start).
func (v *Volume) ReadDataBlock(bn uint32, buf []byte) error {
	sb, err := v.Superblock()
	if err != nil {
		return err
	}
	if bn >= sb.Dbtotal {
		return wrap(EINVAL, "read_data_block: %d out of range (dbtotal=%d)", bn, sb.Dbtotal)
	}
	return readBlock(v.dev, sb.DbpStart+bn, buf)
}

// WriteDataBlock writes pool-relative data block bn (offset by dbp_start).
func (v *Volume) WriteDataBlock(bn uint32, buf []byte) error {
	sb, err := v.Superblock()
	if err != nil {
		return err
	}
	if bn >= sb.Dbtotal {
		return wrap(EINVAL, "write_data_block: %d out of range (dbtotal=%d)", bn, sb.Dbtotal)
	}
	return writeBlock(v.dev, sb.DbpStart+bn, buf)
}
