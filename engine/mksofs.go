package engine

import "time"

// DiskStructure is the resolved partition layout for a volume of a given
// size, computed once by ComputeDiskStructure and then used verbatim by
// Format to lay out every region.
type DiskStructure struct {
	Ntotal   uint32
	Itotal   uint32
	Itsize   uint32
	RbmStart uint32
	RbmSize  uint32
	DbpStart uint32
	Dbtotal  uint32
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func roundUpToMultiple(x, m uint32) uint32 {
	if m == 0 || x%m == 0 {
		return x
	}
	return x + (m - x%m)
}

// ComputeDiskStructure derives the partition layout for a device of
// ntotal blocks, applying a requested inode count (0 requests the
// default of ntotal/20). itotal is rounded up to a multiple of IPB,
// capped at MaxInodes and at round-up(ntotal/8), then floored at IPB.
// rbm_size is solved by fixed point since it depends on dbtotal, which
// in turn depends on rbm_size.
func ComputeDiskStructure(ntotal, itotalRequested uint32) (DiskStructure, error) {
	if ntotal == 0 {
		return DiskStructure{}, wrap(EINVAL, "compute_disk_structure: ntotal must be > 0")
	}

	ipb := uint32(IPB)
	itotal := itotalRequested
	if itotal == 0 {
		itotal = ntotal / 20
	}
	itotal = roundUpToMultiple(itotal, ipb)

	maxByDevice := ceilDiv(ntotal, 8)
	if maxByDevice > MaxInodes {
		maxByDevice = MaxInodes
	}
	if itotal > maxByDevice {
		itotal = (maxByDevice / ipb) * ipb
	}
	if itotal < ipb {
		itotal = ipb
	}

	itsize := itotal / ipb
	if 1+itsize >= ntotal {
		return DiskStructure{}, wrap(EINVAL, "compute_disk_structure: device too small for %d inodes", itotal)
	}
	remaining := ntotal - 1 - itsize

	const bitsPerBlock = uint32(BlockSize * 8)
	var rbmSize uint32
	for iter := 0; iter < 8; iter++ {
		if rbmSize > remaining {
			rbmSize = remaining
		}
		dbtotal := remaining - rbmSize
		next := ceilDiv(dbtotal, bitsPerBlock)
		if next == rbmSize {
			break
		}
		rbmSize = next
	}
	dbtotal := remaining - rbmSize
	if dbtotal == 0 {
		return DiskStructure{}, wrap(EINVAL, "compute_disk_structure: no room for data blocks")
	}

	return DiskStructure{
		Ntotal:   ntotal,
		Itotal:   itotal,
		Itsize:   itsize,
		RbmStart: 1 + itsize,
		RbmSize:  rbmSize,
		DbpStart: 1 + itsize + rbmSize,
		Dbtotal:  dbtotal,
	}, nil
}

// Format writes a fresh volume image directly to dev: superblock, inode
// table (inode 0 is the root directory), reference bitmap, and the root
// directory's single data block. It bypasses the DAAL entirely, as the
// device has no valid superblock to load yet. If zeroFreeBlocks is set,
// every data block other than the root's is also explicitly zeroed.
func Format(dev Device, itotalRequested uint32, volumeName string, zeroFreeBlocks bool, identity Identity) (*Superblock, error) {
	ds, err := ComputeDiskStructure(dev.Blocks(), itotalRequested)
	if err != nil {
		return nil, err
	}

	var sb Superblock
	sb.Magic = SuperblockMagic
	sb.Version = SuperblockVersion
	copy(sb.Name[:], volumeName)
	sb.Ntotal = ds.Ntotal

	sb.Itotal = ds.Itotal
	sb.Iidx = 1
	sb.Ifree = ds.Itotal - 1
	for i := uint32(1); i < ds.Itotal; i++ {
		word, bit := i/32, i%32
		sb.IBitmap[word] |= 1 << bit
	}
	for i := range sb.IQueue {
		sb.IQueue[i] = NullInode
	}

	sb.Dbtotal = ds.Dbtotal
	sb.DbpStart = ds.DbpStart
	sb.Dbfree = ds.Dbtotal - 1

	sb.RbmStart = ds.RbmStart
	sb.RbmSize = ds.RbmSize
	sb.RbmIdx = 0

	for i := range sb.RetrievalRef {
		sb.RetrievalRef[i] = NullBlock
	}
	sb.RetrievalIdx = RefCacheSize
	for i := range sb.InsertionRef {
		sb.InsertionRef[i] = NullBlock
	}

	if err := writeSuperblockBlock(dev, &sb); err != nil {
		return nil, err
	}
	if err := writeRootInodeTable(dev, ds, identity); err != nil {
		return nil, err
	}
	if err := writeReferenceBitmap(dev, ds); err != nil {
		return nil, err
	}
	if err := writeRootDirBlock(dev, ds); err != nil {
		return nil, err
	}
	if zeroFreeBlocks {
		zero := make([]byte, BlockSize)
		for bn := uint32(1); bn < ds.Dbtotal; bn++ {
			if err := writeBlock(dev, ds.DbpStart+bn, zero); err != nil {
				return nil, err
			}
		}
	}

	return &sb, nil
}

func writeSuperblockBlock(dev Device, sb *Superblock) error {
	buf, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	return writeBlock(dev, 0, buf)
}

func writeRootInodeTable(dev Device, ds DiskStructure, identity Identity) error {
	now := uint32(time.Now().Unix())
	root := Inode{
		Mode:   ModeDir | 0o755,
		Owner:  identity.UID(),
		Group:  identity.GID(),
		Lnkcnt: 2,
		Size:   BlockSize,
		Atime:  now,
		Ctime:  now,
		Mtime:  now,
		I1:     NullBlock,
		I2:     NullBlock,
	}
	for i := range root.D {
		root.D[i] = NullBlock
	}
	root.D[0] = 0

	first := make([]byte, BlockSize)
	w := bytesWriter(first[0:InodeSize])
	if err := root.marshalInto(w); err != nil {
		return err
	}
	if err := writeBlock(dev, 1, first); err != nil {
		return err
	}

	zero := make([]byte, BlockSize)
	for b := uint32(1); b < ds.Itsize; b++ {
		if err := writeBlock(dev, 1+b, zero); err != nil {
			return err
		}
	}
	return nil
}

func writeReferenceBitmap(dev Device, ds DiskStructure) error {
	buf := make([]byte, BlockSize)
	for blockIdx := uint32(0); blockIdx < ds.RbmSize; blockIdx++ {
		for i := 0; i < RPB; i++ {
			wordGlobal := blockIdx*RPB + uint32(i)
			base := wordGlobal * 32
			var word uint32
			for bit := uint32(0); bit < 32; bit++ {
				if base+bit < ds.Dbtotal {
					word |= 1 << bit
				}
			}
			if wordGlobal == 0 {
				word &^= 1
			}
			putLeUint32(buf[i*4:i*4+4], word)
		}
		if err := writeBlock(dev, ds.RbmStart+blockIdx, buf); err != nil {
			return err
		}
	}
	return nil
}

func writeRootDirBlock(dev Device, ds DiskStructure) error {
	buf := make([]byte, BlockSize)
	var dot, dotdot DirSlot
	copy(dot.Name[:], ".")
	dot.In = 0
	copy(dotdot.Name[:], "..")
	dotdot.In = 0
	if err := dot.marshalInto(bytesWriter(buf[0:DirSlotSize])); err != nil {
		return err
	}
	if err := dotdot.marshalInto(bytesWriter(buf[DirSlotSize : 2*DirSlotSize])); err != nil {
		return err
	}
	return writeBlock(dev, ds.DbpStart, buf)
}
