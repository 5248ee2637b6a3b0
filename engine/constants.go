// Package engine implements the SOFS21 on-disk filesystem core: the Disk
// Access Abstraction Layer, the free-inode and free-data-block engines,
// inode-block mapping, directory entries, and the volume formatter.
package engine

// BlockSize is the fixed size, in bytes, of every block on a SOFS21 volume.
const BlockSize = 1024

// NDirect is the number of direct data-block references stored in an inode.
const NDirect = 8

// RPB is the number of 32-bit references that fit in one block.
const RPB = BlockSize / 4

// SlotNameLen is the number of raw name bytes a single directory slot
// carries (the on-disk L constant from the data model).
const SlotNameLen = 62

// MaxNameLen is the longest name a two-slot directory entry can hold.
const MaxNameLen = 2 * SlotNameLen

// MaxInodes bounds the number of inodes any volume may be formatted with.
const MaxInodes = 3200

// IBitmapWords is the fixed word-array size of the in-superblock inode
// bitmap, sized to cover MaxInodes regardless of the volume's actual itotal.
const IBitmapWords = MaxInodes / 32

// DeletedQSize is the capacity of the deleted-inode FIFO (iqueue).
const DeletedQSize = 8

// RefCacheSize is the capacity of each of the two in-superblock free
// data-block caches (retrieval and insertion).
const RefCacheSize = 32

// VolumeNameLen is the fixed size of the on-disk volume name field.
const VolumeNameLen = 32

// NullBlock is the sentinel data-block reference meaning "no block".
const NullBlock uint32 = 0xFFFFFFFF

// NullInode is the sentinel inode number meaning "no inode".
const NullInode uint16 = 0xFFFF

// SuperblockMagic marks a block 0 as a formatted SOFS21 volume.
const SuperblockMagic uint32 = 0x534F4653 // "SOFS"

// SuperblockVersion is the on-disk layout version written by this engine.
const SuperblockVersion uint16 = 1

// Inode type bits, packed into the high bits of Mode alongside permissions.
const (
	ModeTypeMask uint16 = 0xF000
	ModeRegular  uint16 = 0x8000
	ModeDir      uint16 = 0x4000
	ModeSymlink  uint16 = 0xA000
	ModePermMask uint16 = 0x0FFF
)

// AccessMask bits for CheckInodeAccess, mirroring POSIX access(2).
type AccessMask uint8

const (
	ReadOK    AccessMask = 0o4
	WriteOK   AccessMask = 0o2
	ExecuteOK AccessMask = 0o1
)

// MaxFileBlocks is one past the largest inode-relative block index, i.e.
// the end of the double-indirect range: N_DIRECT + RPB + RPB^2.
const MaxFileBlocks = NDirect + RPB + RPB*RPB

// InodeHandle identifies an inode borrowed from the open-inode table. Zero
// is never a valid handle.
type InodeHandle int64
