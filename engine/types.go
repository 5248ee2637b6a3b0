package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Superblock is the in-memory mirror of block 0. Its on-disk encoding is
// little-endian and packs tightly, field by field, into a 1024-byte block;
// bytes beyond the encoded struct size are reserved and always zero.
type Superblock struct {
	Magic       uint32
	Version     uint16
	MountStatus uint8
	_           uint8
	Name        [VolumeNameLen]byte
	Ntotal      uint32

	Itotal  uint32
	Ifree   uint32
	Iidx    uint32
	IBitmap [IBitmapWords]uint32
	IQueue  [DeletedQSize]uint16
	Iqhead  uint32
	Iqcount uint32

	Dbtotal  uint32
	DbpStart uint32
	Dbfree   uint32

	RbmStart uint32
	RbmSize  uint32
	RbmIdx   uint32

	RetrievalRef [RefCacheSize]uint32
	RetrievalIdx uint32

	InsertionRef [RefCacheSize]uint32
	InsertionIdx uint32
}

// MarshalBinary renders the superblock into exactly one BlockSize buffer.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("marshal superblock: %w", err)
	}
	if buf.Len() > BlockSize {
		return nil, fmt.Errorf("superblock encodes to %d bytes, exceeds block size", buf.Len())
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// UnmarshalBinary populates the superblock from exactly one block's worth
// of bytes.
func (sb *Superblock) UnmarshalBinary(block []byte) error {
	if len(block) < BlockSize {
		return fmt.Errorf("short superblock block: %d bytes", len(block))
	}
	r := io.NewSectionReader(bytes.NewReader(block), 0, BlockSize)
	if err := binary.Read(r, binary.LittleEndian, sb); err != nil {
		return fmt.Errorf("unmarshal superblock: %w", err)
	}
	return nil
}

// Inode is the in-memory mirror of one fixed-size on-disk inode record.
type Inode struct {
	Mode   uint16
	Owner  uint16
	Group  uint16
	Lnkcnt uint16
	Size   uint32
	Atime  uint32
	Ctime  uint32
	Mtime  uint32
	D      [NDirect]uint32
	I1     uint32
	I2     uint32
}

// InodeSize is the encoded byte size of one Inode record.
var InodeSize = binary.Size(Inode{})

// IPB is the number of inodes packed per inode-table block.
var IPB = BlockSize / InodeSize

func (in *Inode) marshalInto(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, in)
}

func (in *Inode) unmarshalFrom(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, in)
}

// isClean reports whether in is in the clean state of a free inode:
// Mode, Owner and Group all zero.
func (in *Inode) isClean() bool {
	return in.Mode == 0 && in.Owner == 0 && in.Group == 0
}

// DirSlot is one fixed-size directory slot: a raw name buffer (not
// necessarily NUL-terminated) and an inode number.
type DirSlot struct {
	Name [SlotNameLen]byte
	In   uint16
}

// DirSlotSize is the encoded byte size of one DirSlot record.
var DirSlotSize = binary.Size(DirSlot{})

// DPB is the number of directory slots packed per directory data block.
var DPB = BlockSize / DirSlotSize

func (s *DirSlot) marshalInto(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, s)
}

func (s *DirSlot) unmarshalFrom(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, s)
}

// empty reports whether the slot holds no data.
func (s *DirSlot) empty() bool {
	return s.Name[0] == 0
}
