// Package minix3 implements the Minix v3 on-disk filesystem format: a
// superblock, inode/zone bitmaps, and direct/single/double/triple zone
// indirection, mounted read-write over any block device.
package minix3

import (
	"encoding/binary"
	"errors"
)

const (
	// SuperblockOffset is the fixed byte address of the superblock
	//.
	SuperblockOffset = 1024

	// Magic is the required superblock magic value.
	Magic = 0x4D5A

	// MetaBlockSize is the fixed block size used for the boot block,
	// superblock, inode/zone bitmaps, and inode table. It is distinct
	// from a file's zone size (1024 << LogZoneSize), which can be larger;
	// bitmaps and the inode table are always addressed in these
	// 1024-byte blocks, matching the traditional Minix layout.
	MetaBlockSize = 1024

	// SuperblockSize is the superblock's 32-byte on-disk prefix.
	SuperblockSize = 32

	// InodeSize is the fixed on-disk inode record size.
	InodeSize = 64

	// NumDirectZones is the count of direct zone pointers in an inode
	//.
	NumDirectZones = 7

	// NumZonePointers is the total zone-pointer slots in an inode: seven
	// direct plus single/double/triple indirect.
	NumZonePointers = NumDirectZones + 3

	// DirEntrySize is the fixed on-disk directory entry size.
	DirEntrySize = 64
	// DirNameLen is the maximum name length a directory entry stores.
	DirNameLen = 60

	// RootInode is the filesystem root's fixed inode number.
	RootInode = 1
)

// ErrBadMagic is returned by Mount when the superblock's magic doesn't
// match Magic.
var ErrBadMagic = errors.New("minix3: bad superblock magic")

// ErrInvalidInode is returned wherever an inode number of 0 (or out of
// range) is used where a valid inode is required.
var ErrInvalidInode = errors.New("minix3: invalid inode number")

// Superblock is the fixed 32-byte on-disk prefix at byte 1024. Field
// widths and offsets are byte-exact: num_inodes at 0, then (past a pad
// word) the u16 imap/zmap/first-data-zone/log-zone-size run, max_size at
// 16, num_zones at 20, magic at 24, block_size at 28, disk_version at 30.
// The BlockSize field is documented as invalid for Minix v3 but is still
// written at format time.
type Superblock struct {
	NumInodes     uint32
	ImapBlocks    uint16
	ZmapBlocks    uint16
	FirstDataZone uint16
	LogZoneSize   uint16
	MaxSize       uint32
	NumZones      uint32
	MagicValue    uint16
	BlockSize     uint16
	DiskVersion   uint8
}

// ZoneSize returns the size in bytes of one data zone.
func (s Superblock) ZoneSize() uint32 { return 1024 << s.LogZoneSize }

// EntriesPerIndirectZone returns how many zone-number entries (4 bytes
// each) fit in one indirect zone.
func (s Superblock) EntriesPerIndirectZone() uint32 { return s.ZoneSize() / 4 }

func (s Superblock) marshal() [SuperblockSize]byte {
	var b [SuperblockSize]byte
	binary.LittleEndian.PutUint32(b[0:], s.NumInodes)
	// b[4:6] is pad0, left zero.
	binary.LittleEndian.PutUint16(b[6:], s.ImapBlocks)
	binary.LittleEndian.PutUint16(b[8:], s.ZmapBlocks)
	binary.LittleEndian.PutUint16(b[10:], s.FirstDataZone)
	binary.LittleEndian.PutUint16(b[12:], s.LogZoneSize)
	// b[14:16] is pad1, left zero.
	binary.LittleEndian.PutUint32(b[16:], s.MaxSize)
	binary.LittleEndian.PutUint32(b[20:], s.NumZones)
	binary.LittleEndian.PutUint16(b[24:], s.MagicValue)
	// b[26:28] is pad2, left zero.
	binary.LittleEndian.PutUint16(b[28:], s.BlockSize)
	b[30] = s.DiskVersion
	return b
}

func unmarshalSuperblock(b []byte) Superblock {
	var s Superblock
	s.NumInodes = binary.LittleEndian.Uint32(b[0:])
	s.ImapBlocks = binary.LittleEndian.Uint16(b[6:])
	s.ZmapBlocks = binary.LittleEndian.Uint16(b[8:])
	s.FirstDataZone = binary.LittleEndian.Uint16(b[10:])
	s.LogZoneSize = binary.LittleEndian.Uint16(b[12:])
	s.MaxSize = binary.LittleEndian.Uint32(b[16:])
	s.NumZones = binary.LittleEndian.Uint32(b[20:])
	s.MagicValue = binary.LittleEndian.Uint16(b[24:])
	s.BlockSize = binary.LittleEndian.Uint16(b[28:])
	s.DiskVersion = b[30]
	return s
}

// Inode is the fixed 64-byte on-disk inode record.
type Inode struct {
	Mode     uint16
	NumLinks uint16
	UID      uint16
	GID      uint16
	Size     uint32
	Atime    uint32
	Mtime    uint32
	Ctime    uint32
	Zones    [NumZonePointers]uint32
}

func (ino Inode) marshal() [InodeSize]byte {
	var b [InodeSize]byte
	binary.LittleEndian.PutUint16(b[0:], ino.Mode)
	binary.LittleEndian.PutUint16(b[2:], ino.NumLinks)
	binary.LittleEndian.PutUint16(b[4:], ino.UID)
	binary.LittleEndian.PutUint16(b[6:], ino.GID)
	binary.LittleEndian.PutUint32(b[8:], ino.Size)
	binary.LittleEndian.PutUint32(b[12:], ino.Atime)
	binary.LittleEndian.PutUint32(b[16:], ino.Mtime)
	binary.LittleEndian.PutUint32(b[20:], ino.Ctime)
	for i, z := range ino.Zones {
		binary.LittleEndian.PutUint32(b[24+i*4:], z)
	}
	return b
}

func unmarshalInode(b []byte) Inode {
	var ino Inode
	ino.Mode = binary.LittleEndian.Uint16(b[0:])
	ino.NumLinks = binary.LittleEndian.Uint16(b[2:])
	ino.UID = binary.LittleEndian.Uint16(b[4:])
	ino.GID = binary.LittleEndian.Uint16(b[6:])
	ino.Size = binary.LittleEndian.Uint32(b[8:])
	ino.Atime = binary.LittleEndian.Uint32(b[12:])
	ino.Mtime = binary.LittleEndian.Uint32(b[16:])
	ino.Ctime = binary.LittleEndian.Uint32(b[20:])
	for i := range ino.Zones {
		ino.Zones[i] = binary.LittleEndian.Uint32(b[24+i*4:])
	}
	return ino
}

// Mode bits (the low bits a directory/regular-file inode carries).
const (
	ModeDir      uint16 = 0o040000
	ModeRegular  uint16 = 0o100000
	ModeTypeMask uint16 = 0o170000
)

// IsDir reports whether the inode's mode marks it a directory.
func (ino Inode) IsDir() bool { return ino.Mode&ModeTypeMask == ModeDir }
