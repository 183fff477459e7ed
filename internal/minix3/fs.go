package minix3

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// BlockDevice is the backing medium a filesystem mounts over: any
// block-addressable device exposing plain byte reads/writes, satisfied by
// internal/blockdev.Device (a real virtio-blk request round trip) or a
// test double.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
}

// ErrOutOfInodes / ErrOutOfZones are returned when a bitmap has no clear
// bit.
var (
	ErrOutOfInodes = errors.New("minix3: out of inodes")
	ErrOutOfZones  = errors.New("minix3: out of zones")

	// ErrSparseWriteUnsupported is returned when a write reaches a hole
	// (a zero zone pointer) anywhere in its range; PutData never allocates
	// new zones.
	ErrSparseWriteUnsupported = errors.New("minix3: cannot extend a file past its allocated zones")
)

// FS is a mounted Minix3 filesystem. The superblock and inode/zone
// bitmaps are cached in memory at mount; bitmap writes go through to the
// device unconditionally, so a later mount reads fresh state.
type FS struct {
	mu  sync.Mutex
	dev BlockDevice
	sb  Superblock

	imap []byte
	zmap []byte

	imapBase  uint32 // block index where the inode bitmap starts
	zmapBase  uint32
	inodeBase uint32 // block index where the inode table starts
}

// Mount reads the superblock and bitmaps from dev. A second Mount of a
// different device always re-reads fresh state; there is no shared
// process-wide cache keyed by device identity.
func Mount(dev BlockDevice) (*FS, error) {
	sbBytes := make([]byte, SuperblockSize)
	if _, err := dev.ReadAt(sbBytes, SuperblockOffset); err != nil {
		return nil, fmt.Errorf("minix3: read superblock: %w", err)
	}
	sb := unmarshalSuperblock(sbBytes)
	if sb.MagicValue != Magic {
		return nil, fmt.Errorf("%w: got %#x want %#x", ErrBadMagic, sb.MagicValue, Magic)
	}

	fs := &FS{dev: dev, sb: sb}
	fs.imapBase = 2 // block 0 = boot, block 1 = superblock
	fs.zmapBase = fs.imapBase + uint32(sb.ImapBlocks)
	fs.inodeBase = fs.zmapBase + uint32(sb.ZmapBlocks)

	fs.imap = make([]byte, int(sb.ImapBlocks)*MetaBlockSize)
	if _, err := dev.ReadAt(fs.imap, int64(fs.imapBase)*MetaBlockSize); err != nil {
		return nil, fmt.Errorf("minix3: read inode bitmap: %w", err)
	}
	fs.zmap = make([]byte, int(sb.ZmapBlocks)*MetaBlockSize)
	if _, err := dev.ReadAt(fs.zmap, int64(fs.zmapBase)*MetaBlockSize); err != nil {
		return nil, fmt.Errorf("minix3: read zone bitmap: %w", err)
	}
	return fs, nil
}

// Format writes a fresh superblock, zeroed bitmaps (with bit 0 of each
// pre-marked taken, since inode/zone number 0 is always reserved), and a
// root directory inode containing "." and ".." entries. It exists for
// tests and for building a disk image from scratch.
func Format(dev BlockDevice, numInodes, numZones uint32, logZoneSize uint16) (*FS, error) {
	sb := Superblock{
		NumInodes:     numInodes,
		FirstDataZone: 0, // filled in below once block layout is known
		LogZoneSize:   logZoneSize,
		NumZones:      numZones,
		MagicValue:    Magic,
		BlockSize:     MetaBlockSize,
	}
	imapBlocks := (numInodes/8 + MetaBlockSize - 1) / MetaBlockSize
	if imapBlocks == 0 {
		imapBlocks = 1
	}
	sb.ImapBlocks = uint16(imapBlocks)
	zmapBlocks := (numZones/8 + MetaBlockSize - 1) / MetaBlockSize
	if zmapBlocks == 0 {
		zmapBlocks = 1
	}
	sb.ZmapBlocks = uint16(zmapBlocks)

	imapBase := uint32(2)
	zmapBase := imapBase + uint32(sb.ImapBlocks)
	inodeBase := zmapBase + uint32(sb.ZmapBlocks)
	inodeBlocks := (numInodes*InodeSize + MetaBlockSize - 1) / MetaBlockSize
	sb.FirstDataZone = uint16(inodeBase + inodeBlocks)

	sbBytes := sb.marshal()
	if _, err := dev.WriteAt(sbBytes[:], SuperblockOffset); err != nil {
		return nil, err
	}

	imap := make([]byte, int(sb.ImapBlocks)*MetaBlockSize)
	imap[0] = 0x01 // inode 0 reserved
	if _, err := dev.WriteAt(imap, int64(imapBase)*MetaBlockSize); err != nil {
		return nil, err
	}
	zmap := make([]byte, int(sb.ZmapBlocks)*MetaBlockSize)
	zmap[0] = 0x01 // zone 0 reserved
	if _, err := dev.WriteAt(zmap, int64(zmapBase)*MetaBlockSize); err != nil {
		return nil, err
	}

	fs := &FS{dev: dev, sb: sb, imap: imap, zmap: zmap, imapBase: imapBase, zmapBase: zmapBase, inodeBase: inodeBase}

	rootNum, err := fs.AllocInode()
	if err != nil {
		return nil, err
	}
	if rootNum != RootInode {
		return nil, fmt.Errorf("minix3: root inode allocated as %d, want %d", rootNum, RootInode)
	}
	rootZone, err := fs.AllocZone()
	if err != nil {
		return nil, err
	}
	root := Inode{Mode: ModeDir | 0o755, NumLinks: 2}
	root.Zones[0] = rootZone
	dot := marshalDirEntry(DirEntry{Inode: RootInode, Name: "."})
	dotdot := marshalDirEntry(DirEntry{Inode: RootInode, Name: ".."})
	entries := make([]byte, sb.ZoneSize())
	copy(entries[0:], dot[:])
	copy(entries[DirEntrySize:], dotdot[:])
	if _, err := dev.WriteAt(entries, int64(rootZone)*int64(sb.ZoneSize())); err != nil {
		return nil, err
	}
	root.Size = 2 * DirEntrySize
	if err := fs.WriteInode(RootInode, root); err != nil {
		return nil, err
	}
	return fs, nil
}

// Superblock returns the mounted filesystem's superblock.
func (fs *FS) Superblock() Superblock { return fs.sb }

func (fs *FS) inodeOffset(num uint32) int64 {
	return int64(fs.inodeBase)*MetaBlockSize + int64(num-1)*InodeSize
}

// ReadInode reads inode num. num==0 is a contract violation, never a
// valid index.
func (fs *FS) ReadInode(num uint32) (Inode, error) {
	if num == 0 || num > fs.sb.NumInodes {
		return Inode{}, ErrInvalidInode
	}
	b := make([]byte, InodeSize)
	if _, err := fs.dev.ReadAt(b, fs.inodeOffset(num)); err != nil {
		return Inode{}, err
	}
	return unmarshalInode(b), nil
}

// WriteInode writes ino back to disk at slot num.
func (fs *FS) WriteInode(num uint32, ino Inode) error {
	if num == 0 || num > fs.sb.NumInodes {
		return ErrInvalidInode
	}
	b := ino.marshal()
	_, err := fs.dev.WriteAt(b[:], fs.inodeOffset(num))
	return err
}

// AllocInode scans the cached inode bitmap for the first clear bit, sets
// it, writes the bitmap byte back, and writes a zeroed inode with
// NumLinks=1.
func (fs *FS) AllocInode() (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	idx, ok := firstClearBit(fs.imap)
	if !ok || uint32(idx) > fs.sb.NumInodes {
		// The bitmap is block-padded, so its tail bits run past the real
		// inode count.
		return 0, ErrOutOfInodes
	}
	setBit(fs.imap, idx)
	byteIdx := idx / 8
	if _, err := fs.dev.WriteAt(fs.imap[byteIdx:byteIdx+1], int64(fs.imapBase)*MetaBlockSize+int64(byteIdx)); err != nil {
		return 0, err
	}
	num := uint32(idx) // bit 0 is reserved (inode 0 is invalid), so bit 1 is inode 1
	ino := Inode{NumLinks: 1}
	b := ino.marshal()
	if _, err := fs.dev.WriteAt(b[:], fs.inodeOffset(num)); err != nil {
		return 0, err
	}
	return num, nil
}

// AllocZone is symmetric on the zone bitmap. Bitmap bit 0 is the reserved
// "no zone" sentinel (so zoneNum==0 can keep meaning "hole" everywhere
// else in this package); bit index i>0 maps to absolute zone number
// FirstDataZone+i-1, keeping every allocated zone inside the data region
// rather than colliding with the bitmaps/inode table.
func (fs *FS) AllocZone() (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	idx, ok := firstClearBit(fs.zmap)
	if !ok || uint32(idx) > fs.sb.NumZones {
		return 0, ErrOutOfZones
	}
	setBit(fs.zmap, idx)
	byteIdx := idx / 8
	if _, err := fs.dev.WriteAt(fs.zmap[byteIdx:byteIdx+1], int64(fs.zmapBase)*MetaBlockSize+int64(byteIdx)); err != nil {
		return 0, err
	}
	return uint32(fs.sb.FirstDataZone) + uint32(idx) - 1, nil
}

// firstClearBit scans bm byte-by-byte for the first non-0xFF byte, then
// the first clear bit within it.
func firstClearBit(bm []byte) (int, bool) {
	for byteIdx, b := range bm {
		if b == 0xFF {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) == 0 {
				return byteIdx*8 + bit, true
			}
		}
	}
	return 0, false
}

func setBit(bm []byte, idx int) {
	bm[idx/8] |= 1 << (idx % 8)
}

// isValidZone reports whether z addresses allocatable data: at or past
// first_data_zone and below first_data_zone plus the zone count.
func (fs *FS) isValidZone(z uint32) bool {
	first := uint32(fs.sb.FirstDataZone)
	return z >= first && z < fs.sb.NumZones+first
}

// walkZones enumerates an inode's zones in canonical order (direct, then
// single/double/triple indirect), invoking visit(zoneNum) for each logical
// zone slot in file order. visit returns (stop, err); a true stop ends the
// walk without error. The descent is bounded by the fixed three-level
// indirection depth, so it never recurses unboundedly.
func (fs *FS) walkZones(ino Inode, visit func(zoneNum uint32) (bool, error)) error {
	for i := 0; i < NumDirectZones; i++ {
		stop, err := visit(ino.Zones[i])
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	epz := fs.sb.EntriesPerIndirectZone()
	for depth, slot := range [3]int{NumDirectZones, NumDirectZones + 1, NumDirectZones + 2} {
		stop, err := fs.walkIndirect(ino.Zones[slot], depth+1, epz, visit)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (fs *FS) walkIndirect(zoneNum uint32, depth int, epz uint32, visit func(uint32) (bool, error)) (bool, error) {
	if depth == 1 {
		if zoneNum == 0 {
			for i := uint32(0); i < epz; i++ {
				stop, err := visit(0)
				if err != nil || stop {
					return true, err
				}
			}
			return false, nil
		}
		buf := make([]byte, fs.sb.ZoneSize())
		if _, err := fs.dev.ReadAt(buf, int64(zoneNum)*int64(fs.sb.ZoneSize())); err != nil {
			return true, err
		}
		for i := uint32(0); i < epz; i++ {
			entry := binary.LittleEndian.Uint32(buf[i*4:])
			stop, err := visit(entry)
			if err != nil || stop {
				return true, err
			}
		}
		return false, nil
	}

	if zoneNum == 0 {
		total := uint64(epz)
		for k := 1; k < depth; k++ {
			total *= uint64(epz)
		}
		for i := uint64(0); i < total; i++ {
			stop, err := visit(0)
			if err != nil || stop {
				return true, err
			}
		}
		return false, nil
	}
	buf := make([]byte, fs.sb.ZoneSize())
	if _, err := fs.dev.ReadAt(buf, int64(zoneNum)*int64(fs.sb.ZoneSize())); err != nil {
		return true, err
	}
	for i := uint32(0); i < epz; i++ {
		entry := binary.LittleEndian.Uint32(buf[i*4:])
		stop, err := fs.walkIndirect(entry, depth-1, epz, visit)
		if err != nil || stop {
			return true, err
		}
	}
	return false, nil
}

// GetData is the zone-indirection read path: two cursors
// (file position while walking zones, bytes delivered to dst)
// advance together; a zero zone pointer is a hole and reads as zeros.
func (fs *FS) GetData(ino Inode, dst []byte, offset, count uint64) (int, error) {
	if count > uint64(len(dst)) {
		return 0, fmt.Errorf("minix3: dst too small for count %d", count)
	}
	zoneSize := uint64(fs.sb.ZoneSize())
	var fileCursor, bufferCursor uint64

	visit := func(zoneNum uint32) (bool, error) {
		if bufferCursor >= count {
			return true, nil
		}
		zEnd := fileCursor + zoneSize
		if zEnd <= offset {
			fileCursor = zEnd
			return false, nil
		}
		var start uint64
		if fileCursor < offset {
			start = offset - fileCursor
		}
		avail := zoneSize - start
		remaining := count - bufferCursor
		n := avail
		if remaining < n {
			n = remaining
		}
		if zoneNum != 0 && fs.isValidZone(zoneNum) {
			zoneData := make([]byte, zoneSize)
			if _, err := fs.dev.ReadAt(zoneData, int64(zoneNum)*int64(zoneSize)); err != nil {
				return true, err
			}
			copy(dst[bufferCursor:bufferCursor+n], zoneData[start:start+n])
		} else {
			// Holes and out-of-range zone pointers both read as zeros.
			clear(dst[bufferCursor : bufferCursor+n])
		}
		bufferCursor += n
		fileCursor = zEnd
		return bufferCursor >= count, nil
	}

	if err := fs.walkZones(ino, visit); err != nil {
		return int(bufferCursor), err
	}
	return int(bufferCursor), nil
}

// PutData is the write path: whole zones are written outright, the
// first/last partial zones are read-modify-written. A write that reaches
// a hole (a zero zone pointer) returns ErrSparseWriteUnsupported; zones
// are never allocated on extend.
func (fs *FS) PutData(ino Inode, src []byte, offset, count uint64) (int, error) {
	if count > uint64(len(src)) {
		return 0, fmt.Errorf("minix3: src too small for count %d", count)
	}
	zoneSize := uint64(fs.sb.ZoneSize())
	var fileCursor, bufferCursor uint64

	visit := func(zoneNum uint32) (bool, error) {
		if bufferCursor >= count {
			return true, nil
		}
		zEnd := fileCursor + zoneSize
		if zEnd <= offset {
			fileCursor = zEnd
			return false, nil
		}
		if zoneNum == 0 {
			return true, ErrSparseWriteUnsupported
		}
		var start uint64
		if fileCursor < offset {
			start = offset - fileCursor
		}
		avail := zoneSize - start
		remaining := count - bufferCursor
		n := avail
		if remaining < n {
			n = remaining
		}
		if !fs.isValidZone(zoneNum) {
			// Out-of-range pointer: skipped without a write, and the
			// caller cannot distinguish this from a successful one.
			bufferCursor += n
			fileCursor = zEnd
			return bufferCursor >= count, nil
		}
		zoneAddr := int64(zoneNum) * int64(zoneSize)
		if start != 0 || n != zoneSize {
			buf := make([]byte, zoneSize)
			if _, err := fs.dev.ReadAt(buf, zoneAddr); err != nil {
				return true, err
			}
			copy(buf[start:start+n], src[bufferCursor:bufferCursor+n])
			if _, err := fs.dev.WriteAt(buf, zoneAddr); err != nil {
				return true, err
			}
		} else {
			if _, err := fs.dev.WriteAt(src[bufferCursor:bufferCursor+n], zoneAddr); err != nil {
				return true, err
			}
		}
		bufferCursor += n
		fileCursor = zEnd
		return bufferCursor >= count, nil
	}

	if err := fs.walkZones(ino, visit); err != nil {
		return int(bufferCursor), err
	}
	return int(bufferCursor), nil
}
