// Package vfs implements the mount table and File handle layer: resolve a
// path to a backing device, open/read/write/seek/stat/link, dispatching on
// a File's Kind between a Minix3-backed filesystem and a raw block device.
package vfs

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sagevm/rvos/internal/container"
	"github.com/sagevm/rvos/internal/minix3"
)

// Kind is the type of object a File handle refers to.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindBlock
	KindChar
	KindLink
	KindPipe
	KindSocket
)

// Open flags, a small stable subset of the libc-facing ABI.
const (
	OFlagRead   = 1 << 0
	OFlagWrite  = 1 << 1
	OFlagCreate = 1 << 2
	OFlagTrunc  = 1 << 3
)

// Whence values for Seek.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

var (
	// ErrNotFound is returned when a path component doesn't resolve and
	// OFlagCreate wasn't set.
	ErrNotFound = errors.New("vfs: no such file or directory")
	// ErrNoMount is returned when no mount point's prefix matches a path.
	ErrNoMount = errors.New("vfs: no mount covers path")
	// ErrIsDirectory / ErrNotDirectory guard link/open misuse.
	ErrIsDirectory  = errors.New("vfs: is a directory")
	ErrNotDirectory = errors.New("vfs: not a directory")
	// ErrNotRegular is returned by link when the source isn't a plain file.
	ErrNotRegular = errors.New("vfs: not a regular file")
)

// MinixBackend is the subset of *minix3.FS that VFS drives a Minix3 mount
// through. *minix3.FS satisfies this directly.
type MinixBackend interface {
	ReadInode(num uint32) (minix3.Inode, error)
	WriteInode(num uint32, ino minix3.Inode) error
	GetData(ino minix3.Inode, dst []byte, offset, count uint64) (int, error)
	PutData(ino minix3.Inode, src []byte, offset, count uint64) (int, error)
	AllocInode() (uint32, error)
	AllocZone() (uint32, error)
	FindDirEntry(parent minix3.Inode, name string) (minix3.DirEntry, bool, error)
	AppendDirEntry(parentNum uint32, parent minix3.Inode, e minix3.DirEntry) (minix3.Inode, error)
	GetInodeFromPath(path string, wantParent bool) (uint32, minix3.Inode, error)
}

// BlockBackend is the subset of *internal/blockdev.Device a raw block-device
// mount point dispatches reads/writes through.
type BlockBackend interface {
	ReadBytes(off uint64, out []byte) error
	WriteBytes(off uint64, data []byte) error
}

// MountPoint binds a path prefix to exactly one of a Minix3 filesystem or a
// raw block device.
type MountPoint struct {
	Path  string
	FS    MinixBackend
	Block BlockBackend
}

// VFS owns the mount table: a map from mount-path string to backing
// device.
type VFS struct {
	mu     sync.Mutex
	mounts *container.Map[string, *MountPoint]
}

// New constructs an empty VFS.
func New() *VFS {
	return &VFS{mounts: container.NewMap[string, *MountPoint](container.KeyBytesString)}
}

// Mount registers a Minix3-backed mount point at path.
func (v *VFS) Mount(path string, fs MinixBackend) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mounts.Set(path, &MountPoint{Path: path, FS: fs})
}

// MountBlock registers a raw block-device mount point at path.
func (v *VFS) MountBlock(path string, dev BlockBackend) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mounts.Set(path, &MountPoint{Path: path, Block: dev})
}

// resolveMount scans the mount table for the longest registered mount
// path that is a string prefix of path.
func (v *VFS) resolveMount(path string) (*MountPoint, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	best := ""
	var bestMount *MountPoint
	v.mounts.Each(func(mp string, m *MountPoint) {
		if strings.HasPrefix(path, mp) && len(mp) >= len(best) {
			best = mp
			bestMount = m
		}
	})
	if bestMount == nil {
		return nil, "", ErrNoMount
	}
	rel := strings.TrimPrefix(path, best)
	if rel == "" {
		rel = "/"
	}
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return bestMount, rel, nil
}

// File is an open file handle: device, type, inode data and
// number, offset, mode, size, flags, path string, kind-flags. Lifetime is
// bounded by Open -> Close.
type File struct {
	mount *MountPoint
	Kind  Kind

	InodeNum uint32
	Inode    minix3.Inode

	Offset uint64
	Mode   uint16
	Size   uint64
	Flags  int
	Path   string
}

// Stat is the public inode metadata view.
type Stat struct {
	Inode    uint32
	Mode     uint16
	NumLinks uint16
	UID      uint16
	GID      uint16
	Size     uint32
	Atime    uint32
	Mtime    uint32
	Ctime    uint32
}

// Open resolves path, creating it under O_CREAT if missing, and returns a
// File handle.
func (v *VFS) Open(path string, flags int, mode uint16) (*File, error) {
	mp, rel, err := v.resolveMount(path)
	if err != nil {
		return nil, err
	}
	if mp.Block != nil {
		return &File{mount: mp, Kind: KindBlock, Path: path, Flags: flags, Mode: mode}, nil
	}
	return v.openMinix(mp, rel, path, flags, mode)
}

func (v *VFS) openMinix(mp *MountPoint, rel, fullPath string, flags int, mode uint16) (*File, error) {
	num, ino, err := mp.FS.GetInodeFromPath(rel, false)
	if err != nil {
		if flags&OFlagCreate == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, fullPath)
		}
		return v.createMinix(mp, rel, fullPath, mode)
	}
	kind := KindFile
	if ino.IsDir() {
		kind = KindDir
	}
	return &File{
		mount: mp, Kind: kind, InodeNum: num, Inode: ino,
		Mode: mode, Size: uint64(ino.Size), Flags: flags, Path: fullPath,
	}, nil
}

func (v *VFS) createMinix(mp *MountPoint, rel, fullPath string, mode uint16) (*File, error) {
	parentRel := parentOf(rel)
	name := baseOf(rel)
	if name == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fullPath)
	}
	parentNum, parent, err := mp.FS.GetInodeFromPath(parentRel, false)
	if err != nil {
		return nil, fmt.Errorf("%w: parent of %s", ErrNotFound, fullPath)
	}
	if !parent.IsDir() {
		return nil, ErrNotDirectory
	}
	num, err := mp.FS.AllocInode()
	if err != nil {
		return nil, err
	}
	// A fresh file gets one zone up front; the write path never extends a
	// file past its allocated zones.
	zone, err := mp.FS.AllocZone()
	if err != nil {
		return nil, err
	}
	ino := minix3.Inode{Mode: minix3.ModeRegular | (mode & 0o7777), NumLinks: 1}
	ino.Zones[0] = zone
	if err := mp.FS.WriteInode(num, ino); err != nil {
		return nil, err
	}
	if _, err := mp.FS.AppendDirEntry(parentNum, parent, minix3.DirEntry{Inode: num, Name: name}); err != nil {
		return nil, err
	}
	return &File{mount: mp, Kind: KindFile, InodeNum: num, Inode: ino, Mode: mode, Path: fullPath}, nil
}

func parentOf(rel string) string {
	i := strings.LastIndex(strings.TrimSuffix(rel, "/"), "/")
	if i <= 0 {
		return "/"
	}
	return rel[:i]
}

func baseOf(rel string) string {
	trimmed := strings.TrimSuffix(rel, "/")
	i := strings.LastIndex(trimmed, "/")
	return trimmed[i+1:]
}

// Close releases a File handle. There is no process-independent resource
// to free here (the owning process's file-handle vector drops the
// reference); Close exists so callers have a symmetric Open/Close pair.
func (f *File) Close() error { return nil }

// Read copies up to len(buf) bytes starting at the handle's current
// offset, advancing it, dispatching on Kind.
func (f *File) Read(buf []byte) (int, error) {
	switch f.Kind {
	case KindBlock:
		if err := f.mount.Block.ReadBytes(f.Offset, buf); err != nil {
			return 0, err
		}
		f.Offset += uint64(len(buf))
		return len(buf), nil
	case KindDir:
		return 0, ErrIsDirectory
	default:
		n, err := f.mount.FS.GetData(f.Inode, buf, f.Offset, uint64(len(buf)))
		f.Offset += uint64(n)
		return n, err
	}
}

// Write copies buf to the handle's current offset, advancing it and the
// backing inode's size on regular files.
func (f *File) Write(buf []byte) (int, error) {
	switch f.Kind {
	case KindBlock:
		if err := f.mount.Block.WriteBytes(f.Offset, buf); err != nil {
			return 0, err
		}
		f.Offset += uint64(len(buf))
		return len(buf), nil
	case KindDir:
		return 0, ErrIsDirectory
	default:
		n, err := f.mount.FS.PutData(f.Inode, buf, f.Offset, uint64(len(buf)))
		f.Offset += uint64(n)
		if f.Offset > uint64(f.Inode.Size) {
			f.Inode.Size = uint32(f.Offset)
			f.Size = f.Offset
			if werr := f.mount.FS.WriteInode(f.InodeNum, f.Inode); werr != nil && err == nil {
				err = werr
			}
		}
		return n, err
	}
}

// Seek repositions the handle's offset: absolute, relative, or from the
// end.
func (f *File) Seek(offset int64, whence int) (uint64, error) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(f.Offset)
	case SeekEnd:
		base = int64(f.Size)
	default:
		return f.Offset, fmt.Errorf("vfs: unknown whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return f.Offset, fmt.Errorf("vfs: seek to negative offset")
	}
	f.Offset = uint64(next)
	return f.Offset, nil
}

// StatFile copies inode fields into the public Stat structure.
func (f *File) StatFile() Stat {
	return Stat{
		Inode: f.InodeNum, Mode: f.Inode.Mode, NumLinks: f.Inode.NumLinks,
		UID: f.Inode.UID, GID: f.Inode.GID, Size: f.Inode.Size,
		Atime: f.Inode.Atime, Mtime: f.Inode.Mtime, Ctime: f.Inode.Ctime,
	}
}

// Link requires file to exist and not be a directory, appends a new
// directory entry for name under dir, and increments file's link count.
func (v *VFS) Link(dirPath, fileRel string, name string) error {
	mp, rel, err := v.resolveMount(dirPath)
	if err != nil {
		return err
	}
	if mp.FS == nil {
		return ErrNotDirectory
	}
	dirNum, dir, err := mp.FS.GetInodeFromPath(rel, false)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, dirPath)
	}
	if !dir.IsDir() {
		return ErrNotDirectory
	}
	fileNum, file, err := mp.FS.GetInodeFromPath(fileRel, false)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, fileRel)
	}
	if file.IsDir() {
		return ErrNotRegular
	}
	if _, err := mp.FS.AppendDirEntry(dirNum, dir, minix3.DirEntry{Inode: fileNum, Name: name}); err != nil {
		return err
	}
	file.NumLinks++
	return mp.FS.WriteInode(fileNum, file)
}
