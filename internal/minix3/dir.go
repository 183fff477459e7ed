package minix3

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DirEntry is one 64-byte packed directory record.
type DirEntry struct {
	Inode uint32
	Name  string
}

func marshalDirEntry(e DirEntry) [DirEntrySize]byte {
	var b [DirEntrySize]byte
	binary.LittleEndian.PutUint32(b[0:], e.Inode)
	name := e.Name
	if len(name) > DirNameLen {
		name = name[:DirNameLen]
	}
	copy(b[4:], name)
	return b
}

func unmarshalDirEntry(b []byte) DirEntry {
	inode := binary.LittleEndian.Uint32(b[0:])
	name := b[4:DirEntrySize]
	if i := indexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return DirEntry{Inode: inode, Name: string(name)}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// ListDir reads dirIno's data and returns every entry up to (not
// including) the first terminating inode==0 record.
func (fs *FS) ListDir(dirIno Inode) ([]DirEntry, error) {
	buf := make([]byte, dirIno.Size)
	n, err := fs.GetData(dirIno, buf, 0, uint64(dirIno.Size))
	if err != nil {
		return nil, err
	}
	buf = buf[:n]

	var entries []DirEntry
	for off := 0; off+DirEntrySize <= len(buf); off += DirEntrySize {
		e := unmarshalDirEntry(buf[off : off+DirEntrySize])
		if e.Inode == 0 {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// FindDirEntry iterates parent's entries comparing names.
func (fs *FS) FindDirEntry(parent Inode, name string) (DirEntry, bool, error) {
	entries, err := fs.ListDir(parent)
	if err != nil {
		return DirEntry{}, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, true, nil
		}
	}
	return DirEntry{}, false, nil
}

// AppendDirEntry adds a new record to parent's directory data, reusing
// this filesystem's zone-indirection write path. It writes the new record
// at offset parent.Size, just past the last entry, and grows parent's
// logical size by one entry; records with inode 0 are not reused. The
// write succeeds only within already-allocated zones, matching the "no allocation on extend" behavior PutData
// documents; callers that need to grow a directory past its
// allocated zones must pre-size it.
func (fs *FS) AppendDirEntry(parentNum uint32, parent Inode, e DirEntry) (Inode, error) {
	buf := marshalDirEntry(e)
	offset := uint64(parent.Size)
	if _, err := fs.PutData(parent, buf[:], offset, DirEntrySize); err != nil {
		return parent, err
	}
	parent.Size += DirEntrySize
	if err := fs.WriteInode(parentNum, parent); err != nil {
		return parent, err
	}
	return parent, nil
}

// SplitPath splits an absolute path into its non-empty components.
// join(split(p)) == canonical(p) for any absolute path.
func SplitPath(path string) []string {
	var parts []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return parts
}

// JoinPath renders components back into a canonical absolute path.
func JoinPath(parts []string) string {
	return "/" + strings.Join(parts, "/")
}

// GetInodeFromPath walks from the root inode component-by-component. If
// wantParent is set, it returns the penultimate inode (the final
// element's parent) instead of resolving the final element; the final
// component's name is not returned.
func (fs *FS) GetInodeFromPath(path string, wantParent bool) (num uint32, ino Inode, err error) {
	parts := SplitPath(path)
	num = RootInode
	ino, err = fs.ReadInode(num)
	if err != nil {
		return 0, Inode{}, err
	}
	if len(parts) == 0 {
		return num, ino, nil
	}

	stopAt := len(parts)
	if wantParent {
		stopAt--
	}
	for i := 0; i < stopAt; i++ {
		if !ino.IsDir() {
			return 0, Inode{}, fmt.Errorf("minix3: %q is not a directory", parts[i])
		}
		entry, ok, err := fs.FindDirEntry(ino, parts[i])
		if err != nil {
			return 0, Inode{}, err
		}
		if !ok {
			return 0, Inode{}, fmt.Errorf("minix3: %q: no such entry", parts[i])
		}
		num = entry.Inode
		ino, err = fs.ReadInode(num)
		if err != nil {
			return 0, Inode{}, err
		}
	}
	return num, ino, nil
}

// TraverseNode is one entry the Traverse callback receives.
type TraverseNode struct {
	Inode uint32
	Path  string
	Depth int
}

// Traverse walks a directory subtree depth-first starting at root,
// invoking cb on every node (including root) exactly once and skipping
// "." and "..". It uses an explicit worklist rather than
// Go call-stack recursion, since a malformed filesystem could otherwise
// blow the stack; maxDepth bounds
// how deep the walk descends.
func (fs *FS) Traverse(rootNum uint32, rootPath string, maxDepth int, cb func(TraverseNode) error) error {
	type work struct {
		num   uint32
		path  string
		depth int
	}
	stack := []work{{num: rootNum, path: rootPath, depth: 0}}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ino, err := fs.ReadInode(n.num)
		if err != nil {
			return err
		}
		if err := cb(TraverseNode{Inode: n.num, Path: n.path, Depth: n.depth}); err != nil {
			return err
		}
		if !ino.IsDir() || n.depth >= maxDepth {
			continue
		}
		entries, err := fs.ListDir(ino)
		if err != nil {
			return err
		}
		// Push in reverse so traversal order matches a natural recursive
		// depth-first walk (first entry visited first).
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.Name == "." || e.Name == ".." {
				continue
			}
			stack = append(stack, work{num: e.Inode, path: n.path + "/" + e.Name, depth: n.depth + 1})
		}
	}
	return nil
}
