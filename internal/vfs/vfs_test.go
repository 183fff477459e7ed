package vfs

import (
	"bytes"
	"testing"

	"github.com/sagevm/rvos/internal/minix3"
)

type memDev struct{ data []byte }

func newMemDev(size int) *memDev { return &memDev{data: make([]byte, size)} }

func (m *memDev) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}
func (m *memDev) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

type fakeBlock struct{ data []byte }

func (b *fakeBlock) ReadBytes(off uint64, out []byte) error {
	copy(out, b.data[off:])
	return nil
}
func (b *fakeBlock) WriteBytes(off uint64, data []byte) error {
	copy(b.data[off:], data)
	return nil
}

func mountedFS(t *testing.T) *minix3.FS {
	t.Helper()
	dev := newMemDev(4 << 20)
	fs, err := minix3.Format(dev, 128, 1024, 0)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return fs
}

func TestOpenCreateWriteReadRoundTrip(t *testing.T) {
	v := New()
	v.Mount("/", mountedFS(t))

	f, err := v.Open("/hello.txt", OFlagCreate|OFlagWrite, 0o644)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	want := []byte("hello, minix3")
	if _, err := f.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f2, err := v.Open("/hello.txt", OFlagRead, 0)
	if err != nil {
		t.Fatalf("Open existing: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := f2.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back %q, want %q", got, want)
	}

	st := f2.StatFile()
	if st.Size != uint32(len(want)) {
		t.Fatalf("stat size = %d, want %d", st.Size, len(want))
	}
}

func TestOpenMissingWithoutCreateFails(t *testing.T) {
	v := New()
	v.Mount("/", mountedFS(t))
	if _, err := v.Open("/nope.txt", OFlagRead, 0); err == nil {
		t.Fatalf("Open of missing file without O_CREAT should fail")
	}
}

func TestOpenRootIsDirectory(t *testing.T) {
	v := New()
	v.Mount("/", mountedFS(t))
	f, err := v.Open("/", OFlagRead, 0)
	if err != nil {
		t.Fatalf("Open /: %v", err)
	}
	if f.Kind != KindDir {
		t.Fatalf("root kind = %v, want KindDir", f.Kind)
	}
	if _, err := f.Read(make([]byte, 1)); err != ErrIsDirectory {
		t.Fatalf("Read on a directory handle = %v, want ErrIsDirectory", err)
	}
}

func TestSeekWhenceVariants(t *testing.T) {
	v := New()
	v.Mount("/", mountedFS(t))
	f, err := v.Open("/a.txt", OFlagCreate|OFlagWrite, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if off, err := f.Seek(-4, SeekEnd); err != nil || off != 6 {
		t.Fatalf("SeekEnd(-4) = %d,%v want 6,nil", off, err)
	}
	if off, err := f.Seek(2, SeekCur); err != nil || off != 8 {
		t.Fatalf("SeekCur(2) = %d,%v want 8,nil", off, err)
	}
	if off, err := f.Seek(0, SeekSet); err != nil || off != 0 {
		t.Fatalf("SeekSet(0) = %d,%v want 0,nil", off, err)
	}
}

func TestLinkIncrementsLinkCount(t *testing.T) {
	v := New()
	fs := mountedFS(t)
	v.Mount("/", fs)

	f, err := v.Open("/a.txt", OFlagCreate|OFlagWrite, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	if err := v.Link("/", "/a.txt", "b.txt"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	ino, err := fs.ReadInode(f.InodeNum)
	if err != nil {
		t.Fatal(err)
	}
	if ino.NumLinks != 2 {
		t.Fatalf("NumLinks = %d, want 2", ino.NumLinks)
	}

	f2, err := v.Open("/b.txt", OFlagRead, 0)
	if err != nil {
		t.Fatalf("Open linked name: %v", err)
	}
	if f2.InodeNum != f.InodeNum {
		t.Fatalf("linked inode %d != original %d", f2.InodeNum, f.InodeNum)
	}
}

func TestBlockDeviceMountDispatchesRawBytes(t *testing.T) {
	v := New()
	blk := &fakeBlock{data: make([]byte, 4096)}
	v.MountBlock("/dev/vda", blk)

	f, err := v.Open("/dev/vda", OFlagRead|OFlagWrite, 0)
	if err != nil {
		t.Fatalf("Open block mount: %v", err)
	}
	if f.Kind != KindBlock {
		t.Fatalf("kind = %v, want KindBlock", f.Kind)
	}
	if _, err := f.Write([]byte("disk-bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := f.Seek(0, SeekSet); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len("disk-bytes"))
	if _, err := f.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "disk-bytes" {
		t.Fatalf("read back %q", got)
	}
}
