// mkfs builds a Minix3 disk image usable as the rvos root volume,
// optionally populating it with files from a host directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"

	"github.com/sagevm/rvos/internal/blockdev"
	"github.com/sagevm/rvos/internal/minix3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	out := flag.String("out", "disk.img", "output image path")
	sizeMB := flag.Int("size", 16, "image size in MiB")
	inodes := flag.Uint("inodes", 1024, "inode count")
	logZone := flag.Uint("log-zone-size", 0, "log2 of zone size over 1024")
	addDir := flag.String("add", "", "directory whose regular files are copied into the root")
	flag.Parse()

	size := *sizeMB << 20
	image := make([]byte, size)
	dev := blockdev.NewMemoryStorage(image)

	zones := uint32(size) / (1024 << *logZone)
	fs, err := minix3.Format(dev, uint32(*inodes), zones, uint16(*logZone))
	if err != nil {
		return fmt.Errorf("format: %w", err)
	}

	if *addDir != "" {
		if err := populate(fs, *addDir); err != nil {
			return err
		}
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()

	bar := progressbar.DefaultBytes(int64(size), "writing "+*out)
	const chunk = 1 << 20
	for off := 0; off < size; off += chunk {
		end := off + chunk
		if end > size {
			end = size
		}
		if _, err := f.Write(image[off:end]); err != nil {
			return err
		}
		bar.Add(end - off)
	}
	return bar.Finish()
}

// populate copies dir's regular files into the image's root directory.
// Each file gets a fresh inode with enough zones allocated up front, since
// the write path does not extend files past their allocated extent.
func populate(fs *minix3.FS, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	zoneSize := uint64(fs.Superblock().ZoneSize())

	rootNum := uint32(minix3.RootInode)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		needZones := int((uint64(len(data)) + zoneSize - 1) / zoneSize)
		if needZones > minix3.NumDirectZones {
			return fmt.Errorf("%s: %d bytes exceeds the direct-zone capacity this tool populates", e.Name(), len(data))
		}

		num, err := fs.AllocInode()
		if err != nil {
			return err
		}
		ino := minix3.Inode{Mode: minix3.ModeRegular | 0o644, NumLinks: 1, Size: uint32(len(data))}
		for z := 0; z < needZones; z++ {
			zone, err := fs.AllocZone()
			if err != nil {
				return err
			}
			ino.Zones[z] = zone
		}
		if err := fs.WriteInode(num, ino); err != nil {
			return err
		}
		if len(data) > 0 {
			if _, err := fs.PutData(ino, data, 0, uint64(len(data))); err != nil {
				return err
			}
		}

		root, err := fs.ReadInode(rootNum)
		if err != nil {
			return err
		}
		if _, err := fs.AppendDirEntry(rootNum, root, minix3.DirEntry{Inode: num, Name: e.Name()}); err != nil {
			return err
		}
		fmt.Printf("  added /%s (%d bytes, inode %d)\n", e.Name(), len(data), num)
	}
	return nil
}
