// Package kheap implements the kernel's first-fit free-list allocator
// over a reserved virtual heap region. It is distinct from
// internal/mem/page (the physical page allocator): kheap carves small,
// arbitrarily-sized blocks out of a region the page allocator has already
// handed it.
package kheap

import (
	"encoding/binary"
	"errors"
)

// ErrOutOfMemory is returned when no free block is large enough.
var ErrOutOfMemory = errors.New("kheap: out of memory")

const (
	alignment = 16
	// headerSize is the in-band metadata block preceding every chunk:
	// size (8 bytes), free flag as a full word for alignment (8 bytes).
	headerSize = 16

	// splitThreshold is the minimum remainder worth splitting off as its
	// own free block; smaller remainders are left attached to the
	// allocated block as internal fragmentation.
	splitThreshold = headerSize + alignment
)

// Heap is a first-fit allocator over a fixed byte region. Metadata
// blocks (size + free flag) live at the base of each chunk, in-band.
type Heap struct {
	region []byte
}

// New carves a Heap out of region, initialized as one large free chunk.
func New(region []byte) *Heap {
	h := &Heap{region: region}
	if len(region) >= headerSize {
		h.putHeader(0, uint64(len(region)-headerSize), true)
	}
	return h
}

func (h *Heap) putHeader(off int, size uint64, free bool) {
	binary.LittleEndian.PutUint64(h.region[off:], size)
	f := uint64(0)
	if free {
		f = 1
	}
	binary.LittleEndian.PutUint64(h.region[off+8:], f)
}

func (h *Heap) header(off int) (size uint64, free bool) {
	size = binary.LittleEndian.Uint64(h.region[off:])
	free = binary.LittleEndian.Uint64(h.region[off+8:]) != 0
	return
}

func roundUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

// Kmalloc returns a slice of at least n bytes, or ErrOutOfMemory. The
// request size is rounded up to the allocator's alignment.
func (h *Heap) Kmalloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("kheap: size must be positive")
	}
	want := roundUp(n, alignment)

	off := 0
	for off+headerSize <= len(h.region) {
		size, free := h.header(off)
		chunkEnd := off + headerSize + int(size)
		if chunkEnd > len(h.region) || chunkEnd < off {
			break // corrupt/unreachable metadata; stop rather than loop
		}
		if free && int(size) >= want {
			remainder := int(size) - want
			if remainder >= splitThreshold {
				h.putHeader(off, uint64(want), false)
				newOff := off + headerSize + want
				h.putHeader(newOff, uint64(remainder-headerSize), true)
			} else {
				h.putHeader(off, size, false)
			}
			return h.region[off+headerSize : off+headerSize+want], nil
		}
		off = chunkEnd
	}
	return nil, ErrOutOfMemory
}

// Kcalloc is Kmalloc followed by zeroing.
func (h *Heap) Kcalloc(n, sz int) ([]byte, error) {
	b, err := h.Kmalloc(n * sz)
	if err != nil {
		return nil, err
	}
	clear(b)
	return b, nil
}

// Kfree returns p (as returned by Kmalloc) to the free list and compacts
// with its immediate successors while they are also free.
func (h *Heap) Kfree(p []byte) error {
	off := h.offsetOf(p)
	if off < 0 {
		return errors.New("kheap: pointer not owned by this heap")
	}
	size, _ := h.header(off)
	h.putHeader(off, size, true)
	h.compactFrom(off)
	return nil
}

func (h *Heap) offsetOf(p []byte) int {
	if len(p) == 0 {
		return -1
	}
	// Walk the chunk list comparing payload addresses; p always aliases
	// h.region, since it was returned by Kmalloc.
	target := &p[0]
	for off := 0; off+headerSize <= len(h.region); {
		if &h.region[off+headerSize] == target {
			return off
		}
		size, _ := h.header(off)
		off += headerSize + int(size)
	}
	return -1
}

// compactFrom merges the free chunk at off with any immediately following
// free chunks.
func (h *Heap) compactFrom(off int) {
	for {
		size, free := h.header(off)
		if !free {
			return
		}
		nextOff := off + headerSize + int(size)
		if nextOff+headerSize > len(h.region) {
			return
		}
		nextSize, nextFree := h.header(nextOff)
		if !nextFree {
			return
		}
		h.putHeader(off, size+headerSize+nextSize, true)
	}
}

// Stats partitions the heap's bytes; Free + Used == Total at all times.
type Stats struct {
	Free  int
	Used  int
	Total int
}

// Stat walks the chunk list and reports free/used byte totals.
func (h *Heap) Stat() Stats {
	var s Stats
	off := 0
	for off+headerSize <= len(h.region) {
		size, free := h.header(off)
		s.Total += int(size)
		if free {
			s.Free += int(size)
		} else {
			s.Used += int(size)
		}
		off += headerSize + int(size)
	}
	return s
}
