// Package bus simulates guest physical memory: the flat byte space that
// the page allocator, MMU, virtqueues, and ELF loader all address by
// physical address. There is no host VM here; the "guest" and its
// devices share one Go process's address space.
package bus

import "fmt"

// Memory is flat physical RAM starting at a fixed base address.
type Memory struct {
	base uint64
	data []byte
}

// NewMemory allocates size bytes of physical RAM based at base.
func NewMemory(base, size uint64) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

// Base returns the lowest addressable physical address.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the number of addressable bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

func (m *Memory) offset(addr uint64, n int) (uint64, error) {
	if addr < m.base {
		return 0, fmt.Errorf("bus: address %#x below base %#x", addr, m.base)
	}
	off := addr - m.base
	if n < 0 || off+uint64(n) > uint64(len(m.data)) {
		return 0, fmt.Errorf("bus: access %#x len %d out of range [%#x,%#x)", addr, n, m.base, m.base+uint64(len(m.data)))
	}
	return off, nil
}

// ReadAt implements io.ReaderAt over physical addresses (off is a physical
// address, not a file offset), so virtio queue code can treat this as
// plain guest memory.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	o, err := m.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.data[o:o+uint64(len(p))]), nil
}

// WriteAt implements io.WriterAt over physical addresses.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	o, err := m.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.data[o:o+uint64(len(p))], p), nil
}

// Bytes returns a direct slice view onto n bytes starting at addr, for
// callers (page allocator, MMU table walker) that need in-place mutation
// rather than copy semantics.
func (m *Memory) Bytes(addr uint64, n int) ([]byte, error) {
	o, err := m.offset(addr, n)
	if err != nil {
		return nil, err
	}
	return m.data[o : o+uint64(n)], nil
}

// Zero clears n bytes starting at addr.
func (m *Memory) Zero(addr uint64, n int) error {
	b, err := m.Bytes(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
