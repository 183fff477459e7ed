// Package mmu implements the Sv39 three-level page table walker: map at
// 4K/2M/1G granularity, translate, and address-space teardown, over
// tables resident in simulated physical memory.
package mmu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sagevm/rvos/internal/bus"
	"github.com/sagevm/rvos/internal/mem/page"
)

// PTE permission/state bits.
const (
	BitValid  uint64 = 1 << 0
	BitRead   uint64 = 1 << 1
	BitWrite  uint64 = 1 << 2
	BitExec   uint64 = 1 << 3
	BitUser   uint64 = 1 << 4
	BitGlobal uint64 = 1 << 5
	BitAccess uint64 = 1 << 6
	BitDirty  uint64 = 1 << 7
)

// Level identifies which of the three Sv39 table levels an entry lives at.
type Level int

const (
	Level4K Level = 0
	Level2M Level = 1
	Level1G Level = 2
)

func (l Level) pageSize() uint64 {
	switch l {
	case Level1G:
		return 1 << 30
	case Level2M:
		return 1 << 21
	default:
		return 1 << 12
	}
}

const (
	// KernelASID is the fixed ASID the kernel's own page table uses.
	KernelASID = 0xFFFF

	entriesPerTable = 512
	entrySize       = 8
)

// ErrPageFault is the sentinel Translate returns on an unmapped address.
// Translate does not check permission bits.
var ErrPageFault = errors.New("mmu: page fault")

// MMU walks and mutates Sv39 page tables resident in simulated physical
// memory, allocating intermediate tables from the physical page allocator.
type MMU struct {
	mem   *bus.Memory
	pages *page.Allocator
}

// New constructs an MMU backed by mem for page-table storage and pages for
// allocating new intermediate/leaf tables.
func New(mem *bus.Memory, pages *page.Allocator) *MMU {
	return &MMU{mem: mem, pages: pages}
}

// NewTable allocates and zeroes a fresh root page table, returning its
// physical address. The allocator's region must alias bus memory so the
// returned address is directly walkable.
func (m *MMU) NewTable() (uint64, error) {
	ref, _, err := m.pages.AllocNZero(1)
	if err != nil {
		return 0, err
	}
	return m.pages.Addr(ref), nil
}

func vpn(va uint64, level int) uint64 {
	return (va >> (12 + 9*uint(level))) & 0x1ff
}

func (m *MMU) readEntry(tableAddr uint64, index uint64) (uint64, error) {
	b, err := m.mem.Bytes(tableAddr+index*entrySize, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *MMU) writeEntry(tableAddr uint64, index uint64, val uint64) error {
	b, err := m.mem.Bytes(tableAddr+index*entrySize, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, val)
	return nil
}

func ptePPN(pa uint64) uint64   { return (pa >> 12) << 10 }
func ppnToPA(pte uint64) uint64 { return (pte >> 10) << 12 }

// Map installs a leaf PTE for va->pa at the given level, allocating zeroed
// intermediate tables as needed while walking from root.
func (m *MMU) Map(root uint64, va, pa uint64, level Level, bits uint64) error {
	table := root
	for l := 2; l > int(level); l-- {
		idx := vpn(va, l)
		entry, err := m.readEntry(table, idx)
		if err != nil {
			return err
		}
		if entry&BitValid == 0 {
			child, err := m.NewTable()
			if err != nil {
				return err
			}
			entry = ptePPN(child) | BitValid
			if err := m.writeEntry(table, idx, entry); err != nil {
				return err
			}
		}
		if entry&(BitRead|BitWrite|BitExec) != 0 {
			return errors.New("mmu: intermediate entry is already a leaf")
		}
		table = ppnToPA(entry)
	}

	idx := vpn(va, int(level))
	leaf := ptePPN(pa) | bits | BitValid
	return m.writeEntry(table, idx, leaf)
}

// MapRange rounds vaStart down and vaEnd up to level's page size and maps
// the run 1:1 onto pa starting at paStart, returning the count of pages
// actually mapped (ending early, with that partial count, on allocation
// failure).
func (m *MMU) MapRange(root uint64, vaStart, vaEnd, paStart uint64, level Level, bits uint64) (int, error) {
	pageSize := level.pageSize()
	vaStart &^= pageSize - 1
	vaEnd = (vaEnd + pageSize - 1) &^ (pageSize - 1)

	mapped := 0
	for va := vaStart; va < vaEnd; va += pageSize {
		pa := paStart + (va - vaStart)
		if err := m.Map(root, va, pa, level, bits); err != nil {
			return mapped, err
		}
		mapped++
	}
	m.FenceAll()
	return mapped, nil
}

// FreeTable releases every table page of an address space, root included.
// Leaf data pages are untouched; they are owned by the process and freed
// through its owned-page list.
func (m *MMU) FreeTable(root uint64) error {
	err := m.freeLevel(root, 2)
	m.FenceAll()
	return err
}

func (m *MMU) freeLevel(table uint64, level int) error {
	if level > 0 {
		for i := uint64(0); i < entriesPerTable; i++ {
			entry, err := m.readEntry(table, i)
			if err != nil {
				return err
			}
			if entry&BitValid == 0 || entry&(BitRead|BitWrite|BitExec) != 0 {
				continue
			}
			if err := m.freeLevel(ppnToPA(entry), level-1); err != nil {
				return err
			}
		}
	}
	ref, ok := m.pages.RefForAddr(table)
	if !ok {
		return fmt.Errorf("mmu: table %#x not owned by the page allocator", table)
	}
	return m.pages.Free(ref)
}

// Translate walks root for va and returns the physical address, or
// ErrPageFault if unmapped at any level.
func (m *MMU) Translate(root uint64, va uint64) (uint64, error) {
	table := root
	for l := 2; l >= 0; l-- {
		idx := vpn(va, l)
		entry, err := m.readEntry(table, idx)
		if err != nil {
			return 0, err
		}
		if entry&BitValid == 0 {
			return 0, ErrPageFault
		}
		if entry&(BitRead|BitWrite|BitExec) != 0 {
			pageSize := Level(l).pageSize()
			base := ppnToPA(entry)
			offset := va & (pageSize - 1)
			return base + offset, nil
		}
		table = ppnToPA(entry)
	}
	return 0, ErrPageFault
}
