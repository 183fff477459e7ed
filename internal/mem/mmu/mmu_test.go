package mmu

import (
	"errors"
	"testing"

	"github.com/sagevm/rvos/internal/bus"
	"github.com/sagevm/rvos/internal/mem/page"
)

func newTestMMU(t *testing.T) (*MMU, *page.Allocator) {
	t.Helper()
	const base = 0x8000_0000
	mem := bus.NewMemory(base, 4<<20)
	region, err := mem.Bytes(base, int(mem.Size()))
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	pages := page.New(region, base)
	return New(mem, pages), pages
}

func TestMapTranslateRoundTrip(t *testing.T) {
	m, _ := newTestMMU(t)
	root, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	const va, pa = 0x10_0000, 0x8010_0000
	if err := m.Map(root, va, pa, Level4K, BitRead|BitWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, err := m.Translate(root, va)
	if err != nil || got != pa {
		t.Fatalf("Translate(%#x) = %#x, %v; want %#x", va, got, err, pa)
	}
	// Any offset within the same page translates with the same delta.
	got, err = m.Translate(root, va+0xABC)
	if err != nil || got != pa+0xABC {
		t.Fatalf("Translate(%#x) = %#x, %v; want %#x", va+0xABC, got, err, pa+0xABC)
	}
}

func TestMapRange2MiB(t *testing.T) {
	m, _ := newTestMMU(t)
	root, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	n, err := m.MapRange(root, 0x4000_0000, 0x4100_0000, 0x4000_0000, Level2M, BitRead|BitWrite)
	if err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if n != 8 {
		t.Fatalf("mapped %d pages, want 8 (16 MiB at 2 MiB)", n)
	}

	got, err := m.Translate(root, 0x4010_ABCD)
	if err != nil || got != 0x4010_ABCD {
		t.Fatalf("Translate(0x4010_ABCD) = %#x, %v", got, err)
	}
	if _, err := m.Translate(root, 0x3FFF_FFFF); !errors.Is(err, ErrPageFault) {
		t.Fatalf("Translate below the range = %v, want ErrPageFault", err)
	}
}

func TestTranslateUnmappedFaults(t *testing.T) {
	m, _ := newTestMMU(t)
	root, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if _, err := m.Translate(root, 0xDEAD_0000); !errors.Is(err, ErrPageFault) {
		t.Fatalf("Translate(unmapped) = %v, want ErrPageFault", err)
	}
}

func TestUserCopyRoundTrip(t *testing.T) {
	m, pages := newTestMMU(t)
	root, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	// Two discontiguous physical pages behind contiguous virtual ones, so
	// the copy must split at the page boundary.
	ref1, _, err := pages.AllocN(1)
	if err != nil {
		t.Fatalf("AllocN: %v", err)
	}
	refGap, _, err := pages.AllocN(1)
	if err != nil {
		t.Fatalf("AllocN: %v", err)
	}
	ref2, _, err := pages.AllocN(1)
	if err != nil {
		t.Fatalf("AllocN: %v", err)
	}
	_ = refGap

	const va = 0x20_0000
	if err := m.Map(root, va, pages.Addr(ref1), Level4K, BitRead|BitWrite|BitUser); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Map(root, va+page.Size, pages.Addr(ref2), Level4K, BitRead|BitWrite|BitUser); err != nil {
		t.Fatalf("Map: %v", err)
	}

	src := make([]byte, 5000)
	for i := range src {
		src[i] = byte(i)
	}
	start := uint64(va + page.Size - 100)
	if err := m.CopyToUser(root, start, src[:3000]); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}
	out := make([]byte, 3000)
	if err := m.CopyFromUser(root, start, out); err != nil {
		t.Fatalf("CopyFromUser: %v", err)
	}
	for i := range out {
		if out[i] != src[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, out[i], src[i])
		}
	}
}

func TestFreeTableReturnsPages(t *testing.T) {
	m, pages := newTestMMU(t)
	before := pages.CountFree()

	root, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	for i := 0; i < 4; i++ {
		va := uint64(0x10_0000 + i*page.Size)
		if err := m.Map(root, va, 0x8020_0000, Level4K, BitRead); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}
	if err := m.FreeTable(root); err != nil {
		t.Fatalf("FreeTable: %v", err)
	}
	if after := pages.CountFree(); after != before {
		t.Fatalf("free pages after teardown = %d, want %d", after, before)
	}
}
