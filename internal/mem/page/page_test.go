package page

import "testing"

func TestPageAllocFreeCycle(t *testing.T) {
	// 64 allocatable pages is enough that the bitmap itself fits in one
	// bookkeeping page, isolating the arithmetic under test.
	region := make([]byte, (64+1)*Size)
	a := New(region, 0)

	total := a.TotalAllocatablePages()
	if got := a.CountFree() + a.CountTaken(); got != total {
		t.Fatalf("conservation at init: free+taken=%d, want %d", got, total)
	}

	ref10, _, err := a.AllocN(10)
	if err != nil {
		t.Fatalf("AllocN(10): %v", err)
	}
	if _, _, err := a.AllocN(5); err != nil {
		t.Fatalf("AllocN(5): %v", err)
	}
	if err := a.Free(ref10); err != nil {
		t.Fatalf("Free(first 10): %v", err)
	}

	if got := a.CountFree() + a.CountTaken(); got != total {
		t.Fatalf("conservation after free: free+taken=%d, want %d", got, total)
	}

	// The freed 10-page run should now serve an 8-page request by
	// splitting it.
	if _, _, err := a.AllocN(8); err != nil {
		t.Fatalf("AllocN(8) after free should reuse freed run: %v", err)
	}
	if got := a.CountFree() + a.CountTaken(); got != total {
		t.Fatalf("conservation after realloc: free+taken=%d, want %d", got, total)
	}
}

func TestPageAllocOutOfMemory(t *testing.T) {
	region := make([]byte, (4+1)*Size)
	a := New(region, 0)
	if _, _, err := a.AllocN(100); err != ErrOutOfMemory {
		t.Fatalf("AllocN(100) = %v, want ErrOutOfMemory", err)
	}
}

func TestAllocNZeroClearsPages(t *testing.T) {
	region := make([]byte, (4+1)*Size)
	a := New(region, 0)
	_, p, err := a.AllocNZero(1)
	if err != nil {
		t.Fatalf("AllocNZero: %v", err)
	}
	p[0] = 0xFF // dirty it
	ref2, p2, err := a.AllocNZero(1)
	if err != nil {
		t.Fatalf("AllocNZero second: %v", err)
	}
	for i, b := range p2 {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want zero", i, b)
		}
	}
	_ = ref2
}
