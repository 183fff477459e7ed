package kernel

import (
	"errors"
	"fmt"

	"github.com/sagevm/rvos/internal/elf"
	"github.com/sagevm/rvos/internal/mem/mmu"
	"github.com/sagevm/rvos/internal/mem/page"
	"github.com/sagevm/rvos/internal/proc"
	"github.com/sagevm/rvos/internal/trap"
)

// ErrNoTextSegment is returned by Spawn for an image with no executable
// PT_LOAD segment.
var ErrNoTextSegment = errors.New("kernel: image has no text segment")

const userStackPages = 4

// userStackTop sits just below the trampoline mapping.
const userStackTop = trampolineVA

// Spawn parses an ELF image, builds a fresh user address space for it, and
// queues the new process. Segment pages and the stack are owned by the
// process and released at reap; the trampoline frame is shared by every
// address space and only referenced.
func (k *Kernel) Spawn(image []byte) (*proc.Process, error) {
	f, err := elf.Parse(image)
	if err != nil {
		return nil, fmt.Errorf("kernel: spawn: %w", err)
	}
	if _, ok := f.TextSegment(); !ok {
		return nil, ErrNoTextSegment
	}

	root, err := k.mmu.NewTable()
	if err != nil {
		return nil, fmt.Errorf("kernel: spawn page table: %w", err)
	}

	k.mu.Lock()
	pid := k.nextPID
	k.nextPID++
	k.mu.Unlock()

	p := proc.New(pid, root, defaultPriority, defaultQuantum)

	for _, seg := range f.Segments {
		if err := k.mapSegment(p, seg); err != nil {
			k.reap(p)
			return nil, err
		}
	}

	stackRef, _, err := k.pages.AllocNZero(userStackPages)
	if err != nil {
		k.reap(p)
		return nil, fmt.Errorf("kernel: spawn stack: %w", err)
	}
	p.AddOwnedPage(stackRef)
	stackBase := userStackTop - uint64(userStackPages)*page.Size
	for i := 0; i < userStackPages; i++ {
		va := stackBase + uint64(i)*page.Size
		pa := k.pages.Addr(stackRef) + uint64(i)*page.Size
		if err := k.mmu.Map(root, va, pa, mmu.Level4K, mmu.BitRead|mmu.BitWrite|mmu.BitUser); err != nil {
			k.reap(p)
			return nil, fmt.Errorf("kernel: map stack: %w", err)
		}
	}

	// The trampoline stays addressable across satp swaps: mapped into
	// every table, supervisor-only, and never owned by any process.
	if err := k.mmu.Map(root, k.trampolineVA, k.pages.Addr(k.trampoline), mmu.Level4K, mmu.BitRead|mmu.BitExec); err != nil {
		k.reap(p)
		return nil, fmt.Errorf("kernel: map trampoline: %w", err)
	}
	k.mmu.FenceAll()

	p.Frame.Sepc = f.Header.Entry
	p.Frame.Xreg[2] = userStackTop // sp
	p.Frame.Satp = satpFor(p.ASID(), root)
	p.Frame.TrapSatp = satpFor(mmu.KernelASID, k.kernelRoot)
	p.Mode = trap.ModeUser

	k.mu.Lock()
	k.procs[pid] = p
	k.mu.Unlock()
	k.sched.Insert(p)

	k.log.Info("kernel: spawned", "pid", pid, "entry", fmt.Sprintf("%#x", f.Header.Entry))
	return p, nil
}

// mapSegment copies one PT_LOAD segment into freshly allocated pages and
// maps them at the segment's virtual address with its permission bits.
func (k *Kernel) mapSegment(p *proc.Process, seg elf.Segment) error {
	if seg.MemSize == 0 {
		return nil
	}
	vaStart := seg.VAddr &^ (page.Size - 1)
	vaEnd := (seg.VAddr + seg.MemSize + page.Size - 1) &^ (page.Size - 1)
	npages := int((vaEnd - vaStart) / page.Size)

	ref, data, err := k.pages.AllocNZero(npages)
	if err != nil {
		return fmt.Errorf("kernel: segment pages: %w", err)
	}
	p.AddOwnedPage(ref)
	copy(data[seg.VAddr-vaStart:], seg.Data)

	bits := mmu.BitUser | mmu.BitRead
	if seg.Flags&elf.PFWrite != 0 {
		bits |= mmu.BitWrite
	}
	if seg.Flags&elf.PFExec != 0 {
		bits |= mmu.BitExec
	}
	for i := 0; i < npages; i++ {
		va := vaStart + uint64(i)*page.Size
		pa := k.pages.Addr(ref) + uint64(i)*page.Size
		if err := k.mmu.Map(p.PageTableRoot, va, pa, mmu.Level4K, bits); err != nil {
			return fmt.Errorf("kernel: map segment at %#x: %w", va, err)
		}
	}
	return nil
}

// Process looks up a live process by pid.
func (k *Kernel) Process(pid uint16) (*proc.Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}
