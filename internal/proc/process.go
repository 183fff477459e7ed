// Package proc implements the per-process record: pid, HART assignment,
// privilege mode, scheduling state, owned page table and physical pages,
// open file handles, and the embedded trap frame the context switch
// saves/restores.
package proc

import (
	"github.com/sagevm/rvos/internal/container"
	"github.com/sagevm/rvos/internal/mem/page"
	"github.com/sagevm/rvos/internal/trap"
	"github.com/sagevm/rvos/internal/vfs"
)

// State is the process lifecycle state.
type State int

const (
	StateDead State = iota
	StateWaiting
	StateSleeping
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateSleeping:
		return "sleeping"
	case StateRunning:
		return "running"
	default:
		return "dead"
	}
}

// NoHart marks a Process not currently assigned to any HART.
const NoHart = -1

// Process is one schedulable unit: a pid, a HART assignment (or NoHart), a
// privilege mode, a lifecycle state, scheduling bookkeeping (sleep_until,
// runtime, priority, quantum), a heap break, an embedded trap frame, an
// owned page-table root, the list of physical pages the process owns, and
// its open file handles. ASID == pid.
type Process struct {
	PID   uint16
	Hart  int
	Mode  trap.Mode
	State State

	SleepUntil uint64
	Runtime    uint64
	Priority   uint32
	Quantum    uint64
	HeapBreak  uint64

	Frame trap.Frame

	PageTableRoot uint64
	OwnedPages    *container.Vector[page.Ref]
	Files         *container.Vector[*vfs.File]
}

// New constructs a Process in Waiting state, owning pageTableRoot as its
// page table (already populated with the shared trampoline mapping by the
// caller).
func New(pid uint16, pageTableRoot uint64, priority uint32, quantum uint64) *Process {
	return &Process{
		PID:           pid,
		Hart:          NoHart,
		Mode:          trap.ModeUser,
		State:         StateWaiting,
		Priority:      priority,
		Quantum:       quantum,
		PageTableRoot: pageTableRoot,
		OwnedPages:    container.NewVector[page.Ref](4),
		Files:         container.NewVector[*vfs.File](4),
	}
}

// ASID returns the process's address-space identifier, which is its pid.
func (p *Process) ASID() uint16 { return p.PID }

// AddOwnedPage records a physical page run the process exclusively owns,
// so a later Release walks and frees them all.
func (p *Process) AddOwnedPage(ref page.Ref) { p.OwnedPages.Push(ref) }

// Release frees every physical page this process owns via alloc, leaving
// the process's page list empty. It does not touch shared frames (like the
// trampoline), which are never tracked in OwnedPages to begin with.
func (p *Process) Release(alloc *page.Allocator) error {
	var first error
	for i := 0; i < p.OwnedPages.Len(); i++ {
		ref, _ := p.OwnedPages.At(i)
		if err := alloc.Free(ref); err != nil && first == nil {
			first = err
		}
	}
	p.OwnedPages = container.NewVector[page.Ref](0)
	return first
}

// AddFile installs f in the process's file-handle table and returns its
// descriptor index.
func (p *Process) AddFile(f *vfs.File) int {
	p.Files.Push(f)
	return p.Files.Len() - 1
}

// File returns the handle at descriptor fd.
func (p *Process) File(fd int) (*vfs.File, bool) { return p.Files.At(fd) }

// CloseFile drops the handle at descriptor fd. Descriptor indices below fd
// are unaffected; fd itself becomes unusable (the slot is not reused by a
// later AddFile in this simple table, matching a vector-backed handle list
// rather than a free-list allocator).
func (p *Process) CloseFile(fd int) bool {
	f, ok := p.File(fd)
	if !ok {
		return false
	}
	f.Close()
	return p.Files.Set(fd, nil)
}

// Sleep computes sleep_until from the current tick count and a millisecond
// duration at the given timer frequency, and transitions to Sleeping.
func (p *Process) Sleep(nowTicks, ms, timerFreqHz uint64) {
	p.SleepUntil = nowTicks + ms*timerFreqHz/1000
	p.State = StateSleeping
}

// Wake transitions a Sleeping process back to Waiting once nowTicks has
// reached SleepUntil; it's a no-op otherwise.
func (p *Process) Wake(nowTicks uint64) {
	if p.State == StateSleeping && nowTicks >= p.SleepUntil {
		p.State = StateWaiting
	}
}

// Exit marks the process Dead; the scheduler's lazy removal reaps it on
// its next encounter in the run queue.
func (p *Process) Exit() { p.State = StateDead }

// Runnable reports whether the process can be selected to run.
func (p *Process) Runnable() bool {
	return p.State == StateWaiting || p.State == StateRunning
}
