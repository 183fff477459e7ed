package kernel

import (
	"github.com/sagevm/rvos/internal/proc"
	"github.com/sagevm/rvos/internal/sbi"
	"github.com/sagevm/rvos/internal/sched"
	"github.com/sagevm/rvos/internal/trap"
)

// schedule runs one scheduling decision on a HART: account the outgoing
// process, wake any sleepers that are due, pick the minimum-vruntime
// candidate, and context-switch to it. With an empty run queue the HART
// goes idle until the next timer.
func (k *Kernel) schedule(hart int) {
	now := k.ticks.Load()

	k.mu.Lock()
	outgoing := k.current[hart]
	k.mu.Unlock()

	if outgoing != nil {
		switch outgoing.State {
		case proc.StateRunning:
			outgoing.State = proc.StateWaiting
			k.sched.Tick(outgoing, outgoing.Quantum)
		case proc.StateDead:
			k.reap(outgoing)
		case proc.StateSleeping:
			// Requeued below once its deadline passes; keep it out of the
			// run queue meanwhile.
			k.sched.Remove(outgoing)
			k.sleepers(outgoing)
		}
	}

	k.wakeSleepers(now)

	next, ok := k.sched.GetNext()
	if !ok {
		k.mu.Lock()
		k.current[hart] = nil
		k.mu.Unlock()
		return
	}
	k.contextSwitch(hart, next)
}

// sleepers parks p in the sleeper list.
func (k *Kernel) sleepers(p *proc.Process) {
	k.mu.Lock()
	k.sleeping.PushBack(p)
	k.mu.Unlock()
}

// wakeSleepers moves every due sleeper back into the run queue.
func (k *Kernel) wakeSleepers(now uint64) {
	k.mu.Lock()
	var woken []*proc.Process
	for n := k.sleeping.Len(); n > 0; n-- {
		p, _ := k.sleeping.PopFront()
		p.Wake(now)
		switch p.State {
		case proc.StateWaiting:
			woken = append(woken, p)
		case proc.StateSleeping:
			k.sleeping.PushBack(p)
		}
	}
	k.mu.Unlock()

	for _, p := range woken {
		k.sched.Insert(p)
	}
}

// contextSwitch makes p current on the HART: the trap frame pointer swap
// is implicit (the HART loop reads the current process's embedded frame),
// and the address-space switch writes satp and fences by ASID.
func (k *Kernel) contextSwitch(hart int, p *proc.Process) {
	p.State = proc.StateRunning
	p.Hart = hart
	p.Frame.Satp = satpFor(p.ASID(), p.PageTableRoot)

	k.mu.Lock()
	k.current[hart] = p
	k.mu.Unlock()

	k.mmu.Fence(p.ASID())

	// The selected process's quantum scales the next timer compare delta.
	delta := sched.NextMtimecmpDelta(p, TimerFreqHz/1000)
	if _, err := k.machine.HandleEcall(hart, sbi.CallAddTimecmp, [7]uint64{delta}); err != nil {
		k.log.Error("kernel: set mtimecmp", "hart", hart, "err", err)
	}
}

// reap releases a Dead process's resources: its owned physical pages, its
// page table, and its file handles. The trampoline frame is shared, never
// tracked as owned, and survives.
func (k *Kernel) reap(p *proc.Process) {
	k.mu.Lock()
	if p.Hart >= 0 && p.Hart < MaxHarts && k.current[p.Hart] == p {
		k.current[p.Hart] = nil
	}
	delete(k.procs, p.PID)
	k.mu.Unlock()

	for i := 0; ; i++ {
		f, ok := p.File(i)
		if !ok {
			break
		}
		if f != nil {
			f.Close()
		}
	}
	if err := p.Release(k.pages); err != nil {
		k.log.Warn("kernel: release process pages", "pid", p.PID, "err", err)
	}
	if err := k.mmu.FreeTable(p.PageTableRoot); err != nil {
		k.log.Warn("kernel: release page table", "pid", p.PID, "err", err)
	}
	k.log.Debug("kernel: reaped", "pid", p.PID)
}

// CurrentProcess returns the process running on a HART, or nil while idle.
func (k *Kernel) CurrentProcess(hart int) *proc.Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current[hart]
}

// Ecall simulates a user-mode ecall trap on a HART: the current process's
// frame carries the syscall number in a7 and arguments in a0..a6; sepc
// advances past the ecall on return. The a0 slot carries the result.
func (k *Kernel) Ecall(hart int, num uint64, args ...uint64) uint64 {
	fr := k.currentFrame(hart)
	fr.Xreg[17] = num
	for i, a := range args {
		if i >= 7 {
			break
		}
		fr.Xreg[10+i] = a
	}
	if err := dispatchEcall(fr, k, hart); err != nil {
		k.log.Error("kernel: ecall", "hart", hart, "num", num, "err", err)
	}
	return fr.Xreg[10]
}

func dispatchEcall(fr *trap.Frame, k *Kernel, hart int) error {
	return trap.Dispatch(trap.Cause{Code: trap.ExcEcallFromUser}, trap.ModeUser, fr, k.hooks(hart))
}
