package kernel

import (
	"github.com/sagevm/rvos/internal/sbi"
	"github.com/sagevm/rvos/internal/trap"
)

// Syscall numbers, the stable ABI user programs link against.
const (
	SysExit    = 0
	SysPutchar = 1
	SysGetchar = 2
	SysYield   = 3
	SysSleep   = 4
	SysEvents  = 5
)

// errNoSys is negated into a0 for the syscall numbers (open/close/read/
// write/seek/fstat/...) the user libc exposes but the kernel end leaves
// scaffolded.
const errNoSys = 38

// syscall dispatches one ecall: a7 holds the number, a0..a6 the arguments,
// and the return value is written back to a0.
func (k *Kernel) syscall(hart int, fr *trap.Frame) {
	num := fr.Xreg[trap.RegA7]
	a0 := fr.Xreg[trap.RegA0]

	switch num {
	case SysExit:
		k.mu.Lock()
		p := k.current[hart]
		k.mu.Unlock()
		if p != nil {
			p.Exit()
		}
		k.schedule(hart)

	case SysPutchar:
		ret, err := k.machine.HandleEcall(hart, sbi.CallPutchar, [7]uint64{a0})
		if err != nil {
			k.log.Error("kernel: putchar", "err", err)
			fr.Xreg[trap.RegA0] = ^uint64(0)
			return
		}
		fr.Xreg[trap.RegA0] = ret

	case SysGetchar:
		ret, err := k.machine.HandleEcall(hart, sbi.CallGetchar, [7]uint64{})
		if err != nil {
			fr.Xreg[trap.RegA0] = ^uint64(0)
			return
		}
		fr.Xreg[trap.RegA0] = ret

	case SysYield:
		// The scheduler requeues the running process and picks again.
		k.schedule(hart)

	case SysSleep:
		k.mu.Lock()
		p := k.current[hart]
		k.mu.Unlock()
		if p != nil {
			p.Sleep(k.ticks.Load(), a0, TimerFreqHz)
		}
		k.schedule(hart)

	case SysEvents:
		// Event queue delivery is scaffolded: no input devices are bound,
		// so there are never events to report.
		fr.Xreg[trap.RegA0] = 0

	default:
		fr.Xreg[trap.RegA0] = ^uint64(errNoSys) + 1
	}
}
