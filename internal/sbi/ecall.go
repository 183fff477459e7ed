package sbi

import "fmt"

// HandleEcall dispatches one SBI call: callerHart identifies the HART that trapped into
// M-mode, num is the a7 call number, and args holds a0..a6 in order. The
// returned value is written back to a0.
func (m *Machine) HandleEcall(callerHart int, num uint64, args [7]uint64) (uint64, error) {
	switch num {
	case CallHartStatus:
		st, err := m.HartStatus(int(args[0]))
		if err != nil {
			return ^uint64(0), err
		}
		return uint64(st), nil

	case CallHartStart:
		if err := m.HartStart(int(args[0]), args[1], args[2], args[3]); err != nil {
			return ^uint64(0), err
		}
		return 0, nil

	case CallHartStop:
		if err := m.HartStop(callerHart); err != nil {
			return ^uint64(0), err
		}
		return 0, nil

	case CallGetTime:
		return m.wallClock(), nil

	case CallSetTimecmp:
		h, err := m.hart(callerHart)
		if err != nil {
			return ^uint64(0), err
		}
		h.mu.Lock()
		h.mtimecmp = args[0]
		h.mu.Unlock()
		return 0, nil

	case CallAddTimecmp:
		h, err := m.hart(callerHart)
		if err != nil {
			return ^uint64(0), err
		}
		h.mu.Lock()
		h.mtimecmp += args[0]
		h.mu.Unlock()
		return 0, nil

	case CallAckTimer:
		// Clears STIP in mip on real hardware; here the trap/scheduler
		// layer owns the simulated mip bits, so acknowledging is a no-op
		// at the SBI layer beyond bookkeeping the call succeeded.
		return 0, nil

	case CallRTCGetTime:
		return m.wallClock(), nil

	case CallPutchar:
		if m.uartPutc == nil {
			return ^uint64(0), fmt.Errorf("sbi: no UART attached")
		}
		m.uartPutc(byte(args[0]))
		return args[0], nil

	case CallGetchar:
		if m.uartGetc == nil {
			return ^uint64(0), fmt.Errorf("sbi: no UART attached")
		}
		b, ok := m.uartGetc()
		if !ok {
			return ^uint64(0), nil
		}
		return uint64(b), nil

	case CallWhoami:
		return uint64(callerHart), nil

	case CallPoweroff:
		m.setHalted()
		return 0, nil

	default:
		return ^uint64(0), fmt.Errorf("sbi: unknown ecall number %d", num)
	}
}

func (m *Machine) wallClock() uint64 {
	if m.wallClockFn != nil {
		return m.wallClockFn()
	}
	return 0
}
