package sbi

import (
	"errors"
	"fmt"
	"sync"
)

// Errors returned by HART lifecycle operations.
var (
	ErrInvalidHart = errors.New("sbi: invalid hart id")
	ErrBusyHart    = errors.New("sbi: hart not in required status")
	ErrUnavailable = errors.New("sbi: hart lock unavailable")
)

// HartData is the per-HART record the SBI owns, mutated only under the
// HART's own lock.
type HartData struct {
	Status     HartStatus
	PrivMode   PrivMode
	TargetAddr uint64
	Scratch    uint64
	SATP       uint64
}

type hartSlot struct {
	mu       sync.Mutex
	data     HartData
	msip     chan struct{}
	mtimecmp uint64
}

// Machine owns every HART's lifecycle state plus the small set of
// machine-mode facilities (timer compare registers, UART, wall clock, the
// poweroff flag) that the SBI ecall dictionary exposes. One Machine is
// shared by every HART goroutine.
type Machine struct {
	harts []hartSlot

	wallClockFn func() uint64 // injected for deterministic tests
	halted      bool
	haltMu      sync.Mutex

	uartPutc func(byte)
	uartGetc func() (byte, bool)
}

// NewMachine constructs a Machine with n HARTs, all initially Stopped
// except hart 0 which the real boot protocol always starts directly in
// Supervisor mode (the SBI itself brought it up, so it has no Starting
// handshake to perform).
func NewMachine(n int, wallClock func() uint64) *Machine {
	m := &Machine{harts: make([]hartSlot, n), wallClockFn: wallClock}
	for i := range m.harts {
		m.harts[i].msip = make(chan struct{}, 1)
		m.harts[i].data.Status = HartStopped
	}
	if n > 0 {
		m.harts[0].data.Status = HartStarted
		m.harts[0].data.PrivMode = PrivSupervisor
	}
	return m
}

// SetUART wires the SBI's PUTCHAR/GETCHAR ecalls to a UART device.
func (m *Machine) SetUART(putc func(byte), getc func() (byte, bool)) {
	m.uartPutc = putc
	m.uartGetc = getc
}

func (m *Machine) hart(id int) (*hartSlot, error) {
	if id < 0 || id >= len(m.harts) {
		return nil, ErrInvalidHart
	}
	return &m.harts[id], nil
}

// HartStatus returns the current status of the given HART.
func (m *Machine) HartStatus(id int) (HartStatus, error) {
	h, err := m.hart(id)
	if err != nil {
		return HartInvalid, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.Status, nil
}

// HartStart implements hart_start: atomically checks
// status==Stopped, writes {Starting, target, scratch, satp}, and signals
// the target HART's MSIP so its parked goroutine wakes and completes the
// transition to Started via WaitForMSIP.
func (m *Machine) HartStart(id int, target, scratch, satp uint64) error {
	h, err := m.hart(id)
	if err != nil {
		return err
	}
	if !h.mu.TryLock() {
		return ErrUnavailable
	}
	defer h.mu.Unlock()

	if h.data.Status != HartStopped {
		return fmt.Errorf("%w: hart %d status=%s", ErrBusyHart, id, h.data.Status)
	}
	h.data.Status = HartStarting
	h.data.TargetAddr = target
	h.data.Scratch = scratch
	h.data.SATP = satp

	select {
	case h.msip <- struct{}{}:
	default:
	}
	return nil
}

// HartStop implements hart_stop: self-addressed only, Running/Started ->
// Stopped, after which the HART's goroutine should call WaitForMSIP to
// park until the next HartStart.
func (m *Machine) HartStop(id int) error {
	h, err := m.hart(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data.Status != HartStarted {
		return fmt.Errorf("%w: hart %d status=%s", ErrBusyHart, id, h.data.Status)
	}
	h.data.Status = HartStopped
	h.data.TargetAddr = 0
	h.data.Scratch = 0
	h.data.SATP = 0
	return nil
}

// WaitForMSIP blocks the calling goroutine (representing the target HART
// parked in a WFI loop) until HartStart signals it, then completes the
// Starting->Started transition and returns the entry parameters to resume
// at. It is the goroutine analogue of the machine-mode MSIP handler a
// parked HART runs.
func (m *Machine) WaitForMSIP(id int) (HartData, error) {
	h, err := m.hart(id)
	if err != nil {
		return HartData{}, err
	}
	<-h.msip

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data.Status != HartStarting {
		// Spurious wakeup with nothing to start; caller should keep parking.
		return HartData{}, ErrBusyHart
	}
	h.data.Status = HartStarted
	return h.data, nil
}

// Halted reports whether POWEROFF has been issued.
func (m *Machine) Halted() bool {
	m.haltMu.Lock()
	defer m.haltMu.Unlock()
	return m.halted
}

func (m *Machine) setHalted() {
	m.haltMu.Lock()
	m.halted = true
	m.haltMu.Unlock()
}
