package sbi

import "testing"

func TestHartStartTransitionsStoppedToStarted(t *testing.T) {
	m := NewMachine(2, func() uint64 { return 42 })

	if st, err := m.HartStatus(1); err != nil || st != HartStopped {
		t.Fatalf("initial status = %v, %v", st, err)
	}

	done := make(chan HartData, 1)
	go func() {
		data, err := m.WaitForMSIP(1)
		if err != nil {
			t.Errorf("WaitForMSIP: %v", err)
		}
		done <- data
	}()

	if err := m.HartStart(1, 0x8020_0000, 0x1000, 0xABCD); err != nil {
		t.Fatalf("HartStart: %v", err)
	}

	data := <-done
	if data.TargetAddr != 0x8020_0000 || data.SATP != 0xABCD {
		t.Fatalf("resumed HartData = %+v", data)
	}
	if st, _ := m.HartStatus(1); st != HartStarted {
		t.Fatalf("status after wake = %v, want Started", st)
	}
}

func TestHartStartRejectsNonStopped(t *testing.T) {
	m := NewMachine(1, nil)
	if err := m.HartStart(0, 0, 0, 0); err == nil {
		t.Fatalf("HartStart on already-started hart 0 should fail")
	}
}

func TestHartStartInvalidHart(t *testing.T) {
	m := NewMachine(1, nil)
	if err := m.HartStart(5, 0, 0, 0); err != ErrInvalidHart {
		t.Fatalf("HartStart(5) = %v, want ErrInvalidHart", err)
	}
}

func TestSBIPutcharRoundTrip(t *testing.T) {
	m := NewMachine(1, func() uint64 { return 0 })
	var got byte
	m.SetUART(func(b byte) { got = b }, nil)

	ret, err := m.HandleEcall(0, CallPutchar, [7]uint64{uint64('A')})
	if err != nil {
		t.Fatalf("HandleEcall(PUTCHAR): %v", err)
	}
	if ret != uint64('A') {
		t.Fatalf("a0 = %d, want %d (preserved)", ret, 'A')
	}
	if got != 'A' {
		t.Fatalf("UART saw %q, want 'A'", got)
	}
}

func TestSBIWhoami(t *testing.T) {
	m := NewMachine(4, nil)
	ret, err := m.HandleEcall(2, CallWhoami, [7]uint64{})
	if err != nil || ret != 2 {
		t.Fatalf("WHOAMI from hart 2 = %d, %v", ret, err)
	}
}

func TestSBIPoweroff(t *testing.T) {
	m := NewMachine(1, nil)
	if m.Halted() {
		t.Fatalf("machine halted before POWEROFF")
	}
	if _, err := m.HandleEcall(0, CallPoweroff, [7]uint64{}); err != nil {
		t.Fatalf("HandleEcall(POWEROFF): %v", err)
	}
	if !m.Halted() {
		t.Fatalf("machine not halted after POWEROFF")
	}
}
