// Package uart implements a minimal 16550/8250-compatible serial device.
// The kernel reaches it only through the SBI PUTCHAR/GETCHAR ecalls,
// never by mapping its MMIO registers directly, so there is no bus to
// attach it to.
package uart

import (
	"io"
	"sync"

	"github.com/sagevm/rvos/internal/container"
)

const (
	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	rxBufferSize = 256
)

// Device is a UART transmit/receive pair: Putc writes to the host's output
// stream, Getc drains a bounded receive queue fed by Push (the simulated
// "keyboard" side, e.g. a test harness or console bridge).
type Device struct {
	mu  sync.Mutex
	out io.Writer
	rx  *container.Ring[byte]
	lsr byte
}

// New constructs a UART writing transmitted bytes to out.
func New(out io.Writer) *Device {
	return &Device{
		out: out,
		rx:  container.NewRing[byte](rxBufferSize, container.OverflowDiscard),
		lsr: lsrTHRE | lsrTEMT,
	}
}

// Putc implements the PUTCHAR ecall: transmit one byte.
func (d *Device) Putc(b byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out != nil {
		d.out.Write([]byte{b})
	}
}

// Getc implements the GETCHAR ecall: returns the next received byte, or
// ok=false if the receive queue is empty (matches sbi_getchar's -1 on
// no-data, translated at the ecall layer rather than here).
func (d *Device) Getc() (byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rx.Pop()
}

// Push feeds one received byte into the UART, as if typed at the console.
// Overflow policy is discard: a full receive queue drops the newest byte
// rather than blocking the producer or erroring, matching a real 16550's
// small hardware FIFO under sustained overrun.
func (d *Device) Push(b byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx.Push(b)
}

// LineStatus reports the LSR bits a polling driver would read: data-ready
// reflects whether Getc would currently succeed.
func (d *Device) LineStatus() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.lsr
	if d.rx.Len() > 0 {
		s |= lsrDataReady
	}
	return s
}
