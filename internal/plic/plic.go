// Package plic implements the platform-level interrupt controller: a
// per-source priority array, per-context enable bitmaps, and a
// threshold/claim/complete register block per context. M-mode and S-mode
// contexts for each HART interleave, so context 2*hart is M-mode and
// 2*hart+1 is S-mode.
package plic

import (
	"log/slog"
	"sync"
)

// Register layout offsets from the PLIC base address.
const (
	PriorityBase  = 0x000004 // 1 word per IRQ, IRQ 0 is reserved
	EnableBase    = 0x002000
	EnableStride  = 0x80
	ContextBase   = 0x200000
	ContextStride = 0x1000

	MaxSources  = 1024
	maxContexts = 32
)

// SourceVirtioFirst..SourceVirtioLast are the IRQ lines QEMU's virt machine
// routes PCI INTx through.
const (
	SourceVirtioFirst = 32
	SourceVirtioLast  = 35
)

// Handler services one claimed IRQ source.
type Handler func(irq uint32)

// PLIC routes external interrupt sources to HART contexts. Claim returns
// the highest-priority pending+enabled source above the context's
// threshold; Complete retires it.
type PLIC struct {
	mu sync.Mutex

	priority  [MaxSources]uint32
	pending   [MaxSources / 32]uint32
	enable    [maxContexts][MaxSources / 32]uint32
	threshold [maxContexts]uint32

	handlers map[uint32]Handler
	log      *slog.Logger
}

// New constructs a PLIC with every source disabled.
func New(log *slog.Logger) *PLIC {
	if log == nil {
		log = slog.Default()
	}
	return &PLIC{handlers: make(map[uint32]Handler), log: log}
}

// SContext returns the S-mode context number for a HART.
func SContext(hart int) int { return hart*2 + 1 }

// MContext returns the M-mode context number for a HART.
func MContext(hart int) int { return hart * 2 }

// SetPriority programs one source's priority (0 disables the source).
func (p *PLIC) SetPriority(irq uint32, prio uint32) {
	if irq == 0 || irq >= MaxSources {
		return
	}
	p.mu.Lock()
	p.priority[irq] = prio
	p.mu.Unlock()
}

// Enable sets a source's enable bit for one context.
func (p *PLIC) Enable(context int, irq uint32) {
	if irq >= MaxSources || context < 0 || context >= maxContexts {
		return
	}
	p.mu.Lock()
	p.enable[context][irq/32] |= 1 << (irq % 32)
	p.mu.Unlock()
}

// SetThreshold programs a context's priority threshold; only sources with
// priority strictly above it are delivered.
func (p *PLIC) SetThreshold(context int, threshold uint32) {
	if context < 0 || context >= maxContexts {
		return
	}
	p.mu.Lock()
	p.threshold[context] = threshold
	p.mu.Unlock()
}

// Raise marks a source pending, as a device asserting its interrupt line.
func (p *PLIC) Raise(irq uint32) {
	if irq == 0 || irq >= MaxSources {
		return
	}
	p.mu.Lock()
	p.pending[irq/32] |= 1 << (irq % 32)
	p.mu.Unlock()
}

// Claim returns the highest-priority pending, enabled source above the
// context's threshold and clears its pending bit, or 0 if none qualifies.
func (p *PLIC) Claim(context int) uint32 {
	if context < 0 || context >= maxContexts {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	best := uint32(0)
	bestPrio := p.threshold[context]
	for irq := uint32(1); irq < MaxSources; irq++ {
		if p.pending[irq/32]&(1<<(irq%32)) == 0 {
			continue
		}
		if p.enable[context][irq/32]&(1<<(irq%32)) == 0 {
			continue
		}
		if p.priority[irq] > bestPrio {
			best = irq
			bestPrio = p.priority[irq]
		}
	}
	if best != 0 {
		p.pending[best/32] &^= 1 << (best % 32)
	}
	return best
}

// Complete retires a claimed source for the context. The simulated gateway
// has nothing further to do, but the call stays in the protocol so driver
// code performs the same claim/complete pair it would against hardware.
func (p *PLIC) Complete(context int, irq uint32) {}

// RegisterHandler binds a handler to an IRQ source for Dispatch.
func (p *PLIC) RegisterHandler(irq uint32, h Handler) {
	p.mu.Lock()
	p.handlers[irq] = h
	p.mu.Unlock()
}

// Dispatch services every deliverable source for the context: claim,
// invoke the registered handler, complete. An IRQ with no handler is
// claimed and completed anyway, so a misrouted source cannot storm the
// controller.
func (p *PLIC) Dispatch(context int) {
	for {
		irq := p.Claim(context)
		if irq == 0 {
			return
		}
		p.mu.Lock()
		h := p.handlers[irq]
		p.mu.Unlock()
		if h != nil {
			h(irq)
		} else {
			p.log.Debug("plic: unhandled irq claimed and completed", "irq", irq, "context", context)
		}
		p.Complete(context, irq)
	}
}
