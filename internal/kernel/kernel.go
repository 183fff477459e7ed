// Package kernel wires the subsystems into a bootable machine: physical
// memory, the SBI layer, the page allocator, MMU, kernel heap, PLIC, the
// PCIe/virtio stack with its block device, the Minix3 filesystem mounted
// over it, the VFS, and the per-HART scheduler loops. One Kernel value
// owns every subsystem; nothing here is package-level state.
package kernel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagevm/rvos/internal/blockdev"
	"github.com/sagevm/rvos/internal/bus"
	"github.com/sagevm/rvos/internal/config"
	"github.com/sagevm/rvos/internal/container"
	"github.com/sagevm/rvos/internal/mem/kheap"
	"github.com/sagevm/rvos/internal/mem/mmu"
	"github.com/sagevm/rvos/internal/mem/page"
	"github.com/sagevm/rvos/internal/minix3"
	"github.com/sagevm/rvos/internal/pci"
	"github.com/sagevm/rvos/internal/plic"
	"github.com/sagevm/rvos/internal/proc"
	"github.com/sagevm/rvos/internal/sbi"
	"github.com/sagevm/rvos/internal/sched"
	"github.com/sagevm/rvos/internal/trap"
	"github.com/sagevm/rvos/internal/uart"
	"github.com/sagevm/rvos/internal/vfs"
	"github.com/sagevm/rvos/internal/virtio"
)

// MaxHarts is the fixed HART cap.
const MaxHarts = 4

// TimerFreqHz is the QEMU virt machine's mtime frequency.
const TimerFreqHz = 10_000_000

const (
	// kernelImageReserve is the RAM prefix treated as the kernel image;
	// the page allocator manages everything after it.
	kernelImageReserve = 4 << 20

	// heapPages is how many physical pages back the kmalloc heap.
	heapPages = 64

	// trampolineVA is where the trampoline page is mapped in every
	// address space, at the top of the Sv39 low half.
	trampolineVA = 0x3F_FFFF_F000

	plicSize    = 2 << 20
	ecamSize    = 2 << 20
	pciMMIOSize = 0x1000_0000

	virtioBlkVendor = 0x1AF4
	virtioBlkDevice = 0x1001
	virtioBlkIRQ    = plic.SourceVirtioFirst

	queueSize = 64

	defaultQuantum  = 10
	defaultPriority = 10
)

// Kernel owns the whole machine.
type Kernel struct {
	cfg config.Config
	log *slog.Logger

	mem     *bus.Memory
	machine *sbi.Machine
	console *uart.Device
	pages   *page.Allocator
	mmu     *mmu.MMU
	heap    *kheap.Heap
	plic    *plic.PLIC
	sched   *sched.Scheduler
	vfs     *vfs.VFS

	disk *blockdev.Device
	fs   *minix3.FS

	kernelRoot   uint64
	trampoline   page.Ref
	trampolineVA uint64
	entry        uint64

	mu       sync.Mutex
	procs    map[uint16]*proc.Process
	current  [MaxHarts]*proc.Process
	sleeping *container.List[*proc.Process]
	nextPID  uint16

	ticks atomic.Uint64
}

// New constructs and boots a Kernel. consoleOut receives UART transmit
// bytes; diskImage is the raw Minix3 volume attached as virtio-blk (nil
// boots with no disk).
func New(cfg config.Config, consoleOut io.Writer, diskImage []byte, log *slog.Logger) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HartCount <= 0 || cfg.HartCount > MaxHarts {
		return nil, fmt.Errorf("kernel: hart count %d out of range [1,%d]", cfg.HartCount, MaxHarts)
	}

	k := &Kernel{
		cfg:          cfg,
		log:          log,
		console:      uart.New(consoleOut),
		sched:        sched.New(),
		vfs:          vfs.New(),
		procs:        make(map[uint16]*proc.Process),
		sleeping:     container.NewList[*proc.Process](),
		nextPID:      1,
		trampolineVA: trampolineVA,
	}
	k.mem = bus.NewMemory(memBase, cfg.MemorySize)
	k.machine = sbi.NewMachine(cfg.HartCount, func() uint64 { return k.ticks.Load() })
	k.machine.SetUART(k.console.Putc, k.console.Getc)

	if err := k.boot(diskImage); err != nil {
		return nil, err
	}
	return k, nil
}

const memBase = 0x8000_0000

// boot is the one-time HART 0 bring-up: boot-target discovery, page
// allocator, kernel page table with the mandatory mappings, heap, PLIC,
// PCIe enumeration, virtio-blk binding, Minix3 mount, VFS mount table.
func (k *Kernel) boot(diskImage []byte) error {
	entry, err := sbi.FindBootTarget(k.mem,
		k.cfg.BootMode == config.BootModeMagic,
		bootScanStart(k.cfg), k.cfg.MagicScanEnd)
	if err != nil {
		return err
	}
	k.entry = entry

	region, err := k.mem.Bytes(memBase+kernelImageReserve, int(k.cfg.MemorySize-kernelImageReserve))
	if err != nil {
		return fmt.Errorf("kernel: carve page heap: %w", err)
	}
	k.pages = page.New(region, memBase+kernelImageReserve)
	k.mmu = mmu.New(k.mem, k.pages)

	if err := k.buildKernelTable(); err != nil {
		return err
	}

	_, heapMem, err := k.pages.AllocNZero(heapPages)
	if err != nil {
		return fmt.Errorf("kernel: allocate heap: %w", err)
	}
	k.heap = kheap.New(heapMem)

	k.plic = plic.New(k.log)
	for hart := 0; hart < k.cfg.HartCount; hart++ {
		ctx := plic.SContext(hart)
		k.plic.SetThreshold(ctx, 0)
		for irq := uint32(plic.SourceVirtioFirst); irq <= plic.SourceVirtioLast; irq++ {
			k.plic.Enable(ctx, irq)
		}
	}
	for irq := uint32(plic.SourceVirtioFirst); irq <= plic.SourceVirtioLast; irq++ {
		k.plic.SetPriority(irq, 1)
	}

	if diskImage != nil {
		if err := k.attachDisk(diskImage); err != nil {
			return err
		}
	}

	k.log.Info("kernel: boot complete",
		"harts", k.cfg.HartCount,
		"entry", fmt.Sprintf("%#x", k.entry),
		"free_pages", k.pages.CountFree())
	return nil
}

func bootScanStart(cfg config.Config) uint64 {
	if cfg.BootMode == config.BootModeMagic {
		return cfg.MagicScanStart
	}
	return cfg.EntryAddr
}

// buildKernelTable creates the kernel page table and installs the
// mandatory mappings: the kernel image and RAM identity-mapped with one
// 1 GiB leaf, PLIC and ECAM MMIO at 2 MiB granularity, and the PCI MMIO
// window. The trampoline page is mapped read+execute, not user, so it
// stays addressable across satp swaps.
func (k *Kernel) buildKernelTable() error {
	root, err := k.mmu.NewTable()
	if err != nil {
		return fmt.Errorf("kernel: allocate kernel page table: %w", err)
	}
	k.kernelRoot = root

	rw := mmu.BitRead | mmu.BitWrite
	rwx := rw | mmu.BitExec

	if err := k.mmu.Map(root, memBase, memBase, mmu.Level1G, rwx); err != nil {
		return fmt.Errorf("kernel: map RAM: %w", err)
	}
	if _, err := k.mmu.MapRange(root, k.cfg.PLICBase, k.cfg.PLICBase+plicSize, k.cfg.PLICBase, mmu.Level2M, rw); err != nil {
		return fmt.Errorf("kernel: map PLIC: %w", err)
	}
	if _, err := k.mmu.MapRange(root, k.cfg.ECAMBase, k.cfg.ECAMBase+ecamSize, k.cfg.ECAMBase, mmu.Level2M, rw); err != nil {
		return fmt.Errorf("kernel: map ECAM: %w", err)
	}
	if _, err := k.mmu.MapRange(root, k.cfg.PCIMMIOBase, k.cfg.PCIMMIOBase+pciMMIOSize, k.cfg.PCIMMIOBase, mmu.Level2M, rw); err != nil {
		return fmt.Errorf("kernel: map PCI MMIO window: %w", err)
	}

	ref, _, err := k.pages.AllocNZero(1)
	if err != nil {
		return fmt.Errorf("kernel: allocate trampoline: %w", err)
	}
	k.trampoline = ref
	if err := k.mmu.Map(root, k.trampolineVA, k.pages.Addr(ref), mmu.Level4K, mmu.BitRead|mmu.BitExec); err != nil {
		return fmt.Errorf("kernel: map trampoline: %w", err)
	}
	k.mmu.FenceAll()
	return nil
}

// attachDisk enumerates the PCIe bus with a virtio-blk function attached,
// binds the virtqueue, and mounts the Minix3 volume it carries.
func (k *Kernel) attachDisk(diskImage []byte) error {
	caps := []pci.VirtioCapability{
		{CfgType: pci.VirtioCapCommonCfg, BAR: 0, Offset: 0x0000, Length: 0x1000},
		{CfgType: pci.VirtioCapNotifyCfg, BAR: 0, Offset: 0x1000, Length: 0x1000, NotifyOffMultiplier: 4},
		{CfgType: pci.VirtioCapISRCfg, BAR: 0, Offset: 0x2000, Length: 0x10},
		{CfgType: pci.VirtioCapDeviceCfg, BAR: 0, Offset: 0x3000, Length: 0x100},
	}
	ecam := pci.NewECAM()
	ecam.Attach(0, 1, 0, pci.NewFunction(virtioBlkVendor, virtioBlkDevice, [6]uint32{0x4000}, caps))

	mmio := pci.NewBumpAllocator(k.cfg.PCIMMIOBase, k.cfg.PCIMMIOBase+pciMMIOSize)
	devs, err := pci.Enumerate(ecam, mmio)
	if err != nil {
		return fmt.Errorf("kernel: enumerate PCIe: %w", err)
	}

	var blk *pci.Device
	for i := range devs {
		if devs[i].VendorID == virtioBlkVendor && devs[i].DeviceID == virtioBlkDevice {
			blk = &devs[i]
			break
		}
	}
	if blk == nil {
		return errors.New("kernel: no virtio-blk function found")
	}
	if _, err := blk.FindCapability(pci.VirtioCapCommonCfg); err != nil {
		return fmt.Errorf("kernel: virtio-blk: %w", err)
	}

	ringBytes := virtio.RingBytes(queueSize)
	ringPages := int((ringBytes + page.Size - 1) / page.Size)
	ringRef, _, err := k.pages.AllocNZero(ringPages)
	if err != nil {
		return fmt.Errorf("kernel: allocate virtqueue rings: %w", err)
	}
	queue := virtio.NewQueue(k.mem, k.pages.Addr(ringRef), queueSize)

	const sectorSize = 512
	storage := blockdev.NewMemoryStorage(diskImage)
	backend := blockdev.NewBackend(k.mem, storage, sectorSize, k.log)

	vdev := virtio.NewDevice(*blk, queue)
	vdev.ServiceNotify = backend.HandleNotify
	k.plic.RegisterHandler(virtioBlkIRQ, func(uint32) { vdev.HandleIRQ() })

	// Scratch region for building request packets: header + one max
	// transfer + status byte.
	scratchRef, _, err := k.pages.AllocNZero(9)
	if err != nil {
		return fmt.Errorf("kernel: allocate block scratch: %w", err)
	}
	capacity := uint64(storage.Size()) / sectorSize
	k.disk = blockdev.New(vdev, k.mem, k.pages.Addr(scratchRef), sectorSize, capacity, k.log)

	fs, err := minix3.Mount(k.disk)
	if err != nil {
		return fmt.Errorf("kernel: mount root: %w", err)
	}
	k.fs = fs
	k.vfs.Mount("/", fs)
	k.vfs.MountBlock("/dev/disk", k.disk)
	k.log.Info("kernel: root mounted", "sectors", capacity, "zone_size", fs.Superblock().ZoneSize())
	return nil
}

// VFS returns the mount table, for the console layer and tests.
func (k *Kernel) VFS() *vfs.VFS { return k.vfs }

// Disk returns the attached block device, or nil when booted diskless.
func (k *Kernel) Disk() *blockdev.Device { return k.disk }

// FS returns the mounted root filesystem, or nil when booted diskless.
func (k *Kernel) FS() *minix3.FS { return k.fs }

// Machine returns the SBI layer.
func (k *Kernel) Machine() *sbi.Machine { return k.machine }

// Console returns the UART, so a harness can feed input.
func (k *Kernel) Console() *uart.Device { return k.console }

// PageAllocator returns the physical page allocator.
func (k *Kernel) PageAllocator() *page.Allocator { return k.pages }

// Heap returns the kmalloc heap.
func (k *Kernel) Heap() *kheap.Heap { return k.heap }

// MMU returns the page-table walker.
func (k *Kernel) MMU() *mmu.MMU { return k.mmu }

// PLIC returns the interrupt controller.
func (k *Kernel) PLIC() *plic.PLIC { return k.plic }

// KernelRoot returns the kernel page table's physical root address.
func (k *Kernel) KernelRoot() uint64 { return k.kernelRoot }

// Ticks returns the simulated mtime counter.
func (k *Kernel) Ticks() uint64 { return k.ticks.Load() }

// StartSecondaryHarts brings every HART beyond 0 out of its park loop,
// pointed at the supervisor entry with the kernel address space.
func (k *Kernel) StartSecondaryHarts() error {
	for hart := 1; hart < k.cfg.HartCount; hart++ {
		satp := satpFor(mmu.KernelASID, k.kernelRoot)
		if err := k.machine.HartStart(hart, k.entry, 0, satp); err != nil {
			return fmt.Errorf("kernel: start hart %d: %w", hart, err)
		}
	}
	return nil
}

// satpFor encodes an Sv39 satp value: mode 8, the ASID, and the root PPN.
func satpFor(asid uint16, root uint64) uint64 {
	return 8<<60 | uint64(asid)<<44 | root>>12
}

// Run drives every HART until POWEROFF. HART 0 runs directly; the others
// park in WaitForMSIP until StartSecondaryHarts releases them.
func (k *Kernel) Run(tickPeriod time.Duration) {
	var wg sync.WaitGroup
	for hart := 1; hart < k.cfg.HartCount; hart++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if _, err := k.machine.WaitForMSIP(id); err != nil {
				return
			}
			k.runHart(id, tickPeriod)
		}(hart)
	}
	if err := k.StartSecondaryHarts(); err != nil {
		k.log.Error("kernel: secondary hart start", "err", err)
	}
	k.runHart(0, tickPeriod)
	wg.Wait()
}

// runHart is one HART's scheduler loop: each iteration is a delegated
// timer interrupt dispatched through the trap layer.
func (k *Kernel) runHart(id int, tickPeriod time.Duration) {
	for !k.machine.Halted() {
		k.TimerTick(id)
		// Stand-in for wfi until the next mtimecmp.
		time.Sleep(tickPeriod)
	}
}

// TimerTick simulates one delegated timer interrupt on a HART: mtime
// advances, the trap layer acknowledges the timer and invokes the
// scheduler.
func (k *Kernel) TimerTick(hart int) {
	k.ticks.Add(1)
	fr := k.currentFrame(hart)
	mode := trap.ModeSupervisor
	if err := trap.Dispatch(trap.Cause{Interrupt: true, Code: trap.IntTimer}, mode, fr, k.hooks(hart)); err != nil {
		k.log.Error("kernel: timer trap", "hart", hart, "err", err)
	}
}

// ExternalInterrupt simulates one delegated external interrupt on a HART,
// dispatching through the PLIC's S-mode context.
func (k *Kernel) ExternalInterrupt(hart int) {
	fr := k.currentFrame(hart)
	if err := trap.Dispatch(trap.Cause{Interrupt: true, Code: trap.IntExternal}, trap.ModeSupervisor, fr, k.hooks(hart)); err != nil {
		k.log.Error("kernel: external trap", "hart", hart, "err", err)
	}
}

func (k *Kernel) currentFrame(hart int) *trap.Frame {
	k.mu.Lock()
	defer k.mu.Unlock()
	if p := k.current[hart]; p != nil {
		return &p.Frame
	}
	// Idle HART: traps land on a throwaway frame.
	return &trap.Frame{}
}

func (k *Kernel) hooks(hart int) trap.Hooks {
	return trap.Hooks{
		AckTimer: func() {
			_, err := k.machine.HandleEcall(hart, sbi.CallAckTimer, [7]uint64{})
			if err != nil {
				k.log.Error("kernel: ack timer", "hart", hart, "err", err)
			}
		},
		InvokeScheduler: func() { k.schedule(hart) },
		PLICDispatch:    func() { k.plic.Dispatch(plic.SContext(hart)) },
		Syscall:         func(fr *trap.Frame) { k.syscall(hart, fr) },
	}
}
