// Package pci implements the ECAM-based enumeration and BAR assignment
// walk the kernel runs at boot. Real ECAM is memory-mapped configuration
// space the CPU reaches by address; this simulation represents it as a
// registry of Function config spaces the enumerator reads and writes
// through the same Read32/Write32 calls a real MMIO walk would make,
// keeping the walk's control flow and the config-space layout identical
// while the "memory-mapped" part is a Go map.
package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Standard type-0/type-1 config space offsets (PCI 3.0 §6.1).
const (
	OffVendorID     = 0x00
	OffDeviceID     = 0x02
	OffCommand      = 0x04
	OffStatus       = 0x06
	OffHeaderType   = 0x0E
	OffBAR0         = 0x10
	OffSecondaryBus = 0x19 // type-1 only
	OffCapPointer   = 0x34
	OffStatusCapBit = 1 << 4

	CommandMemorySpace = 1 << 0
	CommandBusMaster   = 1 << 2

	HeaderTypeMask   = 0x7F
	HeaderTypeNormal = 0x00
	HeaderTypeBridge = 0x01

	VendorAbsent = 0xFFFF

	barCountType0 = 6
	funcsPerDev   = 8
	devsPerBus    = 32

	// ECAMFunctionSize is the 4 KiB config-space window ECAM reserves per
	// function.
	ECAMFunctionSize = 0x1000

	// VirtioCapVendor is the PCI vendor-specific capability id (cap_vndr)
	// virtio structures are tagged with.
	VirtioCapVendor = 0x09
)

// Virtio capability cfg_type values (virtio 1.1 §4.1.4).
const (
	VirtioCapCommonCfg = 1
	VirtioCapNotifyCfg = 2
	VirtioCapISRCfg    = 3
	VirtioCapDeviceCfg = 4
	VirtioCapPCICfg    = 5
)

// ErrNoCapability is returned when a requested virtio capability type is
// absent from a function's capability list.
var ErrNoCapability = errors.New("pci: virtio capability not present")

// VirtioCapability mirrors struct virtio_pci_cap.
type VirtioCapability struct {
	CfgType uint8
	BAR     uint8
	Offset  uint32
	Length  uint32
	// NotifyOffMultiplier is only meaningful for VirtioCapNotifyCfg.
	NotifyOffMultiplier uint32
}

// Function is one PCI function's simulated configuration space: a 4 KiB
// byte array addressed exactly like ECAM, so the enumerator code below
// reads/writes it with the same offset arithmetic a real ECAM walk uses.
type Function struct {
	Bus, Device, Fn uint8
	config          [ECAMFunctionSize]byte
	barSizes        [barCountType0]uint32
	caps            []VirtioCapability
	bars            [barCountType0]uint64 // assigned MMIO base addresses
}

func (f *Function) put16(off int, v uint16) { binary.LittleEndian.PutUint16(f.config[off:], v) }
func (f *Function) put32(off int, v uint32) { binary.LittleEndian.PutUint32(f.config[off:], v) }
func (f *Function) get16(off int) uint16    { return binary.LittleEndian.Uint16(f.config[off:]) }
func (f *Function) get32(off int) uint32    { return binary.LittleEndian.Uint32(f.config[off:]) }

// NewFunction builds a type-0 (normal device) function advertising the
// given vendor/device id, BAR sizes (0 for an unused BAR), and virtio
// capabilities. Capabilities are linked into a capability list starting at
// OffCapPointer.
func NewFunction(vendorID, deviceID uint16, barSizes [barCountType0]uint32, caps []VirtioCapability) *Function {
	f := &Function{barSizes: barSizes, caps: caps}
	f.put16(OffVendorID, vendorID)
	f.put16(OffDeviceID, deviceID)
	f.config[OffHeaderType] = HeaderTypeNormal
	f.put16(OffStatus, OffStatusCapBit)
	f.buildCapList()
	return f
}

// NewBridge builds a type-1 (PCI-to-PCI bridge) function.
func NewBridge(vendorID, deviceID uint16) *Function {
	f := &Function{}
	f.put16(OffVendorID, vendorID)
	f.put16(OffDeviceID, deviceID)
	f.config[OffHeaderType] = HeaderTypeBridge
	return f
}

// capListEntrySize is {cap_vndr, cap_next, cap_len, cfg_type, bar,
// padding[3], offset, length, (notify_off_multiplier)} packed as the
// virtio spec defines (variable length; we always reserve the widest
// notify-cap shape for simplicity of the simulated layout).
const capListEntrySize = 16

func (f *Function) buildCapList() {
	off := 0x40 // first byte past the standard type-0 header
	prev := -1
	for _, c := range f.caps {
		f.config[off] = VirtioCapVendor
		f.config[off+2] = 14 // cap_len
		f.config[off+3] = c.CfgType
		f.config[off+4] = c.BAR
		binary.LittleEndian.PutUint32(f.config[off+8:], c.Offset)
		binary.LittleEndian.PutUint32(f.config[off+12:], c.Length)
		if c.CfgType == VirtioCapNotifyCfg {
			binary.LittleEndian.PutUint32(f.config[off+16:], c.NotifyOffMultiplier)
		}
		if prev >= 0 {
			f.config[prev+1] = byte(off)
		} else {
			f.config[OffCapPointer] = byte(off)
		}
		prev = off
		off += capListEntrySize + 8 // 8 extra bytes per entry for the notify multiplier slot
	}
	if prev >= 0 {
		f.config[prev+1] = 0 // terminate the list
	} else {
		f.config[OffCapPointer] = 0
	}
}

// ECAM is the simulated enhanced configuration access mechanism: a
// registry of functions addressed by (bus, device, function), the same
// triple real ECAM decodes from the physical address.
type ECAM struct {
	funcs map[[3]uint8]*Function
}

// NewECAM constructs an empty simulated ECAM space.
func NewECAM() *ECAM { return &ECAM{funcs: make(map[[3]uint8]*Function)} }

// Attach registers fn at the given bus/device/function coordinates, as if
// firmware had wired a device into that slot before boot.
func (e *ECAM) Attach(bus, device, fn uint8, f *Function) {
	f.Bus, f.Device, f.Fn = bus, device, fn
	e.funcs[[3]uint8{bus, device, fn}] = f
}

func (e *ECAM) at(bus, device, fn uint8) *Function {
	return e.funcs[[3]uint8{bus, device, fn}]
}

// Read32 reads a 32-bit config-space register, returning all-ones for an
// absent function (ECAM's defined behavior for an unpopulated slot).
func (e *ECAM) Read32(bus, device, fn uint8, off int) uint32 {
	f := e.at(bus, device, fn)
	if f == nil {
		return 0xFFFF_FFFF
	}
	return f.get32(off)
}

// Write32 writes a 32-bit config-space register; a write to an absent
// function is silently dropped, matching real ECAM.
func (e *ECAM) Write32(bus, device, fn uint8, off int, v uint32) {
	f := e.at(bus, device, fn)
	if f == nil {
		return
	}
	f.writeConfig32(off, v)
}

// writeConfig32 is the device-visible side of a config write. BAR
// registers decode specially: writing all-ones latches the sizing mask
// (the address bits the BAR cannot store), so the next read reports
// ^(size-1); any other value programs the BAR's base address. An
// unimplemented BAR reads back as zero either way.
func (f *Function) writeConfig32(off int, v uint32) {
	if off >= OffBAR0 && off < OffBAR0+barCountType0*4 && (off-OffBAR0)%4 == 0 {
		bi := (off - OffBAR0) / 4
		size := f.barSizes[bi]
		if size == 0 {
			f.put32(off, 0)
			return
		}
		if v == 0xFFFF_FFFF {
			f.put32(off, ^(size - 1))
			return
		}
	}
	f.put32(off, v)
}

// BumpAllocator hands out MMIO windows from a linearly increasing base.
type BumpAllocator struct {
	next uint64
	end  uint64
}

// NewBumpAllocator constructs an allocator over [base, end).
func NewBumpAllocator(base, end uint64) *BumpAllocator {
	return &BumpAllocator{next: base, end: end}
}

// ErrMMIOExhausted is returned when the PCI MMIO window has no room left
// for a BAR of the requested size.
var ErrMMIOExhausted = errors.New("pci: PCI MMIO window exhausted")

// Allocate reserves size bytes (size must be a power of two; BARs are
// naturally aligned to their own size) and returns the base address.
func (b *BumpAllocator) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("pci: BAR size must be non-zero")
	}
	aligned := (b.next + size - 1) &^ (size - 1)
	if aligned+size > b.end || aligned+size < aligned {
		return 0, ErrMMIOExhausted
	}
	b.next = aligned + size
	return aligned, nil
}

// Device is the enumerator's report for one discovered function: its
// location, identity, and the MMIO base address assigned to each
// nonzero-sized BAR.
type Device struct {
	Bus, Device, Fn uint8
	VendorID        uint16
	DeviceID        uint16
	BARs            [barCountType0]uint64
	Caps            []VirtioCapability
	Function        *Function
}

// Enumerate walks bus 0..255 x device 0..31 x function 0..7,
// probing each present function's BARs by the write-all-ones / read-back /
// compute-size idiom and assigning MMIO windows from mmio. Bridges (type-1
// headers) are assigned a secondary bus number from a bump counter rather
// than a BAR; the simulated virt topology has no bridges in practice, but
// the walk implements them anyway.
func Enumerate(ecam *ECAM, mmio *BumpAllocator) ([]Device, error) {
	var found []Device
	nextSecondaryBus := uint8(1)

	for bus := 0; bus < 256; bus++ {
		for dev := 0; dev < devsPerBus; dev++ {
			for fn := 0; fn < funcsPerDev; fn++ {
				f := ecam.at(uint8(bus), uint8(dev), uint8(fn))
				if f == nil {
					continue
				}
				vendor := f.get16(OffVendorID)
				if vendor == VendorAbsent {
					continue
				}
				headerType := f.config[OffHeaderType] & HeaderTypeMask
				d := Device{
					Bus: uint8(bus), Device: uint8(dev), Fn: uint8(fn),
					VendorID: vendor, DeviceID: f.get16(OffDeviceID),
					Caps: f.caps, Function: f,
				}
				if headerType == HeaderTypeBridge {
					f.config[OffSecondaryBus] = nextSecondaryBus
					nextSecondaryBus++
					found = append(found, d)
					if fn == 0 && f.config[OffHeaderType]&0x80 == 0 {
						break // single-function device, skip fn 1..7
					}
					continue
				}

				// Probe each BAR: write all-ones, read back the sizing
				// mask, and recover the window size from the writable
				// address bits.
				for bi := 0; bi < barCountType0; bi++ {
					off := OffBAR0 + bi*4
					ecam.Write32(uint8(bus), uint8(dev), uint8(fn), off, 0xFFFF_FFFF)
					mask := ecam.Read32(uint8(bus), uint8(dev), uint8(fn), off)
					if mask == 0 {
						continue // BAR not implemented
					}
					size := uint64(^(mask &^ 0xF) + 1)
					addr, err := mmio.Allocate(size)
					if err != nil {
						return found, fmt.Errorf("pci: assign BAR%d for %02x:%02x.%d: %w", bi, bus, dev, fn, err)
					}
					ecam.Write32(uint8(bus), uint8(dev), uint8(fn), off, uint32(addr))
					f.bars[bi] = addr
					d.BARs[bi] = addr
				}
				f.put16(OffCommand, CommandMemorySpace|CommandBusMaster)
				found = append(found, d)
				if fn == 0 && f.config[OffHeaderType]&0x80 == 0 {
					break
				}
			}
		}
	}
	return found, nil
}

// FindCapability returns the first capability of cfgType in d's list.
func (d Device) FindCapability(cfgType uint8) (VirtioCapability, error) {
	for _, c := range d.Caps {
		if c.CfgType == cfgType {
			return c, nil
		}
	}
	return VirtioCapability{}, ErrNoCapability
}
