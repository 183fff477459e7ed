package pci

import "testing"

func TestEnumerateAssignsBARsAndCapabilities(t *testing.T) {
	ecam := NewECAM()
	caps := []VirtioCapability{
		{CfgType: VirtioCapCommonCfg, BAR: 0, Offset: 0, Length: 0x1000},
		{CfgType: VirtioCapNotifyCfg, BAR: 0, Offset: 0x1000, Length: 0x1000, NotifyOffMultiplier: 4},
		{CfgType: VirtioCapISRCfg, BAR: 0, Offset: 0x2000, Length: 0x10},
	}
	fn := NewFunction(0x1AF4, 0x1001, [6]uint32{0x4000, 0, 0, 0, 0, 0}, caps)
	ecam.Attach(0, 1, 0, fn)

	mmio := NewBumpAllocator(0x4000_0000, 0x5000_0000)
	devs, err := Enumerate(ecam, mmio)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("found %d devices, want 1", len(devs))
	}
	d := devs[0]
	if d.VendorID != 0x1AF4 || d.DeviceID != 0x1001 {
		t.Fatalf("unexpected identity: %+v", d)
	}
	if d.BARs[0] != 0x4000_0000 {
		t.Fatalf("BAR0 = %#x, want 0x4000_0000", d.BARs[0])
	}
	common, err := d.FindCapability(VirtioCapCommonCfg)
	if err != nil || common.Length != 0x1000 {
		t.Fatalf("common cfg cap = %+v, err %v", common, err)
	}
	notify, err := d.FindCapability(VirtioCapNotifyCfg)
	if err != nil || notify.NotifyOffMultiplier != 4 {
		t.Fatalf("notify cap = %+v, err %v", notify, err)
	}
}

func TestBARSizingProbe(t *testing.T) {
	ecam := NewECAM()
	fn := NewFunction(0x1AF4, 0x1001, [6]uint32{0x4000, 0, 0x100, 0, 0, 0}, nil)
	ecam.Attach(0, 2, 0, fn)

	// Writing all-ones latches the sizing mask: the read-back reports the
	// address bits the BAR cannot store, so ^(mask &^ 0xF) + 1 is the size.
	ecam.Write32(0, 2, 0, OffBAR0, 0xFFFF_FFFF)
	if mask := ecam.Read32(0, 2, 0, OffBAR0); mask != ^uint32(0x4000-1) {
		t.Fatalf("BAR0 sizing mask = %#x, want %#x", mask, ^uint32(0x4000-1))
	}
	ecam.Write32(0, 2, 0, OffBAR0+2*4, 0xFFFF_FFFF)
	if mask := ecam.Read32(0, 2, 0, OffBAR0+2*4); mask != ^uint32(0x100-1) {
		t.Fatalf("BAR2 sizing mask = %#x", mask)
	}

	// An unimplemented BAR reads back zero regardless of what is written.
	ecam.Write32(0, 2, 0, OffBAR0+1*4, 0xFFFF_FFFF)
	if got := ecam.Read32(0, 2, 0, OffBAR0+1*4); got != 0 {
		t.Fatalf("unimplemented BAR1 read = %#x, want 0", got)
	}

	// Programming an address replaces the mask.
	ecam.Write32(0, 2, 0, OffBAR0, 0x4000_0000)
	if got := ecam.Read32(0, 2, 0, OffBAR0); got != 0x4000_0000 {
		t.Fatalf("BAR0 after address write = %#x", got)
	}
}

func TestEnumerateSkipsAbsentVendor(t *testing.T) {
	ecam := NewECAM()
	mmio := NewBumpAllocator(0x4000_0000, 0x4100_0000)
	devs, err := Enumerate(ecam, mmio)
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 0 {
		t.Fatalf("found %d devices on empty bus, want 0", len(devs))
	}
}

func TestBridgeAssignsSecondaryBus(t *testing.T) {
	ecam := NewECAM()
	bridge := NewBridge(0x1AF4, 0x0001)
	ecam.Attach(0, 0, 0, bridge)
	mmio := NewBumpAllocator(0x4000_0000, 0x4100_0000)
	devs, err := Enumerate(ecam, mmio)
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 {
		t.Fatalf("found %d devices, want 1", len(devs))
	}
	if bridge.config[OffSecondaryBus] != 1 {
		t.Fatalf("secondary bus = %d, want 1", bridge.config[OffSecondaryBus])
	}
}

func TestBumpAllocatorExhaustion(t *testing.T) {
	b := NewBumpAllocator(0x1000, 0x2000)
	if _, err := b.Allocate(0x1000); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Allocate(0x1000); err != ErrMMIOExhausted {
		t.Fatalf("err = %v, want ErrMMIOExhausted", err)
	}
}
