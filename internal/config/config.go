// Package config loads the boot descriptor: HART count, RAM size, the
// Minix3 disk image to attach, and the SBI boot-target discovery mode.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootMode selects how the SBI locates the supervisor image.
type BootMode string

const (
	// BootModeJump has the SBI jump directly to a fixed entry address.
	BootModeJump BootMode = "jump"
	// BootModeMagic has the SBI scan a range for the magic sentinel
	// followed by an entry address.
	BootModeMagic BootMode = "magic"
)

const (
	// MagicSentinel is the 8-byte-aligned value MAGIC-mode boot scans for.
	MagicSentinel uint64 = 0xDEAD0BEEF1CAFE22

	// DefaultHartCount is the fixed compile-time HART cap.
	DefaultHartCount = 4
)

// Config is the boot descriptor, normally loaded from YAML.
type Config struct {
	HartCount      int      `yaml:"hart_count"`
	MemorySize     uint64   `yaml:"memory_size"`
	BootMode       BootMode `yaml:"boot_mode"`
	EntryAddr      uint64   `yaml:"entry_addr"`
	MagicScanStart uint64   `yaml:"magic_scan_start"`
	MagicScanEnd   uint64   `yaml:"magic_scan_end"`
	DiskImage      string   `yaml:"disk_image"`
	UARTBase       uint64   `yaml:"uart_base"`
	PLICBase       uint64   `yaml:"plic_base"`
	ECAMBase       uint64   `yaml:"ecam_base"`
	PCIMMIOBase    uint64   `yaml:"pci_mmio_base"`
}

// Default returns the configuration matching the QEMU `virt` memory map
// this kernel targets.
func Default() Config {
	return Config{
		HartCount:   DefaultHartCount,
		MemorySize:  128 << 20,
		BootMode:    BootModeJump,
		EntryAddr:   0x8020_0000,
		DiskImage:   "",
		UARTBase:    0x1000_0000,
		PLICBase:    0x0C00_0000,
		ECAMBase:    0x3000_0000,
		PCIMMIOBase: 0x4000_0000,
	}
}

// Load reads and validates a YAML boot descriptor, filling unset fields
// from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports a descriptive error for an unusable configuration.
func (c Config) Validate() error {
	if c.HartCount <= 0 || c.HartCount > DefaultHartCount {
		return fmt.Errorf("config: hart_count %d out of range [1,%d]", c.HartCount, DefaultHartCount)
	}
	switch c.BootMode {
	case BootModeJump:
		if c.EntryAddr == 0 {
			return fmt.Errorf("config: jump boot mode requires entry_addr")
		}
	case BootModeMagic:
		if c.MagicScanEnd <= c.MagicScanStart {
			return fmt.Errorf("config: magic boot mode requires magic_scan_end > magic_scan_start")
		}
	default:
		return fmt.Errorf("config: unknown boot_mode %q", c.BootMode)
	}
	return nil
}
