package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.yaml")
	doc := `
hart_count: 2
memory_size: 67108864
boot_mode: jump
entry_addr: 0x80200000
disk_image: root.img
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HartCount != 2 || cfg.MemorySize != 64<<20 || cfg.DiskImage != "root.img" {
		t.Fatalf("loaded config = %+v", cfg)
	}
	// Unset fields keep the virt machine defaults.
	if cfg.PLICBase != Default().PLICBase || cfg.ECAMBase != Default().ECAMBase {
		t.Fatalf("defaults not preserved: %+v", cfg)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero harts", func(c *Config) { c.HartCount = 0 }},
		{"too many harts", func(c *Config) { c.HartCount = DefaultHartCount + 1 }},
		{"jump without entry", func(c *Config) { c.EntryAddr = 0 }},
		{"magic with empty range", func(c *Config) {
			c.BootMode = BootModeMagic
			c.MagicScanStart = 0x1000
			c.MagicScanEnd = 0x1000
		}},
		{"unknown mode", func(c *Config) { c.BootMode = "warp" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate accepted %+v", cfg)
			}
		})
	}
}
