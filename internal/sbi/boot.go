package sbi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sagevm/rvos/internal/bus"
)

// BootMagic is the 8-byte-aligned sentinel a MAGIC-mode boot scan looks
// for; the 8 bytes following it hold the supervisor entry address.
const BootMagic uint64 = 0xDEAD0BEEF1CAFE22

// ErrNoBootTarget is returned when a MAGIC-mode scan exhausts its range
// without finding the sentinel.
var ErrNoBootTarget = errors.New("sbi: no boot target found")

// FindBootTarget locates the supervisor entry point. In JUMP mode the
// entry address is fixed. In MAGIC mode the configured range is scanned at
// 8-byte alignment for BootMagic, and the word after it is the entry.
func FindBootTarget(mem *bus.Memory, magic bool, entryOrStart, scanEnd uint64) (uint64, error) {
	if !magic {
		return entryOrStart, nil
	}

	start := (entryOrStart + 7) &^ 7
	for addr := start; addr+16 <= scanEnd; addr += 8 {
		b, err := mem.Bytes(addr, 16)
		if err != nil {
			return 0, fmt.Errorf("sbi: boot scan at %#x: %w", addr, err)
		}
		if binary.LittleEndian.Uint64(b) == BootMagic {
			return binary.LittleEndian.Uint64(b[8:]), nil
		}
	}
	return 0, fmt.Errorf("%w: scanned [%#x,%#x)", ErrNoBootTarget, start, scanEnd)
}
