package elf

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildImage assembles a minimal rv64 ELF with one PT_LOAD text segment and
// one PT_LOAD data segment carrying a bss tail.
func buildImage(t *testing.T) []byte {
	t.Helper()

	text := []byte{0x13, 0x00, 0x00, 0x00} // nop
	data := []byte{0xAA, 0xBB}

	const phOff = 64
	const phNum = 2
	dataOff := uint64(phOff + phNum*56)
	textOff := dataOff + uint64(len(data))

	img := make([]byte, textOff+uint64(len(text)))
	img[0], img[1], img[2], img[3] = 0x7F, 'E', 'L', 'F'
	img[4] = 2                                 // ELFCLASS64
	img[5] = 1                                 // little-endian
	img[6] = 1                                 // EV_CURRENT
	img[7] = 0                                 // System V
	binary.LittleEndian.PutUint16(img[16:], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(img[18:], MachineRISCV)
	binary.LittleEndian.PutUint64(img[24:], 0x1000)
	binary.LittleEndian.PutUint64(img[32:], phOff)
	binary.LittleEndian.PutUint16(img[54:], 56)
	binary.LittleEndian.PutUint16(img[56:], phNum)

	writePh := func(idx int, flags uint32, off, vaddr, filesz, memsz uint64) {
		b := img[phOff+idx*56:]
		binary.LittleEndian.PutUint32(b[0:], PTLoad)
		binary.LittleEndian.PutUint32(b[4:], flags)
		binary.LittleEndian.PutUint64(b[8:], off)
		binary.LittleEndian.PutUint64(b[16:], vaddr)
		binary.LittleEndian.PutUint64(b[32:], filesz)
		binary.LittleEndian.PutUint64(b[40:], memsz)
		binary.LittleEndian.PutUint64(b[48:], 0x1000)
	}
	writePh(0, PFRead|PFExec, textOff, 0x1000, uint64(len(text)), uint64(len(text)))
	writePh(1, PFRead|PFWrite, dataOff, 0x2000, uint64(len(data)), uint64(len(data))+16)

	copy(img[dataOff:], data)
	copy(img[textOff:], text)
	return img
}

func TestParseValidImage(t *testing.T) {
	f, err := Parse(buildImage(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Header.Entry != 0x1000 {
		t.Fatalf("Entry = %#x, want 0x1000", f.Header.Entry)
	}
	if len(f.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(f.Segments))
	}

	text, ok := f.TextSegment()
	if !ok || text.VAddr != 0x1000 {
		t.Fatalf("TextSegment = %+v, %v", text, ok)
	}
	data, ok := f.DataSegment()
	if !ok || data.VAddr != 0x2000 {
		t.Fatalf("DataSegment = %+v, %v", data, ok)
	}
	bss, ok := f.BSSSegment()
	if !ok || bss.MemSize-bss.FileSize != 16 {
		t.Fatalf("BSSSegment = %+v, %v", bss, ok)
	}
}

func TestParseRejectsBadIdent(t *testing.T) {
	cases := []struct {
		name   string
		mutate func([]byte)
	}{
		{"magic", func(b []byte) { b[0] = 0x7E }},
		{"class", func(b []byte) { b[4] = 1 }},
		{"encoding", func(b []byte) { b[5] = 3 }},
		{"version", func(b []byte) { b[6] = 0 }},
		{"osabi", func(b []byte) { b[7] = 9 }},
		{"machine", func(b []byte) { binary.LittleEndian.PutUint16(b[18:], 0x3E) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			img := buildImage(t)
			tc.mutate(img)
			if _, err := Parse(img); !errors.Is(err, ErrInvalidHeader) {
				t.Fatalf("Parse after %s corruption: %v, want ErrInvalidHeader", tc.name, err)
			}
		})
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	if _, err := Parse(make([]byte, 10)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Parse(short) = %v, want ErrTruncated", err)
	}

	img := buildImage(t)
	if _, err := Parse(img[:80]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Parse(cut program headers) = %v, want ErrTruncated", err)
	}
}

func TestSegmentLookupMissing(t *testing.T) {
	img := buildImage(t)
	// Strip the exec flag so no text segment exists.
	binary.LittleEndian.PutUint32(img[64+4:], PFRead)
	f, err := Parse(img)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := f.TextSegment(); ok {
		t.Fatalf("TextSegment found with no executable segment")
	}
}
