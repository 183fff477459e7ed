package mmu

import "fmt"

// CopyFromUser copies len(dst) bytes from the user virtual address va in
// the address space rooted at root. The copy is split at page boundaries
// since contiguous virtual pages need not be contiguous physically.
func (m *MMU) CopyFromUser(root uint64, va uint64, dst []byte) error {
	return m.userCopy(root, va, dst, false)
}

// CopyToUser copies src to the user virtual address va in the address
// space rooted at root.
func (m *MMU) CopyToUser(root uint64, va uint64, src []byte) error {
	return m.userCopy(root, va, src, true)
}

func (m *MMU) userCopy(root uint64, va uint64, buf []byte, toUser bool) error {
	remaining := buf
	for len(remaining) > 0 {
		pa, err := m.Translate(root, va)
		if err != nil {
			return fmt.Errorf("mmu: user copy at va %#x: %w", va, err)
		}
		// Stay within the current 4 KiB page; larger leaf mappings still
		// translate per-address so the same chunking is safe for them.
		chunk := int(Level4K.pageSize() - va&(Level4K.pageSize()-1))
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		phys, err := m.mem.Bytes(pa, chunk)
		if err != nil {
			return err
		}
		if toUser {
			copy(phys, remaining[:chunk])
		} else {
			copy(remaining[:chunk], phys)
		}
		remaining = remaining[chunk:]
		va += uint64(chunk)
	}
	return nil
}

// Fence is the sfence.vma analogue issued after SATP writes and page-table
// mutations, scoped by ASID. The simulation has no TLB to flush; the call
// keeps the driver-visible protocol identical to hardware.
func (m *MMU) Fence(asid uint16) {}

// FenceAll is the unscoped fence issued on MapRange completion and
// address-space teardown.
func (m *MMU) FenceAll() {}
