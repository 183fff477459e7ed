// Package virtio implements the virtqueue transport and the minimal
// device/capability model the block driver rides on. The
// descriptor/available/used ring layout is bit-exact per the virtio 1.1
// spec. The kernel is the driver side, placing descriptors and advancing
// the available ring; a simulated device backend (internal/blockdev)
// drains it.
package virtio

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sagevm/rvos/internal/bus"
)

// Descriptor flags (virtio 1.1 §2.7.5).
const (
	FlagNext     uint16 = 1 << 0
	FlagWrite    uint16 = 1 << 1
	FlagIndirect uint16 = 1 << 2

	// FlagNoNotify marks, in the used ring's flags word, that the device
	// does not want notifications for newly available descriptors.
	FlagNoNotify uint16 = 1 << 0

	descEntrySize = 16 // addr(8) + len(4) + flags(2) + next(2)
	usedEntrySize = 8  // id(4) + len(4)
)

// ErrQueueFull is returned when a descriptor chain has more descriptors
// than the queue has slots. Slots still held by in-flight chains are not
// tracked.
var ErrQueueFull = errors.New("virtio: queue full")

// Descriptor is one driver-supplied buffer of a descriptor chain.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Write bool // WO from the device's perspective (F_WRITE)
}

// Queue is one virtqueue: a descriptor table plus driver (available) and
// device (used) rings, all resident in simulated physical memory so their
// layout matches real virtio exactly. Size must be a power of two.
type Queue struct {
	mu sync.Mutex

	mem                           *bus.Memory
	descAddr, availAddr, usedAddr uint64
	size                          uint16

	nextFree     uint16 // driver's cursor into the descriptor table
	driverIdx    uint16 // driver's local shadow of avail.idx
	usedConsumed uint16 // driver's last-seen used.idx (for CollectUsed)
}

// NewQueue allocates ring storage for a queue of the given size out of
// mem starting at base (caller is responsible for reserving
// RingBytes(size) bytes there, typically via the page allocator).
func NewQueue(mem *bus.Memory, base uint64, size uint16) *Queue {
	descAddr := base
	availAddr := descAddr + uint64(size)*descEntrySize
	usedAddr := availAddr + 4 + uint64(size)*2
	return &Queue{mem: mem, descAddr: descAddr, availAddr: availAddr, usedAddr: usedAddr, size: size}
}

// RingBytes reports how much backing memory a queue of the given size
// needs for all three rings, page-rounding left to the caller.
func RingBytes(size uint16) uint64 {
	descBytes := uint64(size) * descEntrySize
	availBytes := 4 + uint64(size)*2
	usedBytes := 4 + uint64(size)*usedEntrySize
	return descBytes + availBytes + usedBytes
}

func (q *Queue) descOffset(i uint16) uint64 { return q.descAddr + uint64(i)*descEntrySize }
func (q *Queue) availRingOffset(i uint16) uint64 {
	return q.availAddr + 4 + uint64(i)*2
}
func (q *Queue) usedRingOffset(i uint16) uint64 {
	return q.usedAddr + 4 + uint64(i)*usedEntrySize
}

func (q *Queue) writeDescriptor(idx uint16, d Descriptor, hasNext bool, next uint16) {
	b, _ := q.mem.Bytes(q.descOffset(idx), descEntrySize)
	binary.LittleEndian.PutUint64(b[0:], d.Addr)
	binary.LittleEndian.PutUint32(b[8:], d.Len)
	var flags uint16
	if d.Write {
		flags |= FlagWrite
	}
	if hasNext {
		flags |= FlagNext
	}
	binary.LittleEndian.PutUint16(b[12:], flags)
	binary.LittleEndian.PutUint16(b[14:], next)
}

// ReadDescriptor returns the descriptor at table index idx, for a device
// backend walking a chain.
func (q *Queue) ReadDescriptor(idx uint16) (d Descriptor, hasNext bool, next uint16) {
	b, _ := q.mem.Bytes(q.descOffset(idx), descEntrySize)
	d.Addr = binary.LittleEndian.Uint64(b[0:])
	d.Len = binary.LittleEndian.Uint32(b[8:])
	flags := binary.LittleEndian.Uint16(b[12:])
	d.Write = flags&FlagWrite != 0
	hasNext = flags&FlagNext != 0
	next = binary.LittleEndian.Uint16(b[14:])
	return
}

func (q *Queue) writeAvailIdx(v uint16) {
	b, _ := q.mem.Bytes(q.availAddr+2, 2)
	binary.LittleEndian.PutUint16(b, v)
}

func (q *Queue) readAvailIdx() uint16 {
	b, _ := q.mem.Bytes(q.availAddr+2, 2)
	return binary.LittleEndian.Uint16(b)
}

func (q *Queue) readAvailRing(i uint16) uint16 {
	b, _ := q.mem.Bytes(q.availRingOffset(i%q.size), 2)
	return binary.LittleEndian.Uint16(b)
}

func (q *Queue) readUsedIdx() uint16 {
	b, _ := q.mem.Bytes(q.usedAddr+2, 2)
	return binary.LittleEndian.Uint16(b)
}

func (q *Queue) writeUsedIdx(v uint16) {
	b, _ := q.mem.Bytes(q.usedAddr+2, 2)
	binary.LittleEndian.PutUint16(b, v)
}

func (q *Queue) writeUsedEntry(i uint16, id uint32, length uint32) {
	b, _ := q.mem.Bytes(q.usedRingOffset(i%q.size), usedEntrySize)
	binary.LittleEndian.PutUint32(b[0:], id)
	binary.LittleEndian.PutUint32(b[4:], length)
}

func (q *Queue) readUsedEntry(i uint16) (id, length uint32) {
	b, _ := q.mem.Bytes(q.usedRingOffset(i%q.size), usedEntrySize)
	return binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:])
}

// SubmitChain places descs into successive descriptor slots starting at
// the queue's tracked free cursor, links them with FlagNext, and publishes
// the head-of-chain index in the available ring.
// It returns the head index, which identifies this request for job
// tracking and for the eventual used-ring completion.
func (q *Queue) SubmitChain(descs []Descriptor) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(descs) == 0 {
		return 0, errors.New("virtio: empty descriptor chain")
	}
	if len(descs) > int(q.size) {
		return 0, ErrQueueFull
	}

	head := q.nextFree
	for i, d := range descs {
		idx := (q.nextFree + uint16(i)) % q.size
		var next uint16
		hasNext := i < len(descs)-1
		if hasNext {
			next = (q.nextFree + uint16(i) + 1) % q.size
		}
		// Descriptor-ring writes must be visible before the available-ring
		// idx advance below; under this Queue's own mutex
		// that ordering is simply program order.
		q.writeDescriptor(idx, d, hasNext, next)
	}
	q.nextFree = (q.nextFree + uint16(len(descs))) % q.size

	avail, _ := q.mem.Bytes(q.availRingOffset(q.driverIdx), 2)
	binary.LittleEndian.PutUint16(avail, head)
	q.driverIdx++
	q.writeAvailIdx(q.driverIdx)
	return head, nil
}

// PendingForDevice reports how many available-ring entries the device
// backend has not yet consumed, using its own tracked index from.
func (q *Queue) PendingForDevice(deviceConsumed uint16) uint16 {
	return q.readAvailIdx() - deviceConsumed
}

// DeviceReadChain is a device-backend helper: given the available-ring
// position pos (0-based, not mod size), returns the head descriptor index
// and the full chain of descriptors for that request.
func (q *Queue) DeviceReadChain(pos uint16) (head uint16, chain []Descriptor) {
	head = q.readAvailRing(pos)
	idx := head
	for {
		d, hasNext, next := q.ReadDescriptor(idx)
		chain = append(chain, d)
		if !hasNext {
			break
		}
		idx = next
	}
	return head, chain
}

// DeviceCompleteChain is a device-backend helper: publishes head's
// completion with the given written-length into the used ring and
// advances used.idx.
func (q *Queue) DeviceCompleteChain(head uint16, writtenLen uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.readUsedIdx()
	q.writeUsedEntry(idx, uint32(head), writtenLen)
	// The device's write of idx must be visible before the driver reads
	// payload; again, program order under the shared mutex
	// stands in for the real fence.
	q.writeUsedIdx(idx + 1)
}

// CollectUsed drains used-ring entries the driver has not yet seen,
// returning their head-of-chain indices in completion order. The driver's
// consumed index never exceeds the device's published idx.
func (q *Queue) CollectUsed() []uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	deviceIdx := q.readUsedIdx()
	var heads []uint16
	for q.usedConsumed != deviceIdx {
		id, _ := q.readUsedEntry(q.usedConsumed)
		heads = append(heads, uint16(id))
		q.usedConsumed++
	}
	return heads
}

// Size returns the queue's fixed descriptor-table capacity.
func (q *Queue) Size() uint16 { return q.size }
