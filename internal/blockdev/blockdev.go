// Package blockdev implements the virtio-blk driver: sector read/write
// via a three-descriptor request chain (header/data/status), serialized
// one in-flight request per device. The driver side builds and submits
// chains; Backend is the simulated device side that services them.
package blockdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sagevm/rvos/internal/bus"
	"github.com/sagevm/rvos/internal/virtio"
)

// Request types (virtio-blk §5.2.6).
const (
	TypeIn          = 0
	TypeOut         = 1
	TypeFlush       = 4
	TypeDiscard     = 11
	TypeWriteZeroes = 13
)

// Status byte values.
const (
	StatusOK          = 0
	StatusIOError     = 1
	StatusUnsupported = 2
)

// ErrIO is the sentinel wrapped into a descriptive error whenever the
// device returns a non-zero status.
var ErrIO = errors.New("blockdev: request failed")

const headerSize = 16 // type(4) + reserved(4) + sector(8)

// Storage is the backing medium a Backend serves reads/writes from: an
// in-memory image or (via a thin io.ReaderAt/WriterAt wrapper) a
// file-backed one.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// MemoryStorage is a Storage backed by a plain byte slice.
type MemoryStorage struct{ data []byte }

// NewMemoryStorage wraps data as a Storage.
func NewMemoryStorage(data []byte) *MemoryStorage { return &MemoryStorage{data: data} }

func (m *MemoryStorage) Size() int64 { return int64(len(m.data)) }

func (m *MemoryStorage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (m *MemoryStorage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

// Backend is the simulated device half of virtio-blk: it drains a
// virtqueue's available ring, performs the requested sector I/O against
// Storage, and publishes completions. One Backend instance is the
// ServiceNotify callback for exactly one virtio.Device.
type Backend struct {
	mem        *bus.Memory
	storage    Storage
	sectorSize uint32
	consumed   uint16
	log        *slog.Logger
}

// NewBackend constructs a Backend reading/writing storage in sectorSize
// chunks, using mem to read request headers and data buffers.
func NewBackend(mem *bus.Memory, storage Storage, sectorSize uint32, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{mem: mem, storage: storage, sectorSize: sectorSize, log: log}
}

// HandleNotify is wired as a virtio.Device's ServiceNotify: it processes
// every chain newly published since the last call.
func (b *Backend) HandleNotify(q *virtio.Queue) {
	pending := q.PendingForDevice(b.consumed)
	for i := uint16(0); i < pending; i++ {
		head, chain := q.DeviceReadChain(b.consumed + i)
		written := b.process(chain)
		q.DeviceCompleteChain(head, written)
	}
	b.consumed += pending
}

func (b *Backend) process(chain []virtio.Descriptor) uint32 {
	if len(chain) < 2 {
		return 0
	}
	hdr, err := b.mem.Bytes(chain[0].Addr, headerSize)
	if err != nil {
		return 0
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:])
	sector := binary.LittleEndian.Uint64(hdr[8:])

	statusDesc := chain[len(chain)-1]
	var dataDesc *virtio.Descriptor
	if len(chain) == 3 {
		dataDesc = &chain[1]
	}

	status := byte(StatusOK)
	var written uint32

	switch reqType {
	case TypeIn:
		if dataDesc == nil {
			status = StatusIOError
			break
		}
		buf, err := b.mem.Bytes(dataDesc.Addr, int(dataDesc.Len))
		if err != nil {
			status = StatusIOError
			break
		}
		if _, err := b.storage.ReadAt(buf, int64(sector)*int64(b.sectorSize)); err != nil {
			status = StatusIOError
			break
		}
		written = dataDesc.Len
	case TypeOut:
		if dataDesc == nil {
			status = StatusIOError
			break
		}
		buf, err := b.mem.Bytes(dataDesc.Addr, int(dataDesc.Len))
		if err != nil {
			status = StatusIOError
			break
		}
		if _, err := b.storage.WriteAt(buf, int64(sector)*int64(b.sectorSize)); err != nil {
			status = StatusIOError
		}
	case TypeFlush:
		// Nothing to flush for in-memory storage; a file-backed Storage
		// would sync here.
	default:
		status = StatusUnsupported
	}

	sb, err := b.mem.Bytes(statusDesc.Addr, 1)
	if err == nil {
		sb[0] = status
	}
	return written + 1 // + the status byte itself
}

// Device is the driver side: it builds request packets, submits them over
// a virtqueue, and blocks the calling goroutine until the Backend
// completes them. A single mutex serializes requests: one in-flight per
// device.
type Device struct {
	mu          sync.Mutex
	vdev        *virtio.Device
	mem         *bus.Memory
	scratchAddr uint64
	sectorSize  uint32
	capacity    uint64 // sectors
	log         *slog.Logger
}

// New constructs a Device. scratchAddr must point to at least headerSize
// bytes plus the largest single transfer plus 1 status byte of memory
// reserved for building request packets.
func New(vdev *virtio.Device, mem *bus.Memory, scratchAddr uint64, sectorSize uint32, capacity uint64, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	return &Device{vdev: vdev, mem: mem, scratchAddr: scratchAddr, sectorSize: sectorSize, capacity: capacity, log: log}
}

// SectorSize returns the device's sector size read from its config space
// at init.
func (d *Device) SectorSize() uint32 { return d.sectorSize }

// Capacity returns the device's capacity in sectors.
func (d *Device) Capacity() uint64 { return d.capacity }

func statusError(status byte) error {
	switch status {
	case StatusIOError:
		return fmt.Errorf("%w: io error", ErrIO)
	case StatusUnsupported:
		return fmt.Errorf("%w: unsupported", ErrIO)
	default:
		return fmt.Errorf("%w: status %d", ErrIO, status)
	}
}

// doRequest builds and submits one request, blocking until the backend
// completes it. data is the caller's buffer: for a write it is copied
// into scratch memory before submission; for a read, scratch is copied
// back into data on success.
func (d *Device) doRequest(reqType uint32, sector uint64, data []byte, write bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	hdr, err := d.mem.Bytes(d.scratchAddr, headerSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(hdr[0:], reqType)
	binary.LittleEndian.PutUint32(hdr[4:], 0)
	binary.LittleEndian.PutUint64(hdr[8:], sector)

	descs := []virtio.Descriptor{{Addr: d.scratchAddr, Len: headerSize, Write: false}}
	dataAddr := d.scratchAddr + headerSize
	statusAddr := dataAddr

	if len(data) > 0 {
		scratch, err := d.mem.Bytes(dataAddr, len(data))
		if err != nil {
			return err
		}
		if write {
			copy(scratch, data)
		}
		descs = append(descs, virtio.Descriptor{Addr: dataAddr, Len: uint32(len(data)), Write: !write})
		statusAddr = dataAddr + uint64(len(data))
	}
	descs = append(descs, virtio.Descriptor{Addr: statusAddr, Len: 1, Write: true})

	job, err := d.vdev.Submit(descs)
	if err != nil {
		return err
	}
	<-job.Done

	statusByte, err := d.mem.Bytes(statusAddr, 1)
	if err != nil {
		return err
	}
	status := statusByte[0]
	if status != StatusOK {
		d.log.Warn("blockdev: request failed", "type", reqType, "sector", sector, "status", status)
		return statusError(status)
	}
	if !write && len(data) > 0 {
		scratch, err := d.mem.Bytes(dataAddr, len(data))
		if err != nil {
			return err
		}
		copy(data, scratch)
	}
	return nil
}

// ReadSector reads one sector into buf, which must be exactly SectorSize
// bytes long.
func (d *Device) ReadSector(sector uint64, buf []byte) error {
	if uint32(len(buf)) != d.sectorSize {
		return fmt.Errorf("blockdev: buf len %d != sector size %d", len(buf), d.sectorSize)
	}
	return d.doRequest(TypeIn, sector, buf, false)
}

// WriteSector writes one sector from buf.
func (d *Device) WriteSector(sector uint64, buf []byte) error {
	if uint32(len(buf)) != d.sectorSize {
		return fmt.Errorf("blockdev: buf len %d != sector size %d", len(buf), d.sectorSize)
	}
	return d.doRequest(TypeOut, sector, buf, true)
}

// Flush issues a VIRTIO_BLK_T_FLUSH request.
func (d *Device) Flush() error {
	return d.doRequest(TypeFlush, 0, nil, false)
}

// ReadBytes reads count bytes starting at byte offset off, composing
// aligned-sector reads with boundary copies.
func (d *Device) ReadBytes(off uint64, out []byte) error {
	count := uint64(len(out))
	if count == 0 {
		return nil
	}
	firstSector := off / uint64(d.sectorSize)
	lastSector := (off + count - 1) / uint64(d.sectorSize)
	buf := make([]byte, (lastSector-firstSector+1)*uint64(d.sectorSize))
	for s := firstSector; s <= lastSector; s++ {
		sectorBuf := buf[(s-firstSector)*uint64(d.sectorSize) : (s-firstSector+1)*uint64(d.sectorSize)]
		if err := d.ReadSector(s, sectorBuf); err != nil {
			return err
		}
	}
	start := off - firstSector*uint64(d.sectorSize)
	copy(out, buf[start:start+count])
	return nil
}

// ReadAt implements io.ReaderAt over ReadBytes, letting a Device stand in
// directly as a minix3.BlockDevice.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("blockdev: negative offset %d", off)
	}
	if err := d.ReadBytes(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt over WriteBytes.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("blockdev: negative offset %d", off)
	}
	if err := d.WriteBytes(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteBytes writes data at byte offset off, read-modify-writing the
// partial sectors at either edge.
func (d *Device) WriteBytes(off uint64, data []byte) error {
	count := uint64(len(data))
	if count == 0 {
		return nil
	}
	firstSector := off / uint64(d.sectorSize)
	lastSector := (off + count - 1) / uint64(d.sectorSize)
	buf := make([]byte, (lastSector-firstSector+1)*uint64(d.sectorSize))

	// Read the first and last sectors for the read-modify-write edges if
	// they are only partially overwritten.
	if off%uint64(d.sectorSize) != 0 || count < uint64(d.sectorSize) {
		if err := d.ReadSector(firstSector, buf[:d.sectorSize]); err != nil {
			return err
		}
	}
	if lastSector != firstSector && (off+count)%uint64(d.sectorSize) != 0 {
		last := buf[(lastSector-firstSector)*uint64(d.sectorSize):]
		if err := d.ReadSector(lastSector, last); err != nil {
			return err
		}
	}

	start := off - firstSector*uint64(d.sectorSize)
	copy(buf[start:start+count], data)

	for s := firstSector; s <= lastSector; s++ {
		sectorBuf := buf[(s-firstSector)*uint64(d.sectorSize) : (s-firstSector+1)*uint64(d.sectorSize)]
		if err := d.WriteSector(s, sectorBuf); err != nil {
			return err
		}
	}
	return nil
}
