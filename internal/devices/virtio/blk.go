package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrel-os/kestrel/internal/log"
	"github.com/kestrel-os/kestrel/internal/rv32"
)

// SectorStore is the storage backing a block device.
type SectorStore interface {
	// Sectors returns the device capacity in 512-byte sectors.
	Sectors() uint64

	// ReadSector fills buf with the contents of sector n. len(buf) is SectorSize.
	ReadSector(n uint64, buf []byte) error

	// WriteSector stores buf as the contents of sector n.
	WriteSector(n uint64, buf []byte) error
}

// Blk is the modeled block device. Requests are executed synchronously when the driver
// rings the notify register, so a polling driver observes completion on its first check.
type Blk struct {
	mem   GuestMemory
	store SectorStore

	status   uint32
	features uint32
	queueSel uint32
	queue    queue

	log *log.Logger
}

// NewBlk creates a block device over a sector store. mem is the guest RAM the driver
// will place the virtqueue and request buffers in.
func NewBlk(mem GuestMemory, store SectorStore, logger *log.Logger) *Blk {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Blk{mem: mem, store: store, log: logger}
}

// ReadReg implements the register file reads of the legacy interface.
func (b *Blk) ReadReg(off rv32.Word) rv32.Word {
	switch off {
	case RegMagic:
		return MagicValue
	case RegVersion:
		return Version
	case RegDeviceID:
		return DeviceBlk
	case RegVendorID:
		return vendorID
	case RegHostFeatures:
		return 0
	case RegQueueNumMax:
		return QueueSize
	case RegQueuePFN:
		return rv32.Word(b.queue.pfn)
	case RegStatus:
		return rv32.Word(b.status)
	case RegIntrStatus:
		return 0
	}

	// The config area starts at 0x100 with the 64-bit sector count.
	if off >= RegConfig && off < RegConfig+8 {
		var buf [8]byte

		binary.LittleEndian.PutUint64(buf[:], b.store.Sectors())

		return rv32.Word(binary.LittleEndian.Uint32(buf[(off-RegConfig)&^3:]))
	}

	b.log.Warn("virtio-blk: read of unknown register", "off", off)

	return 0
}

// WriteReg implements the register file writes of the legacy interface.
func (b *Blk) WriteReg(off rv32.Word, val rv32.Word) {
	switch off {
	case RegStatus:
		b.status = uint32(val)
		if val == 0 {
			b.reset()
		}
	case RegGuestFeatures:
		b.features = uint32(val)
	case RegQueueSel:
		b.queueSel = uint32(val)
	case RegQueueNum:
		b.queue.num = uint32(val)
	case RegQueueAlign:
		b.queue.align = uint32(val)
	case RegQueuePFN:
		// The legacy convention on this board passes the raw physical address.
		b.queue.pfn = uint32(val)
	case RegQueueNotify:
		if err := b.processQueue(); err != nil {
			b.log.Error("virtio-blk: queue processing failed", "err", err)
		}
	case RegIntrAck:
		// No interrupts are delivered; the driver polls the used ring.
	default:
		b.log.Warn("virtio-blk: write of unknown register", "off", off, "val", val)
	}
}

func (b *Blk) reset() {
	b.queue = queue{}
	b.queueSel = 0
	b.features = 0
}

// processQueue consumes every descriptor chain the driver has published.
func (b *Blk) processQueue() error {
	if b.queue.pfn == 0 {
		return fmt.Errorf("notify before queue setup")
	}

	avail, err := b.queue.availIdx(b.mem)
	if err != nil {
		return err
	}

	for b.queue.lastAvail != avail {
		head, err := b.queue.availEntry(b.mem, b.queue.lastAvail)
		if err != nil {
			return err
		}

		b.queue.lastAvail++

		written, err := b.execChain(head)
		if err != nil {
			return err
		}

		if err := b.queue.pushUsed(b.mem, head, written); err != nil {
			return err
		}
	}

	return nil
}

// execChain runs one three-descriptor block request: header, data, status.
func (b *Blk) execChain(head uint16) (uint32, error) {
	hdr, err := b.queue.readDescriptor(b.mem, head)
	if err != nil {
		return 0, err
	}

	var hbuf [16]byte
	if _, err := b.mem.ReadAt(hbuf[:], int64(hdr.addr)); err != nil {
		return 0, err
	}

	reqType := binary.LittleEndian.Uint32(hbuf[0:4])
	sector := binary.LittleEndian.Uint64(hbuf[8:16])

	if hdr.flags&DescFNext == 0 {
		return 0, fmt.Errorf("request header not chained")
	}

	data, err := b.queue.readDescriptor(b.mem, hdr.next)
	if err != nil {
		return 0, err
	}

	if data.flags&DescFNext == 0 {
		return 0, fmt.Errorf("data descriptor not chained")
	}

	stat, err := b.queue.readDescriptor(b.mem, data.next)
	if err != nil {
		return 0, err
	}

	status := byte(BlkSOK)
	written := uint32(1) // The status byte is always written back.

	buf := make([]byte, SectorSize)

	switch {
	case sector >= b.store.Sectors():
		status = BlkSIOErr

	case reqType == BlkTIn:
		if err := b.store.ReadSector(sector, buf); err != nil {
			status = BlkSIOErr

			break
		}

		if _, err := b.mem.WriteAt(buf[:data.len], int64(data.addr)); err != nil {
			return 0, err
		}

		written += data.len

	case reqType == BlkTOut:
		if _, err := b.mem.ReadAt(buf[:data.len], int64(data.addr)); err != nil {
			return 0, err
		}

		if err := b.store.WriteSector(sector, buf); err != nil {
			status = BlkSIOErr
		}

	default:
		status = BlkSUnsup
	}

	if _, err := b.mem.WriteAt([]byte{status}, int64(stat.addr)); err != nil {
		return 0, err
	}

	return written, nil
}

// MemDisk is an in-memory sector store.
type MemDisk struct {
	data []byte
}

// NewMemDisk creates a disk over a copy of image, rounded up to a whole sector.
func NewMemDisk(image []byte) *MemDisk {
	size := (len(image) + SectorSize - 1) / SectorSize * SectorSize
	data := make([]byte, size)
	copy(data, image)

	return &MemDisk{data: data}
}

func (d *MemDisk) Sectors() uint64 {
	return uint64(len(d.data) / SectorSize)
}

func (d *MemDisk) ReadSector(n uint64, buf []byte) error {
	if n >= d.Sectors() {
		return fmt.Errorf("sector %d out of range", n)
	}

	copy(buf, d.data[n*SectorSize:])

	return nil
}

func (d *MemDisk) WriteSector(n uint64, buf []byte) error {
	if n >= d.Sectors() {
		return fmt.Errorf("sector %d out of range", n)
	}

	copy(d.data[n*SectorSize:(n+1)*SectorSize], buf)

	return nil
}

// Bytes returns the raw disk contents.
func (d *MemDisk) Bytes() []byte {
	return d.data
}
