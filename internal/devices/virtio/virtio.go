// Package virtio models the device side of a legacy virtio-MMIO v1 block device: the
// register file the driver programs, one virtqueue walked out of guest memory, and the
// block requests executed against a sector store.
package virtio

import (
	"encoding/binary"
	"io"
)

// MMIO register offsets of the legacy interface.
const (
	RegMagic         = 0x00
	RegVersion       = 0x04
	RegDeviceID      = 0x08
	RegVendorID      = 0x0c
	RegHostFeatures  = 0x10
	RegGuestFeatures = 0x20
	RegQueueSel      = 0x30
	RegQueueNumMax   = 0x34
	RegQueueNum      = 0x38
	RegQueueAlign    = 0x3c
	RegQueuePFN      = 0x40
	RegQueueNotify   = 0x50
	RegIntrStatus    = 0x60
	RegIntrAck       = 0x64
	RegStatus        = 0x70
	RegConfig        = 0x100
)

// Register values and status bits.
const (
	MagicValue = 0x74726976 // "virt", little-endian
	Version    = 1
	DeviceBlk  = 2
	vendorID   = 0x4b534f31

	StatusAck      = 1
	StatusDriver   = 2
	StatusDriverOK = 4
	StatusFeatOK   = 8
)

// Descriptor flags.
const (
	DescFNext  = 1
	DescFWrite = 2
)

// Block request types and status codes.
const (
	BlkTIn  = 0
	BlkTOut = 1

	BlkSOK    = 0
	BlkSIOErr = 1
	BlkSUnsup = 2
)

// SectorSize is the block transfer unit.
const SectorSize = 512

// QueueSize is the descriptor count of the single request queue.
const QueueSize = 16

// GuestMemory is the device's view of guest RAM, addressed by physical address.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// descriptor mirrors one entry of the descriptor table.
type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// queue tracks the driver-programmed state of the request virtqueue. The legacy
// interface hands the device one page-aligned region: the descriptor table at its base,
// the available ring right after it, and the used ring on the following page.
type queue struct {
	pfn       uint32 // Raw physical address, as the legacy PFN register is used here.
	num       uint32
	align     uint32
	lastAvail uint16
	usedIdx   uint16
}

const queuePageSize = 4096

func (q *queue) descAddr(idx uint16) uint64 {
	return uint64(q.pfn) + uint64(idx)*16
}

func (q *queue) availAddr() uint64 {
	return uint64(q.pfn) + uint64(QueueSize)*16
}

func (q *queue) usedAddr() uint64 {
	return uint64(q.pfn) + queuePageSize
}

func (q *queue) readDescriptor(mem GuestMemory, idx uint16) (descriptor, error) {
	var buf [16]byte
	if _, err := mem.ReadAt(buf[:], int64(q.descAddr(idx))); err != nil {
		return descriptor{}, err
	}

	return descriptor{
		addr:  binary.LittleEndian.Uint64(buf[0:8]),
		len:   binary.LittleEndian.Uint32(buf[8:12]),
		flags: binary.LittleEndian.Uint16(buf[12:14]),
		next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// availIdx reads the driver-owned available index.
func (q *queue) availIdx(mem GuestMemory) (uint16, error) {
	var buf [2]byte
	if _, err := mem.ReadAt(buf[:], int64(q.availAddr()+2)); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

// availEntry reads the descriptor head published at ring position idx.
func (q *queue) availEntry(mem GuestMemory, idx uint16) (uint16, error) {
	var buf [2]byte
	off := q.availAddr() + 4 + uint64(idx%QueueSize)*2

	if _, err := mem.ReadAt(buf[:], int64(off)); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

// pushUsed appends a used-ring element and publishes the new used index.
func (q *queue) pushUsed(mem GuestMemory, head uint16, written uint32) error {
	var elem [8]byte

	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)

	off := q.usedAddr() + 4 + uint64(q.usedIdx%QueueSize)*8
	if _, err := mem.WriteAt(elem[:], int64(off)); err != nil {
		return err
	}

	q.usedIdx++

	var idx [2]byte

	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	_, err := mem.WriteAt(idx[:], int64(q.usedAddr()+2))

	return err
}
