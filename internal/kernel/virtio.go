package kernel

// virtio.go is the driver side of the legacy virtio-MMIO block device: discovery,
// one virtqueue, and blocking sector I/O through a single pre-allocated request.

import (
	"encoding/binary"

	"github.com/kestrel-os/kestrel/internal/devices/virtio"
	"github.com/kestrel-os/kestrel/internal/rv32"
)

// VirtioBlkPaddr is the MMIO base of the block device on the virt board.
const VirtioBlkPaddr rv32.PAddr = 0x1000_1000

// SectorSize is the block transfer unit.
const SectorSize = virtio.SectorSize

// Request buffer layout: a 16-byte header (type, reserved, 64-bit sector), 512 bytes
// of data, and one status byte.
const (
	blkReqHeaderSize = 16
	blkReqDataOff    = 16
	blkReqStatusOff  = blkReqDataOff + SectorSize
	blkReqSize       = blkReqStatusOff + 1
)

// virtq is the driver's bookkeeping for the single request queue. The one-page-aligned
// allocation holds the descriptor table and available ring on the first page and the
// used ring on the second.
type virtq struct {
	paddr rv32.PAddr

	descAddr  rv32.PAddr
	availAddr rv32.PAddr
	usedAddr  rv32.PAddr

	queueIndex    rv32.Word
	lastUsedIndex uint16
}

func (k *Kernel) blkReadReg(off rv32.Word) rv32.Word {
	return k.readWord(k.blkBase + off)
}

func (k *Kernel) blkWriteReg(off rv32.Word, val rv32.Word) {
	k.writeWord(k.blkBase+off, val)
}

// virtioBlkInit discovers the device and brings it to DRIVER_OK with queue 0
// configured, then allocates the request buffer.
func (k *Kernel) virtioBlkInit() {
	if magic := k.blkReadReg(virtio.RegMagic); magic != virtio.MagicValue {
		kernelPanic("virtio: invalid magic value %s", magic)
	}

	if version := k.blkReadReg(virtio.RegVersion); version != virtio.Version {
		kernelPanic("virtio: invalid version %s", version)
	}

	if devID := k.blkReadReg(virtio.RegDeviceID); devID != virtio.DeviceBlk {
		kernelPanic("virtio: invalid device id %s", devID)
	}

	// Legacy initialization: reset, then acknowledge, then driver, then features OK.
	k.blkWriteReg(virtio.RegStatus, 0)
	k.blkWriteReg(virtio.RegStatus, k.blkReadReg(virtio.RegStatus)|virtio.StatusAck)
	k.blkWriteReg(virtio.RegStatus, k.blkReadReg(virtio.RegStatus)|virtio.StatusDriver)
	k.blkWriteReg(virtio.RegStatus, k.blkReadReg(virtio.RegStatus)|virtio.StatusFeatOK)

	k.vq = k.virtqInit(0)

	k.blkWriteReg(virtio.RegStatus, k.blkReadReg(virtio.RegStatus)|virtio.StatusDriverOK)

	// The config area reports capacity as a 64-bit sector count.
	lo := uint64(k.blkReadReg(virtio.RegConfig))
	hi := uint64(k.blkReadReg(virtio.RegConfig + 4))
	k.blkCapacity = (hi<<32 | lo) * SectorSize

	k.log.Info("virtio-blk initialized", "capacity", k.blkCapacity)

	k.blkReq = k.allocPages(rv32.AlignUp(blkReqSize, rv32.PageSize) / rv32.PageSize)
}

// virtqInit allocates and registers queue idx with the device. The legacy PFN
// register on this board takes the raw physical address of the queue pages.
func (k *Kernel) virtqInit(idx rv32.Word) virtq {
	paddr := k.allocPages(2)

	k.blkWriteReg(virtio.RegQueueSel, idx)
	k.blkWriteReg(virtio.RegQueueNum, virtio.QueueSize)
	k.blkWriteReg(virtio.RegQueueAlign, 0)
	k.blkWriteReg(virtio.RegQueuePFN, paddr)

	return virtq{
		paddr:      paddr,
		descAddr:   paddr,
		availAddr:  paddr + virtio.QueueSize*16,
		usedAddr:   paddr + rv32.PageSize,
		queueIndex: idx,
	}
}

// usedIndex reads the device-owned used index.
func (k *Kernel) usedIndex() uint16 {
	b := k.bytes(k.vq.usedAddr+2, 2)

	return binary.LittleEndian.Uint16(b)
}

// virtqKick publishes descriptor head desc on the available ring and notifies the
// device.
func (k *Kernel) virtqKick(desc uint16) {
	avail := k.bytes(k.vq.availAddr, 4+virtio.QueueSize*2)
	idx := binary.LittleEndian.Uint16(avail[2:4])

	binary.LittleEndian.PutUint16(avail[4+int(idx%virtio.QueueSize)*2:], desc)
	binary.LittleEndian.PutUint16(avail[2:4], idx+1)

	// Publish the ring update before ringing the doorbell; on hardware this is a
	// full memory barrier.
	k.blkWriteReg(virtio.RegQueueNotify, k.vq.queueIndex)
	k.vq.lastUsedIndex++
}

// virtqBusy reports whether the device still owes a completion.
func (k *Kernel) virtqBusy() bool {
	return k.vq.lastUsedIndex != k.usedIndex()
}

// writeDesc fills one descriptor table entry.
func (k *Kernel) writeDesc(idx uint16, addr rv32.PAddr, length rv32.Word, flags uint16, next uint16) {
	b := k.bytes(k.vq.descAddr+rv32.Word(idx)*16, 16)

	binary.LittleEndian.PutUint64(b[0:8], uint64(addr))
	binary.LittleEndian.PutUint32(b[8:12], uint32(length))
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

// readWriteDisk transfers one sector between buf and the disk. Requests beyond the
// device capacity are rejected with a log message and no I/O; a non-zero completion
// status is a soft failure for the call.
func (k *Kernel) readWriteDisk(buf []byte, sector rv32.Word, isWrite bool) {
	if uint64(sector) >= k.blkCapacity/SectorSize {
		k.log.Warn("virtio: sector out of bounds",
			"sector", uint32(sector), "capacity", k.blkCapacity/SectorSize)

		return
	}

	// Build the request in the pre-allocated buffer.
	req := k.bytes(k.blkReq, blkReqSize)

	reqType := uint32(virtio.BlkTIn)
	if isWrite {
		reqType = virtio.BlkTOut
	}

	binary.LittleEndian.PutUint32(req[0:4], reqType)
	binary.LittleEndian.PutUint32(req[4:8], 0)
	binary.LittleEndian.PutUint64(req[8:16], uint64(sector))

	if isWrite {
		copy(req[blkReqDataOff:blkReqStatusOff], buf)
	}

	// Three chained descriptors: header, data, status. The device writes the data
	// area only when the request reads from disk.
	dataFlags := uint16(virtio.DescFNext)
	if !isWrite {
		dataFlags |= virtio.DescFWrite
	}

	k.writeDesc(0, k.blkReq, blkReqHeaderSize, virtio.DescFNext, 1)
	k.writeDesc(1, k.blkReq+blkReqDataOff, SectorSize, dataFlags, 2)
	k.writeDesc(2, k.blkReq+blkReqStatusOff, 1, virtio.DescFWrite, 0)

	k.virtqKick(0)

	// The driver is fully synchronous: spin until the used ring advances.
	for k.virtqBusy() {
	}

	if status := req[blkReqStatusOff]; status != 0 {
		k.log.Error("virtio: I/O failed",
			"sector", uint32(sector), "status", status, "write", isWrite)

		return
	}

	if !isWrite {
		copy(buf, req[blkReqDataOff:blkReqStatusOff])
	}
}
