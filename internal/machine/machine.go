// Package machine models the RV32 "virt" board the kernel runs on: a window of guest
// physical memory, a small MMIO bus, the supervisor CSR file, an SBI firmware console,
// and a user-mode hart that executes program images through the live Sv32 page tables.
package machine

import (
	"errors"
	"fmt"

	"github.com/kestrel-os/kestrel/internal/log"
	"github.com/kestrel-os/kestrel/internal/rv32"
)

// Default guest-physical layout. RAM begins where the firmware hands off; the virtio
// block device sits below it on the MMIO bus.
const (
	DefaultRAMBase rv32.PAddr = 0x8020_0000
	DefaultRAMSize rv32.Word  = 16 << 20
)

// Machine is the modeled board.
type Machine struct {
	CSR  CSRFile
	Hart Hart

	ramBase rv32.PAddr
	ram     []byte

	devices []mappedDevice
	console Console

	log *log.Logger
}

// Device is a memory-mapped peripheral. Registers are accessed as aligned 32-bit words
// at offsets from the device's base address.
type Device interface {
	ReadReg(off rv32.Word) rv32.Word
	WriteReg(off rv32.Word, val rv32.Word)
}

type mappedDevice struct {
	base rv32.PAddr
	size rv32.Word
	dev  Device
}

// Option configures a Machine during construction.
type Option func(*Machine)

// WithRAM overrides the base and size of the guest RAM window.
func WithRAM(base rv32.PAddr, size rv32.Word) Option {
	return func(m *Machine) {
		m.ramBase = base
		m.ram = make([]byte, size)
	}
}

// WithConsole attaches the firmware console.
func WithConsole(c Console) Option {
	return func(m *Machine) { m.console = c }
}

// WithLogger attaches a logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Machine) { m.log = logger }
}

// New assembles a machine. Without options it has the default RAM window, a discarding
// console, and no devices.
func New(opts ...Option) *Machine {
	m := &Machine{
		ramBase: DefaultRAMBase,
		ram:     make([]byte, DefaultRAMSize),
		console: NullConsole{},
		log:     log.DefaultLogger(),
	}

	for _, fn := range opts {
		fn(m)
	}

	m.Hart.mach = m

	return m
}

// RAMBase returns the first physical address of guest RAM.
func (m *Machine) RAMBase() rv32.PAddr { return m.ramBase }

// RAMEnd returns the physical address one past the end of guest RAM.
func (m *Machine) RAMEnd() rv32.PAddr { return m.ramBase + rv32.Word(len(m.ram)) }

// Console returns the firmware console.
func (m *Machine) Console() Console { return m.console }

// MapDevice attaches a device to the bus at base.
func (m *Machine) MapDevice(base rv32.PAddr, size rv32.Word, dev Device) {
	m.devices = append(m.devices, mappedDevice{base: base, size: size, dev: dev})
	m.log.Debug("device mapped", "base", base, "size", size)
}

var (
	// ErrBus is returned for a physical access that hits neither RAM nor a device.
	ErrBus = errors.New("bus error")
)

func (m *Machine) inRAM(paddr rv32.PAddr, n rv32.Word) bool {
	return paddr >= m.ramBase && paddr+n >= paddr && paddr+n <= m.RAMEnd()
}

func (m *Machine) findDevice(paddr rv32.PAddr) (mappedDevice, bool) {
	for _, md := range m.devices {
		if paddr >= md.base && paddr < md.base+md.size {
			return md, true
		}
	}

	return mappedDevice{}, false
}

// ReadWord reads an aligned 32-bit word at a physical address. RAM and device registers
// are both addressable; anything else is a bus error.
func (m *Machine) ReadWord(paddr rv32.PAddr) (rv32.Word, error) {
	if m.inRAM(paddr, 4) {
		off := paddr - m.ramBase

		return rv32.Word(m.ram[off]) |
			rv32.Word(m.ram[off+1])<<8 |
			rv32.Word(m.ram[off+2])<<16 |
			rv32.Word(m.ram[off+3])<<24, nil
	}

	if md, ok := m.findDevice(paddr); ok {
		return md.dev.ReadReg(paddr - md.base), nil
	}

	return 0, fmt.Errorf("%w: read %s", ErrBus, paddr)
}

// WriteWord writes an aligned 32-bit word at a physical address.
func (m *Machine) WriteWord(paddr rv32.PAddr, val rv32.Word) error {
	if m.inRAM(paddr, 4) {
		off := paddr - m.ramBase
		m.ram[off] = byte(val)
		m.ram[off+1] = byte(val >> 8)
		m.ram[off+2] = byte(val >> 16)
		m.ram[off+3] = byte(val >> 24)

		return nil
	}

	if md, ok := m.findDevice(paddr); ok {
		md.dev.WriteReg(paddr-md.base, val)

		return nil
	}

	return fmt.Errorf("%w: write %s", ErrBus, paddr)
}

// ReadByte reads one byte of RAM.
func (m *Machine) ReadByte(paddr rv32.PAddr) (byte, error) {
	if !m.inRAM(paddr, 1) {
		return 0, fmt.Errorf("%w: read %s", ErrBus, paddr)
	}

	return m.ram[paddr-m.ramBase], nil
}

// WriteByte writes one byte of RAM.
func (m *Machine) WriteByte(paddr rv32.PAddr, val byte) error {
	if !m.inRAM(paddr, 1) {
		return fmt.Errorf("%w: write %s", ErrBus, paddr)
	}

	m.ram[paddr-m.ramBase] = val

	return nil
}

// Bytes returns the RAM backing a physical range. The slice aliases guest memory, so
// writes through it are visible to the hart and the devices.
func (m *Machine) Bytes(paddr rv32.PAddr, n rv32.Word) ([]byte, error) {
	if !m.inRAM(paddr, n) {
		return nil, fmt.Errorf("%w: range %s+%d", ErrBus, paddr, n)
	}

	off := paddr - m.ramBase

	return m.ram[off : off+n : off+n], nil
}

// SFenceVMA orders page-table updates against address translation. The modeled hart
// walks the tables in RAM on every access, so there is no TLB state to flush; the
// call marks the points where real hardware requires the fence.
func (m *Machine) SFenceVMA() {}

// ReadAt implements io.ReaderAt over guest RAM, addressed by physical address. Devices
// use it to walk virtqueue structures the driver placed in RAM.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	b, err := m.Bytes(rv32.PAddr(off), rv32.Word(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt implements io.WriterAt over guest RAM, addressed by physical address.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	b, err := m.Bytes(rv32.PAddr(off), rv32.Word(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}
