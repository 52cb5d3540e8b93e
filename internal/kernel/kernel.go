// Package kernel implements the supervisor: physical page allocation, Sv32 mapping,
// the trap and syscall path, the cooperative process table and scheduler, the
// virtio-blk driver, and the tar-backed file store. Kernel code runs natively, but
// every structure user space or a device can observe lives in guest memory at the
// layout the hardware model expects: page tables, kernel stacks, trap frames, context
// frames, the virtqueue, and the request buffer.
package kernel

import (
	"context"
	"fmt"

	"github.com/kestrel-os/kestrel/internal/log"
	"github.com/kestrel-os/kestrel/internal/machine"
	"github.com/kestrel-os/kestrel/internal/rv32"
)

// Process table and memory layout constants.
const (
	// ProcsMax is the number of process slots.
	ProcsMax = 8

	// KernelStackSize is the per-process kernel stack, carved from the image region.
	KernelStackSize = 8192

	// UserBase is the fixed virtual load address of user images.
	UserBase rv32.VAddr = 0x0100_0000

	// imageReserved is the slice of RAM modeling the linked kernel image: text,
	// data, bss, and the per-process kernel stacks. Free RAM begins above it.
	imageReserved = 0x20000

	// stacksOffset places the process kernel stacks within the image region.
	stacksOffset = 0x8000
)

// Continuation addresses. These play the role of the kernel text symbols a saved ra
// can point at: the trap vector, the first-entry trampoline, and the return paths a
// suspended context resumes through. They live in the (otherwise unused) text area at
// the bottom of the image region.
const (
	vecTrapEntry rv32.Word = iota*4 + 0x100
	vecUserEntry
	vecTrapReturn
	vecGetcharRetry
	vecKThread
	vecBootMain
	vecExited
)

// Kernel owns all supervisor state.
type Kernel struct {
	mach *machine.Machine
	log  *log.Logger

	// Linker-style layout symbols, fixed at construction.
	kernelBase rv32.PAddr
	stacksBase rv32.PAddr
	freeRAM    rv32.PAddr
	freeRAMEnd rv32.PAddr

	// Page allocator cursor.
	nextPaddr rv32.PAddr

	// Process table and scheduler state.
	procs   [ProcsMax]Process
	current *Process
	idle    *Process

	// The live supervisor context: the modeled stack pointer and the callee-saved
	// register bank the context switch spills and reloads.
	liveSP rv32.Word
	kregs  [rv32.ContextFrameWords]rv32.Word

	// Block driver state.
	blkBase     rv32.PAddr
	vq          virtq
	blkReq      rv32.PAddr
	blkCapacity uint64

	// File store.
	files [FilesMax]File
	disk  []byte

	userImage []byte
	booted    bool
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger attaches a logger.
func WithLogger(logger *log.Logger) Option {
	return func(k *Kernel) { k.log = logger }
}

// WithUserImage sets the flat binary booted as the initial user process, standing in
// for the embedded program image the linker would provide.
func WithUserImage(image []byte) Option {
	return func(k *Kernel) { k.userImage = image }
}

// New creates a kernel for a machine. The block device is expected to already be
// mapped at VirtioBlkPaddr on the machine's bus.
func New(mach *machine.Machine, opts ...Option) *Kernel {
	k := &Kernel{
		mach:    mach,
		log:     log.DefaultLogger(),
		blkBase: VirtioBlkPaddr,
		disk:    make([]byte, DiskMaxSize),
	}

	k.kernelBase = mach.RAMBase()
	k.stacksBase = k.kernelBase + stacksOffset
	k.freeRAM = k.kernelBase + imageReserved
	k.freeRAMEnd = mach.RAMEnd()
	k.nextPaddr = k.freeRAM

	for _, fn := range opts {
		fn(k)
	}

	return k
}

// Boot brings the kernel up: clear the model of bss, install the trap vector,
// initialize the block device, load the file table from disk, and create the idle
// and initial user processes.
func (k *Kernel) Boot() {
	// The bss region of the image, stacks included, starts zeroed.
	bss, err := k.mach.Bytes(k.kernelBase, imageReserved)
	if err != nil {
		kernelPanic("kernel image region unmapped: %v", err)
	}

	for i := range bss {
		bss[i] = 0
	}

	k.mach.CSR.Stvec = k.kernelBase + vecTrapEntry

	k.log.Info("booting", "free_ram", k.freeRAM, "free_ram_end", k.freeRAMEnd)

	k.virtioBlkInit()
	k.fsInit()

	k.idle = k.createProcess(nil)
	k.idle.PID = 0
	k.current = k.idle

	// The boot context runs on what becomes the idle process's kernel stack.
	k.liveSP = k.stackTop(k.idle)
	k.current.cont = vecBootMain

	if k.userImage != nil {
		k.createProcess(k.userImage)
	}

	k.booted = true
}

// Run boots the kernel if needed and schedules processes until the context is
// cancelled or a kernel invariant fails. A kernel panic is returned as an error.
func (k *Kernel) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p, ok := r.(*Panic)
			if !ok {
				panic(r)
			}

			k.log.Error("PANIC", "at", p.Location(), "msg", p.Message)
			err = p
		}
	}()

	if !k.booted {
		k.Boot()
	}

	k.Yield()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		k.resume()
	}
}

// resume executes the current process's pending continuation: what the ra word at the
// top of its saved context frame points at.
func (k *Kernel) resume() {
	p := k.current

	switch p.cont {
	case vecUserEntry:
		k.userEntry()
		k.runUser()

	case vecTrapReturn:
		k.trapReturn()
		k.runUser()

	case vecGetcharRetry:
		k.getcharRetry()

	case vecKThread:
		p.entry(k)

		if p.State == StateRunnable {
			p.cont = vecKThread
		} else {
			p.cont = vecExited
		}

		k.Yield()

	case vecBootMain:
		kernelPanic("switched to idle process")

	default:
		kernelPanic("resumed context with bad ra %s", rv32.Word(p.cont))
	}
}

// runUser executes user instructions until the process suspends.
func (k *Kernel) runUser() {
	for {
		trap := k.mach.Hart.Run()

		frame := k.trapEntry()
		suspended := k.handleTrap(frame, trap)

		if suspended {
			return
		}

		k.trapReturn()
	}
}

// stackTop returns the address one past a process's kernel stack.
func (k *Kernel) stackTop(p *Process) rv32.Word {
	return k.stacksBase + rv32.Word(p.slot+1)*KernelStackSize
}

// Machine returns the underlying machine.
func (k *Kernel) Machine() *machine.Machine { return k.mach }

// readWord reads guest memory or panics; the kernel's own accesses never fault.
func (k *Kernel) readWord(paddr rv32.PAddr) rv32.Word {
	w, err := k.mach.ReadWord(paddr)
	if err != nil {
		kernelPanic("kernel access fault: %v", err)
	}

	return w
}

func (k *Kernel) writeWord(paddr rv32.PAddr, val rv32.Word) {
	if err := k.mach.WriteWord(paddr, val); err != nil {
		kernelPanic("kernel access fault: %v", err)
	}
}

func (k *Kernel) bytes(paddr rv32.PAddr, n rv32.Word) []byte {
	b, err := k.mach.Bytes(paddr, n)
	if err != nil {
		kernelPanic("kernel access fault: %v", err)
	}

	return b
}

func (k *Kernel) String() string {
	return fmt.Sprintf("kernel: current=%d next_paddr=%s", k.current.PID, k.nextPaddr)
}
