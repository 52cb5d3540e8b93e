package kernel

// proc.go has the process table, process creation, the context switch, and the
// cooperative scheduler.

import (
	"github.com/kestrel-os/kestrel/internal/rv32"
)

// ProcState is the lifecycle state of a process slot.
type ProcState int

// Slots move UNUSED to RUNNABLE at creation and RUNNABLE to EXITED on exit; an exited
// slot is never reused.
const (
	StateUnused ProcState = iota
	StateRunnable
	StateExited
)

func (s ProcState) String() string {
	switch s {
	case StateUnused:
		return "UNUSED"
	case StateRunnable:
		return "RUNNABLE"
	case StateExited:
		return "EXITED"
	default:
		return "?"
	}
}

// Process is a process control block. The 8 KiB kernel stack it owns lives in guest
// memory at a fixed per-slot address; SP is the saved kernel stack pointer and always
// points within it. PageTable is the process's top-level Sv32 table.
type Process struct {
	PID       int
	State     ProcState
	SP        rv32.Word
	PageTable rv32.PAddr

	slot int

	// cont mirrors the ra word at the top of the saved context frame: the kernel
	// text offset this context resumes through.
	cont rv32.Word

	// trapEpc is the user pc captured at trap entry, pending the post-syscall
	// advance. It models the local the trap handler keeps on its stack.
	trapEpc rv32.Word

	// entry is the body of a kernel-thread process; nil for user processes. It is
	// invoked once per scheduling, and returning yields the hart.
	entry func(*Kernel)
}

// createProcess allocates a slot and builds a runnable process from a flat user
// image. A nil image produces a process with an empty address space, used for idle.
func (k *Kernel) createProcess(image []byte) *Process {
	var proc *Process

	for i := range k.procs {
		if k.procs[i].State == StateUnused {
			proc = &k.procs[i]
			proc.slot = i

			break
		}
	}

	if proc == nil {
		kernelPanic("no free process slots")
	}

	// Stack the callee-saved registers the first context switch will restore: zeroed
	// s0..s11 under a return address pointing at the user entry trampoline.
	sp := k.stackTop(proc)
	for i := 0; i < rv32.ContextFrameWords-1; i++ {
		sp -= 4
		k.writeWord(sp, 0)
	}

	sp -= 4
	k.writeWord(sp, k.kernelBase+vecUserEntry)

	// Map kernel pages: every address space shares the identity mapping of the
	// kernel image and free RAM so the trap path works regardless of satp.
	pageTable := k.allocPages(1)
	for paddr := k.kernelBase; paddr < k.freeRAMEnd; paddr += rv32.PageSize {
		k.mapPage(pageTable, paddr, paddr, rv32.PTERead|rv32.PTEWrite|rv32.PTEExec)
	}

	// Map user pages, copying the image a page at a time.
	for off := rv32.Word(0); off < rv32.Word(len(image)); off += rv32.PageSize {
		page := k.allocPages(1)

		chunk := image[off:]
		if len(chunk) > rv32.PageSize {
			chunk = chunk[:rv32.PageSize]
		}

		copy(k.bytes(page, rv32.PageSize), chunk)
		k.mapPage(pageTable, UserBase+off, page,
			rv32.PTEUser|rv32.PTERead|rv32.PTEWrite|rv32.PTEExec)
	}

	proc.PID = proc.slot + 1
	proc.State = StateRunnable
	proc.SP = sp
	proc.PageTable = pageTable
	proc.cont = vecUserEntry
	proc.entry = nil

	k.log.Debug("process created", "pid", proc.PID, "page_table", proc.PageTable)

	return proc
}

// createKernelThread allocates a slot for a cooperative supervisor thread. The body
// runs once per scheduling; returning yields. A body that wants to stop calls Exit.
func (k *Kernel) createKernelThread(entry func(*Kernel)) *Process {
	proc := k.createProcess(nil)
	proc.entry = entry
	proc.cont = vecKThread
	k.writeWord(proc.SP, k.kernelBase+vecKThread)

	return proc
}

// Exit marks the current process exited. The slot and its pages are never reclaimed.
func (k *Kernel) Exit() {
	k.current.State = StateExited
	k.current.cont = vecExited
	k.log.Info("process exited", "pid", k.current.PID)
}

// Yield hands the hart to the next runnable process. The scan starts at the slot
// after the current process's pid and wraps across the whole table; idle is the
// fallback when nothing else is runnable. Switching address spaces follows the fence
// discipline: sfence.vma on both sides of the satp write.
func (k *Kernel) Yield() {
	next := k.idle

	for i := 0; i < ProcsMax; i++ {
		proc := &k.procs[(k.current.PID+i)%ProcsMax]
		if proc.State == StateRunnable && proc.PID > 0 {
			next = proc

			break
		}
	}

	if next == k.current {
		return
	}

	k.mach.SFenceVMA()
	k.mach.CSR.Satp = rv32.SatpSv32 | next.PageTable>>rv32.PageShift
	k.mach.SFenceVMA()

	// The next trap must land on the incoming process's kernel stack.
	k.mach.CSR.Sscratch = k.stackTop(next)

	prev := k.current
	k.current = next

	k.kregs[0] = k.kernelBase + prev.cont
	k.switchContext(&prev.SP, &next.SP)

	// The restored ra is the resumed context's continuation.
	k.current.cont = k.kregs[0] - k.kernelBase
}

// switchContext saves the live callee-saved bank below the current stack pointer,
// parks the stack pointer in prevSP, and reloads both from nextSP. Callee-saved
// registers are all a cooperative switch needs to preserve.
func (k *Kernel) switchContext(prevSP, nextSP *rv32.Word) {
	sp := k.liveSP - rv32.Word(rv32.ContextFrameWords)*4

	for i, val := range k.kregs {
		k.writeWord(sp+rv32.Word(i)*4, val)
	}

	*prevSP = sp
	sp = *nextSP

	for i := range k.kregs {
		k.kregs[i] = k.readWord(sp + rv32.Word(i)*4)
	}

	k.liveSP = sp + rv32.Word(rv32.ContextFrameWords)*4
}
