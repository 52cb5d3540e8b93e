package kernel

// trap.go is the trap path: the register-save prologue and restore epilogue around
// the handler, the cause dispatch, and the syscall table.

import (
	"github.com/kestrel-os/kestrel/internal/machine"
	"github.com/kestrel-os/kestrel/internal/rv32"
)

// Syscall numbers, passed in a3.
const (
	SysPutchar rv32.Word = 1
	SysGetchar rv32.Word = 2
	SysExit    rv32.Word = 3
)

// TrapFrame is a view of the 31-word register record the prologue pushes onto the
// kernel stack: ra, gp, tp, t0..t6, a0..a7, s0..s11, and finally the trapped sp.
type TrapFrame struct {
	k    *Kernel
	base rv32.PAddr
}

// offset returns the byte offset of a register within the frame.
func (f TrapFrame) offset(reg rv32.GPR) rv32.Word {
	for i, r := range rv32.TrapFrameOrder {
		if r == reg {
			return rv32.Word(i) * 4
		}
	}

	kernelPanic("register %s has no trap frame slot", reg)

	return 0
}

// Reg reads a register from the frame.
func (f TrapFrame) Reg(reg rv32.GPR) rv32.Word {
	return f.k.readWord(f.base + f.offset(reg))
}

// SetReg writes a register into the frame; the value reaches user space when the
// epilogue restores it.
func (f TrapFrame) SetReg(reg rv32.GPR, val rv32.Word) {
	f.k.writeWord(f.base+f.offset(reg), val)
}

// trapEntry is the register-save prologue. It swaps sp with sscratch so the handler
// runs on the trapped process's kernel stack, stores every general-purpose register
// into a fresh frame, records the trapped sp read back from sscratch, and points
// sscratch at the stack top again for the next trap.
func (k *Kernel) trapEntry() TrapFrame {
	hart := &k.mach.Hart
	csr := &k.mach.CSR

	// csrrw sp, sscratch, sp: one atomic exchange so the handler never runs on the
	// user stack.
	sp, userSP := csr.Sscratch, hart.Reg[rv32.SP]
	csr.Sscratch = userSP

	sp -= rv32.Word(rv32.TrapFrameWords) * 4

	for i, reg := range rv32.TrapFrameOrder[:rv32.TrapFrameWords-1] {
		k.writeWord(sp+rv32.Word(i)*4, hart.Reg[reg])
	}

	// The trapped sp sits in sscratch now; it takes the last slot.
	k.writeWord(sp+rv32.Word(rv32.TrapFrameWords-1)*4, csr.Sscratch)

	// Reset the scratch register to the kernel stack top.
	csr.Sscratch = sp + rv32.Word(rv32.TrapFrameWords)*4

	k.liveSP = sp
	k.current.trapEpc = csr.Sepc

	return TrapFrame{k: k, base: sp}
}

// trapReturn is the restore epilogue: reload every register from the frame at the
// top of the kernel stack and sret to sepc.
func (k *Kernel) trapReturn() {
	hart := &k.mach.Hart
	base := k.liveSP

	for i, reg := range rv32.TrapFrameOrder {
		hart.Reg[reg] = k.readWord(base + rv32.Word(i)*4)
	}

	hart.Reg[rv32.Zero] = 0
	hart.PC = k.mach.CSR.Sepc
}

// handleTrap decodes the cause. An environment call from user mode dispatches to the
// syscall table and advances sepc past the ecall; everything else is fatal. It
// reports whether the current process suspended instead of returning to user space.
func (k *Kernel) handleTrap(frame TrapFrame, trap *machine.Trap) bool {
	csr := &k.mach.CSR

	scause := csr.Scause
	stval := csr.Stval
	userPC := csr.Sepc

	if scause != rv32.CauseEcallFromUser {
		kernelPanic("unexpected trap scause=%s, stval=%s, sepc=%s", scause, stval, userPC)
	}

	suspended := k.handleSyscall(frame)
	if suspended {
		return true
	}

	csr.Sepc = userPC + 4

	return false
}

// handleSyscall dispatches on the number in a3. The argument convention is a single
// argument in a0 and the return value in a0; every other register is preserved by
// the frame restore.
func (k *Kernel) handleSyscall(frame TrapFrame) bool {
	switch num := frame.Reg(rv32.A3); num {
	case SysPutchar:
		k.Putchar(byte(frame.Reg(rv32.A0)))

		return false

	case SysGetchar:
		if ch := k.Getchar(); ch >= 0 {
			frame.SetReg(rv32.A0, rv32.Word(ch))

			return false
		}

		// Nothing pending: give up the hart and retry when scheduled again.
		k.current.cont = vecGetcharRetry
		k.Yield()

		return true

	case SysExit:
		k.Exit()
		k.Yield()

		return true

	default:
		kernelPanic("unexpected syscall a3=%s", num)

		return true
	}
}

// getcharRetry resumes a process suspended in the getchar syscall: poll once, and
// either complete the syscall and return to user space or yield again.
func (k *Kernel) getcharRetry() {
	ch := k.Getchar()
	if ch < 0 {
		k.current.cont = vecGetcharRetry
		k.Yield()

		return
	}

	// liveSP sits at the trap frame pushed when the process entered the kernel.
	frame := TrapFrame{k: k, base: k.liveSP}
	frame.SetReg(rv32.A0, rv32.Word(ch))

	k.mach.CSR.Sepc = k.current.trapEpc + 4

	k.trapReturn()
	k.runUser()
}

// userEntry is the first-entry trampoline: point sepc at the fixed user base, enable
// interrupts for U-mode with SPIE, and sret.
func (k *Kernel) userEntry() {
	csr := &k.mach.CSR
	csr.Sepc = UserBase
	csr.Sstatus = rv32.StatusSPIE

	hart := &k.mach.Hart
	for i := range hart.Reg {
		hart.Reg[i] = 0
	}

	hart.PC = csr.Sepc
}
