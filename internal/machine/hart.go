package machine

// hart.go is the user-mode execution engine: a single hart that interprets RV32I
// instructions, translating every access through the Sv32 tables selected by satp.

import (
	"fmt"

	"github.com/kestrel-os/kestrel/internal/rv32"
)

// Hart is the hardware thread. The kernel owns supervisor execution natively; the hart
// only ever runs U-mode code, so a trap always transfers control back to the caller of
// Run.
type Hart struct {
	PC  rv32.Word
	Reg [rv32.NumGPR]rv32.Word

	mach *Machine
}

// Trap describes why user execution stopped. The CSR file has already been updated the
// way hardware would: sepc holds the trapping pc, scause the cause, stval the value.
type Trap struct {
	Cause rv32.Word
	Value rv32.Word
	PC    rv32.Word
}

func (t *Trap) String() string {
	return fmt.Sprintf("trap scause=%s stval=%s sepc=%s", t.Cause, t.Value, t.PC)
}

// access kinds for the translation walk.
type access int

const (
	accFetch access = iota
	accLoad
	accStore
)

func (a access) fault() rv32.Word {
	switch a {
	case accFetch:
		return rv32.CauseInstructionFault
	case accLoad:
		return rv32.CauseLoadFault
	default:
		return rv32.CauseStoreFault
	}
}

// translate walks the two-level table for a U-mode access. A missing or insufficient
// mapping yields the page-fault cause for the access kind.
func (h *Hart) translate(vaddr rv32.VAddr, kind access) (rv32.PAddr, *Trap) {
	csr := &h.mach.CSR

	if !csr.Sv32Enabled() {
		return rv32.PAddr(vaddr), nil
	}

	fault := func() (rv32.PAddr, *Trap) {
		return 0, &Trap{Cause: kind.fault(), Value: vaddr, PC: h.PC}
	}

	root := csr.RootTable()

	l1, err := h.mach.ReadWord(root + rv32.VPN1(vaddr)*4)
	if err != nil {
		return fault()
	}

	pte1 := rv32.PTE(l1)
	if !pte1.Valid() {
		return fault()
	}

	l0, err := h.mach.ReadWord(pte1.PAddr() + rv32.VPN0(vaddr)*4)
	if err != nil {
		return fault()
	}

	pte0 := rv32.PTE(l0)
	if !pte0.Valid() || pte0&rv32.PTEUser == 0 {
		return fault()
	}

	switch kind {
	case accFetch:
		if pte0&rv32.PTEExec == 0 {
			return fault()
		}
	case accLoad:
		if pte0&rv32.PTERead == 0 {
			return fault()
		}
	case accStore:
		if pte0&rv32.PTEWrite == 0 {
			return fault()
		}
	}

	return pte0.PAddr() + vaddr%rv32.PageSize, nil
}

func (h *Hart) load(vaddr rv32.VAddr, width rv32.Word, signed bool) (rv32.Word, *Trap) {
	paddr, trap := h.translate(vaddr, accLoad)
	if trap != nil {
		return 0, trap
	}

	var val rv32.Word

	for i := rv32.Word(0); i < width; i++ {
		b, err := h.mach.ReadByte(paddr + i)
		if err != nil {
			return 0, &Trap{Cause: rv32.CauseLoadFault, Value: vaddr, PC: h.PC}
		}

		val |= rv32.Word(b) << (8 * i)
	}

	if signed {
		shift := 32 - 8*width
		val = rv32.Word(int32(val<<shift) >> shift)
	}

	return val, nil
}

func (h *Hart) store(vaddr rv32.VAddr, width rv32.Word, val rv32.Word) *Trap {
	paddr, trap := h.translate(vaddr, accStore)
	if trap != nil {
		return trap
	}

	for i := rv32.Word(0); i < width; i++ {
		if err := h.mach.WriteByte(paddr+i, byte(val>>(8*i))); err != nil {
			return &Trap{Cause: rv32.CauseStoreFault, Value: vaddr, PC: h.PC}
		}
	}

	return nil
}

// Step executes one instruction. It returns nil if execution can continue, or the trap
// that stopped it.
func (h *Hart) Step() *Trap {
	paddr, trap := h.translate(h.PC, accFetch)
	if trap != nil {
		return h.take(trap)
	}

	word, err := h.mach.ReadWord(paddr)
	if err != nil {
		return h.take(&Trap{Cause: rv32.CauseInstructionFault, Value: h.PC, PC: h.PC})
	}

	ir := rv32.Instruction(word)
	next := h.PC + 4

	switch ir.Opcode() {
	case rv32.OpLui:
		h.set(ir.Rd(), ir.ImmU())

	case rv32.OpAuipc:
		h.set(ir.Rd(), h.PC+ir.ImmU())

	case rv32.OpJal:
		h.set(ir.Rd(), next)
		next = h.PC + ir.ImmJ()

	case rv32.OpJalr:
		target := (h.Reg[ir.Rs1()] + ir.ImmI()) &^ 1
		h.set(ir.Rd(), next)
		next = target

	case rv32.OpBranch:
		if h.branch(ir) {
			next = h.PC + ir.ImmB()
		}

	case rv32.OpLoad:
		val, trap := h.execLoad(ir)
		if trap != nil {
			return h.take(trap)
		}

		h.set(ir.Rd(), val)

	case rv32.OpStore:
		if trap := h.execStore(ir); trap != nil {
			return h.take(trap)
		}

	case rv32.OpImm:
		h.set(ir.Rd(), h.alu(ir, h.Reg[ir.Rs1()], ir.ImmI(), true))

	case rv32.OpReg:
		h.set(ir.Rd(), h.alu(ir, h.Reg[ir.Rs1()], h.Reg[ir.Rs2()], false))

	case rv32.OpMiscM:
		// fence: a single hart with synchronous devices has nothing to order.

	case rv32.OpSystem:
		if ir.ImmI() == 0 && ir.Funct3() == 0 {
			return h.take(&Trap{Cause: rv32.CauseEcallFromUser, PC: h.PC})
		}

		return h.take(&Trap{Cause: rv32.CauseIllegalInstruction, Value: rv32.Word(ir), PC: h.PC})

	default:
		return h.take(&Trap{Cause: rv32.CauseIllegalInstruction, Value: rv32.Word(ir), PC: h.PC})
	}

	h.PC = next

	return nil
}

// Run executes instructions until a trap is taken.
func (h *Hart) Run() *Trap {
	for {
		if trap := h.Step(); trap != nil {
			return trap
		}
	}
}

// take latches the trap into the CSR file the way hardware does before vectoring.
func (h *Hart) take(t *Trap) *Trap {
	csr := &h.mach.CSR
	csr.Scause = t.Cause
	csr.Stval = t.Value
	csr.Sepc = t.PC

	return t
}

func (h *Hart) set(rd rv32.GPR, val rv32.Word) {
	if rd != rv32.Zero {
		h.Reg[rd] = val
	}
}

func (h *Hart) branch(ir rv32.Instruction) bool {
	a, b := h.Reg[ir.Rs1()], h.Reg[ir.Rs2()]

	switch ir.Funct3() {
	case 0:
		return a == b
	case 1:
		return a != b
	case 4:
		return int32(a) < int32(b)
	case 5:
		return int32(a) >= int32(b)
	case 6:
		return a < b
	case 7:
		return a >= b
	default:
		return false
	}
}

func (h *Hart) execLoad(ir rv32.Instruction) (rv32.Word, *Trap) {
	addr := h.Reg[ir.Rs1()] + ir.ImmI()

	switch ir.Funct3() {
	case 0:
		return h.load(addr, 1, true)
	case 1:
		return h.load(addr, 2, true)
	case 2:
		return h.load(addr, 4, false)
	case 4:
		return h.load(addr, 1, false)
	case 5:
		return h.load(addr, 2, false)
	default:
		return 0, &Trap{Cause: rv32.CauseIllegalInstruction, Value: rv32.Word(ir), PC: h.PC}
	}
}

func (h *Hart) execStore(ir rv32.Instruction) *Trap {
	addr := h.Reg[ir.Rs1()] + ir.ImmS()
	val := h.Reg[ir.Rs2()]

	switch ir.Funct3() {
	case 0:
		return h.store(addr, 1, val)
	case 1:
		return h.store(addr, 2, val)
	case 2:
		return h.store(addr, 4, val)
	default:
		return &Trap{Cause: rv32.CauseIllegalInstruction, Value: rv32.Word(ir), PC: h.PC}
	}
}

func (h *Hart) alu(ir rv32.Instruction, a, b rv32.Word, imm bool) rv32.Word {
	switch ir.Funct3() {
	case 0:
		if !imm && ir.Funct7() == 0x20 {
			return a - b
		}

		return a + b
	case 1:
		return a << (b & 0x1f)
	case 2:
		if int32(a) < int32(b) {
			return 1
		}

		return 0
	case 3:
		if a < b {
			return 1
		}

		return 0
	case 4:
		return a ^ b
	case 5:
		if ir.Funct7()&0x20 != 0 {
			return rv32.Word(int32(a) >> (b & 0x1f))
		}

		return a >> (b & 0x1f)
	case 6:
		return a | b
	case 7:
		return a & b
	default:
		return 0
	}
}
