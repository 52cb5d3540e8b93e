package machine

import (
	"testing"

	"github.com/kestrel-os/kestrel/internal/rv32"
	"github.com/kestrel-os/kestrel/internal/userland"
)

func newTestMachine(t *testing.T) (*Machine, *BufferConsole) {
	t.Helper()

	console := &BufferConsole{}
	mach := New(
		WithRAM(DefaultRAMBase, 1<<20),
		WithConsole(console),
	)

	return mach, console
}

// loadProgram writes a flat image into RAM and points the hart at it.
func loadProgram(t *testing.T, mach *Machine, base rv32.PAddr, ins ...rv32.Instruction) {
	t.Helper()

	image := userland.Assemble(ins...)

	b, err := mach.Bytes(base, rv32.Word(len(image)))
	if err != nil {
		t.Fatal(err)
	}

	copy(b, image)
	mach.Hart.PC = base
}

func TestALU(t *testing.T) {
	t.Parallel()

	mach, _ := newTestMachine(t)
	base := mach.RAMBase() + 0x1000

	loadProgram(t, mach, base,
		rv32.Addi(rv32.A0, rv32.Zero, 40),
		rv32.Addi(rv32.A1, rv32.Zero, 2),
		rv32.Add(rv32.A2, rv32.A0, rv32.A1),
		rv32.Sub(rv32.A3, rv32.A0, rv32.A1),
		rv32.Ecall(),
	)

	trap := mach.Hart.Run()
	if trap.Cause != rv32.CauseEcallFromUser {
		t.Fatalf("want ecall trap, got %s", trap)
	}

	if got := mach.Hart.Reg[rv32.A2]; got != 42 {
		t.Errorf("a2: want 42, got %s", got)
	}

	if got := mach.Hart.Reg[rv32.A3]; got != 38 {
		t.Errorf("a3: want 38, got %s", got)
	}
}

func TestBranchLoop(t *testing.T) {
	t.Parallel()

	mach, _ := newTestMachine(t)
	base := mach.RAMBase() + 0x1000

	// Count a0 up to 5 in a backwards branch loop.
	loadProgram(t, mach, base,
		rv32.Addi(rv32.A0, rv32.Zero, 0), //  0
		rv32.Addi(rv32.T0, rv32.Zero, 5), //  4
		rv32.Addi(rv32.A0, rv32.A0, 1),   //  8: loop
		rv32.Bne(rv32.A0, rv32.T0, -4),   // 12
		rv32.Ecall(),                     // 16
	)

	trap := mach.Hart.Run()
	if trap.Cause != rv32.CauseEcallFromUser {
		t.Fatalf("want ecall trap, got %s", trap)
	}

	if got := mach.Hart.Reg[rv32.A0]; got != 5 {
		t.Errorf("a0: want 5, got %s", got)
	}
}

func TestLoadStore(t *testing.T) {
	t.Parallel()

	mach, _ := newTestMachine(t)
	base := mach.RAMBase() + 0x1000
	data := mach.RAMBase() + 0x2000

	ins := rv32.Li(rv32.T1, data)
	ins = append(ins,
		rv32.Addi(rv32.A0, rv32.Zero, 0x5a),
		rv32.Sw(rv32.T1, rv32.A0, 0),
		rv32.Lw(rv32.A1, rv32.T1, 0),
		rv32.Lbu(rv32.A2, rv32.T1, 0),
		rv32.Ecall(),
	)

	loadProgram(t, mach, base, ins...)

	trap := mach.Hart.Run()
	if trap.Cause != rv32.CauseEcallFromUser {
		t.Fatalf("want ecall trap, got %s", trap)
	}

	if got := mach.Hart.Reg[rv32.A1]; got != 0x5a {
		t.Errorf("lw: want 0x5a, got %s", got)
	}

	if got := mach.Hart.Reg[rv32.A2]; got != 0x5a {
		t.Errorf("lbu: want 0x5a, got %s", got)
	}
}

func TestEcallLatchesCSRs(t *testing.T) {
	t.Parallel()

	mach, _ := newTestMachine(t)
	base := mach.RAMBase() + 0x1000

	loadProgram(t, mach, base,
		rv32.Nop(),
		rv32.Ecall(),
	)

	trap := mach.Hart.Run()

	if trap.Cause != rv32.CauseEcallFromUser {
		t.Fatalf("cause: want %d, got %s", rv32.CauseEcallFromUser, trap.Cause)
	}

	if mach.CSR.Scause != rv32.CauseEcallFromUser {
		t.Errorf("scause: got %s", mach.CSR.Scause)
	}

	if want := base + 4; mach.CSR.Sepc != want {
		t.Errorf("sepc: want %s, got %s", want, mach.CSR.Sepc)
	}
}

func TestIllegalInstruction(t *testing.T) {
	t.Parallel()

	mach, _ := newTestMachine(t)
	base := mach.RAMBase() + 0x1000

	if err := mach.WriteWord(base, 0xffff_ffff); err != nil {
		t.Fatal(err)
	}

	mach.Hart.PC = base

	trap := mach.Hart.Run()
	if trap.Cause != rv32.CauseIllegalInstruction {
		t.Errorf("want illegal instruction, got %s", trap)
	}
}

// buildLeaf installs a single Sv32 mapping by hand: one root table, one second-level
// table, one leaf.
func buildLeaf(t *testing.T, mach *Machine, root, table, frame rv32.PAddr, vaddr rv32.VAddr, flags rv32.PTE) {
	t.Helper()

	if err := mach.WriteWord(root+rv32.VPN1(vaddr)*4, rv32.Word(rv32.NewPTE(table, rv32.PTEValid))); err != nil {
		t.Fatal(err)
	}

	pte := rv32.NewPTE(frame, flags|rv32.PTEValid)
	if err := mach.WriteWord(table+rv32.VPN0(vaddr)*4, rv32.Word(pte)); err != nil {
		t.Fatal(err)
	}
}

func TestSv32Execution(t *testing.T) {
	t.Parallel()

	mach, _ := newTestMachine(t)

	var (
		root  = mach.RAMBase() + 0x10000
		table = mach.RAMBase() + 0x11000
		frame = mach.RAMBase() + 0x12000

		vaddr rv32.VAddr = 0x0100_0000
	)

	buildLeaf(t, mach, root, table, frame, vaddr,
		rv32.PTEUser|rv32.PTERead|rv32.PTEWrite|rv32.PTEExec)

	image := userland.Assemble(
		rv32.Addi(rv32.A0, rv32.Zero, 7),
		rv32.Ecall(),
	)

	b, err := mach.Bytes(frame, rv32.Word(len(image)))
	if err != nil {
		t.Fatal(err)
	}

	copy(b, image)

	mach.CSR.Satp = rv32.SatpSv32 | root>>rv32.PageShift
	mach.Hart.PC = vaddr

	trap := mach.Hart.Run()
	if trap.Cause != rv32.CauseEcallFromUser {
		t.Fatalf("want ecall, got %s", trap)
	}

	if got := mach.Hart.Reg[rv32.A0]; got != 7 {
		t.Errorf("a0: want 7, got %s", got)
	}

	if mach.CSR.Sepc != vaddr+4 {
		t.Errorf("sepc: want %s, got %s", vaddr+4, mach.CSR.Sepc)
	}
}

func TestSv32UserBitRequired(t *testing.T) {
	t.Parallel()

	mach, _ := newTestMachine(t)

	var (
		root  = mach.RAMBase() + 0x10000
		table = mach.RAMBase() + 0x11000
		frame = mach.RAMBase() + 0x12000

		vaddr rv32.VAddr = 0x0100_0000
	)

	// Kernel-only mapping: no U bit.
	buildLeaf(t, mach, root, table, frame, vaddr,
		rv32.PTERead|rv32.PTEWrite|rv32.PTEExec)

	mach.CSR.Satp = rv32.SatpSv32 | root>>rv32.PageShift
	mach.Hart.PC = vaddr

	trap := mach.Hart.Run()
	if trap.Cause != rv32.CauseInstructionFault {
		t.Errorf("want instruction page fault, got %s", trap)
	}

	if mach.CSR.Stval != vaddr {
		t.Errorf("stval: want %s, got %s", vaddr, mach.CSR.Stval)
	}
}

func TestSv32UnmappedLoadFaults(t *testing.T) {
	t.Parallel()

	mach, _ := newTestMachine(t)

	var (
		root  = mach.RAMBase() + 0x10000
		table = mach.RAMBase() + 0x11000
		frame = mach.RAMBase() + 0x12000

		vaddr rv32.VAddr = 0x0100_0000
	)

	buildLeaf(t, mach, root, table, frame, vaddr,
		rv32.PTEUser|rv32.PTERead|rv32.PTEWrite|rv32.PTEExec)

	image := userland.Assemble(
		rv32.Lw(rv32.A0, rv32.Zero, 0), // load from unmapped va 0
	)

	b, err := mach.Bytes(frame, rv32.Word(len(image)))
	if err != nil {
		t.Fatal(err)
	}

	copy(b, image)

	mach.CSR.Satp = rv32.SatpSv32 | root>>rv32.PageShift
	mach.Hart.PC = vaddr

	trap := mach.Hart.Run()
	if trap.Cause != rv32.CauseLoadFault {
		t.Errorf("want load page fault, got %s", trap)
	}
}

func TestSBIConsole(t *testing.T) {
	t.Parallel()

	mach, console := newTestMachine(t)

	ret := mach.SBICall([6]rv32.Word{'X'}, 0, SBIConsolePutchar)
	if ret.Error != 0 {
		t.Errorf("putchar error: %s", ret.Error)
	}

	if got := console.Output(); string(got) != "X" {
		t.Errorf("console output: %q", got)
	}

	if ret := mach.SBICall([6]rv32.Word{}, 0, SBIConsoleGetchar); int32(ret.Error) >= 0 {
		t.Errorf("getchar with no input: want negative, got %s", ret.Error)
	}

	console.Feed([]byte("ok"))

	if ret := mach.SBICall([6]rv32.Word{}, 0, SBIConsoleGetchar); ret.Error != 'o' {
		t.Errorf("getchar: want 'o', got %s", ret.Error)
	}
}
