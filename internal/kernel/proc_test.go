package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrel-os/kestrel/internal/rv32"
)

func TestCreateProcessInitialStack(t *testing.T) {
	h := NewTestHarness(t)
	k, _ := h.Make(nil)
	k.Boot()

	proc := k.createProcess(nil)

	wantSP := k.stackTop(proc) - rv32.Word(rv32.ContextFrameWords)*4
	if proc.SP != wantSP {
		t.Errorf("sp: want %s, got %s", wantSP, proc.SP)
	}

	if proc.SP < k.stacksBase || proc.SP >= k.stackTop(proc) {
		t.Errorf("sp %s outside the process stack", proc.SP)
	}

	// The frame holds the user entry trampoline in ra and zeroed s0..s11.
	if ra := k.readWord(proc.SP); ra != k.kernelBase+vecUserEntry {
		t.Errorf("ra: want %s, got %s", k.kernelBase+vecUserEntry, ra)
	}

	for i := 1; i < rv32.ContextFrameWords; i++ {
		if got := k.readWord(proc.SP + rv32.Word(i)*4); got != 0 {
			t.Errorf("callee-saved slot %d: want 0, got %s", i, got)
		}
	}

	if proc.PID != proc.slot+1 {
		t.Errorf("pid: want %d, got %d", proc.slot+1, proc.PID)
	}

	if proc.State != StateRunnable {
		t.Errorf("state: want RUNNABLE, got %s", proc.State)
	}
}

func TestCreateProcessMapsKernelAndImage(t *testing.T) {
	h := NewTestHarness(t)
	k, _ := h.Make(nil)
	k.Boot()

	image := make([]byte, rv32.PageSize+100)
	for i := range image {
		image[i] = byte(i)
	}

	proc := k.createProcess(image)

	// Kernel pages are identity mapped without the U bit.
	pte, ok := k.walkPage(proc.PageTable, k.kernelBase)
	if !ok {
		t.Fatal("kernel base not mapped")
	}

	if pte.PAddr() != k.kernelBase {
		t.Errorf("kernel base maps to %s", pte.PAddr())
	}

	if pte.Flags() != rv32.PTERead|rv32.PTEWrite|rv32.PTEExec|rv32.PTEValid {
		t.Errorf("kernel page flags: %#x", pte.Flags())
	}

	// User pages carry the U bit and hold the image bytes.
	for _, off := range []rv32.Word{0, rv32.PageSize} {
		pte, ok := k.walkPage(proc.PageTable, UserBase+off)
		if !ok {
			t.Fatalf("user page at +%#x not mapped", off)
		}

		want := rv32.PTEUser | rv32.PTERead | rv32.PTEWrite | rv32.PTEExec | rv32.PTEValid
		if pte.Flags() != want {
			t.Errorf("user page flags: %#x", pte.Flags())
		}

		chunk := image[off:]
		if len(chunk) > rv32.PageSize {
			chunk = chunk[:rv32.PageSize]
		}

		got := k.bytes(pte.PAddr(), rv32.Word(len(chunk)))
		for i := range chunk {
			if got[i] != chunk[i] {
				t.Fatalf("image byte +%#x differs", int(off)+i)
			}
		}
	}
}

func TestCreateProcessNoFreeSlots(t *testing.T) {
	h := NewTestHarness(t)
	k, _ := h.Make(nil)
	k.Boot() // consumes one slot for idle

	for i := 0; i < ProcsMax-1; i++ {
		k.createProcess(nil)
	}

	h.expectPanic("no free process slots", func() {
		k.createProcess(nil)
	})
}

func TestSwitchContextTransparency(t *testing.T) {
	h := NewTestHarness(t)
	k, _ := h.Make(nil)

	stackA := k.allocPages(1) + rv32.PageSize
	stackB := k.allocPages(1) + rv32.PageSize

	var patternA, patternB [rv32.ContextFrameWords]rv32.Word
	for i := range patternA {
		patternA[i] = rv32.Word(0xa000 + i)
		patternB[i] = rv32.Word(0xb000 + i)
	}

	// Context B sits parked with its registers spilled to its stack.
	spB := stackB - rv32.Word(rv32.ContextFrameWords)*4
	for i, val := range patternB {
		k.writeWord(spB+rv32.Word(i)*4, val)
	}

	// Context A is live.
	k.liveSP = stackA
	k.kregs = patternA

	var spA rv32.Word

	for round := 0; round < 3; round++ {
		k.switchContext(&spA, &spB)

		if k.kregs != patternB {
			t.Fatalf("round %d: B registers clobbered: %v", round, k.kregs)
		}

		k.switchContext(&spB, &spA)

		if k.kregs != patternA {
			t.Fatalf("round %d: A registers clobbered: %v", round, k.kregs)
		}
	}
}

func TestYieldAlternation(t *testing.T) {
	h := NewTestHarness(t)
	k, console := h.Make(nil)
	k.Boot()

	count := func(letter byte) func(*Kernel) {
		n := 0

		return func(k *Kernel) {
			if n == 4 {
				k.Exit()

				return
			}

			n++
			k.Putchar(letter)
		}
	}

	k.createKernelThread(count('A'))
	k.createKernelThread(count('B'))

	err := k.Run(context.Background())

	var p *Panic
	if !errors.As(err, &p) || p.Message != "switched to idle process" {
		t.Fatalf("run ended with %v", err)
	}

	if got := string(console.Output()); got != "ABABABAB" {
		t.Errorf("schedule order: %q", got)
	}
}

func TestExitedProcessNeverScheduled(t *testing.T) {
	h := NewTestHarness(t)
	k, console := h.Make(nil)
	k.Boot()

	aRuns := 0

	k.createKernelThread(func(k *Kernel) {
		aRuns++
		k.Exit()
	})

	bLeft := 2

	k.createKernelThread(func(k *Kernel) {
		if bLeft == 0 {
			k.Exit()

			return
		}

		bLeft--
		k.Putchar('B')
	})

	err := k.Run(context.Background())

	var p *Panic
	if !errors.As(err, &p) || p.Message != "switched to idle process" {
		t.Fatalf("run ended with %v", err)
	}

	if aRuns != 1 {
		t.Errorf("exited thread ran %d times", aRuns)
	}

	if got := string(console.Output()); got != "BB" {
		t.Errorf("output: %q", got)
	}
}

func TestIdleFallbackIsFatal(t *testing.T) {
	h := NewTestHarness(t)
	k, _ := h.Make(nil)
	k.Boot()

	k.createKernelThread(func(k *Kernel) {
		k.Exit()
	})

	err := k.Run(context.Background())

	var p *Panic
	if !errors.As(err, &p) {
		t.Fatalf("want a kernel panic, got %v", err)
	}

	if p.Message != "switched to idle process" {
		t.Errorf("panic message: %q", p.Message)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := NewTestHarness(t)
	k, _ := h.Make(nil)
	k.Boot()

	// Two threads that yield forever.
	k.createKernelThread(func(*Kernel) {})
	k.createKernelThread(func(*Kernel) {})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- k.Run(ctx)
	}()

	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}
