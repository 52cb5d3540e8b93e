package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrel-os/kestrel/internal/rv32"
	"github.com/kestrel-os/kestrel/internal/userland"
	"github.com/kestrel-os/kestrel/internal/ustar"
)

// runToIdle runs the kernel and asserts it stopped by scheduling idle, which is the
// clean end of a machine whose processes have all exited.
func runToIdle(t *testing.T, k *Kernel) {
	t.Helper()

	err := k.Run(context.Background())

	var p *Panic
	if !errors.As(err, &p) || p.Message != "switched to idle process" {
		t.Fatalf("run ended with %v", err)
	}
}

func TestShellEchoEndToEnd(t *testing.T) {
	h := NewTestHarness(t)
	k, console := h.Make(nil, WithUserImage(userland.Shell()))

	console.Feed([]byte("hiq"))

	runToIdle(t, k)

	if got := string(console.Output()); got != "hiq" {
		t.Errorf("echo output: %q", got)
	}
}

func TestSyscallDispatchEndToEnd(t *testing.T) {
	h := NewTestHarness(t)

	image := userland.Assemble(
		rv32.Addi(rv32.A3, rv32.Zero, 1),  // SYS_PUTCHAR
		rv32.Addi(rv32.A0, rv32.Zero, 65), // 'A'
		rv32.Ecall(),
		rv32.Addi(rv32.A3, rv32.Zero, 3), // SYS_EXIT
		rv32.Ecall(),
	)

	k, console := h.Make(nil, WithUserImage(image))

	runToIdle(t, k)

	// The firmware received exactly one 'A': the process resumed past the first
	// ecall and reached the exit.
	if got := string(console.Output()); got != "A" {
		t.Errorf("firmware received %q", got)
	}

	if got := k.procs[1].State; got != StateExited {
		t.Errorf("process state: want EXITED, got %s", got)
	}
}

func TestRegistersPreservedAcrossSyscall(t *testing.T) {
	h := NewTestHarness(t)

	// Load distinctive values, make a syscall, then prove they survived by
	// emitting one of them.
	image := userland.Assemble(
		rv32.Addi(rv32.S3, rv32.Zero, 'S'), //  0
		rv32.Addi(rv32.T4, rv32.Zero, 'T'), //  4
		rv32.Addi(rv32.A3, rv32.Zero, 1),   //  8
		rv32.Addi(rv32.A0, rv32.Zero, '1'), // 12
		rv32.Ecall(),                       // 16
		rv32.Addi(rv32.A0, rv32.S3, 0),     // 20: a0 = s3
		rv32.Ecall(),                       // 24
		rv32.Addi(rv32.A0, rv32.T4, 0),     // 28: a0 = t4
		rv32.Ecall(),                       // 32
		rv32.Addi(rv32.A3, rv32.Zero, 3),   // 36
		rv32.Ecall(),                       // 40
	)

	k, console := h.Make(nil, WithUserImage(image))

	runToIdle(t, k)

	if got := string(console.Output()); got != "1ST" {
		t.Errorf("output: %q", got)
	}
}

func TestGetcharBlocksUntilInput(t *testing.T) {
	h := NewTestHarness(t)

	image := userland.Assemble(
		rv32.Addi(rv32.A3, rv32.Zero, 2), // SYS_GETCHAR
		rv32.Ecall(),                     // a0 = ch, after blocking
		rv32.Addi(rv32.A3, rv32.Zero, 1), // SYS_PUTCHAR
		rv32.Ecall(),
		rv32.Addi(rv32.A3, rv32.Zero, 3), // SYS_EXIT
		rv32.Ecall(),
	)

	k, console := h.Make(nil, WithUserImage(image))
	k.Boot()

	// A supervisor thread provides the input only after the user process has had
	// to give up the hart once.
	k.createKernelThread(func(k *Kernel) {
		console.Feed([]byte{'x'})
		k.Exit()
	})

	runToIdle(t, k)

	if got := string(console.Output()); got != "x" {
		t.Errorf("output: %q", got)
	}
}

func TestBootLoadsFilesFromDisk(t *testing.T) {
	h := NewTestHarness(t)

	disk := tarDisk(t, ustar.Header{Name: "boot.txt", Size: 16})

	k, _ := h.Make(disk)
	k.Boot()

	if file := k.fsLookup("boot.txt"); file == nil || file.Size != 16 {
		t.Errorf("boot did not load the disk: %+v", file)
	}
}

func TestUserImageRunsAtUserBase(t *testing.T) {
	h := NewTestHarness(t)

	// The first trap's sepc proves execution began at the fixed user base.
	image := userland.Assemble(
		rv32.Addi(rv32.A3, rv32.Zero, 3),
		rv32.Ecall(),
	)

	k, _ := h.Make(nil, WithUserImage(image))

	runToIdle(t, k)

	if want := UserBase + 4; k.mach.CSR.Sepc != want {
		t.Errorf("sepc of exit trap: want %s, got %s", want, k.mach.CSR.Sepc)
	}
}

func TestSatpSwitchesWithProcess(t *testing.T) {
	h := NewTestHarness(t)

	image := userland.Assemble(
		rv32.Addi(rv32.A3, rv32.Zero, 3),
		rv32.Ecall(),
	)

	k, _ := h.Make(nil, WithUserImage(image))

	runToIdle(t, k)

	// The final switch onto idle installed idle's address space with the Sv32
	// mode bit set.
	want := rv32.SatpSv32 | k.idle.PageTable>>rv32.PageShift
	if got := k.mach.CSR.Satp; got != want {
		t.Errorf("satp: want %s, got %s", want, got)
	}
}
