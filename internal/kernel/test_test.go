package kernel

import (
	"strings"
	"testing"

	"github.com/kestrel-os/kestrel/internal/devices/virtio"
	"github.com/kestrel-os/kestrel/internal/log"
	"github.com/kestrel-os/kestrel/internal/machine"
)

// testHarness builds kernels over small modeled machines and routes their logs into
// the test output.
type testHarness struct {
	*testing.T
}

func NewTestHarness(t *testing.T) *testHarness {
	t.Parallel()

	return &testHarness{T: t}
}

// Make assembles a machine with a block device over diskImage (padded to the kernel's
// disk footprint) and a kernel on top of it.
func (t *testHarness) Make(diskImage []byte, opts ...Option) (*Kernel, *machine.BufferConsole) {
	t.Helper()

	logger := log.NewFormattedLogger(t)

	console := &machine.BufferConsole{}
	mach := machine.New(
		machine.WithRAM(machine.DefaultRAMBase, 2<<20),
		machine.WithConsole(console),
		machine.WithLogger(logger),
	)

	padded := make([]byte, DiskMaxSize)
	copy(padded, diskImage)

	mach.MapDevice(VirtioBlkPaddr, 0x200, virtio.NewBlk(mach, virtio.NewMemDisk(padded), logger))

	opts = append([]Option{WithLogger(logger)}, opts...)

	return New(mach, opts...), console
}

// Write makes the harness a log sink.
func (t *testHarness) Write(b []byte) (int, error) {
	t.Helper()
	t.Log(strings.TrimRight(string(b), "\n"))

	return len(b), nil
}

// expectPanic runs fn and asserts it raises a kernel panic mentioning fragment.
func (t *testHarness) expectPanic(fragment string, fn func()) {
	t.Helper()

	defer func() {
		t.Helper()

		r := recover()
		if r == nil {
			t.Fatalf("expected a kernel panic mentioning %q", fragment)
		}

		p, ok := r.(*Panic)
		if !ok {
			panic(r)
		}

		if !strings.Contains(p.Message, fragment) {
			t.Fatalf("panic %q does not mention %q", p.Message, fragment)
		}
	}()

	fn()
}
