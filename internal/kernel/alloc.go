package kernel

// alloc.go is the physical page allocator: a bump cursor over the free-RAM window.
// Pages are never freed; the kernel never unmaps anything.

import "github.com/kestrel-os/kestrel/internal/rv32"

// allocPages returns the base of n contiguous, zero-filled 4 KiB pages and advances
// the cursor. Exhausting the window is fatal.
func (k *Kernel) allocPages(n rv32.Word) rv32.PAddr {
	paddr := k.nextPaddr
	k.nextPaddr += n * rv32.PageSize

	if k.nextPaddr > k.freeRAMEnd {
		kernelPanic("out of memory")
	}

	b := k.bytes(paddr, n*rv32.PageSize)
	for i := range b {
		b[i] = 0
	}

	return paddr
}
