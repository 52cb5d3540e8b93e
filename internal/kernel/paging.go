package kernel

// paging.go installs Sv32 translations. Second-level tables are created on first use;
// the caller is responsible for the sfence.vma discipline around any satp change.

import "github.com/kestrel-os/kestrel/internal/rv32"

// mapPage installs a leaf mapping of vaddr to paddr in the table rooted at root.
// Both addresses must be page aligned.
func (k *Kernel) mapPage(root rv32.PAddr, vaddr rv32.VAddr, paddr rv32.PAddr, flags rv32.PTE) {
	if !rv32.Aligned(vaddr, rv32.PageSize) {
		kernelPanic("unaligned vaddr %s", vaddr)
	}

	if !rv32.Aligned(paddr, rv32.PageSize) {
		kernelPanic("unaligned paddr %s", paddr)
	}

	l1Slot := root + rv32.VPN1(vaddr)*4

	pte1 := rv32.PTE(k.readWord(l1Slot))
	if !pte1.Valid() {
		table := k.allocPages(1)
		pte1 = rv32.NewPTE(table, rv32.PTEValid)
		k.writeWord(l1Slot, rv32.Word(pte1))
	}

	l0Slot := pte1.PAddr() + rv32.VPN0(vaddr)*4
	k.writeWord(l0Slot, rv32.Word(rv32.NewPTE(paddr, flags|rv32.PTEValid)))
}

// walkPage looks up the leaf entry for vaddr, for diagnostics and tests. The second
// return is false when no valid mapping exists.
func (k *Kernel) walkPage(root rv32.PAddr, vaddr rv32.VAddr) (rv32.PTE, bool) {
	pte1 := rv32.PTE(k.readWord(root + rv32.VPN1(vaddr)*4))
	if !pte1.Valid() {
		return 0, false
	}

	pte0 := rv32.PTE(k.readWord(pte1.PAddr() + rv32.VPN0(vaddr)*4))
	if !pte0.Valid() {
		return 0, false
	}

	return pte0, true
}
