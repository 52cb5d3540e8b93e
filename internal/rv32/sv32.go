package rv32

// PTE is an Sv32 page-table entry: the physical page number in bits 31..10 and the
// permission flags below it.
type PTE Word

// Page-table entry flags.
const (
	PTEValid PTE = 1 << 0
	PTERead  PTE = 1 << 1
	PTEWrite PTE = 1 << 2
	PTEExec  PTE = 1 << 3
	PTEUser  PTE = 1 << 4

	// PTEFlagMask covers all flag bits below the PPN field.
	PTEFlagMask PTE = (1 << 10) - 1
)

// NewPTE builds an entry pointing at the page containing paddr with the given flags.
func NewPTE(paddr PAddr, flags PTE) PTE {
	return PTE(paddr/PageSize)<<10 | flags
}

// Valid reports whether the V bit is set.
func (e PTE) Valid() bool {
	return e&PTEValid != 0
}

// PPN returns the physical page number in bits 31..10.
func (e PTE) PPN() Word {
	return Word(e) >> 10
}

// PAddr returns the physical address of the page the entry points at.
func (e PTE) PAddr() PAddr {
	return e.PPN() * PageSize
}

// Flags returns the flag bits of the entry.
func (e PTE) Flags() PTE {
	return e & PTEFlagMask
}

// VPN1 is the level-1 index of a virtual address: bits 31..22.
func VPN1(vaddr VAddr) Word {
	return (vaddr >> 22) & 0x3ff
}

// VPN0 is the level-0 index of a virtual address: bits 21..12.
func VPN0(vaddr VAddr) Word {
	return (vaddr >> 12) & 0x3ff
}

// PTEsPerTable is the number of entries in one page of page table.
const PTEsPerTable = PageSize / 4
