package machine

// csr.go models the supervisor CSR file.

import (
	"github.com/kestrel-os/kestrel/internal/log"
	"github.com/kestrel-os/kestrel/internal/rv32"
)

// CSRFile holds the supervisor CSRs the kernel programs. Only the registers this
// machine actually exercises are modeled.
type CSRFile struct {
	Satp     rv32.Word // Address translation and protection.
	Sscratch rv32.Word // Kernel stack pointer slot, swapped with sp at trap entry.
	Stvec    rv32.Word // Trap vector base.
	Sepc     rv32.Word // PC saved at trap entry; sret resumes here.
	Scause   rv32.Word // Trap cause code.
	Stval    rv32.Word // Trap value (faulting address, if any).
	Sstatus  rv32.Word // Status bits; only SPIE matters to this kernel.
}

// Sv32Enabled reports whether satp selects Sv32 translation.
func (c *CSRFile) Sv32Enabled() bool {
	return c.Satp&rv32.SatpSv32 != 0
}

// RootTable returns the physical address of the active top-level page table.
func (c *CSRFile) RootTable() rv32.PAddr {
	return (c.Satp &^ rv32.SatpSv32) << rv32.PageShift
}

func (c *CSRFile) LogValue() log.Value {
	return log.GroupValue(
		log.String("satp", c.Satp.String()),
		log.String("sepc", c.Sepc.String()),
		log.String("scause", c.Scause.String()),
		log.String("stval", c.Stval.String()),
		log.String("sscratch", c.Sscratch.String()),
	)
}
