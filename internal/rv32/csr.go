package rv32

// Trap cause codes reported in scause. Only a handful can occur on this machine: the
// environment call from U-mode, the access faults raised by the Sv32 walk, and illegal
// instructions.
const (
	CauseIllegalInstruction Word = 2
	CauseEcallFromUser      Word = 8
	CauseInstructionFault   Word = 12
	CauseLoadFault          Word = 13
	CauseStoreFault         Word = 15
)

// sstatus bits.
const (
	StatusSPIE Word = 1 << 5
	StatusSUM  Word = 1 << 18
)

// satp: mode bit selecting Sv32 translation; the low 22 bits hold the root PPN.
const (
	SatpSv32 Word = 1 << 31
)
