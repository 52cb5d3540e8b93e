package rv32

// GPR names a general-purpose register by its index in the x register file.
type GPR uint8

// ABI register names. X0 is hardwired to zero.
const (
	Zero GPR = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6

	// NumGPR is the size of the register file.
	NumGPR
)

var gprNames = [NumGPR]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func (r GPR) String() string {
	if r < NumGPR {
		return gprNames[r]
	}

	return "x?"
}

// TrapFrameOrder is the order in which the trap entry prologue stores registers onto the
// kernel stack. The handler reads the frame at these word offsets; sp, captured from
// sscratch after the swap, is stored last.
var TrapFrameOrder = [31]GPR{
	RA, GP, TP,
	T0, T1, T2, T3, T4, T5, T6,
	A0, A1, A2, A3, A4, A5, A6, A7,
	S0, S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11,
	SP,
}

// TrapFrameWords is the size of a trap frame in words.
const TrapFrameWords = len(TrapFrameOrder)

// CalleeSaved is the set of registers preserved across a call, in the order the context
// switch stores them beneath the stack pointer.
var CalleeSaved = [13]GPR{RA, S0, S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11}

// ContextFrameWords is the size of a context-switch frame in words.
const ContextFrameWords = len(CalleeSaved)
