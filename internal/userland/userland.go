// Package userland builds the flat program images the kernel loads at the user base
// address. There is no linker in the pipeline: images are assembled directly from
// instruction encodings, the same way the system's test programs are.
package userland

import (
	"github.com/kestrel-os/kestrel/internal/rv32"
)

// Assemble lays instructions out as a little-endian flat binary.
func Assemble(ins ...rv32.Instruction) []byte {
	img := make([]byte, 0, len(ins)*4)

	for _, i := range ins {
		img = append(img, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
	}

	return img
}

// Syscall numbers as user space sees them: the number goes in a3, the argument in
// a0, and the result comes back in a0.
const (
	sysPutchar = 1
	sysGetchar = 2
	sysExit    = 3
)

// Shell returns the embedded shell image: an echo loop that reads one character,
// writes it back, and exits when it sees 'q'.
func Shell() []byte {
	const (
		loop = 0  // getchar
		exit = 32 // exit sequence
	)

	return Assemble(
		// loop:
		rv32.Addi(rv32.A3, rv32.Zero, sysGetchar), //  0
		rv32.Ecall(),                              //  4: a0 = ch
		rv32.Addi(rv32.A1, rv32.A0, 0),            //  8: keep a copy
		rv32.Addi(rv32.A3, rv32.Zero, sysPutchar), // 12
		rv32.Ecall(),                              // 16: echo
		rv32.Addi(rv32.T0, rv32.Zero, 'q'),        // 20
		rv32.Beq(rv32.A1, rv32.T0, exit-24),       // 24
		rv32.J(loop-28),                           // 28
		// exit:
		rv32.Addi(rv32.A3, rv32.Zero, sysExit), // 32
		rv32.Ecall(),                           // 36
	)
}
