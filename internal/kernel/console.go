package kernel

// console.go is the kernel's console: single characters through the firmware, plus a
// formatted print used for boot banners and diagnostics.

import (
	"fmt"

	"github.com/kestrel-os/kestrel/internal/machine"
	"github.com/kestrel-os/kestrel/internal/rv32"
)

// Putchar writes one byte through the firmware's Console Putchar extension.
func (k *Kernel) Putchar(ch byte) {
	k.mach.SBICall([6]rv32.Word{rv32.Word(ch)}, 0, machine.SBIConsolePutchar)
}

// Getchar polls the firmware's Console Getchar extension. It returns the byte read,
// or a negative value when no input is pending.
func (k *Kernel) Getchar() int {
	ret := k.mach.SBICall([6]rv32.Word{}, 0, machine.SBIConsoleGetchar)

	return int(int32(ret.Error))
}

// Printf formats to the console one byte at a time through Putchar.
func (k *Kernel) Printf(format string, args ...any) {
	for _, ch := range []byte(fmt.Sprintf(format, args...)) {
		k.Putchar(ch)
	}
}
