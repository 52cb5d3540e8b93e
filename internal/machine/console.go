package machine

// console.go has the SBI firmware console. The kernel reaches it through the two legacy
// SBI extensions: Console Putchar (EID 1) and Console Getchar (EID 2).

import (
	"sync"

	"github.com/kestrel-os/kestrel/internal/rv32"
)

// Console is the firmware-side console. Getchar returns the next input byte, or a
// negative value when no input is pending; it never blocks the machine on its own.
type Console interface {
	Putchar(ch byte)
	Getchar() int
}

// SBI extension identifiers.
const (
	SBIConsolePutchar = 1
	SBIConsoleGetchar = 2
)

// SBIRet is the {error, value} pair a firmware call leaves in a0 and a1.
type SBIRet struct {
	Error rv32.Word
	Value rv32.Word
}

// SBICall performs a firmware call: payload in a0..a5, fid in a6, eid in a7.
func (m *Machine) SBICall(args [6]rv32.Word, fid, eid rv32.Word) SBIRet {
	switch eid {
	case SBIConsolePutchar:
		m.console.Putchar(byte(args[0]))

		return SBIRet{}
	case SBIConsoleGetchar:
		ch := m.console.Getchar()

		return SBIRet{Error: rv32.Word(ch)}
	default:
		m.log.Warn("unsupported SBI call", "eid", eid, "fid", fid)

		return SBIRet{Error: ^rv32.Word(1)} // SBI_ERR_NOT_SUPPORTED
	}
}

// NullConsole discards output and never has input.
type NullConsole struct{}

func (NullConsole) Putchar(byte) {}
func (NullConsole) Getchar() int { return -1 }

// BufferConsole is an in-memory console for tests and batch runs. Output accumulates;
// input is served from a queue.
type BufferConsole struct {
	mut sync.Mutex
	out []byte
	in  []byte
}

func (c *BufferConsole) Putchar(ch byte) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.out = append(c.out, ch)
}

func (c *BufferConsole) Getchar() int {
	c.mut.Lock()
	defer c.mut.Unlock()

	if len(c.in) == 0 {
		return -1
	}

	ch := c.in[0]
	c.in = c.in[1:]

	return int(ch)
}

// Feed queues bytes as pending input.
func (c *BufferConsole) Feed(p []byte) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.in = append(c.in, p...)
}

// Output returns a copy of everything written so far.
func (c *BufferConsole) Output() []byte {
	c.mut.Lock()
	defer c.mut.Unlock()

	return append([]byte(nil), c.out...)
}
