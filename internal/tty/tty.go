// Package tty adapts the host terminal to the machine's firmware console. In raw mode
// the terminal behaves like the serial line the firmware expects: bytes arrive one at
// a time and nothing is echoed except what the kernel writes back.
package tty

import (
	"bufio"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned if the input stream is not a terminal.
var ErrNoTTY = errors.New("console: not a TTY")

// Console is the raw-terminal firmware console. Input is pumped into a buffered
// channel by a reader goroutine so Getchar can poll without blocking the machine.
type Console struct {
	in    *os.File
	out   *os.File
	fd    int
	state *term.State
	keyCh chan byte
}

// NewConsole puts the terminal into raw mode and starts the input pump. Callers must
// call Restore to return the terminal to its initial state.
func NewConsole(in, out *os.File) (*Console, error) {
	fd := int(in.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	cons := &Console{
		in:    in,
		out:   out,
		fd:    fd,
		state: saved,
		keyCh: make(chan byte, 64),
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, saved)

		return nil, err
	}

	go cons.pump(in)

	return cons, nil
}

// Restore returns the terminal to its initial state.
func (c *Console) Restore() {
	_ = term.Restore(c.fd, c.state)
}

// Putchar writes one byte to the terminal, expanding newlines for raw mode.
func (c *Console) Putchar(ch byte) {
	if ch == '\n' {
		_, _ = c.out.Write([]byte{'\r', '\n'})

		return
	}

	_, _ = c.out.Write([]byte{ch})
}

// Getchar returns the next key press, or a negative value when none is pending.
func (c *Console) Getchar() int {
	select {
	case ch, ok := <-c.keyCh:
		if !ok {
			return -1
		}

		return int(ch)
	default:
		return -1
	}
}

func (c *Console) pump(in io.Reader) {
	defer close(c.keyCh)

	rd := bufio.NewReader(in)

	for {
		ch, err := rd.ReadByte()
		if err != nil {
			return
		}

		c.keyCh <- ch
	}
}

// setTerminalParams configures the read granularity of the raw terminal.
func (c *Console) setTerminalParams(vmin, vtime byte) error {
	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	return unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO)
}

// PipeConsole is the fallback console for piped standard streams.
type PipeConsole struct {
	out   io.Writer
	keyCh chan byte
}

// NewPipeConsole pumps in into an input queue and writes output to out.
func NewPipeConsole(in io.Reader, out io.Writer) *PipeConsole {
	p := &PipeConsole{
		out:   out,
		keyCh: make(chan byte, 64),
	}

	go func() {
		defer close(p.keyCh)

		rd := bufio.NewReader(in)

		for {
			ch, err := rd.ReadByte()
			if err != nil {
				return
			}

			p.keyCh <- ch
		}
	}()

	return p
}

func (p *PipeConsole) Putchar(ch byte) {
	_, _ = p.out.Write([]byte{ch})
}

func (p *PipeConsole) Getchar() int {
	select {
	case ch, ok := <-p.keyCh:
		if !ok {
			return -1
		}

		return int(ch)
	default:
		return -1
	}
}
