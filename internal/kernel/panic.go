package kernel

import (
	"fmt"
	"path"
	"runtime"
)

// Panic is a fatal kernel invariant violation. The original machine would print the
// diagnostic and spin; here the panic unwinds to Run, which reports it and stops.
type Panic struct {
	File    string
	Line    int
	Message string
}

func (p *Panic) Error() string {
	return fmt.Sprintf("PANIC: %s: %s", p.Location(), p.Message)
}

// Location returns the file:line the panic was raised from.
func (p *Panic) Location() string {
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

// kernelPanic raises a fatal kernel error, capturing the caller's file and line.
func kernelPanic(format string, args ...any) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "kernel", 0
	}

	_, file = path.Split(file)

	panic(&Panic{
		File:    file,
		Line:    line,
		Message: fmt.Sprintf(format, args...),
	})
}
