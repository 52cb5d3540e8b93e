// Package log provides logging output.
package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

var (
	// DefaultLogger returns a new formatted logger writing to os.Stderr. Components call
	// DefaultLogger during startup and cache the result. It does not return the logger
	// installed with SetDefault.
	DefaultLogger = func() *Logger { return NewFormattedLogger(os.Stderr) }

	// SetDefault installs a logger as the log/slog package default.
	SetDefault = slog.SetDefault

	// LogLevel holds the log level. It can be changed at runtime.
	LogLevel = &slog.LevelVar{}
)

// NewFormattedLogger returns a logger that writes compact single-line records to out.
func NewFormattedLogger(out io.Writer) *Logger {
	return slog.New(NewHandler(out))
}

// Handler implements slog.Handler. Records are formatted on a single line:
//
//	LEVEL source:line message key=value ...
type Handler struct {
	mut *sync.Mutex // Serializes writes to out.
	out io.Writer

	opts  *slog.HandlerOptions
	group string
	attrs []Attr
}

// Options for log handlers.
var Options = &slog.HandlerOptions{
	AddSource: true,
	Level:     LogLevel,
}

// NewHandler creates a Handler that writes to out.
func NewHandler(out io.Writer) *Handler {
	return &Handler{
		out:  out,
		mut:  new(sync.Mutex),
		opts: Options,
	}
}

// Enabled returns true if the level is at or above the configured logging level.
func (h *Handler) Enabled(_ context.Context, level Level) bool {
	return level >= h.opts.Level.Level()
}

// Handle formats and writes a log record to the handler's writer.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	out := bytes.Buffer{}

	fmt.Fprintf(&out, "%-5s", rec.Level.String())

	if h.opts.AddSource && rec.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{rec.PC})
		f, _ := frames.Next()
		_, file := path.Split(f.File)
		fmt.Fprintf(&out, " %s:%d", file, f.Line)
	}

	fmt.Fprintf(&out, " %s", rec.Message)

	for _, a := range h.attrs {
		h.appendAttr(&out, h.group, a)
	}

	rec.Attrs(func(attr Attr) bool {
		h.appendAttr(&out, h.group, attr)
		return true
	})

	out.WriteByte('\n')

	h.mut.Lock()
	defer h.mut.Unlock()

	_, err := h.out.Write(out.Bytes())

	return err
}

// WithGroup returns a handler that qualifies attribute keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	group := name
	if h.group != "" {
		group = h.group + "." + name
	}

	return &Handler{
		mut:   h.mut,
		out:   h.out,
		opts:  h.opts,
		attrs: h.attrs,
		group: group,
	}
}

// WithAttrs returns a handler that combines the handler's attributes with attrs.
func (h *Handler) WithAttrs(attrs []Attr) slog.Handler {
	as := make([]Attr, 0, len(h.attrs)+len(attrs))
	as = append(as, h.attrs...)
	as = append(as, attrs...)

	return &Handler{
		mut:   h.mut,
		out:   h.out,
		opts:  h.opts,
		attrs: as,
		group: h.group,
	}
}

func (h *Handler) appendAttr(out io.Writer, group string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()

	if attr.Equal(Attr{}) {
		return
	}

	key := attr.Key
	if group != "" && key != "" {
		key = group + "." + key
	}

	if attr.Value.Kind() == slog.KindGroup {
		for _, a := range attr.Value.Group() {
			h.appendAttr(out, key, a)
		}

		return
	}

	val := fmt.Sprint(attr.Value.Any())
	if strings.ContainsAny(val, " \t\n") {
		val = fmt.Sprintf("%q", val)
	}

	fmt.Fprintf(out, " %s=%s", key, val)
}

type (
	Attr   = slog.Attr
	Level  = slog.Level
	Logger = slog.Logger
	Value  = slog.Value
)

var (
	String      = slog.String
	StringValue = slog.StringValue
	Group       = slog.Group
	GroupValue  = slog.GroupValue
	Any         = slog.Any
	AnyValue    = slog.AnyValue
)

const (
	Debug = slog.LevelDebug
	Info  = slog.LevelInfo
	Warn  = slog.LevelWarn
	Error = slog.LevelError
)
