// Package cli contains the command-line interface.
package cli

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/kestrel-os/kestrel/internal/log"
)

// Command represents a sub-command in the CLI. Each sub-command has its own flags and
// action to perform.
type Command interface {
	// FlagSet returns the options the command accepts.
	FlagSet() *flag.FlagSet

	// Description returns a brief description of the command's function.
	Description() string

	// Usage prints detailed command documentation.
	Usage(out io.Writer) error

	// Run executes the command with arguments and returns an exit code. Command
	// output goes to out; diagnostics go to the logger.
	Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int
}

// Commander runs sub-commands.
type Commander struct {
	ctx context.Context
	log *log.Logger

	help     Command
	commands []Command
}

// New creates a Commander.
func New(ctx context.Context) *Commander {
	return &Commander{ctx: ctx}
}

// Execute finds the named command, parses its flags, and runs it. With no arguments,
// or an unknown command name, the help command runs instead.
func (cli *Commander) Execute(args []string) int {
	if len(args) == 0 {
		flag.Parse()
		cli.help.Run(cli.ctx, nil, os.Stdout, cli.log)

		return 1
	}

	found := cli.help

	for _, cmd := range cli.commands {
		if args[0] == cmd.FlagSet().Name() {
			found = cmd
		}
	}

	fs := found.FlagSet()

	if err := fs.Parse(args[1:]); err != nil {
		cli.log.Error("parse error", "err", err)

		return 1
	}

	return found.Run(cli.ctx, fs.Args(), os.Stdout, cli.log)
}

// WithCommands adds sub-commands.
func (cli *Commander) WithCommands(cmds []Command) *Commander {
	cli.commands = append([]Command(nil), cmds...)

	return cli
}

// WithHelp configures the help command.
func (cli *Commander) WithHelp(cmd Command) *Commander {
	cli.help = cmd

	return cli
}

// WithLogger configures the CLI logger. Logs go to os.Stderr to leave os.Stdout for
// program output.
func (cli *Commander) WithLogger(_ *os.File) *Commander {
	logger := log.NewFormattedLogger(os.Stderr)
	cli.log = logger

	log.SetDefault(logger)

	return cli
}

// Type aliases from the standard library.
type (
	Flag    = flag.Flag
	FlagSet = flag.FlagSet
)
