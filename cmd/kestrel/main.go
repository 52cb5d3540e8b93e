// cmd/kestrel is the command-line interface to KESTREL, an educational RV32 kernel
// running on a modeled virt machine.
package main

import (
	"context"
	"os"

	"github.com/kestrel-os/kestrel/internal/cli"
	"github.com/kestrel-os/kestrel/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Runner(),
	cmd.MkDisk(),
}

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
