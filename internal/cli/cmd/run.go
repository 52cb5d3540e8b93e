package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrel-os/kestrel/internal/tty"
	"github.com/kestrel-os/kestrel/internal/cli"
	"github.com/kestrel-os/kestrel/internal/devices/virtio"
	"github.com/kestrel-os/kestrel/internal/kernel"
	"github.com/kestrel-os/kestrel/internal/log"
	"github.com/kestrel-os/kestrel/internal/machine"
	"github.com/kestrel-os/kestrel/internal/rv32"
	"github.com/kestrel-os/kestrel/internal/userland"
)

// Runner boots the kernel on a modeled machine.
func Runner() cli.Command {
	return &runner{}
}

type runner struct {
	logLevel slog.Level
	diskPath string
	progPath string
	confPath string
	ramSize  uint
}

var _ cli.Command = (*runner)(nil)

// runConfig is the optional YAML machine description.
type runConfig struct {
	RAMSize uint   `yaml:"ram_size"`
	Disk    string `yaml:"disk"`
	Program string `yaml:"program"`
}

func (runner) Description() string {
	return "boot the kernel"
}

func (runner) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run [-disk image.tar] [-program shell.bin] [-config machine.yaml]

Boots the kernel on a modeled RV32 virt machine with the console on the
terminal. Without -program the embedded shell runs; type q to exit it.`)

	return err
}

func (r *runner) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&r.diskPath, "disk", "", "tar `image` backing the block device")
	fs.StringVar(&r.progPath, "program", "", "flat `binary` loaded as the user process")
	fs.StringVar(&r.confPath, "config", "", "YAML machine `description`")
	fs.UintVar(&r.ramSize, "ram", 0, "guest RAM `bytes` (default 16 MiB)")
	fs.Func("loglevel", "set log `level`", func(s string) error {
		return r.logLevel.UnmarshalText([]byte(s))
	})

	return fs
}

func (r *runner) Run(ctx context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	log.LogLevel.Set(r.logLevel)

	if r.confPath != "" {
		if err := r.loadConfig(); err != nil {
			logger.Error("bad machine config", "err", err)

			return 1
		}
	}

	disk, err := r.loadDisk()
	if err != nil {
		logger.Error("cannot load disk image", "err", err)

		return 1
	}

	image, err := r.loadProgram()
	if err != nil {
		logger.Error("cannot load program image", "err", err)

		return 1
	}

	console, restore, err := openConsole(out)
	if err != nil {
		logger.Error("cannot open console", "err", err)

		return 1
	}
	defer restore()

	opts := []machine.Option{
		machine.WithLogger(logger),
		machine.WithConsole(console),
	}
	if r.ramSize != 0 {
		opts = append(opts, machine.WithRAM(machine.DefaultRAMBase, rv32.Word(r.ramSize)))
	}

	mach := machine.New(opts...)
	mach.MapDevice(kernel.VirtioBlkPaddr, 0x200, virtio.NewBlk(mach, disk, logger))

	k := kernel.New(mach,
		kernel.WithLogger(logger),
		kernel.WithUserImage(image),
	)

	err = k.Run(ctx)

	var kp *kernel.Panic
	switch {
	case errors.As(err, &kp) && kp.Message == "switched to idle process":
		// Running out of processes ends at the idle panic; that is a clean stop.
		logger.Info("machine stopped", "reason", kp.Message)

		return 0
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Error("run failed", "err", err)

		return 1
	default:
		return 0
	}
}

func (r *runner) loadConfig() error {
	data, err := os.ReadFile(r.confPath)
	if err != nil {
		return err
	}

	var conf runConfig
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return err
	}

	// Flags win over the config file.
	if r.ramSize == 0 {
		r.ramSize = conf.RAMSize
	}

	if r.diskPath == "" {
		r.diskPath = conf.Disk
	}

	if r.progPath == "" {
		r.progPath = conf.Program
	}

	return nil
}

// loadDisk reads the tar image, padded out to the kernel's fixed disk footprint so
// every sector the kernel touches exists on the device.
func (r *runner) loadDisk() (virtio.SectorStore, error) {
	image := make([]byte, kernel.DiskMaxSize)

	if r.diskPath != "" {
		data, err := os.ReadFile(r.diskPath)
		if err != nil {
			return nil, err
		}

		if len(data) > len(image) {
			return nil, fmt.Errorf("disk image %q larger than %d bytes", r.diskPath, len(image))
		}

		copy(image, data)
	}

	return virtio.NewMemDisk(image), nil
}

func (r *runner) loadProgram() ([]byte, error) {
	if r.progPath == "" {
		return userland.Shell(), nil
	}

	return os.ReadFile(r.progPath)
}

// openConsole prefers the raw terminal and falls back to plain standard streams when
// stdin is not a TTY.
func openConsole(out io.Writer) (machine.Console, func(), error) {
	console, err := tty.NewConsole(os.Stdin, os.Stdout)
	if err == nil {
		return console, console.Restore, nil
	}

	if !errors.Is(err, tty.ErrNoTTY) {
		return nil, nil, err
	}

	pipe := tty.NewPipeConsole(os.Stdin, out)

	return pipe, func() {}, nil
}
