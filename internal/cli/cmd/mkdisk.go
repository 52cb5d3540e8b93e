package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kestrel-os/kestrel/internal/cli"
	"github.com/kestrel-os/kestrel/internal/kernel"
	"github.com/kestrel-os/kestrel/internal/log"
	"github.com/kestrel-os/kestrel/internal/ustar"
)

// MkDisk builds a disk image the kernel's file store can load.
func MkDisk() cli.Command {
	return &mkdisk{}
}

type mkdisk struct {
	outPath string
}

var _ cli.Command = (*mkdisk)(nil)

func (mkdisk) Description() string {
	return "build a tar disk image from files"
}

func (mkdisk) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `mkdisk -out disk.tar file...

Packs files into a ustar stream sized for the kernel's file table. File
names are flattened to their base name.`)

	return err
}

func (m *mkdisk) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("mkdisk", flag.ExitOnError)
	fs.StringVar(&m.outPath, "out", "disk.tar", "output `path`")

	return fs
}

func (m *mkdisk) Run(_ context.Context, args []string, _ io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		logger.Error("no input files")

		return 1
	}

	if len(args) > kernel.FilesMax {
		logger.Error("too many files for the file table",
			"files", len(args), "max", kernel.FilesMax)

		return 1
	}

	image := make([]byte, 0, kernel.DiskMaxSize)

	for _, arg := range args {
		data, err := os.ReadFile(arg)
		if err != nil {
			logger.Error("cannot read input", "path", arg, "err", err)

			return 1
		}

		if len(data) > kernel.FileDataCap {
			logger.Error("file too large for the file store",
				"path", arg, "size", len(data), "max", kernel.FileDataCap)

			return 1
		}

		record := make([]byte, ustar.RecordSize(len(data)))

		hdr := ustar.Header{Name: filepath.Base(arg), Size: len(data)}
		if err := ustar.Encode(hdr, record); err != nil {
			logger.Error("cannot encode header", "path", arg, "err", err)

			return 1
		}

		copy(record[ustar.HeaderSize:], data)
		image = append(image, record...)

		logger.Info("packed", "name", hdr.Name, "size", hdr.Size)
	}

	// The image is zero-padded to the kernel's disk footprint. Any space left after the
	// records is zeroed and ends the stream; when the files fill the footprint there is
	// no trailing zero record.
	padded := make([]byte, kernel.DiskMaxSize)
	copy(padded, image)

	if err := os.WriteFile(m.outPath, padded, 0o644); err != nil {
		logger.Error("cannot write image", "path", m.outPath, "err", err)

		return 1
	}

	logger.Info("disk image written", "path", m.outPath, "bytes", len(padded))

	return 0
}
