package kernel

// fs.go is the flat file store: a fixed table loaded from a ustar stream on disk at
// boot, and a write-back that rebuilds the whole stream.

import (
	"github.com/kestrel-os/kestrel/internal/rv32"
	"github.com/kestrel-os/kestrel/internal/ustar"
)

const (
	// FilesMax is the size of the file table.
	FilesMax = 2

	// FileDataCap is the capacity of a file's data buffer.
	FileDataCap = 4096

	// DiskMaxSize is the disk image footprint: FilesMax full tar records, rounded up
	// to whole sectors.
	DiskMaxSize = int((rv32.Word(FilesMax*(ustar.HeaderSize+FileDataCap)) +
		SectorSize - 1) &^ (SectorSize - 1))
)

// File is one entry of the file table.
type File struct {
	InUse bool
	Name  string
	Size  int
	Data  [FileDataCap]byte
}

// fsInit reads the whole disk into the in-memory buffer and walks it as a ustar
// stream, filling the file table. A record without the ustar magic is fatal.
func (k *Kernel) fsInit() {
	for sector := rv32.Word(0); sector < rv32.Word(len(k.disk))/SectorSize; sector++ {
		k.readWriteDisk(k.disk[sector*SectorSize:(sector+1)*SectorSize], sector, false)
	}

	off := 0

	for i := 0; i < FilesMax; i++ {
		if k.disk[off] == 0 {
			break
		}

		hdr, err := ustar.Parse(k.disk[off:])
		if err != nil {
			kernelPanic("invalid tar header at offset %d: %v", off, err)
		}

		file := &k.files[i]
		file.InUse = true
		file.Name = hdr.Name
		file.Size = hdr.Size
		copy(file.Data[:], k.disk[off+ustar.HeaderSize:off+ustar.HeaderSize+hdr.Size])

		k.log.Info("file loaded", "name", file.Name, "size", file.Size)

		off += int(rv32.AlignUp(rv32.Word(ustar.HeaderSize+hdr.Size), SectorSize))
	}
}

// fsFlush rebuilds the ustar stream from the file table and writes every sector of
// the buffer back to disk. Files not in the table are discarded.
func (k *Kernel) fsFlush() {
	for i := range k.disk {
		k.disk[i] = 0
	}

	off := 0

	for i := range k.files {
		file := &k.files[i]
		if !file.InUse {
			continue
		}

		hdr := ustar.Header{Name: file.Name, Size: file.Size}
		if err := ustar.Encode(hdr, k.disk[off:off+ustar.HeaderSize]); err != nil {
			kernelPanic("flush %q: %v", file.Name, err)
		}

		copy(k.disk[off+ustar.HeaderSize:], file.Data[:file.Size])

		off += int(rv32.AlignUp(rv32.Word(ustar.HeaderSize+file.Size), SectorSize))
	}

	for sector := rv32.Word(0); sector < rv32.Word(len(k.disk))/SectorSize; sector++ {
		k.readWriteDisk(k.disk[sector*SectorSize:(sector+1)*SectorSize], sector, true)
	}

	k.log.Info("disk flushed", "bytes", len(k.disk))
}

// fsLookup finds a file by name.
func (k *Kernel) fsLookup(name string) *File {
	for i := range k.files {
		if k.files[i].InUse && k.files[i].Name == name {
			return &k.files[i]
		}
	}

	return nil
}
