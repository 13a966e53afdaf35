package image

import (
	"errors"
	"io"
	"os"
	"sync"
)

// DiskImage is a flat, random-access sector store: 512-byte sectors in
// 16-bit encoding, or 1024-byte sectors (128 simh-format quadwords) in
// 18-bit encoding. The 16/18-bit word codec itself lives in
// internal/drive, which knows about sector layout; this type only
// knows how to get raw bytes in and out of the backing file at a given
// sector number.
type DiskImage struct {
	mu sync.Mutex
	f  *os.File
}

// OpenDisk opens or creates a flat sector image at path.
func OpenDisk(path string) (*DiskImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &DiskImage{f: f}, nil
}

func (d *DiskImage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// ReadSector fills buf (exactly sectorSize bytes) from the given LBA.
// Reading past the current end of file reads as zeros, since a freshly
// attached image is not pre-zeroed on disk.
func (d *DiskImage) ReadSector(lba int, sectorSize int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range buf {
		buf[i] = 0
	}

	off := int64(lba) * int64(sectorSize)
	_, err := d.f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// WriteSector writes exactly sectorSize bytes from buf at the given
// LBA, extending the backing file as needed.
func (d *DiskImage) WriteSector(lba int, sectorSize int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := int64(lba) * int64(sectorSize)
	_, err := d.f.WriteAt(buf, off)
	return err
}
