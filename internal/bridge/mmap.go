package bridge

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// WindowSize is the span of the shared-memory region a real bridge
// board exposes, large enough to cover every offset through the data
// FIFO slot plus slop.
const WindowSize = OffsetDataFIFO + 4096

// mappedRegion is the real-hardware backing for a bridge window:
// /dev/<board> (or a UIO/PCI resource file) mmap'd read/write, exactly
// as usbarmory-tamago's SoC drivers map peripheral register blocks,
// except here the mapping comes from a file descriptor rather than a
// fixed physical address (there being no MMU-mapped address space in
// a hosted Go process).
type mappedRegion struct {
	file *os.File
	mem  []byte
}

// openMappedRegion mmaps devicePath for WindowSize bytes. Callers that
// successfully obtain one wire its first regSize bytes as the
// register file backing store via newRegFileOver; the remainder of
// the contract (FIFOs, interrupt line) in this emulator is still
// modeled in software per window.go, since reproducing true
// destructive-dequeue-on-load semantics over mmap requires the FPGA
// bitstream on the other end, which this software-only environment
// does not have access to.
func openMappedRegion(devicePath string) (*mappedRegion, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("bridge: open %s: %w", devicePath, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, WindowSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bridge: mmap %s: %w", devicePath, err)
	}

	return &mappedRegion{file: f, mem: mem}, nil
}

func (m *mappedRegion) Close() error {
	err := unix.Munmap(m.mem)
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// NewMapped constructs a Bridge backed by a real memory-mapped bridge
// board at devicePath. The register file is wired directly over the
// mapped memory with atomic access; the command/data FIFOs and
// interrupt wait are still the software-modeled channels from
// window.go, fed by a caller-driven poll loop. Board discovery and
// bitstream loading are out of scope for this emulator.
func NewMapped(name, devicePath string) (*window, error) {
	region, err := openMappedRegion(devicePath)
	if err != nil {
		return nil, err
	}

	w := newWindow(name, false)
	w.regs = newRegFileOver(region.mem[:regSize])
	w.mappedRegion = region
	return w, nil
}
