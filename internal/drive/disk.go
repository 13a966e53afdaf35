package drive

import (
	"encoding/binary"

	"massbuscore/internal/bridge"
	"massbuscore/internal/fiddler"
	"massbuscore/internal/image"
	"massbuscore/internal/regtype"
)

// Disk register indices within a unit's register file. The
// MASSBUS-wire bit assignments for these registers are hardware
// defined and not reproduced here; this emulator only needs consistent
// indices and the bit subfields it actually reads/writes.
const (
	regRPCR = iota // command
	regRPDS        // status
	regRPDA        // desired head + sector
	regRPDC        // desired cylinder
	regRPDT        // drive type advertised to host
	regRPSN        // serial
	regRPOF        // format (18-bit flag)
)

// RPDS status bits (glossary: MOL/VV/WLK, plus DRY = drive ready).
const (
	statusDRY uint16 = 1 << 7
	statusMOL uint16 = 1 << 12
	statusVV  uint16 = 1 << 6
	statusWLK uint16 = 1 << 13
)

// RPOF format bit.
const formatBit18 uint16 = 1 << 0

// RPDA subfields: low 6 bits sector, next 5 bits head. The real RP
// register packs these differently per model; this emulator only needs
// an internally consistent convention that recovers (head, sector),
// not a bit-for-bit match to real wire encodings.
const (
	rpdaSectorMask = 0x3F
	rpdaHeadShift  = 6
	rpdaHeadMask   = 0x1F
)

// Disk function codes recognised from RPCR. Real MASSBUS function-code
// values are hardware/model specific and out of scope here (the bridge
// itself filters out every command but these); the mnemonic constants
// below are this emulator's own dispatch convention, keyed off the low
// bits of the RPCR value the bridge already classified as a
// data-transfer command.
const (
	funcRead int = iota + 1
	funcReadWithHeader
	funcWriteCheck
	funcWriteCheckWithHeader
	funcWrite
	funcWriteWithHeader
)

func classifyDiskFunc(value uint16) (isRead, isWrite bool) {
	switch int(value & 0x3F) {
	case funcRead, funcReadWithHeader, funcWriteCheck, funcWriteCheckWithHeader:
		return true, false
	case funcWrite, funcWriteWithHeader:
		return false, true
	default:
		return false, false
	}
}

const sectorsPerTransfer = 256

// Disk implements the disk-specific command state machine.
type Disk struct {
	base Base

	Use18Bit   bool
	SectorSize int

	Image *image.DiskImage
}

// NewDisk constructs a disk unit bound to a bridge and drive type.
func NewDisk(unit int, alias string, serial uint16, readOnly bool, busLetter byte, br bridge.Bridge, t regtype.Type) *Disk {
	d := &Disk{base: newBase(unit, alias, serial, readOnly, busLetter, br, t)}
	d.setEncodingLocked(false)
	return d
}

func (d *Disk) Kind() Kind  { return KindDisk }
func (d *Disk) Base() *Base { return &d.base }

func (d *Disk) setEncodingLocked(use18Bit bool) {
	d.Use18Bit = use18Bit
	if use18Bit {
		d.SectorSize = 1024
	} else {
		d.SectorSize = 512
	}
}

// SetEncoding changes the 18-bit flag, recomputes the logical sector
// size, and re-advertises geometry with the encoding-appropriate
// sectors-per-track.
func (d *Disk) SetEncoding(use18Bit bool) {
	d.setEncodingLocked(use18Bit)
	d.base.Bridge.WriteReg(d.base.Unit, regRPOF, encodeFormat(use18Bit))
	d.advertiseGeometry()
}

func encodeFormat(use18Bit bool) uint16 {
	if use18Bit {
		return formatBit18
	}
	return 0
}

func (d *Disk) advertiseGeometry() {
	d.base.Bridge.SetGeometry(d.base.Unit, d.base.Type.Cylinders, d.base.Type.Heads, d.base.Type.Sectors(d.Use18Bit))
}

// Clear resets the drive's register set to a consistent initial state.
func (d *Disk) Clear() {
	status := statusDRY
	if d.base.ReadOnly {
		status |= statusWLK
	}
	br := d.base.Bridge
	br.WriteReg(d.base.Unit, regRPDS, status)
	br.WriteReg(d.base.Unit, regRPDT, d.base.Type.MassbusID)
	br.WriteReg(d.base.Unit, regRPSN, d.base.Serial)
	br.WriteReg(d.base.Unit, regRPOF, encodeFormat(d.Use18Bit))
	d.advertiseGeometry()
}

// GoOnline implements spin-up. VV is intentionally not set: the host
// must issue a pack-acknowledge, handled by the bridge.
func (d *Disk) GoOnline() error {
	if d.Image == nil {
		return ErrNotAttached
	}
	d.base.Online = true
	d.base.Bridge.SetBits(d.base.Unit, regRPDS, statusMOL)
	return nil
}

// GoOffline implements spin-down.
func (d *Disk) GoOffline() {
	d.base.Online = false
	d.base.Bridge.ClearBits(d.base.Unit, regRPDS, statusMOL|statusVV)
}

// Attach binds a sector image to this unit.
func (d *Disk) Attach(path string) error {
	img, err := image.OpenDisk(path)
	if err != nil {
		return err
	}
	d.Image = img
	return nil
}

// Detach releases the image owned by this drive.
func (d *Disk) Detach() error {
	if d.Image == nil {
		return nil
	}
	err := d.Image.Close()
	d.Image = nil
	return err
}

// DoCommand dispatches a data-transfer command; every other RPCR
// function is serviced entirely by the bridge.
func (d *Disk) DoCommand(cmd bridge.CommandWord) {
	isRead, isWrite := classifyDiskFunc(cmd.Value)
	switch {
	case isRead:
		d.handleRead()
	case isWrite:
		d.handleWrite()
	default:
		d.base.Log.WithField("value", cmd.Value).Warn("unrecognised disk function code")
	}
}

func (d *Disk) targetLBA() (int, bool) {
	br := d.base.Bridge
	cyl := int(br.ReadReg(d.base.Unit, regRPDC))
	da := br.ReadReg(d.base.Unit, regRPDA)
	sector := int(da & rpdaSectorMask)
	head := int((da >> rpdaHeadShift) & rpdaHeadMask)

	lba := d.base.Type.LBA(cyl, head, sector, d.Use18Bit)
	if lba == regtype.InvalidSector {
		return 0, false
	}
	return lba, true
}

func (d *Disk) handleRead() {
	lba, ok := d.targetLBA()
	if !ok {
		d.base.Log.Error("invalid C/H/S on read, dropping drive offline")
		d.GoOffline()
		return
	}

	raw := make([]byte, d.SectorSize)
	if d.Image == nil || d.Image.ReadSector(lba, d.SectorSize, raw) != nil {
		d.base.Log.Error("image read failed, dropping drive offline")
		d.GoOffline()
		return
	}

	halves := decodeSector(raw, d.Use18Bit)
	if err := d.base.Bridge.WriteData(d.base.Unit, halves, sectorsPerTransfer, false, true); err != nil {
		d.base.Log.WithError(err).Error("data FIFO write failed, dropping drive offline")
		d.GoOffline()
	}
}

func (d *Disk) handleWrite() {
	lba, ok := d.targetLBA()
	if !ok {
		d.base.Log.Error("invalid C/H/S on write, dropping drive offline")
		d.GoOffline()
		return
	}

	halves := make([]uint16, sectorsPerTransfer)
	if err := d.base.Bridge.ReadData(d.base.Unit, halves, sectorsPerTransfer, false); err != nil {
		d.base.Log.WithError(err).Error("data FIFO read failed, dropping drive offline")
		d.GoOffline()
		return
	}

	if d.base.ReadOnly {
		d.base.Log.Warn("write to read-only drive refused")
		d.GoOffline()
		return
	}

	raw := encodeSector(halves, d.Use18Bit)
	if d.Image == nil || d.Image.WriteSector(lba, d.SectorSize, raw) != nil {
		d.base.Log.Error("image write failed, dropping drive offline")
		d.GoOffline()
	}
}

// decodeSector turns raw sector bytes into the 256 half-words pushed
// to the bridge's data FIFO.
func decodeSector(raw []byte, use18Bit bool) []uint16 {
	out := make([]uint16, sectorsPerTransfer)
	if !use18Bit {
		for i := 0; i < sectorsPerTransfer; i++ {
			out[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
		return out
	}

	for i := 0; i < sectorsPerTransfer/2; i++ {
		word := binary.LittleEndian.Uint64(raw[i*8:]) & 0xFFFFFFFFF
		left, right := fiddler.SplitHalves(word)
		out[2*i] = uint16(left)
		out[2*i+1] = uint16(right)
	}
	return out
}

// encodeSector is the inverse of decodeSector, used when writing a
// sector received from the bridge back to the image.
func encodeSector(halves []uint16, use18Bit bool) []byte {
	if !use18Bit {
		raw := make([]byte, sectorsPerTransfer*2)
		for i := 0; i < sectorsPerTransfer; i++ {
			binary.LittleEndian.PutUint16(raw[i*2:], halves[i])
		}
		return raw
	}

	raw := make([]byte, sectorsPerTransfer/2*8)
	for i := 0; i < sectorsPerTransfer/2; i++ {
		word := fiddler.JoinHalves(uint32(halves[2*i]), uint32(halves[2*i+1]))
		binary.LittleEndian.PutUint64(raw[i*8:], word)
	}
	return raw
}
