// Package regtype is the process-wide, immutable registry of MASSBUS
// drive-type characteristics. Every field here is fixed at build time
// and never mutated, so lookups are safe from any goroutine without
// locking.
package regtype

// Family classifies which MASSBUS controller personality a drive type
// speaks, and therefore which bridge/bus it may attach to.
type Family int

const (
	FamilyNone Family = iota
	FamilyRP          // RP-style removable pack disks
	FamilyRM          // RM-style fixed/removable disks
	FamilyTM78        // TM78 tape formatter
	FamilyTM03        // TM03 formatter, type tag only, no drive implementation
	FamilyNetwork     // MEIS network interface, type tag only, no drive implementation
)

func (f Family) String() string {
	switch f {
	case FamilyRP:
		return "RP"
	case FamilyRM:
		return "RM"
	case FamilyTM78:
		return "TM78"
	case FamilyTM03:
		return "TM03"
	case FamilyNetwork:
		return "network"
	default:
		return "none"
	}
}

// IsDisk and IsTape are disjoint. TM03 and network types, which have
// no drive implementation, are neither.
func (f Family) IsDisk() bool { return f == FamilyRP || f == FamilyRM }
func (f Family) IsTape() bool { return f == FamilyTM78 }

// Tag is the internal type tag used to key into the registry (e.g.
// "RP06", "RM80", "TU78").
type Tag string

// Type is the immutable characteristics record for one drive model.
type Type struct {
	Name         Tag
	MassbusID    uint16
	Family       Family
	SectorsPer16 int // sectors/track, 16-bit encoding (disks only)
	SectorsPer18 int // sectors/track, 18-bit encoding (disks only)
	Heads        int
	Cylinders    int
}

// Sectors returns the sectors-per-track for the requested encoding.
func (t Type) Sectors(use18Bit bool) int {
	if use18Bit {
		return t.SectorsPer18
	}
	return t.SectorsPer16
}

var table = map[Tag]Type{
	"RP04": {Name: "RP04", MassbusID: 0o020, Family: FamilyRP, SectorsPer16: 22, SectorsPer18: 20, Heads: 19, Cylinders: 411},
	"RP06": {Name: "RP06", MassbusID: 0o022, Family: FamilyRP, SectorsPer16: 22, SectorsPer18: 20, Heads: 19, Cylinders: 815},
	"RP07": {Name: "RP07", MassbusID: 0o042, Family: FamilyRP, SectorsPer16: 50, SectorsPer18: 43, Heads: 32, Cylinders: 630},
	"RM03": {Name: "RM03", MassbusID: 0o024, Family: FamilyRM, SectorsPer16: 32, SectorsPer18: 30, Heads: 5, Cylinders: 823},
	"RM05": {Name: "RM05", MassbusID: 0o027, Family: FamilyRM, SectorsPer16: 32, SectorsPer18: 30, Heads: 19, Cylinders: 823},
	"RM80": {Name: "RM80", MassbusID: 0o026, Family: FamilyRM, SectorsPer16: 31, SectorsPer18: 28, Heads: 14, Cylinders: 559},
	"TU78": {Name: "TU78", MassbusID: 0o006, Family: FamilyTM78},
	"TM03": {Name: "TM03", MassbusID: 0o005, Family: FamilyTM03},
	"MEIS": {Name: "MEIS", MassbusID: 0o077, Family: FamilyNetwork},
}

// Lookup returns the characteristics record for tag and whether it was
// found. The returned Type is a copy of the immutable registry entry.
func Lookup(tag Tag) (Type, bool) {
	t, ok := table[tag]
	return t, ok
}

// InvalidSector is the sentinel LBA returned by CHS<->LBA translation
// when the requested address is out of range. Callers decide whether
// that surfaces as a drive-status failure.
const InvalidSector = -1

// LBA computes the absolute sector number from a cylinder/head/sector
// triple for the given drive type and encoding, or returns
// InvalidSector if any of cyl/head/sector is out of range.
func (t Type) LBA(cyl, head, sector int, use18Bit bool) int {
	sectors := t.Sectors(use18Bit)
	if cyl < 0 || cyl >= t.Cylinders || head < 0 || head >= t.Heads || sector < 0 || sector >= sectors {
		return InvalidSector
	}
	return (cyl*t.Heads+head)*sectors + sector
}

// CHS is the inverse of LBA: given an absolute sector number it
// recovers (cyl, head, sector), or ok=false if lba is out of range for
// this drive type/encoding.
func (t Type) CHS(lba int, use18Bit bool) (cyl, head, sector int, ok bool) {
	sectors := t.Sectors(use18Bit)
	if lba < 0 || sectors == 0 || t.Heads == 0 {
		return 0, 0, 0, false
	}
	sector = lba % sectors
	rest := lba / sectors
	head = rest % t.Heads
	cyl = rest / t.Heads
	if cyl >= t.Cylinders {
		return 0, 0, 0, false
	}
	return cyl, head, sector, true
}
