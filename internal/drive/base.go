// Package drive implements the per-unit command state machines: the
// common drive state and the disk and tape command handlers built on
// top of it. A bus stores a Drive value directly and uses Kind() for
// its family compatibility check; operations that exist for only one
// family (disk encoding change, tape rewind) type-assert the Drive to
// *Disk or *Tape.
package drive

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"massbuscore/internal/bridge"
	"massbuscore/internal/logctx"
	"massbuscore/internal/regtype"
)

// Kind distinguishes the two drive families this emulator implements.
// Network (and TM03) drive types are type tags only, with no command
// handler; the operator CLI refuses to connect them rather than
// modeling a third Kind.
type Kind int

const (
	KindDisk Kind = iota
	KindTape
)

func (k Kind) String() string {
	if k == KindTape {
		return "tape"
	}
	return "disk"
}

// ErrReadOnly names the condition of a write command targeting a
// read-only drive. The command handlers do not return it: a disk
// refuses the write and goes offline, a tape posts FILE_PROTECT.
var ErrReadOnly = fmt.Errorf("drive: read-only")

// ErrNotAttached is returned when a command or lifecycle operation
// needs an image and none is attached.
var ErrNotAttached = fmt.Errorf("drive: no image attached")

// Base is the state common to every unit: identity, online/read-only
// flags, and the bridge/bus/type bindings. Disk and Tape embed it and
// add their family-specific fields.
type Base struct {
	Unit     int
	Alias    string
	Serial   uint16
	Online   bool
	ReadOnly bool

	BusLetter byte
	Bridge    bridge.Bridge
	Type      regtype.Type

	Log *logrus.Entry
}

func newBase(unit int, alias string, serial uint16, readOnly bool, busLetter byte, br bridge.Bridge, t regtype.Type) Base {
	return Base{
		Unit:      unit,
		Alias:     alias,
		Serial:    serial,
		ReadOnly:  readOnly,
		BusLetter: busLetter,
		Bridge:    br,
		Type:      t,
		Log:       logctx.Unit(busLetter, unit),
	}
}

// Drive is the common operations trait every family implements.
type Drive interface {
	Kind() Kind
	Base() *Base
	Clear()
	GoOnline() error
	GoOffline()
	DoCommand(cmd bridge.CommandWord)
	Attach(imagePath string) error
	Detach() error
}
