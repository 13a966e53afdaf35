// Package bus implements the per-bridge MASSBUS bus: the up-to-eight-
// unit slot table, the unit lookup used by the operator CLI, and the
// service-thread goroutine that pulls commands off the bridge and
// dispatches them to the right drive. The service thread pairs a
// dedicated goroutine with a context-based stop signal and a
// WaitGroup join.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"massbuscore/internal/bridge"
	"massbuscore/internal/drive"
	"massbuscore/internal/logctx"
)

const maxUnits = 8

// ErrIncompatible is returned when a drive's family does not match the
// bridge's advertised VHDL personality.
var ErrIncompatible = fmt.Errorf("bus: drive family incompatible with bridge VHDL family")

// ErrSlotOccupied is returned when connecting to an already-occupied
// unit index.
var ErrSlotOccupied = fmt.Errorf("bus: unit slot already occupied")

// ErrSlotEmpty is returned when an operation targets an unconnected
// unit index.
var ErrSlotEmpty = fmt.Errorf("bus: unit slot empty")

// WaitTimeoutMs bounds each WaitCommand call made by the service
// thread: long enough that the thread is not busy-spinning, short
// enough that Stop returns promptly.
const WaitTimeoutMs = 250

// Bus couples one bridge to the drives connected to it. Letter is the
// operator-facing bus identity ('A'..); family is fixed at creation
// from the bridge's advertised VHDL personality (or an explicit
// override for an offline bridge).
type Bus struct {
	Letter byte
	Bridge bridge.Bridge
	Family bridge.VHDLFamily

	mu    sync.Mutex
	slots [maxUnits]drive.Drive

	log    *logrus.Entry
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus bound to br, reading its VHDL family. If br is
// offline and override is non-nil, the override is used instead since
// an offline bridge has no bitstream to report a family.
func New(letter byte, br bridge.Bridge, override *bridge.VHDLFamily) *Bus {
	family := br.VHDLFamily()
	if br.Offline() && override != nil {
		family = *override
		br.SetVHDLFamily(family)
	}
	return &Bus{
		Letter: letter,
		Bridge: br,
		Family: family,
		log:    logctx.Bus(letter),
	}
}

func familyOf(k drive.Kind) bridge.VHDLFamily {
	if k == drive.KindTape {
		return bridge.VHDLTape
	}
	return bridge.VHDLDisk
}

// IsCompatible reports whether a drive of the given kind may be
// connected to this bus.
func (b *Bus) IsCompatible(k drive.Kind) bool {
	return familyOf(k) == b.Family
}

// Connect attaches d to unit, updates the bridge's attached bitmap,
// and writes the drive's initial register state.
func (b *Bus) Connect(unit int, d drive.Drive) error {
	if !b.IsCompatible(d.Kind()) {
		return ErrIncompatible
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.slots[unit] != nil {
		return ErrSlotOccupied
	}
	b.slots[unit] = d
	d.Clear()
	b.updateAttachedLocked()
	return nil
}

// Disconnect removes the drive at unit, if any.
func (b *Bus) Disconnect(unit int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.slots[unit] == nil {
		return ErrSlotEmpty
	}
	b.slots[unit] = nil
	b.updateAttachedLocked()
	return nil
}

func (b *Bus) updateAttachedLocked() {
	var bitmap uint8
	for i, d := range b.slots {
		if d != nil {
			bitmap |= 1 << uint(i)
		}
	}
	b.Bridge.SetAttached(bitmap)
}

// Unit returns the drive connected at unit, if any.
func (b *Bus) Unit(unit int) (drive.Drive, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.slots[unit]
	return d, d != nil
}

// withUnit acquires the bus's mutual-exclusion gate, locates the drive
// at unit, and runs fn while still holding the gate. Every operator
// action that mutates drive state goes through this so it cannot
// interleave with the service thread's dispatch loop.
func (b *Bus) withUnit(unit int, fn func(drive.Drive) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.slots[unit]
	if d == nil {
		return ErrSlotEmpty
	}
	return fn(d)
}

// SpinUp brings the drive at unit online under the bus gate.
func (b *Bus) SpinUp(unit int) error {
	return b.withUnit(unit, func(d drive.Drive) error { return d.GoOnline() })
}

// SpinDown takes the drive at unit offline under the bus gate.
func (b *Bus) SpinDown(unit int) error {
	return b.withUnit(unit, func(d drive.Drive) error { d.GoOffline(); return nil })
}

// AttachImage binds a backing image file to the drive at unit under
// the bus gate.
func (b *Bus) AttachImage(unit int, path string) error {
	return b.withUnit(unit, func(d drive.Drive) error { return d.Attach(path) })
}

// DetachImage releases the drive-at-unit's backing image under the bus
// gate.
func (b *Bus) DetachImage(unit int) error {
	return b.withUnit(unit, func(d drive.Drive) error { return d.Detach() })
}

// ErrNotADisk is returned when a disk-only operator action (encoding
// change) targets a tape unit.
var ErrNotADisk = fmt.Errorf("bus: unit is not a disk drive")

// ErrNotATape is returned when a tape-only operator action (rewind)
// targets a disk unit.
var ErrNotATape = fmt.Errorf("bus: unit is not a tape drive")

// SetDiskEncoding changes the 16/18-bit encoding of the disk at unit
// under the bus gate.
func (b *Bus) SetDiskEncoding(unit int, use18Bit bool) error {
	return b.withUnit(unit, func(d drive.Drive) error {
		disk, ok := d.(*drive.Disk)
		if !ok {
			return ErrNotADisk
		}
		disk.SetEncoding(use18Bit)
		return nil
	})
}

// Rewind positions the tape at unit to BOT under the bus gate.
func (b *Bus) Rewind(unit int) error {
	return b.withUnit(unit, func(d drive.Drive) error {
		tape, ok := d.(*drive.Tape)
		if !ok {
			return ErrNotATape
		}
		if tape.Image != nil {
			tape.Image.Rewind()
			tape.SetStatus(0)
		}
		return nil
	})
}

// SetAlias renames the drive at unit under the bus gate.
func (b *Bus) SetAlias(unit int, alias string) error {
	return b.withUnit(unit, func(d drive.Drive) error { d.Base().Alias = alias; return nil })
}

// SetSerial changes the drive at unit's reported serial number under
// the bus gate, leaving it for the caller to Clear/SetStatus if the
// host needs to observe the change immediately.
func (b *Bus) SetSerial(unit int, serial uint16) error {
	return b.withUnit(unit, func(d drive.Drive) error { d.Base().Serial = serial; return nil })
}

// FindByAlias locates a connected drive by its operator-assigned
// alias.
func (b *Bus) FindByAlias(alias string) (drive.Drive, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.slots {
		if d != nil && d.Base().Alias == alias {
			return d, i, true
		}
	}
	return nil, 0, false
}

// UnitsConnected reports how many slots are occupied.
func (b *Bus) UnitsConnected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, d := range b.slots {
		if d != nil {
			n++
		}
	}
	return n
}

// UnitsOnline reports how many connected drives are spun up.
func (b *Bus) UnitsOnline() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, d := range b.slots {
		if d != nil && d.Base().Online {
			n++
		}
	}
	return n
}

// Each runs fn over every connected drive, holding the bus lock for
// the duration, for the operator CLI's show-all.
func (b *Bus) Each(fn func(unit int, d drive.Drive)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.slots {
		if d != nil {
			fn(i, d)
		}
	}
}

// BeginService starts the bus's dedicated command-dispatch goroutine.
// Safe to call once per Bus.
func (b *Bus) BeginService() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.serviceLoop(ctx)
}

func (b *Bus) serviceLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		word := b.Bridge.WaitCommand(ctx, WaitTimeoutMs)
		if word == bridge.Timeout || word == bridge.ErrorWord {
			continue
		}
		b.dispatch(bridge.DecodeCommand(word))
	}
}

// dispatch routes one decoded command-FIFO word to the connected
// drive. An empty target unit simply drops the command; a disk bus
// also drops it if the target drive is offline. TM78 slaves other than
// 0 are addressed through slave 0's own non-zero-slave handling in its
// motion registers, not by forwarding to a different unit slot.
func (b *Bus) dispatch(cmd bridge.CommandWord) {
	if !cmd.Valid {
		return
	}

	// The gate is held for the whole dispatch, including DoCommand, so
	// that an operator mutation (disconnect, attach, spin down) cannot
	// interleave with a command handler's view of drive state.
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.slots[cmd.Unit]
	if d == nil {
		b.log.WithField("unit", cmd.Unit).Debug("command against empty unit slot, dropped")
		return
	}
	if b.Family == bridge.VHDLDisk && !d.Base().Online {
		b.log.WithField("unit", cmd.Unit).Debug("command against offline disk unit, dropped")
		return
	}
	d.DoCommand(cmd)
}

// RequestStop signals the service thread to exit at its next
// opportunity, without waiting for it to actually stop.
func (b *Bus) RequestStop() {
	if b.cancel != nil {
		b.cancel()
	}
}

// WaitStop blocks until the service thread has exited. Call
// RequestStop first.
func (b *Bus) WaitStop() {
	b.wg.Wait()
}
