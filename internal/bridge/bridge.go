// Package bridge abstracts the FPGA board: the shared-memory window
// plus interrupt line a host uses to talk to a MASSBUS controller. It
// knows nothing of MASSBUS command semantics; that belongs to
// internal/drive and internal/bus. A narrow interface is implemented
// by a couple of concrete backends, FIFOs are modeled with a
// non-blocking channel wrapper, and interrupt waits race a timer
// against an event channel so they return promptly on shutdown.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"massbuscore/internal/logctx"
)

// ErrFIFOTimeout is returned by ReadData/WriteData when the spin-poll
// retry budget is exhausted.
var ErrFIFOTimeout = errors.New("bridge: data FIFO timeout")

// ErrClosed is returned by any operation on a bridge that has already
// been closed.
var ErrClosed = errors.New("bridge: closed")

// Bridge is the per-board interface every bus talks to. It never
// interprets MASSBUS semantics.
type Bridge interface {
	// Name is the operator-assigned identifier used in logging (not a
	// MASSBUS concept).
	Name() string

	// VHDLFamily reports which controller personality this board's
	// bitstream implements, used by the bus compatibility check.
	VHDLFamily() VHDLFamily
	// SetVHDLFamily overrides the family for an offline/virtual bridge
	// that has no bitstream to report one.
	SetVHDLFamily(VHDLFamily)

	// Register read-modify-write, strict: bits outside mask are
	// preserved.
	ReadReg(unit, reg int) uint16
	WriteReg(unit, reg int, value uint16)
	SetBits(unit, reg int, mask uint16)
	ClearBits(unit, reg int, mask uint16)
	ToggleBits(unit, reg int, mask uint16)

	// WaitCommand blocks (up to timeout) for the next command-FIFO
	// word, trying a fast non-blocking read first and then arming
	// interrupts and waiting for one to land. The returned word must
	// be consumed by the caller and never re-sampled.
	WaitCommand(ctx context.Context, timeout_ms int) uint32

	// ReadData pulls count half-words from the bridge's data FIFO into
	// out (len(out) >= count). setSendCount should be true for tape
	// transfers, which must prime the send-count register first; disk
	// transfers know their size from geometry and pass false.
	ReadData(unit int, out []uint16, count int, setSendCount bool) error
	// WriteData pushes count half-words from in to the bridge,
	// respecting the almost-full/almost-empty backpressure contract
	// unless bypassed (disk transfers bypass it).
	WriteData(unit int, in []uint16, count int, forceException bool, bypassBackpressure bool) error
	// EmptyTransfer sends a zero-length record: send-count of 0
	// (optionally OR'd with ForceException) followed by one discarded
	// FIFO push.
	EmptyTransfer(unit int, forceException bool) error

	// SetGeometry advertises per-unit disk geometry.
	SetGeometry(unit, cyl, heads, sectors int)
	// SetAttached writes the 8-bit drive-presence bitmap.
	SetAttached(bitmap uint8)
	// Attached reads back the drive-presence bitmap last written by
	// SetAttached.
	Attached() uint8

	// Offline reports whether this bridge has no live hardware behind
	// it, which routes WaitCommand down its fast timeout path.
	Offline() bool

	// SetDebug toggles write-readback verification: in debug mode,
	// writes are read back and any discrepancy is logged but not
	// retried.
	SetDebug(bool)

	Close() error
}

// readback, shared by every Bridge implementation's register writers,
// implements debug-mode verification: bridge writes are sometimes
// filtered by hardware, and that is logged, not retried.
func readback(log *logrus.Entry, debug bool, unit, reg int, wrote, read uint16) {
	if !debug {
		return
	}
	if wrote != read {
		log.WithFields(logrus.Fields{
			"unit": unit, "reg": reg, "wrote": fmt.Sprintf("0x%04x", wrote), "read": fmt.Sprintf("0x%04x", read),
		}).Warn("register write not observed on readback")
	}
}

func defaultLogger(name string) *logrus.Entry {
	return logctx.Bridge(name)
}
