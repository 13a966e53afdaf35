package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"massbuscore/internal/logctx"
)

// window is the concrete Bridge implementation. Command and data
// FIFOs are modeled as buffered channels rather than raw memory slots:
// a channel receive is naturally a destructive dequeue, so a second
// read of the same slot is guaranteed not to return the same
// descriptor. This generalizes a single-sender capacity-bounded
// non-blocking channel wrapper from one queue to the bridge's
// command/data FIFO pair.
type window struct {
	name string
	log  *logrus.Entry

	regs *regFile

	mu         sync.Mutex
	attached   uint8
	geometry   [regUnits]uint32
	vhdlFamily VHDLFamily
	sendCount  uint32
	recvCount  uint32
	fifoStatus uint32
	debug      bool

	offline bool
	closed  atomic.Bool

	mappedRegion *mappedRegion // non-nil when backed by real hardware (NewMapped)

	cmdCh     chan uint32
	cmdNotify chan struct{}

	fromHostCh chan uint16 // data supplied by the host, consumed by ReadData
	toHostCh   chan uint16 // data produced by WriteData, observed by the host
}

const fifoCapacity = 4096

// NewOffline constructs a software-only bridge with no backing
// hardware: every register/FIFO operation behaves normally, but
// WaitCommand always takes the offline fast-sleep path. This doubles
// as the operator-facing virtual-bridge mode and the fake used by
// drive/bus tests: an offline bridge must be fully exercisable without
// real hardware.
func NewOffline(name string) *window {
	return newWindow(name, true)
}

// NewVirtual constructs a bridge that is not marked offline, so
// WaitCommand exercises the fast-path/interrupt-wait/spurious-warning
// sequence in full. Used by bus service-thread tests.
func NewVirtual(name string) *window {
	return newWindow(name, false)
}

func newWindow(name string, offline bool) *window {
	w := &window{
		name:       name,
		log:        logctx.Bridge(name),
		regs:       newRegFile(),
		offline:    offline,
		cmdCh:      make(chan uint32, 1),
		cmdNotify:  make(chan struct{}, 1),
		fromHostCh: make(chan uint16, fifoCapacity),
		toHostCh:   make(chan uint16, fifoCapacity),
		fifoStatus: ToHostEmpty | FromHostEmpty,
	}
	return w
}

func (w *window) Name() string { return w.name }

func (w *window) VHDLFamily() VHDLFamily {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.vhdlFamily
}

func (w *window) SetVHDLFamily(f VHDLFamily) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.vhdlFamily = f
}

func (w *window) Offline() bool { return w.offline }

func (w *window) SetDebug(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debug = on
}

func (w *window) ReadReg(unit, reg int) uint16 {
	return w.regs.read(unit, reg)
}

func (w *window) WriteReg(unit, reg int, value uint16) {
	w.regs.write(unit, reg, value)
	w.mu.Lock()
	debug := w.debug
	w.mu.Unlock()
	readback(w.log, debug, unit, reg, value, w.regs.read(unit, reg))
}

func (w *window) SetBits(unit, reg int, mask uint16) {
	w.regs.setBits(unit, reg, mask)
}

func (w *window) ClearBits(unit, reg int, mask uint16) {
	w.regs.clearBits(unit, reg, mask)
}

func (w *window) ToggleBits(unit, reg int, mask uint16) {
	w.regs.toggleBits(unit, reg, mask)
}

func (w *window) SetGeometry(unit, cyl, heads, sectors int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.geometry[unit] = EncodeGeometry(cyl, heads, sectors)
}

func (w *window) SetAttached(bitmap uint8) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attached = bitmap
}

// WaitCommand blocks for the next command word, taking the offline
// fast-sleep path if there is no real hardware behind this bridge.
func (w *window) WaitCommand(ctx context.Context, timeoutMs int) uint32 {
	if w.offline {
		select {
		case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		case <-ctx.Done():
		}
		return Timeout
	}

	if word := w.pollCommand(); DecodeCommand(word).Valid {
		return word
	}

	// Enable PCI-level interrupt reception first, then (conceptually)
	// arm the device's interrupt-enable bit. Reversing this order
	// would race: arming the device first could lose the first edge
	// before the receiver is ready.
	w.armPCIInterrupts()
	w.armDeviceInterrupt()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-w.cmdNotify:
	case <-timer.C:
		return Timeout
	case <-ctx.Done():
		return Timeout
	}

	word := w.pollCommand()
	if !DecodeCommand(word).Valid {
		w.log.Warn("spurious interrupt: command FIFO empty after wait")
		return Timeout
	}
	return word
}

func (w *window) armPCIInterrupts()  { w.log.Debug("arm PCI interrupt reception") }
func (w *window) armDeviceInterrupt() { w.log.Debug("arm device interrupt-enable bit") }

func (w *window) pollCommand() uint32 {
	select {
	case word := <-w.cmdCh:
		return word
	default:
		return Timeout
	}
}

func (w *window) setSendCount(v uint32) {
	w.mu.Lock()
	w.sendCount = v
	w.mu.Unlock()
}

func (w *window) ReadData(unit int, out []uint16, count int, setSendCount bool) error {
	if setSendCount {
		w.setSendCount(uint32(count))
	}
	for i := 0; i < count; i++ {
		word, err := w.pollDataWithRetry()
		if err != nil {
			return err
		}
		out[i] = word & DataMask
	}
	return nil
}

func (w *window) pollDataWithRetry() (uint16, error) {
	for i := 0; i < DataRetryLimit; i++ {
		select {
		case word := <-w.fromHostCh:
			return word, nil
		default:
		}
	}
	return 0, ErrFIFOTimeout
}

func (w *window) WriteData(unit int, in []uint16, count int, forceException bool, bypassBackpressure bool) error {
	sc := uint32(count)
	if forceException {
		sc |= ForceException
	}
	w.setSendCount(sc)

	for i := 0; i < count; i++ {
		if !bypassBackpressure {
			if err := w.waitAlmostEmpty(); err != nil {
				return err
			}
		}
		w.pushToHost(in[i] & DataMask)
	}
	return nil
}

func (w *window) waitAlmostEmpty() error {
	for i := 0; i < DataRetryLimit; i++ {
		w.mu.Lock()
		full := w.fifoStatus&ToHostAlmostFull != 0
		w.mu.Unlock()
		if !full {
			return nil
		}
	}
	return ErrFIFOTimeout
}

func (w *window) pushToHost(word uint16) {
	w.toHostCh <- word
}

func (w *window) EmptyTransfer(unit int, forceException bool) error {
	sc := uint32(0)
	if forceException {
		sc |= ForceException
	}
	w.setSendCount(sc)
	w.pushToHost(0)
	return nil
}

func (w *window) Close() error {
	w.closed.Store(true)
	if w.mappedRegion != nil {
		return w.mappedRegion.Close()
	}
	return nil
}

// --- test / operator-CLI injection surface (not part of the MASSBUS
// contract itself: this is how a host's writes arrive at the bridge in
// the absence of real FPGA hardware). ---

// InjectCommand pushes a raw command-FIFO word as if the host had just
// written it, and wakes any goroutine blocked in WaitCommand.
func (w *window) InjectCommand(word uint32) {
	select {
	case w.cmdCh <- word:
	default:
		// FIFO full: overwrite, mirroring a single-slot hardware FIFO.
		<-w.cmdCh
		w.cmdCh <- word
	}
	select {
	case w.cmdNotify <- struct{}{}:
	default:
	}
}

// SignalSpuriousInterrupt wakes WaitCommand without placing anything
// in the command FIFO, exercising the spurious-interrupt warning path.
func (w *window) SignalSpuriousInterrupt() {
	select {
	case w.cmdNotify <- struct{}{}:
	default:
	}
}

// SupplyData enqueues half-words as if the host had written them into
// the from-host data FIFO, for ReadData to consume.
func (w *window) SupplyData(words ...uint16) {
	for _, wd := range words {
		w.fromHostCh <- wd
	}
}

// DrainToHost removes and returns up to max words the bridge has sent
// toward the host via WriteData/EmptyTransfer, for test assertions.
func (w *window) DrainToHost(max int) []uint16 {
	out := make([]uint16, 0, max)
	for i := 0; i < max; i++ {
		select {
		case word := <-w.toHostCh:
			out = append(out, word)
		default:
			return out
		}
	}
	return out
}

// SendCount returns the last value written to the send-count register,
// for test assertions against TMBCR/send-count interactions.
func (w *window) SendCount() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sendCount
}

// Attached returns the current drive-presence bitmap, for test
// assertions against the bus's attached-bitmap mirroring invariant.
func (w *window) Attached() uint8 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attached
}

// SetAlmostFull toggles the to-host-almost-full status bit, letting
// tests exercise WriteData's backpressure timeout path.
func (w *window) SetAlmostFull(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if on {
		w.fifoStatus |= ToHostAlmostFull
	} else {
		w.fifoStatus &^= ToHostAlmostFull
	}
}
