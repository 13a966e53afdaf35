package drive

import (
	"massbuscore/internal/bridge"
	"massbuscore/internal/fiddler"
	"massbuscore/internal/image"
	"massbuscore/internal/regtype"
)

// TM78 register indices. Only slave 0 of the four addressable
// motion-command registers has a real transport behind it in this
// emulator; TMMCR1..3 exist so the host can probe for (non-existent)
// slaves 1..3 via SENSE.
const (
	regTMDCR  = iota // data command: transfer function + GO
	regTMDIR         // data-transfer interrupt reason
	regTMTCR         // tape control: format/skip-count/record-count/slave
	regTMBCR         // byte count
	regTMDT          // drive type
	regTMUS          // unit status
	regTMSN          // serial (BCD)
	regTMMIR         // motion interrupt reason
	regTMMCR0        // motion command, slave 0
	regTMMCR1        // motion command, slave 1
	regTMMCR2        // motion command, slave 2
	regTMMCR3        // motion command, slave 3
	regTMHCR         // hardware control (formatter-clear bit)
)

// TMUS status bits.
const (
	usAvail uint16 = 1 << 0
	usPres  uint16 = 1 << 1
	usPE    uint16 = 1 << 2
	usOnl   uint16 = 1 << 3
	usRdy   uint16 = 1 << 4
	usBOT   uint16 = 1 << 5
	usEOT   uint16 = 1 << 6
	usFPT   uint16 = 1 << 7
)

// TMMCRx / TMDCR command-register layout: GO bit, function code, and
// (for motion registers) a repeat count. Real TM78 bit assignments are
// unspecified by the source material available here; this is the
// emulator's own internally consistent convention.
const (
	goBit       uint16 = 1 << 15
	funcShift          = 8
	funcMask           = 0x3F
	motionCountMask    = 0xFF
)

// Motion function codes, carried in a TMMCRx value.
const (
	motionSense int = iota + 1
	motionRewind
	motionUnload
	motionSpaceForwardRecord
	motionSpaceReverseRecord
	motionSpaceForwardFile
	motionSpaceReverseFile
	motionWriteMark
	motionEraseGap
)

// Transfer function codes, carried in a TMDCR value.
const (
	xferReadForward int = iota + 1
	xferReadReverse
	xferWrite
	xferReadExtendedSense
)

// Completion codes shared by TMMIR (motion) and TMDIR (data-transfer).
const (
	codeDone uint16 = iota
	codeTapeMark
	codeBOT
	codeEOT
	codeBadTape
	codeFaultA
	codeNotAvail
	codeOffline
	codeFileProtect
	codeUnreadable
	codeShortRecord
	codeLongRecord
)

// extendedSenseWords is the fixed reply size for READ EXTENDED SENSE:
// a fixed 30-half-word buffer of zeros.
const extendedSenseWords = 30

// Tape implements the TM78 command state machine. The transfer format
// (10-compatible vs 10-core-dump) is not drive-persistent state: the
// host selects it per transfer via TMTCR.
type Tape struct {
	base Base

	Image *image.TapeImage
}

// NewTape constructs a tape unit bound to a bridge and drive type.
func NewTape(unit int, alias string, serial uint16, readOnly bool, busLetter byte, br bridge.Bridge, t regtype.Type) *Tape {
	return &Tape{base: newBase(unit, alias, serial, readOnly, busLetter, br, t)}
}

func (t *Tape) Kind() Kind  { return KindTape }
func (t *Tape) Base() *Base { return &t.base }

// Clear resets the drive's register set.
func (t *Tape) Clear() {
	t.base.Bridge.WriteReg(t.base.Unit, regTMDIR, codeDone)
	t.base.Bridge.WriteReg(t.base.Unit, regTMMIR, codeDone)
	t.SetStatus(0)
	for slave := 1; slave < 4; slave++ {
		t.SetStatus(slave)
	}
}

func toBCD(v uint16) uint16 {
	var out uint16
	for shift := uint(0); shift < 16; shift += 4 {
		out |= (v % 10) << shift
		v /= 10
	}
	return out
}

// SetStatus recomputes TMDT/TMUS/TMSN for the given slave. TMDT is
// hard-wired regardless of slave, so even a non-existent slave reports
// the formatter's known family; TMUS/TMSN are real only for slave 0,
// zero for every other slave (a slave that is simply absent).
func (t *Tape) SetStatus(slave int) {
	br := t.base.Bridge
	br.WriteReg(slave, regTMDT, t.base.Type.MassbusID)

	if slave != 0 {
		br.WriteReg(slave, regTMUS, 0)
		br.WriteReg(slave, regTMSN, 0)
		return
	}

	status := usAvail | usPres | usPE
	if t.base.Online {
		status |= usOnl | usRdy
	}
	if t.Image != nil {
		if t.Image.AtBOT() {
			status |= usBOT
		}
		if t.Image.AtEOT() {
			status |= usEOT
		}
	}
	if t.base.ReadOnly {
		status |= usFPT
	}
	br.WriteReg(0, regTMUS, status)
	br.WriteReg(0, regTMSN, toBCD(t.base.Serial))
}

// GoOnline implements spin-up.
func (t *Tape) GoOnline() error {
	if t.Image == nil {
		return ErrNotAttached
	}
	t.base.Online = true
	t.SetStatus(0)
	return nil
}

// GoOffline implements spin-down/unload.
func (t *Tape) GoOffline() {
	t.base.Online = false
	t.SetStatus(0)
}

// Attach binds a tape container image to this unit.
func (t *Tape) Attach(path string) error {
	img, err := image.OpenTape(path)
	if err != nil {
		return err
	}
	t.Image = img
	t.SetStatus(0)
	return nil
}

// Detach releases the image owned by this drive.
func (t *Tape) Detach() error {
	if t.Image == nil {
		return nil
	}
	err := t.Image.Close()
	t.Image = nil
	t.SetStatus(0)
	return err
}

// motionFinish clears the GO bit of the slave's motion-command
// register and posts the completion code to TMMIR.
func (t *Tape) motionFinish(mcrReg, slave int, code uint16) {
	t.base.Bridge.ClearBits(slave, mcrReg, goBit)
	t.base.Bridge.WriteReg(slave, regTMMIR, code|uint16(slave)<<8)
	t.SetStatus(slave)
}

// dataFinish posts the completion code to TMDIR without touching GO in
// TMDCR: the bridge clears that bit itself on transfer completion.
func (t *Tape) dataFinish(code uint16) {
	dpr := uint16(0)
	if t.base.Unit == 0 {
		dpr = 1 << 8
	}
	t.base.Bridge.WriteReg(t.base.Unit, regTMDIR, code|dpr)
}

// DoCommand dispatches on which register the host wrote: TMDCR starts
// a transfer, TMMCR0..3 starts a motion command for that slave.
func (t *Tape) DoCommand(cmd bridge.CommandWord) {
	switch cmd.Register {
	case regTMDCR:
		t.doTransfer(cmd.Value)
	case regTMMCR0, regTMMCR1, regTMMCR2, regTMMCR3:
		slave := cmd.Register - regTMMCR0
		t.doMotion(cmd.Register, slave, cmd.Value)
	default:
		t.base.Log.WithField("register", cmd.Register).Warn("command against unrecognised tape register")
	}
}

// doMotion runs a motion command against the given slave. Slave 0's
// preflight online/writable checks apply to every motion function; any
// other slave answers only SENSE.
func (t *Tape) doMotion(mcrReg, slave int, value uint16) {
	fn := int((value >> funcShift) & funcMask)
	count := int(value & motionCountMask)
	if count == 0 {
		count = 1
	}

	if slave != 0 {
		if fn == motionSense {
			t.SetStatus(slave)
			t.motionFinish(mcrReg, slave, codeDone)
			return
		}
		t.motionFinish(mcrReg, slave, codeNotAvail)
		return
	}

	if !t.base.Online {
		t.motionFinish(mcrReg, slave, codeOffline)
		return
	}
	writes := fn == motionWriteMark || fn == motionEraseGap
	if writes && t.base.ReadOnly {
		t.motionFinish(mcrReg, slave, codeFileProtect)
		return
	}

	switch fn {
	case motionSense:
		t.SetStatus(0)
		t.motionFinish(mcrReg, slave, codeDone)
	case motionRewind:
		t.Image.Rewind()
		t.motionFinish(mcrReg, slave, codeDone)
	case motionUnload:
		t.motionFinish(mcrReg, slave, codeDone)
		t.Image.Rewind()
		t.GoOffline()
		t.Detach()
	case motionSpaceForwardRecord:
		t.handleSpace(mcrReg, slave, image.Forward, count, false)
	case motionSpaceReverseRecord:
		t.handleSpace(mcrReg, slave, image.Reverse, count, false)
	case motionSpaceForwardFile:
		t.handleSpace(mcrReg, slave, image.Forward, count, true)
	case motionSpaceReverseFile:
		t.handleSpace(mcrReg, slave, image.Reverse, count, true)
	case motionWriteMark:
		t.handleWriteMark(mcrReg, slave, count)
	case motionEraseGap:
		t.handleEraseGap(mcrReg, slave)
	default:
		t.motionFinish(mcrReg, slave, codeFaultA)
	}
}

// handleSpace skips n records (or, with byFile, n tape marks, passing
// over data records uncounted), stopping early on BOT/EOT or a framing
// error and, in record mode only, on a tape mark. It writes the
// remaining (un-skipped) count back into the motion register.
func (t *Tape) handleSpace(mcrReg, slave int, dir image.Direction, n int, byFile bool) {
	completed := 0
	var stopCode uint16 = codeDone

spaceLoop:
	for completed < n {
		kind, _, err := t.Image.Read(dir, nil)
		if err != nil {
			stopCode = codeBadTape
			break
		}
		switch kind {
		case image.RecordEOT:
			if dir == image.Forward {
				stopCode = codeEOT
			} else {
				stopCode = codeBOT
			}
			break spaceLoop
		case image.RecordMark:
			// Record-mode spacing treats a mark as an early interrupt
			// without crediting it as a completed skip. File-mode
			// spacing counts the mark itself as one file boundary
			// crossed and keeps going until the requested count of
			// files has been seen.
			if byFile {
				completed++
				if completed < n {
					continue spaceLoop
				}
				stopCode = codeDone
				break spaceLoop
			}
			stopCode = codeTapeMark
			break spaceLoop
		case image.RecordData:
			if !byFile {
				completed++
			}
			// File-mode spacing skips over data records without
			// counting them; only marks advance its count.
		}
	}

	remaining := n - completed
	if remaining < 0 {
		remaining = 0
	}
	t.base.Bridge.ClearBits(slave, mcrReg, motionCountMask)
	t.base.Bridge.SetBits(slave, mcrReg, uint16(remaining)&motionCountMask)
	t.motionFinish(mcrReg, slave, stopCode)
}

func (t *Tape) handleWriteMark(mcrReg, slave int, n int) {
	for i := 0; i < n; i++ {
		if err := t.Image.WriteMark(); err != nil {
			t.motionFinish(mcrReg, slave, codeBadTape)
			return
		}
	}
	t.motionFinish(mcrReg, slave, codeDone)
}

func (t *Tape) handleEraseGap(mcrReg, slave int) {
	if err := t.Image.Truncate(); err != nil {
		t.motionFinish(mcrReg, slave, codeBadTape)
		return
	}
	t.motionFinish(mcrReg, slave, codeDone)
}

// decodeTCR unpacks TMTCR's assembly-format/skip-count/record-count/
// slave-select subfields. Bit positions are this emulator's own
// convention, not a reproduction of the real TM78's TMTCR layout.
func (t *Tape) decodeTCR() (format fiddler.Format, skip, records, slave int) {
	v := t.base.Bridge.ReadReg(t.base.Unit, regTMTCR)
	format = fiddler.Format(v & 0xF)
	skip = int((v >> 4) & 0xF)
	records = int((v >> 8) & 0x7)
	slave = int((v >> 11) & 0x7)
	return
}

func (t *Tape) byteCount() int {
	v := int(t.base.Bridge.ReadReg(t.base.Unit, regTMBCR))
	if v == 0 {
		return 65536
	}
	return v
}

// doTransfer runs a TMDCR transfer command.
func (t *Tape) doTransfer(value uint16) {
	fn := int((value >> funcShift) & funcMask)

	format, skip, records, slave := t.decodeTCR()
	if slave != 0 || (format != fiddler.Format10Compatible && format != fiddler.Format10CoreDump) || skip != 0 || records > 1 {
		t.dataFinish(codeFaultA)
		return
	}

	switch fn {
	case xferReadForward:
		t.handleRead(image.Forward, format)
	case xferReadReverse:
		t.handleRead(image.Reverse, format)
	case xferWrite:
		t.handleWrite(format)
	case xferReadExtendedSense:
		halves := make([]uint16, extendedSenseWords)
		if err := t.base.Bridge.WriteData(t.base.Unit, halves, extendedSenseWords, false, true); err != nil {
			t.base.Log.WithError(err).Error("data FIFO write failed during extended sense")
		}
		t.dataFinish(codeDone)
	default:
		t.dataFinish(codeFaultA)
	}
}

// handleRead runs a read-forward or read-reverse transfer. The image
// layer always returns bytes in forward order regardless of dir; dir
// only selects which record is approached and whether the fiddler
// emits half-words swapped.
func (t *Tape) handleRead(dir image.Direction, format fiddler.Format) {
	if dir == image.Reverse && t.Image.AtBOT() {
		t.base.Bridge.WriteReg(t.base.Unit, regTMBCR, 0)
		t.dataFinish(codeBOT)
		t.base.Bridge.EmptyTransfer(t.base.Unit, true)
		return
	}

	requested := t.byteCount()
	buf := tapeWorkBuf(requested)

	kind, actual, err := t.Image.Read(dir, buf[:requested])
	if err != nil {
		t.base.Bridge.WriteReg(t.base.Unit, regTMBCR, 0)
		t.dataFinish(codeUnreadable)
		t.base.Bridge.EmptyTransfer(t.base.Unit, true)
		return
	}
	switch kind {
	case image.RecordMark:
		t.base.Bridge.WriteReg(t.base.Unit, regTMBCR, 0)
		t.dataFinish(codeTapeMark)
		t.base.Bridge.EmptyTransfer(t.base.Unit, true)
		return
	case image.RecordEOT:
		t.base.Bridge.WriteReg(t.base.Unit, regTMBCR, 0)
		t.dataFinish(codeEOT)
		t.base.Bridge.EmptyTransfer(t.base.Unit, true)
		return
	}

	xferLen := actual
	if xferLen > requested {
		xferLen = requested
	}

	t.base.Bridge.ClearBits(t.base.Unit, regTMTCR, 0x700) // record-count field
	t.base.Bridge.WriteReg(t.base.Unit, regTMBCR, uint16(actual))

	var code uint16
	switch {
	case actual == requested:
		code = codeDone
	case actual < requested:
		code = codeShortRecord
	default:
		code = codeLongRecord
	}
	t.dataFinish(code)

	halves := fiddler.Encode8to18(format, buf, xferLen, dir == image.Reverse)
	forceException := actual != requested
	if err := t.base.Bridge.WriteData(t.base.Unit, halves, len(halves), forceException, true); err != nil {
		t.base.Log.WithError(err).Error("data FIFO write failed during tape read")
	}
}

// tapeWorkBuf allocates a record buffer sized for the requested
// transfer length plus the fiddler's group-rounding slack.
func tapeWorkBuf(byteCount int) []byte {
	return make([]byte, byteCount+fiddler.MAXSKIP)
}

// handleWrite runs a write transfer: there is no write reverse, so
// this always uses the forward fiddler direction.
func (t *Tape) handleWrite(format fiddler.Format) {
	group := format.GroupSize()
	byteCount := t.byteCount()
	halfWordCount := (byteCount * 2) / group

	t.base.Bridge.ClearBits(t.base.Unit, regTMTCR, 0x700)
	t.dataFinish(codeDone)

	halves := make([]uint16, halfWordCount)
	if err := t.base.Bridge.ReadData(t.base.Unit, halves, halfWordCount, true); err != nil {
		t.base.Log.WithError(err).Error("data FIFO read failed during tape write")
		return
	}

	words := make([]uint32, halfWordCount)
	for i, v := range halves {
		words[i] = uint32(v)
	}

	data := fiddler.Decode18to8(format, words)
	if data == nil {
		return
	}
	if len(data) > byteCount {
		data = data[:byteCount]
	}

	if err := t.Image.WriteRecord(data); err != nil {
		t.base.Log.WithError(err).Error("image write failed during tape write")
	}
}
