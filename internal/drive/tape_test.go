package drive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"massbuscore/internal/bridge"
	"massbuscore/internal/image"
	"massbuscore/internal/regtype"
)

type fixtureItem struct {
	data []byte
	mark bool
}

func rec(s string) fixtureItem  { return fixtureItem{data: []byte(s)} }
func mark() fixtureItem         { return fixtureItem{mark: true} }

func writeTapeFixture(t *testing.T, path string, items ...fixtureItem) {
	t.Helper()
	img, err := image.OpenTape(path)
	require.NoError(t, err)
	for _, it := range items {
		if it.mark {
			require.NoError(t, img.WriteMark())
		} else {
			require.NoError(t, img.WriteRecord(it.data))
		}
	}
	require.NoError(t, img.Close())
}

func newTestTape(t *testing.T, readOnly bool, items ...fixtureItem) (*Tape, bridge.Bridge, string) {
	t.Helper()
	typ, ok := regtype.Lookup("TU78")
	require.True(t, ok)

	path := filepath.Join(t.TempDir(), "tape0.tap")
	writeTapeFixture(t, path, items...)

	br := bridge.NewOffline("b")
	tp := NewTape(0, "mta0", 55, readOnly, 'A', br, typ)
	tp.Clear()
	require.NoError(t, tp.Attach(path))
	require.NoError(t, tp.GoOnline())
	return tp, br, path
}

func setTCR(br bridge.Bridge, format, skip, records, slave int) {
	v := uint16(format) | uint16(skip)<<4 | uint16(records)<<8 | uint16(slave)<<11
	br.WriteReg(0, regTMTCR, v)
}

func readForward(tp *Tape, br bridge.Bridge, byteCount int) {
	setTCR(br, int(fiddlerFormat10Compatible), 0, 0, 0)
	br.WriteReg(0, regTMBCR, uint16(byteCount))
	tp.DoCommand(bridge.CommandWord{Register: regTMDCR, Unit: 0, Value: uint16(xferReadForward) << funcShift})
}

const fiddlerFormat10Compatible = 0

// Tape forward read across an exact-length record, a tape mark, and a
// short record.
func TestTapeReadForward_ShortRecordAndTapeMark(t *testing.T) {
	tp, br, _ := newTestTape(t, false, rec("hello"), mark(), rec("world!!"))
	w := br.(interface{ DrainToHost(int) []uint16 })

	readForward(tp, br, 5)
	assert.Equal(t, uint16(5), br.ReadReg(0, regTMBCR))
	assert.Equal(t, codeDone, br.ReadReg(0, regTMDIR)&0xFF)
	got := w.DrainToHost(16)
	assert.Len(t, got, 4) // 5 bytes padded to 8 -> two groups -> 4 halves

	readForward(tp, br, 5)
	assert.Equal(t, uint16(0), br.ReadReg(0, regTMBCR))
	assert.Equal(t, codeTapeMark, br.ReadReg(0, regTMDIR)&0xFF)
	got = w.DrainToHost(16)
	assert.Equal(t, []uint16{0}, got) // empty transfer, exception word discarded by bridge

	readForward(tp, br, 8)
	assert.Equal(t, uint16(7), br.ReadReg(0, regTMBCR))
	assert.Equal(t, codeShortRecord, br.ReadReg(0, regTMDIR)&0xFF)
	got = w.DrainToHost(16)
	assert.Len(t, got, 4)
}

// A reverse read at the very start of tape reports BOT and transfers
// nothing.
func TestTapeReadReverse_AtBOTReportsNoData(t *testing.T) {
	tp, br, _ := newTestTape(t, false, rec("hello"))
	w := br.(interface{ DrainToHost(int) []uint16 })

	setTCR(br, int(fiddlerFormat10Compatible), 0, 0, 0)
	br.WriteReg(0, regTMBCR, 5)
	tp.DoCommand(bridge.CommandWord{Register: regTMDCR, Unit: 0, Value: uint16(xferReadReverse) << funcShift})

	assert.Equal(t, codeBOT, br.ReadReg(0, regTMDIR)&0xFF)
	got := w.DrainToHost(16)
	assert.Equal(t, []uint16{0}, got)
}

// SPACE FORWARD RECORD stops early on a tape mark and reports the
// remaining count.
func TestTapeSpaceForward_StopsEarlyOnTapeMark(t *testing.T) {
	tp, br, _ := newTestTape(t, false, rec("aaaa"), rec("bbbb"), mark(), rec("cccc"))

	const regTMMCR0 = 8
	value := uint16(motionSpaceForwardRecord)<<funcShift | uint16(4)
	tp.DoCommand(bridge.CommandWord{Register: regTMMCR0, Unit: 0, Value: value})

	remaining := br.ReadReg(0, regTMMCR0) & motionCountMask
	assert.Equal(t, uint16(2), remaining)
	assert.Equal(t, codeTapeMark, br.ReadReg(0, regTMMIR)&0xFF)
}

// SENSE against a non-existent transport slave reports absent status
// but still completes.
func TestTapeSense_NonexistentSlaveReportsAbsent(t *testing.T) {
	tp, br, _ := newTestTape(t, false)

	const regTMMCR2 = 10
	value := uint16(motionSense) << funcShift
	tp.DoCommand(bridge.CommandWord{Register: regTMMCR2, Unit: 0, Value: value})

	assert.Equal(t, tp.base.Type.MassbusID, br.ReadReg(2, regTMDT))
	assert.Equal(t, uint16(0), br.ReadReg(2, regTMUS))
	assert.Equal(t, uint16(0), br.ReadReg(2, regTMSN))

	mir := br.ReadReg(2, regTMMIR)
	assert.Equal(t, codeDone, mir&0xFF)
	assert.Equal(t, uint16(2), (mir>>8)&0xFF)

	assert.Equal(t, uint16(0), br.ReadReg(2, regTMMCR2)&goBit)
}

// A write-class motion command against a read-only tape produces a
// FILE_PROTECT interrupt and leaves the image unchanged.
func TestTapeWriteMarkReadOnlyFileProtect(t *testing.T) {
	tp, br, path := newTestTape(t, true, rec("hello"))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	const regTMMCR0 = 8
	value := uint16(motionWriteMark) << funcShift
	tp.DoCommand(bridge.CommandWord{Register: regTMMCR0, Unit: 0, Value: value})

	assert.Equal(t, codeFileProtect, br.ReadReg(0, regTMMIR)&0xFF)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTapeOfflineMotionCommand(t *testing.T) {
	tp, br, _ := newTestTape(t, false, rec("hello"))
	tp.GoOffline()

	const regTMMCR0 = 8
	value := uint16(motionRewind) << funcShift
	tp.DoCommand(bridge.CommandWord{Register: regTMMCR0, Unit: 0, Value: value})
	assert.Equal(t, codeOffline, br.ReadReg(0, regTMMIR)&0xFF)
}

func TestTapeTransferRejectsUnsupportedSubfields(t *testing.T) {
	tp, br, _ := newTestTape(t, false, rec("hello"))

	setTCR(br, int(fiddlerFormat10Compatible), 1 /* skip != 0 */, 0, 0)
	br.WriteReg(0, regTMBCR, 5)
	tp.DoCommand(bridge.CommandWord{Register: regTMDCR, Unit: 0, Value: uint16(xferReadForward) << funcShift})

	assert.Equal(t, codeFaultA, br.ReadReg(0, regTMDIR)&0xFF)
}

func TestTapeWriteRecordAppends(t *testing.T) {
	tp, br, path := newTestTape(t, false)
	w := br.(interface{ SupplyData(...uint16) })

	// 4 bytes at 10-compatible -> 2 half-words.
	setTCR(br, int(fiddlerFormat10Compatible), 0, 0, 0)
	br.WriteReg(0, regTMBCR, 4)
	w.SupplyData(0o001020, 0o030040)

	tp.DoCommand(bridge.CommandWord{Register: regTMDCR, Unit: 0, Value: uint16(xferWrite) << funcShift})

	img, err := image.OpenTape(path)
	require.NoError(t, err)
	kind, actual, err := img.Read(image.Forward, make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, image.RecordData, kind)
	assert.Equal(t, 4, actual)
	require.NoError(t, img.Close())
}
