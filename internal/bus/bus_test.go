package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"massbuscore/internal/bridge"
	"massbuscore/internal/drive"
	"massbuscore/internal/regtype"
)

func diskBus(t *testing.T) (*Bus, bridge.Bridge) {
	t.Helper()
	br := bridge.NewOffline("b")
	f := bridge.VHDLDisk
	b := New('A', br, &f)
	return b, br
}

func tapeBus(t *testing.T) (*Bus, bridge.Bridge) {
	t.Helper()
	// A virtual (not offline) bridge, so that the service loop's
	// WaitCommand actually reads the command FIFO.
	br := bridge.NewVirtual("b")
	br.SetVHDLFamily(bridge.VHDLTape)
	b := New('A', br, nil)
	return b, br
}

// After connecting a drive to a unit, the bus's attached bitmap has
// exactly the bit for that unit set, matching UnitsConnected.
func TestConnectUpdatesAttachedBitmap(t *testing.T) {
	b, br := diskBus(t)
	typ, ok := regtype.Lookup("RP06")
	require.True(t, ok)

	d := drive.NewDisk(3, "dra3", 1, false, 'A', br, typ)
	require.NoError(t, b.Connect(3, d))

	assert.Equal(t, uint8(1<<3), br.Attached())
	assert.Equal(t, 1, b.UnitsConnected())

	require.NoError(t, b.Disconnect(3))
	assert.Equal(t, uint8(0), br.Attached())
	assert.Equal(t, 0, b.UnitsConnected())
}

func TestConnectRejectsIncompatibleFamily(t *testing.T) {
	b, br := diskBus(t)
	typ, ok := regtype.Lookup("TU78")
	require.True(t, ok)
	d := drive.NewTape(0, "mta0", 1, false, 'A', br, typ)
	assert.ErrorIs(t, b.Connect(0, d), ErrIncompatible)
}

func TestConnectRejectsOccupiedSlot(t *testing.T) {
	b, br := diskBus(t)
	typ, _ := regtype.Lookup("RP06")
	require.NoError(t, b.Connect(0, drive.NewDisk(0, "a", 1, false, 'A', br, typ)))
	assert.ErrorIs(t, b.Connect(0, drive.NewDisk(0, "b", 2, false, 'A', br, typ)), ErrSlotOccupied)
}

func TestFindByAlias(t *testing.T) {
	b, br := diskBus(t)
	typ, _ := regtype.Lookup("RP06")
	require.NoError(t, b.Connect(2, drive.NewDisk(2, "dra2", 1, false, 'A', br, typ)))

	d, unit, ok := b.FindByAlias("dra2")
	require.True(t, ok)
	assert.Equal(t, 2, unit)
	assert.Equal(t, 2, d.Base().Unit)

	_, _, ok = b.FindByAlias("nope")
	assert.False(t, ok)
}

func TestSpinUpSpinDownUnderGate(t *testing.T) {
	b, br := diskBus(t)
	typ, _ := regtype.Lookup("RP06")
	require.NoError(t, b.Connect(0, drive.NewDisk(0, "dra0", 1, false, 'A', br, typ)))

	require.ErrorIs(t, b.SpinUp(0), drive.ErrNotAttached)

	d, _ := b.Unit(0)
	dir := t.TempDir()
	require.NoError(t, b.AttachImage(0, dir+"/disk0.img"))

	require.NoError(t, b.SpinUp(0))
	assert.True(t, d.Base().Online)

	require.NoError(t, b.SpinDown(0))
	assert.False(t, d.Base().Online)
}

func TestWithUnitOnEmptySlot(t *testing.T) {
	b, _ := diskBus(t)
	assert.ErrorIs(t, b.SpinUp(0), ErrSlotEmpty)
}

// Exercised end to end through the bus's service loop: one command
// injected into the bridge's FIFO is picked up and dispatched to the
// connected tape drive.
func TestServiceLoopDispatchesOnce(t *testing.T) {
	b, br := tapeBus(t)
	typ, _ := regtype.Lookup("TU78")
	d := drive.NewTape(0, "mta0", 7, false, 'A', br, typ)
	require.NoError(t, b.Connect(0, d))

	w, ok := br.(interface{ InjectCommand(uint32) })
	require.True(t, ok)

	b.BeginService()
	defer func() {
		b.RequestStop()
		b.WaitStop()
	}()

	// SENSE against TMMCR2 (slave 2, a non-existent transport).
	// motionFinish writes TMMIR's register row for that slave to
	// (codeDone=0)|(slave<<8), distinguishable from the all-zero reset
	// state.
	const regTMMCR2 = 10
	const regTMMIR = 7
	const motionSense = 1
	cmd := bridge.CmdValidBit | uint32(regTMMCR2<<19) | uint32(0<<16) | uint32(motionSense<<8)
	w.InjectCommand(cmd)

	require.Eventually(t, func() bool {
		return br.ReadReg(2, regTMMIR) == 0x0200
	}, 2*time.Second, 5*time.Millisecond, "service loop did not dispatch the injected command")
}

func TestIsCompatible(t *testing.T) {
	b, _ := diskBus(t)
	assert.True(t, b.IsCompatible(drive.KindDisk))
	assert.False(t, b.IsCompatible(drive.KindTape))
}
