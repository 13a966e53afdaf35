package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Register read-modify-write operations preserve bits outside the
// supplied mask.
func TestRegisterBitOpsPreserveOutsideMask(t *testing.T) {
	w := NewOffline("t")
	w.WriteReg(0, 0, 0xFFFF)

	w.ClearBits(0, 0, 0x00FF)
	assert.Equal(t, uint16(0xFF00), w.ReadReg(0, 0))

	w.SetBits(0, 0, 0x000F)
	assert.Equal(t, uint16(0xFF0F), w.ReadReg(0, 0))

	w.ToggleBits(0, 0, 0xFFFF)
	assert.Equal(t, uint16(0x00F0), w.ReadReg(0, 0))
}

func TestWriteRegOverwritesWhole16Bits(t *testing.T) {
	w := NewOffline("t")
	w.WriteReg(3, 5, 0xABCD)
	assert.Equal(t, uint16(0xABCD), w.ReadReg(3, 5))
	w.WriteReg(3, 5, 0x0001)
	assert.Equal(t, uint16(0x0001), w.ReadReg(3, 5))
}

// A command-FIFO read is destructive: a second consecutive read
// returns a non-valid word.
func TestCommandFIFODestructiveRead(t *testing.T) {
	w := NewVirtual("t")
	w.InjectCommand(CmdValidBit | uint32(0x1234))

	first := w.WaitCommand(context.Background(), 50)
	require.True(t, DecodeCommand(first).Valid)

	second := w.pollCommand()
	assert.False(t, DecodeCommand(second).Valid, "second read of the same FIFO slot must not repeat the descriptor")
}

func TestWaitCommandOfflineSleepsAndReturnsTimeout(t *testing.T) {
	w := NewOffline("t")
	start := time.Now()
	word := w.WaitCommand(context.Background(), 20)
	assert.Equal(t, Timeout, word)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestWaitCommandFastPath(t *testing.T) {
	w := NewVirtual("t")
	w.InjectCommand(CmdValidBit | 0x55)
	word := w.WaitCommand(context.Background(), 200)
	cmd := DecodeCommand(word)
	require.True(t, cmd.Valid)
	assert.Equal(t, uint16(0x55), cmd.Value)
}

func TestWaitCommandSpuriousInterruptReturnsTimeout(t *testing.T) {
	w := NewVirtual("t")
	done := make(chan uint32, 1)
	go func() {
		done <- w.WaitCommand(context.Background(), 100)
	}()
	// Give WaitCommand time to reach the interrupt-wait select before
	// waking it with nothing in the FIFO.
	time.Sleep(10 * time.Millisecond)
	w.SignalSpuriousInterrupt()

	select {
	case word := <-done:
		assert.Equal(t, Timeout, word)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("WaitCommand did not return after spurious interrupt")
	}
}

func TestDecodeCommandFields(t *testing.T) {
	word := uint32(CmdValidBit | CmdEndOfBlock | (5 << cmdRegShift) | (3 << cmdUnitShift) | 0xBEEF)
	cmd := DecodeCommand(word)
	assert.True(t, cmd.Valid)
	assert.True(t, cmd.EndOfBlock)
	assert.Equal(t, 5, cmd.Register)
	assert.Equal(t, 3, cmd.Unit)
	assert.Equal(t, uint16(0xBEEF), cmd.Value)
}

func TestReadDataMasksTo18Bits(t *testing.T) {
	w := NewOffline("t")
	w.SupplyData(0x3FFFF, 0x00001)

	out := make([]uint16, 2)
	err := w.ReadData(0, out, 2, true)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x3FFFF, 0x1}, out)
	assert.Equal(t, uint32(2), w.SendCount())
}

func TestReadDataTimeoutWhenFIFOStaysEmpty(t *testing.T) {
	w := NewOffline("t")
	out := make([]uint16, 1)
	err := w.ReadData(0, out, 1, false)
	assert.ErrorIs(t, err, ErrFIFOTimeout)
}

func TestWriteDataBackpressureTimeout(t *testing.T) {
	w := NewOffline("t")
	w.SetAlmostFull(true)
	err := w.WriteData(0, []uint16{1}, 1, false, false)
	assert.ErrorIs(t, err, ErrFIFOTimeout)
}

func TestWriteDataBypassBackpressure(t *testing.T) {
	w := NewOffline("t")
	w.SetAlmostFull(true)
	err := w.WriteData(0, []uint16{0x3FFFF}, 1, false, true)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x3FFFF}, w.DrainToHost(1))
}

func TestEmptyTransferSendsZeroLengthRecord(t *testing.T) {
	w := NewOffline("t")
	require.NoError(t, w.EmptyTransfer(0, true))
	assert.Equal(t, uint32(ForceException), w.SendCount())
	assert.Equal(t, []uint16{0}, w.DrainToHost(1))
}

func TestSetGeometryEncoding(t *testing.T) {
	w := NewOffline("t")
	w.SetGeometry(0, 815, 19, 22)
	assert.Equal(t, EncodeGeometry(815, 19, 22), w.geometry[0])
}

func TestSetAttached(t *testing.T) {
	w := NewOffline("t")
	w.SetAttached(0b0000_0101)
	assert.Equal(t, uint8(0b0000_0101), w.attached)
}
