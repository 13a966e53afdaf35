// Package fiddler implements the TM78 bit-fiddler codec: the
// translation between 8-bit tape frames and 18-bit MASSBUS half-words
// via an intermediate 36-bit word, in both densities and both
// directions. The byte packing follows the same manual bit-shifting
// style as a little-endian word assembler, generalized from 32-bit
// words to the 36-bit/18-bit non-byte-aligned format a real
// bit-twiddling library has no notion of.
package fiddler

import "massbuscore/internal/logctx"

// Format selects the byte group size and bit layout.
type Format int

const (
	Format10Compatible Format = iota // 4 bytes -> 36-bit word, low 4 bits zero
	Format10CoreDump                 // 5 bytes -> 36-bit word, low nibble of 5th byte carried
	FormatUnsupported
)

// GroupSize returns the number of input bytes assembled into one
// 36-bit word for this format.
func (f Format) GroupSize() int {
	switch f {
	case Format10Compatible:
		return 4
	case Format10CoreDump:
		return 5
	default:
		return 0
	}
}

// MAXSKIP is the slack a caller must pad its byte buffer with beyond
// the requested length, to absorb fiddler overrun when the record
// length is not a multiple of the group size.
const MAXSKIP = 10

var log = logctx.Root.WithField("component", "fiddler")

func assemble36(f Format, b []byte) uint64 {
	word := uint64(b[0])<<28 | uint64(b[1])<<20 | uint64(b[2])<<12 | uint64(b[3])<<4
	if f == Format10CoreDump {
		word |= uint64(b[4]) & 0xF
	}
	return word & 0xFFFFFFFFF // 36 bits
}

func disassemble36(f Format, word uint64, out []byte) {
	out[0] = byte(word >> 28)
	out[1] = byte(word >> 20)
	out[2] = byte(word >> 12)
	out[3] = byte(word >> 4)
	if f == Format10CoreDump {
		out[4] = byte(word & 0xF)
	}
}

// SplitHalves breaks a 36-bit word into its left (bits 35..18) and
// right (bits 17..0) 18-bit halves, the same left-then-right
// convention used by the disk drive's 18-bit sector codec, minus the
// fiddler's record-level byte grouping.
func SplitHalves(word uint64) (left, right uint32) {
	return uint32((word >> 18) & 0x3FFFF), uint32(word & 0x3FFFF)
}

// JoinHalves is the inverse of SplitHalves.
func JoinHalves(left, right uint32) uint64 {
	return (uint64(left&0x3FFFF) << 18) | uint64(right&0x3FFFF)
}

func roundUp(n, group int) int {
	if group == 0 {
		return n
	}
	rem := n % group
	if rem == 0 {
		return n
	}
	return n + (group - rem)
}

// Encode8to18 converts a byte-oriented tape record into MASSBUS
// 18-bit half-words. logicalLen is the true record length; in must
// have at least roundUp(logicalLen, group size) bytes available (the
// caller's working buffer is over-allocated by MAXSKIP to guarantee
// this even when logicalLen is not a multiple of the group size).
//
// Forward: bytes are consumed in ascending order, emitting
// (left, right) half-word pairs in order.
//
// Reverse: the record length is rounded up to the group size, the
// last group is assembled first and groups are walked backwards, with
// each pair emitted (right, left) swapped, so that reading a record
// forward and fiddling forward yields the same 36-bit word sequence as
// reading it in reverse and fiddling in reverse, just reversed.
func Encode8to18(f Format, in []byte, logicalLen int, reverse bool) []uint32 {
	group := f.GroupSize()
	if group == 0 {
		log.WithField("format", f).Error("unsupported fiddler format")
		return nil
	}

	length := roundUp(logicalLen, group)
	if length > len(in) {
		log.Error("fiddler input buffer shorter than padded record length")
		return nil
	}
	out := make([]uint32, 0, 2*(length/group))

	if !reverse {
		for i := 0; i < length; i += group {
			word := assemble36(f, in[i:i+group])
			l, r := SplitHalves(word)
			out = append(out, l, r)
		}
		return out
	}

	for i := length - group; i >= 0; i -= group {
		word := assemble36(f, in[i:i+group])
		l, r := SplitHalves(word)
		out = append(out, r, l)
	}
	return out
}

// Decode18to8 is the inverse of Encode8to18: it consumes pairs of
// 18-bit half-words and emits group-size byte groups. Only the forward
// direction is ever used for writes, since there is no write-reverse
// command; halves must be even in length.
func Decode18to8(f Format, halves []uint32) []byte {
	group := f.GroupSize()
	if group == 0 {
		log.WithField("format", f).Error("unsupported fiddler format")
		return nil
	}
	if len(halves)%2 != 0 {
		log.Error("odd half-word count passed to bit fiddler decode")
		return nil
	}

	out := make([]byte, 0, group*(len(halves)/2))
	buf := make([]byte, group)
	for i := 0; i+1 < len(halves); i += 2 {
		word := JoinHalves(halves[i], halves[i+1])
		disassemble36(f, word, buf)
		out = append(out, buf...)
	}
	return out
}
