// Package common contains definitions of fundamental types and functions used
// across multiple image format implementations.
package common

import "math"

// LogicalBlock is the index of a block in the virtual device's address space.
type LogicalBlock uint32

// PhysicalSlot is the index of a block in an image file's data arena.
type PhysicalSlot uint32

const AbsentSlot = PhysicalSlot(math.MaxUint32)
const AbsentBlock = LogicalBlock(math.MaxUint32)

// SectorSize is the only sector size the supported formats use.
const SectorSize = 512

// MarkerSize is the size of the one-shot journal marker every sparse format
// reserves room for in its header.
const MarkerSize = 24

// Chunk is a run of bytes at an absolute offset in an image file.
type Chunk struct {
	Offset int64  `cbor:"1,keyasint"`
	Data   []byte `cbor:"2,keyasint"`
}

// End returns the offset one past the last byte of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// CeilDiv divides two positive numbers, rounding up.
func CeilDiv(numerator, denominator int64) int64 {
	return (numerator + denominator - 1) / denominator
}

// RoundUp rounds `value` up to the next multiple of `alignment`.
func RoundUp(value, alignment int64) int64 {
	return CeilDiv(value, alignment) * alignment
}

func IsPowerOfTwo(value int64) bool {
	return value > 0 && value&(value-1) == 0
}

// IsZero returns true if every byte in the buffer is zero.
func IsZero(buffer []byte) bool {
	for _, b := range buffer {
		if b != 0 {
			return false
		}
	}
	return true
}
