// Package vdi implements the dynamic VirtualBox Disk Image format.
//
// A dynamic VDI file is a 512-byte header, a table of 32-bit slot indexes (one per
// block of the virtual disk), and an arena of blocks appended in the order they
// were first written. All integers are little-endian.
package vdi

import (
	"encoding/binary"
)

const (
	Signature   = uint32(0xBEDA107F)
	Version     = uint32(0x00010001)
	HeaderSize  = uint32(400)
	TypeDynamic = uint32(1)
	TypeFixed   = uint32(2)

	DefaultBlockSize = uint32(1 << 20)
	MinBlockSize     = uint32(1 << 14)

	headerLength = 512
	// The header proper ends at 72 + HeaderSize. The padding after it is ours.
	markerOffset = 472

	absentEntry = uint32(0xFFFFFFFF)
	zeroEntry   = uint32(0xFFFFFFFE)
)

const fileInfo = "<<< Oracle VM VirtualBox Disk Image >>>\n"

var byteOrder = binary.LittleEndian

// RawHeader is the on-disk representation of a VDI header, version 1.1.
type RawHeader struct {
	FileInfo        [64]byte
	Signature       uint32
	Version         uint32
	HeaderSize      uint32
	ImageType       uint32
	ImageFlags      uint32
	Comment         [256]byte
	OffsetBlocks    uint32
	OffsetData      uint32
	Cylinders       uint32
	Heads           uint32
	Sectors         uint32
	SectorSize      uint32
	Unused1         uint32
	DiskSize        uint64
	BlockSize       uint32
	BlockExtraSize  uint32
	BlocksCount     uint32
	BlocksAllocated uint32
	UUIDCreate      [16]byte
	UUIDModify      [16]byte
	UUIDLinkage     [16]byte
	UUIDParentMod   [16]byte
	LCylinders      uint32
	LHeads          uint32
	LSectors        uint32
	LSectorSize     uint32
	Unused2         [40]byte
}
