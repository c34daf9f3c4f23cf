// Package vhd implements dynamic Virtual Hard Disk images.
//
// A dynamic VHD file starts with a copy of the 512-byte footer, followed by a
// 1024-byte dynamic header, the block allocation table (BAT) and the data arena.
// Each arena slot is a sector bitmap followed by the block's data. The footer is
// repeated at the very end of the file. All integers are big-endian.
package vhd

import (
	"encoding/binary"
	"time"

	c "github.com/dargueta/compactvd/images/common"
)

const (
	FooterCookie = "conectix"
	HeaderCookie = "cxsparse"

	DiskTypeFixed        = uint32(2)
	DiskTypeDynamic      = uint32(3)
	DiskTypeDifferencing = uint32(4)

	DefaultBlockSize = uint32(2 << 20)
	MinBlockSize     = uint32(4096)

	footerLength = 512
	headerLength = 1024
	// Offset of Reserved2 in the dynamic header.
	markerOffsetInHeader = 768

	formatVersion  = uint32(0x00010000)
	headerVersion  = uint32(0x00010000)
	featureDefault = uint32(2)
	noDataOffset   = uint64(0xFFFFFFFFFFFFFFFF)
	absentEntry    = uint32(0xFFFFFFFF)
)

var byteOrder = binary.BigEndian

// VHD timestamps count seconds from 2000-01-01 00:00:00 UTC.
var epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// RawFooter is the on-disk representation of the hard disk footer.
type RawFooter struct {
	Cookie          [8]byte
	Features        uint32
	FormatVersion   uint32
	DataOffset      uint64
	Timestamp       uint32
	CreatorApp      [4]byte
	CreatorVersion  uint32
	CreatorHostOS   uint32
	OriginalSize    uint64
	CurrentSize     uint64
	Cylinders       uint16
	Heads           uint8
	SectorsPerTrack uint8
	DiskType        uint32
	Checksum        uint32
	UniqueID        [16]byte
	SavedState      uint8
	Reserved        [427]byte
}

// RawHeader is the on-disk representation of the dynamic disk header.
type RawHeader struct {
	Cookie            [8]byte
	DataOffset        uint64
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	Checksum          uint32
	ParentUniqueID    [16]byte
	ParentTimestamp   uint32
	Reserved1         uint32
	ParentUnicodeName [512]byte
	ParentLocators    [8][24]byte
	Reserved2         [256]byte
}

// checksum is the one's complement of the sum of all bytes of a structure, with
// its checksum field taken as zero.
func checksum(data []byte, checksumOffset int) uint32 {
	sum := uint32(0)
	for i, b := range data {
		if i >= checksumOffset && i < checksumOffset+4 {
			continue
		}
		sum += uint32(b)
	}
	return ^sum
}

const (
	footerChecksumOffset = 64
	headerChecksumOffset = 36
)

func encodeFooter(footer RawFooter) ([]byte, error) {
	footer.Checksum = 0
	data, err := c.EncodeStruct(byteOrder, footerLength, &footer)
	if err != nil {
		return nil, err
	}
	byteOrder.PutUint32(data[footerChecksumOffset:], checksum(data, footerChecksumOffset))
	return data, nil
}

func encodeHeader(header RawHeader) ([]byte, error) {
	header.Checksum = 0
	data, err := c.EncodeStruct(byteOrder, headerLength, &header)
	if err != nil {
		return nil, err
	}
	byteOrder.PutUint32(data[headerChecksumOffset:], checksum(data, headerChecksumOffset))
	return data, nil
}

// Geometry computes the CHS geometry the VHD specification assigns to a disk of
// `diskSize` bytes.
func Geometry(diskSize int64) (cylinders uint16, heads uint8, sectorsPerTrack uint8) {
	totalSectors := diskSize / c.SectorSize
	if totalSectors > 65535*16*255 {
		totalSectors = 65535 * 16 * 255
	}

	var spt, h, cylinderTimesHeads int64
	if totalSectors >= 65535*16*63 {
		spt = 255
		h = 16
		cylinderTimesHeads = totalSectors / spt
	} else {
		spt = 17
		cylinderTimesHeads = totalSectors / spt
		h = (cylinderTimesHeads + 1023) / 1024
		if h < 4 {
			h = 4
		}
		if cylinderTimesHeads >= h*1024 || h > 16 {
			spt = 31
			h = 16
			cylinderTimesHeads = totalSectors / spt
		}
		if cylinderTimesHeads >= h*1024 {
			spt = 63
			h = 16
			cylinderTimesHeads = totalSectors / spt
		}
	}
	return uint16(cylinderTimesHeads / h), uint8(h), uint8(spt)
}

// Timestamp converts a time to VHD's format.
func Timestamp(t time.Time) uint32 {
	return uint32(t.Sub(epoch) / time.Second)
}
