package vdi

import (
	"fmt"
	"io"
	"math"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/google/uuid"
)

const TypeName = "VDI"

// Format is a parsed dynamic VDI image.
type Format struct {
	header RawHeader
	table  *c.SlotTable
}

// Probe parses the header and block table of a VDI file of `fileLength` bytes.
//
// Fixed-size VDI files are reported as [compactvd.ErrWrongFormat] since they're
// handled as flat images. Differencing and other exotic variants are
// [compactvd.ErrNotSupported].
func Probe(reader io.ReaderAt, fileLength int64) (*Format, error) {
	rawHeader, err := c.ReadSignature(reader, 0, headerLength, TypeName)
	if err != nil {
		return nil, err
	}

	format := &Format{}
	err = c.DecodeStruct(byteOrder, rawHeader, &format.header)
	if err != nil {
		return nil, compactvd.ErrIOFailed.Wrap(err)
	}

	header := &format.header
	if header.Signature != Signature {
		return nil, compactvd.ErrWrongFormat.WithMessage(
			fmt.Sprintf("%s: bad signature 0x%08x", TypeName, header.Signature))
	}
	if header.Version>>16 != Version>>16 {
		return nil, compactvd.ErrNotSupported.WithMessage(
			fmt.Sprintf("%s: version 0x%08x", TypeName, header.Version))
	}
	if header.ImageType == TypeFixed {
		return nil, compactvd.ErrWrongFormat.WithMessage(
			fmt.Sprintf("%s: fixed-size image", TypeName))
	}
	if header.ImageType != TypeDynamic {
		return nil, compactvd.ErrNotSupported.WithMessage(
			fmt.Sprintf("%s: image type %d", TypeName, header.ImageType))
	}

	err = format.validate(fileLength)
	if err != nil {
		return nil, err
	}

	tableBytes, err := c.ReadMetadata(
		reader,
		int64(header.OffsetBlocks),
		int(header.BlocksCount)*4,
		"VDI block table",
	)
	if err != nil {
		return nil, err
	}

	format.table, err = c.DecodeSlotTable(
		c.DecodeEntries(byteOrder, tableBytes, int(header.BlocksCount)),
		header.BlocksAllocated,
		decodeEntry,
	)
	if err != nil {
		return nil, err
	}
	return format, nil
}

func (format *Format) validate(fileLength int64) error {
	header := &format.header
	problem := ""

	switch {
	case header.HeaderSize == 0 || header.HeaderSize > HeaderSize:
		problem = fmt.Sprintf("header size %d", header.HeaderSize)
	case header.SectorSize != c.SectorSize:
		problem = fmt.Sprintf("sector size %d", header.SectorSize)
	case header.ImageFlags != 0:
		problem = fmt.Sprintf("image flags 0x%x", header.ImageFlags)
	case header.BlockExtraSize != 0:
		problem = fmt.Sprintf("block extra size %d", header.BlockExtraSize)
	case header.BlockSize < MinBlockSize || !c.IsPowerOfTwo(int64(header.BlockSize)):
		problem = fmt.Sprintf("block size %d", header.BlockSize)
	case header.DiskSize == 0 || header.DiskSize > math.MaxInt64:
		problem = fmt.Sprintf("disk size %d", header.DiskSize)
	case c.CeilDiv(int64(header.DiskSize), int64(header.BlockSize)) != int64(header.BlocksCount):
		problem = fmt.Sprintf(
			"%d blocks of %d bytes don't cover a disk of %d bytes",
			header.BlocksCount,
			header.BlockSize,
			header.DiskSize,
		)
	case header.BlocksAllocated > header.BlocksCount:
		problem = fmt.Sprintf(
			"%d blocks allocated but only %d in the disk",
			header.BlocksAllocated,
			header.BlocksCount,
		)
	case header.OffsetBlocks < headerLength:
		problem = fmt.Sprintf("block table at offset %d overlaps header", header.OffsetBlocks)
	case int64(header.OffsetData) < int64(header.OffsetBlocks)+4*int64(header.BlocksCount):
		problem = fmt.Sprintf(
			"data at offset %d overlaps block table at %d",
			header.OffsetData,
			header.OffsetBlocks,
		)
	case fileLength < format.FileLength(header.BlocksAllocated):
		problem = fmt.Sprintf(
			"file is %d bytes, expected at least %d",
			fileLength,
			format.FileLength(header.BlocksAllocated),
		)
	}

	if problem != "" {
		return compactvd.ErrCorruptMetadata.WithMessage(TypeName + ": " + problem)
	}
	return nil
}

func decodeEntry(entry uint32) (c.PhysicalSlot, error) {
	if entry == absentEntry || entry == zeroEntry {
		return c.AbsentSlot, nil
	}
	return c.PhysicalSlot(entry), nil
}

func encodeEntry(slot c.PhysicalSlot) uint32 {
	if slot == c.AbsentSlot {
		return absentEntry
	}
	return uint32(slot)
}

// New creates the metadata of an empty dynamic VDI image. If `blockSize` is 0 the
// VirtualBox default of 1 MiB is used.
func New(diskSize int64, blockSize uint32) (*Format, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < MinBlockSize || !c.IsPowerOfTwo(int64(blockSize)) {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: invalid block size %d", TypeName, blockSize))
	}
	if diskSize <= 0 || diskSize%c.SectorSize != 0 {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: disk size %d isn't a multiple of %d", TypeName, diskSize, c.SectorSize))
	}

	blocksCount := c.CeilDiv(diskSize, int64(blockSize))
	// Metadata is aligned to the block size, capped at 1 MiB like VirtualBox does.
	alignment := int64(min(blockSize, DefaultBlockSize))
	offsetBlocks := alignment
	offsetData := c.RoundUp(offsetBlocks+4*blocksCount, alignment)
	if offsetData > math.MaxUint32 {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: disk size %d needs too many blocks", TypeName, diskSize))
	}

	format := &Format{
		header: RawHeader{
			Signature:    Signature,
			Version:      Version,
			HeaderSize:   HeaderSize,
			ImageType:    TypeDynamic,
			OffsetBlocks: uint32(offsetBlocks),
			OffsetData:   uint32(offsetData),
			SectorSize:   c.SectorSize,
			DiskSize:     uint64(diskSize),
			BlockSize:    blockSize,
			BlocksCount:  uint32(blocksCount),
			LSectorSize:  c.SectorSize,
		},
		table: c.NewSlotTable(uint32(blocksCount)),
	}
	copy(format.header.FileInfo[:], fileInfo)

	createID := uuid.New()
	modifyID := uuid.New()
	copy(format.header.UUIDCreate[:], createID[:])
	copy(format.header.UUIDModify[:], modifyID[:])
	return format, nil
}

func (format *Format) Type() string {
	return TypeName
}

func (format *Format) DiskSize() int64 {
	return int64(format.header.DiskSize)
}

func (format *Format) BlockSize() uint32 {
	return format.header.BlockSize
}

func (format *Format) Table() c.BlockTable {
	return format.table
}

func (format *Format) Sparse() bool {
	return true
}

func (format *Format) SlotOffset(slot c.PhysicalSlot) int64 {
	return int64(format.header.OffsetData) + int64(slot)*int64(format.header.BlockSize)
}

func (format *Format) SlotLength() int64 {
	return int64(format.header.BlockSize)
}

func (format *Format) DataOffset(slot c.PhysicalSlot) int64 {
	return format.SlotOffset(slot)
}

func (format *Format) SlotPrefix() []byte {
	return nil
}

func (format *Format) FileLength(slots uint32) int64 {
	return format.SlotOffset(c.PhysicalSlot(slots))
}

func (format *Format) encodeHeader(marker []byte) (c.Chunk, error) {
	header := format.header
	header.BlocksAllocated = format.table.Allocated()
	copy(header.Unused2[:], marker)

	data, err := c.EncodeStruct(byteOrder, headerLength, &header)
	if err != nil {
		return c.Chunk{}, err
	}
	return c.Chunk{Offset: 0, Data: data}, nil
}

func (format *Format) Metadata() ([]c.Chunk, error) {
	tableChunk := c.Chunk{
		Offset: int64(format.header.OffsetBlocks),
		Data: c.EncodeEntries(
			byteOrder,
			format.table.Encode(encodeEntry),
			int(format.header.BlocksCount)*4,
			0xFF,
		),
	}

	headerChunk, err := format.encodeHeader(make([]byte, c.MarkerSize))
	if err != nil {
		return nil, err
	}
	return []c.Chunk{tableChunk, headerChunk}, nil
}

func (format *Format) MarkerOffset() int64 {
	return markerOffset
}

func (format *Format) WithMarker(marker []byte) (c.Chunk, error) {
	err := c.CheckMarker(marker)
	if err != nil {
		return c.Chunk{}, err
	}
	return format.encodeHeader(marker)
}
