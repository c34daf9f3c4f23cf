package vhd

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/google/uuid"
)

const TypeName = "VHD"

// Format is a parsed dynamic VHD image.
type Format struct {
	footer RawFooter
	header RawHeader
	table  *c.SlotTable
	// Sector where slot 0 of the data arena begins.
	arenaSector int64
}

func decodeFooter(data []byte) (RawFooter, error) {
	footer := RawFooter{}
	err := c.DecodeStruct(byteOrder, data, &footer)
	if err != nil {
		return footer, compactvd.ErrIOFailed.Wrap(err)
	}
	return footer, nil
}

// readFooter returns the footer at the end of the file, or the copy at the start
// if the one at the end is missing (e.g. an interrupted append). The second return
// value is the offset where the data arena ends.
func readFooter(reader io.ReaderAt, fileLength int64) (RawFooter, int64, error) {
	if fileLength < footerLength+headerLength {
		return RawFooter{}, 0, compactvd.ErrWrongFormat.WithMessage(
			fmt.Sprintf("%s: file too short (%d bytes)", TypeName, fileLength))
	}

	data, err := c.ReadSignature(reader, fileLength-footerLength, footerLength, TypeName)
	if err != nil {
		return RawFooter{}, 0, err
	}
	arenaEnd := fileLength - footerLength

	if string(data[:8]) != FooterCookie {
		data, err = c.ReadSignature(reader, 0, footerLength, TypeName)
		if err != nil {
			return RawFooter{}, 0, err
		}
		if string(data[:8]) != FooterCookie {
			return RawFooter{}, 0, compactvd.ErrWrongFormat.WithMessage(
				fmt.Sprintf("%s: no footer cookie", TypeName))
		}
		arenaEnd = fileLength - fileLength%c.SectorSize
	}

	if byteOrder.Uint32(data[footerChecksumOffset:]) != checksum(data, footerChecksumOffset) {
		return RawFooter{}, 0, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("%s: footer checksum mismatch", TypeName))
	}

	footer, err := decodeFooter(data)
	return footer, arenaEnd, err
}

// Probe parses the footer, dynamic header and BAT of a VHD file of `fileLength`
// bytes.
//
// Fixed VHD files are reported as [compactvd.ErrWrongFormat] since they're
// handled as flat images. Differencing disks are [compactvd.ErrNotSupported].
func Probe(reader io.ReaderAt, fileLength int64) (*Format, error) {
	footer, arenaEnd, err := readFooter(reader, fileLength)
	if err != nil {
		return nil, err
	}

	switch footer.DiskType {
	case DiskTypeDynamic:
	case DiskTypeFixed:
		return nil, compactvd.ErrWrongFormat.WithMessage(
			fmt.Sprintf("%s: fixed-size disk", TypeName))
	default:
		return nil, compactvd.ErrNotSupported.WithMessage(
			fmt.Sprintf("%s: disk type %d", TypeName, footer.DiskType))
	}

	if footer.DataOffset < footerLength || footer.DataOffset > uint64(fileLength) {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("%s: dynamic header offset %d", TypeName, footer.DataOffset))
	}
	headerData, err := c.ReadMetadata(
		reader, int64(footer.DataOffset), headerLength, "VHD dynamic header")
	if err != nil {
		return nil, err
	}
	if string(headerData[:8]) != HeaderCookie {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("%s: no dynamic header cookie", TypeName))
	}
	if byteOrder.Uint32(headerData[headerChecksumOffset:]) != checksum(headerData, headerChecksumOffset) {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("%s: dynamic header checksum mismatch", TypeName))
	}

	format := &Format{footer: footer}
	err = c.DecodeStruct(byteOrder, headerData, &format.header)
	if err != nil {
		return nil, compactvd.ErrIOFailed.Wrap(err)
	}

	err = format.validate()
	if err != nil {
		return nil, err
	}

	header := &format.header
	batEnd := int64(header.TableOffset) + int64(format.batLength())
	if batEnd > fileLength {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf(
				"%s: BAT of %d entries at %d runs past the end of the file",
				TypeName,
				header.MaxTableEntries,
				header.TableOffset,
			),
		)
	}
	batData, err := c.ReadMetadata(
		reader, int64(header.TableOffset), format.batLength(), "VHD block allocation table")
	if err != nil {
		return nil, err
	}
	entries := c.DecodeEntries(byteOrder, batData, int(header.MaxTableEntries))

	blocksCount := format.blocksCount()
	for i := blocksCount; i < len(entries); i++ {
		if entries[i] != absentEntry {
			return nil, compactvd.ErrCorruptMetadata.WithMessage(
				fmt.Sprintf("%s: BAT entry %d is past the end of the disk", TypeName, i))
		}
	}
	entries = entries[:blocksCount]

	lowest := int64(math.MaxInt64)
	for _, entry := range entries {
		if entry != absentEntry && int64(entry) < lowest {
			lowest = int64(entry)
		}
	}
	firstSector := c.CeilDiv(batEnd, c.SectorSize)
	if lowest != math.MaxInt64 && lowest < firstSector {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("%s: block at sector %d overlaps the BAT", TypeName, lowest))
	}
	format.arenaSector = format.findArena(firstSector, arenaEnd/c.SectorSize, lowest)

	arenaStart := format.arenaSector * c.SectorSize
	capacity := int64(0)
	if arenaEnd > arenaStart {
		capacity = (arenaEnd - arenaStart) / format.SlotLength()
	}
	if capacity > math.MaxUint32 {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("%s: data arena holds too many blocks", TypeName))
	}

	format.table, err = c.DecodeSlotTable(entries, uint32(capacity), format.decodeEntry)
	if err != nil {
		return nil, err
	}
	return format, nil
}

func (format *Format) validate() error {
	header := &format.header
	footer := &format.footer
	problem := ""

	switch {
	case header.HeaderVersion>>16 != headerVersion>>16:
		problem = fmt.Sprintf("header version 0x%08x", header.HeaderVersion)
	case header.BlockSize < MinBlockSize || !c.IsPowerOfTwo(int64(header.BlockSize)):
		problem = fmt.Sprintf("block size %d", header.BlockSize)
	case footer.CurrentSize == 0 || footer.CurrentSize%c.SectorSize != 0 || footer.CurrentSize > math.MaxInt64:
		problem = fmt.Sprintf("disk size %d", footer.CurrentSize)
	case int64(header.MaxTableEntries) < int64(format.blocksCount()):
		problem = fmt.Sprintf(
			"%d BAT entries can't cover a disk of %d bytes",
			header.MaxTableEntries,
			footer.CurrentSize,
		)
	case header.TableOffset < footer.DataOffset+headerLength || header.TableOffset > math.MaxInt32*c.SectorSize:
		problem = fmt.Sprintf("BAT offset %d", header.TableOffset)
	}

	if problem != "" {
		return compactvd.ErrCorruptMetadata.WithMessage(TypeName + ": " + problem)
	}
	return nil
}

// findArena returns the sector where slot 0 begins. The arena ends right before
// the trailing footer and holds whole slots only, so its start is found by
// counting back from the end. Freed slots at the start of the arena stay part of
// it that way. If the blocks in use don't line up with that start, the writer
// left something else at the end and the lowest block is used instead.
func (format *Format) findArena(firstSector, endSector, lowest int64) int64 {
	start := firstSector
	if endSector > firstSector {
		start += (endSector - firstSector) % format.slotSectors()
	}
	if lowest == math.MaxInt64 {
		return start
	}
	if lowest < start || (lowest-start)%format.slotSectors() != 0 {
		return lowest
	}
	return start
}

func (format *Format) blocksCount() int {
	return int(c.CeilDiv(int64(format.footer.CurrentSize), int64(format.header.BlockSize)))
}

func (format *Format) batLength() int {
	return int(c.RoundUp(int64(format.header.MaxTableEntries)*4, c.SectorSize))
}

func (format *Format) bitmapLength() int64 {
	return c.RoundUp(c.CeilDiv(int64(format.header.BlockSize)/c.SectorSize, 8), c.SectorSize)
}

func (format *Format) slotSectors() int64 {
	return format.SlotLength() / c.SectorSize
}

func (format *Format) decodeEntry(entry uint32) (c.PhysicalSlot, error) {
	if entry == absentEntry {
		return c.AbsentSlot, nil
	}
	relative := int64(entry) - format.arenaSector
	if relative < 0 || relative%format.slotSectors() != 0 {
		return 0, fmt.Errorf(
			"sector %d isn't a block boundary of the arena starting at sector %d",
			entry,
			format.arenaSector,
		)
	}
	return c.PhysicalSlot(relative / format.slotSectors()), nil
}

func (format *Format) encodeEntry(slot c.PhysicalSlot) uint32 {
	if slot == c.AbsentSlot {
		return absentEntry
	}
	return uint32(format.SlotOffset(slot) / c.SectorSize)
}

// New creates the metadata of an empty dynamic VHD. If `blockSize` is 0 the
// default of 2 MiB is used.
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
	if blocksCount > math.MaxUint32/4 {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: disk size %d needs too many blocks", TypeName, diskSize))
	}

	cylinders, heads, sectorsPerTrack := Geometry(diskSize)
	format := &Format{
		footer: RawFooter{
			Features:        featureDefault,
			FormatVersion:   formatVersion,
			DataOffset:      footerLength,
			Timestamp:       Timestamp(time.Now()),
			CreatorVersion:  0x00010000,
			CreatorHostOS:   0x5769326B, // "Wi2k"
			OriginalSize:    uint64(diskSize),
			CurrentSize:     uint64(diskSize),
			Cylinders:       cylinders,
			Heads:           heads,
			SectorsPerTrack: sectorsPerTrack,
			DiskType:        DiskTypeDynamic,
		},
		header: RawHeader{
			DataOffset:      noDataOffset,
			TableOffset:     footerLength + headerLength,
			HeaderVersion:   headerVersion,
			MaxTableEntries: uint32(blocksCount),
			BlockSize:       blockSize,
		},
		table: c.NewSlotTable(uint32(blocksCount)),
	}
	copy(format.footer.Cookie[:], FooterCookie)
	copy(format.footer.CreatorApp[:], "cvd ")
	uniqueID := uuid.New()
	copy(format.footer.UniqueID[:], uniqueID[:])
	copy(format.header.Cookie[:], HeaderCookie)

	format.arenaSector = c.CeilDiv(
		int64(format.header.TableOffset)+int64(format.batLength()), c.SectorSize)
	return format, nil
}

func (format *Format) Type() string {
	return TypeName
}

func (format *Format) DiskSize() int64 {
	return int64(format.footer.CurrentSize)
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
	return format.arenaSector*c.SectorSize + int64(slot)*format.SlotLength()
}

func (format *Format) SlotLength() int64 {
	return format.bitmapLength() + int64(format.header.BlockSize)
}

func (format *Format) DataOffset(slot c.PhysicalSlot) int64 {
	return format.SlotOffset(slot) + format.bitmapLength()
}

// SlotPrefix is a sector bitmap marking every sector of the block as present.
func (format *Format) SlotPrefix() []byte {
	return bytes.Repeat([]byte{0xFF}, int(format.bitmapLength()))
}

func (format *Format) FileLength(slots uint32) int64 {
	return format.SlotOffset(c.PhysicalSlot(slots)) + footerLength
}

func (format *Format) headerChunk(marker []byte) (c.Chunk, error) {
	header := format.header
	copy(header.Reserved2[:], marker)
	data, err := encodeHeader(header)
	if err != nil {
		return c.Chunk{}, err
	}
	return c.Chunk{Offset: int64(format.footer.DataOffset), Data: data}, nil
}

func (format *Format) Metadata() ([]c.Chunk, error) {
	footer, err := encodeFooter(format.footer)
	if err != nil {
		return nil, err
	}
	bat := c.EncodeEntries(
		byteOrder,
		format.table.Encode(format.encodeEntry),
		format.batLength(),
		0xFF,
	)
	header, err := format.headerChunk(make([]byte, c.MarkerSize))
	if err != nil {
		return nil, err
	}

	return []c.Chunk{
		{Offset: 0, Data: footer},
		{Offset: int64(format.header.TableOffset), Data: bat},
		{Offset: format.FileLength(format.table.Allocated()) - footerLength, Data: footer},
		header,
	}, nil
}

func (format *Format) MarkerOffset() int64 {
	return int64(format.footer.DataOffset) + markerOffsetInHeader
}

// WithMarker returns the dynamic header with the marker in its reserved area. The
// checksum covers the marker, so the image stays readable by other tools.
func (format *Format) WithMarker(marker []byte) (c.Chunk, error) {
	err := c.CheckMarker(marker)
	if err != nil {
		return c.Chunk{}, err
	}
	return format.headerChunk(marker)
}
