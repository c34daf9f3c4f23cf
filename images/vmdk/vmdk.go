package vmdk

import (
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
)

const TypeName = "VMDK"

// maxDescriptorLength caps how much of an embedded descriptor is read.
const maxDescriptorLength = 1 << 20

// Format is a parsed monolithicSparse VMDK image.
type Format struct {
	header     RawSparseHeader
	descriptor []byte
	// Sector of every grain table, primary and redundant. rgtSectors is nil when the
	// image has no redundant tables.
	gtSectors  []uint32
	rgtSectors []uint32
	table      *c.SlotTable
}

func (format *Format) grainsCount() int64 {
	return c.CeilDiv(int64(format.header.Capacity), int64(format.header.GrainSize))
}

func (format *Format) tablesCount() int64 {
	return c.CeilDiv(format.grainsCount(), int64(GTEsPerGT))
}

// readDirectory reads a grain directory and checks every grain table it points to
// lies inside the metadata area.
func (format *Format) readDirectory(reader io.ReaderAt, sector uint64, what string) ([]uint32, error) {
	count := int(format.tablesCount())
	data, err := c.ReadMetadata(reader, int64(sector)*c.SectorSize, count*4, what)
	if err != nil {
		return nil, err
	}
	entries := c.DecodeEntries(byteOrder, data, count)
	for i, entry := range entries {
		if entry == 0 {
			return nil, compactvd.ErrNotSupported.WithMessage(
				fmt.Sprintf("%s: %s entry %d has no grain table", TypeName, what, i))
		}
		if uint64(entry)+uint64(GTEsPerGT)*4/c.SectorSize > format.header.OverHead {
			return nil, compactvd.ErrCorruptMetadata.WithMessage(
				fmt.Sprintf("%s: %s entry %d points past the metadata", TypeName, what, i))
		}
	}
	return entries, nil
}

// Probe parses the sparse header, embedded descriptor and primary grain tables of
// a monolithicSparse VMDK file of `fileLength` bytes.
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
	if header.MagicNumber != Magic {
		return nil, compactvd.ErrWrongFormat.WithMessage(
			fmt.Sprintf("%s: bad magic 0x%08x", TypeName, header.MagicNumber))
	}

	switch {
	case header.Version == 0 || header.Version > 3:
		return nil, compactvd.ErrNotSupported.WithMessage(
			fmt.Sprintf("%s: version %d", TypeName, header.Version))
	case header.CompressAlgorithm != 0 || header.Flags&(flagCompressedGrains|flagEmbeddedLBAMarker) != 0:
		return nil, compactvd.ErrNotSupported.WithMessage(
			fmt.Sprintf("%s: compressed (stream-optimized) image", TypeName))
	case header.DescriptorOffset == 0:
		return nil, compactvd.ErrNotSupported.WithMessage(
			fmt.Sprintf("%s: descriptor isn't embedded", TypeName))
	}

	err = format.validate(fileLength)
	if err != nil {
		return nil, err
	}

	format.descriptor, err = c.ReadMetadata(
		reader,
		int64(header.DescriptorOffset)*c.SectorSize,
		int(min(header.DescriptorSize*c.SectorSize, maxDescriptorLength)),
		"VMDK descriptor",
	)
	if err != nil {
		return nil, err
	}
	descriptor, err := ParseDescriptor(string(format.descriptor))
	if err != nil {
		return nil, err
	}
	if descriptor.CreateType != "monolithicSparse" {
		return nil, compactvd.ErrNotSupported.WithMessage(
			fmt.Sprintf("%s: create type %q", TypeName, descriptor.CreateType))
	}
	if descriptor.ParentCID != "ffffffff" {
		return nil, compactvd.ErrNotSupported.WithMessage(
			fmt.Sprintf("%s: differencing image (parent CID %s)", TypeName, descriptor.ParentCID))
	}
	if len(descriptor.Extents) != 1 || descriptor.Extents[0].Sectors != header.Capacity {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("%s: descriptor extents don't match the header capacity", TypeName))
	}

	format.gtSectors, err = format.readDirectory(reader, header.GdOffset, "grain directory")
	if err != nil {
		return nil, err
	}
	if header.Flags&flagRedundantGT != 0 {
		format.rgtSectors, err = format.readDirectory(
			reader, header.RgdOffset, "redundant grain directory")
		if err != nil {
			return nil, err
		}
	}

	grains := int(format.grainsCount())
	entries := make([]uint32, 0, len(format.gtSectors)*int(GTEsPerGT))
	for i, sector := range format.gtSectors {
		data, err := c.ReadMetadata(
			reader,
			int64(sector)*c.SectorSize,
			int(GTEsPerGT)*4,
			fmt.Sprintf("VMDK grain table %d", i),
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, c.DecodeEntries(byteOrder, data, int(GTEsPerGT))...)
	}
	for i := grains; i < len(entries); i++ {
		if entries[i] != absentEntry && entries[i] != zeroedEntry {
			return nil, compactvd.ErrCorruptMetadata.WithMessage(
				fmt.Sprintf("%s: grain %d is past the end of the disk", TypeName, i))
		}
	}

	capacity := (fileLength/c.SectorSize - int64(header.OverHead)) / int64(header.GrainSize)
	if capacity > math.MaxUint32 {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("%s: file holds too many grains", TypeName))
	}
	format.table, err = c.DecodeSlotTable(entries[:grains], uint32(capacity), format.decodeEntry)
	if err != nil {
		return nil, err
	}
	return format, nil
}

func (format *Format) validate(fileLength int64) error {
	header := &format.header
	problem := ""

	switch {
	case header.GrainSize < MinGrainSize || !c.IsPowerOfTwo(int64(header.GrainSize)) || header.GrainSize > 1<<16:
		problem = fmt.Sprintf("grain size %d", header.GrainSize)
	case header.NumGTEsPerGT != GTEsPerGT:
		problem = fmt.Sprintf("%d entries per grain table", header.NumGTEsPerGT)
	case header.Capacity == 0 || header.Capacity > math.MaxInt64/c.SectorSize:
		problem = fmt.Sprintf("capacity %d", header.Capacity)
	case header.OverHead == 0 || header.OverHead%header.GrainSize != 0:
		problem = fmt.Sprintf("overhead %d", header.OverHead)
	case int64(header.OverHead)*c.SectorSize > fileLength:
		problem = fmt.Sprintf(
			"file is %d bytes, metadata alone takes %d sectors",
			fileLength,
			header.OverHead,
		)
	case header.GdOffset == 0 || header.GdOffset >= header.OverHead:
		problem = fmt.Sprintf("grain directory offset %d", header.GdOffset)
	case header.Flags&flagRedundantGT != 0 && (header.RgdOffset == 0 || header.RgdOffset >= header.OverHead):
		problem = fmt.Sprintf("redundant grain directory offset %d", header.RgdOffset)
	case format.grainsCount() > math.MaxUint32:
		problem = fmt.Sprintf("%d grains", format.grainsCount())
	}

	if problem != "" {
		return compactvd.ErrCorruptMetadata.WithMessage(TypeName + ": " + problem)
	}
	return nil
}

func (format *Format) decodeEntry(entry uint32) (c.PhysicalSlot, error) {
	if entry == absentEntry || entry == zeroedEntry {
		return c.AbsentSlot, nil
	}
	relative := int64(entry) - int64(format.header.OverHead)
	if relative < 0 || relative%int64(format.header.GrainSize) != 0 {
		return 0, fmt.Errorf(
			"sector %d isn't a grain boundary past the metadata (%d sectors)",
			entry,
			format.header.OverHead,
		)
	}
	return c.PhysicalSlot(relative / int64(format.header.GrainSize)), nil
}

func (format *Format) encodeEntry(slot c.PhysicalSlot) uint32 {
	if slot == c.AbsentSlot {
		return absentEntry
	}
	return uint32(format.SlotOffset(slot) / c.SectorSize)
}

// New creates the metadata of an empty monolithicSparse image. `grainSize` is in
// sectors; if it's 0 the VMware default of 128 (64 KiB) is used. `fileName` is the
// name the descriptor gives the extent, normally the base name of the image file.
func New(diskSize int64, grainSize uint64, fileName string) (*Format, error) {
	if grainSize == 0 {
		grainSize = DefaultGrainSize
	}
	if grainSize < MinGrainSize || grainSize > 1<<16 || !c.IsPowerOfTwo(int64(grainSize)) {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: invalid grain size %d", TypeName, grainSize))
	}
	if diskSize <= 0 || diskSize%c.SectorSize != 0 {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: disk size %d isn't a multiple of %d", TypeName, diskSize, c.SectorSize))
	}

	format := &Format{
		header: RawSparseHeader{
			MagicNumber:        Magic,
			Version:            1,
			Flags:              flagValidNewLineTest | flagRedundantGT,
			Capacity:           uint64(diskSize / c.SectorSize),
			GrainSize:          grainSize,
			DescriptorOffset:   1,
			DescriptorSize:     descriptorSize,
			NumGTEsPerGT:       GTEsPerGT,
			SingleEndLineChar:  '\n',
			NonEndLineChar:     ' ',
			DoubleEndLineChar1: '\r',
			DoubleEndLineChar2: '\n',
		},
	}
	if format.grainsCount() > math.MaxUint32 {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: disk size %d needs too many grains", TypeName, diskSize))
	}

	header := &format.header
	tables := uint64(format.tablesCount())
	directorySectors := uint64(c.CeilDiv(int64(tables)*4, c.SectorSize))
	tableSectors := uint64(GTEsPerGT) * 4 / c.SectorSize

	header.RgdOffset = header.DescriptorOffset + header.DescriptorSize
	header.GdOffset = header.RgdOffset + directorySectors + tables*tableSectors
	header.OverHead = uint64(c.RoundUp(
		int64(header.GdOffset+directorySectors+tables*tableSectors),
		int64(grainSize),
	))

	format.gtSectors = make([]uint32, tables)
	format.rgtSectors = make([]uint32, tables)
	for i := uint64(0); i < tables; i++ {
		format.rgtSectors[i] = uint32(header.RgdOffset + directorySectors + i*tableSectors)
		format.gtSectors[i] = uint32(header.GdOffset + directorySectors + i*tableSectors)
	}

	text := NewDescriptor(header.Capacity, fileName, rand.Uint32())
	if uint64(len(text)) > descriptorSize*c.SectorSize {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: file name %q is too long for the descriptor", TypeName, fileName))
	}
	format.descriptor = make([]byte, descriptorSize*c.SectorSize)
	copy(format.descriptor, text)

	format.table = c.NewSlotTable(uint32(format.grainsCount()))
	return format, nil
}

func (format *Format) Type() string {
	return TypeName
}

func (format *Format) DiskSize() int64 {
	return int64(format.header.Capacity) * c.SectorSize
}

func (format *Format) BlockSize() uint32 {
	return uint32(format.header.GrainSize * c.SectorSize)
}

func (format *Format) Table() c.BlockTable {
	return format.table
}

func (format *Format) Sparse() bool {
	return true
}

func (format *Format) SlotOffset(slot c.PhysicalSlot) int64 {
	return (int64(format.header.OverHead) + int64(slot)*int64(format.header.GrainSize)) * c.SectorSize
}

func (format *Format) SlotLength() int64 {
	return int64(format.header.GrainSize) * c.SectorSize
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

// tableChunks splits the grain entries into one chunk per grain table at the given
// sectors, merging tables that are contiguous on disk.
func (format *Format) tableChunks(entries []uint32, sectors []uint32) []c.Chunk {
	tableLength := int(GTEsPerGT) * 4
	padded := c.EncodeEntries(byteOrder, entries, len(sectors)*tableLength, 0)

	chunks := make([]c.Chunk, 0, 1)
	for i, sector := range sectors {
		data := padded[i*tableLength : (i+1)*tableLength]
		offset := int64(sector) * c.SectorSize
		last := len(chunks) - 1
		if last >= 0 && chunks[last].End() == offset {
			chunks[last].Data = append(chunks[last].Data, data...)
		} else {
			chunks = append(chunks, c.Chunk{Offset: offset, Data: append([]byte(nil), data...)})
		}
	}
	return chunks
}

func (format *Format) headerChunk(marker []byte) (c.Chunk, error) {
	header := format.header
	header.UncleanShutdown = 0
	data, err := c.EncodeStruct(byteOrder, headerLength, &header)
	if err != nil {
		return c.Chunk{}, err
	}
	copy(data[markerOffset:], marker)
	return c.Chunk{Offset: 0, Data: data}, nil
}

func (format *Format) directoryChunk(sector uint64, tables []uint32) c.Chunk {
	length := int(c.RoundUp(int64(len(tables))*4, c.SectorSize))
	return c.Chunk{
		Offset: int64(sector) * c.SectorSize,
		Data:   c.EncodeEntries(byteOrder, tables, length, 0),
	}
}

func (format *Format) Metadata() ([]c.Chunk, error) {
	entries := format.table.Encode(format.encodeEntry)
	chunks := []c.Chunk{
		{Offset: int64(format.header.DescriptorOffset) * c.SectorSize, Data: format.descriptor},
	}

	if format.rgtSectors != nil {
		chunks = append(chunks, format.directoryChunk(format.header.RgdOffset, format.rgtSectors))
		chunks = append(chunks, format.tableChunks(entries, format.rgtSectors)...)
	}
	chunks = append(chunks, format.directoryChunk(format.header.GdOffset, format.gtSectors))
	chunks = append(chunks, format.tableChunks(entries, format.gtSectors)...)

	header, err := format.headerChunk(make([]byte, c.MarkerSize))
	if err != nil {
		return nil, err
	}
	return append(chunks, header), nil
}

func (format *Format) MarkerOffset() int64 {
	return markerOffset
}

func (format *Format) WithMarker(marker []byte) (c.Chunk, error) {
	err := c.CheckMarker(marker)
	if err != nil {
		return c.Chunk{}, err
	}
	return format.headerChunk(marker)
}
