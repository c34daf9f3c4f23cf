// Package raw implements flat disk images: plain dumps of a device, and the
// preallocated (fixed) variants of VDI and VHD whose data is stored the same way.
//
// A flat image has no block table. Every cluster of the device has a fixed
// position in the file, so the table only records which clusters still hold
// wanted data, for statistics.
package raw

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
)

const TypeName = "RAW"

// maxClusterSize is the largest cluster size considered for a flat image.
const maxClusterSize = 1 << 20

// Container says what wraps the device data in a flat image file.
type Container string

const (
	ContainerNone     = Container("")
	ContainerFixedVDI = Container("fixed VDI")
	ContainerFixedVHD = Container("fixed VHD")
)

// Format is a flat image.
type Format struct {
	container   Container
	diskStart   int64
	diskSize    int64
	trailer     int64
	clusterSize uint32
	table       *c.BitmapTable
}

// ClusterSize returns the largest power of two not above 1 MiB that evenly
// divides `diskSize`, but never less than the sector size.
func ClusterSize(diskSize int64) uint32 {
	size := int64(maxClusterSize)
	for size > c.SectorSize && diskSize%size != 0 {
		size >>= 1
	}
	return uint32(size)
}

func newFormat(container Container, diskStart, diskSize, trailer int64) (*Format, error) {
	if diskSize <= 0 || diskSize%c.SectorSize != 0 {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: disk size %d isn't a multiple of %d", TypeName, diskSize, c.SectorSize))
	}
	clusterSize := ClusterSize(diskSize)
	clusters := diskSize / int64(clusterSize)
	if clusters > int64(c.AbsentSlot)-1 {
		return nil, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s: disk size %d needs too many clusters", TypeName, diskSize))
	}

	return &Format{
		container:   container,
		diskStart:   diskStart,
		diskSize:    diskSize,
		trailer:     trailer,
		clusterSize: clusterSize,
		table:       c.NewBitmapTable(uint32(clusters)),
	}, nil
}

// New creates a plain flat image of `diskSize` bytes.
func New(diskSize int64) (*Format, error) {
	return newFormat(ContainerNone, 0, diskSize, 0)
}

// Probe recognizes a flat image. Fixed VDI and VHD files are detected by their
// headers. Any other file must start with something that looks like a boot
// sector or partition map, so arbitrary files aren't mistaken for disks.
func Probe(reader io.ReaderAt, fileLength int64) (*Format, error) {
	if fileLength < c.SectorSize {
		return nil, compactvd.ErrWrongFormat.WithMessage(
			fmt.Sprintf("%s: file is only %d bytes", TypeName, fileLength))
	}

	format, err := probeFixedVDI(reader, fileLength)
	if format != nil || err != nil {
		return format, err
	}
	format, err = probeFixedVHD(reader, fileLength)
	if format != nil || err != nil {
		return format, err
	}

	bootSector, err := c.ReadSignature(reader, 0, c.SectorSize, TypeName)
	if err != nil {
		return nil, err
	}
	if !canBeADiskImage(bootSector) {
		return nil, compactvd.ErrWrongFormat.WithMessage(
			fmt.Sprintf("%s: no boot sector or partition map", TypeName))
	}
	if fileLength%c.SectorSize != 0 {
		return nil, compactvd.ErrWrongFormat.WithMessage(
			fmt.Sprintf("%s: file length %d isn't a multiple of %d", TypeName, fileLength, c.SectorSize))
	}
	return New(fileLength)
}

// canBeADiskImage looks for an MBR boot signature or an Apple partition map in
// the first sector. Text files never qualify since they contain no bytes below 10.
func canBeADiskImage(sector []byte) bool {
	for _, b := range sector {
		if b < 10 {
			return binary.BigEndian.Uint16(sector[510:]) == 0x55AA ||
				binary.BigEndian.Uint16(sector[0:]) == 0x4552
		}
	}
	return false
}

// probeFixedVDI recognizes a VDI with a preallocated arena. Its block table maps
// every block to the slot with the same number, so the arena is the device.
func probeFixedVDI(reader io.ReaderAt, fileLength int64) (*Format, error) {
	header := make([]byte, c.SectorSize)
	if c.ReadFull(reader, 0, header) != nil {
		return nil, nil
	}
	order := binary.LittleEndian
	if order.Uint32(header[64:]) != 0xBEDA107F || order.Uint32(header[76:]) != 2 {
		return nil, nil
	}

	offsetBlocks := int64(order.Uint32(header[340:]))
	offsetData := int64(order.Uint32(header[344:]))
	diskSize := int64(order.Uint64(header[368:]))
	blocksCount := int64(order.Uint32(header[384:]))
	if blocksCount > (fileLength-offsetBlocks)/4 {
		return nil, nil
	}

	entries := make([]byte, blocksCount*4)
	if c.ReadFull(reader, offsetBlocks, entries) != nil {
		return nil, nil
	}
	for i := int64(0); i < blocksCount; i++ {
		if int64(order.Uint32(entries[i*4:])) != i {
			return nil, nil
		}
	}
	if diskSize <= 0 || diskSize%c.SectorSize != 0 || offsetData+diskSize > fileLength {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf(
				"%s: %d bytes of data at %d don't fit in a %d-byte file",
				ContainerFixedVDI,
				diskSize,
				offsetData,
				fileLength,
			),
		)
	}
	return newFormat(ContainerFixedVDI, offsetData, diskSize, 0)
}

// probeFixedVHD recognizes a fixed VHD: the device followed by a footer.
func probeFixedVHD(reader io.ReaderAt, fileLength int64) (*Format, error) {
	footer := make([]byte, c.SectorSize)
	if c.ReadFull(reader, fileLength-c.SectorSize, footer) != nil {
		return nil, nil
	}
	order := binary.BigEndian
	if string(footer[:8]) != "conectix" ||
		order.Uint32(footer[60:]) != 2 ||
		int64(order.Uint64(footer[48:])) != fileLength-c.SectorSize {
		return nil, nil
	}
	return newFormat(ContainerFixedVHD, 0, fileLength-c.SectorSize, c.SectorSize)
}

func (format *Format) Type() string {
	return TypeName
}

// Container describes what wraps the device data, if anything.
func (format *Format) Container() Container {
	return format.container
}

func (format *Format) DiskSize() int64 {
	return format.diskSize
}

func (format *Format) BlockSize() uint32 {
	return format.clusterSize
}

func (format *Format) Table() c.BlockTable {
	return format.table
}

func (format *Format) Sparse() bool {
	return false
}

func (format *Format) SlotOffset(slot c.PhysicalSlot) int64 {
	return format.diskStart + int64(slot)*int64(format.clusterSize)
}

func (format *Format) SlotLength() int64 {
	return int64(format.clusterSize)
}

func (format *Format) DataOffset(slot c.PhysicalSlot) int64 {
	return format.SlotOffset(slot)
}

func (format *Format) SlotPrefix() []byte {
	return nil
}

// FileLength of a flat image doesn't depend on the table.
func (format *Format) FileLength(slots uint32) int64 {
	return format.diskStart + format.diskSize + format.trailer
}

func (format *Format) Metadata() ([]c.Chunk, error) {
	return nil, nil
}

func (format *Format) MarkerOffset() int64 {
	return -1
}

func (format *Format) WithMarker(marker []byte) (c.Chunk, error) {
	return c.Chunk{}, compactvd.ErrNotSupported.WithMessage(
		TypeName + ": flat images have no metadata to journal")
}
