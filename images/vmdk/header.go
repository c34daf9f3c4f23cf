// Package vmdk implements monolithic sparse VMware disk images.
//
// A monolithicSparse file is a 512-byte sparse header, an embedded text descriptor,
// a redundant and a primary grain directory with their grain tables, and the grains
// themselves. Every offset in the metadata is expressed in 512-byte sectors and
// all integers are little-endian.
package vmdk

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dargueta/compactvd"
)

const (
	Magic            = uint32(0x564D444B) // "KDMV"
	DefaultGrainSize = uint64(128)
	MinGrainSize     = uint64(8)
	GTEsPerGT        = uint32(512)

	flagValidNewLineTest  = uint32(1 << 0)
	flagRedundantGT       = uint32(1 << 1)
	flagZeroedGTE         = uint32(1 << 2)
	flagCompressedGrains  = uint32(1 << 16)
	flagEmbeddedLBAMarker = uint32(1 << 17)

	headerLength   = 512
	descriptorSize = uint64(20)
	// Start of the padding at the end of the header.
	markerOffset = 128

	absentEntry = uint32(0)
	zeroedEntry = uint32(1)
)

var byteOrder = binary.LittleEndian

// RawSparseHeader is the on-disk representation of the sparse extent header.
type RawSparseHeader struct {
	MagicNumber        uint32
	Version            uint32
	Flags              uint32
	Capacity           uint64
	GrainSize          uint64
	DescriptorOffset   uint64
	DescriptorSize     uint64
	NumGTEsPerGT       uint32
	RgdOffset          uint64
	GdOffset           uint64
	OverHead           uint64
	UncleanShutdown    uint8
	SingleEndLineChar  byte
	NonEndLineChar     byte
	DoubleEndLineChar1 byte
	DoubleEndLineChar2 byte
	CompressAlgorithm  uint16
	Pad                [433]byte
}

var (
	createTypePattern = regexp.MustCompile(`(?m)^\s*createType\s*=\s*"([^"]*)"`)
	parentCIDPattern  = regexp.MustCompile(`(?m)^\s*parentCID\s*=\s*([0-9a-fA-F]+)`)
	extentPattern     = regexp.MustCompile(`(?m)^\s*(RW|RDONLY|NOACCESS)\s+(\d+)\s+(\S+)`)
)

// Descriptor is the subset of the embedded text descriptor this package needs.
type Descriptor struct {
	CreateType string
	ParentCID  string
	Extents    []Extent
}

type Extent struct {
	Access  string
	Sectors uint64
	Type    string
}

// ParseDescriptor extracts the creation type, parent and extents from a descriptor.
func ParseDescriptor(text string) (Descriptor, error) {
	if i := strings.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	descriptor := Descriptor{ParentCID: "ffffffff"}

	match := createTypePattern.FindStringSubmatch(text)
	if match == nil {
		return descriptor, compactvd.ErrCorruptMetadata.WithMessage("VMDK: descriptor has no createType")
	}
	descriptor.CreateType = match[1]

	if match = parentCIDPattern.FindStringSubmatch(text); match != nil {
		descriptor.ParentCID = strings.ToLower(match[1])
	}

	for _, match := range extentPattern.FindAllStringSubmatch(text, -1) {
		sectors, err := strconv.ParseUint(match[2], 10, 64)
		if err != nil {
			return descriptor, compactvd.ErrCorruptMetadata.WithMessage(
				fmt.Sprintf("VMDK: extent size %q", match[2]))
		}
		descriptor.Extents = append(
			descriptor.Extents,
			Extent{Access: match[1], Sectors: sectors, Type: match[3]},
		)
	}
	return descriptor, nil
}

// NewDescriptor renders the descriptor of a new monolithicSparse image.
func NewDescriptor(capacity uint64, fileName string, cid uint32) string {
	cylinders := min(capacity/(16*63), 16383)
	var builder strings.Builder

	builder.WriteString("# Disk DescriptorFile\n")
	builder.WriteString("version=1\n")
	fmt.Fprintf(&builder, "CID=%08x\n", cid)
	builder.WriteString("parentCID=ffffffff\n")
	builder.WriteString("createType=\"monolithicSparse\"\n\n")
	builder.WriteString("# Extent description\n")
	fmt.Fprintf(&builder, "RW %d SPARSE \"%s\"\n\n", capacity, fileName)
	builder.WriteString("# The Disk Data Base\n#DDB\n\n")
	builder.WriteString("ddb.virtualHWVersion = \"4\"\n")
	fmt.Fprintf(&builder, "ddb.geometry.cylinders = \"%d\"\n", cylinders)
	builder.WriteString("ddb.geometry.heads = \"16\"\n")
	builder.WriteString("ddb.geometry.sectors = \"63\"\n")
	builder.WriteString("ddb.adapterType = \"ide\"\n")
	return builder.String()
}
