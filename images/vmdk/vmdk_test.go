package vmdk_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/vmdk"
	cvdtest "github.com/dargueta/compactvd/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 16 sectors per grain keeps the test images small.
const testGrainSectors = 16
const testGrainSize = testGrainSectors * 512

func newImageBytes(diskSize int64, blocks []c.LogicalBlock, t *testing.T) (*vmdk.Format, []byte) {
	format, err := vmdk.New(diskSize, testGrainSectors, "test.vmdk")
	require.NoError(t, err)

	for _, block := range blocks {
		format.Table().Create(block)
	}
	chunks, err := format.Metadata()
	require.NoError(t, err)
	return format, cvdtest.AssembleImage(
		chunks, format.FileLength(format.Table().Allocated()), t)
}

func TestNew__Layout(t *testing.T) {
	format, err := vmdk.New(1000*testGrainSize, testGrainSectors, "disk.vmdk")
	require.NoError(t, err)

	assert.Equal(t, "VMDK", format.Type())
	assert.EqualValues(t, 1000, format.Table().BlocksCount())
	assert.EqualValues(t, testGrainSize, format.BlockSize())
	assert.EqualValues(t, testGrainSize, format.SlotLength())
	assert.Nil(t, format.SlotPrefix())

	// Header, 20 sectors of descriptor, then two copies of a one-sector directory
	// followed by two 4-sector grain tables each: 1 + 20 + 2*(1+8) = 39 sectors,
	// rounded up to the grain size.
	assert.EqualValues(t, 48*512, format.SlotOffset(0))
	assert.EqualValues(t, format.SlotOffset(0), format.DataOffset(0))
	assert.EqualValues(t, 48*512+3*testGrainSize, format.FileLength(3))
}

func TestNew__InvalidArguments(t *testing.T) {
	_, err := vmdk.New(1000*testGrainSize, 3, "x.vmdk")
	assert.ErrorIs(t, err, compactvd.ErrInvalidArgument, "grain size not a power of 2")

	_, err = vmdk.New(1000*testGrainSize, 4, "x.vmdk")
	assert.ErrorIs(t, err, compactvd.ErrInvalidArgument, "grain size too small")

	_, err = vmdk.New(1001, testGrainSectors, "x.vmdk")
	assert.ErrorIs(t, err, compactvd.ErrInvalidArgument, "disk size not sector-aligned")
}

func TestProbe__RoundTrip(t *testing.T) {
	_, data := newImageBytes(1000*testGrainSize, []c.LogicalBlock{600, 7}, t)
	assert.Equal(t, []byte("KDMV"), data[:4])

	format, err := vmdk.Probe(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.EqualValues(t, 1000*testGrainSize, format.DiskSize())
	assert.EqualValues(t, 0, format.Table().Slot(600))
	assert.EqualValues(t, 1, format.Table().Slot(7))
	assert.EqualValues(t, 2, format.Table().Allocated())
	assert.EqualValues(t, 2, format.Table().Mapped())
	assert.False(t, format.Table().Exists(0))
}

func TestProbe__RedundantTablesMatch(t *testing.T) {
	_, data := newImageBytes(1000*testGrainSize, []c.LogicalBlock{1}, t)

	rgdSector := binary.LittleEndian.Uint64(data[48:])
	gdSector := binary.LittleEndian.Uint64(data[56:])
	rgt := binary.LittleEndian.Uint32(data[rgdSector*512:])
	gt := binary.LittleEndian.Uint32(data[gdSector*512:])

	assert.Equal(
		t,
		data[rgt*512:rgt*512+2048],
		data[gt*512:gt*512+2048],
		"both copies of the first grain table must be identical",
	)
	// Grain 1 lives in slot 0, right after the metadata.
	assert.EqualValues(t, 48, binary.LittleEndian.Uint32(data[gt*512+4:]))
}

func TestProbe__ZeroedGrainIsAbsent(t *testing.T) {
	_, data := newImageBytes(1000*testGrainSize, []c.LogicalBlock{0}, t)

	gdSector := binary.LittleEndian.Uint64(data[56:])
	gt := binary.LittleEndian.Uint32(data[gdSector*512:])
	binary.LittleEndian.PutUint32(data[gt*512+8:], 1)

	format, err := vmdk.Probe(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.False(t, format.Table().Exists(2))
	assert.True(t, format.Table().Exists(0))
}

func TestProbe__WrongFormat(t *testing.T) {
	data := make([]byte, 4096)
	_, err := vmdk.Probe(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, compactvd.ErrWrongFormat)

	_, err = vmdk.Probe(bytes.NewReader(data[:100]), 100)
	assert.ErrorIs(t, err, compactvd.ErrWrongFormat)
}

func TestProbe__NotSupported(t *testing.T) {
	testCases := []struct {
		name   string
		mangle func(data []byte)
	}{
		{
			"compressed",
			func(data []byte) {
				binary.LittleEndian.PutUint16(data[77:], 1)
			},
		},
		{
			"differencing",
			func(data []byte) {
				text := "parentCID=12345678\ncreateType=\"monolithicSparse\"\n"
				copy(data[512:], text)
				data[512+len(text)] = 0
			},
		},
		{
			"split",
			func(data []byte) {
				text := "createType=\"twoGbMaxExtentSparse\"\n"
				copy(data[512:], text)
				data[512+len(text)] = 0
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, data := newImageBytes(100*testGrainSize, nil, t)
			tc.mangle(data)

			_, err := vmdk.Probe(bytes.NewReader(data), int64(len(data)))
			assert.ErrorIs(t, err, compactvd.ErrNotSupported)
		})
	}
}

func TestProbe__Corrupt(t *testing.T) {
	testCases := []struct {
		name   string
		mangle func(data []byte) []byte
	}{
		{
			"truncated metadata",
			func(data []byte) []byte {
				return data[:1024]
			},
		},
		{
			"misaligned grain",
			func(data []byte) []byte {
				gdSector := binary.LittleEndian.Uint64(data[56:])
				gt := binary.LittleEndian.Uint32(data[gdSector*512:])
				binary.LittleEndian.PutUint32(data[gt*512:], 32+3)
				return data
			},
		},
		{
			"grain past end of file",
			func(data []byte) []byte {
				gdSector := binary.LittleEndian.Uint64(data[56:])
				gt := binary.LittleEndian.Uint32(data[gdSector*512:])
				binary.LittleEndian.PutUint32(data[gt*512:], 32+testGrainSectors*10)
				return data
			},
		},
		{
			"capacity mismatch",
			func(data []byte) []byte {
				binary.LittleEndian.PutUint64(data[12:], 99*testGrainSectors)
				return data
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, data := newImageBytes(100*testGrainSize, []c.LogicalBlock{3}, t)
			data = tc.mangle(data)

			_, err := vmdk.Probe(bytes.NewReader(data), int64(len(data)))
			assert.ErrorIs(t, err, compactvd.ErrCorruptMetadata)
		})
	}
}

func TestParseDescriptor(t *testing.T) {
	text := vmdk.NewDescriptor(2048, "a b.vmdk", 0xdeadbeef) + "\x00\x00garbage"

	descriptor, err := vmdk.ParseDescriptor(text)
	require.NoError(t, err)
	assert.Equal(t, "monolithicSparse", descriptor.CreateType)
	assert.Equal(t, "ffffffff", descriptor.ParentCID)
	require.Len(t, descriptor.Extents, 1)
	assert.Equal(t, vmdk.Extent{Access: "RW", Sectors: 2048, Type: "SPARSE"}, descriptor.Extents[0])
}

func TestParseDescriptor__NoCreateType(t *testing.T) {
	_, err := vmdk.ParseDescriptor("version=1\nRW 10 SPARSE \"x\"\n")
	assert.ErrorIs(t, err, compactvd.ErrCorruptMetadata)
}

func TestMarkerKeepsHeaderValid(t *testing.T) {
	format, err := vmdk.New(100*testGrainSize, testGrainSectors, "m.vmdk")
	require.NoError(t, err)
	chunks, err := format.Metadata()
	require.NoError(t, err)
	assert.EqualValues(t, 0, chunks[len(chunks)-1].Offset, "header must be written last")

	marker := bytes.Repeat([]byte{0xA5}, c.MarkerSize)
	markerChunk, err := format.WithMarker(marker)
	require.NoError(t, err)

	data := cvdtest.AssembleImage(append(chunks, markerChunk), format.FileLength(0), t)
	offset := format.MarkerOffset()
	assert.Equal(t, marker, data[offset:offset+c.MarkerSize])

	_, err = vmdk.Probe(bytes.NewReader(data), int64(len(data)))
	assert.NoError(t, err)

	_, err = format.WithMarker(make([]byte, c.MarkerSize))
	assert.ErrorIs(t, err, compactvd.ErrInvalidArgument)
}
