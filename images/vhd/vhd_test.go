package vhd_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/vhd"
	cvdtest "github.com/dargueta/compactvd/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 4096

func newImageBytes(diskSize int64, blocks []c.LogicalBlock, t *testing.T) []byte {
	format, err := vhd.New(diskSize, testBlockSize)
	require.NoError(t, err)

	for _, block := range blocks {
		format.Table().Create(block)
	}
	chunks, err := format.Metadata()
	require.NoError(t, err)
	return cvdtest.AssembleImage(
		chunks, format.FileLength(format.Table().Allocated()), t)
}

func TestNew__Layout(t *testing.T) {
	format, err := vhd.New(64*testBlockSize, testBlockSize)
	require.NoError(t, err)

	assert.Equal(t, "VHD", format.Type())
	assert.EqualValues(t, 64, format.Table().BlocksCount())
	// Footer copy, header, one sector of BAT, then the arena.
	assert.EqualValues(t, 2048, format.SlotOffset(0))
	assert.EqualValues(t, 512+testBlockSize, format.SlotLength())
	assert.EqualValues(t, 2560, format.DataOffset(0))
	assert.EqualValues(t, 2048+2*(512+testBlockSize)+512, format.FileLength(2))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 512), format.SlotPrefix())
}

func TestProbe__RoundTrip(t *testing.T) {
	data := newImageBytes(64*testBlockSize, []c.LogicalBlock{10, 3}, t)
	assert.Equal(t, []byte("conectix"), data[:8])
	assert.Equal(t, []byte("conectix"), data[len(data)-512:len(data)-504])
	assert.Equal(t, []byte("cxsparse"), data[512:520])

	// BAT entries are sector numbers.
	assert.EqualValues(t, 2048/512, binary.BigEndian.Uint32(data[1536+40:]))
	assert.EqualValues(t, uint32(0xFFFFFFFF), binary.BigEndian.Uint32(data[1536:]))

	format, err := vhd.Probe(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.EqualValues(t, 64*testBlockSize, format.DiskSize())
	assert.EqualValues(t, 0, format.Table().Slot(10))
	assert.EqualValues(t, 1, format.Table().Slot(3))
	assert.EqualValues(t, 2, format.Table().Allocated())
}

func TestProbe__LeadingHole(t *testing.T) {
	format, err := vhd.New(64*testBlockSize, testBlockSize)
	require.NoError(t, err)
	for _, block := range []c.LogicalBlock{5, 6, 7} {
		format.Table().Create(block)
	}
	format.Table().Free(5)
	chunks, err := format.Metadata()
	require.NoError(t, err)
	data := cvdtest.AssembleImage(chunks, format.FileLength(3), t)

	probed, err := vhd.Probe(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.EqualValues(t, 3, probed.Table().Allocated(), "the freed first slot is still in the arena")
	assert.EqualValues(t, 2, probed.Table().Mapped())
	assert.EqualValues(t, 1, probed.Table().Slot(6))
	assert.EqualValues(t, 2, probed.Table().Slot(7))
	assert.EqualValues(t, len(data), probed.FileLength(3))
}

func TestProbe__MissingTrailingFooter(t *testing.T) {
	data := newImageBytes(64*testBlockSize, []c.LogicalBlock{1}, t)
	data = data[:len(data)-512]

	format, err := vhd.Probe(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err, "the footer copy at the start must be used")
	assert.True(t, format.Table().Exists(1))
}

func TestProbe__FixedIsWrongFormat(t *testing.T) {
	format, err := vhd.New(8*testBlockSize, testBlockSize)
	require.NoError(t, err)
	chunks, err := format.Metadata()
	require.NoError(t, err)

	// A fixed disk is the raw data followed by a footer.
	footer := append([]byte(nil), chunks[0].Data...)
	binary.BigEndian.PutUint32(footer[60:], vhd.DiskTypeFixed)
	binary.BigEndian.PutUint64(footer[16:], 0xFFFFFFFFFFFFFFFF)
	fixChecksum(footer, 64)
	data := append(make([]byte, 8*testBlockSize), footer...)

	_, err = vhd.Probe(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, compactvd.ErrWrongFormat)
}

func fixChecksum(data []byte, offset int) {
	binary.BigEndian.PutUint32(data[offset:], 0)
	sum := uint32(0)
	for _, b := range data {
		sum += uint32(b)
	}
	binary.BigEndian.PutUint32(data[offset:], ^sum)
}

func TestProbe__Corrupt(t *testing.T) {
	testCases := []struct {
		name   string
		mangle func(data []byte)
	}{
		{
			"footer checksum",
			func(data []byte) {
				data[len(data)-512+70] ^= 0xFF
			},
		},
		{
			"header checksum",
			func(data []byte) {
				data[512+100] ^= 0xFF
			},
		},
		{
			"misaligned block",
			func(data []byte) {
				binary.BigEndian.PutUint32(data[1536+4:], 2048/512+3)
			},
		},
		{
			"BAT past end of file",
			func(data []byte) {
				binary.BigEndian.PutUint32(data[512+28:], 0x40000000)
				fixChecksum(data[512:1536], 36)
			},
		},
		{
			"duplicate block",
			func(data []byte) {
				binary.BigEndian.PutUint32(data[1536+8:], 2048/512)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := newImageBytes(16*testBlockSize, []c.LogicalBlock{0, 1}, t)
			tc.mangle(data)

			_, err := vhd.Probe(bytes.NewReader(data), int64(len(data)))
			assert.ErrorIs(t, err, compactvd.ErrCorruptMetadata)
		})
	}
}

func TestProbe__WrongFormat(t *testing.T) {
	data := make([]byte, 8192)
	_, err := vhd.Probe(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, compactvd.ErrWrongFormat)
}

func TestMarkerKeepsHeaderValid(t *testing.T) {
	format, err := vhd.New(16*testBlockSize, testBlockSize)
	require.NoError(t, err)
	chunks, err := format.Metadata()
	require.NoError(t, err)

	marker := bytes.Repeat([]byte{0x5A}, c.MarkerSize)
	markerChunk, err := format.WithMarker(marker)
	require.NoError(t, err)

	data := cvdtest.AssembleImage(append(chunks, markerChunk), format.FileLength(0), t)
	offset := format.MarkerOffset()
	assert.Equal(t, marker, data[offset:offset+c.MarkerSize])

	_, err = vhd.Probe(bytes.NewReader(data), int64(len(data)))
	assert.NoError(t, err, "checksum must cover the marker")
}

func TestGeometry(t *testing.T) {
	cylinders, heads, sectors := vhd.Geometry(1 << 30)
	assert.EqualValues(t, 2080, cylinders)
	assert.EqualValues(t, 16, heads)
	assert.EqualValues(t, 63, sectors)

	cylinders, heads, sectors = vhd.Geometry(1 << 40)
	assert.EqualValues(t, 65535, cylinders)
	assert.EqualValues(t, 16, heads)
	assert.EqualValues(t, 255, sectors)
}

func TestTimestamp(t *testing.T) {
	assert.EqualValues(t, 0, vhd.Timestamp(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.EqualValues(t, 86400, vhd.Timestamp(time.Date(2000, 1, 2, 0, 0, 0, 0, time.UTC)))
}
