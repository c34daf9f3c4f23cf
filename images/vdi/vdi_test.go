package vdi_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/vdi"
	cvdtest "github.com/dargueta/compactvd/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 16384

// newImageBytes creates a VDI with the given blocks allocated in order and returns
// the bytes of the whole file.
func newImageBytes(diskSize int64, blocks []c.LogicalBlock, t *testing.T) []byte {
	format, err := vdi.New(diskSize, testBlockSize)
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
	format, err := vdi.New(100*testBlockSize, testBlockSize)
	require.NoError(t, err)

	assert.Equal(t, "VDI", format.Type())
	assert.EqualValues(t, 100*testBlockSize, format.DiskSize())
	assert.EqualValues(t, testBlockSize, format.BlockSize())
	assert.EqualValues(t, 100, format.Table().BlocksCount())
	assert.True(t, format.Sparse())
	assert.Nil(t, format.SlotPrefix())
	// Table at 16 KiB, 400 bytes of entries, data at the next 16 KiB boundary.
	assert.EqualValues(t, 2*testBlockSize, format.FileLength(0))
	assert.EqualValues(t, 5*testBlockSize, format.FileLength(3))
	assert.EqualValues(t, 3*testBlockSize, format.DataOffset(1))
}

func TestNew__PartialLastBlock(t *testing.T) {
	format, err := vdi.New(testBlockSize+512, testBlockSize)
	require.NoError(t, err)
	assert.EqualValues(t, 2, format.Table().BlocksCount())
}

func TestNew__InvalidArguments(t *testing.T) {
	_, err := vdi.New(1<<20, 4096)
	assert.ErrorIs(t, err, compactvd.ErrInvalidArgument, "block size below minimum")
	_, err = vdi.New(1<<20, 3*testBlockSize)
	assert.ErrorIs(t, err, compactvd.ErrInvalidArgument, "block size not a power of two")
	_, err = vdi.New(1000, testBlockSize)
	assert.ErrorIs(t, err, compactvd.ErrInvalidArgument, "disk size not sector-aligned")
}

func TestProbe__RoundTrip(t *testing.T) {
	data := newImageBytes(10*testBlockSize, []c.LogicalBlock{7, 2, 9}, t)
	assert.Equal(t, []byte("<<< Oracle VM VirtualBox Disk Image >>>\n"), data[:40])

	format, err := vdi.Probe(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	table := format.Table()
	assert.EqualValues(t, 3, table.Allocated())
	assert.EqualValues(t, 3, table.Mapped())
	assert.EqualValues(t, 0, table.Slot(7))
	assert.EqualValues(t, 1, table.Slot(2))
	assert.EqualValues(t, 2, table.Slot(9))
	assert.False(t, table.Exists(0))
}

func TestProbe__ZeroEntryIsAbsent(t *testing.T) {
	data := newImageBytes(4*testBlockSize, []c.LogicalBlock{0}, t)
	binary.LittleEndian.PutUint32(data[testBlockSize+4:], 0xFFFFFFFE)

	format, err := vdi.Probe(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.False(t, format.Table().Exists(1))
}

func TestProbe__WrongFormat(t *testing.T) {
	data := make([]byte, 4096)
	_, err := vdi.Probe(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, compactvd.ErrWrongFormat)

	_, err = vdi.Probe(bytes.NewReader(data[:100]), 100)
	assert.ErrorIs(t, err, compactvd.ErrWrongFormat, "short file")
}

func TestProbe__FixedIsWrongFormat(t *testing.T) {
	data := newImageBytes(4*testBlockSize, nil, t)
	binary.LittleEndian.PutUint32(data[76:], vdi.TypeFixed)

	_, err := vdi.Probe(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, compactvd.ErrWrongFormat)
}

func TestProbe__NotSupported(t *testing.T) {
	data := newImageBytes(4*testBlockSize, nil, t)
	binary.LittleEndian.PutUint32(data[68:], 0x00020000)
	_, err := vdi.Probe(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, compactvd.ErrNotSupported, "version 2.0")

	data = newImageBytes(4*testBlockSize, nil, t)
	binary.LittleEndian.PutUint32(data[76:], 4)
	_, err = vdi.Probe(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, compactvd.ErrNotSupported, "differencing image")
}

func TestProbe__Corrupt(t *testing.T) {
	testCases := []struct {
		name   string
		mangle func(data []byte) []byte
	}{
		{
			"duplicate slot",
			func(data []byte) []byte {
				binary.LittleEndian.PutUint32(data[testBlockSize+8:], 0)
				return data
			},
		},
		{
			"slot past allocated count",
			func(data []byte) []byte {
				binary.LittleEndian.PutUint32(data[testBlockSize+12:], 5)
				return data
			},
		},
		{
			"bad sector size",
			func(data []byte) []byte {
				binary.LittleEndian.PutUint32(data[360:], 4096)
				return data
			},
		},
		{
			"blocks count mismatch",
			func(data []byte) []byte {
				binary.LittleEndian.PutUint32(data[384:], 5)
				return data
			},
		},
		{
			"truncated arena",
			func(data []byte) []byte {
				return data[:len(data)-1]
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := newImageBytes(4*testBlockSize, []c.LogicalBlock{0, 1}, t)
			data = tc.mangle(data)

			_, err := vdi.Probe(bytes.NewReader(data), int64(len(data)))
			assert.ErrorIs(t, err, compactvd.ErrCorruptMetadata)
		})
	}
}

func TestMarker(t *testing.T) {
	format, err := vdi.New(4*testBlockSize, testBlockSize)
	require.NoError(t, err)

	marker := bytes.Repeat([]byte{0xA5}, c.MarkerSize)
	chunk, err := format.WithMarker(marker)
	require.NoError(t, err)
	assert.EqualValues(t, 0, chunk.Offset)

	offset := format.MarkerOffset()
	assert.Equal(t, marker, chunk.Data[offset:offset+c.MarkerSize])

	chunks, err := format.Metadata()
	require.NoError(t, err)
	last := chunks[len(chunks)-1]
	assert.Equal(t, chunk.Offset, last.Offset, "marker chunk must be the last one")
	assert.True(t, c.IsZero(last.Data[offset:offset+c.MarkerSize]), "marker not cleared")

	// A header with the marker in it must still parse.
	image := cvdtest.AssembleImage(append(chunks, chunk), format.FileLength(0), t)
	_, err = vdi.Probe(bytes.NewReader(image), int64(len(image)))
	assert.NoError(t, err)

	_, err = format.WithMarker(make([]byte, c.MarkerSize))
	assert.ErrorIs(t, err, compactvd.ErrInvalidArgument)
}
