package common

import (
	"fmt"
	"io"

	"github.com/dargueta/compactvd"
)

// Format is the on-disk layout of one image type. It owns the parsed headers and
// the block table, and knows where each slot lives in the file and how to
// serialize its metadata. It never touches the file itself.
type Format interface {
	// Type is the short name of the format, e.g. "VDI".
	Type() string
	// DiskSize is the size of the virtual device, in bytes.
	DiskSize() int64
	// BlockSize is the number of bytes of the virtual device stored in one block.
	BlockSize() uint32
	Table() BlockTable
	// Sparse is false for flat images, where every block has a fixed position in
	// the file and the table only tracks which blocks hold wanted data.
	Sparse() bool
	// SlotOffset is the file offset of the first byte belonging to a slot.
	SlotOffset(slot PhysicalSlot) int64
	// SlotLength is the number of bytes a slot takes up in the file, including any
	// per-slot prefix.
	SlotLength() int64
	// DataOffset is the file offset of the first data byte of a slot.
	DataOffset(slot PhysicalSlot) int64
	// SlotPrefix returns the bytes written at the start of a newly created slot,
	// before its data. It's nil for formats without one.
	SlotPrefix() []byte
	// FileLength is the exact length of a file whose arena holds `slots` slots.
	FileLength(slots uint32) int64
	// Metadata serializes every metadata region reflecting the current state of
	// the table. The last chunk is the one holding the journal marker, written
	// here with the marker cleared.
	Metadata() ([]Chunk, error)
	// MarkerOffset is the absolute file offset of the journal marker.
	MarkerOffset() int64
	// WithMarker returns the marker chunk with `marker` embedded in it. An image
	// containing it is still valid for other readers.
	WithMarker(marker []byte) (Chunk, error)
}

// ReadFull reads exactly len(buffer) bytes at `offset`. A short read is reported
// as [io.ErrUnexpectedEOF].
func ReadFull(reader io.ReaderAt, offset int64, buffer []byte) error {
	n, err := reader.ReadAt(buffer, offset)
	if n == len(buffer) {
		return nil
	}
	if err == nil || err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ReadSignature reads `size` bytes at `offset` for a format probe. A file too
// short to hold them simply isn't of that format.
func ReadSignature(
	reader io.ReaderAt,
	offset int64,
	size int,
	formatName string,
) ([]byte, error) {
	buffer := make([]byte, size)
	err := ReadFull(reader, offset, buffer)
	if err == io.ErrUnexpectedEOF {
		return nil, compactvd.ErrWrongFormat.WithMessage(
			fmt.Sprintf("%s: file too short for header at %d", formatName, offset))
	} else if err != nil {
		return nil, compactvd.ErrIOFailed.Wrap(err)
	}
	return buffer, nil
}

// ReadMetadata reads a metadata region the probe already committed to. A short
// read means the file was cut off, so it's reported as corruption.
func ReadMetadata(
	reader io.ReaderAt,
	offset int64,
	size int,
	what string,
) ([]byte, error) {
	buffer := make([]byte, size)
	err := ReadFull(reader, offset, buffer)
	if err == io.ErrUnexpectedEOF {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("%s at offset %d is truncated", what, offset))
	} else if err != nil {
		return nil, compactvd.ErrIOFailed.Wrap(err)
	}
	return buffer, nil
}

// CheckMarker verifies a journal marker can be embedded in a header. An all-zero
// marker is rejected since it can't be told apart from a cleared one.
func CheckMarker(marker []byte) error {
	if len(marker) != MarkerSize {
		return compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("marker must be %d bytes, got %d", MarkerSize, len(marker)))
	}
	if IsZero(marker) {
		return compactvd.ErrInvalidArgument.WithMessage("marker can't be all zeros")
	}
	return nil
}
