package images

import (
	"fmt"
	"io"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
)

// ReadAt implements [io.ReaderAt] over the virtual device. Blocks the image
// doesn't store read as zeros. Reading past the end of the device returns
// [io.EOF] along with the bytes that could be read.
func (image *Image) ReadAt(buffer []byte, offset int64) (int, error) {
	image.lock.Lock()
	defer image.lock.Unlock()
	return image.readAt(buffer, offset)
}

func (image *Image) readAt(buffer []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative offset %d", offset))
	}
	if len(buffer) == 0 {
		return 0, nil
	}
	diskSize := image.format.DiskSize()
	if offset >= diskSize {
		return 0, io.EOF
	}

	total := int(min(int64(len(buffer)), diskSize-offset))
	blockSize := int64(image.format.BlockSize())
	read := 0

	for read < total {
		block := c.LogicalBlock((offset + int64(read)) / blockSize)
		within := (offset + int64(read)) % blockSize
		size := int(min(int64(total-read), blockSize-within))
		chunk := buffer[read : read+size]

		slot := image.slotOf(block)
		if slot == c.AbsentSlot {
			clear(chunk)
		} else {
			err := image.media.ReadFull(image.format.DataOffset(slot)+within, chunk)
			if err != nil {
				return read, err
			}
		}
		read += size
	}

	if read < len(buffer) {
		return read, io.EOF
	}
	return read, nil
}

// Read implements [io.Reader], starting at the image's cursor.
func (image *Image) Read(buffer []byte) (int, error) {
	image.lock.Lock()
	defer image.lock.Unlock()

	n, err := image.readAt(buffer, image.cursor)
	image.cursor += int64(n)
	if n > 0 && err == io.EOF {
		err = nil
	}
	return n, err
}

// Seek implements [io.Seeker]. The cursor can be moved past the end of the device.
func (image *Image) Seek(offset int64, whence int) (int64, error) {
	image.lock.Lock()
	defer image.lock.Unlock()

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = image.cursor + offset
	case io.SeekEnd:
		target = image.format.DiskSize() + offset
	default:
		return image.cursor, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid whence %d", whence))
	}
	if target < 0 {
		return image.cursor, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't seek to negative offset %d", target))
	}
	image.cursor = target
	return target, nil
}

// WriteAt writes to the virtual device. Stored blocks are updated in place. A
// block the image doesn't store gets a new slot at the end of the file, unless
// the bytes written to it are all zero.
func (image *Image) WriteAt(buffer []byte, offset int64) (int, error) {
	image.lock.Lock()
	defer image.lock.Unlock()
	return image.writeAt(buffer, offset)
}

func (image *Image) writeAt(buffer []byte, offset int64) (int, error) {
	if image.readOnly {
		return 0, compactvd.ErrReadOnly
	}
	if offset < 0 || offset+int64(len(buffer)) > image.format.DiskSize() {
		return 0, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"can't write %d bytes at %d, device is %d bytes",
				len(buffer),
				offset,
				image.format.DiskSize(),
			),
		)
	}

	blockSize := int64(image.format.BlockSize())
	table := image.format.Table()
	written := 0

	for written < len(buffer) {
		block := c.LogicalBlock((offset + int64(written)) / blockSize)
		within := (offset + int64(written)) % blockSize
		size := int(min(int64(len(buffer)-written), blockSize-within))
		chunk := buffer[written : written+size]

		var err error
		if slot := image.slotOf(block); slot != c.AbsentSlot {
			err = image.media.WriteAt(chunk, image.format.DataOffset(slot)+within)
			if err == nil && !table.Exists(block) {
				// Flat images only: the block holds wanted data again.
				table.Create(block)
			}
			image.touched = true
		} else if !c.IsZero(chunk) {
			err = image.createBlock(block, within, chunk)
		}
		if err != nil {
			return written, err
		}
		written += size
	}
	return written, nil
}

// createBlock appends a slot for an absent block, holding `chunk` at `within` and
// zeros everywhere else.
func (image *Image) createBlock(block c.LogicalBlock, within int64, chunk []byte) error {
	format := image.format
	prefix := format.SlotPrefix()
	slotData := make([]byte, format.SlotLength())
	copy(slotData, prefix)
	copy(slotData[int64(len(prefix))+within:], chunk)

	// The block only enters the table once its slot is on disk.
	table := format.Table()
	err := image.media.WriteAt(slotData, format.SlotOffset(c.PhysicalSlot(table.Allocated())))
	image.touched = true
	if err != nil {
		return err
	}
	table.Create(block)
	image.dirty = true
	return nil
}

// Write implements [io.Writer], starting at the image's cursor.
func (image *Image) Write(buffer []byte) (int, error) {
	image.lock.Lock()
	defer image.lock.Unlock()

	n, err := image.writeAt(buffer, image.cursor)
	image.cursor += int64(n)
	return n, err
}

// HasData returns true if the image stores any block overlapping the range.
func (image *Image) HasData(offset, length int64) bool {
	image.lock.Lock()
	defer image.lock.Unlock()
	return image.hasData(offset, length)
}

func (image *Image) hasData(offset, length int64) bool {
	diskSize := image.format.DiskSize()
	if length <= 0 || offset < 0 || offset >= diskSize {
		return false
	}
	end := min(offset+length, diskSize)
	blockSize := int64(image.format.BlockSize())
	table := image.format.Table()

	last := c.LogicalBlock((end - 1) / blockSize)
	for block := c.LogicalBlock(offset / blockSize); block <= last; block++ {
		if table.Exists(block) {
			return true
		}
	}
	return false
}
