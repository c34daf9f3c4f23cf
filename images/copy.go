package images

import (
	"context"
	"fmt"
	"io"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/progress"
)

// countDataReads returns the number of `blockSize` reads of `source` that will
// find data.
func countDataReads(source *Image, blockSize int64) int64 {
	diskSize := source.format.DiskSize()
	reads := int64(0)
	for offset := int64(0); offset < diskSize; offset += blockSize {
		if source.hasData(offset, blockSize) {
			reads++
		}
	}
	return reads
}

// Copy replaces the contents of the image with those of `source`, which must have
// the same disk size. Only the parts of `source` its table says hold data are
// read, so blocks dropped from it by Optimize aren't copied. Blocks of zeros
// aren't stored in a sparse image.
//
// Cancelling `ctx` stops the copy between two blocks. What was copied so far is
// committed; the rest of the device reads as zeros.
func (image *Image) Copy(ctx context.Context, source *Image) error {
	if source == image {
		return compactvd.ErrInvalidArgument.WithMessage("can't copy an image onto itself")
	}

	image.lock.Lock()
	defer image.lock.Unlock()
	source.lock.Lock()
	defer source.lock.Unlock()

	if image.readOnly {
		return compactvd.ErrReadOnly
	}
	if source.format.DiskSize() != image.format.DiskSize() {
		return compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"disk sizes differ: source has %d bytes, target %d",
				source.format.DiskSize(),
				image.format.DiskSize(),
			),
		)
	}

	err := image.copyFrom(ctx, source)
	cancelled := ctx.Err() != nil
	tasksFinished.WithLabelValues(progress.Copy.String(), taskOutcome(err, cancelled)).Inc()
	return err
}

func (image *Image) copyFrom(ctx context.Context, source *Image) error {
	format := image.format
	diskSize := format.DiskSize()
	blockSize := int64(format.BlockSize())
	sparse := format.Sparse()

	tracker := image.track(progress.Copy, countDataReads(source, blockSize))
	defer tracker.End()

	format.Table().Reset()
	image.dirty = true
	buffer := make([]byte, blockSize)
	copied := 0

	for offset := int64(0); offset < diskSize; offset += blockSize {
		if ctx.Err() != nil {
			break
		}
		length := min(blockSize, diskSize-offset)
		chunk := buffer[:length]

		if !source.hasData(offset, length) {
			if !sparse {
				// Whatever the file held there before must not show through.
				err := image.media.FillZero(format.DataOffset(c.PhysicalSlot(offset/blockSize)), length)
				image.touched = true
				if err != nil {
					return err
				}
			}
			continue
		}

		n, err := source.readAt(chunk, offset)
		if err != nil && !(err == io.EOF && offset+int64(n) == diskSize) {
			if err == io.EOF {
				err = compactvd.ErrIOFailed.WithMessage(
					fmt.Sprintf("short read of %d bytes at %d", n, offset))
			}
			return err
		}
		clear(chunk[n:])

		_, err = image.writeAt(chunk, offset)
		if err != nil {
			return err
		}
		copied++
		tracker.Step(1)
		tracker.View(func() progress.Event { return image.view() })
	}

	err := image.commit()
	if err == nil && !sparse {
		length := format.FileLength(format.Table().Allocated())
		if image.media.Length() != length {
			err = image.media.Truncate(length)
		}
		if err == nil {
			err = image.media.Sync()
		}
	}
	if err != nil {
		return err
	}

	image.logger.Info().
		Str("source", source.Path()).
		Int("blocks", copied).
		Bool("cancelled", ctx.Err() != nil).
		Msg("copy finished")
	return nil
}
