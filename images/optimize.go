package images

import (
	"context"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/progress"
)

// zeroScanWeight is the progress weight of reading a block, relative to asking a
// file system whether it's in use.
const zeroScanWeight = 256

// zeroPrefixLength is how much of a block is checked for zeros before reading the
// rest of it. Most blocks holding data fail here.
const zeroPrefixLength = 4096

// Optimize drops blocks the guest doesn't need from the table: blocks no file
// system of the layout has in use, and blocks holding only zeros, as selected by
// `flags`. Only the table in memory changes; the file shrinks on Compact or Copy.
// The unused pass is skipped if no layout was set.
//
// Cancelling `ctx` stops the task between two blocks. That isn't an error: the
// blocks dropped so far stay dropped.
func (image *Image) Optimize(ctx context.Context, flags compactvd.OptimizeFlags) error {
	image.lock.Lock()
	defer image.lock.Unlock()

	table := image.format.Table()
	runUnused := flags.Unused() && image.layout != nil
	if flags.Unused() && !runUnused {
		image.logger.Debug().Msg("no layout, skipping unused block detection")
	}

	total := int64(0)
	if flags.Zeroed() {
		total += zeroScanWeight * int64(table.Mapped())
	}
	if runUnused {
		for _, region := range image.regions {
			total += int64(region.blocksMapped)
		}
	}

	tracker := image.track(progress.Optimize, total)
	defer tracker.End()

	var err error
	if runUnused {
		if image.blocksUnused == nil {
			image.blocksUnused = new(int)
		}
		err = image.dropUnused(ctx, tracker, flags.Zeroed())
	}
	if err == nil && flags.Zeroed() && ctx.Err() == nil {
		if image.blocksZeroed == nil {
			image.blocksZeroed = new(int)
		}
		err = image.dropZeroed(ctx, tracker)
	}

	cancelled := ctx.Err() != nil
	tasksFinished.WithLabelValues(progress.Optimize.String(), taskOutcome(err, cancelled)).Inc()
	tracker.View(func() progress.Event { return image.view() })

	image.logger.Info().
		Bool("cancelled", cancelled).
		Uint32("mapped", table.Mapped()).
		Int64("optimized_length", image.optimizedLength()).
		Msg("optimize finished")
	return err
}

// dropUnused frees every existing block lying entirely inside a file system
// region that the file system doesn't use. Placeholder regions only count their
// blocks. If `zeroScan` is set the blocks freed here are also accounted for in
// the zero scan's share of the progress.
func (image *Image) dropUnused(ctx context.Context, tracker *progress.Tracker, zeroScan bool) error {
	table := image.format.Table()
	blockSize := int64(image.format.BlockSize())

	for i, region := range image.layout.FileSystems() {
		data := &image.regions[i]
		for block := data.blockStart; block < data.blockEnd; block++ {
			if ctx.Err() != nil {
				return nil
			}
			if !table.Exists(block) {
				continue
			}
			tracker.Step(1)
			if !region.IsFileSystem() {
				continue
			}

			offset := int64(block)*blockSize - region.Offset
			if region.FileSystem.IsAllocated(uint64(offset), uint32(blockSize)) {
				continue
			}

			table.Free(block)
			image.dirty = true
			data.blocksMapped--
			data.blocksUnused++
			*image.blocksUnused++
			blocksFreed.WithLabelValues("unused").Inc()
			if zeroScan {
				tracker.Step(zeroScanWeight)
			}
			tracker.View(func() progress.Event { return image.view() })
		}
	}
	return nil
}

// dropZeroed frees every existing block whose data is all zeros.
func (image *Image) dropZeroed(ctx context.Context, tracker *progress.Tracker) error {
	table := image.format.Table()
	blockSize := int(image.format.BlockSize())
	buffer := make([]byte, blockSize)
	prefix := min(zeroPrefixLength, blockSize)

	for block := c.LogicalBlock(0); block < c.LogicalBlock(table.BlocksCount()); block++ {
		if ctx.Err() != nil {
			return nil
		}
		slot := table.Slot(block)
		if slot == c.AbsentSlot {
			continue
		}

		zeroed, err := image.isZeroBlock(image.format.DataOffset(slot), buffer, prefix)
		if err != nil {
			return err
		}
		if zeroed {
			table.Free(block)
			image.dirty = true
			if region := image.regionOf(block); region != nil {
				region.blocksMapped--
				region.blocksZeroed++
			}
			*image.blocksZeroed++
			blocksFreed.WithLabelValues("zeroed").Inc()
			tracker.View(func() progress.Event { return image.view() })
		}
		tracker.Step(zeroScanWeight)
	}
	return nil
}

// isZeroBlock reads the block at `offset` into `buffer` and checks that it holds
// only zeros. The first `prefix` bytes are checked before reading the rest.
func (image *Image) isZeroBlock(offset int64, buffer []byte, prefix int) (bool, error) {
	err := image.media.ReadFull(offset, buffer[:prefix])
	if err != nil {
		return false, err
	}
	if !c.IsZero(buffer[:prefix]) {
		return false, nil
	}
	if prefix == len(buffer) {
		return true, nil
	}

	err = image.media.ReadFull(offset+int64(prefix), buffer[prefix:])
	if err != nil {
		return false, err
	}
	return c.IsZero(buffer[prefix:]), nil
}
