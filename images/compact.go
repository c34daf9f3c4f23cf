package images

import (
	"context"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/progress"
)

// countCompactMoves returns the number of relocations needed to pack the data
// arena described by `reverse`: every occupied slot at or past the number of
// occupied slots must move into a hole below it.
func countCompactMoves(reverse []c.LogicalBlock) int {
	occupied := 0
	for _, block := range reverse {
		if block != c.AbsentBlock {
			occupied++
		}
	}
	moves := 0
	for _, block := range reverse[occupied:] {
		if block != c.AbsentBlock {
			moves++
		}
	}
	return moves
}

// highWaterMark returns one past the highest occupied slot.
func highWaterMark(reverse []c.LogicalBlock) uint32 {
	for i := len(reverse) - 1; i >= 0; i-- {
		if reverse[i] != c.AbsentBlock {
			return uint32(i + 1)
		}
	}
	return 0
}

// compactStats is a copy of the freed block counts taken when Compact starts, used
// to extrapolate them while it runs.
type compactStats struct {
	blocksUnused *int
	blocksZeroed *int
	regions      []fileSystemData
}

func (image *Image) saveCompactStats() compactStats {
	return compactStats{
		blocksUnused: copyCount(image.blocksUnused),
		blocksZeroed: copyCount(image.blocksZeroed),
		regions:      append([]fileSystemData(nil), image.regions...),
	}
}

// extrapolate sets the freed block counts to what's expected to be left once
// `fraction` of the relocations are done.
func (image *Image) extrapolate(initial compactStats, fraction float32) {
	if initial.blocksUnused != nil {
		*image.blocksUnused = progress.Extrapolate(*initial.blocksUnused, fraction)
	}
	if initial.blocksZeroed != nil {
		*image.blocksZeroed = progress.Extrapolate(*initial.blocksZeroed, fraction)
	}
	for i := range image.regions {
		image.regions[i].blocksUnused = progress.Extrapolate(initial.regions[i].blocksUnused, fraction)
		image.regions[i].blocksZeroed = progress.Extrapolate(initial.regions[i].blocksZeroed, fraction)
	}
}

func (image *Image) restoreCompactStats(initial compactStats) {
	image.blocksUnused = initial.blocksUnused
	image.blocksZeroed = initial.blocksZeroed
	copy(image.regions, initial.regions)
}

// clearFreedCounts resets the freed block counts once the space they took up in
// the file has been reclaimed.
func (image *Image) clearFreedCounts() {
	if image.blocksUnused != nil {
		*image.blocksUnused = 0
	}
	if image.blocksZeroed != nil {
		*image.blocksZeroed = 0
	}
	for i := range image.regions {
		image.regions[i].blocksUnused = 0
		image.regions[i].blocksZeroed = 0
	}
	image.recountRegions()
}

// Compact moves the blocks stored in the highest slots of the file into the holes
// left by freed blocks, then truncates the file after the last block. Metadata is
// committed through the journal, so a crash at any point leaves a usable image.
// Flat images are left as they are.
//
// Cancelling `ctx` stops the relocations between two blocks. The blocks moved so
// far are committed and the file is truncated as far as possible.
func (image *Image) Compact(ctx context.Context) error {
	image.lock.Lock()
	defer image.lock.Unlock()

	if image.readOnly {
		return compactvd.ErrReadOnly
	}
	if !image.format.Sparse() {
		return nil
	}

	err := image.compact(ctx)
	cancelled := ctx.Err() != nil
	tasksFinished.WithLabelValues(progress.Compact.String(), taskOutcome(err, cancelled)).Inc()
	return err
}

func (image *Image) compact(ctx context.Context) error {
	format := image.format
	table := format.Table()
	reverse := table.ReverseMap()
	moves := countCompactMoves(reverse)
	lengthBefore := image.media.Length()

	if moves > 0 && image.dirty {
		// Persist the frees first, so the relocations below only ever overwrite
		// slots the metadata on disk doesn't reference.
		err := image.commit()
		if err != nil {
			return err
		}
	}

	tracker := image.track(progress.Compact, int64(moves))
	defer tracker.End()

	initial := image.saveCompactStats()
	image.estimated = true
	tracker.OnStep = func(fraction float32) {
		image.extrapolate(initial, fraction)
	}

	var pending *pendingCommit
	buffer := make([]byte, format.SlotLength())
	relocated := 0
	top := len(reverse) - 1

	for hole := 0; hole < top; hole++ {
		if reverse[hole] != c.AbsentBlock {
			continue
		}
		for top > hole && reverse[top] == c.AbsentBlock {
			top--
		}
		if top <= hole {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if pending == nil {
			var err error
			pending, err = image.beginCommit()
			if err != nil {
				image.estimated = false
				image.restoreCompactStats(initial)
				return err
			}
		}

		block := reverse[top]
		err := image.media.ReadFull(format.SlotOffset(c.PhysicalSlot(top)), buffer)
		if err == nil {
			err = image.media.WriteAt(buffer, format.SlotOffset(c.PhysicalSlot(hole)))
		}
		if err != nil {
			image.estimated = false
			image.restoreCompactStats(initial)
			return err
		}

		table.Map(block, c.PhysicalSlot(hole))
		reverse[hole] = block
		reverse[top] = c.AbsentBlock
		top--
		relocated++
		blocksRelocated.Inc()
		tracker.Step(1)
		tracker.View(func() progress.Event { return image.view() })
	}

	cancelled := ctx.Err() != nil && relocated < moves
	allocated := highWaterMark(reverse)
	if allocated != table.Allocated() {
		table.SetAllocated(allocated)
		image.dirty = true
	}

	var err error
	if pending != nil {
		// The relocated blocks must be on disk before the table pointing to them.
		err = image.media.Sync()
		if err == nil {
			err = image.finishCommit(pending)
		}
	} else if image.dirty || image.media.Length() != format.FileLength(table.Allocated()) {
		err = image.commit()
	}

	image.estimated = false
	if err != nil || cancelled {
		image.restoreCompactStats(initial)
	} else {
		image.clearFreedCounts()
	}
	tracker.View(func() progress.Event { return image.view() })

	if err != nil {
		return err
	}

	lengthAfter := image.media.Length()
	if lengthAfter < lengthBefore {
		bytesReclaimed.Add(float64(lengthBefore - lengthAfter))
	}
	image.logger.Info().
		Int("relocated", relocated).
		Bool("cancelled", cancelled).
		Int64("length_before", lengthBefore).
		Int64("length_after", lengthAfter).
		Msg("compact finished")
	return nil
}
