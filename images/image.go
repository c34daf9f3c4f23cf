// Package images implements virtual disk images: reading and writing the virtual
// device, and reclaiming the space the guest doesn't need.
//
// An Image is safe for concurrent use. Every operation holds the image's lock for
// its whole duration, so a long task like Compact blocks reads until it's done.
package images

import (
	"fmt"
	"sync"
	"time"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/journal"
	"github.com/dargueta/compactvd/images/progress"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Options control how an image is opened or created.
type Options struct {
	ReadOnly bool
	// Journal protects metadata commits. Without one, commits still follow the same
	// write ordering but can't be rolled back after a crash.
	Journal *journal.Journal
	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
	// Now is the clock used for progress reports; nil means [time.Now].
	Now func() time.Time

	// BlockSize is the block size of a created image, in bytes. Zero selects the
	// format's default. Ignored when opening.
	BlockSize uint32
	// Overwrite lets Create replace an existing file.
	Overwrite bool
}

// fileSystemData holds the block statistics of one region of the layout. Only
// blocks entirely inside the region, [blockStart, blockEnd), are counted.
type fileSystemData struct {
	blockStart   c.LogicalBlock
	blockEnd     c.LogicalBlock
	blocksMapped int
	blocksUnused int
	blocksZeroed int
}

type Image struct {
	lock      sync.Mutex
	media     *c.Media
	format    c.Format
	journal   *journal.Journal
	logger    zerolog.Logger
	now       func() time.Time
	observers progress.Broadcaster

	readOnly bool
	// dirty is set when the table in memory differs from the one on disk.
	dirty bool
	// touched is set once anything was written to the file.
	touched bool
	flocked bool
	cursor  int64

	layout  compactvd.DiskLayout
	regions []fileSystemData
	// Cumulative counts of blocks freed by Optimize; nil until the matching pass
	// has run.
	blocksUnused *int
	blocksZeroed *int
	// estimated is set while Compact extrapolates the counts above.
	estimated bool
}

func newImage(media *c.Media, format c.Format, options Options) *Image {
	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	RegisterMetrics()

	return &Image{
		media:    media,
		format:   format,
		journal:  options.Journal,
		logger:   logger.With().Str("image", media.Path()).Str("type", format.Type()).Logger(),
		now:      now,
		readOnly: media.ReadOnly(),
	}
}

func (image *Image) Path() string {
	return image.media.Path()
}

func (image *Image) Type() string {
	return image.format.Type()
}

func (image *Image) DiskSize() int64 {
	return image.format.DiskSize()
}

func (image *Image) BlockSize() uint32 {
	return image.format.BlockSize()
}

func (image *Image) ReadOnly() bool {
	return image.readOnly
}

// Format gives access to the parsed on-disk structures.
func (image *Image) Format() c.Format {
	return image.format
}

func (image *Image) String() string {
	if image.layout == nil {
		return fmt.Sprintf("%s [%s]", image.Path(), image.Type())
	}
	return fmt.Sprintf("%s [%s] %v", image.Path(), image.Type(), image.layout)
}

// Subscribe adds an observer of the image's tasks. Observers with `wantsView` set
// also get an ImageView whenever the image's statistics change during a task.
// The returned function removes the observer.
func (image *Image) Subscribe(observer progress.Observer, wantsView bool) func() {
	return image.observers.Subscribe(observer, wantsView)
}

func (image *Image) track(task progress.Task, maximum int64) *progress.Tracker {
	return image.observers.Track(image, task, maximum, image.now)
}

// slotOf returns the slot holding a block's data, or AbsentSlot. Every block of a
// flat image has a slot, whether the table still wants it or not.
func (image *Image) slotOf(block c.LogicalBlock) c.PhysicalSlot {
	if !image.format.Sparse() {
		return c.PhysicalSlot(block)
	}
	return image.format.Table().Slot(block)
}

func (image *Image) blocksCount() uint32 {
	return image.format.Table().BlocksCount()
}

// Lock takes an advisory lock on the image file, exclusive unless the image is
// read-only, so other processes can't change it during a long task. It fails with
// [compactvd.ErrBusy] if another process holds a conflicting lock. Close releases
// it.
func (image *Image) Lock() error {
	image.lock.Lock()
	defer image.lock.Unlock()

	if image.flocked {
		return nil
	}
	return image.lockFile()
}

// Unlock releases the lock taken by Lock.
func (image *Image) Unlock() error {
	image.lock.Lock()
	defer image.lock.Unlock()

	if !image.flocked {
		return nil
	}
	return image.unlockFile()
}

// Close commits pending metadata changes and closes the file. Calling it again
// does nothing.
func (image *Image) Close() error {
	image.lock.Lock()
	defer image.lock.Unlock()

	if image.media.File() == nil {
		return nil
	}

	var result error
	if image.dirty && !image.readOnly {
		err := image.commit()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if image.flocked {
		err := image.unlockFile()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	err := image.media.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}
	image.logger.Debug().Bool("touched", image.touched).Msg("image closed")
	return result
}
