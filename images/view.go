package images

import (
	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
)

// FileSystemView is a snapshot of the statistics of one region of the layout.
type FileSystemView struct {
	IsFileSystem bool   `csv:"is_file_system"`
	Offset       int64  `csv:"offset"`
	Length       int64  `csv:"length"`
	Type         string `csv:"type"`
	Description  string `csv:"description"`
	BlocksCount  int    `csv:"blocks_count"`
	BlocksMapped int    `csv:"blocks_mapped"`
	BlocksUnused int    `csv:"blocks_unused"`
	BlocksZeroed int    `csv:"blocks_zeroed"`
}

// ImageView is a snapshot of an image's statistics. Observers that asked for
// views receive one as the event whenever a task changes them.
type ImageView struct {
	Path string
	Type string
	// DiskLength is the size of the virtual device.
	DiskLength int64
	// ImageLength is the current size of the image file.
	ImageLength int64
	// OptimizedLength is the size the image file would have after compaction.
	OptimizedLength int64
	BlockSize       uint32
	BlocksCount     int
	BlocksInFile    int
	BlocksMapped    int
	// BlocksUnused and BlocksZeroed are nil until the matching Optimize pass runs.
	BlocksUnused *int
	BlocksZeroed *int
	// Layout is the type of the disk layout, empty if none was set.
	Layout      string
	FileSystems []FileSystemView
	// Estimated is set while Compact is running: the freed block counts are then
	// extrapolated from its progress.
	Estimated bool
}

func copyCount(count *int) *int {
	if count == nil {
		return nil
	}
	value := *count
	return &value
}

// View returns a snapshot of the image's statistics.
func (image *Image) View() ImageView {
	image.lock.Lock()
	defer image.lock.Unlock()
	return image.view()
}

func (image *Image) view() ImageView {
	table := image.format.Table()
	view := ImageView{
		Path:            image.Path(),
		Type:            image.Type(),
		DiskLength:      image.format.DiskSize(),
		ImageLength:     image.media.Length(),
		OptimizedLength: image.optimizedLength(),
		BlockSize:       image.format.BlockSize(),
		BlocksCount:     int(table.BlocksCount()),
		BlocksInFile:    int(table.Allocated()),
		BlocksMapped:    int(table.Mapped()),
		BlocksUnused:    copyCount(image.blocksUnused),
		BlocksZeroed:    copyCount(image.blocksZeroed),
		Estimated:       image.estimated,
	}
	if image.layout == nil {
		return view
	}

	view.Layout = image.layout.Type()
	for i, region := range image.layout.FileSystems() {
		data := image.regions[i]
		view.FileSystems = append(view.FileSystems, FileSystemView{
			IsFileSystem: region.IsFileSystem(),
			Offset:       region.Offset,
			Length:       region.Length,
			Type:         region.Type,
			Description:  region.Description,
			BlocksCount:  int(data.blockEnd - data.blockStart),
			BlocksMapped: data.blocksMapped,
			BlocksUnused: data.blocksUnused,
			BlocksZeroed: data.blocksZeroed,
		})
	}
	return view
}

// OptimizedLength is the size the image file would have if every block the table
// no longer needs were removed. Flat images can't shrink.
func (image *Image) OptimizedLength() int64 {
	image.lock.Lock()
	defer image.lock.Unlock()
	return image.optimizedLength()
}

func (image *Image) optimizedLength() int64 {
	if !image.format.Sparse() {
		return image.media.Length()
	}
	return image.format.FileLength(image.format.Table().Mapped())
}

// Layout returns the layout set with SetLayout, or nil.
func (image *Image) Layout() compactvd.DiskLayout {
	image.lock.Lock()
	defer image.lock.Unlock()
	return image.layout
}

// SetLayout describes the regions of the virtual disk, so Optimize can ask their
// file systems which blocks are in use. Statistics are kept for every region.
func (image *Image) SetLayout(layout compactvd.DiskLayout) error {
	image.lock.Lock()
	defer image.lock.Unlock()

	if layout == nil {
		image.layout = nil
		image.regions = nil
		return nil
	}
	err := compactvd.ValidateLayout(layout, image.format.DiskSize())
	if err != nil {
		return err
	}

	blockSize := int64(image.format.BlockSize())
	regions := layout.FileSystems()
	image.layout = layout
	image.regions = make([]fileSystemData, len(regions))

	for i, region := range regions {
		start := c.LogicalBlock(c.CeilDiv(region.Offset, blockSize))
		end := max(start, c.LogicalBlock(region.End()/blockSize))
		image.regions[i] = fileSystemData{blockStart: start, blockEnd: end}
	}
	image.recountRegions()
	return nil
}

// recountRegions recomputes the number of existing blocks of every region.
func (image *Image) recountRegions() {
	table := image.format.Table()
	for i := range image.regions {
		region := &image.regions[i]
		region.blocksMapped = int(table.CountMapped(region.blockStart, region.blockEnd))
	}
}

// regionOf returns the statistics of the region containing `block`, or nil.
func (image *Image) regionOf(block c.LogicalBlock) *fileSystemData {
	for i := range image.regions {
		region := &image.regions[i]
		if block >= region.blockStart && block < region.blockEnd {
			return region
		}
	}
	return nil
}
