package images_test

import (
	"context"
	"testing"

	"github.com/dargueta/compactvd"
	"github.com/dargueta/compactvd/images"
	"github.com/dargueta/compactvd/images/progress"
	"github.com/dargueta/compactvd/images/vdi"
	"github.com/dargueta/compactvd/internal/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestOptimize__Zeroed(t *testing.T) {
	for _, typeName := range sparseTypes {
		t.Run(typeName, func(t *testing.T) {
			image := createImage(typeName, t)
			written := writeBlocks(image, []int{0, 1, 2, 3, 4}, t)
			for _, block := range []int{2, 3} {
				written[block] = make([]byte, testBlockSize)
				_, err := image.WriteAt(written[block], int64(block)*testBlockSize)
				require.NoError(t, err)
			}
			// A block with only its last byte set must survive the prefix check.
			written[1] = make([]byte, testBlockSize)
			written[1][testBlockSize-1] = 7
			_, err := image.WriteAt(written[1], testBlockSize)
			require.NoError(t, err)

			require.NoError(t, image.Optimize(context.Background(), compactvd.FreeBlocksZeroed))
			view := image.View()
			assert.Equal(t, 3, view.BlocksMapped)
			assert.Equal(t, 5, view.BlocksInFile)
			require.NotNil(t, view.BlocksZeroed)
			assert.Equal(t, 2, *view.BlocksZeroed)
			assert.Nil(t, view.BlocksUnused)
			assert.False(t, image.HasData(2*testBlockSize, 2*testBlockSize))
			requireContents(image, written, t)

			require.NoError(t, image.Optimize(context.Background(), compactvd.FreeBlocksZeroed))
			view = image.View()
			assert.Equal(t, 3, view.BlocksMapped, "second run must not free anything")
			assert.Equal(t, 2, *view.BlocksZeroed)

			image = reopen(image, images.Options{}, t)
			assert.Equal(t, 3, image.View().BlocksMapped)
			requireContents(image, written, t)
		})
	}
}

func TestOptimize__Unused(t *testing.T) {
	ctrl := gomock.NewController(t)
	fileSystem := mock.NewMockFileSystem(ctrl)
	fileSystem.EXPECT().Type().Return("FAT32").AnyTimes()

	image := createImage(vdi.TypeName, t)
	written := writeBlocks(image, []int{0, 1, 2, 3, 6}, t)

	layout := compactvd.StaticLayout{
		Name: "MBR",
		Regions: []compactvd.Region{
			{Offset: 0, Length: testBlockSize, Type: "Boot"},
			{
				Offset:     testBlockSize,
				Length:     4 * testBlockSize,
				Type:       "FAT32",
				FileSystem: fileSystem,
			},
		},
	}
	require.NoError(t, image.SetLayout(layout))

	// Offsets are relative to the start of the region. Blocks 4 and 5 have no
	// data so the file system isn't asked about them.
	gomock.InOrder(
		fileSystem.EXPECT().IsAllocated(uint64(0), uint32(testBlockSize)).Return(true),
		fileSystem.EXPECT().IsAllocated(uint64(testBlockSize), uint32(testBlockSize)).Return(false),
		fileSystem.EXPECT().IsAllocated(uint64(2*testBlockSize), uint32(testBlockSize)).Return(true),
	)

	require.NoError(t, image.Optimize(context.Background(), compactvd.FreeBlocksUnused))

	view := image.View()
	assert.Equal(t, 4, view.BlocksMapped)
	require.NotNil(t, view.BlocksUnused)
	assert.Equal(t, 1, *view.BlocksUnused)
	assert.Nil(t, view.BlocksZeroed)
	require.Len(t, view.FileSystems, 2)
	assert.Equal(t, 1, view.FileSystems[0].BlocksMapped)
	assert.Equal(t, 0, view.FileSystems[0].BlocksUnused)
	assert.True(t, view.FileSystems[1].IsFileSystem)
	assert.Equal(t, 4, view.FileSystems[1].BlocksCount)
	assert.Equal(t, 2, view.FileSystems[1].BlocksMapped)
	assert.Equal(t, 1, view.FileSystems[1].BlocksUnused)

	delete(written, 2)
	requireContents(image, written, t)
}

func TestOptimize__UnusedWithoutLayout(t *testing.T) {
	image := createImage(vdi.TypeName, t)
	writeBlocks(image, []int{0, 1}, t)

	require.NoError(t, image.Optimize(context.Background(), compactvd.FreeBlocksUnused))
	view := image.View()
	assert.Equal(t, 2, view.BlocksMapped)
	assert.Nil(t, view.BlocksUnused)
}

func TestOptimize__Cancelled(t *testing.T) {
	image := createImage(vdi.TypeName, t)
	writeBlocks(image, []int{0}, t)
	_, err := image.WriteAt(make([]byte, testBlockSize), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, image.Optimize(ctx, compactvd.FreeBlocksZeroed))
	assert.Equal(t, 1, image.View().BlocksMapped)
}

func TestOptimize__Progress(t *testing.T) {
	image := createImageWith(vdi.TypeName, images.Options{Now: clock()}, t)
	writeBlocks(image, []int{0, 1}, t)
	_, err := image.WriteAt(make([]byte, testBlockSize), testBlockSize)
	require.NoError(t, err)

	log := &eventLog{}
	unsubscribe := image.Subscribe(log, true)
	require.NoError(t, image.Optimize(context.Background(), compactvd.FreeBlocksZeroed))

	last := log.last()
	assert.Equal(t, progress.Optimize, last.Task)
	assert.True(t, last.Done)
	assert.EqualValues(t, 1, last.Value)

	views := log.views()
	require.NotEmpty(t, views)
	final := views[len(views)-1]
	assert.Equal(t, 1, final.BlocksMapped)
	require.NotNil(t, final.BlocksZeroed)
	assert.Equal(t, 1, *final.BlocksZeroed)
	assert.False(t, final.Estimated)

	unsubscribe()
	count := len(log.events)
	require.NoError(t, image.Optimize(context.Background(), compactvd.FreeBlocksZeroed))
	assert.Len(t, log.events, count)
}
