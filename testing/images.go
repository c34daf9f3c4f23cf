// Package testing contains helpers shared by the tests of several packages.
package testing

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	c "github.com/dargueta/compactvd/images/common"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// CreateRandomBlocks returns `totalBlocks` blocks of random bytes. It is guaranteed
// to either return a valid slice or fail the test and abort.
func CreateRandomBlocks(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d blocks of size %d with random bytes",
		totalBlocks,
		bytesPerBlock,
	)
	return backingData
}

// AssembleImage lays out metadata chunks in a zero-filled buffer of `length`
// bytes, the way they'd be written to a new image file. A chunk extending past
// `length` fails the test.
func AssembleImage(chunks []c.Chunk, length int64, t *testing.T) []byte {
	image := make([]byte, length)
	for i, chunk := range chunks {
		require.LessOrEqualf(
			t,
			chunk.End(),
			length,
			"chunk %d at offset %d (%d bytes) doesn't fit in %d bytes",
			i,
			chunk.Offset,
			len(chunk.Data),
			length,
		)
		copy(image[chunk.Offset:], chunk.Data)
	}
	return image
}

// WriteTempFile writes `data` to a new file in a temporary directory that is
// removed when the test ends, and returns its path.
func WriteTempFile(name string, data []byte, t *testing.T) string {
	path := filepath.Join(t.TempDir(), name)
	err := os.WriteFile(path, data, 0o644)
	require.NoErrorf(t, err, "failed to write %d bytes to %q", len(data), path)
	return path
}

// NewStream returns an in-memory stream over `data`, for code that takes a
// seekable reader instead of a file. Writes go to `data` and can't extend it.
func NewStream(data []byte) io.ReadWriteSeeker {
	return bytesextra.NewReadWriteSeeker(data)
}
