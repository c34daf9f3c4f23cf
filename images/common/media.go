package common

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/dargueta/compactvd"
)

// Media is the image file an Image reads and writes. All errors it returns are
// [compactvd.ErrIOFailed] wrapping the underlying cause, except for a missing
// file which is [compactvd.ErrNotFound].
type Media struct {
	file     *os.File
	path     string
	readOnly bool
}

func wrapIOError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return compactvd.ErrNotFound.Wrap(err)
	}
	return compactvd.ErrIOFailed.Wrap(err)
}

// OpenMedia opens an existing image file.
func OpenMedia(path string, readOnly bool) (*Media, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, wrapIOError(err)
	}
	return &Media{file: file, path: path, readOnly: readOnly}, nil
}

// CreateMedia creates a new, empty image file. It fails with
// [compactvd.ErrExists] if the file exists and `overwrite` is false.
func CreateMedia(path string, overwrite bool) (*Media, error) {
	flag := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flag |= os.O_EXCL
	}
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, compactvd.ErrExists.Wrap(err)
		}
		return nil, wrapIOError(err)
	}
	return &Media{file: file, path: path}, nil
}

func (media *Media) Path() string {
	return media.path
}

func (media *Media) ReadOnly() bool {
	return media.readOnly
}

// File returns the underlying file, e.g. for locking.
func (media *Media) File() *os.File {
	return media.file
}

// ReadAt implements [io.ReaderAt]. Reading at or past the end of the file returns
// [io.EOF] unwrapped so callers can detect it.
func (media *Media) ReadAt(buffer []byte, offset int64) (int, error) {
	n, err := media.file.ReadAt(buffer, offset)
	if err != nil && err != io.EOF {
		return n, wrapIOError(err)
	}
	return n, err
}

// ReadFull reads exactly len(buffer) bytes at `offset`.
func (media *Media) ReadFull(offset int64, buffer []byte) error {
	err := ReadFull(media.file, offset, buffer)
	if err != nil {
		return wrapIOError(err)
	}
	return nil
}

func (media *Media) WriteAt(buffer []byte, offset int64) error {
	_, err := media.file.WriteAt(buffer, offset)
	if err != nil {
		return wrapIOError(err)
	}
	return nil
}

// WriteChunks writes each chunk at its own offset, in order.
func (media *Media) WriteChunks(chunks []Chunk) error {
	for _, chunk := range chunks {
		err := media.WriteAt(chunk.Data, chunk.Offset)
		if err != nil {
			return err
		}
	}
	return nil
}

// FillZero writes `length` zero bytes starting at `offset`.
func (media *Media) FillZero(offset, length int64) error {
	buffer := make([]byte, min(length, 65536))
	for length > 0 {
		size := min(length, int64(len(buffer)))
		err := media.WriteAt(buffer[:size], offset)
		if err != nil {
			return err
		}
		offset += size
		length -= size
	}
	return nil
}

func (media *Media) Sync() error {
	err := media.file.Sync()
	if err != nil {
		return wrapIOError(err)
	}
	return nil
}

func (media *Media) Truncate(size int64) error {
	err := media.file.Truncate(size)
	if err != nil {
		return wrapIOError(err)
	}
	return nil
}

// Length returns the current size of the file, or -1 if it can't be determined.
func (media *Media) Length() int64 {
	info, err := media.file.Stat()
	if err != nil {
		return -1
	}
	return info.Size()
}

func (media *Media) ModTime() (time.Time, error) {
	info, err := media.file.Stat()
	if err != nil {
		return time.Time{}, wrapIOError(err)
	}
	return info.ModTime(), nil
}

func (media *Media) Close() error {
	if media.file == nil {
		return nil
	}
	err := media.file.Close()
	media.file = nil
	if err != nil {
		return wrapIOError(err)
	}
	return nil
}
