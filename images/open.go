package images

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/raw"
	"github.com/dargueta/compactvd/images/vdi"
	"github.com/dargueta/compactvd/images/vhd"
	"github.com/dargueta/compactvd/images/vmdk"
	"github.com/rs/zerolog"
)

type probeFunc func(reader io.ReaderAt, fileLength int64) (c.Format, error)

type formatEntry struct {
	name string
	// magic is the first bytes of a file of this format, used to try the most
	// likely format first.
	magic []byte
	probe probeFunc
}

// Every probe wrapper returns an untyped nil on failure, so callers can compare the
// interface against nil.
var registeredFormats = []formatEntry{
	{
		name:  vdi.TypeName,
		magic: []byte("<<< "),
		probe: func(reader io.ReaderAt, fileLength int64) (c.Format, error) {
			format, err := vdi.Probe(reader, fileLength)
			if err != nil {
				return nil, err
			}
			return format, nil
		},
	},
	{
		name:  vmdk.TypeName,
		magic: []byte("KDMV"),
		probe: func(reader io.ReaderAt, fileLength int64) (c.Format, error) {
			format, err := vmdk.Probe(reader, fileLength)
			if err != nil {
				return nil, err
			}
			return format, nil
		},
	},
	{
		name:  vhd.TypeName,
		magic: []byte("cone"),
		probe: func(reader io.ReaderAt, fileLength int64) (c.Format, error) {
			format, err := vhd.Probe(reader, fileLength)
			if err != nil {
				return nil, err
			}
			return format, nil
		},
	},
	{
		name: raw.TypeName,
		probe: func(reader io.ReaderAt, fileLength int64) (c.Format, error) {
			format, err := raw.Probe(reader, fileLength)
			if err != nil {
				return nil, err
			}
			return format, nil
		},
	},
}

// FormatNames lists the names of the supported image types.
func FormatNames() []string {
	names := make([]string, len(registeredFormats))
	for i, entry := range registeredFormats {
		names[i] = entry.name
	}
	return names
}

func lookupFormat(name string) (formatEntry, error) {
	for _, entry := range registeredFormats {
		if strings.EqualFold(entry.name, name) {
			return entry, nil
		}
	}
	return formatEntry{}, compactvd.ErrNotSupported.WithMessage(
		fmt.Sprintf("unknown image type %q", name))
}

// probeOrder returns the formats in the order to try them: the one whose magic
// matches the start of the file first, then the rest in registration order.
func probeOrder(reader io.ReaderAt) []formatEntry {
	head := make([]byte, 4)
	n, _ := reader.ReadAt(head, 0)
	head = head[:n]

	ordered := make([]formatEntry, 0, len(registeredFormats))
	for _, entry := range registeredFormats {
		if entry.magic != nil && bytes.Equal(entry.magic, head) {
			ordered = append(ordered, entry)
		}
	}
	for _, entry := range registeredFormats {
		if entry.magic == nil || !bytes.Equal(entry.magic, head) {
			ordered = append(ordered, entry)
		}
	}
	return ordered
}

// probe tries every format on the file. A format that doesn't recognize the file
// lets the next one try; any other error ends the search, since it means the file
// is of that format but can't be used.
func probe(reader io.ReaderAt, fileLength int64, logger zerolog.Logger) (c.Format, error) {
	for _, entry := range probeOrder(reader) {
		format, err := entry.probe(reader, fileLength)
		if err == nil {
			return format, nil
		}
		if !errors.Is(err, compactvd.ErrWrongFormat) {
			return nil, err
		}
		logger.Debug().Str("format", entry.name).Err(err).Msg("format rejected")
	}
	return nil, compactvd.ErrWrongFormat.WithMessage("not a supported disk image")
}

// seekingReaderAt implements io.ReaderAt over a stream by seeking before every
// read.
type seekingReaderAt struct {
	stream io.ReadSeeker
}

func (r seekingReaderAt) ReadAt(buffer []byte, offset int64) (int, error) {
	_, err := r.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return 0, err
	}
	n, err := io.ReadFull(r.stream, buffer)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// DetectFormat returns the type of the image in `stream`, or
// [compactvd.ErrWrongFormat] if it isn't one.
func DetectFormat(stream io.ReadSeeker) (string, error) {
	length, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return "", compactvd.ErrIOFailed.Wrap(err)
	}
	format, err := probe(seekingReaderAt{stream}, length, zerolog.Nop())
	if err != nil {
		return "", err
	}
	return format.Type(), nil
}

// Open opens an existing image of any supported type.
func Open(path string, options Options) (*Image, error) {
	return open(path, nil, options)
}

// OpenAs opens an existing image that must be of type `typeName`.
func OpenAs(path string, typeName string, options Options) (*Image, error) {
	entry, err := lookupFormat(typeName)
	if err != nil {
		return nil, err
	}
	return open(path, &entry, options)
}

func open(path string, entry *formatEntry, options Options) (*Image, error) {
	media, err := c.OpenMedia(path, options.ReadOnly)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	var format c.Format
	if entry == nil {
		format, err = probe(media, media.Length(), logger)
	} else {
		format, err = entry.probe(media, media.Length())
	}
	if err != nil {
		media.Close()
		return nil, err
	}

	image := newImage(media, format, options)
	image.logger.Debug().
		Int64("disk_size", format.DiskSize()).
		Uint32("block_size", format.BlockSize()).
		Uint32("mapped", format.Table().Mapped()).
		Msg("image opened")
	return image, nil
}

func newFormat(typeName string, path string, diskSize int64, blockSize uint32) (c.Format, error) {
	entry, err := lookupFormat(typeName)
	if err != nil {
		return nil, err
	}

	switch entry.name {
	case vdi.TypeName:
		format, err := vdi.New(diskSize, blockSize)
		if err != nil {
			return nil, err
		}
		return format, nil
	case vhd.TypeName:
		format, err := vhd.New(diskSize, blockSize)
		if err != nil {
			return nil, err
		}
		return format, nil
	case vmdk.TypeName:
		if blockSize%c.SectorSize != 0 {
			return nil, compactvd.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("%s: block size %d isn't a multiple of %d", vmdk.TypeName, blockSize, c.SectorSize))
		}
		format, err := vmdk.New(diskSize, uint64(blockSize/c.SectorSize), filepath.Base(path))
		if err != nil {
			return nil, err
		}
		return format, nil
	default:
		format, err := raw.New(diskSize)
		if err != nil {
			return nil, err
		}
		return format, nil
	}
}

// Create makes a new, empty image of type `typeName` for a device of `diskSize`
// bytes.
func Create(path string, typeName string, diskSize int64, options Options) (*Image, error) {
	format, err := newFormat(typeName, path, diskSize, options.BlockSize)
	if err != nil {
		return nil, err
	}

	media, err := c.CreateMedia(path, options.Overwrite)
	if err != nil {
		return nil, err
	}

	err = initializeFile(media, format)
	if err != nil {
		media.Close()
		return nil, err
	}

	options.ReadOnly = false
	image := newImage(media, format, options)
	image.touched = true
	image.logger.Info().Int64("disk_size", diskSize).Msg("image created")
	return image, nil
}

func initializeFile(media *c.Media, format c.Format) error {
	err := media.Truncate(format.FileLength(0))
	if err != nil {
		return err
	}
	if format.Sparse() {
		chunks, err := format.Metadata()
		if err != nil {
			return err
		}
		err = media.WriteChunks(chunks)
		if err != nil {
			return err
		}
	}
	return media.Sync()
}
