package images

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dargueta/compactvd"
)

// nvramPath returns the path of the NVRAM file VMware keeps next to a disk image.
func nvramPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".nvram"
}

// CopyNvram copies the NVRAM file stored next to `source` so it sits next to this
// image too. It returns false without error if `source` has none or this image
// already has one.
func (image *Image) CopyNvram(source *Image) (bool, error) {
	from := nvramPath(source.Path())
	to := nvramPath(image.Path())

	info, err := os.Stat(from)
	if err != nil || info.IsDir() {
		return false, nil
	}

	input, err := os.Open(from)
	if err != nil {
		return false, compactvd.ErrIOFailed.Wrap(err)
	}
	defer input.Close()

	output, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	} else if err != nil {
		return false, compactvd.ErrIOFailed.Wrap(err)
	}

	_, err = io.Copy(output, input)
	closeErr := output.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(to)
		return false, compactvd.ErrIOFailed.Wrap(err)
	}
	image.logger.Debug().Str("nvram", to).Msg("NVRAM file copied")
	return true, nil
}
