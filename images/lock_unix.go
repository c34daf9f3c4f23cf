//go:build unix

package images

import (
	"errors"

	"github.com/dargueta/compactvd"
	"golang.org/x/sys/unix"
)

// lockFile takes an advisory lock on the image file so two processes can't
// modify it at once. Read-only images take a shared lock.
func (image *Image) lockFile() error {
	how := unix.LOCK_EX
	if image.readOnly {
		how = unix.LOCK_SH
	}
	err := unix.Flock(int(image.media.File().Fd()), how|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return compactvd.ErrBusy.WithMessage(image.media.Path())
	} else if err != nil {
		return compactvd.ErrIOFailed.Wrap(err)
	}
	image.flocked = true
	return nil
}

func (image *Image) unlockFile() error {
	err := unix.Flock(int(image.media.File().Fd()), unix.LOCK_UN)
	if err != nil {
		return compactvd.ErrIOFailed.Wrap(err)
	}
	image.flocked = false
	return nil
}
