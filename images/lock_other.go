//go:build !unix

package images

// Advisory locks are only implemented on Unix systems.
func (image *Image) lockFile() error {
	return nil
}

func (image *Image) unlockFile() error {
	image.flocked = false
	return nil
}
