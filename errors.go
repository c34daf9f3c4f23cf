package compactvd

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type ImageError interface {
	error
	WithMessage(message string) ImageError
	Wrap(err error) ImageError
}

type baseImageError string

const rootError = baseImageError("")

// ErrWrongFormat is returned when the signature of a format isn't found where it is
// expected. Callers probing several formats should move on to the next candidate.
var ErrWrongFormat = rootError.WithMessage("Wrong image format")

// ErrCorruptMetadata is returned when an image's signature matched but its headers
// or allocation table violate the format's invariants. It must never be treated
// as a reason to try another format.
var ErrCorruptMetadata = rootError.WithMessage("Image metadata is corrupt")

var ErrBusy = rootError.WithMessage("Image is locked by another process")
var ErrExists = rootError.WithMessage("File exists")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrIOFailed = rootError.WithMessage("Input/output error")
var ErrNotFound = rootError.WithMessage("No such file or directory")
var ErrNotSupported = rootError.WithMessage("Operation not supported")
var ErrReadOnly = rootError.WithMessage("Image file is read-only")

func (e baseImageError) Error() string {
	return string(e)
}

func (e baseImageError) WithMessage(message string) ImageError {
	return customImageError{
		message:       message,
		originalError: e,
	}
}

func (e baseImageError) Wrap(err error) ImageError {
	return customImageError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customImageError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customImageError) Error() string {
	return e.message
}

func (e customImageError) WithMessage(message string) ImageError {
	return customImageError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customImageError) Wrap(err error) ImageError {
	return customImageError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customImageError) Unwrap() error {
	return e.originalError
}
