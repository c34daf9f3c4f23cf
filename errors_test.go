package compactvd_test

import (
	"errors"
	"testing"

	"github.com/dargueta/compactvd"
	"github.com/stretchr/testify/assert"
)

func TestImageErrorWithMessage(t *testing.T) {
	newErr := compactvd.ErrCorruptMetadata.WithMessage("asdfqwerty")
	assert.Equal(
		t, "Image metadata is corrupt: asdfqwerty", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, compactvd.ErrCorruptMetadata)
	assert.NotErrorIs(t, newErr, compactvd.ErrWrongFormat)
}

func TestImageErrorWrap(t *testing.T) {
	originalErr := errors.New("original error")
	newErr := compactvd.ErrIOFailed.Wrap(originalErr)
	expectedMessage := "Input/output error: original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, compactvd.ErrIOFailed, "image error not set as parent")
}

func TestImageErrorWrap__Chained(t *testing.T) {
	originalErr := errors.New("short read")
	newErr := compactvd.ErrWrongFormat.WithMessage("VDI").Wrap(originalErr)

	assert.Equal(t, "Wrong image format: VDI: short read", newErr.Error())
	assert.ErrorIs(t, newErr, compactvd.ErrWrongFormat)
	assert.ErrorIs(t, newErr, originalErr)
}
