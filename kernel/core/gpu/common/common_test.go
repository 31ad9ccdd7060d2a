package common

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := ErrContextBanned(7, 3)
	assert.ErrorIs(t, err, ErrBanned)
	assert.NotErrorIs(t, err, ErrQueueFull)

	wrapped := fmt.Errorf("submit: %w", err)
	assert.ErrorIs(t, wrapped, ErrBanned)
	assert.Equal(t, uint32(7), err.Context["context_id"])
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("mmap failed")
	err := WrapError(ErrCodeOutOfMemory, "allocate", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, "[OUT_OF_MEMORY] allocate: mmap failed", err.Error())
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOK, StatusOf(nil))
	assert.Equal(t, StatusQueueFull, StatusOf(fmt.Errorf("x: %w", ErrQueueFull)))
	assert.Equal(t, StatusNotFound, StatusOf(ErrContextNotFound(3)))
	assert.Equal(t, StatusInternal, StatusOf(errors.New("boom")))
	assert.Equal(t, "BANNED", StatusBanned.String())
}

func TestPixelFormat(t *testing.T) {
	assert.Equal(t, uint32(4), FormatXRGB8888.BytesPerPixel())
	assert.Zero(t, FormatInvalid.BytesPerPixel())
	assert.Equal(t, uint64(2), PagesFor(4097))
	assert.Equal(t, uint64(1)<<(64-PageShift), PagesFor(math.MaxUint64))
}
