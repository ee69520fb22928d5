package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/thermald/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrInvalidConfig)
	assert.Equal(t, "Invalid configuration", err.Error())

	err = errFactory.WithData(errors.ErrUndefinedReference, "sensor tmu_big")
	assert.Equal(t, "Reference to an undefined item: sensor tmu_big", err.Error())

	err = errFactory.WithMessage(errors.ErrInvalidConfig, "bad table").WithData("line 3")
	assert.Equal(t, "bad table: line 3", err.Error())
}

func TestUnknownCodeFallsBackToCode(t *testing.T) {
	err := errors.New().New(errors.ErrorCode("device_write_failed"))
	assert.Equal(t, "device_write_failed", err.Error())
}

func TestCodeOf(t *testing.T) {
	inner := errors.New().Wrap(errors.ErrReadConfig, fmt.Errorf("no such file"))
	wrapped := fmt.Errorf("loading profile: %w", inner)

	assert.Equal(t, errors.ErrReadConfig, errors.CodeOf(wrapped))
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(fmt.Errorf("plain")))
}

func TestHasCode(t *testing.T) {
	inner := errors.New().New(errors.ErrUndefinedReference)
	outer := errors.New().Wrap(errors.ErrInvalidConfig, inner)

	assert.True(t, errors.HasCode(outer, errors.ErrInvalidConfig))
	assert.True(t, errors.HasCode(outer, errors.ErrUndefinedReference))
	assert.False(t, errors.HasCode(outer, errors.ErrReadConfig))
	assert.ErrorIs(t, outer, inner)
}
