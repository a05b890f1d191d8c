package errx

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = errors.New("do the thing")

func TestWrapMatchesBoth(t *testing.T) {
	err := Wrap(errSentinel, fs.ErrNotExist)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errSentinel))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Equal(t, "do the thing: file does not exist", err.Error())
}

func TestWrapNilCause(t *testing.T) {
	err := Wrap(errSentinel, nil)
	assert.Equal(t, errSentinel, err)
}

func TestWithFormatsContext(t *testing.T) {
	err := With(errSentinel, " %q -> %q", "a", "b")
	assert.True(t, errors.Is(err, errSentinel))
	assert.Equal(t, `do the thing "a" -> "b"`, err.Error())
}

func TestWithWrapVerb(t *testing.T) {
	err := With(errSentinel, ": %w", fs.ErrPermission)
	assert.True(t, errors.Is(err, errSentinel))
	assert.True(t, errors.Is(err, fs.ErrPermission))
}
