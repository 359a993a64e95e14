package dberrors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorruptionErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("open: %w", Corruptf("000001.seg", 42, "bad magic %x", 7))

	assert.ErrorIs(t, err, ErrCorruption)
	assert.NotErrorIs(t, err, ErrIO)

	var ce *CorruptionError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(42), ce.Offset)
	assert.Contains(t, err.Error(), "bad magic 7")
}

func TestWrapIO(t *testing.T) {
	assert.NoError(t, WrapIO("write", "x", nil))

	err := WrapIO("open", "/nope", fs.ErrPermission)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, fs.ErrPermission)

	corrupt := Corruptf("wal", -1, "checksum")
	assert.Same(t, corrupt, WrapIO("read", "wal", corrupt))
}

func TestInvalidArgument(t *testing.T) {
	err := InvalidArgument("empty key")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, "segkv: invalid argument: empty key", err.Error())
}
