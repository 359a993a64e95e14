package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segkv/pkg/dberrors"
)

func TestRunRemovesTempDir(t *testing.T) {
	parent := t.TempDir()
	t.Setenv("TMPDIR", parent)

	require.NoError(t, run(nil, 400))

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunReturnsOpenError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	err := run([]string{file}, 400)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestSummarize(t *testing.T) {
	res := summarize(4, 1, 0, nil)
	assert.Equal(t, 3, res.SuccessfulOps)
	assert.Zero(t, res.AvgLatency)
}
