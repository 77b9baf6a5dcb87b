package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileFingerprint_SmallFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello indexfs"), 0644))

	fp, err := FileFingerprint(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp, "sha256:"))
	assert.Equal(t, HashBytes([]byte("hello indexfs")), fp)

	// Same content, different file: identical fingerprint.
	path2 := filepath.Join(dir, "copy.txt")
	require.NoError(t, os.WriteFile(path2, []byte("hello indexfs"), 0644))
	fp2, err := FileFingerprint(path2)
	require.NoError(t, err)
	assert.Equal(t, fp, fp2)
}

func TestFileFingerprint_DetectsChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0644))

	fp1, err := FileFingerprint(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("after!"), 0644))
	fp2, err := FileFingerprint(path)
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestFileFingerprint_Missing(t *testing.T) {
	t.Parallel()

	_, err := FileFingerprint(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
