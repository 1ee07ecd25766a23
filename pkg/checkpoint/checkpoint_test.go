package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "does_not_exist.txt"))
	done, err := l.Load()
	assert.NoError(t, err)
	assert.Empty(t, done)
}

func TestAppendAndLoad(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "done.txt"))
	require.NoError(t, l.Append("2024-01-01 00:00:00"))
	require.NoError(t, l.Append("2024-01-01 01:00:00"))

	done, err := l.Load()
	require.NoError(t, err)
	assert.Len(t, done, 2)
	assert.Contains(t, done, "2024-01-01 00:00:00")
	assert.Contains(t, done, "2024-01-01 01:00:00")
}

func TestLoadSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "done.txt")
	require.NoError(t, os.WriteFile(path, []byte("2024-01-01 00:00:00\n\n  \n2024-01-01 01:00:00\n"), 0644))
	done, err := New(path).Load()
	require.NoError(t, err)
	assert.Len(t, done, 2)
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "done_segments_a_to_b.txt"))
	require.NoError(t, l.Append("2024-01-01 00:00:00"))

	now := time.Date(2024, 6, 1, 12, 34, 56, 0, time.UTC)
	require.NoError(t, l.Rotate(now))

	_, err := os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "done_segments_a_to_b_20240601_123456.txt"))
	assert.NoError(t, err)

	// Rotating again with no file present is a no-op.
	assert.NoError(t, l.Rotate(now))
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, "done_segments_events_to_events_v2.txt", DefaultPath("events", "events_v2"))
}
