package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForCount(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for counter.Load() < want {
		select {
		case <-deadline:
			t.Fatalf("change count stuck at %d, want %d", counter.Load(), want)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	var changes atomic.Int32
	cleanup, err := Watch(context.Background(), path, nil, func() {
		changes.Add(1)
	})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"debug"}`), 0o644))
	waitForCount(t, &changes, 1)
}

func TestWatch_RenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	var changes atomic.Int32
	cleanup, err := Watch(context.Background(), path, nil, func() {
		changes.Add(1)
	})
	require.NoError(t, err)
	defer cleanup()

	// Editors often save via a temp file swapped into place.
	tmp := filepath.Join(dir, "settings.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"keep_logs":true}`), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	waitForCount(t, &changes, 1)
}

func TestWatch_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	var changes atomic.Int32
	cleanup, err := Watch(context.Background(), path, nil, func() {
		changes.Add(1)
	})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644))

	// Give a sibling write time to (wrongly) fire, then confirm silence.
	time.Sleep(3 * debounceInterval)
	assert.Equal(t, int32(0), changes.Load())
}

func TestWatch_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	var changes atomic.Int32
	cleanup, err := Watch(context.Background(), path, nil, func() {
		changes.Add(1)
	})
	require.NoError(t, err)
	defer cleanup()

	// A rapid burst of writes lands within one debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	}

	waitForCount(t, &changes, 1)
	time.Sleep(3 * debounceInterval)
	assert.Equal(t, int32(1), changes.Load())
}

func TestWatch_CleanupStops(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	var changes atomic.Int32
	cleanup, err := Watch(context.Background(), path, nil, func() {
		changes.Add(1)
	})
	require.NoError(t, err)
	require.NoError(t, cleanup())

	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))
	time.Sleep(3 * debounceInterval)
	assert.Equal(t, int32(0), changes.Load())
}

func TestWatch_MissingDirectory(t *testing.T) {
	_, err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "settings.json"), nil, func() {})
	assert.Error(t, err)
}
