package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type calls struct {
	mu    sync.Mutex
	paths []string
}

func (c *calls) add(p string) {
	c.mu.Lock()
	c.paths = append(c.paths, p)
	c.mu.Unlock()
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

func isCSV(name string) bool { return strings.HasSuffix(name, ".csv") }

func TestWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	c := &calls{}
	w := New([]string{dir}, isCSV, 300*time.Millisecond, c.add, nil)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })

	path := filepath.Join(dir, "touch_20251101.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	for range 3 {
		_, err := f.WriteString("Datum;Zeit\n")
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(c.get()) == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, []string{path}, c.get())
}

func TestWatcher_StartStopIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	c := &calls{}
	w := New([]string{dir}, isCSV, 100*time.Millisecond, c.add, nil)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	assert.True(t, w.Running())
	assert.DirExists(t, dir)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.False(t, w.Running())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("x"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, c.get())

	require.NoError(t, w.Start())
	defer w.Stop()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return len(c.get()) == 1 }, 3*time.Second, 20*time.Millisecond)
}
