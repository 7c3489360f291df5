package am

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatcherReloads(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, ProjectFile)
	writeFile(t, path, "[sync]\nmutations_per_second = 20.0\n")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 20.0, cfg.Sync.MutationsPerSecond)
	require.Equal(t, path, ActiveConfigFile())

	cw, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond
	reloaded := make(chan *Config, 4)
	cw.OnReload(func(c *Config) error {
		reloaded <- c
		return nil
	})
	cw.Start()
	defer cw.Stop()

	writeFile(t, path, "[sync]\nmutations_per_second = 5.0\n")
	select {
	case c := <-reloaded:
		assert.Equal(t, 5.0, c.Sync.MutationsPerSecond)
	case <-time.After(3 * time.Second):
		t.Fatal("config not reloaded")
	}
}

func TestWatcherKeepsCallbacksOnInvalidFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, ProjectFile)
	writeFile(t, path, "[sync]\nworkers = 2\n")

	cw, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	called := false
	cw.OnReload(func(*Config) error { called = true; return nil })

	writeFile(t, path, "[sync]\nworkers = -1\n")
	assert.Error(t, cw.reload())
	assert.False(t, called)
	require.NoError(t, cw.Stop())
}

func TestNewConfigWatcherMissingFile(t *testing.T) {
	_, err := NewConfigWatcher(filepath.Join(t.TempDir(), "missing.toml"), nil)
	assert.Error(t, err)
}
