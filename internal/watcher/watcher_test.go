package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*Watcher, string, string, *entry.Registry, chan *config.Config) {
	t.Helper()
	root := t.TempDir()
	entryDir := filepath.Join(root, "entries")
	require.NoError(t, os.MkdirAll(entryDir, 0o700))
	configPath := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("port: 8400\n"), 0o600))

	registry := entry.NewRegistry(entry.NewFileStore(entryDir))
	require.NoError(t, registry.Load(context.Background()))

	reloaded := make(chan *config.Config, 4)
	w, err := NewWatcher(configPath, entryDir, registry, func(cfg *config.Config) { reloaded <- cfg })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w, configPath, entryDir, registry, reloaded
}

func TestWatcherReloadsConfig(t *testing.T) {
	w, configPath, entryDir, _, reloaded := newTestWatcher(t)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(configPath, []byte("port: 8401\nentry-dir: /elsewhere\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8401, cfg.Port)
		assert.Equal(t, entryDir, cfg.EntryDir)
		assert.Same(t, cfg, w.currentConfig())
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatcherSkipsUnchangedConfig(t *testing.T) {
	w, configPath, _, _, reloaded := newTestWatcher(t)

	w.reloadConfigIfChanged()
	require.Len(t, reloaded, 1)
	<-reloaded

	w.reloadConfigIfChanged()
	assert.Len(t, reloaded, 0)

	require.NoError(t, os.WriteFile(configPath, []byte("port: 8402\n"), 0o600))
	w.reloadConfigIfChanged()
	assert.Len(t, reloaded, 1)
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	w, configPath, _, _, reloaded := newTestWatcher(t)
	require.NoError(t, os.WriteFile(configPath, []byte("port: [\n"), 0o600))
	w.reloadConfigIfChanged()
	assert.Len(t, reloaded, 0)
	assert.Nil(t, w.currentConfig())
}

func TestWatcherReloadsEntries(t *testing.T) {
	w, _, entryDir, registry, _ := newTestWatcher(t)
	require.NoError(t, w.Start(context.Background()))

	writer := entry.NewFileStore(entryDir)
	e := entry.New("onlycat", "42", "42", 1, map[string]string{"user_id": "42", "token": "t"})
	_, err := writer.Save(context.Background(), e)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return registry.IsConfigured("onlycat", "42")
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, writer.Delete(context.Background(), e.EntryID))
	require.Eventually(t, func() bool {
		return !registry.IsConfigured("onlycat", "42")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHandleEventFiltersUnrelatedFiles(t *testing.T) {
	w, _, entryDir, _, _ := newTestWatcher(t)

	w.handleEvent(fsnotify.Event{Name: filepath.Join(entryDir, "notes.txt"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(entryDir, "nested", "x.json"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(entryDir, "x.json"), Op: fsnotify.Chmod})
	w.timerMu.Lock()
	assert.Nil(t, w.entryReloadTimer)
	w.timerMu.Unlock()

	w.handleEvent(fsnotify.Event{Name: filepath.Join(entryDir, "x.json"), Op: fsnotify.Create})
	w.timerMu.Lock()
	assert.NotNil(t, w.entryReloadTimer)
	w.timerMu.Unlock()
}
