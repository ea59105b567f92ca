// Package watcher watches the config file and the entry directory and triggers
// hot reloads.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	log "github.com/sirupsen/logrus"
)

// Watcher manages file watching for the configuration file and entry files.
type Watcher struct {
	configPath     string
	entryDir       string
	registry       *entry.Registry
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher

	mu             sync.RWMutex
	config         *config.Config
	lastConfigHash string

	timerMu           sync.Mutex
	configReloadTimer *time.Timer
	entryReloadTimer  *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

const (
	configReloadDebounce = 150 * time.Millisecond
	entryReloadDebounce  = 200 * time.Millisecond
)

// NewWatcher creates a watcher for configPath and entryDir. registry is reloaded
// when entry files change; reloadCallback receives every successfully reloaded config.
func NewWatcher(configPath, entryDir string, registry *entry.Registry, reloadCallback func(*config.Config)) (*Watcher, error) {
	watcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	return &Watcher{
		configPath:     configPath,
		entryDir:       entryDir,
		registry:       registry,
		reloadCallback: reloadCallback,
		watcher:        watcher,
	}, nil
}

// Start begins watching. Events are processed until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.timerMu.Lock()
	for _, t := range []*time.Timer{w.configReloadTimer, w.entryReloadTimer} {
		if t != nil {
			t.Stop()
		}
	}
	w.configReloadTimer, w.entryReloadTimer = nil, nil
	w.timerMu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	return w.watcher.Close()
}

// SetConfig updates the current configuration.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

func (w *Watcher) currentConfig() *config.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w *Watcher) debounce(timer **time.Timer, delay time.Duration, fn func()) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if *timer != nil {
		(*timer).Stop()
	}
	*timer = time.AfterFunc(delay, func() {
		w.timerMu.Lock()
		*timer = nil
		w.timerMu.Unlock()
		fn()
	})
}

func (w *Watcher) reloadEntries() {
	ctx := w.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := w.registry.Load(ctx); err != nil {
		log.Errorf("failed to reload entries: %v", err)
		return
	}
	log.Debugf("entries reloaded from %s", w.entryDir)
}
