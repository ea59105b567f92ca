package watcher

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	// Watch the directory so editors that replace the file are still seen.
	configDir := filepath.Dir(w.configPath)
	if errAddConfig := w.watcher.Add(configDir); errAddConfig != nil {
		log.Errorf("failed to watch config directory %s: %v", configDir, errAddConfig)
		return errAddConfig
	}
	log.Debugf("watching config file: %s", w.configPath)

	if w.normalizePath(w.entryDir) != w.normalizePath(configDir) {
		if errAddEntryDir := w.watcher.Add(w.entryDir); errAddEntryDir != nil {
			log.Errorf("failed to watch entry directory %s: %v", w.entryDir, errAddEntryDir)
			return errAddEntryDir
		}
	}
	log.Debugf("watching entry directory: %s", w.entryDir)

	go w.processEvents(w.ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	normalizedName := w.normalizePath(event.Name)

	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if normalizedName == w.normalizePath(w.configPath) {
		if event.Op&configOps != 0 {
			log.Debugf("config file event: %s", event.Op.String())
			w.scheduleConfigReload()
		}
		return
	}

	entryOps := fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	isEntryJSON := filepath.Dir(normalizedName) == w.normalizePath(w.entryDir) &&
		strings.HasSuffix(normalizedName, ".json") && event.Op&entryOps != 0
	if !isEntryJSON {
		return
	}
	log.Debugf("entry file event: %s %s", event.Op.String(), filepath.Base(event.Name))
	w.debounce(&w.entryReloadTimer, entryReloadDebounce, w.reloadEntries)
}

func (w *Watcher) normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
