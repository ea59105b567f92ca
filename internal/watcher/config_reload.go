package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/util"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) scheduleConfigReload() {
	w.debounce(&w.configReloadTimer, configReloadDebounce, w.reloadConfigIfChanged)
}

func (w *Watcher) reloadConfigIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.RLock()
	currentHash := w.lastConfigHash
	w.mu.RUnlock()

	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}
	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadConfig() {
		w.mu.Lock()
		w.lastConfigHash = newHash
		w.mu.Unlock()
	}
}

func (w *Watcher) reloadConfig() bool {
	newConfig, errLoadConfig := config.LoadConfig(w.configPath)
	if errLoadConfig != nil {
		log.Errorf("failed to reload config: %v", errLoadConfig)
		return false
	}

	// The entry store is bound at startup.
	if resolved, errResolve := util.ResolveEntryDir(newConfig.EntryDir); errResolve == nil && resolved != w.entryDir {
		log.Warnf("entry-dir changed to %s; restart to use it, keeping %s", resolved, w.entryDir)
	}
	newConfig.EntryDir = w.entryDir

	oldConfig := w.currentConfig()
	w.SetConfig(newConfig)

	util.SetLogLevel(newConfig)
	if oldConfig != nil && oldConfig.Debug != newConfig.Debug {
		log.Debugf("log level updated - debug mode changed from %t to %t", oldConfig.Debug, newConfig.Debug)
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	log.Infof("config successfully reloaded")
	return true
}
