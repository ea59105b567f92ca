package logging

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const dirCleanerInterval = time.Minute

// dirCleaner periodically removes the oldest *.log files until the directory fits maxBytes.
// The active log file is never removed.
type dirCleaner struct {
	dir       string
	maxBytes  int64
	protected string
	cancel    context.CancelFunc
}

func newDirCleaner(dir string, maxBytes int64, protected string) *dirCleaner {
	dir = strings.TrimSpace(dir)
	if dir != "" {
		dir = filepath.Clean(dir)
	}
	protected = strings.TrimSpace(protected)
	if protected != "" {
		protected = filepath.Clean(protected)
	}
	return &dirCleaner{dir: dir, maxBytes: maxBytes, protected: protected}
}

func (c *dirCleaner) start() {
	if c == nil || c.dir == "" || c.maxBytes <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

func (c *dirCleaner) stop() {
	if c == nil || c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
}

func (c *dirCleaner) run(ctx context.Context) {
	ticker := time.NewTicker(dirCleanerInterval)
	defer ticker.Stop()
	for {
		deleted, errClean := c.enforce()
		if errClean != nil {
			log.WithError(errClean).Warn("logging: failed to enforce log directory size limit")
		} else if deleted > 0 {
			log.Debugf("logging: removed %d old log file(s)", deleted)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *dirCleaner) enforce() (int, error) {
	if c.dir == "" || c.maxBytes <= 0 {
		return 0, nil
	}
	entries, errRead := os.ReadDir(c.dir)
	if errRead != nil {
		if os.IsNotExist(errRead) {
			return 0, nil
		}
		return 0, errRead
	}

	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{path: filepath.Join(c.dir, entry.Name()), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	if total <= c.maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	deleted := 0
	for _, file := range files {
		if total <= c.maxBytes {
			break
		}
		if c.protected != "" && file.path == c.protected {
			continue
		}
		if errRemove := os.Remove(file.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: failed to remove old log file: %s", filepath.Base(file.path))
			continue
		}
		total -= file.size
		deleted++
	}
	return deleted, nil
}

func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
